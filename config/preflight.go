package config

import (
	"slices"
	"strings"
)

// ConfigurationError lists every required setting that is absent or set to a
// value that cannot be used.
type ConfigurationError struct {
	Missing []string
	Invalid []string
}

func (e *ConfigurationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required configuration: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid configuration: "+strings.Join(e.Invalid, ", "))
	}
	return strings.Join(parts, "; ")
}

// Preflight checks that all warehouse connection values needed by the
// configured driver are present. It never stops at the first gap.
func (c *Config) Preflight() error {
	w := c.Warehouse
	checks := []struct {
		name    string
		present bool
		sqlite  bool
	}{
		{"DB_HOST", w.Host != "", false},
		{"DB_PORT", w.Port > 0, false},
		{"DB_NAME", w.Name != "", true},
		{"DB_USER", w.User != "", false},
		{"DB_PASSWORD", w.Password != "", false},
	}

	var missing, invalid []string
	for _, chk := range checks {
		if w.Driver == DriverSQLite && !chk.sqlite {
			continue
		}
		if slices.Contains(c.invalidEnv, chk.name) {
			invalid = append(invalid, chk.name)
			continue
		}
		if !chk.present {
			missing = append(missing, chk.name)
		}
	}
	if len(missing) > 0 || len(invalid) > 0 {
		return &ConfigurationError{Missing: missing, Invalid: invalid}
	}
	return nil
}
