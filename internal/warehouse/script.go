package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SplitStatements breaks a multi-statement script on semicolons that are not
// inside quotes. Line comments are dropped and empty statements skipped.
func SplitStatements(script string) []string {
	var (
		stmts   []string
		current strings.Builder
		quote   rune
	)
	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			current.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
			current.WriteRune(r)
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			current.WriteRune('\n')
		case r == ';':
			if s := strings.TrimSpace(current.String()); s != "" {
				stmts = append(stmts, s)
			}
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		stmts = append(stmts, s)
	}
	return stmts
}

// ExecScript runs every statement of script in order on ex and stops at the
// first failure.
func ExecScript(ctx context.Context, ex Execer, script string) (int, error) {
	stmts := SplitStatements(script)
	for i, stmt := range stmts {
		if _, err := ex.ExecContext(ctx, stmt); err != nil {
			return i, fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	return len(stmts), nil
}
