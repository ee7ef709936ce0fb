package pipeline

import (
	"sync"
	"time"

	"coinflow/internal/quality"
	"coinflow/models"
)

type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunSummary is the outcome of one finished run.
type RunSummary struct {
	RunID            string                  `json:"run_id"`
	RunAt            time.Time               `json:"run_at"`
	FinishedAt       time.Time               `json:"finished_at"`
	Status           RunStatus               `json:"status"`
	FailedTask       TaskID                  `json:"failed_task,omitempty"`
	Error            string                  `json:"error,omitempty"`
	NewData          bool                    `json:"new_data"`
	Rows             map[models.Resource]int `json:"rows"`
	Quality          quality.QualityReport   `json:"quality"`
	Views            map[string]int64        `json:"views,omitempty"`
	TransformVersion string                  `json:"transform_version,omitempty"`
	Tasks            []TaskRecord            `json:"tasks"`
}

// Task returns the record of id, or false if the run never tracked it.
func (s RunSummary) Task(id TaskID) (TaskRecord, bool) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return TaskRecord{}, false
}

// Duration is the wall time of the run.
func (s RunSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.RunAt)
}

// History keeps the most recent run summaries in a fixed-size ring.
type History struct {
	mu    sync.RWMutex
	runs  []RunSummary
	next  int
	count int
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = 50
	}
	return &History{runs: make([]RunSummary, size)}
}

func (h *History) Add(s RunSummary) {
	h.mu.Lock()
	h.runs[h.next] = s
	h.next = (h.next + 1) % len(h.runs)
	if h.count < len(h.runs) {
		h.count++
	}
	h.mu.Unlock()
}

// Recent returns up to n summaries, newest first. n <= 0 returns all.
func (h *History) Recent(n int) []RunSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n > h.count {
		n = h.count
	}
	out := make([]RunSummary, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.runs)) % len(h.runs)
		out = append(out, h.runs[idx])
	}
	return out
}

// Last returns the newest summary.
func (h *History) Last() (RunSummary, bool) {
	recent := h.Recent(1)
	if len(recent) == 0 {
		return RunSummary{}, false
	}
	return recent[0], true
}
