package model

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// RunStatus represents the current state of a compliance analysis run.
type RunStatus string

const (
	RunStatusQueued      RunStatus = "queued"
	RunStatusAnalyzing   RunStatus = "analyzing"
	RunStatusFiltering   RunStatus = "filtering"
	RunStatusChecking    RunStatus = "checking"
	RunStatusAggregating RunStatus = "aggregating"
	RunStatusComplete    RunStatus = "complete"
)

// Run represents a single compliance analysis run for an organization.
type Run struct {
	ID        string              `json:"id"`
	Profile   OrganizationProfile `json:"profile"`
	Status    RunStatus           `json:"status"`
	Report    *ComplianceReport   `json:"report,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// StageResult holds the outcome of one pipeline stage. Payload is the
// stage's structured output; Degraded marks output produced by the local
// fallback instead of the text-generation service.
type StageResult struct {
	Stage    string          `json:"stage"`
	Log      []string        `json:"log"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Degraded bool            `json:"degraded"`
	Duration int64           `json:"duration_ms"`
}

// RunLog is a run-scoped, stage-keyed buffer of timestamped log lines.
// Safe for concurrent use by parallel stage partitions.
type RunLog struct {
	mu      sync.Mutex
	byStage map[string][]string
	all     []string
}

// NewRunLog creates an empty run log.
func NewRunLog() *RunLog {
	return &RunLog{byStage: make(map[string][]string)}
}

// Logf appends a timestamped line under the given stage key.
func (l *RunLog) Logf(stage, format string, args ...any) {
	line := fmt.Sprintf("[%s] %s: %s",
		time.Now().UTC().Format("2006-01-02 15:04:05"),
		stage,
		fmt.Sprintf(format, args...),
	)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byStage[stage] = append(l.byStage[stage], line)
	l.all = append(l.all, line)
}

// Stage returns a copy of the lines recorded under one stage key.
func (l *RunLog) Stage(stage string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	lines := l.byStage[stage]
	out := make([]string, len(lines))
	copy(out, lines)
	return out
}

// Lines returns a copy of all lines in append order.
func (l *RunLog) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.all))
	copy(out, l.all)
	return out
}
