package store

import (
	"context"

	"github.com/vigilo-labs/compliance-cli/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for compliance runs. Stage
// snapshots are the durable sink the orchestrator writes after every
// stage; write failures are logged by the caller, never fatal.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, profile model.OrganizationProfile) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	SaveReport(ctx context.Context, runID string, report *model.ComplianceReport) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Stage snapshots
	SaveStageSnapshot(ctx context.Context, runID string, result *model.StageResult) error
	ListStageSnapshots(ctx context.Context, runID string) ([]model.StageResult, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
