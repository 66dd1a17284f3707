package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/vigilo-labs/compliance-cli/internal/config"
	"github.com/vigilo-labs/compliance-cli/internal/gateway"
	"github.com/vigilo-labs/compliance-cli/internal/model"
	"github.com/vigilo-labs/compliance-cli/internal/relevance"
	"github.com/vigilo-labs/compliance-cli/internal/schema"
	"github.com/vigilo-labs/compliance-cli/internal/store"
)

// Pipeline orchestrates one compliance analysis run. Construct a fresh
// instance per run; the run log and gateway are run-scoped.
type Pipeline struct {
	cfg      *config.Config
	store    store.Store
	gw       gateway.Invoker
	ex       *schema.Extractor
	selector *relevance.Selector
	runLog   *model.RunLog
}

// New creates a Pipeline with all dependencies.
func New(
	cfg *config.Config,
	st store.Store,
	gw gateway.Invoker,
	ex *schema.Extractor,
	selector *relevance.Selector,
	runLog *model.RunLog,
) *Pipeline {
	if runLog == nil {
		runLog = model.NewRunLog()
	}
	return &Pipeline{
		cfg:      cfg,
		store:    st,
		gw:       gw,
		ex:       ex,
		selector: selector,
		runLog:   runLog,
	}
}

// Log exposes the accumulated run log.
func (p *Pipeline) Log() *model.RunLog {
	return p.runLog
}

// Run executes the full stage chain for one organization profile against
// a pool of candidate records. It always produces a report: stage
// failures degrade to local substitutes, never abort the run.
func (p *Pipeline) Run(ctx context.Context, profile model.OrganizationProfile, pool []model.CandidateRecord) (*model.Run, error) {
	log := zap.L().With(zap.String("organization", profile.Name))
	log.Info("pipeline: starting compliance run", zap.Int("pool", len(pool)))

	run, err := p.store.CreateRun(ctx, profile)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}

	setStatus := func(status model.RunStatus) {
		run.Status = status
		if statusErr := p.store.UpdateRunStatus(ctx, run.ID, status); statusErr != nil {
			log.Warn("pipeline: failed to update status", zap.Error(statusErr))
		}
	}

	trackStage := func(stage string, fn func() (any, bool)) *model.StageResult {
		start := time.Now()
		payload, degraded := fn()
		duration := time.Since(start).Milliseconds()

		res := &model.StageResult{
			Stage:    stage,
			Log:      p.runLog.Stage(stage),
			Degraded: degraded,
			Duration: duration,
		}
		if payload != nil {
			raw, marshalErr := json.Marshal(payload)
			if marshalErr != nil {
				log.Warn("pipeline: failed to marshal stage payload",
					zap.String("stage", stage), zap.Error(marshalErr))
			} else {
				res.Payload = raw
			}
		}

		if degraded {
			log.Warn("pipeline: stage degraded",
				zap.String("stage", stage),
				zap.Int64("duration_ms", duration),
			)
		} else {
			log.Info("pipeline: stage complete",
				zap.String("stage", stage),
				zap.Int64("duration_ms", duration),
			)
		}

		if saveErr := p.store.SaveStageSnapshot(ctx, run.ID, res); saveErr != nil {
			log.Warn("pipeline: failed to save stage snapshot",
				zap.String("stage", stage), zap.Error(saveErr))
		}
		return res
	}

	// ===== Ingest =====
	var selected []model.CandidateRecord
	trackStage(StageIngest, func() (any, bool) {
		selected = p.ingest(ctx, &profile, pool)
		return map[string]any{"pool": len(pool), "selected": len(selected)}, false
	})

	// ===== AnalyzeBatch(es) =====
	setStatus(model.RunStatusAnalyzing)

	var amendments []model.AmendmentSummary
	trackStage(StageAnalyze, func() (any, bool) {
		var degraded bool
		amendments, degraded = p.analyzeBatches(ctx, selected)
		return analysisPayload{Amendments: amendments}, degraded
	})

	// ===== FilterByProfile =====
	setStatus(model.RunStatusFiltering)

	var relevant []model.AmendmentSummary
	trackStage(StageFilter, func() (any, bool) {
		var degraded bool
		relevant, degraded = p.filterByProfile(ctx, &profile, amendments)
		return analysisPayload{Amendments: relevant}, degraded
	})

	// ===== CheckDocuments, two batches =====
	setStatus(model.RunStatusChecking)

	split := (len(relevant) + 1) / 2
	var findingsA, findingsB []model.ComplianceFinding

	trackStage(StageCheckA, func() (any, bool) {
		var degraded bool
		findingsA, degraded = p.checkDocuments(ctx, StageCheckA, &profile, relevant[:split])
		return findingsPayload{Findings: findingsA}, degraded
	})
	trackStage(StageCheckB, func() (any, bool) {
		var degraded bool
		findingsB, degraded = p.checkDocuments(ctx, StageCheckB, &profile, relevant[split:])
		return findingsPayload{Findings: findingsB}, degraded
	})

	findings := make([]model.ComplianceFinding, 0, len(findingsA)+len(findingsB))
	findings = append(findings, findingsA...)
	findings = append(findings, findingsB...)

	// ===== Aggregate =====
	setStatus(model.RunStatusAggregating)

	var report *model.ComplianceReport
	trackStage(StageAggregate, func() (any, bool) {
		var degraded bool
		report, degraded = p.aggregate(ctx, &profile, findings)
		return report, degraded
	})

	run.Report = report
	setStatus(model.RunStatusComplete)

	if saveErr := p.store.SaveReport(ctx, run.ID, report); saveErr != nil {
		log.Warn("pipeline: failed to save report", zap.Error(saveErr))
	}

	log.Info("pipeline: run complete",
		zap.String("run_id", run.ID),
		zap.String("overall_status", string(report.OverallStatus)),
		zap.Int("findings", len(report.Findings)),
	)
	return run, nil
}
