package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilo-labs/compliance-cli/internal/config"
	"github.com/vigilo-labs/compliance-cli/internal/model"
	"github.com/vigilo-labs/compliance-cli/internal/relevance"
	"github.com/vigilo-labs/compliance-cli/internal/schema"
	"github.com/vigilo-labs/compliance-cli/internal/store"
)

// scriptGateway answers prompts through a pluggable responder.
type scriptGateway struct {
	mu        sync.Mutex
	available bool
	respond   func(prompt, modelName string) (string, error)
	prompts   []string
	models    []string
}

func (g *scriptGateway) Invoke(_ context.Context, prompt, modelName string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.models = append(g.models, modelName)
	g.mu.Unlock()
	if g.respond == nil {
		return "", errors.New("no responder")
	}
	return g.respond(prompt, modelName)
}

func (g *scriptGateway) Available() bool { return g.available }

func (g *scriptGateway) modelsUsed() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.models))
	copy(out, g.models)
	return out
}

// memStore is an in-memory Store for orchestrator tests.
type memStore struct {
	mu        sync.Mutex
	runs      map[string]*model.Run
	statuses  []model.RunStatus
	snapshots []model.StageResult
	reports   map[string]*model.ComplianceReport

	failSnapshots bool
	failStatus    bool
}

func newMemStore() *memStore {
	return &memStore{
		runs:    make(map[string]*model.Run),
		reports: make(map[string]*model.ComplianceReport),
	}
}

func (m *memStore) CreateRun(_ context.Context, profile model.OrganizationProfile) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := &model.Run{
		ID:        uuid.New().String(),
		Profile:   profile,
		Status:    model.RunStatusQueued,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	m.runs[run.ID] = run
	return run, nil
}

func (m *memStore) UpdateRunStatus(_ context.Context, runID string, status model.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failStatus {
		return errors.New("status write failed")
	}
	m.statuses = append(m.statuses, status)
	if r, ok := m.runs[runID]; ok {
		r.Status = status
	}
	return nil
}

func (m *memStore) SaveReport(_ context.Context, runID string, report *model.ComplianceReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[runID] = report
	return nil
}

func (m *memStore) GetRun(_ context.Context, runID string) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, errors.New("run not found")
	}
	return r, nil
}

func (m *memStore) ListRuns(_ context.Context, _ store.RunFilter) ([]model.Run, error) {
	return nil, nil
}

func (m *memStore) SaveStageSnapshot(_ context.Context, _ string, result *model.StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSnapshots {
		return errors.New("snapshot write failed")
	}
	m.snapshots = append(m.snapshots, *result)
	return nil
}

func (m *memStore) ListStageSnapshots(_ context.Context, _ string) ([]model.StageResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.StageResult, len(m.snapshots))
	copy(out, m.snapshots)
	return out, nil
}

func (m *memStore) Migrate(_ context.Context) error { return nil }
func (m *memStore) Close() error                    { return nil }

func (m *memStore) stageOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		out = append(out, s.Stage)
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Gateway: config.GatewayConfig{
			DefaultModel:    "haiku-default",
			AnalysisModel:   "sonnet-analysis",
			FilterModel:     "haiku-filter",
			ComplianceModel: "sonnet-compliance",
			PlanModel:       "haiku-plan",
			MaxTokens:       4000,
		},
		Selector: config.SelectorConfig{MaxListing: 15},
		Pipeline: config.PipelineConfig{
			AnalyzePartitions: 2,
			MaxAmendments:     10,
			TopN:              5,
		},
	}
}

func testProfile() model.OrganizationProfile {
	return model.OrganizationProfile{
		Name:        "Acme Foods",
		Category:    "food manufacturing",
		Description: "Packaged snack producer with imported ingredients",
	}
}

func testPool() []model.CandidateRecord {
	return []model.CandidateRecord{
		{Title: "New allergen labeling requirements", PublishedDate: "15-03-2026", Content: "Mandatory allergen declaration on all packaged food.", SourceTag: "food-safety"},
		{Title: "Import levy adjustment", PublishedDate: "01-04-2026", Content: "Customs duty changes for imported food ingredients.", SourceTag: "trade"},
		{Title: "Hygiene audit schedule", PublishedDate: "20-05-2026", Content: "Food storage facilities face new hygiene audits.", SourceTag: "food-safety"},
	}
}

func newTestPipeline(gw *scriptGateway, st store.Store, cfg *config.Config) *Pipeline {
	runLog := model.NewRunLog()
	ex := schema.NewExtractor(gw, runLog)
	sel := relevance.NewSelector(gw, ex, cfg.Selector, runLog)
	return New(cfg, st, gw, ex, sel, runLog)
}

func happyResponder(prompt, _ string) (string, error) {
	switch {
	case strings.Contains(prompt, "screening"):
		return `[0, 1]`, nil
	case strings.Contains(prompt, "regulatory analyst"):
		return `{"amendments": [{"title": "Labeling update", "summary": "New labels required", "impact": "High"}]}`, nil
	case strings.Contains(prompt, "Decide which"):
		return `{"amendments": [
			{"title": "Labeling update", "summary": "New labels required", "impact": "High", "relevance_reason": "sells packaged food"},
			{"title": "Import levy", "summary": "Levy changes", "impact": "Medium", "relevance_reason": "imports ingredients"}
		]}`, nil
	case strings.Contains(prompt, "Assess this business") && strings.Contains(prompt, "Labeling update"):
		return `{"findings": [{"amendment_title": "Labeling update", "status": "non_compliant", "gaps": ["labels missing allergen box"], "corrective_actions": ["redesign labels"], "deadline": "01-10-2026", "urgency": "High"}]}`, nil
	case strings.Contains(prompt, "Assess this business"):
		return `{"findings": [{"amendment_title": "Import levy", "status": "unclear", "deadline": "Unknown", "urgency": "bogus"}]}`, nil
	case strings.Contains(prompt, "action plan"):
		return `{"overall_status": "non_compliant", "summary": "Label gap must close before October.",
			"prioritized_actions": [
				{"task": "Redesign labels", "amendment": "Labeling update", "urgency": "High", "deadline": "01-10-2026"},
				{"task": "Monitor levy", "amendment": "Import levy", "urgency": "Low"}
			],
			"timeline": [
				{"timeframe": "Immediate", "actions": [{"task": "Redesign labels", "amendment": "Labeling update", "urgency": "High"}]},
				{"timeframe": "Someday", "actions": [{"task": "Monitor levy", "amendment": "Import levy", "urgency": "Low"}]}
			]}`, nil
	}
	return "", errors.New("unexpected prompt")
}

func TestRunHappyPath(t *testing.T) {
	gw := &scriptGateway{available: true, respond: happyResponder}
	st := newMemStore()
	p := newTestPipeline(gw, st, testConfig())

	run, err := p.Run(context.Background(), testProfile(), testPool())
	require.NoError(t, err)
	require.NotNil(t, run.Report)

	report := run.Report
	assert.Equal(t, model.StatusNonCompliant, report.OverallStatus)
	assert.Equal(t, "Label gap must close before October.", report.Summary)
	require.Len(t, report.Findings, 2)
	assert.Equal(t, model.RunStatusComplete, run.Status)

	// The bogus urgency is normalized, not passed through.
	assert.Equal(t, model.UrgencyMedium, report.Findings[1].Urgency)

	require.Len(t, report.ImportantDates, 1)
	assert.Equal(t, "Labeling update", report.ImportantDates[0].Title)
	assert.Equal(t, "01-10-2026", report.ImportantDates[0].Date)

	// Unknown timeframe folds into Ongoing, fixed bucket order.
	require.Len(t, report.Timeline, 2)
	assert.Equal(t, model.TimeframeImmediate, report.Timeline[0].Timeframe)
	assert.Equal(t, model.TimeframeOngoing, report.Timeline[1].Timeframe)

	assert.Equal(t,
		[]string{StageIngest, StageAnalyze, StageFilter, StageCheckA, StageCheckB, StageAggregate},
		st.stageOrder(),
	)
	for _, snap := range st.snapshots {
		assert.False(t, snap.Degraded, "stage %s should not be degraded", snap.Stage)
	}
	assert.Equal(t, report, st.reports[run.ID])
}

func TestNormalizeTimelinePartitionsActions(t *testing.T) {
	fixA := model.ActionItem{Task: "Fix labels", Amendment: "Labeling update", Urgency: model.UrgencyHigh}
	prioritized := []model.ActionItem{fixA}
	buckets := []model.TimelineBucket{
		{Timeframe: model.TimeframeImmediate, Actions: []model.ActionItem{
			fixA,
			{Task: "Phantom task", Amendment: "Labeling update", Urgency: model.UrgencyLow},
		}},
		{Timeframe: model.TimeframeOngoing, Actions: []model.ActionItem{fixA}},
	}

	out := normalizeTimeline(buckets, prioritized)
	require.Len(t, out, 1)
	assert.Equal(t, model.TimeframeImmediate, out[0].Timeframe)
	require.Len(t, out[0].Actions, 1)
	assert.Equal(t, "Fix labels", out[0].Actions[0].Task)
}

func TestRunTimelineDropsUnprioritizedAndDuplicateActions(t *testing.T) {
	gw := &scriptGateway{available: true, respond: func(prompt, modelName string) (string, error) {
		if strings.Contains(prompt, "action plan") {
			return `{"overall_status": "non_compliant", "summary": "s",
				"prioritized_actions": [{"task": "Redesign labels", "amendment": "Labeling update", "urgency": "High"}],
				"timeline": [
					{"timeframe": "Immediate", "actions": [
						{"task": "Redesign labels", "amendment": "Labeling update", "urgency": "High"},
						{"task": "Phantom task", "amendment": "Labeling update", "urgency": "Low"}
					]},
					{"timeframe": "Ongoing", "actions": [{"task": "Redesign labels", "amendment": "Labeling update", "urgency": "High"}]}
				]}`, nil
		}
		return happyResponder(prompt, modelName)
	}}
	st := newMemStore()
	p := newTestPipeline(gw, st, testConfig())

	run, err := p.Run(context.Background(), testProfile(), testPool())
	require.NoError(t, err)
	require.NotNil(t, run.Report)

	counts := map[string]int{}
	for _, b := range run.Report.Timeline {
		for _, a := range b.Actions {
			counts[a.Task]++
		}
	}
	assert.Equal(t, map[string]int{"Redesign labels": 1}, counts)
	require.Len(t, run.Report.Timeline, 1)
	assert.Equal(t, model.TimeframeImmediate, run.Report.Timeline[0].Timeframe)
}

func TestRunOfflineCompletes(t *testing.T) {
	gw := &scriptGateway{available: false}
	st := newMemStore()
	p := newTestPipeline(gw, st, testConfig())

	run, err := p.Run(context.Background(), testProfile(), testPool())
	require.NoError(t, err)
	require.NotNil(t, run.Report)

	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.Equal(t, model.StatusUnclear, run.Report.OverallStatus)
	assert.Len(t, run.Report.Findings, len(testPool()))
	assert.Empty(t, run.Report.PrioritizedActions)
	assert.Empty(t, run.Report.Timeline)
	assert.Empty(t, run.Report.ImportantDates)
	assert.Empty(t, gw.prompts, "offline run must not call the service")

	for _, f := range run.Report.Findings {
		assert.Equal(t, model.StatusUnclear, f.Status)
		assert.Equal(t, model.UnknownDate, f.Deadline)
	}

	assert.Equal(t,
		[]model.RunStatus{
			model.RunStatusAnalyzing,
			model.RunStatusFiltering,
			model.RunStatusChecking,
			model.RunStatusAggregating,
			model.RunStatusComplete,
		},
		st.statuses,
	)
}

func TestRunGarbageRepliesStillComplete(t *testing.T) {
	gw := &scriptGateway{
		available: true,
		respond: func(_, _ string) (string, error) {
			return "sorry, I cannot do that", nil
		},
	}
	st := newMemStore()
	p := newTestPipeline(gw, st, testConfig())

	run, err := p.Run(context.Background(), testProfile(), testPool())
	require.NoError(t, err)
	require.NotNil(t, run.Report)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.Equal(t, model.StatusUnclear, run.Report.OverallStatus)
	assert.Len(t, run.Report.Findings, len(testPool()))

	degraded := map[string]bool{}
	for _, snap := range st.snapshots {
		degraded[snap.Stage] = snap.Degraded
	}
	assert.True(t, degraded[StageAnalyze])
	assert.True(t, degraded[StageFilter])
	assert.True(t, degraded[StageCheckA])
	assert.True(t, degraded[StageAggregate])
	assert.False(t, degraded[StageIngest])
}

func TestRunGatewayErrorsStillComplete(t *testing.T) {
	gw := &scriptGateway{
		available: true,
		respond: func(_, _ string) (string, error) {
			return "", errors.New("service overloaded")
		},
	}
	st := newMemStore()
	p := newTestPipeline(gw, st, testConfig())

	run, err := p.Run(context.Background(), testProfile(), testPool())
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.Equal(t, model.StatusUnclear, run.Report.OverallStatus)
}

func TestRunEmptyPool(t *testing.T) {
	gw := &scriptGateway{available: false}
	st := newMemStore()
	p := newTestPipeline(gw, st, testConfig())

	run, err := p.Run(context.Background(), testProfile(), nil)
	require.NoError(t, err)
	require.NotNil(t, run.Report)
	assert.Equal(t, model.StatusCompliant, run.Report.OverallStatus)
	assert.Empty(t, run.Report.Findings)
	assert.Equal(t, model.RunStatusComplete, run.Status)
}

func TestRunSurvivesSinkFailures(t *testing.T) {
	gw := &scriptGateway{available: false}
	st := newMemStore()
	st.failSnapshots = true
	st.failStatus = true
	p := newTestPipeline(gw, st, testConfig())

	run, err := p.Run(context.Background(), testProfile(), testPool())
	require.NoError(t, err)
	require.NotNil(t, run.Report)
	assert.Equal(t, model.RunStatusComplete, run.Status)
}

func TestRunLogCarriesStageLines(t *testing.T) {
	gw := &scriptGateway{available: false}
	st := newMemStore()
	p := newTestPipeline(gw, st, testConfig())

	_, err := p.Run(context.Background(), testProfile(), testPool())
	require.NoError(t, err)

	lines := p.Log().Stage(StageAnalyze)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "ANALYZE:")
}
