package pipeline

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/vigilo-labs/compliance-cli/internal/model"
)

// Stage keys used for run-log lines and durable snapshots.
const (
	StageIngest    = "INGEST"
	StageAnalyze   = "ANALYZE"
	StageFilter    = "FILTER"
	StageCheckA    = "CHECK_A"
	StageCheckB    = "CHECK_B"
	StageAggregate = "AGGREGATE"
)

type analysisPayload struct {
	Amendments []model.AmendmentSummary `json:"amendments"`
}

type findingsPayload struct {
	Findings []model.ComplianceFinding `json:"findings"`
}

// ingest assigns stable IDs and narrows the pool to the most relevant
// records per source category.
func (p *Pipeline) ingest(ctx context.Context, profile *model.OrganizationProfile, pool []model.CandidateRecord) []model.CandidateRecord {
	records := make([]model.CandidateRecord, len(pool))
	copy(records, pool)
	for i := range records {
		if records[i].StableID == "" {
			records[i].StableID = model.DeriveStableID(records[i].SourceTag, records[i].Title, records[i].Content)
		}
	}

	byCategory := make(map[string][]model.CandidateRecord)
	for _, r := range records {
		byCategory[r.SourceTag] = append(byCategory[r.SourceTag], r)
	}
	categories := make([]string, 0, len(byCategory))
	for cat := range byCategory {
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	topN := p.cfg.Pipeline.TopN
	if topN <= 0 {
		topN = 5
	}

	var selected []model.CandidateRecord
	for _, cat := range categories {
		picked := p.selector.Select(ctx, byCategory[cat], topN, cat, profile)
		p.runLog.Logf(StageIngest, "category %s: selected %d of %d candidates", cat, len(picked), len(byCategory[cat]))
		selected = append(selected, picked...)
	}

	if limit := p.cfg.Pipeline.MaxAmendments; limit > 0 && len(selected) > limit {
		p.runLog.Logf(StageIngest, "capping selection at %d candidates", limit)
		selected = selected[:limit]
	}
	return selected
}

// analyzeBatches partitions the selected records and analyzes each
// partition with its own model, merging outputs in partition order.
func (p *Pipeline) analyzeBatches(ctx context.Context, records []model.CandidateRecord) ([]model.AmendmentSummary, bool) {
	if len(records) == 0 {
		p.runLog.Logf(StageAnalyze, "no candidates selected, skipping analysis")
		return nil, false
	}

	parts := partition(records, p.cfg.Pipeline.AnalyzePartitions)
	p.runLog.Logf(StageAnalyze, "analyzing %d candidates across %d partitions", len(records), len(parts))

	results := make([][]model.AmendmentSummary, len(parts))
	degraded := make([]bool, len(parts))

	g, gCtx := errgroup.WithContext(ctx)
	for i, part := range parts {
		g.Go(func() error {
			results[i], degraded[i] = p.analyzePartition(gCtx, i, part)
			return nil
		})
	}
	_ = g.Wait()

	var merged []model.AmendmentSummary
	anyDegraded := false
	for i := range parts {
		merged = append(merged, results[i]...)
		anyDegraded = anyDegraded || degraded[i]
	}
	return merged, anyDegraded
}

func (p *Pipeline) analyzePartition(ctx context.Context, idx int, part []model.CandidateRecord) ([]model.AmendmentSummary, bool) {
	if !p.gw.Available() {
		p.runLog.Logf(StageAnalyze, "partition %d: service unavailable, using local summaries", idx)
		return fallbackSummaries(part), true
	}

	modelName := p.partitionModel(idx)
	prompt := analyzePrompt(part)
	reply, err := p.gw.Invoke(ctx, prompt, modelName)
	if err != nil {
		p.runLog.Logf(StageAnalyze, "partition %d: analysis call failed: %v", idx, err)
		return fallbackSummaries(part), true
	}

	var out analysisPayload
	if err := p.ex.ExtractInto(ctx, prompt, reply, modelName, &out); err != nil {
		p.runLog.Logf(StageAnalyze, "partition %d: analysis reply unusable: %v", idx, err)
		return fallbackSummaries(part), true
	}

	p.runLog.Logf(StageAnalyze, "partition %d: %d amendments from %d candidates", idx, len(out.Amendments), len(part))
	return out.Amendments, false
}

func (p *Pipeline) partitionModel(idx int) string {
	models := p.cfg.Pipeline.PartitionModels
	if idx < len(models) && models[idx] != "" {
		return models[idx]
	}
	return p.cfg.Gateway.AnalysisModel
}

// partition splits records into n contiguous slices. Sizes come from
// integer division with the remainder going to the earliest partitions.
func partition(records []model.CandidateRecord, n int) [][]model.CandidateRecord {
	if n <= 0 {
		n = 1
	}
	if n > len(records) {
		n = len(records)
	}
	base := len(records) / n
	rem := len(records) % n

	parts := make([][]model.CandidateRecord, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		size := base
		if i < rem {
			size++
		}
		parts = append(parts, records[start:start+size])
		start += size
	}
	return parts
}

func fallbackSummaries(records []model.CandidateRecord) []model.AmendmentSummary {
	out := make([]model.AmendmentSummary, 0, len(records))
	for _, r := range records {
		out = append(out, model.AmendmentSummary{
			Title:    r.Title,
			Summary:  r.Excerpt(300),
			Impact:   "Medium",
			SourceID: r.StableID,
		})
	}
	return out
}

// filterByProfile keeps only the amendments that apply to the business.
func (p *Pipeline) filterByProfile(ctx context.Context, profile *model.OrganizationProfile, amendments []model.AmendmentSummary) ([]model.AmendmentSummary, bool) {
	if len(amendments) == 0 {
		p.runLog.Logf(StageFilter, "nothing to filter")
		return nil, false
	}

	if !p.gw.Available() {
		p.runLog.Logf(StageFilter, "service unavailable, keeping all %d amendments", len(amendments))
		return fallbackFilter(amendments), true
	}

	modelName := p.cfg.Gateway.FilterModel
	prompt := filterPrompt(profile, amendments)
	reply, err := p.gw.Invoke(ctx, prompt, modelName)
	if err != nil {
		p.runLog.Logf(StageFilter, "filter call failed: %v", err)
		return fallbackFilter(amendments), true
	}

	var out analysisPayload
	if err := p.ex.ExtractInto(ctx, prompt, reply, modelName, &out); err != nil {
		p.runLog.Logf(StageFilter, "filter reply unusable: %v", err)
		return fallbackFilter(amendments), true
	}

	p.runLog.Logf(StageFilter, "%d of %d amendments apply to the business", len(out.Amendments), len(amendments))
	return out.Amendments, false
}

func fallbackFilter(amendments []model.AmendmentSummary) []model.AmendmentSummary {
	out := make([]model.AmendmentSummary, len(amendments))
	copy(out, amendments)
	for i := range out {
		if out[i].RelevanceReason == "" {
			out[i].RelevanceReason = "Not assessed: relevance service unavailable"
		}
	}
	return out
}

// checkDocuments assesses compliance for one batch of amendments. stage
// is the log key, which differs between the two batches.
func (p *Pipeline) checkDocuments(ctx context.Context, stage string, profile *model.OrganizationProfile, amendments []model.AmendmentSummary) ([]model.ComplianceFinding, bool) {
	if len(amendments) == 0 {
		p.runLog.Logf(stage, "no amendments in this batch")
		return nil, false
	}

	if !p.gw.Available() {
		p.runLog.Logf(stage, "service unavailable, marking %d amendments unclear", len(amendments))
		return fallbackFindings(amendments), true
	}

	modelName := p.cfg.Gateway.ComplianceModel
	prompt := checkPrompt(profile, amendments)
	reply, err := p.gw.Invoke(ctx, prompt, modelName)
	if err != nil {
		p.runLog.Logf(stage, "compliance call failed: %v", err)
		return fallbackFindings(amendments), true
	}

	var out findingsPayload
	if err := p.ex.ExtractInto(ctx, prompt, reply, modelName, &out); err != nil {
		p.runLog.Logf(stage, "compliance reply unusable: %v", err)
		return fallbackFindings(amendments), true
	}
	if len(out.Findings) == 0 {
		p.runLog.Logf(stage, "compliance reply had no findings")
		return fallbackFindings(amendments), true
	}

	for i := range out.Findings {
		normalizeFinding(&out.Findings[i])
	}
	p.runLog.Logf(stage, "%d findings for %d amendments", len(out.Findings), len(amendments))
	return out.Findings, false
}

func fallbackFindings(amendments []model.AmendmentSummary) []model.ComplianceFinding {
	out := make([]model.ComplianceFinding, 0, len(amendments))
	for _, a := range amendments {
		out = append(out, model.ComplianceFinding{
			AmendmentTitle:    a.Title,
			Status:            model.StatusUnclear,
			Gaps:              []string{"Automated compliance check unavailable"},
			CorrectiveActions: []string{"Review amendment manually: " + a.Title},
			Deadline:          model.UnknownDate,
			Urgency:           model.UrgencyMedium,
		})
	}
	return out
}

func normalizeFinding(f *model.ComplianceFinding) {
	switch f.Status {
	case model.StatusCompliant, model.StatusNonCompliant, model.StatusUnclear:
	default:
		f.Status = model.StatusUnclear
	}
	switch f.Urgency {
	case model.UrgencyCritical, model.UrgencyHigh, model.UrgencyMedium, model.UrgencyLow:
	default:
		f.Urgency = model.UrgencyMedium
	}
	if f.Deadline == "" {
		f.Deadline = model.UnknownDate
	}
}

// aggregate combines the finding batches into the final report. The
// degraded path keeps the findings but leaves prioritization empty.
func (p *Pipeline) aggregate(ctx context.Context, profile *model.OrganizationProfile, findings []model.ComplianceFinding) (*model.ComplianceReport, bool) {
	if len(findings) == 0 {
		p.runLog.Logf(StageAggregate, "no findings, issuing clean report")
		return &model.ComplianceReport{
			OverallStatus: model.StatusCompliant,
			Summary:       "No relevant regulatory amendments require action at this time.",
		}, false
	}

	if !p.gw.Available() {
		p.runLog.Logf(StageAggregate, "service unavailable, synthesizing degraded report")
		return degradedReport(findings), true
	}

	modelName := p.cfg.Gateway.PlanModel
	prompt := aggregatePrompt(profile, findings)
	reply, err := p.gw.Invoke(ctx, prompt, modelName)
	if err != nil {
		p.runLog.Logf(StageAggregate, "aggregation call failed: %v", err)
		return degradedReport(findings), true
	}

	var out struct {
		OverallStatus      model.ComplianceStatus `json:"overall_status"`
		Summary            string                 `json:"summary"`
		PrioritizedActions []model.ActionItem     `json:"prioritized_actions"`
		Timeline           []model.TimelineBucket `json:"timeline"`
	}
	if err := p.ex.ExtractInto(ctx, prompt, reply, modelName, &out); err != nil {
		p.runLog.Logf(StageAggregate, "aggregation reply unusable: %v", err)
		return degradedReport(findings), true
	}

	report := &model.ComplianceReport{
		OverallStatus:      normalizeStatus(out.OverallStatus, findings),
		Summary:            out.Summary,
		Findings:           findings,
		PrioritizedActions: out.PrioritizedActions,
		Timeline:           normalizeTimeline(out.Timeline, out.PrioritizedActions),
		ImportantDates:     importantDates(findings),
	}
	if report.Summary == "" {
		report.Summary = fmt.Sprintf("%d findings assessed.", len(findings))
	}
	p.runLog.Logf(StageAggregate, "report ready: %s with %d actions", report.OverallStatus, len(report.PrioritizedActions))
	return report, false
}

func degradedReport(findings []model.ComplianceFinding) *model.ComplianceReport {
	return &model.ComplianceReport{
		OverallStatus:  model.StatusUnclear,
		Summary:        fmt.Sprintf("Aggregation degraded: %d findings listed without prioritization.", len(findings)),
		Findings:       findings,
		ImportantDates: importantDates(findings),
	}
}

func normalizeStatus(s model.ComplianceStatus, findings []model.ComplianceFinding) model.ComplianceStatus {
	switch s {
	case model.StatusCompliant, model.StatusNonCompliant, model.StatusUnclear:
		return s
	}
	return statusFromFindings(findings)
}

func statusFromFindings(findings []model.ComplianceFinding) model.ComplianceStatus {
	status := model.StatusCompliant
	for _, f := range findings {
		switch f.Status {
		case model.StatusNonCompliant:
			return model.StatusNonCompliant
		case model.StatusUnclear:
			status = model.StatusUnclear
		}
	}
	return status
}

// importantDates lists every finding deadline that resolves to a calendar
// date, keyed by amendment title. First occurrence wins per title.
func importantDates(findings []model.ComplianceFinding) []model.ImportantDate {
	seen := make(map[string]bool, len(findings))
	var out []model.ImportantDate
	for _, f := range findings {
		if !f.ResolvedDeadline() || seen[f.AmendmentTitle] {
			continue
		}
		seen[f.AmendmentTitle] = true
		out = append(out, model.ImportantDate{Title: f.AmendmentTitle, Date: f.Deadline})
	}
	return out
}

// normalizeTimeline merges buckets into the three fixed timeframes, in
// report order. Unknown labels fold into Ongoing. The buckets must
// partition the prioritized action list: actions absent from it are
// dropped, and an action repeated across buckets keeps only its first
// placement.
func normalizeTimeline(buckets []model.TimelineBucket, prioritized []model.ActionItem) []model.TimelineBucket {
	allowed := make(map[string]bool, len(prioritized))
	for _, a := range prioritized {
		allowed[actionKey(a)] = true
	}

	merged := make(map[string][]model.ActionItem)
	placed := make(map[string]bool, len(prioritized))
	for _, b := range buckets {
		label := b.Timeframe
		switch label {
		case model.TimeframeImmediate, model.TimeframeShortTerm, model.TimeframeOngoing:
		default:
			label = model.TimeframeOngoing
		}
		for _, a := range b.Actions {
			key := actionKey(a)
			if !allowed[key] || placed[key] {
				continue
			}
			placed[key] = true
			merged[label] = append(merged[label], a)
		}
	}

	var out []model.TimelineBucket
	for _, label := range []string{model.TimeframeImmediate, model.TimeframeShortTerm, model.TimeframeOngoing} {
		if actions := merged[label]; len(actions) > 0 {
			out = append(out, model.TimelineBucket{Timeframe: label, Actions: actions})
		}
	}
	return out
}

func actionKey(a model.ActionItem) string {
	return a.Task + "\x00" + a.Amendment
}
