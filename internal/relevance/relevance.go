package relevance

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/vigilo-labs/compliance-cli/internal/config"
	"github.com/vigilo-labs/compliance-cli/internal/gateway"
	"github.com/vigilo-labs/compliance-cli/internal/model"
	"github.com/vigilo-labs/compliance-cli/internal/schema"
)

const logStage = "SELECT"

// Scoring weights for the deterministic fallback.
const (
	dateWeight      = 10
	keywordWeight   = 5
	attributeWeight = 8
)

// defaultMaxListing caps how many candidates are enumerated in a prompt.
const defaultMaxListing = 15

// categoryKeywords holds the per-category vocabularies used by the
// fallback scorer. Matching is case-insensitive substring over title
// and content.
var categoryKeywords = map[string][]string{
	"food-safety": {
		"food", "safety", "hygiene", "label", "additive", "allergen",
		"contamination", "recall", "packaging", "ingredient", "storage",
	},
	"trade": {
		"trade", "import", "export", "tariff", "customs", "duty",
		"quota", "certificate", "origin", "shipment",
	},
	"tax": {
		"tax", "vat", "levy", "excise", "filing", "invoice",
		"return", "exemption", "withholding", "assessment",
	},
}

// Selector picks the most relevant candidate records for a profile,
// asking the model first and falling back to deterministic scoring.
type Selector struct {
	gw  gateway.Invoker
	ex  *schema.Extractor
	cfg config.SelectorConfig
	log *model.RunLog
}

// NewSelector builds a selector. gw may be nil or offline; selection then
// always takes the deterministic path.
func NewSelector(gw gateway.Invoker, ex *schema.Extractor, cfg config.SelectorConfig, log *model.RunLog) *Selector {
	if log == nil {
		log = model.NewRunLog()
	}
	return &Selector{gw: gw, ex: ex, cfg: cfg, log: log}
}

// Select returns at most topN candidates, most relevant first by the
// model's choice, or in upstream order of descending fallback score.
func (s *Selector) Select(ctx context.Context, candidates []model.CandidateRecord, topN int, categoryTag string, profile *model.OrganizationProfile) []model.CandidateRecord {
	if len(candidates) == 0 || topN <= 0 {
		return nil
	}

	if picked, ok := s.selectByModel(ctx, candidates, topN, categoryTag, profile); ok {
		return picked
	}

	s.log.Logf(logStage, "falling back to deterministic scoring for category %s", categoryTag)
	return FallbackSelect(candidates, topN, categoryTag, profile)
}

func (s *Selector) selectByModel(ctx context.Context, candidates []model.CandidateRecord, topN int, categoryTag string, profile *model.OrganizationProfile) ([]model.CandidateRecord, bool) {
	if s.gw == nil || !s.gw.Available() || s.ex == nil {
		return nil, false
	}

	maxListing := s.cfg.MaxListing
	if maxListing <= 0 {
		maxListing = defaultMaxListing
	}
	listed := candidates
	if len(listed) > maxListing {
		listed = listed[:maxListing]
	}

	prompt := s.buildPrompt(listed, topN, categoryTag, profile)
	modelName := s.cfg.CategoryModels[categoryTag]

	reply, err := s.gw.Invoke(ctx, prompt, modelName)
	if err != nil {
		s.log.Logf(logStage, "selection call failed: %v", err)
		return nil, false
	}

	var indices []int
	if err := s.ex.ExtractInto(ctx, prompt, reply, modelName, &indices); err != nil {
		s.log.Logf(logStage, "selection reply unusable: %v", err)
		return nil, false
	}

	seen := make(map[int]bool, len(indices))
	valid := indices[:0]
	for _, i := range indices {
		if i < 0 || i >= len(listed) {
			s.log.Logf(logStage, "index %d out of range (%d listed)", i, len(listed))
			continue
		}
		if seen[i] {
			continue
		}
		seen[i] = true
		valid = append(valid, i)
	}
	if len(valid) == 0 {
		return nil, false
	}

	// Map back in upstream order so ties and truncation stay stable.
	sort.Ints(valid)
	if len(valid) > topN {
		valid = valid[:topN]
	}

	picked := make([]model.CandidateRecord, 0, len(valid))
	for _, i := range valid {
		picked = append(picked, listed[i])
	}
	s.log.Logf(logStage, "model selected %d of %d candidates", len(picked), len(listed))
	return picked, true
}

func (s *Selector) buildPrompt(listed []model.CandidateRecord, topN int, categoryTag string, profile *model.OrganizationProfile) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are screening %s regulatory notices for relevance.\n\n", categoryTag)

	if profile != nil {
		fmt.Fprintf(&sb, "Business profile: %s (%s). %s\n\n", profile.Name, profile.Category, profile.Description)
	}

	sb.WriteString("Candidates:\n")
	for i, r := range listed {
		fmt.Fprintf(&sb, "%d. %s (published %s): %s\n", i, r.Title, r.PublishedDate, r.Excerpt(200))
	}

	fmt.Fprintf(&sb, "\nPick up to %d candidates most relevant to the business.", topN)
	if s.alwaysSelect(categoryTag) {
		sb.WriteString(" Always select at least one candidate from this category even if relevance is marginal.")
	}
	sb.WriteString("\nRespond with ONLY a JSON array of the chosen candidate numbers, e.g. [0, 2].")
	return sb.String()
}

func (s *Selector) alwaysSelect(categoryTag string) bool {
	for _, c := range s.cfg.AlwaysSelectCategories {
		if strings.EqualFold(c, categoryTag) {
			return true
		}
	}
	return false
}

// FallbackSelect is the deterministic scoring path. It is pure: identical
// inputs yield identical output, and growing topN only extends the result.
func FallbackSelect(candidates []model.CandidateRecord, topN int, categoryTag string, profile *model.OrganizationProfile) []model.CandidateRecord {
	if len(candidates) == 0 || topN <= 0 {
		return nil
	}

	keywords := categoryKeywords[categoryTag]
	attrs := profile.Attributes()

	type scored struct {
		rec   model.CandidateRecord
		score int
	}
	ranked := make([]scored, len(candidates))
	for i, r := range candidates {
		ranked[i] = scored{rec: r, score: scoreRecord(r, keywords, attrs)}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	if len(ranked) > topN {
		ranked = ranked[:topN]
	}
	out := make([]model.CandidateRecord, len(ranked))
	for i, s := range ranked {
		out[i] = s.rec
	}
	return out
}

func scoreRecord(r model.CandidateRecord, keywords, attrs []string) int {
	score := 0
	if _, ok := r.ResolvedDate(); ok {
		score += dateWeight
	}

	text := strings.ToLower(r.Title + " " + r.Content)
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			score += keywordWeight
		}
	}
	for _, a := range attrs {
		if strings.Contains(text, strings.ToLower(a)) {
			score += attributeWeight
		}
	}
	return score
}
