package relevance

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilo-labs/compliance-cli/internal/config"
	"github.com/vigilo-labs/compliance-cli/internal/model"
	"github.com/vigilo-labs/compliance-cli/internal/schema"
)

type fakeGateway struct {
	prompts   []string
	models    []string
	reply     string
	err       error
	available bool
}

func (f *fakeGateway) Invoke(_ context.Context, prompt, modelName string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	f.models = append(f.models, modelName)
	return f.reply, f.err
}

func (f *fakeGateway) Available() bool { return f.available }

func foodSafetyPool() []model.CandidateRecord {
	return []model.CandidateRecord{
		{
			StableID:      "a",
			Title:         "New allergen labeling requirements for packaged food",
			PublishedDate: "15-03-2026",
			Content:       "Mandatory allergen declaration on all packaging.",
		},
		{
			StableID:      "b",
			Title:         "Annual report of the ministry",
			PublishedDate: "Unknown",
			Content:       "General administrative summary.",
		},
		{
			StableID:      "c",
			Title:         "Hygiene inspection schedule update",
			PublishedDate: "01-04-2026",
			Content:       "Food storage facilities face new hygiene audits.",
		},
	}
}

func newSelector(gw *fakeGateway, cfg config.SelectorConfig) *Selector {
	log := model.NewRunLog()
	return NewSelector(gw, schema.NewExtractor(gw, log), cfg, log)
}

func TestSelectModelPath(t *testing.T) {
	gw := &fakeGateway{available: true, reply: `[2, 0]`}
	s := newSelector(gw, config.SelectorConfig{MaxListing: 15})

	picked := s.Select(context.Background(), foodSafetyPool(), 5, "food-safety", nil)
	require.Len(t, picked, 2)
	// Upstream order preserved regardless of reply order.
	assert.Equal(t, "a", picked[0].StableID)
	assert.Equal(t, "c", picked[1].StableID)
}

func TestSelectModelPathValidatesIndices(t *testing.T) {
	gw := &fakeGateway{available: true, reply: `[7, -1, 1, 1]`}
	s := newSelector(gw, config.SelectorConfig{})

	picked := s.Select(context.Background(), foodSafetyPool(), 5, "food-safety", nil)
	require.Len(t, picked, 1)
	assert.Equal(t, "b", picked[0].StableID)
}

func TestSelectOutOfRangeIndexInRunLog(t *testing.T) {
	gw := &fakeGateway{available: true, reply: `[9, 0]`}
	log := model.NewRunLog()
	s := NewSelector(gw, schema.NewExtractor(gw, log), config.SelectorConfig{}, log)

	picked := s.Select(context.Background(), foodSafetyPool(), 5, "food-safety", nil)
	require.Len(t, picked, 1)
	assert.Equal(t, "a", picked[0].StableID)

	joined := strings.Join(log.Stage("SELECT"), "\n")
	assert.Contains(t, joined, "index 9 out of range")
}

func TestSelectModelPathTruncatesToTopN(t *testing.T) {
	gw := &fakeGateway{available: true, reply: `[0, 1, 2]`}
	s := newSelector(gw, config.SelectorConfig{})

	picked := s.Select(context.Background(), foodSafetyPool(), 2, "food-safety", nil)
	require.Len(t, picked, 2)
	assert.Equal(t, "a", picked[0].StableID)
	assert.Equal(t, "b", picked[1].StableID)
}

func TestSelectListingCapped(t *testing.T) {
	pool := make([]model.CandidateRecord, 30)
	for i := range pool {
		pool[i] = model.CandidateRecord{StableID: string(rune('a' + i)), Title: "notice"}
	}
	gw := &fakeGateway{available: true, reply: `[0]`}
	s := newSelector(gw, config.SelectorConfig{MaxListing: 15})

	s.Select(context.Background(), pool, 5, "trade", nil)
	require.Len(t, gw.prompts, 1)
	assert.Contains(t, gw.prompts[0], "14. notice")
	assert.NotContains(t, gw.prompts[0], "15. notice")
}

func TestSelectAlwaysSelectInstruction(t *testing.T) {
	gw := &fakeGateway{available: true, reply: `[0]`}
	s := newSelector(gw, config.SelectorConfig{AlwaysSelectCategories: []string{"trade", "tax"}})

	s.Select(context.Background(), foodSafetyPool(), 2, "trade", nil)
	s.Select(context.Background(), foodSafetyPool(), 2, "food-safety", nil)

	require.Len(t, gw.prompts, 2)
	assert.Contains(t, gw.prompts[0], "Always select at least one")
	assert.NotContains(t, gw.prompts[1], "Always select at least one")
}

func TestSelectCategoryModelOverride(t *testing.T) {
	gw := &fakeGateway{available: true, reply: `[0]`}
	s := newSelector(gw, config.SelectorConfig{
		CategoryModels: map[string]string{"tax": "tax-tuned-model"},
	})

	s.Select(context.Background(), foodSafetyPool(), 2, "tax", nil)
	require.NotEmpty(t, gw.models)
	assert.Equal(t, "tax-tuned-model", gw.models[0])
}

func TestSelectFallbackOnGatewayError(t *testing.T) {
	gw := &fakeGateway{available: true, err: errors.New("down")}
	s := newSelector(gw, config.SelectorConfig{})

	picked := s.Select(context.Background(), foodSafetyPool(), 2, "food-safety", nil)
	require.Len(t, picked, 2)
	assert.Equal(t, "a", picked[0].StableID)
	assert.Equal(t, "c", picked[1].StableID)
}

func TestSelectFallbackOnEmptyReply(t *testing.T) {
	gw := &fakeGateway{available: true, reply: `[]`}
	s := newSelector(gw, config.SelectorConfig{})

	picked := s.Select(context.Background(), foodSafetyPool(), 2, "food-safety", nil)
	require.Len(t, picked, 2, "empty model pick must fall back to scoring")
}

// Scenario: three candidates, no profile, service unavailable. The two
// dated records with category keywords win, highest score first.
func TestFallbackScoringOffline(t *testing.T) {
	s := newSelector(&fakeGateway{available: false}, config.SelectorConfig{})

	picked := s.Select(context.Background(), foodSafetyPool(), 2, "food-safety", nil)
	require.Len(t, picked, 2)
	// "a": date +10, keywords food/label/allergen/packaging -> highest.
	// "c": date +10, keywords food/hygiene/storage.
	assert.Equal(t, "a", picked[0].StableID)
	assert.Equal(t, "c", picked[1].StableID)
}

func TestFallbackDeterministic(t *testing.T) {
	pool := foodSafetyPool()
	first := FallbackSelect(pool, 3, "food-safety", nil)
	for i := 0; i < 10; i++ {
		again := FallbackSelect(pool, 3, "food-safety", nil)
		assert.Equal(t, first, again)
	}
}

func TestFallbackTopNMonotone(t *testing.T) {
	pool := foodSafetyPool()
	prev := FallbackSelect(pool, 1, "food-safety", nil)
	for n := 2; n <= len(pool); n++ {
		next := FallbackSelect(pool, n, "food-safety", nil)
		require.GreaterOrEqual(t, len(next), len(prev))
		assert.Equal(t, prev, next[:len(prev)], "growing top_n must keep the prefix")
		prev = next
	}
}

func TestFallbackTiesKeepUpstreamOrder(t *testing.T) {
	pool := []model.CandidateRecord{
		{StableID: "x", Title: "untitled", PublishedDate: "Unknown"},
		{StableID: "y", Title: "untitled", PublishedDate: "Unknown"},
		{StableID: "z", Title: "untitled", PublishedDate: "Unknown"},
	}
	picked := FallbackSelect(pool, 3, "food-safety", nil)
	require.Len(t, picked, 3)
	assert.Equal(t, "x", picked[0].StableID)
	assert.Equal(t, "y", picked[1].StableID)
	assert.Equal(t, "z", picked[2].StableID)
}

func TestFallbackProfileAttributeBoost(t *testing.T) {
	pool := []model.CandidateRecord{
		{StableID: "p", Title: "Rules for dairy exporters", PublishedDate: "Unknown", Content: "Applies to dairy."},
		{StableID: "q", Title: "Rules for textile factories", PublishedDate: "Unknown", Content: "Applies to textiles."},
	}
	profile := &model.OrganizationProfile{Name: "Acme Dairy", Category: "dairy"}

	picked := FallbackSelect(pool, 1, "trade", profile)
	require.Len(t, picked, 1)
	assert.Equal(t, "p", picked[0].StableID)
}

func TestFallbackUnknownCategoryScoresDatesOnly(t *testing.T) {
	pool := foodSafetyPool()
	picked := FallbackSelect(pool, 1, "nonexistent-category", nil)
	require.Len(t, picked, 1)
	assert.Contains(t, []string{"a", "c"}, picked[0].StableID)
}

func TestSelectEmptyInputs(t *testing.T) {
	s := newSelector(&fakeGateway{available: false}, config.SelectorConfig{})
	assert.Nil(t, s.Select(context.Background(), nil, 5, "trade", nil))
	assert.Nil(t, s.Select(context.Background(), foodSafetyPool(), 0, "trade", nil))
}

func TestPromptListsCandidates(t *testing.T) {
	gw := &fakeGateway{available: true, reply: `[0]`}
	s := newSelector(gw, config.SelectorConfig{})

	profile := &model.OrganizationProfile{Name: "Acme Foods", Category: "food manufacturing"}
	s.Select(context.Background(), foodSafetyPool(), 2, "food-safety", profile)

	require.Len(t, gw.prompts, 1)
	p := gw.prompts[0]
	assert.Contains(t, p, "Acme Foods")
	assert.True(t, strings.Contains(p, "0. New allergen labeling requirements"))
	assert.Contains(t, p, "JSON array")
}
