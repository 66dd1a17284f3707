package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/vigilo-labs/compliance-cli/internal/gateway"
	"github.com/vigilo-labs/compliance-cli/internal/model"
)

const logStage = "SCHEMA"

// maxFailureExcerpt bounds how much unparseable output is kept in logs
// and failure errors.
const maxFailureExcerpt = 1000

// ParseFailure is returned when every repair strategy, including the
// strict re-prompt, failed to produce valid JSON.
type ParseFailure struct {
	Excerpt string
}

func (e *ParseFailure) Error() string {
	return fmt.Sprintf("schema: unparseable model output: %s", e.Excerpt)
}

// repairStrategy attempts to recover a JSON document from raw model text.
type repairStrategy struct {
	name string
	fn   func(string) (json.RawMessage, bool)
}

// Local strategies run in order; the first hit wins.
var strategies = []repairStrategy{
	{"direct", parseDirect},
	{"fence", parseFenced},
	{"balanced", parseBalanced},
}

// Extractor recovers structured JSON from model responses. Repair runs the
// local strategies in order, then falls back to exactly one strict
// re-prompt through the gateway before giving up.
type Extractor struct {
	gw  gateway.Invoker
	log *model.RunLog
}

// NewExtractor builds an extractor. A nil gateway disables the re-prompt
// fallback; local strategies still run.
func NewExtractor(gw gateway.Invoker, log *model.RunLog) *Extractor {
	if log == nil {
		log = model.NewRunLog()
	}
	return &Extractor{gw: gw, log: log}
}

// Extract parses raw model output into a JSON document, repairing common
// wrapping (code fences, surrounding prose) along the way. prompt is the
// request that produced raw; when local repair fails it is re-sent once
// with a strict-JSON instruction appended. On failure the first 1000
// characters of the original reply are logged and returned as
// *ParseFailure.
func (e *Extractor) Extract(ctx context.Context, prompt, raw, modelName string) (json.RawMessage, error) {
	if doc, ok := e.repairLocal(raw); ok {
		return doc, nil
	}

	if e.gw != nil && e.gw.Available() {
		e.log.Logf(logStage, "local repair exhausted, re-prompting for strict JSON")
		reply, err := e.gw.Invoke(ctx, strictPrompt(prompt), modelName)
		if err != nil {
			e.log.Logf(logStage, "strict re-prompt failed: %v", err)
		} else if doc, ok := e.repairLocal(reply); ok {
			return doc, nil
		} else {
			e.log.Logf(logStage, "re-prompt reply still unparseable: %s", truncate(reply, maxFailureExcerpt))
		}
	}

	excerpt := truncate(raw, maxFailureExcerpt)
	e.log.Logf(logStage, "parse failure: %s", excerpt)
	return nil, &ParseFailure{Excerpt: excerpt}
}

// ExtractInto extracts a JSON document from raw and unmarshals it into out.
func (e *Extractor) ExtractInto(ctx context.Context, prompt, raw, modelName string, out any) error {
	doc, err := e.Extract(ctx, prompt, raw, modelName)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(doc, out); err != nil {
		return eris.Wrap(err, "schema: unmarshal repaired document")
	}
	return nil
}

func (e *Extractor) repairLocal(raw string) (json.RawMessage, bool) {
	for _, s := range strategies {
		if doc, ok := s.fn(raw); ok {
			if s.name != "direct" {
				e.log.Logf(logStage, "repaired output via %s strategy", s.name)
			}
			return doc, true
		}
	}
	return nil, false
}

func strictPrompt(prompt string) string {
	return prompt + "\n\nIMPORTANT: Respond ONLY with the valid JSON requested above. " +
		"No explanation, no markdown, no code fences."
}

func parseDirect(raw string) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return nil, false
	}
	return json.RawMessage(trimmed), true
}

// parseFenced strips a markdown code fence, with or without a language tag.
func parseFenced(raw string) (json.RawMessage, bool) {
	start := strings.Index(raw, "```")
	if start == -1 {
		return nil, false
	}
	rest := raw[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 && strings.EqualFold(strings.TrimSpace(rest[:nl]), "json") {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end == -1 {
		return nil, false
	}
	return parseDirect(rest[:end])
}

// parseBalanced scans from the first opening delimiter to its balanced
// closer, skipping string literals, and validates the slice.
func parseBalanced(raw string) (json.RawMessage, bool) {
	start := strings.IndexAny(raw, "{[")
	if start == -1 {
		return nil, false
	}

	open := raw[start]
	closer := byte('}')
	if open == '[' {
		closer = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == closer:
			depth--
			if depth == 0 {
				return parseDirect(raw[start : i+1])
			}
		}
	}
	return nil, false
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
