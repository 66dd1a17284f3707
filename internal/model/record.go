package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// UnknownDate is the sentinel value for a published date that could not be
// resolved to a calendar date.
const UnknownDate = "Unknown"

// dateLayouts are the formats seen across regulator feeds, most common first.
var dateLayouts = []string{
	"02-01-2006",
	"2006-01-02",
	"02/01/2006",
	time.RFC3339,
	"2 January 2006",
	"January 2, 2006",
}

// CandidateRecord is a single ingested regulatory document prior to
// relevance filtering. Records are immutable once handed to the pipeline;
// identity is StableID.
type CandidateRecord struct {
	StableID      string `json:"stable_id"`
	Title         string `json:"title"`
	PublishedDate string `json:"published_date"`
	Content       string `json:"content"`
	SourceTag     string `json:"source_tag"`
}

// DeriveStableID computes a content-derived identifier for a record.
func DeriveStableID(sourceTag, title, content string) string {
	sum := sha256.Sum256([]byte(sourceTag + "\x00" + title + "\x00" + content))
	return hex.EncodeToString(sum[:8])
}

// ResolvedDate parses the free-text published date. The second return is
// false when the date cannot be resolved.
func (r CandidateRecord) ResolvedDate() (time.Time, bool) {
	return ResolveDate(r.PublishedDate)
}

// Excerpt returns the first n characters of the record content, trimmed at a
// rune boundary, for use in compact prompt listings.
func (r CandidateRecord) Excerpt(n int) string {
	text := strings.TrimSpace(r.Content)
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}

// ResolveDate parses a free-text date against the known regulator layouts.
func ResolveDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, UnknownDate) {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Product describes one product in the organization's catalogue.
type Product struct {
	Name        string   `json:"name" yaml:"name"`
	Category    string   `json:"category" yaml:"category"`
	Ingredients []string `json:"ingredients,omitempty" yaml:"ingredients"`
	Allergens   []string `json:"allergens,omitempty" yaml:"allergens"`
	Claims      []string `json:"claims,omitempty" yaml:"claims"`
}

// OrganizationProfile is the business profile a pipeline run analyzes
// against. Supplied once per run, read-only.
type OrganizationProfile struct {
	Name              string    `json:"name" yaml:"name"`
	Category          string    `json:"category" yaml:"category"`
	Description       string    `json:"description" yaml:"description"`
	LicenseID         string    `json:"license_id" yaml:"license_id"`
	LicenseValidUntil string    `json:"license_valid_until" yaml:"license_valid_until"`
	Products          []Product `json:"products,omitempty" yaml:"products"`
}

// Attributes returns the profile's free-text attributes used for substring
// relevance matching: name, category, and description, non-empty only.
func (p *OrganizationProfile) Attributes() []string {
	if p == nil {
		return nil
	}
	var attrs []string
	for _, a := range []string{p.Name, p.Category, p.Description} {
		if strings.TrimSpace(a) != "" {
			attrs = append(attrs, a)
		}
	}
	return attrs
}
