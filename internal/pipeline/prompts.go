package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vigilo-labs/compliance-cli/internal/model"
)

func analyzePrompt(records []model.CandidateRecord) string {
	var sb strings.Builder
	sb.WriteString("You are a regulatory analyst. Summarize each of the following regulatory notices.\n\n")

	for _, r := range records {
		fmt.Fprintf(&sb, "--- Notice %s ---\nTitle: %s\nPublished: %s\n%s\n\n",
			r.StableID, r.Title, r.PublishedDate, r.Excerpt(2000))
	}

	sb.WriteString(`Respond with ONLY a JSON object of this shape:
{"amendments": [{"title": "...", "summary": "...", "requirements": ["..."], "affected_businesses": ["..."], "impact": "High|Medium|Low", "source_id": "<notice id>"}]}`)
	return sb.String()
}

func filterPrompt(profile *model.OrganizationProfile, amendments []model.AmendmentSummary) string {
	var sb strings.Builder
	sb.WriteString("Decide which of the following regulatory amendments apply to this business.\n\n")
	writeProfile(&sb, profile)

	amendmentsJSON, _ := json.Marshal(amendments)
	fmt.Fprintf(&sb, "Amendments:\n%s\n\n", amendmentsJSON)

	sb.WriteString(`Return ONLY the applicable amendments as a JSON object:
{"amendments": [{"title": "...", "summary": "...", "requirements": ["..."], "affected_businesses": ["..."], "impact": "...", "relevance_reason": "why this applies", "potential_impact": "expected effect on the business", "source_id": "..."}]}`)
	return sb.String()
}

func checkPrompt(profile *model.OrganizationProfile, amendments []model.AmendmentSummary) string {
	var sb strings.Builder
	sb.WriteString("Assess this business's compliance with each amendment below.\n\n")
	writeProfile(&sb, profile)

	amendmentsJSON, _ := json.Marshal(amendments)
	fmt.Fprintf(&sb, "Amendments:\n%s\n\n", amendmentsJSON)

	sb.WriteString(`For every amendment produce one finding. Respond with ONLY:
{"findings": [{"amendment_title": "...", "status": "compliant|non_compliant|unclear", "evidence": ["..."], "gaps": ["..."], "corrective_actions": ["..."], "deadline": "DD-MM-YYYY or Unknown", "urgency": "Critical|High|Medium|Low"}]}`)
	return sb.String()
}

func aggregatePrompt(profile *model.OrganizationProfile, findings []model.ComplianceFinding) string {
	var sb strings.Builder
	sb.WriteString("Combine the following compliance findings into an action plan for the business.\n\n")
	writeProfile(&sb, profile)

	findingsJSON, _ := json.Marshal(findings)
	fmt.Fprintf(&sb, "Findings:\n%s\n\n", findingsJSON)

	sb.WriteString(`Respond with ONLY:
{"overall_status": "compliant|non_compliant|unclear", "summary": "...", "prioritized_actions": [{"task": "...", "amendment": "...", "urgency": "Critical|High|Medium|Low", "deadline": "DD-MM-YYYY or Unknown"}], "timeline": [{"timeframe": "Immediate|Short-term|Ongoing", "actions": [{"task": "...", "amendment": "...", "urgency": "..."}]}]}`)
	return sb.String()
}

func writeProfile(sb *strings.Builder, profile *model.OrganizationProfile) {
	if profile == nil {
		return
	}
	fmt.Fprintf(sb, "Business: %s (%s)\n%s\n", profile.Name, profile.Category, profile.Description)
	if profile.LicenseID != "" {
		fmt.Fprintf(sb, "License %s valid until %s\n", profile.LicenseID, profile.LicenseValidUntil)
	}
	for _, prod := range profile.Products {
		fmt.Fprintf(sb, "Product: %s (%s)", prod.Name, prod.Category)
		if len(prod.Allergens) > 0 {
			fmt.Fprintf(sb, ", allergens: %s", strings.Join(prod.Allergens, ", "))
		}
		if len(prod.Claims) > 0 {
			fmt.Fprintf(sb, ", claims: %s", strings.Join(prod.Claims, ", "))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
}
