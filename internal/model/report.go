package model

// ComplianceStatus classifies how a finding (or a whole report) stands
// against the analyzed amendments.
type ComplianceStatus string

const (
	StatusCompliant    ComplianceStatus = "compliant"
	StatusNonCompliant ComplianceStatus = "non_compliant"
	StatusUnclear      ComplianceStatus = "unclear"
)

// Urgency ranks how quickly a corrective action is needed.
type Urgency string

const (
	UrgencyCritical Urgency = "Critical"
	UrgencyHigh     Urgency = "High"
	UrgencyMedium   Urgency = "Medium"
	UrgencyLow      Urgency = "Low"
)

// Timeline bucket labels, in the fixed report order.
const (
	TimeframeImmediate = "Immediate"
	TimeframeShortTerm = "Short-term"
	TimeframeOngoing   = "Ongoing"
)

// AmendmentSummary is the per-amendment output of the analysis stage,
// enriched in place by the profile filter stage.
type AmendmentSummary struct {
	Title              string   `json:"title"`
	Summary            string   `json:"summary"`
	Requirements       []string `json:"requirements"`
	AffectedBusinesses []string `json:"affected_businesses"`
	Impact             string   `json:"impact"`
	RelevanceReason    string   `json:"relevance_reason,omitempty"`
	PotentialImpact    string   `json:"potential_impact,omitempty"`
	SourceID           string   `json:"source_id,omitempty"`
}

// ComplianceFinding is a structured assessment of one amendment against the
// organization profile and its documents.
type ComplianceFinding struct {
	AmendmentTitle    string           `json:"amendment_title"`
	Status            ComplianceStatus `json:"status"`
	Evidence          []string         `json:"evidence"`
	Gaps              []string         `json:"gaps"`
	CorrectiveActions []string         `json:"corrective_actions"`
	Deadline          string           `json:"deadline"`
	Urgency           Urgency          `json:"urgency"`
}

// ResolvedDeadline reports whether the finding carries a deadline that
// parses as a calendar date (as opposed to a raw snippet or "Unknown").
func (f ComplianceFinding) ResolvedDeadline() bool {
	_, ok := ResolveDate(f.Deadline)
	return ok
}

// ActionItem is one prioritized corrective action in the final report.
type ActionItem struct {
	Task      string  `json:"task"`
	Amendment string  `json:"amendment"`
	Urgency   Urgency `json:"urgency"`
	Deadline  string  `json:"deadline,omitempty"`
}

// TimelineBucket groups actions into one timeframe of the report timeline.
type TimelineBucket struct {
	Timeframe string       `json:"timeframe"`
	Actions   []ActionItem `json:"actions"`
}

// ImportantDate ties a finding's deadline to its amendment title.
type ImportantDate struct {
	Title string `json:"title"`
	Date  string `json:"date"`
}

// ComplianceReport is the terminal artifact of a pipeline run.
type ComplianceReport struct {
	OverallStatus      ComplianceStatus    `json:"overall_status"`
	Summary            string              `json:"summary"`
	Findings           []ComplianceFinding `json:"findings"`
	PrioritizedActions []ActionItem        `json:"prioritized_actions"`
	Timeline           []TimelineBucket    `json:"timeline"`
	ImportantDates     []ImportantDate     `json:"important_dates"`
}
