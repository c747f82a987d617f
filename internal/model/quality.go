package model

// QualityLevel is the traffic-light grade of the Data Quality Index.
type QualityLevel string

const (
	LevelGreen  QualityLevel = "green"
	LevelYellow QualityLevel = "yellow"
	LevelRed    QualityLevel = "red"
)

// Subscore is one of the five DQI components, a 0-100 integer with the
// reason codes explaining its deductions and additions.
type Subscore struct {
	Value   int      `json:"value"`
	Reasons []string `json:"reasons,omitempty"`
}

// QualityVerdict is the Data Quality Engine's output. Hard overrides force
// Level to red and close the gates but never zero the numeric score.
type QualityVerdict struct {
	Score int          `json:"score"`
	Level QualityLevel `json:"level"`

	Completeness  Subscore `json:"completeness"`
	Traceability  Subscore `json:"traceability"`
	Plausibility  Subscore `json:"plausibility"`
	Consistency   Subscore `json:"consistency"`
	SourceQuality Subscore `json:"source_quality"`

	// Overrides lists triggered hard-override codes, in trigger order.
	Overrides []string `json:"overrides,omitempty"`
	// Reasons is the ranked human-readable explanation list.
	Reasons []string `json:"reasons,omitempty"`

	AllowDeterministicN bool `json:"allow_deterministic_n"`
	PreferRisk          bool `json:"prefer_risk"`
}
