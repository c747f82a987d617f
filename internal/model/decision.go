package model

import "time"

// Design is a bioequivalence study design category.
type Design string

const (
	Design2x2Crossover Design = "2x2_crossover"
	DesignReplicate3   Design = "replicate_2x2x3"
	DesignReplicate4   Design = "replicate_2x2x4"
	DesignParallel     Design = "parallel"
	DesignOther        Design = "other"
)

// IsReplicate reports whether the design is a replicate variant.
func (d Design) IsReplicate() bool {
	return d == DesignReplicate3 || d == DesignReplicate4
}

// DesignDecision records the elected study design and the rule that drove it.
type DesignDecision struct {
	Design    Design   `json:"design"`
	RuleID    string   `json:"rule_id"`
	Reasoning string   `json:"reasoning"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Deterministic is the closed-form sample size recommendation.
type Deterministic struct {
	NTotal      int `json:"n_total"`
	NRandomized int `json:"n_randomized"`
	NScreened   int `json:"n_screened"`

	Solver string  `json:"solver"` // powertost or approx
	CV     float64 `json:"cv"`
	Power  float64 `json:"power"`
	Alpha  float64 `json:"alpha"`

	Details  string   `json:"details,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// CurvePoint is one (candidate N, probability of success) pair from the
// Monte Carlo risk estimator.
type CurvePoint struct {
	N        int     `json:"n"`
	PSuccess float64 `json:"p_success"`
}

// RiskQualified is the Monte Carlo sample size recommendation over an
// uncertain CV distribution.
type RiskQualified struct {
	Curve []CurvePoint `json:"curve"`

	// RecommendedN is the smallest candidate N reaching TargetProbability;
	// nil when no candidate reaches it.
	RecommendedN          *int    `json:"recommended_n"`
	PSuccessAtRecommended float64 `json:"p_success_at_recommended,omitempty"`
	ExpectedN             float64 `json:"expected_n"`
	RiskLevel             string  `json:"risk_level,omitempty"` // green, yellow, red

	// Simulation parameters, documented per run for reproducibility.
	Seed              uint64  `json:"seed"`
	Samples           int     `json:"samples"`
	Distribution      string  `json:"distribution"`
	CVLow             float64 `json:"cv_low"`
	CVMode            float64 `json:"cv_mode"`
	CVHigh            float64 `json:"cv_high"`
	TargetPower       float64 `json:"target_power"`
	TargetProbability float64 `json:"target_probability"`

	Warnings []string `json:"warnings,omitempty"`
}

// SampleSizeResult holds exactly one populated variant per run.
type SampleSizeResult struct {
	Deterministic *Deterministic `json:"deterministic,omitempty"`
	RiskQualified *RiskQualified `json:"risk_qualified,omitempty"`
}

// OpenQuestion is a structured follow-up derived from warnings and override
// codes via the open-question library.
type OpenQuestion struct {
	Category string `json:"category"`
	Question string `json:"question"`
	Priority string `json:"priority"`
	RuleID   string `json:"rule_id,omitempty"`
}

// Report is the immutable decision record for one pipeline run.
type Report struct {
	RunID          string    `json:"run_id"`
	Drug           string    `json:"drug"`
	ProtocolID     string    `json:"protocol_id,omitempty"`
	ProtocolStatus string    `json:"protocol_status,omitempty"` // Final or Draft
	GeneratedAt    time.Time `json:"generated_at"`

	Measurements []Measurement        `json:"measurements"`
	Intervals    []ConfidenceInterval `json:"intervals,omitempty"`

	CV         CVResolution     `json:"cv"`
	Quality    QualityVerdict   `json:"quality"`
	Design     DesignDecision   `json:"design"`
	SampleSize SampleSizeResult `json:"sample_size"`
	RegChecks  []RegCheck       `json:"reg_checks,omitempty"`

	Warnings      []string       `json:"warnings,omitempty"`
	OpenQuestions []OpenQuestion `json:"open_questions,omitempty"`

	// Incomplete marks a partial report produced after a run-level timeout.
	Incomplete bool `json:"incomplete,omitempty"`
}
