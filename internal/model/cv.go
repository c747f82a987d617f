package model

// Provenance tags where an elected CV value came from. The four tags are
// mutually exclusive; exactly one candidate is elected per run.
type Provenance string

const (
	ProvManual        Provenance = "manual"
	ProvReported      Provenance = "reported"
	ProvDerivedFromCI Provenance = "derived_from_ci"
	ProvRange         Provenance = "range"
)

// rank returns the election priority, highest first.
func (p Provenance) rank() int {
	switch p {
	case ProvManual:
		return 0
	case ProvReported:
		return 1
	case ProvDerivedFromCI:
		return 2
	case ProvRange:
		return 3
	}
	return 4
}

// Before reports whether p outranks q in the election order.
func (p Provenance) Before(q Provenance) bool { return p.rank() < q.rank() }

// RangeConfidence grades a plausibility-based CV range.
type RangeConfidence string

const (
	RangeHigh   RangeConfidence = "high"
	RangeMedium RangeConfidence = "medium"
	RangeLow    RangeConfidence = "low"
)

// WideningPct returns the margin, in CV percentage points, by which the
// Monte Carlo stage widens the sampling interval for this confidence grade.
func (c RangeConfidence) WideningPct() float64 {
	switch c {
	case RangeHigh:
		return 0
	case RangeMedium:
		return 3
	case RangeLow:
		return 5
	}
	return 5
}

// CVCandidate is one competing source of truth for intra-subject CV.
// Values are stored in percent (30.0 means 30%).
type CVCandidate struct {
	Provenance Provenance `json:"provenance"`
	Value      *float64   `json:"value"`

	// Trust score in [0,1] assigned by the gate's confidence policy.
	Confidence float64 `json:"confidence"`

	SourceID string   `json:"source_id,omitempty"`
	Excerpt  string   `json:"excerpt,omitempty"`
	Warnings []string `json:"warnings,omitempty"`

	// Inputs for derived_from_ci candidates.
	CILow  *float64 `json:"ci_low,omitempty"`
	CIHigh *float64 `json:"ci_high,omitempty"`
	N      *int     `json:"n,omitempty"`

	// Range candidates.
	RangeLow        *float64        `json:"range_low,omitempty"`
	RangeHigh       *float64        `json:"range_high,omitempty"`
	RangeMode       *float64        `json:"range_mode,omitempty"`
	RangeConfidence RangeConfidence `json:"range_confidence,omitempty"`
	RangeDrivers    []string        `json:"range_drivers,omitempty"`
}

// CVResolution is the gate's output: the elected candidate, all losing
// candidates retained for audit, and the assumption status for CI-derived
// values.
type CVResolution struct {
	Elected          CVCandidate   `json:"elected"`
	Candidates       []CVCandidate `json:"candidates,omitempty"`
	AssumptionsOK    bool          `json:"assumptions_ok"`
	ConfirmedByHuman bool          `json:"confirmed_by_human"`
	Warnings         []string      `json:"warnings,omitempty"`
}
