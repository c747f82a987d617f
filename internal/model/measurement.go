package model

// Parameter identifies a pharmacokinetic metric extracted from evidence.
type Parameter string

const (
	ParamCmax    Parameter = "Cmax"
	ParamAUC0t   Parameter = "AUC0-t"
	ParamAUC0inf Parameter = "AUC0-inf"
	ParamTHalf   Parameter = "t-half"
	ParamCVIntra Parameter = "CVintra"
	ParamCVInter Parameter = "CVinter"
)

// IsAUC reports whether the parameter is any AUC variant.
func (p Parameter) IsAUC() bool {
	return p == ParamAUC0t || p == ParamAUC0inf
}

// ContextTags carries study-context hints attached to a measurement by the
// extraction layer.
type ContextTags struct {
	Fed            bool   `json:"fed,omitempty"`
	Fasted         bool   `json:"fasted,omitempty"`
	LogTransformed bool   `json:"log_transformed,omitempty"`
	DesignHint     string `json:"design_hint,omitempty"`
}

// Measurement is one PK value extracted from one source. A nil Value means
// the parameter was looked for but not reported — never a default.
type Measurement struct {
	Parameter Parameter   `json:"parameter"`
	Value     *float64    `json:"value"`
	Unit      string      `json:"unit,omitempty"`
	SourceID  string      `json:"source_id,omitempty"`
	Excerpt   string      `json:"excerpt,omitempty"`
	Tags      ContextTags `json:"tags,omitempty"`

	// Warnings holds validation codes attached by the validator.
	Warnings []string `json:"warnings,omitempty"`
	// Excluded marks mathematically contradictory values that are kept for
	// audit but never enter downstream arithmetic.
	Excluded bool `json:"excluded,omitempty"`
}

// Traceable reports whether the measurement carries both a source reference
// and an evidence excerpt.
func (m Measurement) Traceable() bool {
	return m.SourceID != "" && m.Excerpt != ""
}

// Usable reports whether the value may enter downstream arithmetic.
func (m Measurement) Usable() bool {
	return m.Value != nil && !m.Excluded
}

// ConfidenceInterval is a 90% CI record for a ratio metric (GMR for AUC or
// Cmax).
type ConfidenceInterval struct {
	Param      Parameter `json:"param"`
	Low        float64   `json:"ci_low"`
	High       float64   `json:"ci_high"`
	N          *int      `json:"n"`
	DesignHint string    `json:"design_hint,omitempty"`
	SourceID   string    `json:"source_id,omitempty"`
	Excerpt    string    `json:"excerpt,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
	Excluded bool     `json:"excluded,omitempty"`
}

// Traceable reports whether the interval carries a source and an excerpt.
func (ci ConfidenceInterval) Traceable() bool {
	return ci.SourceID != "" && ci.Excerpt != ""
}

// Source describes one literature source feeding the measurement set. The
// acquisition layer owns ranking; the core only reads relevance metadata.
type Source struct {
	ID        string   `json:"id"`
	Species   string   `json:"species,omitempty"` // human, animal
	TypeTags  []string `json:"type_tags,omitempty"`
	Relevance float64  `json:"relevance,omitempty"` // 0..1 from the ranking layer
	Primary   bool     `json:"primary,omitempty"`
}
