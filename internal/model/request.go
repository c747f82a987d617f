package model

// DrugFeatures are optional physicochemical features feeding the rule-based
// CV range estimate when no measured variability exists.
type DrugFeatures struct {
	BCSClass       *int     `json:"bcs_class,omitempty"`
	LogP           *float64 `json:"logp,omitempty"`
	FirstPass      string   `json:"first_pass,omitempty"`      // high, medium, low
	CYPInvolvement string   `json:"cyp_involvement,omitempty"` // high, medium, low
}

// PlanRequest is the input to one decision run. Measurement and interval
// records come from the extraction collaborator; everything else is
// user-supplied study context.
type PlanRequest struct {
	Drug string `json:"drug"`

	Measurements []Measurement        `json:"measurements"`
	Intervals    []ConfidenceInterval `json:"intervals,omitempty"`
	Sources      []Source             `json:"sources,omitempty"`

	ManualCV    *float64 `json:"manual_cv,omitempty"`
	CVConfirmed bool     `json:"cv_confirmed"`

	NTI           bool `json:"nti"`
	CarryoverRisk bool `json:"carryover_risk"`
	LongHalfLife  bool `json:"long_half_life"`

	PreferredDesign   Design `json:"preferred_design,omitempty"`
	RSABERequested    bool   `json:"rsabe_requested"`
	ProtocolCondition string `json:"protocol_condition,omitempty"` // fed or fasted
	ProtocolID        string `json:"protocol_id,omitempty"`
	Population        string `json:"population,omitempty"`
	FeedingCondition  string `json:"feeding_condition,omitempty"` // fed, fasted, unknown

	Features DrugFeatures `json:"features,omitempty"`

	// Study logistics, consumed by the regulatory checks. Nil means the
	// sponsor has not provided the figure yet.
	WashoutDays         *float64 `json:"washout_days,omitempty"`
	HospitalizationDays *float64 `json:"hospitalization_days,omitempty"`
	SamplingDays        *float64 `json:"sampling_days,omitempty"`
	FollowUpDays        *float64 `json:"follow_up_days,omitempty"`
	PhoneFollowUpOK     *bool    `json:"phone_follow_up_ok,omitempty"`
	BloodVolumeTotalML  *float64 `json:"blood_volume_total_ml,omitempty"`
	BloodVolumePKML     *float64 `json:"blood_volume_pk_ml,omitempty"`

	// Statistical parameters; zero values fall back to configured defaults.
	Power      float64 `json:"power,omitempty"`
	Alpha      float64 `json:"alpha,omitempty"`
	Dropout    float64 `json:"dropout,omitempty"`
	ScreenFail float64 `json:"screen_fail,omitempty"`

	// Monte Carlo controls.
	Seed    *uint64 `json:"seed,omitempty"`
	Samples int     `json:"samples,omitempty"`

	// Strict requests final mode: unresolved blockers yield a structured
	// rejection instead of a report.
	Strict bool `json:"strict"`
}
