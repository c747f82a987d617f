package config

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// RuleSet is the full set of data-driven rule tables, loaded once per
// process and treated as immutable. A malformed table is fatal at load time;
// the pipeline never runs against a partially loaded rule set.
type RuleSet struct {
	PK          PKRules
	Design      DesignRules
	Quality     QualityCriteria
	Variability VariabilityRules
	Questions   QuestionLibrary
	Regulatory  RegulatoryRules
}

// MetricRule bounds one PK parameter: recognized units and a plausible range.
type MetricRule struct {
	Units []string `yaml:"units"`
	Min   *float64 `yaml:"min"`
	Max   *float64 `yaml:"max"`
}

// PKRules is the validation table for measurements.
type PKRules struct {
	Metrics  map[string]MetricRule `yaml:"metrics"`
	Required []string              `yaml:"required"`
}

// DesignRule is one entry of the ordered first-match design rule list.
// Supported predicate kinds: nti, cv_at_least, t_half_at_least, carryover.
type DesignRule struct {
	ID      string  `yaml:"id"`
	When    string  `yaml:"when"`
	CV      float64 `yaml:"cv,omitempty"`
	Hours   float64 `yaml:"hours,omitempty"`
	Design  string  `yaml:"design"`
	Message string  `yaml:"message"`
}

// DesignRules holds the ordered rule list plus the baseline fallback.
type DesignRules struct {
	Rules           []DesignRule `yaml:"rules"`
	FallbackDesign  string       `yaml:"fallback_design"`
	FallbackMessage string       `yaml:"fallback_message"`
}

// Penalty deducts points from one DQI component when a warning code is
// present.
type Penalty struct {
	Component string  `yaml:"component"`
	Value     float64 `yaml:"value"`
}

// QualityCriteria parameterizes the Data Quality Engine.
type QualityCriteria struct {
	Weights      map[string]float64 `yaml:"weights"`
	Thresholds   QualityThresholds  `yaml:"thresholds"`
	Penalties    map[string]Penalty `yaml:"penalties"`
	HardRedCodes []string           `yaml:"hard_red_codes"`
}

// QualityThresholds are the green/yellow level boundaries.
type QualityThresholds struct {
	Green  int `yaml:"green"`
	Yellow int `yaml:"yellow"`
}

// VariabilityRules parameterizes the rule-based CV range estimate.
type VariabilityRules struct {
	Base struct {
		BCS     map[string][]float64 `yaml:"bcs"`
		Default []float64            `yaml:"default"`
	} `yaml:"base"`
}

// QuestionTemplate is one open-question template bound to a warning or
// override code.
type QuestionTemplate struct {
	Category string `yaml:"category"`
	Question string `yaml:"question"`
	Priority string `yaml:"priority"`
	RuleID   string `yaml:"rule_id"`
}

// QuestionLibrary maps warning/override codes to question templates,
// one-to-many.
type QuestionLibrary struct {
	Codes map[string][]QuestionTemplate `yaml:"codes"`
}

// RegCheckRule parameterizes one closed-form regulatory check. Message and
// clarify texts surface verbatim in the report.
type RegCheckRule struct {
	ID string `yaml:"id"`

	// CV/design alignment.
	CVThreshold        float64  `yaml:"cv_threshold,omitempty"`
	ReplicateKeywords  []string `yaml:"replicate_keywords,omitempty"`
	MessageMissingCV   string   `yaml:"message_missing_cv,omitempty"`
	ClarifyMissingCV   string   `yaml:"clarify_missing_cv,omitempty"`
	MessageUnconfirmed string   `yaml:"message_unconfirmed,omitempty"`
	ClarifyUnconfirmed string   `yaml:"clarify_unconfirmed,omitempty"`

	// Washout adequacy.
	Multiplier             float64 `yaml:"multiplier,omitempty"`
	MessageMissingSchedule string  `yaml:"message_missing_schedule,omitempty"`
	ClarifyMissingSchedule string  `yaml:"clarify_missing_schedule,omitempty"`
	MessageMissingHalf     string  `yaml:"message_missing_half,omitempty"`
	ClarifyMissingHalf     string  `yaml:"clarify_missing_half,omitempty"`

	MessageOK   string `yaml:"message_ok,omitempty"`
	MessageRisk string `yaml:"message_risk,omitempty"`
	ClarifyRisk string `yaml:"clarify_risk,omitempty"`
}

// RequiredPKRule lists the PK parameters a submission dossier must carry.
type RequiredPKRule struct {
	ID         string   `yaml:"id"`
	Parameters []string `yaml:"parameters"`
	Message    string   `yaml:"message"`
	Clarify    string   `yaml:"clarify_text"`
	Category   string   `yaml:"category,omitempty"`
	Priority   string   `yaml:"priority,omitempty"`
}

// MissingInputRule raises a clarification when the named request fields are
// absent.
type MissingInputRule struct {
	ID          string   `yaml:"id"`
	InputFields []string `yaml:"input_fields"`
	Message     string   `yaml:"message"`
	Clarify     string   `yaml:"clarify_message"`
	Category    string   `yaml:"category,omitempty"`
	Priority    string   `yaml:"priority,omitempty"`
}

// QuestionMeta assigns category and priority to a check's follow-up question.
type QuestionMeta struct {
	Category string `yaml:"category"`
	Priority string `yaml:"priority"`
}

// RegulatoryRules parameterizes the regulatory conformance checker.
type RegulatoryRules struct {
	Checks        []RegCheckRule          `yaml:"checks"`
	RequiredPK    RequiredPKRule          `yaml:"required_pk"`
	OpenQuestions []MissingInputRule      `yaml:"open_questions"`
	QuestionMeta  map[string]QuestionMeta `yaml:"question_meta"`
}

// Request fields a missing-input rule may reference.
var regInputFields = map[string]bool{
	"washout_days":          true,
	"hospitalization_days":  true,
	"sampling_days":         true,
	"follow_up_days":        true,
	"phone_follow_up_ok":    true,
	"blood_volume_total_ml": true,
	"blood_volume_pk_ml":    true,
}

var designRuleKinds = map[string]bool{
	"nti":             true,
	"cv_at_least":     true,
	"t_half_at_least": true,
	"carryover":       true,
}

// LoadRules reads and validates every rule table under dir.
func LoadRules(dir string) (*RuleSet, error) {
	var rs RuleSet

	if err := loadYAML(filepath.Join(dir, "pk_rules.yaml"), &rs.PK); err != nil {
		return nil, err
	}
	if len(rs.PK.Metrics) == 0 {
		return nil, eris.New("rules: pk_rules.yaml has no metrics")
	}

	if err := loadYAML(filepath.Join(dir, "design_rules.yaml"), &rs.Design); err != nil {
		return nil, err
	}
	if len(rs.Design.Rules) == 0 {
		return nil, eris.New("rules: design_rules.yaml has no rules")
	}
	for _, r := range rs.Design.Rules {
		if r.ID == "" || r.Design == "" {
			return nil, eris.Errorf("rules: design rule missing id or design: %+v", r)
		}
		if !designRuleKinds[r.When] {
			return nil, eris.Errorf("rules: design rule %s has unknown predicate %q", r.ID, r.When)
		}
	}
	if rs.Design.FallbackDesign == "" {
		return nil, eris.New("rules: design_rules.yaml missing fallback_design")
	}

	if err := loadYAML(filepath.Join(dir, "quality_criteria.yaml"), &rs.Quality); err != nil {
		return nil, err
	}
	if len(rs.Quality.Weights) == 0 {
		return nil, eris.New("rules: quality_criteria.yaml has no weights")
	}
	var total float64
	for _, w := range rs.Quality.Weights {
		total += w
	}
	if total <= 0 {
		return nil, eris.New("rules: quality weights sum to zero")
	}
	if rs.Quality.Thresholds.Green <= rs.Quality.Thresholds.Yellow {
		return nil, eris.Errorf("rules: quality thresholds inverted (green=%d, yellow=%d)",
			rs.Quality.Thresholds.Green, rs.Quality.Thresholds.Yellow)
	}

	if err := loadYAML(filepath.Join(dir, "variability_rules.yaml"), &rs.Variability); err != nil {
		return nil, err
	}
	if len(rs.Variability.Base.Default) != 2 {
		return nil, eris.New("rules: variability_rules.yaml base.default must be [low, high]")
	}

	if err := loadYAML(filepath.Join(dir, "open_questions.yaml"), &rs.Questions); err != nil {
		return nil, err
	}
	for code, templates := range rs.Questions.Codes {
		if len(templates) == 0 {
			return nil, eris.Errorf("rules: open question code %q has no templates", code)
		}
		for _, t := range templates {
			if t.Question == "" {
				return nil, eris.Errorf("rules: open question code %q has an empty template", code)
			}
		}
	}

	if err := loadYAML(filepath.Join(dir, "regulatory_rules.yaml"), &rs.Regulatory); err != nil {
		return nil, err
	}
	for _, c := range rs.Regulatory.Checks {
		if c.ID == "" {
			return nil, eris.New("rules: regulatory check missing id")
		}
	}
	for _, q := range rs.Regulatory.OpenQuestions {
		if q.ID == "" || len(q.InputFields) == 0 {
			return nil, eris.Errorf("rules: regulatory open question missing id or input_fields: %+v", q)
		}
		for _, f := range q.InputFields {
			if !regInputFields[f] {
				return nil, eris.Errorf("rules: regulatory rule %s references unknown input field %q", q.ID, f)
			}
		}
	}

	return &rs, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "rules: read %s", path)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return eris.Wrapf(err, "rules: parse %s", path)
	}
	return nil
}
