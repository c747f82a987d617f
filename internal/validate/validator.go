// Package validate normalizes and sanity-checks raw PK/CI measurement
// records. It never drops a value: implausible entries are flagged, marked
// excluded from downstream arithmetic, and preserved for audit.
package validate

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/config"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/model"
)

// Warning codes attached by the validator.
const (
	WarnUnitSuspect       = "unit_suspect"
	WarnUnitMissing       = "unit_missing"
	WarnValueImplausible  = "value_out_of_plausible_range"
	WarnMathContradiction = "math_contradiction"
	WarnCIBadOrder        = "ci_bad_order"
	WarnCIImplausible     = "ci_out_of_plausible_range"
)

// Ratio-metric CI bounds considered plausible for a BE study.
const (
	ciPlausibleLow  = 0.5
	ciPlausibleHigh = 2.0
)

// Validator checks measurements against the configured PK rule table.
type Validator struct {
	rules config.PKRules

	// canonical unit -> true, per metric
	units map[string]map[string]bool
}

// New builds a validator from the loaded PK rules.
func New(rules config.PKRules) *Validator {
	units := make(map[string]map[string]bool, len(rules.Metrics))
	for metric, mr := range rules.Metrics {
		set := make(map[string]bool, len(mr.Units))
		for _, u := range mr.Units {
			set[CanonicalUnit(u)] = true
		}
		units[metric] = set
	}
	return &Validator{rules: rules, units: units}
}

// Validate normalizes units, flags implausible values and malformed CIs, and
// returns the annotated records plus the aggregate warning codes. Missing
// values are legal and pass through untouched.
func (v *Validator) Validate(ms []model.Measurement, cis []model.ConfidenceInterval) ([]model.Measurement, []model.ConfidenceInterval, []string) {
	var warnings []string
	seen := make(map[string]bool)
	add := func(code string) {
		if !seen[code] {
			seen[code] = true
			warnings = append(warnings, code)
		}
	}

	outMS := make([]model.Measurement, len(ms))
	for i, m := range ms {
		m.Warnings = append([]string(nil), m.Warnings...)
		v.checkMeasurement(&m, add)
		outMS[i] = m
	}

	outCIs := make([]model.ConfidenceInterval, len(cis))
	for i, ci := range cis {
		ci.Warnings = append([]string(nil), ci.Warnings...)
		checkInterval(&ci, add)
		outCIs[i] = ci
	}

	return outMS, outCIs, warnings
}

func (v *Validator) checkMeasurement(m *model.Measurement, add func(string)) {
	rule, known := v.rules.Metrics[string(m.Parameter)]

	if m.Value == nil {
		return
	}
	val := *m.Value

	if m.Unit == "" {
		m.Warnings = append(m.Warnings, WarnUnitMissing)
		add(WarnUnitMissing)
	} else if known && len(rule.Units) > 0 && !v.units[string(m.Parameter)][CanonicalUnit(m.Unit)] {
		m.Warnings = append(m.Warnings, WarnUnitSuspect)
		add(WarnUnitSuspect)
	}

	// Negative AUC/Cmax/t-half and CV < 0 are mathematically impossible.
	// The record stays in the set but never enters calculations.
	if val < 0 || (val == 0 && m.Parameter != model.ParamCVIntra && m.Parameter != model.ParamCVInter) {
		m.Warnings = append(m.Warnings, WarnMathContradiction)
		m.Excluded = true
		add(WarnMathContradiction)
		return
	}

	if known {
		if rule.Min != nil && val < *rule.Min {
			m.Warnings = append(m.Warnings, WarnValueImplausible)
			add(WarnValueImplausible)
		}
		if rule.Max != nil && val > *rule.Max {
			m.Warnings = append(m.Warnings, WarnValueImplausible)
			add(WarnValueImplausible)
		}
	}
}

func checkInterval(ci *model.ConfidenceInterval, add func(string)) {
	if ci.Low <= 0 || ci.High <= 0 {
		ci.Warnings = append(ci.Warnings, WarnMathContradiction)
		ci.Excluded = true
		add(WarnMathContradiction)
		return
	}
	if ci.Low >= ci.High {
		ci.Warnings = append(ci.Warnings, WarnCIBadOrder)
		ci.Excluded = true
		add(WarnCIBadOrder)
		return
	}
	if ci.Low < ciPlausibleLow || ci.High > ciPlausibleHigh {
		ci.Warnings = append(ci.Warnings, WarnCIImplausible)
		add(WarnCIImplausible)
	}
}

// CanonicalUnit folds a unit string to a comparable form: NFKC-normalized
// (maps the micro sign U+00B5 onto Greek mu), lowercased, with the common
// multiplication dot variants collapsed. Extraction output mixes these
// freely across publishers.
func CanonicalUnit(u string) string {
	s := norm.NFKC.String(strings.TrimSpace(u))
	s = strings.ToLower(s)
	s = strings.NewReplacer("·", "*", "×", "*", "μ", "u", "µ", "u").Replace(s)
	return s
}

// Describe renders a short human label for a flagged measurement, used in
// quality reasons.
func Describe(m model.Measurement) string {
	if m.Value == nil {
		return fmt.Sprintf("%s: not reported", m.Parameter)
	}
	return fmt.Sprintf("%s=%g %s", m.Parameter, *m.Value, m.Unit)
}
