package cvgate

import (
	"fmt"
	"strconv"

	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/config"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/model"
)

// RangeEstimate is a rule-based CV plausibility range, in percent.
type RangeEstimate struct {
	Low        float64
	High       float64
	Mode       float64
	Confidence model.RangeConfidence
	Drivers    []string
	Warnings   []string
}

// Variability estimates a CV range from physicochemical drug features when
// no measured variability exists. Base ranges come from the rule table;
// driver adjustments are fixed.
type Variability struct {
	rules config.VariabilityRules
}

// NewVariability builds the estimator from the loaded rule table.
func NewVariability(rules config.VariabilityRules) *Variability {
	return &Variability{rules: rules}
}

// Estimate returns the CV range for the given features. tHalf is the
// measured terminal half-life in hours, when available.
func (v *Variability) Estimate(f model.DrugFeatures, tHalf *float64, nti bool) RangeEstimate {
	var drivers, warnings []string

	low, high := v.baseRange(f.BCSClass)
	if f.BCSClass != nil {
		drivers = append(drivers, fmt.Sprintf("Base range from BCS class %d", *f.BCSClass))
	} else {
		drivers = append(drivers, "Base range from default (BCS class unknown)")
	}

	if f.LogP != nil {
		switch {
		case *f.LogP >= 4:
			low, high = low+10, high+15
			drivers = append(drivers, "High logP (>=4) increases variability")
		case *f.LogP >= 3:
			low, high = low+5, high+10
			drivers = append(drivers, "Moderate logP (>=3) increases variability")
		}
	}

	if tHalf != nil && *tHalf >= 24 {
		low, high = low+5, high+10
		drivers = append(drivers, "Long half-life (>=24 h) increases variability")
	}

	switch f.FirstPass {
	case "high":
		low, high = low+10, high+15
		drivers = append(drivers, "High first-pass effect increases variability")
	case "medium":
		low, high = low+5, high+8
		drivers = append(drivers, "Medium first-pass effect increases variability")
	}

	switch f.CYPInvolvement {
	case "high":
		low, high = low+10, high+15
		drivers = append(drivers, "High CYP involvement increases variability")
	case "medium":
		low, high = low+5, high+8
		drivers = append(drivers, "Medium CYP involvement increases variability")
	}

	if nti {
		drivers = append(drivers, "NTI flag present; conservative range advised")
	}

	low = clamp(low, 15, 80)
	high = clamp(high, low+5, 90)
	mode := (low + high) / 2

	conf := confidence(f, tHalf, nti)
	if conf == model.RangeLow {
		warnings = append(warnings, "cv_range_low_confidence")
	}

	return RangeEstimate{
		Low:        low,
		High:       high,
		Mode:       mode,
		Confidence: conf,
		Drivers:    drivers,
		Warnings:   warnings,
	}
}

func (v *Variability) baseRange(bcs *int) (float64, float64) {
	if bcs != nil {
		if r, ok := v.rules.Base.BCS[strconv.Itoa(*bcs)]; ok && len(r) == 2 {
			return r[0], r[1]
		}
	}
	if d := v.rules.Base.Default; len(d) == 2 {
		return d[0], d[1]
	}
	return 30, 50
}

func confidence(f model.DrugFeatures, tHalf *float64, nti bool) model.RangeConfidence {
	known := 0
	if f.BCSClass != nil {
		known++
	}
	if f.LogP != nil {
		known++
	}
	if tHalf != nil {
		known++
	}
	if f.FirstPass != "" {
		known++
	}
	if f.CYPInvolvement != "" {
		known++
	}
	if nti {
		known++
	}
	switch {
	case known >= 4:
		return model.RangeHigh
	case known >= 2:
		return model.RangeMedium
	default:
		return model.RangeLow
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
