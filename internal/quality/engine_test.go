package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/config"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/model"
)

func testCriteria() config.QualityCriteria {
	return config.QualityCriteria{
		Weights: map[string]float64{
			"completeness":   0.25,
			"traceability":   0.25,
			"plausibility":   0.20,
			"consistency":    0.20,
			"source_quality": 0.10,
		},
		Thresholds: config.QualityThresholds{Green: 80, Yellow: 55},
		Penalties: map[string]config.Penalty{
			"unit_suspect":              {Component: "plausibility", Value: 10},
			"suspicious_conversion":     {Component: "plausibility", Value: 10},
			"condition_tagging_missing": {Component: "completeness", Value: 10},
		},
		HardRedCodes: []string{
			"missing_primary_endpoints",
			"traceability_zero",
			"unit_ambiguity_unresolved",
			"source_conflict_unresolved",
			"cv_from_ci_invalid",
			"math_contradiction",
			"protocol_condition_conflict",
		},
	}
}

func fptr(v float64) *float64 { return &v }

func measurement(p model.Parameter, v float64, src string) model.Measurement {
	return model.Measurement{
		Parameter: p,
		Value:     fptr(v),
		Unit:      "ng/mL",
		SourceID:  src,
		Excerpt:   "reported in table 2",
	}
}

func reportedCV(v float64) model.CVResolution {
	return model.CVResolution{
		Elected: model.CVCandidate{
			Provenance: model.ProvReported,
			Value:      fptr(v),
			Confidence: 0.9,
			SourceID:   "src-1",
			Excerpt:    "CVintra 20%",
		},
		AssumptionsOK: true,
	}
}

func rangeCV(low, high float64, conf model.RangeConfidence) model.CVResolution {
	mode := (low + high) / 2
	return model.CVResolution{
		Elected: model.CVCandidate{
			Provenance:      model.ProvRange,
			Value:           &mode,
			Confidence:      0.4,
			RangeLow:        &low,
			RangeHigh:       &high,
			RangeMode:       &mode,
			RangeConfidence: conf,
			RangeDrivers:    []string{"Base range from BCS class 2"},
		},
		AssumptionsOK: true,
	}
}

// A fully documented single-source run: both endpoints, half-life, known
// population, feeding and design, a confirmed reported CV, and a matching
// primary human BE source.
func wellDocumented() Context {
	ms := []model.Measurement{
		measurement(model.ParamAUC0t, 120, "src-1"),
		measurement(model.ParamCmax, 40, "src-1"),
		measurement(model.ParamTHalf, 10, "src-1"),
	}
	ms[0].Tags.Fasted = true
	ms[0].Tags.DesignHint = "2x2 crossover, log-transformed"

	cv := reportedCV(20)
	cv.ConfirmedByHuman = true

	return Context{
		Measurements:     ms,
		CV:               cv,
		Sources:          []model.Source{{ID: "src-1", Species: "human", TypeTags: []string{"BE"}, Relevance: 1.0, Primary: true}},
		Population:       "healthy adults",
		FeedingCondition: "fasted",
	}
}

func TestScoreWellDocumentedRun(t *testing.T) {
	e := New(testCriteria())
	v, warnings := e.Score(wellDocumented())

	// Completeness: 25 AUC + 25 Cmax + 10 t-half + 10 population +
	// 10 feeding + 5 design + 15 measured CV = 100.
	assert.Equal(t, 100, v.Completeness.Value)
	// All four expected fields traceable.
	assert.Equal(t, 100, v.Traceability.Value)
	assert.Equal(t, 100, v.Plausibility.Value)
	// Single source: flat 80, no cross-check possible.
	assert.Equal(t, 80, v.Consistency.Value)
	// Primary human BE source, relevance 1.0: 95 + 5 = 100.
	assert.Equal(t, 100, v.SourceQuality.Value)

	// 0.25*100 + 0.25*100 + 0.20*100 + 0.20*80 + 0.10*100 = 96.
	assert.Equal(t, 96, v.Score)
	assert.Equal(t, model.LevelGreen, v.Level)
	assert.Empty(t, v.Overrides)

	assert.True(t, v.AllowDeterministicN)
	assert.False(t, v.PreferRisk)
	assert.NotContains(t, warnings, "cv_unconfirmed")
}

func TestMissingEndpointsOverride(t *testing.T) {
	e := New(testCriteria())
	ctx := Context{
		Measurements: []model.Measurement{measurement(model.ParamTHalf, 12, "src-1")},
		CV:           rangeCV(30, 55, model.RangeMedium),
	}
	v, warnings := e.Score(ctx)

	require.Contains(t, v.Overrides, OverrideMissingEndpoints)
	assert.Equal(t, model.LevelRed, v.Level)
	// The numeric score survives the override for explainability.
	assert.Greater(t, v.Score, 0)
	assert.False(t, v.AllowDeterministicN)
	assert.True(t, v.PreferRisk)
	assert.Contains(t, warnings, OverrideMissingEndpoints)
}

func TestConflictingSourcesDeduction(t *testing.T) {
	e := New(testCriteria())
	ctx := wellDocumented()
	ctx.Sources = nil // no primary chosen
	// Second source disagrees on AUC by 40%: (140-100)/100 > 0.35.
	ctx.Measurements[0] = measurement(model.ParamAUC0t, 100, "src-1")
	ctx.Measurements[0].Tags.Fasted = true
	ctx.Measurements[0].Tags.DesignHint = "2x2 crossover, log-transformed"
	ctx.Measurements = append(ctx.Measurements, measurement(model.ParamAUC0t, 140, "src-2"))

	v, warnings := e.Score(ctx)

	// 100 - 35 for the gross AUC disagreement.
	assert.Equal(t, 65, v.Consistency.Value)
	assert.Contains(t, warnings, WarnConflict)

	// Unresolved multi-source conflict without a chosen primary is a hard
	// override even though the composite may still look decent.
	require.Contains(t, v.Overrides, OverrideSourceConflict)
	assert.Equal(t, model.LevelRed, v.Level)
	assert.False(t, v.AllowDeterministicN)
}

func TestConflictResolvedByPrimarySource(t *testing.T) {
	e := New(testCriteria())
	ctx := wellDocumented()
	ctx.Measurements = append(ctx.Measurements, measurement(model.ParamAUC0t, 150, "src-2"))

	v, _ := e.Score(ctx)

	// Disagreement still deducts from consistency, but the chosen primary
	// source resolves the conflict so no override fires.
	assert.Less(t, v.Consistency.Value, 100)
	assert.NotContains(t, v.Overrides, OverrideSourceConflict)
}

func TestModerateDisagreementDeducts20(t *testing.T) {
	e := New(testCriteria())
	ctx := wellDocumented()
	// 25% relative spread sits between the 20% and 35% tiers.
	ctx.Measurements = append(ctx.Measurements, measurement(model.ParamCmax, 50, "src-2"))

	v, _ := e.Score(ctx)
	assert.Equal(t, 80, v.Consistency.Value)
}

func TestUnitAmbiguityOverride(t *testing.T) {
	e := New(testCriteria())
	ctx := wellDocumented()
	ctx.Measurements[1].Warnings = append(ctx.Measurements[1].Warnings, "unit_suspect")
	ctx.ValidationWarnings = []string{"unit_suspect"}

	v, _ := e.Score(ctx)

	require.Contains(t, v.Overrides, OverrideUnitAmbiguity)
	assert.Equal(t, model.LevelRed, v.Level)
	// Plausibility took the 25-point deduction plus the configured
	// 10-point penalty: 100 - 25 - 10 = 65.
	assert.Equal(t, 65, v.Plausibility.Value)
}

func TestMathContradictionOverride(t *testing.T) {
	e := New(testCriteria())
	ctx := wellDocumented()
	ctx.ValidationWarnings = []string{"math_contradiction"}

	v, _ := e.Score(ctx)
	require.Contains(t, v.Overrides, OverrideMathContradiction)
	assert.Equal(t, model.LevelRed, v.Level)
	assert.False(t, v.AllowDeterministicN)
}

func TestInvalidCIDerivationOverride(t *testing.T) {
	e := New(testCriteria())
	ctx := wellDocumented()
	n := 24
	ctx.CV = model.CVResolution{
		Elected: model.CVCandidate{
			Provenance: model.ProvDerivedFromCI,
			Value:      fptr(28),
			Confidence: 0.8,
			CILow:      fptr(0.85),
			CIHigh:     fptr(1.12),
			N:          &n,
		},
		AssumptionsOK:    false,
		ConfirmedByHuman: true,
	}

	v, _ := e.Score(ctx)
	require.Contains(t, v.Overrides, OverrideCVFromCIInvalid)
	assert.Equal(t, model.LevelRed, v.Level)
	assert.False(t, v.AllowDeterministicN)
	assert.True(t, v.PreferRisk)
}

func TestProtocolConditionConflictOverride(t *testing.T) {
	e := New(testCriteria())
	ctx := wellDocumented()
	ctx.ProtocolCondition = "fasted"
	ctx.ConditionNotes = []string{"condition_tagging_missing"}

	v, _ := e.Score(ctx)

	require.Contains(t, v.Overrides, OverrideConditionConflict)
	// The configured penalty also lands on completeness: 100 - 10 = 90.
	assert.Equal(t, 90, v.Completeness.Value)
}

func TestRangeElectedPrefersRisk(t *testing.T) {
	e := New(testCriteria())
	ctx := wellDocumented()
	ctx.CV = rangeCV(30, 55, model.RangeHigh)
	ctx.CV.ConfirmedByHuman = true

	v, _ := e.Score(ctx)

	// A range is never a measured value: deterministic sizing stays closed
	// regardless of the level or confirmation.
	assert.NotEqual(t, model.LevelRed, v.Level)
	assert.False(t, v.AllowDeterministicN)
	assert.True(t, v.PreferRisk)
}

func TestUnconfirmedHighConfidenceAutoTrust(t *testing.T) {
	e := New(testCriteria())
	ctx := wellDocumented()
	ctx.CV.ConfirmedByHuman = false // reported at 0.9 >= 0.85 threshold

	v, warnings := e.Score(ctx)

	assert.True(t, v.AllowDeterministicN)
	assert.Contains(t, warnings, "cv_unconfirmed")
}

func TestUnconfirmedDerivedBelowThreshold(t *testing.T) {
	e := New(testCriteria())
	ctx := wellDocumented()
	n := 24
	ctx.CV = model.CVResolution{
		Elected: model.CVCandidate{
			Provenance: model.ProvDerivedFromCI,
			Value:      fptr(28),
			Confidence: 0.8, // below the 0.85 auto-trust threshold
			CILow:      fptr(0.85),
			CIHigh:     fptr(1.12),
			N:          &n,
			SourceID:   "src-1",
			Excerpt:    "90% CI 0.85-1.12, n=24",
		},
		AssumptionsOK: true,
	}
	ctx.Intervals = []model.ConfidenceInterval{{
		Param: "AUC0-t", Low: 0.85, High: 1.12, N: &n,
		SourceID: "src-1", Excerpt: "90% CI 0.85-1.12, n=24",
	}}

	v, _ := e.Score(ctx)

	assert.Empty(t, v.Overrides)
	assert.False(t, v.AllowDeterministicN)
	assert.True(t, v.PreferRisk)
}

func TestDoubtfulCandidateNeverAutoTrusted(t *testing.T) {
	e := New(testCriteria())
	ctx := wellDocumented()
	ctx.CV.ConfirmedByHuman = false
	ctx.CV.Elected.Confidence = 0.9
	ctx.CV.Elected.Warnings = []string{"multiple_values_in_source"}

	v, _ := e.Score(ctx)
	assert.False(t, v.AllowDeterministicN)
}

func TestScoreStaysInBounds(t *testing.T) {
	e := New(testCriteria())

	// Empty context piles up every deduction at once.
	v, _ := e.Score(Context{CV: model.CVResolution{Elected: model.CVCandidate{Provenance: model.ProvRange}}})
	assert.GreaterOrEqual(t, v.Score, 0)
	assert.LessOrEqual(t, v.Score, 100)
	for _, s := range []model.Subscore{v.Completeness, v.Traceability, v.Plausibility, v.Consistency, v.SourceQuality} {
		assert.GreaterOrEqual(t, s.Value, 0)
		assert.LessOrEqual(t, s.Value, 100)
	}
}

func TestOverridePreservesScoreProperty(t *testing.T) {
	e := New(testCriteria())
	clean := wellDocumented()
	vClean, _ := e.Score(clean)

	flagged := wellDocumented()
	flagged.ValidationWarnings = []string{"math_contradiction"}
	vFlagged, _ := e.Score(flagged)

	// The override changes the level and the gates, not the arithmetic.
	assert.Equal(t, vClean.Score, vFlagged.Score)
	assert.Equal(t, model.LevelRed, vFlagged.Level)
	assert.False(t, vFlagged.AllowDeterministicN)
}
