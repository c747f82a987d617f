// Package quality computes the Data Quality Index: a 0-100 composite of
// five weighted subscores with hard override rules and the gates that
// decide whether deterministic sample sizing is defensible. Overrides force
// the level to red and close the gates but never zero the numeric score;
// the computed value stays visible for explainability.
package quality

import (
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/config"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/cvgate"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/model"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/validate"
)

// Hard override codes.
const (
	OverrideMissingEndpoints  = "missing_primary_endpoints"
	OverrideTraceabilityZero  = "traceability_zero"
	OverrideUnitAmbiguity     = "unit_ambiguity_unresolved"
	OverrideSourceConflict    = "source_conflict_unresolved"
	OverrideCVFromCIInvalid   = "cv_from_ci_invalid"
	OverrideMathContradiction = "math_contradiction"
	OverrideConditionConflict = "protocol_condition_conflict"
)

// WarnConflict marks a cross-source disagreement beyond threshold.
const WarnConflict = "conflict_detected"

// Context is everything the engine scores: validated records, the CV
// resolution, and the study knowledge supplied with the request.
type Context struct {
	Measurements []model.Measurement
	Intervals    []model.ConfidenceInterval
	Sources      []model.Source
	CV           model.CVResolution

	ValidationWarnings []string
	ConditionNotes     []string

	Population        string
	FeedingCondition  string // fed, fasted, or empty/unknown
	ProtocolCondition string
	LongHalfLife      bool
}

// Engine scores a run context against the configured criteria.
type Engine struct {
	criteria config.QualityCriteria
}

// New builds an engine from the loaded quality criteria.
func New(criteria config.QualityCriteria) *Engine {
	return &Engine{criteria: criteria}
}

// Score computes the verdict and the warning codes raised while scoring.
func (e *Engine) Score(ctx Context) (model.QualityVerdict, []string) {
	var warnings []string

	completeness := e.completeness(ctx)
	traceability := e.traceability(ctx)
	plausibility := e.plausibility(ctx)
	consistency, conflictCodes := e.consistency(ctx)
	warnings = append(warnings, conflictCodes...)
	sourceQuality := e.sourceQuality(ctx)

	// Config-driven warning penalties on individual components.
	components := map[string]*model.Subscore{
		"completeness":   &completeness,
		"traceability":   &traceability,
		"plausibility":   &plausibility,
		"consistency":    &consistency,
		"source_quality": &sourceQuality,
	}
	seen := make(map[string]bool)
	for _, w := range ctx.ValidationWarnings {
		seen[w] = true
	}
	for _, w := range ctx.ConditionNotes {
		seen[w] = true
	}
	for code, pen := range e.criteria.Penalties {
		if !seen[code] {
			continue
		}
		if comp, ok := components[pen.Component]; ok {
			comp.Value = clampScore(comp.Value - int(pen.Value))
			comp.Reasons = append(comp.Reasons, fmt.Sprintf("penalty: %s", code))
		}
	}

	score := e.composite(components)
	level := e.level(score)

	verdict := model.QualityVerdict{
		Score:         score,
		Level:         level,
		Completeness:  completeness,
		Traceability:  traceability,
		Plausibility:  plausibility,
		Consistency:   consistency,
		SourceQuality: sourceQuality,
	}

	overrides := e.overrides(ctx, traceability.Value)
	if len(overrides) > 0 {
		verdict.Overrides = overrides
		verdict.Level = model.LevelRed
		for _, code := range overrides {
			verdict.Reasons = append(verdict.Reasons, "hard override: "+code)
		}
		warnings = append(warnings, overrides...)
	}

	verdict.Reasons = append(verdict.Reasons, collectReasons(components)...)

	elected := ctx.CV.Elected
	autoEligible := elected.Confidence >= cvgate.AutoCVThreshold && !cvgate.Doubtful(elected)
	trusted := ctx.CV.ConfirmedByHuman || autoEligible
	isRange := elected.Provenance == model.ProvRange
	derivedOK := elected.Provenance != model.ProvDerivedFromCI || ctx.CV.AssumptionsOK

	verdict.AllowDeterministicN = verdict.Level != model.LevelRed && !isRange && trusted && derivedOK
	verdict.PreferRisk = verdict.Level == model.LevelRed || isRange || !trusted || !derivedOK

	if !ctx.CV.ConfirmedByHuman && elected.Value != nil && !isRange {
		warnings = append(warnings, "cv_unconfirmed")
	}

	zap.L().Debug("data quality verdict",
		zap.Int("score", verdict.Score),
		zap.String("level", string(verdict.Level)),
		zap.Strings("overrides", verdict.Overrides),
		zap.Bool("allow_deterministic_n", verdict.AllowDeterministicN),
	)

	return verdict, warnings
}

// completeness starts at zero and rewards each piece of evidence the plan
// needs, then penalizes unknown study conditions.
func (e *Engine) completeness(ctx Context) model.Subscore {
	s := model.Subscore{}
	add := func(points int, reason string) {
		s.Value += points
		s.Reasons = append(s.Reasons, reason)
	}

	hasAUC := hasUsable(ctx.Measurements, func(m model.Measurement) bool { return m.Parameter.IsAUC() })
	hasCmax := hasUsable(ctx.Measurements, func(m model.Measurement) bool { return m.Parameter == model.ParamCmax })
	hasTHalf := hasUsable(ctx.Measurements, func(m model.Measurement) bool { return m.Parameter == model.ParamTHalf })

	if hasAUC {
		add(25, "AUC present")
	}
	if hasCmax {
		add(25, "Cmax present")
	}
	if hasTHalf || ctx.LongHalfLife {
		add(10, "half-life known")
	}
	if ctx.Population != "" {
		add(10, "population type known")
	}
	if feedingKnown(ctx) {
		add(10, "feeding condition known")
	} else {
		add(-10, "feeding condition unknown")
	}
	if designKnown(ctx) {
		add(5, "study design known or inferable")
	} else {
		add(-10, "study design unknown")
	}

	elected := ctx.CV.Elected
	switch {
	case elected.Provenance == model.ProvReported || elected.Provenance == model.ProvManual:
		if elected.Value != nil {
			add(15, "variability evidence: measured CV")
		}
	case elected.Provenance == model.ProvDerivedFromCI:
		if elected.CILow != nil && elected.CIHigh != nil && elected.N != nil {
			add(12, "variability evidence: CI back-calculation")
		}
	case elected.Provenance == model.ProvRange:
		if elected.RangeConfidence != "" {
			add(8, "variability evidence: estimated range with stated confidence")
		}
	}

	if cvAbsent(ctx.CV) {
		add(-15, "CVintra fully absent")
	}

	s.Value = clampScore(s.Value)
	return s
}

// traceability is the share of expected fields that carry both a source
// reference and an evidence excerpt. The expected set follows the elected
// CV provenance branch.
func (e *Engine) traceability(ctx Context) model.Subscore {
	type field struct {
		name      string
		traceable bool
	}
	var fields []field

	traceableParam := func(match func(model.Measurement) bool) bool {
		for _, m := range ctx.Measurements {
			if m.Usable() && match(m) && m.Traceable() && realSource(m.SourceID) {
				return true
			}
		}
		return false
	}

	fields = append(fields,
		field{"AUC", traceableParam(func(m model.Measurement) bool { return m.Parameter.IsAUC() })},
		field{"Cmax", traceableParam(func(m model.Measurement) bool { return m.Parameter == model.ParamCmax })},
		field{"t-half", traceableParam(func(m model.Measurement) bool { return m.Parameter == model.ParamTHalf })},
	)

	elected := ctx.CV.Elected
	switch elected.Provenance {
	case model.ProvReported, model.ProvManual:
		fields = append(fields, field{"CV", elected.Value != nil &&
			elected.SourceID != "" && elected.Excerpt != "" && realSource(elected.SourceID)})
	case model.ProvDerivedFromCI:
		ciTraceable := false
		for _, ci := range ctx.Intervals {
			if ci.N != nil && ci.Traceable() && realSource(ci.SourceID) {
				ciTraceable = true
				break
			}
		}
		fields = append(fields,
			field{"CI low", ciTraceable},
			field{"CI high", ciTraceable},
			field{"n", ciTraceable},
		)
	case model.ProvRange:
		fields = append(fields,
			field{"stated range", elected.RangeLow != nil && elected.RangeHigh != nil},
			field{"range confidence", elected.RangeConfidence != ""},
			field{"range rationale", len(elected.RangeDrivers) > 0},
		)
	}

	n := 0
	for _, f := range fields {
		if f.traceable {
			n++
		}
	}
	s := model.Subscore{Value: int(math.Round(100 * float64(n) / float64(len(fields))))}
	if s.Value < 100 {
		var missing []string
		for _, f := range fields {
			if !f.traceable {
				missing = append(missing, f.name)
			}
		}
		s.Reasons = append(s.Reasons, "fields without traceable evidence: "+strings.Join(missing, ", "))
	}
	return s
}

// plausibility starts at 100 and deducts for each suspicious signal found
// during validation.
func (e *Engine) plausibility(ctx Context) model.Subscore {
	s := model.Subscore{Value: 100}
	deduct := func(points int, reason string) {
		s.Value -= points
		s.Reasons = append(s.Reasons, reason)
	}

	if hasWarningOn(ctx.Measurements, validate.WarnUnitSuspect, primaryEndpoint) {
		deduct(25, "suspect units on AUC/Cmax")
	}
	if hasWarningOn(ctx.Measurements, validate.WarnUnitMissing, anyParam) {
		deduct(20, "missing units")
	}
	if containsCode(ctx.ValidationWarnings, "suspicious_conversion") {
		deduct(20, "suspicious unit conversion")
	}
	if containsCode(ctx.ValidationWarnings, validate.WarnCIBadOrder) {
		deduct(25, "CI bounds out of order")
	}
	if containsCode(ctx.ValidationWarnings, validate.WarnCIImplausible) {
		deduct(10, "CI ratio outside plausible bounds")
	}
	if elected := ctx.CV.Elected; elected.Value != nil && *elected.Value > 100 {
		deduct(10, "CV implausibly high (>100%)")
	}
	for _, m := range ctx.Measurements {
		if m.Parameter == model.ParamTHalf && m.Usable() && (*m.Value < 0.1 || *m.Value > 200) {
			deduct(10, "t-half outside 0.1-200 h")
			break
		}
	}
	hasAUC := hasUsable(ctx.Measurements, func(m model.Measurement) bool { return m.Parameter.IsAUC() })
	hasCmax := hasUsable(ctx.Measurements, func(m model.Measurement) bool { return m.Parameter == model.ParamCmax })
	if !hasAUC || !hasCmax {
		deduct(20, "missing AUC or Cmax")
	}
	if !designKnown(ctx) {
		deduct(10, "missing design metadata")
	}
	if !feedingKnown(ctx) {
		deduct(10, "missing feeding condition")
	}

	s.Value = clampScore(s.Value)
	return s
}

// Relative-disagreement thresholds, and the deduction pairs for the
// ordinary and the gross tier.
const (
	pkDisagreeLo = 0.20
	pkDisagreeHi = 0.35
	cvDisagreeLo = 0.30
	cvDisagreeHi = 0.50
)

// consistency cross-checks values between sources. A single source per
// field means no cross-check is possible and scores a flat 80.
func (e *Engine) consistency(ctx Context) (model.Subscore, []string) {
	if !multiSource(ctx) {
		return model.Subscore{
			Value:   80,
			Reasons: []string{"single source per field; no cross-check possible"},
		}, nil
	}

	s := model.Subscore{Value: 100}
	var codes []string
	deduct := func(points int, reason string) {
		s.Value -= points
		s.Reasons = append(s.Reasons, reason)
		codes = appendUnique(codes, WarnConflict)
	}

	for _, p := range []model.Parameter{model.ParamAUC0t, model.ParamAUC0inf, model.ParamCmax} {
		if d, ok := maxDisagreement(ctx.Measurements, p); ok {
			switch {
			case d > pkDisagreeHi:
				deduct(35, fmt.Sprintf("%s disagrees across sources by %.0f%%", p, d*100))
			case d > pkDisagreeLo:
				deduct(20, fmt.Sprintf("%s disagrees across sources by %.0f%%", p, d*100))
			}
		}
	}
	if d, ok := maxDisagreement(ctx.Measurements, model.ParamCVIntra); ok {
		switch {
		case d > cvDisagreeHi:
			deduct(35, fmt.Sprintf("CVintra disagrees across sources by %.0f%%", d*100))
		case d > cvDisagreeLo:
			deduct(20, fmt.Sprintf("CVintra disagrees across sources by %.0f%%", d*100))
		}
	}

	if conflictingIntervals(ctx.Intervals) {
		deduct(25, "conflicting CI or n between sources")
	}
	if conflictingFeeding(ctx.Measurements) {
		deduct(25, "conflicting feeding condition between sources")
	}
	if conflictingDesign(ctx.Measurements, ctx.Intervals) {
		deduct(25, "conflicting design category between sources")
	}

	s.Value = clampScore(s.Value)
	return s, codes
}

// sourceQuality scales the single best primary source onto 0-100 per the
// fixed rubric: human BE/PK matching conditions near the top, partial
// matches below, reviews lower, animal or in-vitro data at the bottom.
func (e *Engine) sourceQuality(ctx Context) model.Subscore {
	if len(ctx.Sources) == 0 {
		return model.Subscore{
			Value:   75,
			Reasons: []string{"source metadata missing; moderate quality assumed"},
		}
	}

	best := 0
	var bestReason string
	for _, src := range ctx.Sources {
		v, reason := rateSource(src, ctx.ProtocolCondition, ctx.FeedingCondition)
		if src.Primary {
			return model.Subscore{Value: v, Reasons: []string{"primary source: " + reason}}
		}
		if v > best {
			best, bestReason = v, reason
		}
	}
	return model.Subscore{Value: best, Reasons: []string{"best source: " + bestReason}}
}

func rateSource(src model.Source, protocolCondition, feeding string) (int, string) {
	tags := make(map[string]bool, len(src.TypeTags))
	for _, t := range src.TypeTags {
		tags[strings.ToLower(t)] = true
	}

	switch {
	case strings.EqualFold(src.Species, "human") && (tags["be"] || tags["pk"]):
		if protocolCondition == "" || feeding == "" || strings.EqualFold(protocolCondition, feeding) {
			return 95 + int(math.Round(5*src.Relevance)), "human BE/PK study matching conditions"
		}
		return 80 + int(math.Round(10*src.Relevance)), "human PK study, partial condition match"
	case strings.EqualFold(src.Species, "human"):
		return 80 + int(math.Round(10*src.Relevance)), "human study without BE/PK tagging"
	case tags["review"] || tags["secondary"]:
		return 60 + int(math.Round(15*src.Relevance)), "secondary or review source"
	case strings.EqualFold(src.Species, "animal") || tags["in-vitro"]:
		return 30 + int(math.Round(20*src.Relevance)), "animal or in-vitro data"
	default:
		return 60 + int(math.Round(15*src.Relevance)), "unclassified source"
	}
}

// overrides evaluates the hard red-flag conditions, filtered by the
// configured hard_red_codes list.
func (e *Engine) overrides(ctx Context, traceability int) []string {
	enabled := make(map[string]bool, len(e.criteria.HardRedCodes))
	for _, c := range e.criteria.HardRedCodes {
		enabled[c] = true
	}

	var out []string
	trigger := func(code string, cond bool) {
		if cond && enabled[code] {
			out = append(out, code)
		}
	}

	hasAUC := hasUsable(ctx.Measurements, func(m model.Measurement) bool { return m.Parameter.IsAUC() })
	hasCmax := hasUsable(ctx.Measurements, func(m model.Measurement) bool { return m.Parameter == model.ParamCmax })
	trigger(OverrideMissingEndpoints, !hasAUC && !hasCmax)

	hasNumeric := false
	for _, m := range ctx.Measurements {
		if m.Usable() {
			hasNumeric = true
			break
		}
	}
	trigger(OverrideTraceabilityZero, hasNumeric && traceability == 0)

	trigger(OverrideUnitAmbiguity,
		hasWarningOn(ctx.Measurements, validate.WarnUnitSuspect, primaryEndpoint) ||
			hasWarningOn(ctx.Measurements, validate.WarnUnitMissing, primaryEndpoint))

	conflict := false
	for _, p := range []model.Parameter{model.ParamAUC0t, model.ParamAUC0inf, model.ParamCmax, model.ParamCVIntra} {
		lo := pkDisagreeLo
		if p == model.ParamCVIntra {
			lo = cvDisagreeLo
		}
		if d, ok := maxDisagreement(ctx.Measurements, p); ok && d > lo {
			conflict = true
		}
	}
	primaryChosen := false
	for _, src := range ctx.Sources {
		if src.Primary {
			primaryChosen = true
			break
		}
	}
	trigger(OverrideSourceConflict, conflict && !primaryChosen)

	trigger(OverrideCVFromCIInvalid,
		ctx.CV.Elected.Provenance == model.ProvDerivedFromCI && !ctx.CV.AssumptionsOK)

	trigger(OverrideMathContradiction, containsCode(ctx.ValidationWarnings, validate.WarnMathContradiction))

	trigger(OverrideConditionConflict,
		ctx.ProtocolCondition != "" && containsCode(ctx.ConditionNotes, "condition_tagging_missing"))

	return out
}

func (e *Engine) composite(components map[string]*model.Subscore) int {
	var total, sum float64
	for name, comp := range components {
		w := e.criteria.Weights[name]
		total += w
		sum += w * float64(comp.Value)
	}
	if total == 0 {
		return 0
	}
	return clampScore(int(math.Round(sum / total)))
}

func (e *Engine) level(score int) model.QualityLevel {
	switch {
	case score >= e.criteria.Thresholds.Green:
		return model.LevelGreen
	case score >= e.criteria.Thresholds.Yellow:
		return model.LevelYellow
	default:
		return model.LevelRed
	}
}

// --- helpers ---

func hasUsable(ms []model.Measurement, match func(model.Measurement) bool) bool {
	for _, m := range ms {
		if m.Usable() && match(m) {
			return true
		}
	}
	return false
}

func hasWarningOn(ms []model.Measurement, code string, match func(model.Measurement) bool) bool {
	for _, m := range ms {
		if !match(m) {
			continue
		}
		for _, w := range m.Warnings {
			if w == code {
				return true
			}
		}
	}
	return false
}

func primaryEndpoint(m model.Measurement) bool {
	return m.Parameter.IsAUC() || m.Parameter == model.ParamCmax
}

func anyParam(model.Measurement) bool { return true }

func containsCode(codes []string, code string) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func appendUnique(codes []string, code string) []string {
	if containsCode(codes, code) {
		return codes
	}
	return append(codes, code)
}

func cvAbsent(cv model.CVResolution) bool {
	e := cv.Elected
	if e.Value != nil {
		return false
	}
	return e.RangeLow == nil || e.RangeHigh == nil
}

func feedingKnown(ctx Context) bool {
	if ctx.FeedingCondition != "" && !strings.EqualFold(ctx.FeedingCondition, "unknown") {
		return true
	}
	for _, m := range ctx.Measurements {
		if m.Tags.Fed || m.Tags.Fasted {
			return true
		}
	}
	return false
}

func designKnown(ctx Context) bool {
	for _, m := range ctx.Measurements {
		if m.Tags.DesignHint != "" {
			return true
		}
	}
	for _, ci := range ctx.Intervals {
		if ci.DesignHint != "" {
			return true
		}
	}
	return false
}

// multiSource reports whether any parameter has usable values from at least
// two distinct sources.
func multiSource(ctx Context) bool {
	byParam := make(map[model.Parameter]map[string]bool)
	for _, m := range ctx.Measurements {
		if !m.Usable() || m.SourceID == "" {
			continue
		}
		if byParam[m.Parameter] == nil {
			byParam[m.Parameter] = make(map[string]bool)
		}
		byParam[m.Parameter][m.SourceID] = true
		if len(byParam[m.Parameter]) >= 2 {
			return true
		}
	}
	srcs := make(map[string]bool)
	for _, ci := range ctx.Intervals {
		if !ci.Excluded && ci.SourceID != "" {
			srcs[ci.SourceID] = true
		}
	}
	return len(srcs) >= 2
}

// maxDisagreement returns the largest relative spread (max-min)/min of
// usable values for one parameter across distinct sources.
func maxDisagreement(ms []model.Measurement, p model.Parameter) (float64, bool) {
	bySource := make(map[string]float64)
	for _, m := range ms {
		if m.Parameter != p || !m.Usable() || m.SourceID == "" {
			continue
		}
		bySource[m.SourceID] = *m.Value
	}
	if len(bySource) < 2 {
		return 0, false
	}
	min, max := math.Inf(1), math.Inf(-1)
	for _, v := range bySource {
		min = math.Min(min, v)
		max = math.Max(max, v)
	}
	if min <= 0 {
		return 0, false
	}
	return (max - min) / min, true
}

func conflictingIntervals(cis []model.ConfidenceInterval) bool {
	var usable []model.ConfidenceInterval
	for _, ci := range cis {
		if !ci.Excluded && ci.SourceID != "" {
			usable = append(usable, ci)
		}
	}
	for i := 0; i < len(usable); i++ {
		for j := i + 1; j < len(usable); j++ {
			a, b := usable[i], usable[j]
			if a.SourceID == b.SourceID || a.Param != b.Param {
				continue
			}
			if a.N != nil && b.N != nil && *a.N != *b.N {
				return true
			}
			if relDiff(a.Low, b.Low) > 0.10 || relDiff(a.High, b.High) > 0.10 {
				return true
			}
		}
	}
	return false
}

func conflictingFeeding(ms []model.Measurement) bool {
	fed, fasted := map[string]bool{}, map[string]bool{}
	for _, m := range ms {
		if m.SourceID == "" {
			continue
		}
		if m.Tags.Fed {
			fed[m.SourceID] = true
		}
		if m.Tags.Fasted {
			fasted[m.SourceID] = true
		}
	}
	return len(fed) > 0 && len(fasted) > 0
}

func conflictingDesign(ms []model.Measurement, cis []model.ConfidenceInterval) bool {
	cats := make(map[string]bool)
	record := func(hint string) {
		if c := designCategory(hint); c != "" {
			cats[c] = true
		}
	}
	for _, m := range ms {
		record(m.Tags.DesignHint)
	}
	for _, ci := range cis {
		record(ci.DesignHint)
	}
	return len(cats) > 1
}

func designCategory(hint string) string {
	h := strings.ToLower(hint)
	switch {
	case h == "":
		return ""
	case strings.Contains(h, "replicate"):
		return "replicate"
	case strings.Contains(h, "parallel"):
		return "parallel"
	case strings.Contains(h, "2x2") || strings.Contains(h, "crossover"):
		return "crossover"
	default:
		return ""
	}
}

// realSource rejects synthetic source IDs: manual user input and rule-based
// calculations are evidence-free by construction.
func realSource(id string) bool {
	return id != "" && !strings.HasPrefix(id, "manual://") && !strings.HasPrefix(id, "calc://")
}

func relDiff(a, b float64) float64 {
	min := math.Min(a, b)
	if min <= 0 {
		return 0
	}
	return math.Abs(a-b) / min
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func collectReasons(components map[string]*model.Subscore) []string {
	order := []string{"completeness", "traceability", "plausibility", "consistency", "source_quality"}
	var out []string
	for _, name := range order {
		comp := components[name]
		for _, r := range comp.Reasons {
			out = append(out, name+": "+r)
		}
	}
	return out
}
