// Package cvgate resolves one authoritative CV value or range from the
// competing candidate sources. Election follows a strict priority order
// (manual, reported, derived_from_ci, range); losing candidates are kept
// for audit and never consulted downstream.
package cvgate

import (
	"context"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/model"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/pkg/powertost"
)

// Warning codes emitted by the gate.
const (
	WarnCVAbsent          = "cv_absent"
	WarnCVFromCIInvalid   = "cv_from_ci_invalid"
	WarnCVOutOfRange      = "cv_out_of_range"
	WarnSolverUnavailable = "solver_unavailable"
	WarnSmallN            = "small_n"
	WarnCIRatioBounds     = "ci_outside_ratio_bounds"
)

// Reported CVintra values outside this band (percent) are not credible
// enough to elect.
const (
	reportedMinPct = 5
	reportedMaxPct = 200
)

// Gate elects the authoritative CV candidate for a run.
type Gate struct {
	vm     *Variability
	solver powertost.Client // nil means approximate back-calculation only
}

// New builds a gate. solver may be nil.
func New(vm *Variability, solver powertost.Client) *Gate {
	return &Gate{vm: vm, solver: solver}
}

// Elect builds the candidate set from the request and validated records and
// elects the highest-priority candidate whose required fields are present.
// Election is independent of human confirmation: a manual value is elected
// without confirmation, and confirmation is recorded separately for the
// quality gate to consume.
func (g *Gate) Elect(ctx context.Context, req *model.PlanRequest, ms []model.Measurement, cis []model.ConfidenceInterval) model.CVResolution {
	var candidates []model.CVCandidate

	if c := manualCandidate(req); c != nil {
		candidates = append(candidates, *c)
	}
	if c := reportedCandidate(ms); c != nil {
		candidates = append(candidates, *c)
	}
	derived, assumptionsOK := g.derivedCandidate(ctx, cis)
	if derived != nil {
		candidates = append(candidates, *derived)
	}
	candidates = append(candidates, g.rangeCandidate(req, ms))

	res := model.CVResolution{
		Candidates:       candidates,
		AssumptionsOK:    true,
		ConfirmedByHuman: req.CVConfirmed,
	}

	// First candidate in priority order wins. The slice is already built in
	// that order, so the scan is a formality that keeps the rank explicit.
	elected := candidates[0]
	for _, c := range candidates {
		if c.Provenance.Before(elected.Provenance) {
			elected = c
		}
	}
	res.Elected = elected

	if elected.Provenance == model.ProvDerivedFromCI {
		res.AssumptionsOK = assumptionsOK
	}

	res.Warnings = append(res.Warnings, elected.Warnings...)
	if elected.Value == nil && elected.Provenance != model.ProvRange {
		res.Warnings = append(res.Warnings, WarnCVAbsent)
	}

	zap.L().Debug("cv gate election",
		zap.String("provenance", string(elected.Provenance)),
		zap.Bool("assumptions_ok", res.AssumptionsOK),
		zap.Int("candidates", len(candidates)),
	)

	return res
}

func manualCandidate(req *model.PlanRequest) *model.CVCandidate {
	if req.ManualCV == nil {
		return nil
	}
	v := *req.ManualCV
	return &model.CVCandidate{
		Provenance: model.ProvManual,
		Value:      &v,
		Confidence: confManual,
		SourceID:   "manual://user",
		Excerpt:    "User input",
	}
}

func reportedCandidate(ms []model.Measurement) *model.CVCandidate {
	for _, m := range ms {
		if m.Parameter != model.ParamCVIntra || !m.Usable() {
			continue
		}
		if *m.Value < reportedMinPct || *m.Value > reportedMaxPct {
			continue
		}
		base := confReported
		for _, w := range m.Warnings {
			if w == WarnLLMExtracted {
				base = confLLMReported
				break
			}
		}
		v := *m.Value
		return &model.CVCandidate{
			Provenance: model.ProvReported,
			Value:      &v,
			Confidence: applyPenalties(base, m.Warnings),
			SourceID:   m.SourceID,
			Excerpt:    m.Excerpt,
			Warnings:   append([]string(nil), m.Warnings...),
		}
	}
	return nil
}

// derivedCandidate builds a derived_from_ci candidate from the first CI
// carrying a sample size. The back-calculation assumes a 90% CI, log-scale
// analysis and a 2x2 crossover; when the design hint cannot confirm those,
// the candidate is still electable but assumptions are reported as
// unconfirmed and the quality engine treats that as an override trigger.
func (g *Gate) derivedCandidate(ctx context.Context, cis []model.ConfidenceInterval) (*model.CVCandidate, bool) {
	var ci *model.ConfidenceInterval
	for i := range cis {
		if cis[i].N != nil {
			ci = &cis[i]
			break
		}
	}
	if ci == nil {
		return nil, true
	}

	low, high := ci.Low, ci.High
	cand := &model.CVCandidate{
		Provenance: model.ProvDerivedFromCI,
		CILow:      &low,
		CIHigh:     &high,
		N:          ci.N,
		SourceID:   ci.SourceID,
		Excerpt:    ci.Excerpt,
	}

	if ci.Excluded || low <= 0 || high <= 0 || low >= high || *ci.N <= 0 {
		cand.Warnings = append(cand.Warnings, WarnCVFromCIInvalid)
		cand.Confidence = 0
		return cand, false
	}

	assumptionsOK := confirmsAssumptions(ci.DesignHint)
	if !assumptionsOK {
		cand.Warnings = append(cand.Warnings, WarnCVFromCIInvalid)
	}
	if low < 0.5 || high > 2.0 {
		cand.Warnings = append(cand.Warnings, WarnCIRatioBounds)
	}
	if *ci.N < 6 {
		cand.Warnings = append(cand.Warnings, WarnSmallN)
	}

	var cv float64
	solved := false
	if g.solver != nil {
		if v, err := g.solver.CVFromCI(ctx, low, high, *ci.N, "2x2"); err == nil {
			cv, solved = v, true
		} else {
			zap.L().Warn("cv back-calculation solver failed, using approximation", zap.Error(err))
		}
	}
	if !solved {
		cv = ApproxCVFromCI(low, high, *ci.N)
		cand.Warnings = append(cand.Warnings, WarnSolverUnavailable)
	}
	base := confDerived
	for _, w := range ci.Warnings {
		if w == WarnLLMExtracted {
			base -= penaltyLLMReview
			break
		}
	}
	cand.Value = &cv
	cand.Confidence = applyPenalties(base, append(cand.Warnings, ci.Warnings...))
	return cand, assumptionsOK
}

func (g *Gate) rangeCandidate(req *model.PlanRequest, ms []model.Measurement) model.CVCandidate {
	var tHalf *float64
	for _, m := range ms {
		if m.Parameter == model.ParamTHalf && m.Usable() {
			tHalf = m.Value
			break
		}
	}

	est := g.vm.Estimate(req.Features, tHalf, req.NTI)
	mode := est.Mode
	return model.CVCandidate{
		Provenance:      model.ProvRange,
		Value:           &mode,
		Confidence:      applyPenalties(confRange, est.Warnings),
		SourceID:        "calc://variability_rules",
		Excerpt:         strings.Join(est.Drivers, "; "),
		Warnings:        est.Warnings,
		RangeLow:        &est.Low,
		RangeHigh:       &est.High,
		RangeMode:       &mode,
		RangeConfidence: est.Confidence,
		RangeDrivers:    est.Drivers,
	}
}

// confirmsAssumptions checks the stored design hint for a log-scale 2x2
// crossover analysis.
func confirmsAssumptions(hint string) bool {
	h := strings.ToLower(hint)
	return strings.Contains(h, "2x2") && strings.Contains(h, "log")
}

// ApproxCVFromCI back-calculates intra-subject CV (percent) from a 90% CI
// on the log scale for a 2x2 crossover:
//
//	SE    = (ln(high) - ln(low)) / (2 * z_0.95)
//	sigma = SE * sqrt(n/2)
//	CV    = sqrt(exp(sigma^2) - 1) * 100
func ApproxCVFromCI(low, high float64, n int) float64 {
	const z = 1.645
	se := (math.Log(high) - math.Log(low)) / (2 * z)
	sigma := se * math.Sqrt(float64(n)/2)
	return math.Sqrt(math.Max(0, math.Exp(sigma*sigma)-1)) * 100
}
