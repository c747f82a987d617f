// Package samplesize turns an elected CV into a subject count, either as a
// closed-form deterministic answer (PowerTOST, with an approximate formula
// as fallback) or as a Monte Carlo success-probability curve when the CV is
// only known as a range.
package samplesize

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/model"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/pkg/powertost"
)

// Warning codes.
const (
	WarnApproxFormula     = "approximate_formula_used"
	WarnSolverUnavailable = "solver_unavailable"
)

// Bioequivalence acceptance limit and the minimum evaluable subjects a
// crossover BE study may randomize.
const (
	thetaUpper = 1.25
	minimumN   = 12
)

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// Deterministic computes closed-form sample sizes.
type Deterministic struct {
	solver powertost.Client // nil means approximate formula only
}

// NewDeterministic builds the solver wrapper. solver may be nil.
func NewDeterministic(solver powertost.Client) *Deterministic {
	return &Deterministic{solver: solver}
}

// Solve returns the recommended total, randomized and screened subject
// counts for the given CV (percent). The external solver is preferred; on
// any failure the approximate TOST formula answers instead, flagged with
// approximate_formula_used.
func (d *Deterministic) Solve(ctx context.Context, cv, power, alpha, dropout, screenFail float64, design model.Design) *model.Deterministic {
	out := &model.Deterministic{CV: cv, Power: power, Alpha: alpha}

	solved := false
	if d.solver != nil {
		if n, err := d.solver.SolveSampleSize(ctx, cv, power, alpha, solverDesign(design)); err == nil {
			out.NTotal = n
			out.Solver = "powertost"
			out.Details = "PowerTOST sampleN.TOST"
			solved = true
		} else {
			zap.L().Warn("sample size solver failed, using approximation", zap.Error(err))
		}
	}
	if !solved {
		out.NTotal = ApproxTOSTN(cv, power, alpha)
		out.Solver = "approx"
		out.Details = "large-sample normal approximation at GMR 1.0"
		out.Warnings = append(out.Warnings, WarnApproxFormula, WarnSolverUnavailable)
	}

	if out.NTotal < minimumN {
		out.NTotal = minimumN
		out.Details += fmt.Sprintf("; raised to regulatory minimum of %d subjects", minimumN)
	}

	out.NRandomized = inflate(out.NTotal, dropout)
	out.NScreened = inflate(out.NRandomized, screenFail)
	return out
}

// ApproxTOSTN is the large-sample TOST sample size at a true ratio of 1.0:
//
//	sigma = sqrt(ln(1 + (CV/100)^2))
//	n     = ((z_alpha + z_beta) * sqrt(2) * sigma / ln(1.25))^2
//
// rounded up to the next even integer for a two-sequence crossover.
func ApproxTOSTN(cvPct, power, alpha float64) int {
	sigma := sigmaFromCV(cvPct)
	zAlpha := stdNormal.Quantile(1 - alpha)
	zBeta := stdNormal.Quantile((1 + power) / 2)

	n := math.Pow((zAlpha+zBeta)*math.Sqrt2*sigma/math.Log(thetaUpper), 2)
	return evenCeil(n)
}

// TOSTPower approximates achieved power for a two-period crossover of n
// subjects at a true ratio of 1.0.
func TOSTPower(cvPct float64, n int, alpha float64) float64 {
	if n <= 0 {
		return 0
	}
	sigma := sigmaFromCV(cvPct)
	se := sigma * math.Sqrt(2/float64(n))
	if se == 0 {
		return 1
	}
	margin := math.Log(thetaUpper)/se - stdNormal.Quantile(1-alpha)
	p := 2*stdNormal.CDF(margin) - 1
	return math.Min(1, math.Max(0, p))
}

func sigmaFromCV(cvPct float64) float64 {
	cv := cvPct / 100
	return math.Sqrt(math.Log(1 + cv*cv))
}

func evenCeil(n float64) int {
	v := int(math.Ceil(n))
	if v%2 != 0 {
		v++
	}
	return v
}

// inflate divides n by the retention rate and rounds up.
func inflate(n int, lossRate float64) int {
	if lossRate <= 0 {
		return n
	}
	if lossRate >= 1 {
		return n
	}
	return int(math.Ceil(float64(n) / (1 - lossRate)))
}

// solverDesign maps the internal design tag onto PowerTOST's design codes.
func solverDesign(d model.Design) string {
	switch d {
	case model.DesignReplicate3:
		return "2x2x3"
	case model.DesignReplicate4:
		return "2x2x4"
	case model.DesignParallel:
		return "parallel"
	default:
		return "2x2"
	}
}
