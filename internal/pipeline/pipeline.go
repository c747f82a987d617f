// Package pipeline wires the decision stages in their fixed order:
// validation, CV election, quality scoring, design election, sample sizing,
// and report assembly. Stages hand off explicit values; nothing is shared.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/config"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/cvgate"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/design"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/model"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/quality"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/regcheck"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/report"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/samplesize"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/validate"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/pkg/powertost"
)

// Condition-filtering warning codes.
const (
	WarnConditionTaggingMissing = "condition_tagging_missing"
	WarnConditionMismatch       = "condition_mismatch_excluded"
)

// Pipeline runs one plan request end to end.
type Pipeline struct {
	cfg   *config.Config
	rules *config.RuleSet

	validator *validate.Validator
	gate      *cvgate.Gate
	quality   *quality.Engine
	design    *design.Engine
	reg       *regcheck.Checker
	det       *samplesize.Deterministic
	risk      *samplesize.Risk
	assembler *report.Assembler
}

// New assembles the stages. solver may be nil; sizing and CI back-calculation
// then use the approximate formulas.
func New(cfg *config.Config, rules *config.RuleSet, solver powertost.Client) *Pipeline {
	vm := cvgate.NewVariability(rules.Variability)
	return &Pipeline{
		cfg:       cfg,
		rules:     rules,
		validator: validate.New(rules.PK),
		gate:      cvgate.New(vm, solver),
		quality:   quality.New(rules.Quality),
		design:    design.New(rules.Design),
		reg:       regcheck.New(rules.Regulatory),
		det:       samplesize.NewDeterministic(solver),
		risk:      samplesize.NewRisk(cfg.Risk),
		assembler: report.New(rules.Questions),
	}
}

// Run executes the stages sequentially. Sample sizing runs on a worker and
// is awaited; if the run-level context expires first, the partial report is
// returned flagged incomplete instead of no report at all.
func (p *Pipeline) Run(ctx context.Context, req *model.PlanRequest) (*model.Report, error) {
	runID := uuid.NewString()
	log := zap.L().With(zap.String("run_id", runID), zap.String("drug", req.Drug))
	log.Info("pipeline run started")

	p.applyDefaults(req)

	ms, cis, warnings := p.validator.Validate(req.Measurements, req.Intervals)

	ms, conditionNotes := filterByCondition(ms, req.ProtocolCondition)
	warnings = append(warnings, conditionNotes...)

	cv := p.gate.Elect(ctx, req, ms, cis)

	verdict, qWarnings := p.quality.Score(quality.Context{
		Measurements:       ms,
		Intervals:          cis,
		Sources:            req.Sources,
		CV:                 cv,
		ValidationWarnings: warnings,
		ConditionNotes:     conditionNotes,
		Population:         req.Population,
		FeedingCondition:   req.FeedingCondition,
		ProtocolCondition:  req.ProtocolCondition,
		LongHalfLife:       req.LongHalfLife,
	})
	warnings = append(warnings, qWarnings...)

	dec := p.design.Decide(req, designFacts(req, ms, cv))

	regChecks := p.reg.Run(regcheck.Context{
		Req:          req,
		Measurements: ms,
		CV:           cv,
		Quality:      verdict,
		Design:       dec.Design,
	})

	var sampleSize model.SampleSizeResult
	incomplete := false

	// The worker owns its result until publishing it on the buffered channel.
	// An abandoned worker that finishes after the deadline parks its result
	// there; it never touches state the partial report is built from.
	sized := make(chan model.SampleSizeResult, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var out model.SampleSizeResult
		if verdict.AllowDeterministicN {
			out.Deterministic = p.det.Solve(gctx, *cv.Elected.Value,
				req.Power, req.Alpha, req.Dropout, req.ScreenFail, dec.Design)
		} else {
			out.RiskQualified = p.risk.Simulate(p.riskInputs(req, cv))
		}
		sized <- out
		return nil
	})

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()
	select {
	case err := <-waitErr:
		if err != nil {
			log.Error("sample sizing failed", zap.Error(err))
			incomplete = true
		} else {
			sampleSize = <-sized
		}
	case <-ctx.Done():
		log.Warn("run deadline expired before sizing finished; emitting partial report")
		incomplete = true
	}

	rep, err := p.assembler.Assemble(report.Inputs{
		RunID:        runID,
		Req:          req,
		Measurements: ms,
		Intervals:    cis,
		CV:           cv,
		Quality:      verdict,
		Design:       dec,
		SampleSize:   sampleSize,
		RegChecks:    regChecks,
		RegQuestions: p.reg.Questions(regChecks),
		Warnings:     warnings,
		Incomplete:   incomplete,
		Now:          time.Now(),
	})
	if err != nil {
		log.Warn("run rejected", zap.Error(err))
		return nil, err
	}

	log.Info("pipeline run finished",
		zap.Int("dqi", rep.Quality.Score),
		zap.String("level", string(rep.Quality.Level)),
		zap.String("design", string(rep.Design.Design)),
		zap.Bool("incomplete", rep.Incomplete),
	)
	return rep, nil
}

// applyDefaults fills zero-valued statistical parameters from configuration.
func (p *Pipeline) applyDefaults(req *model.PlanRequest) {
	if req.Power <= 0 {
		req.Power = p.cfg.Stats.Power
	}
	if req.Alpha <= 0 {
		req.Alpha = p.cfg.Stats.Alpha
	}
	if req.Dropout <= 0 {
		req.Dropout = p.cfg.Stats.Dropout
	}
	if req.ScreenFail <= 0 {
		req.ScreenFail = p.cfg.Stats.ScreenFail
	}
	if req.Samples <= 0 {
		req.Samples = p.cfg.Risk.Samples
	}
}

// filterByCondition excludes measurements tagged with the opposite feeding
// condition and notes missing tagging once when a protocol condition is set.
func filterByCondition(ms []model.Measurement, condition string) ([]model.Measurement, []string) {
	if condition == "" {
		return ms, nil
	}
	wantFed := condition == "fed"

	taggingMissing := false
	out := make([]model.Measurement, len(ms))
	for i, m := range ms {
		switch {
		case m.Tags.Fed == m.Tags.Fasted:
			// Untagged (or contradictorily tagged) evidence stays usable but
			// is flagged for review.
			if !m.Excluded {
				taggingMissing = true
			}
		case m.Tags.Fed != wantFed:
			m.Excluded = true
			m.Warnings = append(m.Warnings, WarnConditionMismatch)
		}
		out[i] = m
	}

	var notes []string
	if taggingMissing {
		notes = append(notes, WarnConditionTaggingMissing)
	}
	return out, notes
}

// designFacts resolves the predicate inputs from the elected CV and the
// validated measurements.
func designFacts(req *model.PlanRequest, ms []model.Measurement, cv model.CVResolution) design.Facts {
	facts := design.Facts{
		NTI:           req.NTI,
		CV:            cv.Elected.Value,
		CarryoverRisk: req.CarryoverRisk,
	}
	for _, m := range ms {
		if m.Parameter == model.ParamTHalf && m.Usable() {
			v := *m.Value
			facts.THalfHours = &v
			break
		}
	}
	if facts.THalfHours == nil && req.LongHalfLife {
		th := 24.0
		facts.THalfHours = &th
	}
	return facts
}

// riskInputs maps the elected candidate onto a sampling range. A true range
// candidate carries its own bounds and widening; a point value that merely
// failed the trust gate is sampled within a 15% relative band.
func (p *Pipeline) riskInputs(req *model.PlanRequest, cv model.CVResolution) samplesize.RiskInputs {
	e := cv.Elected

	in := samplesize.RiskInputs{
		TargetPower:       req.Power,
		Alpha:             req.Alpha,
		TargetProbability: p.cfg.Risk.TargetProbability,
		Seed:              req.Seed,
		Samples:           req.Samples,
	}

	switch {
	case e.Provenance == model.ProvRange && e.RangeLow != nil && e.RangeHigh != nil:
		in.Low = *e.RangeLow
		in.High = *e.RangeHigh
		in.Mode = *e.RangeMode
		in.WideningPct = e.RangeConfidence.WideningPct()
	case e.Value != nil:
		in.Low = *e.Value * 0.85
		in.High = *e.Value * 1.15
		in.Mode = *e.Value
	default:
		// No CV in any form. Sample the default rule range rather than
		// refusing to produce a curve.
		low, high := 30.0, 50.0
		if d := p.rules.Variability.Base.Default; len(d) == 2 {
			low, high = d[0], d[1]
		}
		in.Low, in.High, in.Mode = low, high, (low+high)/2
		in.WideningPct = model.RangeLow.WideningPct()
	}

	in.SeedMaterial = fmt.Sprintf("%s|%.4f|%.4f|%.4f|%d",
		req.Drug, in.Low, in.Mode, in.High, in.Samples)
	return in
}
