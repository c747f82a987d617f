// Package report assembles the immutable decision record for one run. The
// assembler is pure aggregation: it never recomputes a stage's verdict,
// only collects, deduplicates, and annotates.
package report

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/config"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/model"
)

// Protocol status values.
const (
	StatusDraft = "Draft"
	StatusFinal = "Final"
)

// CodeIncompleteRun is attached when a run-level timeout truncated the
// pipeline.
const CodeIncompleteRun = "incomplete_run"

// Rejection is the structured strict-mode refusal: the run carries blockers
// that a final protocol must not paper over.
type Rejection struct {
	Blockers []string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("report: run rejected in strict mode: %s", strings.Join(r.Blockers, ", "))
}

// Strict-mode blocker codes.
const (
	BlockerMissingEndpoints = "missing_primary_endpoints"
	BlockerCVAbsent         = "cv_absent"
	BlockerNoSampleSize     = "no_sample_size_derivable"
)

// Inputs carries every stage output into assembly.
type Inputs struct {
	RunID string
	Req   *model.PlanRequest

	Measurements []model.Measurement
	Intervals    []model.ConfidenceInterval

	CV         model.CVResolution
	Quality    model.QualityVerdict
	Design     model.DesignDecision
	SampleSize model.SampleSizeResult

	// Regulatory conformance findings and the open questions their CLARIFY
	// items raise.
	RegChecks    []model.RegCheck
	RegQuestions []model.OpenQuestion

	// Warnings are the stage-collected codes beyond what the embedded
	// verdicts already carry.
	Warnings []string

	Incomplete bool
	Now        time.Time
}

// Assembler renders reports and enforces strict mode.
type Assembler struct {
	questions config.QuestionLibrary
}

// New builds an assembler over the loaded question library.
func New(questions config.QuestionLibrary) *Assembler {
	return &Assembler{questions: questions}
}

// Assemble builds the report. In strict mode a run with blocking defects
// returns a *Rejection instead.
func (a *Assembler) Assemble(in Inputs) (*model.Report, error) {
	if in.Req.Strict {
		if blockers := a.blockers(in); len(blockers) > 0 {
			return nil, &Rejection{Blockers: blockers}
		}
	}

	warnings := mergeWarnings(in)

	rep := &model.Report{
		RunID:        in.RunID,
		Drug:         in.Req.Drug,
		GeneratedAt:  in.Now.UTC(),
		Measurements: in.Measurements,
		Intervals:    in.Intervals,
		CV:           in.CV,
		Quality:      in.Quality,
		Design:       in.Design,
		SampleSize:   in.SampleSize,
		RegChecks:    in.RegChecks,
		Warnings:     warnings,
		Incomplete:   in.Incomplete,
	}

	rep.ProtocolID, rep.ProtocolStatus = a.protocolIdentity(in)
	rep.OpenQuestions = a.openQuestions(warnings, in.RegQuestions)
	return rep, nil
}

// blockers lists the strict-mode defects: no primary endpoint at all, no CV
// in any form, or no sample size derived by either path.
func (a *Assembler) blockers(in Inputs) []string {
	var out []string

	hasEndpoint := false
	for _, m := range in.Measurements {
		if m.Usable() && (m.Parameter.IsAUC() || m.Parameter == model.ParamCmax) {
			hasEndpoint = true
			break
		}
	}
	if !hasEndpoint {
		out = append(out, BlockerMissingEndpoints)
	}

	e := in.CV.Elected
	if e.Value == nil && (e.RangeLow == nil || e.RangeHigh == nil) {
		out = append(out, BlockerCVAbsent)
	}

	noDeterministic := in.SampleSize.Deterministic == nil
	noRisk := in.SampleSize.RiskQualified == nil || in.SampleSize.RiskQualified.RecommendedN == nil
	if noDeterministic && noRisk {
		out = append(out, BlockerNoSampleSize)
	}

	return out
}

// protocolIdentity honors a user-supplied protocol ID as Final; otherwise a
// draft ID is generated as BE-<drug>-<yyyymmdd>.
func (a *Assembler) protocolIdentity(in Inputs) (string, string) {
	if in.Req.ProtocolID != "" {
		return in.Req.ProtocolID, StatusFinal
	}
	return fmt.Sprintf("BE-%s-%s", slug(in.Req.Drug), in.Now.UTC().Format("20060102")), StatusDraft
}

// openQuestions expands warning codes through the question library and
// appends the regulatory questions. A code may map to several templates;
// questions with the same normalized text collapse, first seen wins.
func (a *Assembler) openQuestions(warnings []string, extra []model.OpenQuestion) []model.OpenQuestion {
	var out []model.OpenQuestion
	seen := make(map[string]bool)
	add := func(q model.OpenQuestion) {
		key := strings.Join(strings.Fields(strings.ToLower(q.Question)), " ")
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, q)
	}

	for _, code := range warnings {
		for _, tmpl := range a.questions.Codes[code] {
			add(model.OpenQuestion{
				Category: tmpl.Category,
				Question: tmpl.Question,
				Priority: tmpl.Priority,
				RuleID:   tmpl.RuleID,
			})
		}
	}
	for _, q := range extra {
		add(q)
	}
	return out
}

// mergeWarnings unions the stage warnings in first-seen order.
func mergeWarnings(in Inputs) []string {
	var all []string
	all = append(all, in.Warnings...)
	all = append(all, in.CV.Warnings...)
	all = append(all, in.Quality.Overrides...)
	all = append(all, in.Design.Warnings...)
	if d := in.SampleSize.Deterministic; d != nil {
		all = append(all, d.Warnings...)
	}
	if r := in.SampleSize.RiskQualified; r != nil {
		all = append(all, r.Warnings...)
	}
	if in.Incomplete {
		all = append(all, CodeIncompleteRun)
	}

	var out []string
	seen := make(map[string]bool)
	for _, w := range all {
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// slug lowercases the drug name and collapses anything non-alphanumeric.
func slug(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteRune('-')
			lastDash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "unnamed"
	}
	return out
}
