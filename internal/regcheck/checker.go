// Package regcheck evaluates regulatory conformance of a planned run: design
// versus variability risk, washout adequacy, dossier-required PK parameters,
// and study logistics the sponsor still owes. Checks grade OK, CLARIFY or
// RISK; CLARIFY findings become open questions on the report.
package regcheck

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/config"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/model"
)

// Rule IDs of the dynamic checks, not configured in the rule table.
const (
	RuleDQIRed            = "DQI_RED"
	RuleDerivedAssumption = "CV_DERIVED_ASSUMPTIONS"
	RuleRangeUncertain    = "CV_RANGE_UNCERTAIN"
	RuleConfirmCV         = "CV_CONFIRM_NDET"
)

// Checker runs the configured regulatory checks.
type Checker struct {
	rules config.RegulatoryRules
}

// New builds a checker over the loaded regulatory rules.
func New(rules config.RegulatoryRules) *Checker {
	return &Checker{rules: rules}
}

// Context carries the stage outputs the checks consult.
type Context struct {
	Req          *model.PlanRequest
	Measurements []model.Measurement
	CV           model.CVResolution
	Quality      model.QualityVerdict
	Design       model.Design
}

// Run evaluates every check against the run context. The result is
// deduplicated but otherwise unfiltered; OK findings are reported too.
func (c *Checker) Run(ctx Context) []model.RegCheck {
	var checks []model.RegCheck
	checks = append(checks, c.cvDesign(ctx)...)
	checks = append(checks, c.washout(ctx)...)
	checks = append(checks, c.requiredPK(ctx.Measurements)...)
	checks = append(checks, c.missingInputs(ctx.Req)...)
	checks = append(checks, dynamicChecks(ctx)...)
	checks = dedupe(checks)

	zap.L().Debug("regulatory checks evaluated", zap.Int("checks", len(checks)))
	return checks
}

// Questions converts CLARIFY findings into open questions, using the
// configured category/priority metadata per rule ID.
func (c *Checker) Questions(checks []model.RegCheck) []model.OpenQuestion {
	var out []model.OpenQuestion
	for _, ch := range checks {
		if ch.Status != model.RegCheckClarify {
			continue
		}
		text := ch.Message
		if len(ch.Clarify) > 0 {
			text = ch.Clarify[0]
		}
		category, priority := c.meta(ch.RuleID)
		out = append(out, model.OpenQuestion{
			Category: category,
			Question: text,
			Priority: priority,
			RuleID:   ch.RuleID,
		})
	}
	return out
}

// cvDesign verifies the elected design against the variability risk profile:
// a confirmed CV above the threshold demands a replicate or scaled design.
func (c *Checker) cvDesign(ctx Context) []model.RegCheck {
	cfg := c.findCheck("CV_HIGH_DESIGN")
	if cfg == nil {
		return nil
	}

	threshold := cfg.CVThreshold
	if threshold <= 0 {
		threshold = 50
	}
	design := strings.ToLower(string(ctx.Design))
	replicate := false
	for _, k := range cfg.ReplicateKeywords {
		if strings.Contains(design, strings.ToLower(k)) {
			replicate = true
			break
		}
	}

	e := ctx.CV.Elected
	switch {
	case e.Value == nil:
		return []model.RegCheck{{
			RuleID: cfg.ID, Status: model.RegCheckClarify,
			Message: cfg.MessageMissingCV,
			Clarify: []string{cfg.ClarifyMissingCV},
		}}
	case !ctx.CV.ConfirmedByHuman:
		return []model.RegCheck{{
			RuleID: cfg.ID, Status: model.RegCheckClarify,
			Message: cfg.MessageUnconfirmed,
			Clarify: []string{cfg.ClarifyUnconfirmed},
		}}
	case *e.Value > threshold && !replicate:
		return []model.RegCheck{{
			RuleID: cfg.ID, Status: model.RegCheckRisk,
			Message: cfg.MessageRisk,
			Clarify: []string{cfg.ClarifyRisk},
		}}
	}
	return []model.RegCheck{{RuleID: cfg.ID, Status: model.RegCheckOK, Message: cfg.MessageOK}}
}

// washout validates the planned washout against the multiplier-of-half-life
// convention (default five half-lives, half-life in hours, washout in days).
func (c *Checker) washout(ctx Context) []model.RegCheck {
	cfg := c.findCheck("WASHOUT")
	if cfg == nil {
		return nil
	}

	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 5
	}

	if ctx.Req.WashoutDays == nil {
		return []model.RegCheck{{
			RuleID: cfg.ID, Status: model.RegCheckClarify,
			Message: cfg.MessageMissingSchedule,
			Clarify: []string{cfg.ClarifyMissingSchedule},
		}}
	}

	tHalf := usableTHalf(ctx.Measurements)
	if tHalf == nil {
		return []model.RegCheck{{
			RuleID: cfg.ID, Status: model.RegCheckClarify,
			Message: cfg.MessageMissingHalf,
			Clarify: []string{cfg.ClarifyMissingHalf},
		}}
	}

	requiredDays := multiplier * *tHalf / 24.0
	if *ctx.Req.WashoutDays < requiredDays {
		return []model.RegCheck{{
			RuleID: cfg.ID, Status: model.RegCheckRisk,
			Message: cfg.MessageRisk,
			Clarify: []string{fmt.Sprintf("Recommended at least %.1f days based on the elimination half-life.", requiredDays)},
		}}
	}
	return []model.RegCheck{{RuleID: cfg.ID, Status: model.RegCheckOK, Message: cfg.MessageOK}}
}

// requiredPK verifies the dossier-required parameter list against the usable
// measurements. A required AUC0-t is satisfied by any AUC variant.
func (c *Checker) requiredPK(ms []model.Measurement) []model.RegCheck {
	cfg := c.rules.RequiredPK
	if cfg.ID == "" || len(cfg.Parameters) == 0 {
		return nil
	}

	present := make(map[model.Parameter]bool)
	hasAUC := false
	for _, m := range ms {
		if !m.Usable() {
			continue
		}
		present[m.Parameter] = true
		if m.Parameter.IsAUC() {
			hasAUC = true
		}
	}

	var missing []string
	for _, p := range cfg.Parameters {
		param := model.Parameter(p)
		if present[param] {
			continue
		}
		if param.IsAUC() && hasAUC {
			continue
		}
		missing = append(missing, p)
	}
	if len(missing) == 0 {
		return nil
	}

	return []model.RegCheck{{
		RuleID: cfg.ID, Status: model.RegCheckClarify,
		Message: fmt.Sprintf("%s Missing: %s.", cfg.Message, strings.Join(missing, ", ")),
		Clarify: []string{cfg.Clarify},
	}}
}

// missingInputs raises one clarification per rule whose request fields are
// not all provided.
func (c *Checker) missingInputs(req *model.PlanRequest) []model.RegCheck {
	provided := map[string]bool{
		"washout_days":          req.WashoutDays != nil,
		"hospitalization_days":  req.HospitalizationDays != nil,
		"sampling_days":         req.SamplingDays != nil,
		"follow_up_days":        req.FollowUpDays != nil,
		"phone_follow_up_ok":    req.PhoneFollowUpOK != nil,
		"blood_volume_total_ml": req.BloodVolumeTotalML != nil,
		"blood_volume_pk_ml":    req.BloodVolumePKML != nil,
	}

	var checks []model.RegCheck
	for _, rule := range c.rules.OpenQuestions {
		complete := true
		for _, f := range rule.InputFields {
			if !provided[f] {
				complete = false
				break
			}
		}
		if complete {
			continue
		}
		checks = append(checks, model.RegCheck{
			RuleID: rule.ID, Status: model.RegCheckClarify,
			Message: rule.Message,
			Clarify: []string{rule.Clarify},
		})
	}
	return checks
}

// dynamicChecks derive from stage verdicts rather than the rule table.
func dynamicChecks(ctx Context) []model.RegCheck {
	var out []model.RegCheck

	if ctx.Quality.Level == model.LevelRed {
		out = append(out, model.RegCheck{
			RuleID: RuleDQIRed, Status: model.RegCheckClarify,
			Message: "Data quality is red; confirm sources or provide stronger BE/PK evidence.",
			Clarify: []string{"Confirm sources or provide stronger BE/PK evidence."},
		})
	}

	switch ctx.CV.Elected.Provenance {
	case model.ProvDerivedFromCI:
		out = append(out, model.RegCheck{
			RuleID: RuleDerivedAssumption, Status: model.RegCheckClarify,
			Message: "CV derived from a confidence interval; confirm the back-calculation assumptions.",
			Clarify: []string{"Confirm assumptions: 90% CI, 2x2 crossover, log-scale analysis, correctness of n and CI."},
		})
	case model.ProvRange:
		out = append(out, model.RegCheck{
			RuleID: RuleRangeUncertain, Status: model.RegCheckClarify,
			Message: "CV estimated from a rule-based range; risk-qualified sizing applies.",
			Clarify: []string{"Provide a measured CVintra if possible; the risk-based N stands in until then."},
		})
	}

	if !ctx.CV.ConfirmedByHuman {
		out = append(out, model.RegCheck{
			RuleID: RuleConfirmCV, Status: model.RegCheckClarify,
			Message: "CV not confirmed; deterministic sample size calculation stays disabled.",
			Clarify: []string{"Confirm the CV to enable the deterministic sample size."},
		})
	}

	return out
}

func (c *Checker) findCheck(id string) *config.RegCheckRule {
	for i := range c.rules.Checks {
		if c.rules.Checks[i].ID == id {
			return &c.rules.Checks[i]
		}
	}
	return nil
}

// meta resolves question category/priority for a rule ID: explicit
// question_meta entries win, then the missing-input and required-PK rules'
// own metadata, then the general/medium default.
func (c *Checker) meta(ruleID string) (string, string) {
	if m, ok := c.rules.QuestionMeta[ruleID]; ok {
		return orDefault(m.Category, "general"), orDefault(m.Priority, "medium")
	}
	for _, rule := range c.rules.OpenQuestions {
		if rule.ID == ruleID {
			return orDefault(rule.Category, "general"), orDefault(rule.Priority, "medium")
		}
	}
	if c.rules.RequiredPK.ID == ruleID {
		return orDefault(c.rules.RequiredPK.Category, "general"), orDefault(c.rules.RequiredPK.Priority, "medium")
	}
	return "general", "medium"
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func usableTHalf(ms []model.Measurement) *float64 {
	for _, m := range ms {
		if m.Parameter == model.ParamTHalf && m.Usable() {
			return m.Value
		}
	}
	return nil
}

// dedupe collapses findings sharing rule ID, status and message.
func dedupe(checks []model.RegCheck) []model.RegCheck {
	seen := make(map[string]bool)
	var out []model.RegCheck
	for _, c := range checks {
		key := c.RuleID + "|" + string(c.Status) + "|" + c.Message
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}
