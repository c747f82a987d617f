// Package design elects a study design from the ordered first-match rule
// table, then reconciles the outcome with user preference and RSABE
// requests. Safety-driven rules (NTI, high variability) outrank preference;
// everything else yields to it.
package design

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/config"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/model"
)

// WarnDesignConflict marks a user preference overruled by a binding rule.
const WarnDesignConflict = "design_conflict"

// Rule IDs for decisions not driven by the table.
const (
	ruleUserPreference = "USER_PREFERENCE"
	ruleRSABERequest   = "RSABE_REQUEST"
	ruleFallback       = "FALLBACK"
)

// Facts are the resolved inputs the predicates consume. Pointers are nil
// when the fact is unknown; an unknown fact never matches.
type Facts struct {
	NTI           bool
	CV            *float64 // elected CVintra, percent
	THalfHours    *float64
	CarryoverRisk bool
}

// Engine evaluates the design rule table.
type Engine struct {
	rules config.DesignRules
}

// New builds an engine from the loaded rule table.
func New(rules config.DesignRules) *Engine {
	return &Engine{rules: rules}
}

// Decide walks the ordered rules and returns the first match, falling back
// to the configured baseline. A user-preferred design replaces the outcome
// unless the matched rule is safety-binding, in which case the rule wins
// and a design_conflict warning is attached. An RSABE request forces a
// four-period full replicate regardless of the table.
func (e *Engine) Decide(req *model.PlanRequest, facts Facts) model.DesignDecision {
	dec := e.tableDecision(facts)

	binding := dec.RuleID != ruleFallback && bindingRule(e.ruleByID(dec.RuleID))

	if req.PreferredDesign != "" && req.PreferredDesign != dec.Design {
		if binding {
			dec.Warnings = append(dec.Warnings, WarnDesignConflict)
			dec.Reasoning = fmt.Sprintf("%s; user preference %q overruled by rule %s",
				dec.Reasoning, req.PreferredDesign, dec.RuleID)
		} else {
			dec = model.DesignDecision{
				Design:    req.PreferredDesign,
				RuleID:    ruleUserPreference,
				Reasoning: fmt.Sprintf("user-preferred design %q accepted over %q", req.PreferredDesign, dec.Design),
			}
		}
	}

	if req.RSABERequested && dec.Design != model.DesignReplicate4 {
		warnings := dec.Warnings
		if facts.CV != nil && *facts.CV < 30 {
			warnings = append(warnings, WarnDesignConflict)
		}
		dec = model.DesignDecision{
			Design:    model.DesignReplicate4,
			RuleID:    ruleRSABERequest,
			Reasoning: "reference-scaled average bioequivalence requested; full replicate required",
			Warnings:  warnings,
		}
	}

	zap.L().Debug("design decision",
		zap.String("design", string(dec.Design)),
		zap.String("rule", dec.RuleID),
	)
	return dec
}

func (e *Engine) tableDecision(facts Facts) model.DesignDecision {
	for _, r := range e.rules.Rules {
		if matches(r, facts) {
			return model.DesignDecision{
				Design:    model.Design(r.Design),
				RuleID:    r.ID,
				Reasoning: r.Message,
			}
		}
	}
	return model.DesignDecision{
		Design:    model.Design(e.rules.FallbackDesign),
		RuleID:    ruleFallback,
		Reasoning: e.rules.FallbackMessage,
	}
}

func (e *Engine) ruleByID(id string) *config.DesignRule {
	for i := range e.rules.Rules {
		if e.rules.Rules[i].ID == id {
			return &e.rules.Rules[i]
		}
	}
	return nil
}

func matches(r config.DesignRule, f Facts) bool {
	switch r.When {
	case "nti":
		return f.NTI
	case "cv_at_least":
		return f.CV != nil && *f.CV >= r.CV
	case "t_half_at_least":
		return f.THalfHours != nil && *f.THalfHours >= r.Hours
	case "carryover":
		return f.CarryoverRisk
	default:
		return false
	}
}

// bindingRule reports whether a matched rule overrides user preference.
// NTI and high-variability rules are safety decisions; half-life and
// carryover rules are logistics the sponsor may judge differently.
func bindingRule(r *config.DesignRule) bool {
	if r == nil {
		return false
	}
	return r.When == "nti" || r.When == "cv_at_least"
}
