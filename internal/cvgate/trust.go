package cvgate

import (
	"strings"

	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/model"
)

// Confidence scale per provenance, before penalties:
//
//	manual CV (user input)          -> 1.0
//	reported CVintra (direct)       -> 0.9
//	derived from CI (assumptions)   -> 0.8
//	LLM-extracted reported CV       -> 0.65
//	range (rule-based estimate)     -> 0.4
const (
	confManual      = 1.0
	confReported    = 0.9
	confDerived     = 0.8
	confLLMReported = 0.65
	confRange       = 0.4
)

// AutoCVThreshold is the minimum confidence score at which an unconfirmed CV
// may still unlock deterministic sizing.
const AutoCVThreshold = 0.85

// penaltyLLMReview is subtracted from derived candidates whose CI fields
// came from LLM extraction and still await human review. Reported values
// carry the lower confLLMReported base instead. A penalty, not a forbid.
const penaltyLLMReview = 0.15

// WarnLLMExtracted marks a value that came out of LLM extraction and has
// not been reviewed by a human yet.
const WarnLLMExtracted = "llm_extracted_requires_human_review"

// doubtfulForbid lists warning codes that zero a candidate's confidence:
// the value must not drive deterministic sizing without human confirmation.
var doubtfulForbid = map[string]bool{
	"ambiguous_condition":       true,
	"multiple_values_in_source": true,
}

const doubtfulPrefix = "conflict_detected"

// Doubtful reports whether the candidate carries a forbidding warning.
func Doubtful(c model.CVCandidate) bool {
	for _, w := range c.Warnings {
		if doubtfulForbid[w] || strings.HasPrefix(w, doubtfulPrefix) {
			return true
		}
	}
	return false
}

// applyPenalties zeroes the confidence of doubtful sources and leaves
// everything else at its base.
func applyPenalties(base float64, warnings []string) float64 {
	for _, w := range warnings {
		if doubtfulForbid[w] || strings.HasPrefix(w, doubtfulPrefix) {
			return 0
		}
	}
	return base
}
