package model

// RegCheckStatus grades one regulatory conformance check.
type RegCheckStatus string

const (
	RegCheckOK      RegCheckStatus = "OK"
	RegCheckClarify RegCheckStatus = "CLARIFY"
	RegCheckRisk    RegCheckStatus = "RISK"
)

// RegCheck is one regulatory conformance finding. CLARIFY items feed the
// report's open questions; RISK items stand on their own.
type RegCheck struct {
	RuleID  string         `json:"rule_id"`
	Status  RegCheckStatus `json:"status"`
	Message string         `json:"message"`
	Clarify []string       `json:"what_to_clarify,omitempty"`
}
