package model

import "time"

// RunStatus tracks a persisted decision run.
type RunStatus string

const (
	RunQueued   RunStatus = "queued"
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunFailed   RunStatus = "failed"
	RunRejected RunStatus = "rejected"
)

// Run is one recorded decision run: the request context and, once finished,
// the immutable report.
type Run struct {
	ID        string    `json:"id"`
	Drug      string    `json:"drug"`
	Status    RunStatus `json:"status"`
	Report    *Report   `json:"report,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
