package models

import (
	"time"
)

// Job lifecycle states. Transitions are one-directional:
// queued -> processing -> completed | failed.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Job is the registry record for a single generation request.
type Job struct {
	ID         string           `json:"id"`
	Params     GenerationParams `json:"params"`
	Status     string           `json:"status"`
	SubmitTime time.Time        `json:"submit_time"`
	StartTime  *time.Time       `json:"start_time,omitempty"`
	FinishTime *time.Time       `json:"finish_time,omitempty"`
	ResultRef  string           `json:"result_ref,omitempty"`
	Error      string           `json:"error,omitempty"`
}
