// Package audit keeps a trail of the loads and extractions bundlevault
// has performed, successful or not.
package audit

import "time"

// Action describes what was done.
type Action string

const (
	ActionLoad    Action = "load"
	ActionExtract Action = "extract"
	ActionRelease Action = "release"
)

// Outcome is the result of an action.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeError Outcome = "error"
)

// Entry is a single audit trail record.
type Entry struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Action    Action        `json:"action"`
	Version   string        `json:"version,omitempty"`
	Session   string        `json:"session,omitempty"`
	Outcome   Outcome       `json:"outcome"`
	Detail    string        `json:"detail,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}
