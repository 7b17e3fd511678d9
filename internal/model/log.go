package model

import "time"

type LogSource string

const (
	SourceAutomated LogSource = "automated"
	SourceWebhook   LogSource = "webhook"
)

// Outcome is the payload recorded for one moderation event: either the
// match payload or an error payload, never both.
type Outcome struct {
	Matched    bool             `json:"matched"`
	Candidates []MatchCandidate `json:"candidates,omitempty"`
	Action     string           `json:"action,omitempty"`
	Verdict    string           `json:"verdict,omitempty"`
	Notes      string           `json:"notes,omitempty"`
	Error      string           `json:"error,omitempty"`
	ErrorClass string           `json:"errorClass,omitempty"`
}

// ModerationLogEntry is an append-only audit record. Entries are never
// mutated or deleted; one image accumulates one entry per check
// attempt and one per verdict.
type ModerationLogEntry struct {
	ID        int64
	ImageID   string
	Outcome   Outcome
	Source    LogSource
	BatchID   string
	EventKey  string
	CreatedAt time.Time
}
