package model

import "time"

type ModerationState string

const (
	StatePending   ModerationState = "pending"
	StateClear     ModerationState = "clear"
	StateMatched   ModerationState = "matched"
	StateEscalated ModerationState = "escalated"
	StateResolved  ModerationState = "resolved"
)

// MatchCandidate is a single bank hit returned by the matching service.
// Distance is normalized to [0,1]; similarity is 1-Distance.
type MatchCandidate struct {
	BankName   string            `json:"bankName"`
	SignalHash string            `json:"signalHash"`
	Distance   float64           `json:"distance"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (c MatchCandidate) Similarity() float64 {
	return 1 - c.Distance
}

// MatchInfo is the structured result of the check that promoted a
// record to matched. Present only once state >= matched.
type MatchInfo struct {
	Threshold  float64          `json:"threshold"`
	Candidates []MatchCandidate `json:"candidates"`
}

type ImageRecord struct {
	ID            string
	OwnerID       string
	BlobRef       string
	State         ModerationState
	MatchInfo     *MatchInfo
	EscalationRef *string
	CheckedAt     *time.Time
	ResolvedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Checked reports the legacy boolean view of the state enum: a record
// counts as checked once a check completed or exhausted its retries.
func (r ImageRecord) Checked() bool {
	return r.State != StatePending
}

func (r ImageRecord) Matched() bool {
	return r.State == StateMatched || r.State == StateEscalated || r.State == StateResolved
}
