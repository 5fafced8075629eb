package call

import (
	"encoding/json"
	"time"
)

// Session represents one video-call attempt between two users.
//
// The session_id is generated by the initiating client so that retries of
// initiate_call are idempotent. Participants are immutable after creation;
// only Status (and UpdatedAt) ever changes, and only through Relay operations.

type Session struct {
	SessionID string `json:"session_id" db:"session_id"`
	CallerID  string `json:"caller_id" db:"caller_id"`
	CalleeID  string `json:"callee_id" db:"callee_id"`

	Status Status `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasParticipant reports whether userID is one of the two call parties.
func (s Session) HasParticipant(userID string) bool {
	return userID != "" && (userID == s.CallerID || userID == s.CalleeID)
}

// Counterpart returns the other participant's id.
func (s Session) Counterpart(userID string) (string, bool) {
	switch userID {
	case s.CallerID:
		return s.CalleeID, true
	case s.CalleeID:
		return s.CallerID, true
	default:
		return "", false
	}
}

// DirectionTo returns the mailbox direction that delivers to recipientID.
func (s Session) DirectionTo(recipientID string) (Direction, bool) {
	switch recipientID {
	case s.CallerID:
		return DirectionToCaller, true
	case s.CalleeID:
		return DirectionToCallee, true
	default:
		return "", false
	}
}

type Status string

const (
	StatusCalling  Status = "calling"
	StatusActive   Status = "active"
	StatusRejected Status = "rejected"
	StatusEnded    Status = "ended"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusEnded
}

// CanTransitionTo encodes the status DAG:
// calling -> {active, rejected, ended}; active -> ended.
// (calling -> ended covers hangup-before-answer and the stale sweep.)
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusCalling:
		return next == StatusActive || next == StatusRejected || next == StatusEnded
	case StatusActive:
		return next == StatusEnded
	default:
		return false
	}
}

// Direction addresses a mailbox lane. Each session has exactly two.
type Direction string

const (
	DirectionToCaller Direction = "to_caller"
	DirectionToCallee Direction = "to_callee"
)

type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice_candidate"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	default:
		return false
	}
}

// Signal is the tagged variant exchanged between peers. The payload is opaque
// to the relay (SDP blobs, ICE candidate dictionaries); only the kind matters
// for mailbox invariants.
type Signal struct {
	Kind    SignalKind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Envelope is one queued signal in a per-session, per-direction mailbox lane.
//
// Invariants (enforced by the repository under the session lock):
//   - Sequence is monotonic per (session, direction).
//   - Consumed flips to true atomically with the envelope being returned to a
//     poller, and a consumed envelope is never returned again.
//   - At most one unconsumed offer and one unconsumed answer per direction.
type Envelope struct {
	ID        string          `json:"id" db:"id"`
	SessionID string          `json:"session_id" db:"session_id"`
	Direction Direction       `json:"direction" db:"direction"`
	Kind      SignalKind      `json:"kind" db:"kind"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	Sequence  int64           `json:"sequence" db:"sequence"`
	Consumed  bool            `json:"consumed" db:"consumed"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Signal converts an envelope back to its wire form.
func (e Envelope) Signal() Signal {
	return Signal{Kind: e.Kind, Payload: e.Payload}
}
