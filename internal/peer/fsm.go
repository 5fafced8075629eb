package peer

import (
	"encoding/json"

	"healthtrack-platform/internal/call"
)

// The controller is split into a pure transition function (this file) and an
// outer loop that performs I/O and feeds results in (controller.go). The
// transition function never touches the network, media devices, or clocks,
// which makes every state path unit-testable.

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateCalling      State = "calling"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateEnded        State = "ended"
	StateRejected     State = "rejected"
	StateFailed       State = "failed"
)

func (s State) Terminal() bool {
	return s == StateEnded || s == StateRejected || s == StateFailed
}

// Machine is the controller's local state. Transitions are driven exclusively
// by relay poll results and local events, never by absence of a response --
// except the poll-failure counter and the connect timeout, both bounded.
type Machine struct {
	Role  Role
	State State

	// AwaitingAnswer is set while the caller's offer is out and unanswered.
	// An answer delivered outside this window is ignored, not applied.
	AwaitingAnswer bool
	// OfferApplied guards the callee against duplicate offer delivery.
	OfferApplied bool

	PollFailures    int
	MaxPollFailures int
}

func NewMachine(role Role, maxPollFailures int) Machine {
	if maxPollFailures <= 0 {
		maxPollFailures = 3
	}
	return Machine{Role: role, State: StateIdle, MaxPollFailures: maxPollFailures}
}

// Event is an input to the transition function.
type Event interface{ isEvent() }

type MediaReady struct{}

type MediaFailed struct{ Err error }

// PollSucceeded carries one get_call_status result.
type PollSucceeded struct {
	Status  call.Status
	Signals []call.Signal
}

type PollFailed struct{ Err error }

// LinkConnected fires when the peer connection reaches connected (remote
// media flowing).
type LinkConnected struct{}

// LinkFailed fires on an unrecoverable peer connection error.
type LinkFailed struct{ Err error }

// ConnectTimeout fires when Connecting outlasts its bound.
type ConnectTimeout struct{}

// Hangup is the local user ending the call.
type Hangup struct{}

func (MediaReady) isEvent()     {}
func (MediaFailed) isEvent()    {}
func (PollSucceeded) isEvent()  {}
func (PollFailed) isEvent()     {}
func (LinkConnected) isEvent()  {}
func (LinkFailed) isEvent()     {}
func (ConnectTimeout) isEvent() {}
func (Hangup) isEvent()         {}

// Effect is a required side effect the outer loop must perform.
type Effect interface{ isEffect() }

// SendOffer: create a local offer and relay it (caller only).
type SendOffer struct{}

// ApplyOffer: set the remote offer, create an answer, relay it (callee only).
type ApplyOffer struct{ Payload json.RawMessage }

// ApplyAnswer: set the remote answer on the awaiting caller.
type ApplyAnswer struct{ Payload json.RawMessage }

// ApplyCandidates: add remote ICE candidates; individual failures are logged,
// never fatal.
type ApplyCandidates struct{ Payloads []json.RawMessage }

// EndCall: tell the relay the call is over, so the remote peer's next poll
// reflects termination. Emitted whenever a terminal state is reached locally
// rather than observed from the relay.
type EndCall struct{}

// Release: stop media tracks, close the peer connection, stop polling.
// Emitted exactly once, on entering any terminal state.
type Release struct{}

// Report: surface a user-visible message.
type Report struct{ Message string }

func (SendOffer) isEffect()       {}
func (ApplyOffer) isEffect()      {}
func (ApplyAnswer) isEffect()     {}
func (ApplyCandidates) isEffect() {}
func (EndCall) isEffect()         {}
func (Release) isEffect()         {}
func (Report) isEffect()          {}

// Transition computes the next machine state and required effects for one
// event. It is a pure function.
func Transition(m Machine, ev Event) (Machine, []Effect) {
	if m.State.Terminal() {
		return m, nil
	}

	switch e := ev.(type) {
	case MediaReady:
		if m.State == StateIdle || m.State == StateInitializing {
			m.State = StateCalling
		}
		return m, nil

	case MediaFailed:
		// Camera/mic denied or unavailable: abort setup, and settle the
		// session so the remote side is not left ringing.
		m.State = StateFailed
		return m, []Effect{EndCall{}, Release{}, Report{Message: "camera or microphone unavailable: " + e.Err.Error()}}

	case Hangup:
		m.State = StateEnded
		return m, []Effect{EndCall{}, Release{}}

	case PollFailed:
		m.PollFailures++
		if m.PollFailures >= m.MaxPollFailures {
			m.State = StateFailed
			return m, []Effect{EndCall{}, Release{}, Report{Message: "lost connection to the call service"}}
		}
		// Transient: retried transparently on the next cycle.
		return m, nil

	case PollSucceeded:
		m.PollFailures = 0
		return pollTransition(m, e)

	case LinkConnected:
		if m.State == StateConnecting {
			m.State = StateConnected
		}
		return m, nil

	case LinkFailed:
		m.State = StateFailed
		return m, []Effect{EndCall{}, Release{}, Report{Message: "media connection failed: " + e.Err.Error()}}

	case ConnectTimeout:
		if m.State != StateConnecting {
			return m, nil
		}
		m.State = StateFailed
		return m, []Effect{EndCall{}, Release{}, Report{Message: "could not establish the call in time"}}
	}

	return m, nil
}

func pollTransition(m Machine, e PollSucceeded) (Machine, []Effect) {
	// Remote-observed terminal statuses first: they win over any queued
	// signals.
	switch e.Status {
	case call.StatusRejected:
		m.State = StateRejected
		return m, []Effect{Release{}, Report{Message: "call rejected"}}
	case call.StatusEnded:
		m.State = StateEnded
		return m, []Effect{Release{}}
	}

	var effects []Effect

	if e.Status == call.StatusActive && m.State == StateCalling {
		m.State = StateConnecting
		if m.Role == RoleCaller {
			m.AwaitingAnswer = true
			effects = append(effects, SendOffer{})
		}
	}

	for _, sig := range e.Signals {
		switch sig.Kind {
		case call.SignalOffer:
			if m.Role == RoleCallee && !m.OfferApplied && m.State == StateConnecting {
				m.OfferApplied = true
				effects = append(effects, ApplyOffer{Payload: sig.Payload})
			}
		case call.SignalAnswer:
			if m.AwaitingAnswer {
				m.AwaitingAnswer = false
				effects = append(effects, ApplyAnswer{Payload: sig.Payload})
			}
			// Otherwise a duplicate or delayed answer: ignore, do not apply.
		case call.SignalICECandidate:
			effects = appendCandidate(effects, sig.Payload)
		}
	}

	return m, effects
}

// appendCandidate coalesces consecutive candidates into one batch effect,
// preserving delivery order.
func appendCandidate(effects []Effect, payload json.RawMessage) []Effect {
	if n := len(effects); n > 0 {
		if batch, ok := effects[n-1].(ApplyCandidates); ok {
			batch.Payloads = append(batch.Payloads, payload)
			effects[n-1] = batch
			return effects
		}
	}
	return append(effects, ApplyCandidates{Payloads: []json.RawMessage{payload}})
}
