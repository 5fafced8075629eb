package call

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ConnectionChecker answers whether two users are allowed to call each other.
// Backed by the patient-doctor connection records in internal/directory.
type ConnectionChecker interface {
	Connected(ctx context.Context, userA, userB string) (bool, error)
}

// Slots caps concurrent calls per user (one live call at a time).
// Backed by Redis; see pkg/utils.
type Slots interface {
	Acquire(ctx context.Context, userID string) (bool, error)
	Release(ctx context.Context, userID string) error
}

// AuditLog records call lifecycle events. Best-effort: failures are logged by
// the implementation and never fail the call operation.
type AuditLog interface {
	CallEvent(ctx context.Context, sessionID, actorID, event string)
}

// Config bounds relay behavior. Zero values get safe defaults.
type Config struct {
	// MaxSignalBytes caps a single signal payload.
	MaxSignalBytes int
	// StaleAfter is how long a session may sit in calling before the sweep
	// force-ends it.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxSignalBytes <= 0 {
		out.MaxSignalBytes = 64 * 1024
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = 60 * time.Second
	}
	return out
}

// Service is the signaling relay. All session mutation goes through it; the
// repository provides per-session serialization so two concurrent operations
// on the same session never interleave partially.
type Service struct {
	repo  Repository
	conns ConnectionChecker
	slots Slots    // optional
	audit AuditLog // optional
	cfg   Config
	clock func() time.Time
}

func NewService(repo Repository, conns ConnectionChecker, cfg Config) *Service {
	return &Service{
		repo:  repo,
		conns: conns,
		cfg:   cfg.withDefaults(),
		clock: time.Now,
	}
}

// WithSlots enables the per-user concurrent-call cap.
func (s *Service) WithSlots(slots Slots) *Service {
	s.slots = slots
	return s
}

// WithAudit enables lifecycle event recording.
func (s *Service) WithAudit(a AuditLog) *Service {
	s.audit = a
	return s
}

// PollResult is what a get_call_status returns: current status plus every
// envelope addressed to the requester, each delivered exactly once.
type PollResult struct {
	Session Session
	Signals []Signal
}

// Initiate creates a session in calling, or returns the existing one
// unchanged when the same client retries with the same session_id.
func (s *Service) Initiate(ctx context.Context, callerID, calleeID, sessionID string) (Session, error) {
	if callerID == "" || calleeID == "" || sessionID == "" {
		return Session{}, ErrInvalidArgument
	}
	if callerID == calleeID {
		return Session{}, ErrInvalidArgument
	}

	ok, err := s.conns.Connected(ctx, callerID, calleeID)
	if err != nil {
		return Session{}, fmt.Errorf("connection check: %w", err)
	}
	if !ok {
		return Session{}, ErrUnauthorized
	}

	now := s.clock().UTC()
	sess, created, err := s.repo.CreateSession(ctx, Session{
		SessionID: sessionID,
		CallerID:  callerID,
		CalleeID:  calleeID,
		Status:    StatusCalling,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Session{}, err
	}
	if !created {
		// Idempotent retry only when the same pair asks for the same id.
		if sess.CallerID != callerID || sess.CalleeID != calleeID {
			return Session{}, ErrUnauthorized
		}
		return sess, nil
	}

	if s.slots != nil {
		acquired, err := s.slots.Acquire(ctx, callerID)
		if err != nil {
			return Session{}, fmt.Errorf("call slot: %w", err)
		}
		if !acquired {
			// The session was just created; do not leave it orphaned.
			if _, endErr := s.repo.EndSession(ctx, sessionID); endErr != nil {
				return Session{}, endErr
			}
			return Session{}, ErrBusy
		}
	}

	s.record(ctx, sessionID, callerID, "call_initiated")
	return sess, nil
}

// Accept moves calling -> active. Under glare with Reject, only the first to
// acquire the session lock wins; the loser observes ErrInvalidTransition
// against the settled status.
func (s *Service) Accept(ctx context.Context, sessionID, calleeID string) (Session, error) {
	sess, err := s.participantSession(ctx, sessionID, calleeID)
	if err != nil {
		return Session{}, err
	}
	if sess.CalleeID != calleeID {
		return Session{}, ErrUnauthorized
	}
	out, err := s.repo.Transition(ctx, sessionID, StatusActive)
	if err != nil {
		return Session{}, err
	}
	s.record(ctx, sessionID, calleeID, "call_accepted")
	return out, nil
}

// Reject moves calling -> rejected.
func (s *Service) Reject(ctx context.Context, sessionID, calleeID string) (Session, error) {
	sess, err := s.participantSession(ctx, sessionID, calleeID)
	if err != nil {
		return Session{}, err
	}
	if sess.CalleeID != calleeID {
		return Session{}, ErrUnauthorized
	}
	out, err := s.repo.Transition(ctx, sessionID, StatusRejected)
	if err != nil {
		return Session{}, err
	}
	s.releaseSlot(ctx, out.CallerID)
	s.record(ctx, sessionID, calleeID, "call_rejected")
	return out, nil
}

// SendSignal appends a signal addressed to the other participant.
func (s *Service) SendSignal(ctx context.Context, sessionID, senderID string, sig Signal) (Envelope, error) {
	if !sig.Kind.Valid() {
		return Envelope{}, ErrBadSignal
	}
	if len(sig.Payload) == 0 || !json.Valid(sig.Payload) {
		return Envelope{}, ErrBadSignal
	}
	if len(sig.Payload) > s.cfg.MaxSignalBytes {
		return Envelope{}, ErrBadSignal
	}

	sess, err := s.participantSession(ctx, sessionID, senderID)
	if err != nil {
		return Envelope{}, err
	}
	recipient, _ := sess.Counterpart(senderID)
	dir, _ := sess.DirectionTo(recipient)

	return s.repo.AppendSignal(ctx, sessionID, dir, sig)
}

// Poll implements get_call_status: current status plus every undelivered
// envelope addressed to the requester, marked consumed atomically with the
// read. Read-and-clear, never read-without-clear.
func (s *Service) Poll(ctx context.Context, sessionID, requesterID string) (PollResult, error) {
	sess, err := s.participantSession(ctx, sessionID, requesterID)
	if err != nil {
		return PollResult{}, err
	}
	dir, _ := sess.DirectionTo(requesterID)

	cur, envs, err := s.repo.ConsumeSignals(ctx, sessionID, dir)
	if err != nil {
		return PollResult{}, err
	}
	out := PollResult{Session: cur}
	for _, e := range envs {
		out.Signals = append(out.Signals, e.Signal())
	}
	return out, nil
}

// End is the idempotent teardown: any non-terminal status moves to ended; a
// second End on a terminal session is a no-op returning the settled status.
func (s *Service) End(ctx context.Context, sessionID, requesterID string) (Session, error) {
	sess, err := s.participantSession(ctx, sessionID, requesterID)
	if err != nil {
		return Session{}, err
	}
	wasTerminal := sess.Status.Terminal()

	out, err := s.repo.EndSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if !wasTerminal {
		s.releaseSlot(ctx, out.CallerID)
		s.record(ctx, sessionID, requesterID, "call_ended")
	}
	return out, nil
}

// SweepStale force-ends sessions stuck in calling past the configured
// timeout. Run periodically by Sweeper.
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	cutoff := s.clock().UTC().Add(-s.cfg.StaleAfter)
	swept, err := s.repo.SweepStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, sess := range swept {
		s.releaseSlot(ctx, sess.CallerID)
		s.record(ctx, sess.SessionID, "", "call_swept")
	}
	return len(swept), nil
}

// participantSession loads the session and enforces membership. Participants
// are immutable, so the membership check does not need the session lock.
func (s *Service) participantSession(ctx context.Context, sessionID, userID string) (Session, error) {
	if sessionID == "" || userID == "" {
		return Session{}, ErrInvalidArgument
	}
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if !sess.HasParticipant(userID) {
		return Session{}, ErrUnauthorized
	}
	return sess, nil
}

func (s *Service) releaseSlot(ctx context.Context, callerID string) {
	if s.slots == nil || callerID == "" {
		return
	}
	_ = s.slots.Release(ctx, callerID)
}

func (s *Service) record(ctx context.Context, sessionID, actorID, event string) {
	if s.audit == nil {
		return
	}
	s.audit.CallEvent(ctx, sessionID, actorID, event)
}
