package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-memory Repository used by tests and early development.
// A single mutex stands in for the per-session row lock: mutations on the
// same session never interleave partially.
type MemoryRepo struct {
	mu       sync.Mutex
	sessions map[string]Session
	mailbox  map[string][]Envelope // keyed by sessionID + "/" + direction
	clock    func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		sessions: make(map[string]Session),
		mailbox:  make(map[string][]Envelope),
		clock:    time.Now,
	}
}

// SetClock makes sweep timing deterministic in tests.
func (r *MemoryRepo) SetClock(clock func() time.Time) { r.clock = clock }

func laneKey(sessionID string, dir Direction) string {
	return sessionID + "/" + string(dir)
}

func (r *MemoryRepo) CreateSession(ctx context.Context, s Session) (Session, bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[s.SessionID]; ok {
		return existing, false, nil
	}
	r.sessions[s.SessionID] = s
	return s, true, nil
}

func (r *MemoryRepo) GetSession(ctx context.Context, sessionID string) (Session, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepo) Transition(ctx context.Context, sessionID string, to Status) (Session, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	if !s.Status.CanTransitionTo(to) {
		return Session{}, ErrInvalidTransition
	}
	s.Status = to
	s.UpdatedAt = r.clock().UTC()
	r.sessions[sessionID] = s
	return s, nil
}

func (r *MemoryRepo) EndSession(ctx context.Context, sessionID string) (Session, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	if s.Status.Terminal() {
		return s, nil
	}
	s.Status = StatusEnded
	s.UpdatedAt = r.clock().UTC()
	r.sessions[sessionID] = s
	return s, nil
}

func (r *MemoryRepo) AppendSignal(ctx context.Context, sessionID string, dir Direction, sig Signal) (Envelope, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return Envelope{}, ErrNotFound
	}
	if s.Status.Terminal() {
		return Envelope{}, ErrSessionEnded
	}

	lane := r.mailbox[laneKey(sessionID, dir)]
	if sig.Kind == SignalOffer || sig.Kind == SignalAnswer {
		for _, e := range lane {
			if !e.Consumed && e.Kind == sig.Kind {
				return Envelope{}, ErrBadSignal
			}
		}
	}

	var seq int64
	if n := len(lane); n > 0 {
		seq = lane[n-1].Sequence
	}
	e := Envelope{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Direction: dir,
		Kind:      sig.Kind,
		Payload:   sig.Payload,
		Sequence:  seq + 1,
		CreatedAt: r.clock().UTC(),
	}
	r.mailbox[laneKey(sessionID, dir)] = append(lane, e)
	return e, nil
}

func (r *MemoryRepo) ConsumeSignals(ctx context.Context, sessionID string, dir Direction) (Session, []Envelope, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, nil, ErrNotFound
	}

	key := laneKey(sessionID, dir)
	var out []Envelope
	lane := r.mailbox[key]
	for i := range lane {
		if lane[i].Consumed {
			continue
		}
		lane[i].Consumed = true
		out = append(out, lane[i])
	}
	r.mailbox[key] = lane
	return s, out, nil
}

func (r *MemoryRepo) SweepStale(ctx context.Context, cutoff time.Time) ([]Session, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	var swept []Session
	for id, s := range r.sessions {
		if s.Status != StatusCalling || !s.UpdatedAt.Before(cutoff) {
			continue
		}
		s.Status = StatusEnded
		s.UpdatedAt = r.clock().UTC()
		r.sessions[id] = s
		swept = append(swept, s)
	}
	return swept, nil
}
