package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to patients or
//   doctors by default.
// - Callers should treat audit logging as best-effort.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// CallEvent implements call.AuditLog: one lifecycle record per relay
// transition (initiated, accepted, rejected, ended, swept). Failures are
// logged and swallowed so audit never fails a call operation.
func (s *Service) CallEvent(ctx context.Context, sessionID, actorID, event string) {
	err := s.Append(ctx, Event{
		Type:        EventTypeCallLifecycle,
		SessionID:   sessionID,
		ActorUserID: actorID,
		Message:     event,
	})
	if err != nil {
		slog.Warn("audit append failed", "session_id", sessionID, "event", event, "err", err)
	}
}
