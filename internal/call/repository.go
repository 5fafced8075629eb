package call

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"healthtrack-platform/pkg/utils"

	"github.com/google/uuid"
)

// Repository is the persistence contract for sessions and their mailboxes.
//
// Every method is a single atomic unit of work. Mutations on the same session
// never interleave partially: the Postgres implementation serializes them on
// the session row (SELECT ... FOR UPDATE); the memory implementation uses a
// mutex.
type Repository interface {
	// CreateSession inserts s if absent. If a session with the same id
	// already exists, the stored row is returned with created=false and s is
	// ignored.
	CreateSession(ctx context.Context, s Session) (Session, bool, error)

	GetSession(ctx context.Context, sessionID string) (Session, error)

	// Transition moves the session to the given status, enforcing the status
	// DAG. Returns ErrInvalidTransition if the current status does not allow
	// the move.
	Transition(ctx context.Context, sessionID string, to Status) (Session, error)

	// EndSession is the idempotent teardown: non-terminal sessions move to
	// ended; terminal sessions are returned unchanged with no error.
	EndSession(ctx context.Context, sessionID string) (Session, error)

	// AppendSignal enqueues sig on the given direction with the next
	// sequence number. Fails with ErrSessionEnded on terminal sessions and
	// with ErrBadSignal when an unconsumed offer/answer of the same kind is
	// already pending on that direction.
	AppendSignal(ctx context.Context, sessionID string, dir Direction, sig Signal) (Envelope, error)

	// ConsumeSignals returns the session plus all unconsumed envelopes on the
	// given direction in sequence order, marking them consumed atomically
	// with the read. A consumed envelope is never returned again.
	ConsumeSignals(ctx context.Context, sessionID string, dir Direction) (Session, []Envelope, error)

	// SweepStale force-ends sessions still in calling whose last transition
	// is older than cutoff, returning the swept sessions.
	SweepStale(ctx context.Context, cutoff time.Time) ([]Session, error)
}

// PostgresRepo implements Repository on Postgres.
//
// NOTE: assumes the following tables exist:
//
//	call_sessions (
//	  session_id TEXT PRIMARY KEY,
//	  caller_id  TEXT NOT NULL,
//	  callee_id  TEXT NOT NULL,
//	  status     TEXT NOT NULL,
//	  created_at TIMESTAMPTZ NOT NULL,
//	  updated_at TIMESTAMPTZ NOT NULL
//	)
//	call_signals (
//	  id         TEXT PRIMARY KEY,
//	  session_id TEXT NOT NULL REFERENCES call_sessions(session_id),
//	  direction  TEXT NOT NULL,
//	  kind       TEXT NOT NULL,
//	  payload    JSONB NOT NULL,
//	  sequence   BIGINT NOT NULL,
//	  consumed   BOOLEAN NOT NULL DEFAULT FALSE,
//	  created_at TIMESTAMPTZ NOT NULL,
//	  UNIQUE (session_id, direction, sequence)
//	)
type PostgresRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

func (r *PostgresRepo) CreateSession(ctx context.Context, s Session) (Session, bool, error) {
	var out Session
	var created bool
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const ins = `
INSERT INTO call_sessions (session_id, caller_id, callee_id, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (session_id) DO NOTHING
`
		res, err := tx.ExecContext(ctx, ins, s.SessionID, s.CallerID, s.CalleeID, s.Status, s.CreatedAt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1

		row, err := getSessionTx(ctx, tx, s.SessionID, false)
		if err != nil {
			return err
		}
		out = row
		return nil
	})
	return out, created, err
}

func (r *PostgresRepo) GetSession(ctx context.Context, sessionID string) (Session, error) {
	const q = `
SELECT session_id, caller_id, callee_id, status, created_at, updated_at
FROM call_sessions
WHERE session_id = $1
`
	var s Session
	if err := r.db.QueryRowContext(ctx, q, sessionID).Scan(
		&s.SessionID, &s.CallerID, &s.CalleeID, &s.Status, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	return s, nil
}

func (r *PostgresRepo) Transition(ctx context.Context, sessionID string, to Status) (Session, error) {
	var out Session
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		s, err := getSessionTx(ctx, tx, sessionID, true)
		if err != nil {
			return err
		}
		if !s.Status.CanTransitionTo(to) {
			return ErrInvalidTransition
		}
		s.Status = to
		s.UpdatedAt = r.clock().UTC()
		if err := updateStatusTx(ctx, tx, s); err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}

func (r *PostgresRepo) EndSession(ctx context.Context, sessionID string) (Session, error) {
	var out Session
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		s, err := getSessionTx(ctx, tx, sessionID, true)
		if err != nil {
			return err
		}
		if s.Status.Terminal() {
			out = s
			return nil
		}
		s.Status = StatusEnded
		s.UpdatedAt = r.clock().UTC()
		if err := updateStatusTx(ctx, tx, s); err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}

func (r *PostgresRepo) AppendSignal(ctx context.Context, sessionID string, dir Direction, sig Signal) (Envelope, error) {
	var out Envelope
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// Session row lock serializes appends and consumes per session, so
		// the MAX(sequence) read below cannot race another append.
		s, err := getSessionTx(ctx, tx, sessionID, true)
		if err != nil {
			return err
		}
		if s.Status.Terminal() {
			return ErrSessionEnded
		}

		if sig.Kind == SignalOffer || sig.Kind == SignalAnswer {
			const pending = `
SELECT EXISTS (
  SELECT 1 FROM call_signals
  WHERE session_id = $1 AND direction = $2 AND kind = $3 AND NOT consumed
)
`
			var exists bool
			if err := tx.QueryRowContext(ctx, pending, sessionID, dir, sig.Kind).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return ErrBadSignal
			}
		}

		const nextSeq = `
SELECT COALESCE(MAX(sequence), 0) + 1
FROM call_signals
WHERE session_id = $1 AND direction = $2
`
		var seq int64
		if err := tx.QueryRowContext(ctx, nextSeq, sessionID, dir).Scan(&seq); err != nil {
			return err
		}

		e := Envelope{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Direction: dir,
			Kind:      sig.Kind,
			Payload:   sig.Payload,
			Sequence:  seq,
			CreatedAt: r.clock().UTC(),
		}
		const ins = `
INSERT INTO call_signals (id, session_id, direction, kind, payload, sequence, consumed, created_at)
VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
`
		if _, err := tx.ExecContext(ctx, ins, e.ID, e.SessionID, e.Direction, e.Kind, []byte(e.Payload), e.Sequence, e.CreatedAt); err != nil {
			return err
		}
		out = e
		return nil
	})
	return out, err
}

func (r *PostgresRepo) ConsumeSignals(ctx context.Context, sessionID string, dir Direction) (Session, []Envelope, error) {
	var outSess Session
	var outEnvs []Envelope
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		s, err := getSessionTx(ctx, tx, sessionID, true)
		if err != nil {
			return err
		}
		outSess = s

		const sel = `
SELECT id, session_id, direction, kind, payload, sequence, consumed, created_at
FROM call_signals
WHERE session_id = $1 AND direction = $2 AND NOT consumed
ORDER BY sequence
`
		rows, err := tx.QueryContext(ctx, sel, sessionID, dir)
		if err != nil {
			return err
		}
		defer rows.Close()

		var ids []string
		for rows.Next() {
			var e Envelope
			var payload []byte
			if err := rows.Scan(&e.ID, &e.SessionID, &e.Direction, &e.Kind, &payload, &e.Sequence, &e.Consumed, &e.CreatedAt); err != nil {
				return err
			}
			e.Payload = json.RawMessage(payload)
			e.Consumed = true
			outEnvs = append(outEnvs, e)
			ids = append(ids, e.ID)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		const mark = `UPDATE call_signals SET consumed = TRUE WHERE id = ANY($1)`
		if _, err := tx.ExecContext(ctx, mark, ids); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return Session{}, nil, err
	}
	return outSess, outEnvs, nil
}

func (r *PostgresRepo) SweepStale(ctx context.Context, cutoff time.Time) ([]Session, error) {
	var out []Session
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const q = `
UPDATE call_sessions
SET status = $1, updated_at = $2
WHERE status = $3 AND updated_at < $4
RETURNING session_id, caller_id, callee_id, status, created_at, updated_at
`
		rows, err := tx.QueryContext(ctx, q, StatusEnded, r.clock().UTC(), StatusCalling, cutoff)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s Session
			if err := rows.Scan(&s.SessionID, &s.CallerID, &s.CalleeID, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	return out, err
}

func getSessionTx(ctx context.Context, tx *sql.Tx, sessionID string, forUpdate bool) (Session, error) {
	q := `
SELECT session_id, caller_id, callee_id, status, created_at, updated_at
FROM call_sessions
WHERE session_id = $1
`
	if forUpdate {
		q += "FOR UPDATE\n"
	}
	var s Session
	if err := tx.QueryRowContext(ctx, q, sessionID).Scan(
		&s.SessionID, &s.CallerID, &s.CalleeID, &s.Status, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	return s, nil
}

func updateStatusTx(ctx context.Context, tx *sql.Tx, s Session) error {
	const q = `
UPDATE call_sessions
SET status = $1, updated_at = $2
WHERE session_id = $3
`
	_, err := tx.ExecContext(ctx, q, s.Status, s.UpdatedAt, s.SessionID)
	return err
}
