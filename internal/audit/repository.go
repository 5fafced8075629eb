package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo implements Repository on Postgres.
//
// NOTE: assumes an INSERT-only table:
//
//	audit_events (
//	  id TEXT PRIMARY KEY, type TEXT NOT NULL,
//	  actor_user_id TEXT, session_id TEXT,
//	  message TEXT, metadata TEXT,
//	  created_at TIMESTAMPTZ NOT NULL
//	)
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, type, actor_user_id, session_id, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	_, err := r.db.ExecContext(ctx, q, e.ID, e.Type, e.ActorUserID, e.SessionID, e.Message, e.Metadata, e.CreatedAt)
	return err
}
