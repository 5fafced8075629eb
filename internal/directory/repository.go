package directory

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresRepo implements Repository on Postgres.
//
// NOTE: assumes the following tables exist:
//
//	doctors (
//	  id TEXT PRIMARY KEY, name TEXT NOT NULL, specialty TEXT NOT NULL,
//	  created_at TIMESTAMPTZ NOT NULL, updated_at TIMESTAMPTZ NOT NULL
//	)
//	patient_doctor_connections (
//	  id TEXT PRIMARY KEY,
//	  patient_id TEXT NOT NULL,
//	  doctor_id  TEXT NOT NULL,
//	  status     TEXT NOT NULL,
//	  created_at TIMESTAMPTZ NOT NULL,
//	  updated_at TIMESTAMPTZ NOT NULL,
//	  UNIQUE (patient_id, doctor_id)
//	)
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) ListDoctors(ctx context.Context) ([]Doctor, error) {
	const q = `
SELECT id, name, specialty, created_at, updated_at
FROM doctors
ORDER BY name
`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Doctor
	for rows.Next() {
		var d Doctor
		if err := rows.Scan(&d.ID, &d.Name, &d.Specialty, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) GetDoctor(ctx context.Context, id string) (Doctor, error) {
	const q = `
SELECT id, name, specialty, created_at, updated_at
FROM doctors
WHERE id = $1
`
	var d Doctor
	if err := r.db.QueryRowContext(ctx, q, id).Scan(&d.ID, &d.Name, &d.Specialty, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Doctor{}, ErrNotFound
		}
		return Doctor{}, err
	}
	return d, nil
}

func (r *PostgresRepo) UpsertDoctor(ctx context.Context, d Doctor) error {
	const q = `
INSERT INTO doctors (id, name, specialty, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET name = $2, specialty = $3, updated_at = $5
`
	_, err := r.db.ExecContext(ctx, q, d.ID, d.Name, d.Specialty, d.CreatedAt, d.UpdatedAt)
	return err
}

func (r *PostgresRepo) CreateConnection(ctx context.Context, c Connection) error {
	const q = `
INSERT INTO patient_doctor_connections (id, patient_id, doctor_id, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (patient_id, doctor_id) DO NOTHING
`
	res, err := r.db.ExecContext(ctx, q, c.ID, c.PatientID, c.DoctorID, c.Status, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (r *PostgresRepo) FindConnection(ctx context.Context, patientID, doctorID string) (Connection, error) {
	const q = `
SELECT id, patient_id, doctor_id, status, created_at, updated_at
FROM patient_doctor_connections
WHERE patient_id = $1 AND doctor_id = $2
`
	var c Connection
	if err := r.db.QueryRowContext(ctx, q, patientID, doctorID).Scan(
		&c.ID, &c.PatientID, &c.DoctorID, &c.Status, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Connection{}, ErrNotFound
		}
		return Connection{}, err
	}
	return c, nil
}

func (r *PostgresRepo) UpdateConnectionStatus(ctx context.Context, id string, status ConnectionStatus, now time.Time) (Connection, error) {
	const q = `
UPDATE patient_doctor_connections
SET status = $1, updated_at = $2
WHERE id = $3
RETURNING id, patient_id, doctor_id, status, created_at, updated_at
`
	var c Connection
	if err := r.db.QueryRowContext(ctx, q, status, now, id).Scan(
		&c.ID, &c.PatientID, &c.DoctorID, &c.Status, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Connection{}, ErrNotFound
		}
		return Connection{}, err
	}
	return c, nil
}
