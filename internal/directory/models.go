package directory

import "time"

// Doctor is one roster entry in the doctor directory.
type Doctor struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Specialty string    `json:"specialty" db:"specialty"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Connection links a patient to a doctor. Only an active connection
// authorizes calls and other patient-doctor interactions.
type Connection struct {
	ID        string           `json:"id" db:"id"`
	PatientID string           `json:"patient_id" db:"patient_id"`
	DoctorID  string           `json:"doctor_id" db:"doctor_id"`
	Status    ConnectionStatus `json:"status" db:"status"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt time.Time        `json:"updated_at" db:"updated_at"`
}

type ConnectionStatus string

const (
	ConnectionPending ConnectionStatus = "pending"
	ConnectionActive  ConnectionStatus = "active"
)
