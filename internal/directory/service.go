package directory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("directory: not found")
	ErrInvalidArgument = errors.New("directory: invalid argument")
	ErrAlreadyExists   = errors.New("directory: connection already exists")
)

// Repository is the persistence contract for the doctor roster and
// patient-doctor connection records.
type Repository interface {
	ListDoctors(ctx context.Context) ([]Doctor, error)
	GetDoctor(ctx context.Context, id string) (Doctor, error)
	UpsertDoctor(ctx context.Context, d Doctor) error

	CreateConnection(ctx context.Context, c Connection) error
	FindConnection(ctx context.Context, patientID, doctorID string) (Connection, error)
	UpdateConnectionStatus(ctx context.Context, id string, status ConnectionStatus, now time.Time) (Connection, error)
}

// Service exposes the roster and the authorization fact the signaling relay
// consumes: whether two users hold an active connection.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

func (s *Service) ListDoctors(ctx context.Context) ([]Doctor, error) {
	return s.repo.ListDoctors(ctx)
}

func (s *Service) GetDoctor(ctx context.Context, id string) (Doctor, error) {
	if id == "" {
		return Doctor{}, ErrInvalidArgument
	}
	return s.repo.GetDoctor(ctx, id)
}

// RequestConnection creates a pending connection from patient to doctor.
func (s *Service) RequestConnection(ctx context.Context, patientID, doctorID string) (Connection, error) {
	if patientID == "" || doctorID == "" || patientID == doctorID {
		return Connection{}, ErrInvalidArgument
	}
	if _, err := s.repo.GetDoctor(ctx, doctorID); err != nil {
		return Connection{}, err
	}
	if _, err := s.repo.FindConnection(ctx, patientID, doctorID); err == nil {
		return Connection{}, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return Connection{}, err
	}

	now := s.clock().UTC()
	c := Connection{
		ID:        uuid.NewString(),
		PatientID: patientID,
		DoctorID:  doctorID,
		Status:    ConnectionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateConnection(ctx, c); err != nil {
		return Connection{}, err
	}
	return c, nil
}

// AcceptConnection activates a pending connection. Only the doctor named on
// the record may accept it.
func (s *Service) AcceptConnection(ctx context.Context, patientID, doctorID string) (Connection, error) {
	c, err := s.repo.FindConnection(ctx, patientID, doctorID)
	if err != nil {
		return Connection{}, err
	}
	if c.Status == ConnectionActive {
		return c, nil
	}
	return s.repo.UpdateConnectionStatus(ctx, c.ID, ConnectionActive, s.clock().UTC())
}

// Connected implements call.ConnectionChecker. The pair is unordered; either
// party may initiate the call.
func (s *Service) Connected(ctx context.Context, userA, userB string) (bool, error) {
	if userA == "" || userB == "" {
		return false, nil
	}
	for _, pair := range [][2]string{{userA, userB}, {userB, userA}} {
		c, err := s.repo.FindConnection(ctx, pair[0], pair[1])
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return false, err
		}
		if c.Status == ConnectionActive {
			return true, nil
		}
	}
	return false, nil
}
