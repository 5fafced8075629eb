package directory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository for tests and early development.
type MemoryRepo struct {
	mu          sync.Mutex
	doctors     map[string]Doctor
	connections map[string]Connection // keyed by patientID + "/" + doctorID
	byID        map[string]string
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		doctors:     make(map[string]Doctor),
		connections: make(map[string]Connection),
		byID:        make(map[string]string),
	}
}

func pairKey(patientID, doctorID string) string { return patientID + "/" + doctorID }

func (r *MemoryRepo) ListDoctors(ctx context.Context) ([]Doctor, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Doctor, 0, len(r.doctors))
	for _, d := range r.doctors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *MemoryRepo) GetDoctor(ctx context.Context, id string) (Doctor, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.doctors[id]
	if !ok {
		return Doctor{}, ErrNotFound
	}
	return d, nil
}

func (r *MemoryRepo) UpsertDoctor(ctx context.Context, d Doctor) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doctors[d.ID] = d
	return nil
}

func (r *MemoryRepo) CreateConnection(ctx context.Context, c Connection) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey(c.PatientID, c.DoctorID)
	if _, ok := r.connections[key]; ok {
		return ErrAlreadyExists
	}
	r.connections[key] = c
	r.byID[c.ID] = key
	return nil
}

func (r *MemoryRepo) FindConnection(ctx context.Context, patientID, doctorID string) (Connection, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.connections[pairKey(patientID, doctorID)]
	if !ok {
		return Connection{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) UpdateConnectionStatus(ctx context.Context, id string, status ConnectionStatus, now time.Time) (Connection, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.byID[id]
	if !ok {
		return Connection{}, ErrNotFound
	}
	c := r.connections[key]
	c.Status = status
	c.UpdatedAt = now
	r.connections[key] = c
	return c, nil
}
