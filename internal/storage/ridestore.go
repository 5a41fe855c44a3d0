package storage

import (
	"errors"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrNotFound is returned when a ride id is unknown to the store.
var ErrNotFound = errors.New("ride not found")

// RideStore defines persistence operations for rides. Rides are kept
// after terminal states for history; nothing here deletes.
type RideStore interface {
	SaveRide(r *models.Ride) error
	// UpdateRide writes only the dispatch-owned columns (driver binding,
	// status, timestamps), never the intake fields.
	UpdateRide(r *models.Ride) error
	GetRide(id string) (*models.Ride, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.Ride)}
}

func (m *MemoryStore) SaveRide(r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) UpdateRide(r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return ErrNotFound
	}
	cur.DriverID = r.DriverID
	cur.Status = r.Status
	cur.UpdatedAt = r.UpdatedAt
	cur.AcceptedAt = r.AcceptedAt
	cur.CompletedAt = r.CompletedAt
	m.rides[r.ID] = cur
	return nil
}

func (m *MemoryStore) GetRide(id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := r
	return &out, nil
}
