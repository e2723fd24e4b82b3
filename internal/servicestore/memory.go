package servicestore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devhops/devhops-engine/internal/models"
	"github.com/devhops/devhops-engine/internal/utils"
)

// MemoryStore keeps services in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	services map[string]models.Service
	now      func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{services: make(map[string]models.Service), now: time.Now}
}

// Create registers service.
func (s *MemoryStore) Create(ctx context.Context, service models.Service) (models.Service, error) {
	if err := ctx.Err(); err != nil {
		return models.Service{}, err
	}
	prepared, err := Prepare(service, s.now())
	if err != nil {
		return models.Service{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[prepared.ID]; ok {
		return models.Service{}, ErrAlreadyExists
	}
	for _, existing := range s.services {
		if strings.EqualFold(existing.Name, prepared.Name) {
			return models.Service{}, ErrAlreadyExists
		}
	}
	s.services[prepared.ID] = prepared
	return prepared, nil
}

// Get returns one service by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (models.Service, error) {
	if err := ctx.Err(); err != nil {
		return models.Service{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	service, ok := s.services[id]
	if !ok {
		return models.Service{}, ErrNotFound
	}
	return service, nil
}

// List returns every service ordered by registration time, then id.
func (s *MemoryStore) List(ctx context.Context) ([]models.Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]models.Service, 0, len(s.services))
	for _, service := range s.services {
		out = append(out, service)
	}
	s.mu.RUnlock()
	sortServices(out)
	return out, nil
}

// Touch records a successful evaluation of id.
func (s *MemoryStore) Touch(ctx context.Context, id string, lastChecked time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	service, ok := s.services[id]
	if !ok {
		return ErrNotFound
	}
	service.LastChecked = utils.NormalizeTimestamp(lastChecked)
	s.services[id] = service
	return nil
}

// Delete removes id.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[id]; !ok {
		return ErrNotFound
	}
	delete(s.services, id)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func sortServices(services []models.Service) {
	sort.Slice(services, func(i, j int) bool {
		if !services[i].RegisteredAt.Equal(services[j].RegisteredAt) {
			return services[i].RegisteredAt.Before(services[j].RegisteredAt)
		}
		return services[i].ID < services[j].ID
	})
}

var _ Store = (*MemoryStore)(nil)
