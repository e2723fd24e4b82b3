// Package telemetry holds the bounded per-service sample windows the engine evaluates.
package telemetry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devhops/devhops-engine/internal/models"
)

// ErrOutOfOrder is returned when a sample is older than the newest sample held for its service.
var ErrOutOfOrder = errors.New("telemetry sample out of order")

// ErrNonFinite is returned when a sample carries NaN or an infinite metric.
var ErrNonFinite = errors.New("telemetry sample not finite")

// Options bound every per-service window. A zero MaxAge disables age-based eviction.
type Options struct {
	MaxSamples int
	MaxAge     time.Duration
}

// Store is a thread-safe, bounded, time-ordered sample window keyed by service id.
type Store struct {
	opts Options

	mu     sync.RWMutex
	series map[string][]models.TelemetrySample
}

// NewStore creates a Store. MaxSamples must be positive.
func NewStore(opts Options) (*Store, error) {
	if opts.MaxSamples <= 0 {
		return nil, fmt.Errorf("telemetry store: max samples must be positive, got %d", opts.MaxSamples)
	}
	if opts.MaxAge < 0 {
		return nil, fmt.Errorf("telemetry store: max age must not be negative, got %s", opts.MaxAge)
	}
	return &Store{
		opts:   opts,
		series: make(map[string][]models.TelemetrySample),
	}, nil
}

// Append records sample for serviceID. Samples must arrive with non-decreasing timestamps;
// the oldest samples are evicted once the window exceeds its bounds.
func (s *Store) Append(serviceID string, sample models.TelemetrySample) error {
	if serviceID == "" {
		return errors.New("telemetry store: service id is required")
	}
	if err := sample.CheckFinite(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNonFinite, serviceID, err)
	}
	sample.ServiceID = serviceID

	s.mu.Lock()
	defer s.mu.Unlock()

	window := s.series[serviceID]
	if n := len(window); n > 0 && sample.Timestamp.Before(window[n-1].Timestamp) {
		return fmt.Errorf("%w: %s at %s is older than head %s",
			ErrOutOfOrder, serviceID, sample.Timestamp.Format(time.RFC3339), window[n-1].Timestamp.Format(time.RFC3339))
	}
	window = append(window, sample)

	drop := 0
	if len(window) > s.opts.MaxSamples {
		drop = len(window) - s.opts.MaxSamples
	}
	if s.opts.MaxAge > 0 {
		cutoff := sample.Timestamp.Add(-s.opts.MaxAge)
		for drop < len(window)-1 && window[drop].Timestamp.Before(cutoff) {
			drop++
		}
	}
	if drop > 0 {
		trimmed := make([]models.TelemetrySample, len(window)-drop, s.opts.MaxSamples)
		copy(trimmed, window[drop:])
		window = trimmed
	}
	s.series[serviceID] = window
	return nil
}

// Window returns the ordered samples of serviceID whose timestamp falls within r.
// Unknown services yield an empty, non-nil slice.
func (s *Store) Window(serviceID string, r models.TimeRange) []models.TelemetrySample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	window := s.series[serviceID]
	start := sort.Search(len(window), func(i int) bool { return !window[i].Timestamp.Before(r.Start) })
	end := sort.Search(len(window), func(i int) bool { return window[i].Timestamp.After(r.End) })
	if start >= end {
		return []models.TelemetrySample{}
	}
	out := make([]models.TelemetrySample, end-start)
	copy(out, window[start:end])
	return out
}

// All returns every sample held for serviceID, oldest first.
func (s *Store) All(serviceID string) []models.TelemetrySample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	window := s.series[serviceID]
	out := make([]models.TelemetrySample, len(window))
	copy(out, window)
	return out
}

// Latest returns the newest sample for serviceID.
func (s *Store) Latest(serviceID string) (models.TelemetrySample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	window := s.series[serviceID]
	if len(window) == 0 {
		return models.TelemetrySample{}, false
	}
	return window[len(window)-1], true
}

// Len returns the number of samples held for serviceID.
func (s *Store) Len(serviceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series[serviceID])
}

// Forget drops the window of serviceID.
func (s *Store) Forget(serviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.series, serviceID)
}
