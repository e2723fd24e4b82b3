// Package snapshot publishes the latest evaluation of every service for lock-free readers.
package snapshot

import (
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devhops/devhops-engine/internal/engine"
	"github.com/devhops/devhops-engine/internal/models"
)

var (
	// ErrAnomalyNotFound is returned when no published snapshot holds the anomaly.
	ErrAnomalyNotFound = errors.New("anomaly not found")
	// ErrAnomalyResolved is returned when the anomaly was already acknowledged.
	ErrAnomalyResolved = errors.New("anomaly already resolved")
)

const defaultHistory = 500

// Registry holds one immutable snapshot per service. Writers serialise on a mutex, readers load the
// current pointer without blocking.
type Registry struct {
	mu          sync.RWMutex
	snapshots   map[string]*atomic.Pointer[models.ServiceSnapshot]
	resolved    []models.Anomaly
	resolvedIDs map[string]time.Time
	maxHistory  int
}

// NewRegistry constructs a Registry that remembers up to history resolved anomalies.
func NewRegistry(history int) *Registry {
	if history <= 0 {
		history = defaultHistory
	}
	return &Registry{
		snapshots:   make(map[string]*atomic.Pointer[models.ServiceSnapshot]),
		resolvedIDs: make(map[string]time.Time),
		maxHistory:  history,
	}
}

// Publish replaces the snapshot of snap.Service.ID. Anomalies acknowledged while the cycle that produced
// snap was running stay resolved.
func (r *Registry) Publish(snap models.ServiceSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishLocked(snap)
}

func (r *Registry) publishLocked(snap models.ServiceSnapshot) {
	anomalies := make([]models.Anomaly, len(snap.Anomalies))
	copy(anomalies, snap.Anomalies)
	for i := range anomalies {
		if at, ok := r.resolvedIDs[anomalies[i].ID]; ok && !anomalies[i].Resolved {
			resolvedAt := at
			anomalies[i].Resolved = true
			anomalies[i].ResolvedAt = &resolvedAt
		}
	}
	snap.Anomalies = anomalies

	ptr, ok := r.snapshots[snap.Service.ID]
	if !ok {
		ptr = &atomic.Pointer[models.ServiceSnapshot]{}
		r.snapshots[snap.Service.ID] = ptr
	}
	ptr.Store(&snap)
}

// Get returns the current snapshot of serviceID. The result must not be modified.
func (r *Registry) Get(serviceID string) (*models.ServiceSnapshot, bool) {
	r.mu.RLock()
	ptr, ok := r.snapshots[serviceID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	snap := ptr.Load()
	return snap, snap != nil
}

// List returns every snapshot ordered by service id.
func (r *Registry) List() []*models.ServiceSnapshot {
	r.mu.RLock()
	out := make([]*models.ServiceSnapshot, 0, len(r.snapshots))
	for _, ptr := range r.snapshots {
		if snap := ptr.Load(); snap != nil {
			out = append(out, snap)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Service.ID < out[j].Service.ID })
	return out
}

// Remove drops the snapshot of serviceID.
func (r *Registry) Remove(serviceID string) {
	r.mu.Lock()
	delete(r.snapshots, serviceID)
	r.mu.Unlock()
}

// Open returns the unresolved anomalies of serviceID as published by the last cycle.
func (r *Registry) Open(serviceID string) []models.Anomaly {
	snap, ok := r.Get(serviceID)
	if !ok {
		return nil
	}
	open := make([]models.Anomaly, 0, len(snap.Anomalies))
	for _, a := range snap.Anomalies {
		if !a.Resolved {
			open = append(open, a)
		}
	}
	return open
}

// MarkStale records a failed cycle for service. The last good evaluation stays visible but is flagged
// stale; a service that never evaluated gets an empty stale snapshot.
func (r *Registry) MarkStale(service models.Service, cause error, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var next models.ServiceSnapshot
	if ptr, ok := r.snapshots[service.ID]; ok {
		if cur := ptr.Load(); cur != nil {
			next = *cur
		}
	}
	next.Service = service
	if next.Anomalies == nil {
		next.Anomalies = []models.Anomaly{}
	}
	next.Stale = true
	next.LastError = ""
	if cause != nil {
		next.LastError = cause.Error()
	}
	next.LastEvaluated = at.UTC()
	next.Cycles++
	next.Uptime = Uptime(next.SuccessfulRuns, next.Cycles)
	r.publishLocked(next)
}

// ResolveAnomaly acknowledges anomalyID. The published snapshot keeps the resolved record until the next
// cycle; a later trigger of the same rule creates a new anomaly.
func (r *Registry) ResolveAnomaly(anomalyID string, at time.Time) (models.Anomaly, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.resolvedIDs[anomalyID]; ok {
		return models.Anomaly{}, ErrAnomalyResolved
	}
	for _, ptr := range r.snapshots {
		cur := ptr.Load()
		if cur == nil {
			continue
		}
		for _, a := range cur.Anomalies {
			if a.ID != anomalyID {
				continue
			}
			if a.Resolved {
				return models.Anomaly{}, ErrAnomalyResolved
			}
			resolvedAt := at.UTC()
			a.Resolved = true
			a.ResolvedAt = &resolvedAt

			r.resolvedIDs[anomalyID] = resolvedAt
			r.resolved = append(r.resolved, a)
			if over := len(r.resolved) - r.maxHistory; over > 0 {
				for _, old := range r.resolved[:over] {
					delete(r.resolvedIDs, old.ID)
				}
				r.resolved = append([]models.Anomaly(nil), r.resolved[over:]...)
			}

			r.publishLocked(*cur)
			return a, nil
		}
	}
	return models.Anomaly{}, ErrAnomalyNotFound
}

// Anomalies lists the anomalies of serviceID, or of every service when serviceID is empty. Resolved
// anomalies from the history are included on request.
func (r *Registry) Anomalies(serviceID string, includeResolved bool) []models.Anomaly {
	out := make([]models.Anomaly, 0)
	seen := make(map[string]struct{})
	for _, snap := range r.List() {
		if serviceID != "" && snap.Service.ID != serviceID {
			continue
		}
		for _, a := range snap.Anomalies {
			if a.Resolved && !includeResolved {
				continue
			}
			seen[a.ID] = struct{}{}
			out = append(out, a)
		}
	}
	if includeResolved {
		r.mu.RLock()
		for _, a := range r.resolved {
			if _, dup := seen[a.ID]; dup {
				continue
			}
			if serviceID == "" || a.ServiceID == serviceID {
				out = append(out, a)
			}
		}
		r.mu.RUnlock()
	}
	engine.SortAnomalies(out)
	return out
}

// Deployments lists the deployments attached to the latest snapshots, newest first.
func (r *Registry) Deployments(serviceID string) []models.Deployment {
	out := make([]models.Deployment, 0)
	for _, snap := range r.List() {
		if serviceID != "" && snap.Service.ID != serviceID {
			continue
		}
		out = append(out, snap.Deployments...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.After(out[j].Time)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RiskAssessments returns the latest assessment of every evaluated service, ordered by service id.
func (r *Registry) RiskAssessments() []models.RiskAssessment {
	out := make([]models.RiskAssessment, 0)
	for _, snap := range r.List() {
		if snap.Risk != nil {
			out = append(out, *snap.Risk)
		}
	}
	return out
}

// OverallHealth averages the health score of every evaluated service.
func (r *Registry) OverallHealth() (float64, bool) {
	var sum float64
	var n int
	for _, snap := range r.List() {
		if snap.Health != nil {
			sum += snap.Health.Score
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return math.Round(sum/float64(n)*10) / 10, true
}

// Uptime is the share of cycles whose fetch succeeded, as a percentage with one decimal.
func Uptime(successful, cycles int) float64 {
	if cycles <= 0 {
		return 100
	}
	return math.Round(float64(successful)/float64(cycles)*1000) / 10
}
