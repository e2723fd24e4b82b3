package snapshot

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/devhops/devhops-engine/internal/models"
)

var now = time.Date(2024, 1, 20, 14, 30, 0, 0, time.UTC)

func snapshotWith(serviceID string, score float64, anomalies ...models.Anomaly) models.ServiceSnapshot {
	return models.ServiceSnapshot{
		Service:   models.Service{ID: serviceID, Name: serviceID},
		Health:    &models.HealthScore{ServiceID: serviceID, Score: score, Status: models.StatusHealthy},
		Anomalies: anomalies,
		Risk:      &models.RiskAssessment{ServiceID: serviceID, CurrentRisk: 100 - score},
	}
}

func TestPublishAndList(t *testing.T) {
	reg := NewRegistry(10)
	reg.Publish(snapshotWith("payments", 90))
	reg.Publish(snapshotWith("checkout", 70))

	list := reg.List()
	if len(list) != 2 || list[0].Service.ID != "checkout" || list[1].Service.ID != "payments" {
		t.Fatalf("expected snapshots sorted by id, got %+v", list)
	}
	if _, ok := reg.Get("missing"); ok {
		t.Fatalf("unexpected snapshot for unknown service")
	}
	overall, ok := reg.OverallHealth()
	if !ok || overall != 80 {
		t.Fatalf("expected overall health 80, got %.1f (%v)", overall, ok)
	}
	if risks := reg.RiskAssessments(); len(risks) != 2 || risks[0].ServiceID != "checkout" {
		t.Fatalf("unexpected risk assessments: %+v", risks)
	}
}

func TestPublishedSnapshotIsIsolatedFromCaller(t *testing.T) {
	reg := NewRegistry(10)
	anomalies := []models.Anomaly{{ID: "a1", ServiceID: "checkout", Type: models.AnomalyErrorRate}}
	reg.Publish(snapshotWith("checkout", 50, anomalies...))
	anomalies[0].Description = "mutated"

	snap, _ := reg.Get("checkout")
	if snap.Anomalies[0].Description != "" {
		t.Fatalf("registry shares anomaly storage with the publisher")
	}
}

func TestResolveAnomaly(t *testing.T) {
	reg := NewRegistry(10)
	reg.Publish(snapshotWith("checkout", 40,
		models.Anomaly{ID: "a1", ServiceID: "checkout", Type: models.AnomalyErrorRate},
		models.Anomaly{ID: "a2", ServiceID: "checkout", Type: models.AnomalyLatencySpike},
	))

	resolved, err := reg.ResolveAnomaly("a1", now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Resolved || resolved.ResolvedAt == nil || !resolved.ResolvedAt.Equal(now) {
		t.Fatalf("unexpected resolved anomaly: %+v", resolved)
	}

	open := reg.Open("checkout")
	if len(open) != 1 || open[0].ID != "a2" {
		t.Fatalf("expected only a2 to remain open, got %+v", open)
	}

	if _, err := reg.ResolveAnomaly("a1", now); !errors.Is(err, ErrAnomalyResolved) {
		t.Fatalf("expected ErrAnomalyResolved, got %v", err)
	}
	if _, err := reg.ResolveAnomaly("nope", now); !errors.Is(err, ErrAnomalyNotFound) {
		t.Fatalf("expected ErrAnomalyNotFound, got %v", err)
	}
}

func TestResolutionSurvivesConcurrentCycle(t *testing.T) {
	reg := NewRegistry(10)
	a1 := models.Anomaly{ID: "a1", ServiceID: "checkout", Type: models.AnomalyErrorRate}
	reg.Publish(snapshotWith("checkout", 40, a1))
	if _, err := reg.ResolveAnomaly("a1", now); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// A cycle that read the open set before the acknowledgement publishes a1 as unresolved.
	reg.Publish(snapshotWith("checkout", 40, a1))
	if open := reg.Open("checkout"); len(open) != 0 {
		t.Fatalf("acknowledged anomaly was revived: %+v", open)
	}
}

func TestAnomaliesHistory(t *testing.T) {
	reg := NewRegistry(1)
	reg.Publish(snapshotWith("checkout", 40,
		models.Anomaly{ID: "a1", ServiceID: "checkout", Type: models.AnomalyErrorRate, DetectedAt: now},
		models.Anomaly{ID: "a2", ServiceID: "checkout", Type: models.AnomalyLatencySpike, DetectedAt: now},
	))
	reg.Publish(snapshotWith("payments", 90,
		models.Anomaly{ID: "p1", ServiceID: "payments", Type: models.AnomalyMemoryLeak, DetectedAt: now},
	))

	if _, err := reg.ResolveAnomaly("a1", now); err != nil {
		t.Fatal(err)
	}
	// The next cycle drops resolved anomalies from the snapshot.
	reg.Publish(snapshotWith("checkout", 40,
		models.Anomaly{ID: "a2", ServiceID: "checkout", Type: models.AnomalyLatencySpike, DetectedAt: now},
	))

	if got := reg.Anomalies("", false); len(got) != 2 {
		t.Fatalf("expected two open anomalies, got %+v", got)
	}
	withResolved := reg.Anomalies("checkout", true)
	if len(withResolved) != 2 || withResolved[0].ID != "a1" || !withResolved[0].Resolved {
		t.Fatalf("expected resolved history to be included, got %+v", withResolved)
	}

	if _, err := reg.ResolveAnomaly("a2", now); err != nil {
		t.Fatal(err)
	}
	reg.Publish(snapshotWith("checkout", 40))
	history := reg.Anomalies("checkout", true)
	if len(history) != 1 || history[0].ID != "a2" {
		t.Fatalf("expected history bounded to the latest resolution, got %+v", history)
	}
}

func TestMarkStale(t *testing.T) {
	reg := NewRegistry(10)
	service := models.Service{ID: "checkout", Name: "checkout"}

	reg.MarkStale(service, errors.New("connection refused"), now)
	snap, ok := reg.Get("checkout")
	if !ok || !snap.Stale || snap.LastError != "connection refused" || snap.Health != nil {
		t.Fatalf("unexpected stale snapshot: %+v", snap)
	}
	if snap.Cycles != 1 || snap.Uptime != 0 {
		t.Fatalf("expected one failed cycle, got %d cycles %.1f%% uptime", snap.Cycles, snap.Uptime)
	}

	good := snapshotWith("checkout", 85)
	good.Cycles, good.SuccessfulRuns, good.Uptime = 2, 1, Uptime(1, 2)
	reg.Publish(good)
	reg.MarkStale(service, errors.New("timeout"), now)

	snap, _ = reg.Get("checkout")
	if !snap.Stale || snap.Health == nil || snap.Health.Score != 85 {
		t.Fatalf("stale snapshot must keep the last evaluation: %+v", snap)
	}
	if snap.Cycles != 3 || snap.Uptime != 33.3 {
		t.Fatalf("unexpected uptime accounting: %d cycles %.1f%%", snap.Cycles, snap.Uptime)
	}
}

func TestUptime(t *testing.T) {
	if Uptime(0, 0) != 100 || Uptime(3, 4) != 75 || Uptime(0, 5) != 0 {
		t.Fatalf("unexpected uptime values")
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	reg := NewRegistry(10)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				reg.Publish(snapshotWith("checkout", float64(j%100)))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if snap, ok := reg.Get("checkout"); ok && snap.Health == nil {
					t.Error("observed partially built snapshot")
				}
				reg.List()
			}
		}()
	}
	wg.Wait()
}
