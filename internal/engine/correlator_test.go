package engine

import (
	"testing"
	"time"

	"github.com/devhops/devhops-engine/internal/models"
)

var detectedAt = time.Date(2024, 1, 20, 14, 0, 0, 0, time.UTC)

func anomalyAt(service string) models.Anomaly {
	return models.Anomaly{
		ID:         "a1",
		ServiceID:  service,
		Type:       models.AnomalyErrorRate,
		Severity:   models.SeverityCritical,
		DetectedAt: detectedAt,
	}
}

func TestCorrelateWithinWindow(t *testing.T) {
	correlator := NewCorrelator(DefaultConfig().Correlation)
	deployments := []models.Deployment{
		{ID: "d-old", ServiceID: "checkout", CommitHash: "0ld0ld0ld0ld", Time: detectedAt.Add(-3 * time.Hour), RiskScore: 90},
		{ID: "d-recent", ServiceID: "checkout", CommitHash: "abc12345ffff", Time: detectedAt.Add(-30 * time.Minute), RiskScore: 80},
	}

	anomalies, correlations := correlator.Correlate([]models.Anomaly{anomalyAt("checkout")}, deployments)
	if len(correlations) != 1 || len(correlations[0].Suspects) != 1 {
		t.Fatalf("expected exactly one suspect inside the window, got %+v", correlations)
	}
	suspect := correlations[0].Suspects[0]
	if suspect.Deployment.ID != "d-recent" || suspect.Score != 77 || suspect.LeadTime != "30m0s" {
		t.Fatalf("unexpected suspect: %+v", suspect)
	}
	got := anomalies[0]
	if got.CommitHash != "abc12345ffff" || got.DeploymentTime == nil || !got.DeploymentTime.Equal(deployments[1].Time) {
		t.Fatalf("anomaly was not annotated with the top suspect: %+v", got)
	}
}

func TestCorrelateOutsideWindowLeavesAnomalyUncorrelated(t *testing.T) {
	correlator := NewCorrelator(DefaultConfig().Correlation)
	input := anomalyAt("checkout")
	input.CommitHash = "stale"
	deployments := []models.Deployment{
		{ID: "d-old", ServiceID: "checkout", CommitHash: "0ld", Time: detectedAt.Add(-3 * time.Hour)},
		{ID: "d-future", ServiceID: "checkout", CommitHash: "n3w", Time: detectedAt.Add(time.Minute)},
		{ID: "d-other", ServiceID: "payments", CommitHash: "0th", Time: detectedAt.Add(-time.Minute)},
	}

	anomalies, correlations := correlator.Correlate([]models.Anomaly{input}, deployments)
	if len(correlations) != 0 {
		t.Fatalf("expected no correlations, got %+v", correlations)
	}
	if anomalies[0].CommitHash != "" || anomalies[0].DeploymentTime != nil {
		t.Fatalf("expected anomaly to be uncorrelated, got %+v", anomalies[0])
	}
	if input.CommitHash != "stale" {
		t.Fatalf("input anomaly must not be mutated")
	}
}

func TestRankOrdering(t *testing.T) {
	cfg := DefaultConfig().Correlation
	cfg.MaxSuspects = 2
	correlator := NewCorrelator(cfg)
	deployments := []models.Deployment{
		// recency 0.5 -> 30 + 0.4*50 = 50
		{ID: "d-a", ServiceID: "checkout", Time: detectedAt.Add(-time.Hour), RiskScore: 50},
		// recency 0.75 -> 45 + 0.4*12.5 = 50, newer wins the tie
		{ID: "d-b", ServiceID: "checkout", Time: detectedAt.Add(-30 * time.Minute), RiskScore: 12.5},
		// recency 0.25 -> 15 + 0 = 15, dropped by MaxSuspects
		{ID: "d-c", ServiceID: "checkout", Time: detectedAt.Add(-90 * time.Minute)},
	}

	suspects := correlator.Rank(anomalyAt("checkout"), deployments)
	if len(suspects) != 2 {
		t.Fatalf("expected suspects to be capped at 2, got %d", len(suspects))
	}
	if suspects[0].Deployment.ID != "d-b" || suspects[1].Deployment.ID != "d-a" {
		t.Fatalf("unexpected ordering: %s, %s", suspects[0].Deployment.ID, suspects[1].Deployment.ID)
	}
	if suspects[0].Score != 50 || suspects[1].Score != 50 {
		t.Fatalf("expected tied scores of 50, got %.1f and %.1f", suspects[0].Score, suspects[1].Score)
	}
}

func TestCorrelateSkipsResolved(t *testing.T) {
	correlator := NewCorrelator(DefaultConfig().Correlation)
	resolved := anomalyAt("checkout")
	resolved.Resolved = true
	deployments := []models.Deployment{{ID: "d1", ServiceID: "checkout", Time: detectedAt.Add(-time.Minute)}}

	_, correlations := correlator.Correlate([]models.Anomaly{resolved}, deployments)
	if len(correlations) != 0 {
		t.Fatalf("resolved anomalies must not be correlated")
	}
}
