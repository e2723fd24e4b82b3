package engine

import (
	"fmt"

	"github.com/devhops/devhops-engine/internal/models"
)

// Fixed recommendation texts.
const (
	RecImmediateInvestigation = "Immediate investigation required"
	RecScheduleMaintenance    = "Schedule maintenance soon"
	RecMonitorClosely         = "Monitor closely"
	RecOptimizeMemory         = "Optimize memory usage"
	RecScaleUp                = "Scale up resources"
)

// Assessor combines health, anomalies and correlated deployments into a RiskAssessment.
type Assessor struct {
	cfg     RiskConfig
	scoring ScoringConfig
	rules   *RuleEngine
}

// AssessInput carries everything one assessment is derived from.
type AssessInput struct {
	Health       models.HealthScore
	Current      models.TelemetrySample
	Anomalies    []models.Anomaly
	Correlations []models.Correlation
}

// NewAssessor constructs an Assessor; rules may be nil.
func NewAssessor(cfg RiskConfig, scoring ScoringConfig, rules *RuleEngine) *Assessor {
	return &Assessor{cfg: cfg, scoring: scoring, rules: rules}
}

// Assess produces the service's risk assessment. The result depends only on in, so identical inputs
// always yield identical assessments.
func (a *Assessor) Assess(in AssessInput) models.RiskAssessment {
	risk := round1(clamp(100-in.Health.Score, 0, 100))
	return models.RiskAssessment{
		ServiceID:       in.Health.ServiceID,
		CurrentRisk:     risk,
		Trend:           TrendForStatus(in.Health.Status),
		Factors:         a.factors(risk, in),
		Recommendations: a.recommendations(risk, in),
		ComputedAt:      in.Health.ComputedAt,
	}
}

// TrendForStatus keeps trend in lockstep with the health bands so the two never disagree.
func TrendForStatus(status models.HealthStatus) models.Trend {
	switch status {
	case models.StatusHealthy:
		return models.TrendImproving
	case models.StatusDegrading:
		return models.TrendStable
	default:
		return models.TrendWorsening
	}
}

func (a *Assessor) factors(risk float64, in AssessInput) []string {
	factors := []string{a.bandDescription(risk, in.Health)}

	s := in.Current
	if s.CPUPercent > a.scoring.CPU.Warning {
		factors = append(factors, fmt.Sprintf("CPU usage: %.1f%%", s.CPUPercent))
	}
	if s.MemoryPercent > a.scoring.Memory.Warning {
		factors = append(factors, fmt.Sprintf("Memory usage: %.1f%%", s.MemoryPercent))
	}
	if s.LatencyMs > a.scoring.Latency.Warning {
		factors = append(factors, fmt.Sprintf("Latency: %.0fms", s.LatencyMs))
	}
	if s.ErrorRatePercent > a.scoring.ErrorRate.Warning {
		factors = append(factors, fmt.Sprintf("Error rate: %.1f%%", s.ErrorRatePercent))
	}
	if a.scoring.Throughput.MaxDeduction > 0 && s.ThroughputPerSec < a.scoring.Throughput.Warning {
		factors = append(factors, fmt.Sprintf("Throughput: %.1f req/s", s.ThroughputPerSec))
	}

	for _, anomaly := range in.Anomalies {
		if anomaly.Resolved {
			continue
		}
		factors = appendUnique(factors, anomaly.Description)
	}

	for _, corr := range in.Correlations {
		if len(corr.Suspects) == 0 {
			continue
		}
		dep := corr.Suspects[0].Deployment
		factors = appendUnique(factors, fmt.Sprintf("Recent deployment %s by %s (risk %.0f)",
			shortHash(dep.CommitHash), dep.Author, dep.RiskScore))
	}
	return factors
}

func (a *Assessor) bandDescription(risk float64, health models.HealthScore) string {
	switch {
	case risk > a.cfg.ImmediateAbove:
		return fmt.Sprintf("High risk: health score %.1f/100 (%s)", health.Score, health.Status)
	case risk > a.cfg.MaintenanceAbove:
		return fmt.Sprintf("Elevated risk: health score %.1f/100 (%s)", health.Score, health.Status)
	default:
		return fmt.Sprintf("Low risk: health score %.1f/100 (%s)", health.Score, health.Status)
	}
}

func (a *Assessor) recommendations(risk float64, in AssessInput) []string {
	var recs []string
	switch {
	case risk > a.cfg.ImmediateAbove:
		recs = append(recs, RecImmediateInvestigation)
	case risk > a.cfg.MaintenanceAbove:
		recs = append(recs, RecScheduleMaintenance)
	default:
		recs = append(recs, RecMonitorClosely)
	}

	if in.Current.MemoryPercent > a.cfg.MemoryAddOnAbove {
		recs = append(recs, RecOptimizeMemory)
	}
	if in.Current.CPUPercent > a.cfg.CPUAddOnAbove {
		recs = append(recs, RecScaleUp)
	}

	for _, corr := range in.Correlations {
		if len(corr.Suspects) == 0 {
			continue
		}
		dep := corr.Suspects[0].Deployment
		if dep.RiskScore > a.cfg.RollbackRiskAbove {
			recs = appendUnique(recs, fmt.Sprintf("Review deployment %s for rollback", shortHash(dep.CommitHash)))
		}
	}

	return appendUnique(recs, a.rules.Recommend(RuleContext{
		ServiceID: in.Health.ServiceID,
		Risk:      risk,
		Status:    in.Health.Status,
		Anomalies: in.Anomalies,
	})...)
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
