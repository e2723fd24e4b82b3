package models

import "time"

// AnomalyType enumerates the detector rules.
type AnomalyType string

const (
	AnomalyLatencySpike  AnomalyType = "latency_spike"
	AnomalyErrorRate     AnomalyType = "error_rate"
	AnomalyMemoryLeak    AnomalyType = "memory_leak"
	AnomalyCPUSaturation AnomalyType = "cpu_saturation"
)

// AnomalyTypes lists every type in evaluation order.
var AnomalyTypes = []AnomalyType{
	AnomalyErrorRate,
	AnomalyLatencySpike,
	AnomalyCPUSaturation,
	AnomalyMemoryLeak,
}

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4); unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Anomaly is a detected rule violation. Only Resolved and ResolvedAt are mutated after
// creation, and only by the acknowledgement flow.
type Anomaly struct {
	ID             string      `json:"id"`
	ServiceID      string      `json:"serviceId"`
	Type           AnomalyType `json:"type"`
	Severity       Severity    `json:"severity"`
	Confidence     float64     `json:"confidence"`
	DetectedAt     time.Time   `json:"detectedAt"`
	Resolved       bool        `json:"resolved"`
	ResolvedAt     *time.Time  `json:"resolvedAt,omitempty"`
	Description    string      `json:"description"`
	CommitHash     string      `json:"commitHash,omitempty"`
	DeploymentTime *time.Time  `json:"deploymentTime,omitempty"`
}

// Correlation ranks candidate deployments for one anomaly, best suspect first.
type Correlation struct {
	AnomalyID string    `json:"anomalyId"`
	Suspects  []Suspect `json:"suspects"`
}

// Suspect is a deployment scored as a likely cause of an anomaly.
type Suspect struct {
	Deployment Deployment `json:"deployment"`
	Score      float64    `json:"score"`
	LeadTime   string     `json:"leadTime"`
}
