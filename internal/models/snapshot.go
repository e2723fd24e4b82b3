package models

import "time"

// ServiceSnapshot is the published, immutable view of one service after an evaluation cycle.
// Consumers must treat it as read-only; the registry replaces it wholesale.
type ServiceSnapshot struct {
	Service        Service          `json:"service"`
	Health         *HealthScore     `json:"health,omitempty"`
	Current        *TelemetrySample `json:"currentMetrics,omitempty"`
	Anomalies      []Anomaly        `json:"anomalies"`
	Correlations   []Correlation    `json:"correlations,omitempty"`
	Deployments    []Deployment     `json:"deployments,omitempty"`
	Risk           *RiskAssessment  `json:"risk,omitempty"`
	Uptime         float64          `json:"uptime"`
	Stale          bool             `json:"stale"`
	LastError      string           `json:"lastError,omitempty"`
	LastEvaluated  time.Time        `json:"lastEvaluated,omitempty"`
	Cycles         int              `json:"cycles"`
	SuccessfulRuns int              `json:"successfulRuns"`
}
