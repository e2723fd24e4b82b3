package models

import (
	"fmt"
	"math"
	"time"
)

// Service is a registered workload whose telemetry the engine evaluates.
type Service struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MetricsURL   string    `json:"metricsUrl"`
	RepoURL      string    `json:"repoUrl"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastChecked  time.Time `json:"lastChecked,omitempty"`
}

// TelemetrySample is one timestamped measurement of a service's operational metrics.
type TelemetrySample struct {
	ServiceID        string    `json:"serviceId"`
	Timestamp        time.Time `json:"timestamp"`
	CPUPercent       float64   `json:"cpu"`
	MemoryPercent    float64   `json:"memory"`
	LatencyMs        float64   `json:"latency"`
	ErrorRatePercent float64   `json:"errorRate"`
	ThroughputPerSec float64   `json:"throughput"`
}

// CheckFinite reports the first metric holding NaN or an infinity.
func (s TelemetrySample) CheckFinite() error {
	for _, m := range []struct {
		name  string
		value float64
	}{
		{"cpu", s.CPUPercent},
		{"memory", s.MemoryPercent},
		{"latency", s.LatencyMs},
		{"errorRate", s.ErrorRatePercent},
		{"throughput", s.ThroughputPerSec},
	} {
		if math.IsNaN(m.value) || math.IsInf(m.value, 0) {
			return fmt.Errorf("%s is not a finite number (%v)", m.name, m.value)
		}
	}
	return nil
}

// Deployment is a release of a service supplied by the VCS/CI integration. Read-only to the engine.
type Deployment struct {
	ID         string    `json:"id"`
	ServiceID  string    `json:"serviceId"`
	CommitHash string    `json:"commitHash"`
	Author     string    `json:"author"`
	Time       time.Time `json:"time"`
	RiskScore  float64   `json:"riskScore"`
	Summary    string    `json:"summary"`
}
