package httpapi

import (
	"time"

	"github.com/devhops/devhops-engine/internal/models"
)

// HealthUnknown is reported for services that have not been evaluated yet.
const HealthUnknown = "unknown"

// MetricsView is the dashboard's metric block.
type MetricsView struct {
	CPU        float64 `json:"cpu"`
	Memory     float64 `json:"memory"`
	Latency    float64 `json:"latency"`
	ErrorRate  float64 `json:"errorRate"`
	Throughput float64 `json:"throughput"`
}

// ServiceView flattens a service and its latest snapshot into the dashboard's service card.
type ServiceView struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	MetricsURL     string      `json:"metricsUrl"`
	RepoURL        string      `json:"repoUrl"`
	RegisteredAt   time.Time   `json:"registeredAt"`
	LastChecked    *time.Time  `json:"lastChecked"`
	Health         string      `json:"health"`
	HealthScore    float64     `json:"healthScore"`
	Uptime         float64     `json:"uptime"`
	Stale          bool        `json:"stale"`
	LastError      string      `json:"lastError,omitempty"`
	OpenAnomalies  int         `json:"openAnomalies"`
	CurrentRisk    *float64    `json:"currentRisk,omitempty"`
	CurrentMetrics MetricsView `json:"currentMetrics"`
}

// ServiceDetail extends ServiceView with the full evaluation results.
type ServiceDetail struct {
	ServiceView
	Anomalies    []models.Anomaly       `json:"anomalies"`
	Correlations []models.Correlation   `json:"correlations"`
	Deployments  []models.Deployment    `json:"deployments"`
	Risk         *models.RiskAssessment `json:"risk"`
}

// TelemetryView is one point of the dashboard's telemetry chart.
type TelemetryView struct {
	ServiceID string      `json:"serviceId"`
	Timestamp time.Time   `json:"timestamp"`
	Metrics   MetricsView `json:"metrics"`
}

func metricsView(s models.TelemetrySample) MetricsView {
	return MetricsView{
		CPU:        s.CPUPercent,
		Memory:     s.MemoryPercent,
		Latency:    s.LatencyMs,
		ErrorRate:  s.ErrorRatePercent,
		Throughput: s.ThroughputPerSec,
	}
}

// NewServiceView merges service with snap, which may be nil.
func NewServiceView(service models.Service, snap *models.ServiceSnapshot) ServiceView {
	view := ServiceView{
		ID:           service.ID,
		Name:         service.Name,
		MetricsURL:   service.MetricsURL,
		RepoURL:      service.RepoURL,
		RegisteredAt: service.RegisteredAt,
		Health:       HealthUnknown,
		Uptime:       100,
	}
	if !service.LastChecked.IsZero() {
		lastChecked := service.LastChecked
		view.LastChecked = &lastChecked
	}
	if snap == nil {
		return view
	}

	if !snap.Service.LastChecked.IsZero() && (view.LastChecked == nil || snap.Service.LastChecked.After(*view.LastChecked)) {
		lastChecked := snap.Service.LastChecked
		view.LastChecked = &lastChecked
	}
	view.Uptime = snap.Uptime
	view.Stale = snap.Stale
	view.LastError = snap.LastError
	if snap.Health != nil {
		view.Health = string(snap.Health.Status)
		view.HealthScore = snap.Health.Score
	}
	if snap.Current != nil {
		view.CurrentMetrics = metricsView(*snap.Current)
	}
	if snap.Risk != nil {
		risk := snap.Risk.CurrentRisk
		view.CurrentRisk = &risk
	}
	for _, a := range snap.Anomalies {
		if !a.Resolved {
			view.OpenAnomalies++
		}
	}
	return view
}

// NewServiceDetail builds the single-service response.
func NewServiceDetail(service models.Service, snap *models.ServiceSnapshot) ServiceDetail {
	detail := ServiceDetail{
		ServiceView:  NewServiceView(service, snap),
		Anomalies:    []models.Anomaly{},
		Correlations: []models.Correlation{},
		Deployments:  []models.Deployment{},
	}
	if snap == nil {
		return detail
	}
	if snap.Anomalies != nil {
		detail.Anomalies = snap.Anomalies
	}
	if snap.Correlations != nil {
		detail.Correlations = snap.Correlations
	}
	if snap.Deployments != nil {
		detail.Deployments = snap.Deployments
	}
	detail.Risk = snap.Risk
	return detail
}

// NewTelemetryViews converts a sample window for charting.
func NewTelemetryViews(serviceID string, window []models.TelemetrySample) []TelemetryView {
	out := make([]TelemetryView, 0, len(window))
	for _, s := range window {
		out = append(out, TelemetryView{ServiceID: serviceID, Timestamp: s.Timestamp, Metrics: metricsView(s)})
	}
	return out
}
