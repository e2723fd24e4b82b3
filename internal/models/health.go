package models

import "time"

// HealthStatus is the band a health score falls into.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegrading HealthStatus = "degrading"
	StatusCritical  HealthStatus = "critical"
)

// HealthScore is the 0-100 composite reliability indicator for a service.
type HealthScore struct {
	ServiceID  string       `json:"serviceId"`
	Score      float64      `json:"score"`
	Status     HealthStatus `json:"status"`
	ComputedAt time.Time    `json:"computedAt"`
}
