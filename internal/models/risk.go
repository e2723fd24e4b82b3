package models

import "time"

// Trend is the direction a service's reliability is heading.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendWorsening Trend = "worsening"
)

// RiskAssessment is recomputed in full every cycle.
type RiskAssessment struct {
	ServiceID       string    `json:"serviceId"`
	CurrentRisk     float64   `json:"currentRisk"`
	Trend           Trend     `json:"trend"`
	Factors         []string  `json:"factors"`
	Recommendations []string  `json:"recommendations"`
	ComputedAt      time.Time `json:"computedAt"`
}
