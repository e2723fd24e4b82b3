package engine

import (
	"errors"
	"math"

	"github.com/devhops/devhops-engine/internal/models"
)

// ErrEmptyWindow is returned when an evaluation has no telemetry to work with.
var ErrEmptyWindow = errors.New("telemetry window is empty")

// Scorer converts telemetry into a HealthScore.
type Scorer struct {
	cfg ScoringConfig
}

// NewScorer constructs a Scorer from validated configuration.
func NewScorer(cfg ScoringConfig) *Scorer {
	if cfg.Smoothing < 1 {
		cfg.Smoothing = 1
	}
	return &Scorer{cfg: cfg}
}

// Score computes the health of serviceID from window. prev is the previously published status and only
// matters when hysteresis is configured.
func (s *Scorer) Score(serviceID string, window []models.TelemetrySample, prev models.HealthStatus) (models.HealthScore, models.TelemetrySample, error) {
	if len(window) == 0 {
		return models.HealthScore{}, models.TelemetrySample{}, ErrEmptyWindow
	}
	current := Aggregate(window, s.cfg.Smoothing)
	current.ServiceID = serviceID
	score := s.ScoreSample(current)

	return models.HealthScore{
		ServiceID:  serviceID,
		Score:      score,
		Status:     s.status(score, prev),
		ComputedAt: current.Timestamp,
	}, current, nil
}

// ScoreSample applies score = 100 - sum(deductions), floored at 0 and rounded to one decimal.
func (s *Scorer) ScoreSample(sample models.TelemetrySample) float64 {
	total := s.cfg.CPU.deduction(sample.CPUPercent, false) +
		s.cfg.Memory.deduction(sample.MemoryPercent, false) +
		s.cfg.Latency.deduction(sample.LatencyMs, false) +
		s.cfg.ErrorRate.deduction(sample.ErrorRatePercent, false) +
		s.cfg.Throughput.deduction(sample.ThroughputPerSec, true)
	return round1(clamp(100-total, 0, 100))
}

// Status maps score onto its band without hysteresis.
func (s *Scorer) Status(score float64) models.HealthStatus {
	return StatusForScore(score, s.cfg.HealthyAt, s.cfg.DegradingAt)
}

func (s *Scorer) status(score float64, prev models.HealthStatus) models.HealthStatus {
	raw := s.Status(score)
	margin := s.cfg.Hysteresis
	if margin <= 0 || prev == "" || raw == prev {
		return raw
	}
	if statusRank(raw) > statusRank(prev) {
		// Improving: the score has to clear the boundary by the margin.
		return better(prev, s.Status(score-margin))
	}
	return worse(prev, s.Status(score+margin))
}

// StatusForScore is the pure banding function: score >= healthyAt is healthy, score >= degradingAt is
// degrading, anything lower is critical.
func StatusForScore(score, healthyAt, degradingAt float64) models.HealthStatus {
	switch {
	case score >= healthyAt:
		return models.StatusHealthy
	case score >= degradingAt:
		return models.StatusDegrading
	default:
		return models.StatusCritical
	}
}

func (t MetricThreshold) deduction(value float64, inverted bool) float64 {
	if t.MaxDeduction <= 0 {
		return 0
	}
	dist := value - t.Good
	span := t.Warning - t.Good
	if inverted {
		dist = t.Good - value
		span = t.Good - t.Warning
	}
	if dist <= 0 {
		return 0
	}
	if span <= 0 {
		return t.MaxDeduction
	}
	return t.MaxDeduction * clamp(dist/span, 0, 1)
}

// Aggregate averages the trailing n samples of window. The result carries the newest timestamp.
func Aggregate(window []models.TelemetrySample, n int) models.TelemetrySample {
	if len(window) == 0 {
		return models.TelemetrySample{}
	}
	latest := window[len(window)-1]
	if n <= 1 || len(window) == 1 {
		return latest
	}
	if n > len(window) {
		n = len(window)
	}
	tail := window[len(window)-n:]
	agg := models.TelemetrySample{ServiceID: latest.ServiceID, Timestamp: latest.Timestamp}
	for _, s := range tail {
		agg.CPUPercent += s.CPUPercent
		agg.MemoryPercent += s.MemoryPercent
		agg.LatencyMs += s.LatencyMs
		agg.ErrorRatePercent += s.ErrorRatePercent
		agg.ThroughputPerSec += s.ThroughputPerSec
	}
	count := float64(len(tail))
	agg.CPUPercent /= count
	agg.MemoryPercent /= count
	agg.LatencyMs /= count
	agg.ErrorRatePercent /= count
	agg.ThroughputPerSec /= count
	return agg
}

func statusRank(s models.HealthStatus) int {
	switch s {
	case models.StatusHealthy:
		return 2
	case models.StatusDegrading:
		return 1
	default:
		return 0
	}
}

func better(a, b models.HealthStatus) models.HealthStatus {
	if statusRank(a) >= statusRank(b) {
		return a
	}
	return b
}

func worse(a, b models.HealthStatus) models.HealthStatus {
	if statusRank(a) <= statusRank(b) {
		return a
	}
	return b
}

// clamp maps NaN to min.
func clamp(value, min, max float64) float64 {
	if math.IsNaN(value) || value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
