package engine

import (
	"fmt"
	"sort"

	"github.com/devhops/devhops-engine/internal/models"
)

// IDGenerator mints identifiers for newly detected anomalies.
type IDGenerator func() string

// Detector evaluates a telemetry window against the anomaly rule set.
type Detector struct {
	cfg DetectionConfig
}

// Detection is one rule firing before it is merged into the open anomaly set.
type Detection struct {
	Type        models.AnomalyType
	Severity    models.Severity
	Confidence  float64
	Description string
}

// DetectResult is the open anomaly set after a detection pass.
type DetectResult struct {
	// Open holds every unresolved anomaly of the service, in models.AnomalyTypes order.
	Open []models.Anomaly
	// Created lists anomalies that did not exist before this pass.
	Created []models.Anomaly
	// Fired lists the rules that triggered in this pass.
	Fired []Detection
}

// NewDetector constructs a Detector from validated configuration.
func NewDetector(cfg DetectionConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Evaluate runs every rule on window and reports what fired. It does not touch any anomaly state.
func (d *Detector) Evaluate(window []models.TelemetrySample) []Detection {
	if len(window) == 0 {
		return nil
	}
	current := window[len(window)-1]

	var fired []Detection
	if det, ok := d.errorRate(current); ok {
		fired = append(fired, det)
	}
	if det, ok := d.latency(current); ok {
		fired = append(fired, det)
	}
	if det, ok := d.cpu(window); ok {
		fired = append(fired, det)
	}
	if det, ok := d.memory(window); ok {
		fired = append(fired, det)
	}
	return fired
}

// Detect evaluates window and merges the detections into open, the service's unresolved anomalies.
// A rule firing while an anomaly of the same type is open updates that anomaly in place of creating
// a duplicate; resolved anomalies in open are ignored so a fresh trigger creates a new record.
func (d *Detector) Detect(serviceID string, window []models.TelemetrySample, open []models.Anomaly, newID IDGenerator) DetectResult {
	byType := make(map[models.AnomalyType]models.Anomaly, len(open))
	for _, a := range open {
		if a.Resolved || a.ServiceID != serviceID {
			continue
		}
		if existing, ok := byType[a.Type]; ok && existing.DetectedAt.Before(a.DetectedAt) {
			continue
		}
		byType[a.Type] = a
	}

	result := DetectResult{Fired: d.Evaluate(window)}
	for _, det := range result.Fired {
		if existing, ok := byType[det.Type]; ok {
			existing.Severity = det.Severity
			existing.Confidence = det.Confidence
			existing.Description = det.Description
			byType[det.Type] = existing
			continue
		}
		created := models.Anomaly{
			ID:          newID(),
			ServiceID:   serviceID,
			Type:        det.Type,
			Severity:    det.Severity,
			Confidence:  det.Confidence,
			DetectedAt:  window[len(window)-1].Timestamp,
			Description: det.Description,
		}
		byType[det.Type] = created
		result.Created = append(result.Created, created)
	}

	result.Open = make([]models.Anomaly, 0, len(byType))
	for _, t := range models.AnomalyTypes {
		if a, ok := byType[t]; ok {
			result.Open = append(result.Open, a)
		}
	}
	return result
}

func (d *Detector) errorRate(s models.TelemetrySample) (Detection, bool) {
	rule := d.cfg.ErrorRate
	if s.ErrorRatePercent <= rule.Threshold {
		return Detection{}, false
	}
	severity := models.SeverityHigh
	if s.ErrorRatePercent > rule.CriticalAbove {
		severity = models.SeverityCritical
	}
	return Detection{
		Type:        models.AnomalyErrorRate,
		Severity:    severity,
		Confidence:  confidence(s.ErrorRatePercent*rule.ConfidenceScale, rule.MaxConfidence),
		Description: fmt.Sprintf("Error rate at %.1f%% exceeds %.1f%% threshold", s.ErrorRatePercent, rule.Threshold),
	}, true
}

func (d *Detector) latency(s models.TelemetrySample) (Detection, bool) {
	rule := d.cfg.Latency
	if s.LatencyMs <= rule.Threshold {
		return Detection{}, false
	}
	severity := models.SeverityHigh
	if s.LatencyMs > rule.CriticalAbove {
		severity = models.SeverityCritical
	}
	return Detection{
		Type:        models.AnomalyLatencySpike,
		Severity:    severity,
		Confidence:  confidence(s.LatencyMs*rule.ConfidenceScale, rule.MaxConfidence),
		Description: fmt.Sprintf("Latency at %.0fms exceeds %.0fms threshold", s.LatencyMs, rule.Threshold),
	}, true
}

func (d *Detector) cpu(window []models.TelemetrySample) (Detection, bool) {
	rule := d.cfg.CPU
	run := trailingRun(window, func(s models.TelemetrySample) bool { return s.CPUPercent > rule.Threshold })
	if run < rule.SustainedSamples {
		return Detection{}, false
	}
	current := window[len(window)-1].CPUPercent
	magnitude := clamp((current-rule.Threshold)/(100-rule.Threshold), 0, 1)
	duration := clamp(float64(run)/float64(2*rule.SustainedSamples), 0, 1)
	severity, conf := trendSeverity(magnitude, duration)
	return Detection{
		Type:       models.AnomalyCPUSaturation,
		Severity:   severity,
		Confidence: conf,
		Description: fmt.Sprintf("CPU at %.1f%% has stayed above %.1f%% for %d consecutive samples",
			current, rule.Threshold, run),
	}, true
}

func (d *Detector) memory(window []models.TelemetrySample) (Detection, bool) {
	rule := d.cfg.Memory
	current := window[len(window)-1].MemoryPercent

	var (
		best  float64 = -1
		found Detection
	)

	run := trailingRun(window, func(s models.TelemetrySample) bool { return s.MemoryPercent > rule.Threshold })
	if run >= rule.SustainedSamples {
		magnitude := clamp((current-rule.Threshold)/(100-rule.Threshold), 0, 1)
		duration := clamp(float64(run)/float64(2*rule.SustainedSamples), 0, 1)
		intensity := trendIntensity(magnitude, duration)
		best = intensity
		found.Description = fmt.Sprintf("Memory at %.1f%% has stayed above %.1f%% for %d consecutive samples",
			current, rule.Threshold, run)
	}

	if rule.GrowthSamples >= 2 && len(window) >= rule.GrowthSamples {
		climb := monotonicTail(window)
		if climb >= rule.GrowthSamples {
			first := window[len(window)-climb].MemoryPercent
			growth := current - first
			if growth >= rule.MinGrowth {
				magnitude := clamp(growth/(100-first), 0, 1)
				if current > rule.Threshold {
					magnitude = clamp(magnitude+(current-rule.Threshold)/(100-rule.Threshold), 0, 1)
				}
				duration := clamp(float64(climb)/float64(2*rule.GrowthSamples), 0, 1)
				if intensity := trendIntensity(magnitude, duration); intensity > best {
					best = intensity
					found.Description = fmt.Sprintf("Memory grew from %.1f%% to %.1f%% over %d samples without release",
						first, current, climb)
				}
			}
		}
	}

	if best < 0 {
		return Detection{}, false
	}
	found.Type = models.AnomalyMemoryLeak
	found.Severity, found.Confidence = severityForIntensity(best)
	return found, true
}

// trailingRun counts consecutive samples at the end of window that satisfy pred.
func trailingRun(window []models.TelemetrySample, pred func(models.TelemetrySample) bool) int {
	run := 0
	for i := len(window) - 1; i >= 0; i-- {
		if !pred(window[i]) {
			break
		}
		run++
	}
	return run
}

// monotonicTail returns the length of the trailing non-decreasing memory run.
func monotonicTail(window []models.TelemetrySample) int {
	if len(window) == 0 {
		return 0
	}
	n := 1
	for i := len(window) - 1; i > 0; i-- {
		if window[i].MemoryPercent < window[i-1].MemoryPercent {
			break
		}
		n++
	}
	return n
}

func trendIntensity(magnitude, duration float64) float64 {
	return clamp(0.6*magnitude+0.4*duration, 0, 1)
}

func trendSeverity(magnitude, duration float64) (models.Severity, float64) {
	return severityForIntensity(trendIntensity(magnitude, duration))
}

func severityForIntensity(intensity float64) (models.Severity, float64) {
	conf := confidence(40+55*intensity, 95)
	switch {
	case intensity >= 0.75:
		return models.SeverityCritical, conf
	case intensity >= 0.5:
		return models.SeverityHigh, conf
	case intensity >= 0.25:
		return models.SeverityMedium, conf
	default:
		return models.SeverityLow, conf
	}
}

// confidence caps raw at max and keeps the result inside [0,100].
func confidence(raw, max float64) float64 {
	if max > 100 {
		max = 100
	}
	return round1(clamp(raw, 0, max))
}

// SortAnomalies orders anomalies by type order, then detection time, then id.
func SortAnomalies(anomalies []models.Anomaly) {
	order := make(map[models.AnomalyType]int, len(models.AnomalyTypes))
	for i, t := range models.AnomalyTypes {
		order[t] = i
	}
	sort.SliceStable(anomalies, func(i, j int) bool {
		a, b := anomalies[i], anomalies[j]
		if order[a.Type] != order[b.Type] {
			return order[a.Type] < order[b.Type]
		}
		if !a.DetectedAt.Equal(b.DetectedAt) {
			return a.DetectedAt.Before(b.DetectedAt)
		}
		return a.ID < b.ID
	})
}
