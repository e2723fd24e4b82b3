package engine

import (
	"errors"
	"fmt"
	"time"
)

// MetricThreshold defines the deduction curve of one metric. For regular metrics Good < Warning;
// for inverted metrics (throughput) Good > Warning and values below Good are penalised.
type MetricThreshold struct {
	Good         float64 `yaml:"good"`
	Warning      float64 `yaml:"warning"`
	MaxDeduction float64 `yaml:"maxDeduction"`
}

// ScoringConfig configures the Health Scorer.
type ScoringConfig struct {
	CPU        MetricThreshold `yaml:"cpu"`
	Memory     MetricThreshold `yaml:"memory"`
	Latency    MetricThreshold `yaml:"latency"`
	ErrorRate  MetricThreshold `yaml:"errorRate"`
	Throughput MetricThreshold `yaml:"throughput"`

	// HealthyAt and DegradingAt are the inclusive lower bounds of the healthy and degrading bands.
	HealthyAt   float64 `yaml:"healthyAt"`
	DegradingAt float64 `yaml:"degradingAt"`

	// Hysteresis is the score margin a service must clear before its status changes band.
	// Zero keeps status a pure function of score.
	Hysteresis float64 `yaml:"hysteresis"`

	// Smoothing is the number of trailing samples averaged before scoring; 1 scores the latest sample.
	Smoothing int `yaml:"smoothing"`
}

// RateRule configures a single-sample threshold rule (error rate, latency).
type RateRule struct {
	Threshold       float64 `yaml:"threshold"`
	CriticalAbove   float64 `yaml:"criticalAbove"`
	ConfidenceScale float64 `yaml:"confidenceScale"`
	MaxConfidence   float64 `yaml:"maxConfidence"`
}

// TrendRule configures a sustained-trend rule (cpu saturation, memory leak).
type TrendRule struct {
	Threshold        float64 `yaml:"threshold"`
	SustainedSamples int     `yaml:"sustainedSamples"`
	GrowthSamples    int     `yaml:"growthSamples"`
	MinGrowth        float64 `yaml:"minGrowth"`
}

// DetectionConfig configures the Anomaly Detector.
type DetectionConfig struct {
	ErrorRate RateRule  `yaml:"errorRate"`
	Latency   RateRule  `yaml:"latency"`
	CPU       TrendRule `yaml:"cpu"`
	Memory    TrendRule `yaml:"memory"`
}

// CorrelationConfig configures the Deployment Correlator.
type CorrelationConfig struct {
	Window        time.Duration `yaml:"window"`
	RecencyWeight float64       `yaml:"recencyWeight"`
	RiskWeight    float64       `yaml:"riskWeight"`
	MaxSuspects   int           `yaml:"maxSuspects"`
}

// RiskConfig configures the Risk Assessor.
type RiskConfig struct {
	ImmediateAbove    float64 `yaml:"immediateAbove"`
	MaintenanceAbove  float64 `yaml:"maintenanceAbove"`
	MemoryAddOnAbove  float64 `yaml:"memoryAddOnAbove"`
	CPUAddOnAbove     float64 `yaml:"cpuAddOnAbove"`
	RollbackRiskAbove float64 `yaml:"rollbackRiskAbove"`
}

// Config bundles every analysis setting.
type Config struct {
	Scoring     ScoringConfig     `yaml:"scoring"`
	Detection   DetectionConfig   `yaml:"detection"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Risk        RiskConfig        `yaml:"risk"`
}

// DefaultConfig returns the calibration inferred from the dashboard's thresholds.
func DefaultConfig() Config {
	return Config{
		Scoring: ScoringConfig{
			CPU:         MetricThreshold{Good: 70, Warning: 85, MaxDeduction: 20},
			Memory:      MetricThreshold{Good: 75, Warning: 90, MaxDeduction: 20},
			Latency:     MetricThreshold{Good: 200, Warning: 500, MaxDeduction: 25},
			ErrorRate:   MetricThreshold{Good: 1, Warning: 5, MaxDeduction: 30},
			Throughput:  MetricThreshold{Good: 10, Warning: 1, MaxDeduction: 10},
			HealthyAt:   80,
			DegradingAt: 60,
			Smoothing:   1,
		},
		Detection: DetectionConfig{
			ErrorRate: RateRule{Threshold: 5, CriticalAbove: 10, ConfidenceScale: 8, MaxConfidence: 95},
			Latency:   RateRule{Threshold: 500, CriticalAbove: 1000, ConfidenceScale: 0.05, MaxConfidence: 90},
			CPU:       TrendRule{Threshold: 85, SustainedSamples: 3},
			Memory:    TrendRule{Threshold: 90, SustainedSamples: 3, GrowthSamples: 6, MinGrowth: 10},
		},
		Correlation: CorrelationConfig{
			Window:        2 * time.Hour,
			RecencyWeight: 0.6,
			RiskWeight:    0.4,
			MaxSuspects:   3,
		},
		Risk: RiskConfig{
			ImmediateAbove:    70,
			MaintenanceAbove:  40,
			MemoryAddOnAbove:  85,
			CPUAddOnAbove:     80,
			RollbackRiskAbove: 70,
		},
	}
}

// Validate reports every invalid setting; a non-nil error is fatal at startup.
func (c Config) Validate() error {
	var errs []error

	metrics := []struct {
		name string
		t    MetricThreshold
	}{
		{"cpu", c.Scoring.CPU},
		{"memory", c.Scoring.Memory},
		{"latency", c.Scoring.Latency},
		{"errorRate", c.Scoring.ErrorRate},
	}
	for _, m := range metrics {
		name, t := m.name, m.t
		if t.Good >= t.Warning {
			errs = append(errs, fmt.Errorf("scoring.%s: good (%g) must be below warning (%g)", name, t.Good, t.Warning))
		}
		if t.MaxDeduction < 0 || t.MaxDeduction > 100 {
			errs = append(errs, fmt.Errorf("scoring.%s: maxDeduction must be within [0,100], got %g", name, t.MaxDeduction))
		}
	}
	tp := c.Scoring.Throughput
	if tp.MaxDeduction < 0 || tp.MaxDeduction > 100 {
		errs = append(errs, fmt.Errorf("scoring.throughput: maxDeduction must be within [0,100], got %g", tp.MaxDeduction))
	}
	if tp.MaxDeduction > 0 && tp.Good <= tp.Warning {
		errs = append(errs, fmt.Errorf("scoring.throughput: floor good (%g) must be above warning (%g)", tp.Good, tp.Warning))
	}
	s := c.Scoring
	if !(s.DegradingAt > 0 && s.DegradingAt < s.HealthyAt && s.HealthyAt <= 100) {
		errs = append(errs, fmt.Errorf("scoring: bands require 0 < degradingAt (%g) < healthyAt (%g) <= 100", s.DegradingAt, s.HealthyAt))
	}
	if s.Hysteresis < 0 || s.Hysteresis >= s.HealthyAt-s.DegradingAt {
		errs = append(errs, fmt.Errorf("scoring.hysteresis must be within [0,%g), got %g", s.HealthyAt-s.DegradingAt, s.Hysteresis))
	}
	if s.Smoothing < 1 {
		errs = append(errs, fmt.Errorf("scoring.smoothing must be at least 1, got %d", s.Smoothing))
	}

	rateRules := []struct {
		name string
		r    RateRule
	}{{"errorRate", c.Detection.ErrorRate}, {"latency", c.Detection.Latency}}
	for _, rr := range rateRules {
		name, r := rr.name, rr.r
		if r.Threshold <= 0 || r.CriticalAbove < r.Threshold {
			errs = append(errs, fmt.Errorf("detection.%s: need 0 < threshold (%g) <= criticalAbove (%g)", name, r.Threshold, r.CriticalAbove))
		}
		if r.ConfidenceScale <= 0 || r.MaxConfidence <= 0 || r.MaxConfidence > 100 {
			errs = append(errs, fmt.Errorf("detection.%s: confidenceScale must be positive and maxConfidence within (0,100]", name))
		}
	}
	trendRules := []struct {
		name string
		r    TrendRule
	}{{"cpu", c.Detection.CPU}, {"memory", c.Detection.Memory}}
	for _, tr := range trendRules {
		name, r := tr.name, tr.r
		if r.Threshold <= 0 || r.Threshold >= 100 {
			errs = append(errs, fmt.Errorf("detection.%s.threshold must be within (0,100), got %g", name, r.Threshold))
		}
		if r.SustainedSamples < 1 {
			errs = append(errs, fmt.Errorf("detection.%s.sustainedSamples must be at least 1, got %d", name, r.SustainedSamples))
		}
	}
	if m := c.Detection.Memory; m.GrowthSamples != 0 && (m.GrowthSamples < 2 || m.MinGrowth <= 0) {
		errs = append(errs, fmt.Errorf("detection.memory: growthSamples must be 0 or >= 2 with positive minGrowth"))
	}

	cc := c.Correlation
	if cc.Window <= 0 {
		errs = append(errs, fmt.Errorf("correlation.window must be positive, got %s", cc.Window))
	}
	if cc.RecencyWeight < 0 || cc.RiskWeight < 0 || cc.RecencyWeight+cc.RiskWeight <= 0 {
		errs = append(errs, errors.New("correlation: weights must be non-negative with a positive sum"))
	}
	if cc.MaxSuspects < 1 {
		errs = append(errs, fmt.Errorf("correlation.maxSuspects must be at least 1, got %d", cc.MaxSuspects))
	}

	r := c.Risk
	if !(r.MaintenanceAbove >= 0 && r.MaintenanceAbove < r.ImmediateAbove && r.ImmediateAbove <= 100) {
		errs = append(errs, fmt.Errorf("risk: need 0 <= maintenanceAbove (%g) < immediateAbove (%g) <= 100", r.MaintenanceAbove, r.ImmediateAbove))
	}

	return errors.Join(errs...)
}
