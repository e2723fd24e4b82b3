package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/devhops/devhops-engine/internal/models"
)

func sequentialIDs() IDGenerator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("anomaly-%d", n)
	}
}

func windowOf(samples ...models.TelemetrySample) []models.TelemetrySample {
	start := time.Date(2024, 1, 20, 13, 0, 0, 0, time.UTC)
	for i := range samples {
		samples[i].Timestamp = start.Add(time.Duration(i) * 15 * time.Second)
	}
	return samples
}

func findDetection(dets []Detection, typ models.AnomalyType) (Detection, bool) {
	for _, d := range dets {
		if d.Type == typ {
			return d, true
		}
	}
	return Detection{}, false
}

func TestDetectorErrorRate(t *testing.T) {
	detector := NewDetector(DefaultConfig().Detection)
	cases := []struct {
		errorRate  float64
		fires      bool
		severity   models.Severity
		confidence float64
	}{
		{4.9, false, "", 0},
		{5, false, "", 0},
		{7, true, models.SeverityHigh, 56},
		{12.5, true, models.SeverityCritical, 95},
		{50, true, models.SeverityCritical, 95},
	}
	for _, tc := range cases {
		s := healthySample()
		s.ErrorRatePercent = tc.errorRate
		det, ok := findDetection(detector.Evaluate([]models.TelemetrySample{s}), models.AnomalyErrorRate)
		if ok != tc.fires {
			t.Fatalf("error rate %.1f: fires=%v, want %v", tc.errorRate, ok, tc.fires)
		}
		if !ok {
			continue
		}
		if det.Severity != tc.severity || det.Confidence != tc.confidence {
			t.Fatalf("error rate %.1f: got %s/%.1f, want %s/%.1f", tc.errorRate, det.Severity, det.Confidence, tc.severity, tc.confidence)
		}
	}
}

func TestDetectorLatency(t *testing.T) {
	detector := NewDetector(DefaultConfig().Detection)
	cases := []struct {
		latency    float64
		severity   models.Severity
		confidence float64
	}{
		{700, models.SeverityHigh, 35},
		{1250, models.SeverityCritical, 62.5},
		{5000, models.SeverityCritical, 90},
	}
	for _, tc := range cases {
		s := healthySample()
		s.LatencyMs = tc.latency
		det, ok := findDetection(detector.Evaluate([]models.TelemetrySample{s}), models.AnomalyLatencySpike)
		if !ok {
			t.Fatalf("latency %.0f: expected latency_spike", tc.latency)
		}
		if det.Severity != tc.severity || det.Confidence != tc.confidence {
			t.Fatalf("latency %.0f: got %s/%.1f", tc.latency, det.Severity, det.Confidence)
		}
	}
}

func TestDetectorConfidenceAlwaysBounded(t *testing.T) {
	cfg := DefaultConfig().Detection
	cfg.ErrorRate.MaxConfidence = 100
	detector := NewDetector(cfg)
	s := healthySample()
	s.ErrorRatePercent = 1e9
	s.LatencyMs = 1e9
	s.CPUPercent = 1e9
	for _, det := range detector.Evaluate([]models.TelemetrySample{s, s, s}) {
		if det.Confidence < 0 || det.Confidence > 100 {
			t.Fatalf("%s confidence %.1f out of bounds", det.Type, det.Confidence)
		}
	}
}

func TestDetectorCPUSaturationNeedsSustainedRun(t *testing.T) {
	detector := NewDetector(DefaultConfig().Detection)

	short := windowOf(
		models.TelemetrySample{CPUPercent: 40},
		models.TelemetrySample{CPUPercent: 95},
		models.TelemetrySample{CPUPercent: 96},
	)
	if _, ok := findDetection(detector.Evaluate(short), models.AnomalyCPUSaturation); ok {
		t.Fatalf("two hot samples must not trigger cpu_saturation")
	}

	sustained := windowOf(
		models.TelemetrySample{CPUPercent: 90},
		models.TelemetrySample{CPUPercent: 92},
		models.TelemetrySample{CPUPercent: 95},
		models.TelemetrySample{CPUPercent: 97},
	)
	det, ok := findDetection(detector.Evaluate(sustained), models.AnomalyCPUSaturation)
	if !ok {
		t.Fatalf("expected cpu_saturation")
	}
	if det.Severity != models.SeverityHigh {
		t.Fatalf("expected high severity, got %s", det.Severity)
	}

	longer := append(sustained, windowOf(
		models.TelemetrySample{CPUPercent: 99},
		models.TelemetrySample{CPUPercent: 99},
		models.TelemetrySample{CPUPercent: 99},
	)...)
	for i := range longer {
		longer[i].Timestamp = sustained[0].Timestamp.Add(time.Duration(i) * time.Second)
	}
	worse, _ := findDetection(detector.Evaluate(longer), models.AnomalyCPUSaturation)
	if worse.Severity.Rank() < det.Severity.Rank() || worse.Confidence < det.Confidence {
		t.Fatalf("longer, hotter run should not lower severity: %+v vs %+v", worse, det)
	}
}

func TestDetectorMemoryLeakGrowth(t *testing.T) {
	detector := NewDetector(DefaultConfig().Detection)
	window := windowOf(
		models.TelemetrySample{MemoryPercent: 60},
		models.TelemetrySample{MemoryPercent: 63},
		models.TelemetrySample{MemoryPercent: 66},
		models.TelemetrySample{MemoryPercent: 69},
		models.TelemetrySample{MemoryPercent: 72},
		models.TelemetrySample{MemoryPercent: 75},
	)
	det, ok := findDetection(detector.Evaluate(window), models.AnomalyMemoryLeak)
	if !ok {
		t.Fatalf("expected memory_leak for steady growth")
	}
	if det.Severity != models.SeverityMedium {
		t.Fatalf("expected medium severity, got %s", det.Severity)
	}
	if det.Description != "Memory grew from 60.0% to 75.0% over 6 samples without release" {
		t.Fatalf("unexpected description: %s", det.Description)
	}

	sawtooth := windowOf(
		models.TelemetrySample{MemoryPercent: 60},
		models.TelemetrySample{MemoryPercent: 70},
		models.TelemetrySample{MemoryPercent: 62},
		models.TelemetrySample{MemoryPercent: 72},
		models.TelemetrySample{MemoryPercent: 64},
		models.TelemetrySample{MemoryPercent: 74},
	)
	if _, ok := findDetection(detector.Evaluate(sawtooth), models.AnomalyMemoryLeak); ok {
		t.Fatalf("memory that is released must not be flagged as a leak")
	}
}

func TestDetectorMemoryAboveThreshold(t *testing.T) {
	detector := NewDetector(DefaultConfig().Detection)
	window := windowOf(
		models.TelemetrySample{MemoryPercent: 94},
		models.TelemetrySample{MemoryPercent: 92},
		models.TelemetrySample{MemoryPercent: 93},
	)
	det, ok := findDetection(detector.Evaluate(window), models.AnomalyMemoryLeak)
	if !ok {
		t.Fatalf("expected memory_leak for sustained pressure")
	}
	if det.Confidence <= 0 || det.Confidence > 95 {
		t.Fatalf("unexpected confidence %.1f", det.Confidence)
	}
}

func TestDetectDeduplicatesOpenAnomaly(t *testing.T) {
	detector := NewDetector(DefaultConfig().Detection)
	ids := sequentialIDs()

	first := healthySample()
	first.ErrorRatePercent = 7
	res1 := detector.Detect("checkout", []models.TelemetrySample{first}, nil, ids)
	if len(res1.Open) != 1 || len(res1.Created) != 1 {
		t.Fatalf("expected one new anomaly, got %+v", res1)
	}

	second := first
	second.Timestamp = first.Timestamp.Add(15 * time.Second)
	second.ErrorRatePercent = 11
	res2 := detector.Detect("checkout", []models.TelemetrySample{first, second}, res1.Open, ids)
	if len(res2.Open) != 1 || len(res2.Created) != 0 {
		t.Fatalf("expected the open anomaly to be updated, got %+v", res2)
	}
	got := res2.Open[0]
	if got.ID != res1.Open[0].ID || !got.DetectedAt.Equal(first.Timestamp) {
		t.Fatalf("identity must be stable across cycles: %+v", got)
	}
	if got.Confidence != 88 || got.Severity != models.SeverityCritical {
		t.Fatalf("expected updated confidence/severity, got %.1f/%s", got.Confidence, got.Severity)
	}
}

func TestDetectCreatesNewAnomalyAfterResolution(t *testing.T) {
	detector := NewDetector(DefaultConfig().Detection)
	ids := sequentialIDs()

	s := healthySample()
	s.ErrorRatePercent = 8
	res1 := detector.Detect("checkout", []models.TelemetrySample{s}, nil, ids)
	resolved := res1.Open[0]
	resolved.Resolved = true

	res2 := detector.Detect("checkout", []models.TelemetrySample{s}, []models.Anomaly{resolved}, ids)
	if len(res2.Created) != 1 || res2.Created[0].ID == resolved.ID {
		t.Fatalf("expected a fresh anomaly with a new id, got %+v", res2.Created)
	}
}

func TestDetectNeverSelfResolves(t *testing.T) {
	detector := NewDetector(DefaultConfig().Detection)
	open := []models.Anomaly{{ID: "a1", ServiceID: "checkout", Type: models.AnomalyLatencySpike, Severity: models.SeverityHigh}}
	res := detector.Detect("checkout", []models.TelemetrySample{healthySample()}, open, sequentialIDs())
	if len(res.Open) != 1 || res.Open[0].ID != "a1" || res.Open[0].Resolved {
		t.Fatalf("open anomaly must persist until resolved externally: %+v", res.Open)
	}
	if len(res.Fired) != 0 {
		t.Fatalf("healthy sample fired rules: %+v", res.Fired)
	}
}
