package repo

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"

	"github.com/devhops/devhops-engine/internal/models"
	"github.com/devhops/devhops-engine/internal/utils"
)

// PromMapping names the metric families a Prometheus exposition is read from.
type PromMapping struct {
	CPU        string `yaml:"cpu"`
	Memory     string `yaml:"memory"`
	Latency    string `yaml:"latency"`
	ErrorRate  string `yaml:"errorRate"`
	Throughput string `yaml:"throughput"`
	// LatencyScale converts the latency family into milliseconds, e.g. 1000 for *_seconds histograms.
	LatencyScale float64 `yaml:"latencyScale"`
}

// DefaultPromMapping is the family naming the mock service and the bundled exporters use.
func DefaultPromMapping() PromMapping {
	return PromMapping{
		CPU:          "service_cpu_usage_percent",
		Memory:       "service_memory_usage_percent",
		Latency:      "service_latency_ms",
		ErrorRate:    "service_error_rate_percent",
		Throughput:   "service_throughput_rps",
		LatencyScale: 1,
	}
}

func (m PromMapping) withDefaults() PromMapping {
	def := DefaultPromMapping()
	if m.CPU == "" {
		m.CPU = def.CPU
	}
	if m.Memory == "" {
		m.Memory = def.Memory
	}
	if m.Latency == "" {
		m.Latency = def.Latency
	}
	if m.ErrorRate == "" {
		m.ErrorRate = def.ErrorRate
	}
	if m.Throughput == "" {
		m.Throughput = def.Throughput
	}
	if m.LatencyScale <= 0 {
		m.LatencyScale = def.LatencyScale
	}
	return m
}

// decodeExposition parses a text exposition and folds the mapped families into one sample. Gauges are
// averaged across series, throughput is summed, histograms and summaries contribute their mean.
func decodeExposition(r io.Reader, mapping PromMapping, now time.Time) (models.TelemetrySample, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(r)
	if err != nil && len(families) == 0 {
		return models.TelemetrySample{}, fmt.Errorf("parse prometheus text: %w", err)
	}

	var missing []string
	read := func(name string, sum bool) float64 {
		mf, ok := families[name]
		if !ok || len(mf.GetMetric()) == 0 {
			missing = append(missing, name)
			return 0
		}
		return foldFamily(mf, sum)
	}

	sample := models.TelemetrySample{
		CPUPercent:       read(mapping.CPU, false),
		MemoryPercent:    read(mapping.Memory, false),
		LatencyMs:        read(mapping.Latency, false) * mapping.LatencyScale,
		ErrorRatePercent: read(mapping.ErrorRate, false),
		ThroughputPerSec: read(mapping.Throughput, true),
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return models.TelemetrySample{}, fmt.Errorf("%w: missing %s", ErrNoSamples, strings.Join(missing, ", "))
	}

	if err := sample.CheckFinite(); err != nil {
		return models.TelemetrySample{}, fmt.Errorf("%w: %v", ErrNonFinite, err)
	}

	ts := now
	if newest := newestTimestamp(families, mapping); !newest.IsZero() {
		ts = newest
	}
	sample.Timestamp = utils.NormalizeTimestamp(ts)
	return sample, nil
}

func foldFamily(mf *dto.MetricFamily, sum bool) float64 {
	var total float64
	var n int
	for _, m := range mf.GetMetric() {
		switch {
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		case m.Histogram != nil:
			if m.Histogram.GetSampleCount() == 0 {
				continue
			}
			total += m.Histogram.GetSampleSum() / float64(m.Histogram.GetSampleCount())
		case m.Summary != nil:
			if m.Summary.GetSampleCount() == 0 {
				continue
			}
			total += m.Summary.GetSampleSum() / float64(m.Summary.GetSampleCount())
		default:
			continue
		}
		n++
	}
	if n == 0 {
		return 0
	}
	if sum {
		return total
	}
	return total / float64(n)
}

func newestTimestamp(families map[string]*dto.MetricFamily, mapping PromMapping) time.Time {
	var newest int64
	for _, name := range []string{mapping.CPU, mapping.Memory, mapping.Latency, mapping.ErrorRate, mapping.Throughput} {
		for _, m := range families[name].GetMetric() {
			if ts := m.GetTimestampMs(); ts > newest {
				newest = ts
			}
		}
	}
	if newest == 0 {
		return time.Time{}
	}
	return time.UnixMilli(newest)
}
