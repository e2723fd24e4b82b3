package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/common/expfmt"

	"github.com/devhops/devhops-engine/internal/models"
	"github.com/devhops/devhops-engine/internal/utils"
)

// ErrNoSamples signals a metrics endpoint that answered without usable telemetry.
var ErrNoSamples = errors.New("metrics endpoint returned no samples")

// ErrNonFinite signals a sample carrying NaN or an infinite metric value.
var ErrNonFinite = errors.New("metrics endpoint returned a non-finite value")

const maxMetricsBody = 4 << 20

// MetricsClient pulls telemetry from a service's metrics endpoint. JSON responses carry explicit samples;
// anything else is parsed as a Prometheus exposition and mapped onto a single sample.
type MetricsClient struct {
	httpClient *http.Client
	mapping    PromMapping
	now        func() time.Time
}

// NewMetricsClient constructs a client with the given request timeout and exposition mapping.
func NewMetricsClient(timeout time.Duration, mapping PromMapping) *MetricsClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MetricsClient{
		httpClient: &http.Client{Timeout: timeout},
		mapping:    mapping.withDefaults(),
		now:        time.Now,
	}
}

// FetchSamples returns the samples of service newer than since, oldest first.
func (c *MetricsClient) FetchSamples(ctx context.Context, service models.Service, since time.Time) ([]models.TelemetrySample, error) {
	if c == nil {
		return nil, fmt.Errorf("metrics client not initialised")
	}
	if strings.TrimSpace(service.MetricsURL) == "" {
		return nil, utils.NewAppError("fetch_metrics", "metrics url not configured", nil)
	}

	endpoint, err := withSince(service.MetricsURL, since)
	if err != nil {
		return nil, utils.NewAppError("fetch_metrics", "invalid metrics url", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, "+string(expfmt.NewFormat(expfmt.TypeTextPlain))+";q=0.9")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, utils.NewAppError("fetch_metrics", "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, utils.NewUpstreamError("fetch_metrics", resp.StatusCode, resp.Status)
	}

	body := io.LimitReader(resp.Body, maxMetricsBody)
	var samples []models.TelemetrySample
	if isJSON(resp.Header.Get("Content-Type")) {
		samples, err = decodeJSONSamples(body, c.now())
	} else {
		var sample models.TelemetrySample
		sample, err = decodeExposition(body, c.mapping, c.now())
		samples = []models.TelemetrySample{sample}
	}
	if err != nil {
		return nil, utils.NewAppError("fetch_metrics", "decode response", err)
	}

	out := samples[:0]
	for _, s := range samples {
		s.ServiceID = service.ID
		if since.IsZero() || s.Timestamp.After(since) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

type wireMetrics struct {
	CPU        *float64 `json:"cpu"`
	Memory     *float64 `json:"memory"`
	Latency    *float64 `json:"latency"`
	ErrorRate  *float64 `json:"errorRate"`
	Throughput *float64 `json:"throughput"`
}

type wireSample struct {
	Timestamp string `json:"timestamp"`
	wireMetrics
	Metrics *wireMetrics `json:"metrics"`
}

func decodeJSONSamples(r io.Reader, now time.Time) ([]models.TelemetrySample, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))

	var wire []wireSample
	switch {
	case strings.HasPrefix(trimmed, "["):
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, err
		}
	case strings.HasPrefix(trimmed, "{"):
		var envelope struct {
			Samples []wireSample `json:"samples"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, err
		}
		if envelope.Samples != nil {
			wire = envelope.Samples
			break
		}
		var single wireSample
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, err
		}
		wire = []wireSample{single}
	default:
		return nil, ErrNoSamples
	}

	samples := make([]models.TelemetrySample, 0, len(wire))
	for i, w := range wire {
		sample, err := w.toSample(now)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		samples = append(samples, sample)
	}
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}
	return samples, nil
}

func (w wireSample) toSample(now time.Time) (models.TelemetrySample, error) {
	m := w.wireMetrics
	if w.Metrics != nil {
		m = *w.Metrics
	}
	if m.CPU == nil || m.Memory == nil || m.Latency == nil || m.ErrorRate == nil || m.Throughput == nil {
		return models.TelemetrySample{}, fmt.Errorf("cpu, memory, latency, errorRate and throughput are required")
	}

	ts := now
	if w.Timestamp != "" {
		parsed, err := utils.ParseRFC3339(w.Timestamp)
		if err != nil {
			return models.TelemetrySample{}, err
		}
		ts = parsed
	}
	sample := models.TelemetrySample{
		Timestamp:        utils.NormalizeTimestamp(ts),
		CPUPercent:       *m.CPU,
		MemoryPercent:    *m.Memory,
		LatencyMs:        *m.Latency,
		ErrorRatePercent: *m.ErrorRate,
		ThroughputPerSec: *m.Throughput,
	}
	if err := sample.CheckFinite(); err != nil {
		return models.TelemetrySample{}, fmt.Errorf("%w: %v", ErrNonFinite, err)
	}
	return sample, nil
}

func withSince(raw string, since time.Time) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if !since.IsZero() {
		q := u.Query()
		q.Set("since", since.UTC().Format(time.RFC3339))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
