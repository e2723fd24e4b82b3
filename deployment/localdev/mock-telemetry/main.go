package main

import (
	"encoding/json"
	"log"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type sample struct {
	Timestamp  time.Time `json:"timestamp"`
	CPU        float64   `json:"cpu"`
	Memory     float64   `json:"memory"`
	Latency    float64   `json:"latency"`
	ErrorRate  float64   `json:"errorRate"`
	Throughput float64   `json:"throughput"`
}

type deployment struct {
	ID         string    `json:"id"`
	ServiceID  string    `json:"serviceId"`
	CommitHash string    `json:"commitHash"`
	Author     string    `json:"author"`
	Time       time.Time `json:"time"`
	RiskScore  float64   `json:"riskScore"`
	Summary    string    `json:"summary"`
}

// profile shapes the synthetic telemetry of one service.
type profile struct {
	cpu, memory, latency, errorRate, throughput float64
	// leak adds memory per minute since start, wrapping at 95%.
	leak float64
	// incidentAfter turns on an error and latency spike once the mock has run this long.
	incidentAfter time.Duration
}

var profiles = map[string]profile{
	"checkout": {cpu: 45, memory: 55, latency: 180, errorRate: 0.4, throughput: 850, incidentAfter: 3 * time.Minute},
	"payments": {cpu: 35, memory: 50, latency: 120, errorRate: 0.2, throughput: 420, leak: 1.5},
	"catalog":  {cpu: 25, memory: 40, latency: 60, errorRate: 0.1, throughput: 1200},
}

type generator struct {
	mu      sync.Mutex
	started time.Time
	rng     *rand.Rand
}

func (g *generator) next(name string, now time.Time) (sample, bool) {
	p, ok := profiles[name]
	if !ok {
		return sample{}, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	elapsed := now.Sub(g.started)
	jitter := func(v, spread float64) float64 { return math.Max(0, v+(g.rng.Float64()*2-1)*spread) }

	s := sample{
		Timestamp:  now.UTC().Truncate(time.Second),
		CPU:        jitter(p.cpu, 5),
		Memory:     jitter(p.memory, 2),
		Latency:    jitter(p.latency, p.latency*0.1),
		ErrorRate:  jitter(p.errorRate, p.errorRate*0.2),
		Throughput: jitter(p.throughput, p.throughput*0.05),
	}
	if p.leak > 0 {
		s.Memory = math.Mod(p.memory+p.leak*elapsed.Minutes(), 95)
	}
	if p.incidentAfter > 0 && elapsed > p.incidentAfter {
		s.ErrorRate = jitter(12, 2)
		s.Latency = jitter(1200, 150)
		s.CPU = jitter(88, 4)
	}
	return s, true
}

func deploymentsFor(serviceID string, started time.Time) []deployment {
	all := []deployment{
		{ID: "d-101", ServiceID: "checkout", CommitHash: "a1b2c3d4e5f6", Author: "sarah.chen", Time: started.Add(2 * time.Minute), RiskScore: 72, Summary: "Switch payment client to async retries"},
		{ID: "d-100", ServiceID: "checkout", CommitHash: "0f9e8d7c6b5a", Author: "mike.jones", Time: started.Add(-90 * time.Minute), RiskScore: 20, Summary: "Copy tweaks"},
		{ID: "d-201", ServiceID: "payments", CommitHash: "77aa88bb99cc", Author: "li.wei", Time: started.Add(-10 * time.Minute), RiskScore: 55, Summary: "Cache card tokens in process"},
	}
	var out []deployment
	for _, d := range all {
		if (serviceID == "" || d.ServiceID == serviceID) && !d.Time.After(time.Now()) {
			out = append(out, d)
		}
	}
	return out
}

func main() {
	gen := &generator{started: time.Now(), rng: rand.New(rand.NewPCG(42, 7))}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// JSON metrics API: GET /services/{name}/metrics
	mux.HandleFunc("GET /services/{name}/metrics", func(w http.ResponseWriter, r *http.Request) {
		s, ok := gen.next(r.PathValue("name"), time.Now())
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]any{"samples": []sample{s}})
	})

	// Prometheus exposition: GET /services/{name}/prometheus
	exporters := make(map[string]http.Handler, len(profiles))
	for name := range profiles {
		exporters[name] = newExporter(gen, name)
	}
	mux.HandleFunc("GET /services/{name}/prometheus", func(w http.ResponseWriter, r *http.Request) {
		h, ok := exporters[r.PathValue("name")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})

	mux.HandleFunc("GET /api/deployments", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, deploymentsFor(strings.TrimSpace(r.URL.Query().Get("serviceId")), gen.started))
	})

	logger := log.New(log.Writer(), "telemetry-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:              ":8080",
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Println("listening on :8080")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

// newExporter serves one service's telemetry in the default metric names the engine maps.
func newExporter(gen *generator, name string) http.Handler {
	reg := prometheus.NewRegistry()
	gauge := func(metric, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: metric, Help: help})
		reg.MustRegister(g)
		return g
	}
	cpu := gauge("service_cpu_usage_percent", "CPU utilisation.")
	memory := gauge("service_memory_usage_percent", "Memory utilisation.")
	latency := gauge("service_latency_ms", "Request latency in milliseconds.")
	errorRate := gauge("service_error_rate_percent", "Failed requests in percent.")
	throughput := gauge("service_throughput_rps", "Requests per second.")

	metrics := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, _ := gen.next(name, time.Now())
		cpu.Set(s.CPU)
		memory.Set(s.Memory)
		latency.Set(s.Latency)
		errorRate.Set(s.ErrorRate)
		throughput.Set(s.Throughput)
		metrics.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
