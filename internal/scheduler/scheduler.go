// Package scheduler runs one periodic evaluation task per registered service.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/devhops/devhops-engine/internal/engine"
	"github.com/devhops/devhops-engine/internal/metrics"
	"github.com/devhops/devhops-engine/internal/models"
	"github.com/devhops/devhops-engine/internal/servicestore"
	"github.com/devhops/devhops-engine/internal/snapshot"
	"github.com/devhops/devhops-engine/internal/telemetry"
	"github.com/devhops/devhops-engine/internal/tracing"
	"github.com/devhops/devhops-engine/internal/utils"
)

// ErrNoTelemetry marks a cycle whose metrics endpoint answered without new samples.
var ErrNoTelemetry = errors.New("no new telemetry")

// MetricsSource fetches samples newer than since.
type MetricsSource interface {
	FetchSamples(ctx context.Context, service models.Service, since time.Time) ([]models.TelemetrySample, error)
}

// DeploymentSource fetches deployments at or after since.
type DeploymentSource interface {
	FetchDeployments(ctx context.Context, serviceID string, since time.Time) ([]models.Deployment, error)
}

// ServiceRepository is the subset of the service store the scheduler needs.
type ServiceRepository interface {
	List(ctx context.Context) ([]models.Service, error)
	Touch(ctx context.Context, id string, lastChecked time.Time) error
}

// Options tunes the evaluation loop.
type Options struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	SyncInterval time.Duration
	RateLimit    float64
	Burst        int
	// Window is the span of telemetry each cycle evaluates, ending at the newest sample.
	Window time.Duration
	// DeploymentLookback is how far before the window deployments are fetched for correlation.
	// Zero follows the correlation window of the active pipeline, so hot reloads widen it too.
	DeploymentLookback time.Duration
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Store       *telemetry.Store
	Registry    *snapshot.Registry
	Services    ServiceRepository
	Metrics     MetricsSource
	Deployments DeploymentSource
	Pipeline    *engine.Pipeline
}

// Scheduler owns the per-service evaluation tasks.
type Scheduler struct {
	logger     *slog.Logger
	store      *telemetry.Store
	registry   *snapshot.Registry
	services   ServiceRepository
	metricsSrc MetricsSource
	deploySrc  DeploymentSource
	pipeline   atomic.Pointer[engine.Pipeline]
	limiter    *rate.Limiter
	opts       Options
	latencies  *utils.LatencyTracker
	now        func() time.Time
	tracer     trace.Tracer
	cycleLocks sync.Map
	mu         sync.Mutex
	runCtx     context.Context
	tasks      map[string]*task
	wg         sync.WaitGroup
	cycleCount atomic.Int64
}

type task struct {
	service models.Service
	cancel  context.CancelFunc
}

// New validates deps and opts and constructs a Scheduler.
func New(logger *slog.Logger, deps Deps, opts Options) (*Scheduler, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Services == nil || deps.Metrics == nil || deps.Pipeline == nil {
		return nil, errors.New("scheduler: store, registry, services, metrics source and pipeline are required")
	}
	if opts.Interval <= 0 || opts.FetchTimeout <= 0 {
		return nil, errors.New("scheduler: interval and fetch timeout must be positive")
	}
	if opts.RateLimit <= 0 || opts.Burst < 1 {
		return nil, errors.New("scheduler: rate limit must be positive and burst at least 1")
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 30 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		logger:     logger,
		store:      deps.Store,
		registry:   deps.Registry,
		services:   deps.Services,
		metricsSrc: deps.Metrics,
		deploySrc:  deps.Deployments,
		limiter:    rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
		opts:       opts,
		latencies:  utils.NewLatencyTracker(1024),
		now:        time.Now,
		tracer:     tracing.Tracer(),
		tasks:      make(map[string]*task),
	}
	s.pipeline.Store(deps.Pipeline)
	return s, nil
}

// SetPipeline swaps the evaluation pipeline; cycles already running finish with the old one.
func (s *Scheduler) SetPipeline(p *engine.Pipeline) {
	if p != nil {
		s.pipeline.Store(p)
	}
}

// Run starts every scheduled task, keeps the task set in sync with the service repository and blocks
// until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.runCtx != nil {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.runCtx = ctx
	for _, t := range s.tasks {
		s.startLocked(t)
	}
	s.mu.Unlock()

	if err := s.Sync(ctx); err != nil {
		s.logger.Warn("initial service sync failed", slog.Any("error", err))
	}

	ticker := time.NewTicker(s.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return nil
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				s.logger.Warn("service sync failed", slog.Any("error", err))
			}
		}
	}
}

// Sync schedules every service in the repository and cancels tasks of services that disappeared.
func (s *Scheduler) Sync(ctx context.Context) error {
	services, err := s.services.List(ctx)
	if err != nil {
		return fmt.Errorf("list services: %w", err)
	}
	known := make(map[string]struct{}, len(services))
	for _, service := range services {
		known[service.ID] = struct{}{}
		s.Schedule(service)
	}
	for _, id := range s.Scheduled() {
		if _, ok := known[id]; !ok {
			s.Cancel(id)
		}
	}
	return nil
}

// Schedule registers service for periodic evaluation. Scheduling a known service refreshes its metadata.
func (s *Scheduler) Schedule(service models.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[service.ID]; ok {
		t.service.Name = service.Name
		t.service.MetricsURL = service.MetricsURL
		t.service.RepoURL = service.RepoURL
		return
	}
	t := &task{service: service}
	s.tasks[service.ID] = t
	if s.runCtx != nil {
		s.startLocked(t)
	}
	s.logger.Info("service scheduled", slog.String("service_id", service.ID), slog.String("name", service.Name))
}

// Cancel stops the task of serviceID and drops its telemetry and snapshot.
func (s *Scheduler) Cancel(serviceID string) {
	s.mu.Lock()
	t, ok := s.tasks[serviceID]
	delete(s.tasks, serviceID)
	s.mu.Unlock()
	if !ok {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
	// Wait out an in-flight cycle so it cannot republish after removal.
	mu := s.cycleLock(serviceID)
	mu.Lock()
	s.store.Forget(serviceID)
	s.registry.Remove(serviceID)
	metrics.ForgetService(serviceID)
	mu.Unlock()
	s.logger.Info("service unscheduled", slog.String("service_id", serviceID))
}

// Scheduled lists the ids of scheduled services.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Refresh runs an immediate cycle for a scheduled service.
func (s *Scheduler) Refresh(ctx context.Context, serviceID string) (*models.ServiceSnapshot, error) {
	s.mu.Lock()
	t, ok := s.tasks[serviceID]
	var service models.Service
	if ok {
		service = t.service
	}
	s.mu.Unlock()
	if !ok {
		return nil, servicestore.ErrNotFound
	}
	return s.RunOnce(ctx, service)
}

func (s *Scheduler) startLocked(t *task) {
	ctx, cancel := context.WithCancel(s.runCtx)
	t.cancel = cancel
	service := t.service
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, service.ID)
	}()
}

func (s *Scheduler) loop(ctx context.Context, serviceID string) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		t, ok := s.tasks[serviceID]
		var service models.Service
		if ok {
			service = t.service
		}
		s.mu.Unlock()
		if !ok {
			return
		}
		if _, err := s.RunOnce(ctx, service); err != nil && ctx.Err() == nil {
			s.logger.Debug("cycle finished with error", slog.String("service_id", serviceID), slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	for _, t := range s.tasks {
		if t.cancel != nil {
			t.cancel()
		}
	}
	s.runCtx = nil
	s.mu.Unlock()
	s.wg.Wait()
}

// RunOnce executes one cycle for service and returns the snapshot it published. A returned error
// means the published snapshot is stale.
func (s *Scheduler) RunOnce(ctx context.Context, service models.Service) (*models.ServiceSnapshot, error) {
	mu := s.cycleLock(service.ID)
	mu.Lock()
	defer mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "devhops.evaluate", trace.WithAttributes(
		attribute.String("service.id", service.ID),
		attribute.String("service.name", service.Name),
	))
	defer span.End()

	start := time.Now()
	snap, outcome, err := s.cycle(ctx, service)
	duration := time.Since(start)

	metrics.ObserveCycle(duration, outcome)
	span.SetAttributes(attribute.String("cycle.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}

	s.latencies.Observe(duration)
	if count := s.cycleCount.Add(1); count%20 == 0 {
		summary := s.latencies.Summary()
		s.logger.Info("evaluation latency",
			slog.Duration("p50", summary.P50),
			slog.Duration("p95", summary.P95),
			slog.Int("samples", summary.Count))
	}
	return snap, err
}

func (s *Scheduler) cycle(ctx context.Context, service models.Service) (*models.ServiceSnapshot, string, error) {
	var since time.Time
	if latest, ok := s.store.Latest(service.ID); ok {
		since = latest.Timestamp
	}

	samples, err := s.fetchSamples(ctx, service, since)
	if err == nil && len(samples) == 0 {
		err = ErrNoTelemetry
	}
	if err != nil && ctx.Err() != nil {
		return nil, metrics.OutcomeError, err
	}
	if err != nil {
		if !errors.Is(err, ErrNoTelemetry) {
			metrics.FetchFailed("metrics")
		}
		attrs := []any{slog.String("service_id", service.ID), slog.Any("error", err)}
		if code, ok := utils.UpstreamStatus(err); ok {
			attrs = append(attrs, slog.Int("upstream_status", code))
		}
		s.logger.Warn("telemetry gap; marking service stale", attrs...)
		return s.markStale(service, err), metrics.OutcomeStale, err
	}

	rejected := 0
	for _, sample := range samples {
		if err := s.store.Append(service.ID, sample); err != nil {
			if errors.Is(err, telemetry.ErrOutOfOrder) {
				rejected++
				continue
			}
			return s.markStale(service, err), metrics.OutcomeError, err
		}
	}
	if rejected > 0 {
		metrics.OutOfOrderSamples(rejected)
		s.logger.Warn("dropped out-of-order samples",
			slog.String("service_id", service.ID), slog.Int("count", rejected))
	}

	newest, _ := s.store.Latest(service.ID)
	window := s.store.Window(service.ID, models.TimeRange{
		Start: newest.Timestamp.Add(-s.opts.Window),
		End:   newest.Timestamp,
	})

	pipeline := s.pipeline.Load()
	prev, hasPrev := s.registry.Get(service.ID)
	deployments := s.deployments(ctx, service, newest.Timestamp.Add(-s.opts.Window-s.lookback(pipeline)), prev)

	input := engine.Input{
		ServiceID:   service.ID,
		Window:      window,
		Deployments: deployments,
		Open:        s.registry.Open(service.ID),
	}
	if hasPrev && prev.Health != nil {
		input.PreviousStatus = prev.Health.Status
	}

	result, err := pipeline.Evaluate(input)
	if err != nil {
		s.logger.Error("evaluation failed", slog.String("service_id", service.ID), slog.Any("error", err))
		return s.markStale(service, err), metrics.OutcomeError, err
	}

	now := s.now()
	service.LastChecked = utils.NormalizeTimestamp(now)
	if err := s.services.Touch(ctx, service.ID, now); err != nil && !errors.Is(err, servicestore.ErrNotFound) {
		s.logger.Warn("record last checked failed", slog.String("service_id", service.ID), slog.Any("error", err))
	}

	cycles, successful := 1, 1
	if hasPrev {
		cycles, successful = prev.Cycles+1, prev.SuccessfulRuns+1
	}
	health, current, risk := result.Health, result.Current, result.Risk
	s.registry.Publish(models.ServiceSnapshot{
		Service:        service,
		Health:         &health,
		Current:        &current,
		Anomalies:      result.Anomalies,
		Correlations:   result.Correlations,
		Deployments:    deployments,
		Risk:           &risk,
		Uptime:         snapshot.Uptime(successful, cycles),
		LastEvaluated:  utils.NormalizeTimestamp(now),
		Cycles:         cycles,
		SuccessfulRuns: successful,
	})

	metrics.SetHealthScore(service.ID, health.Score)
	for _, a := range result.Created {
		metrics.AnomalyOpened(string(a.Type), string(a.Severity))
		s.logger.Info("anomaly detected",
			slog.String("service_id", service.ID),
			slog.String("anomaly_id", a.ID),
			slog.String("type", string(a.Type)),
			slog.String("severity", string(a.Severity)),
			slog.Float64("confidence", a.Confidence),
			slog.String("commit", a.CommitHash))
	}

	published, _ := s.registry.Get(service.ID)
	return published, metrics.OutcomeSuccess, nil
}

func (s *Scheduler) lookback(p *engine.Pipeline) time.Duration {
	if s.opts.DeploymentLookback > 0 {
		return s.opts.DeploymentLookback
	}
	return p.CorrelationWindow()
}

func (s *Scheduler) cycleLock(serviceID string) *sync.Mutex {
	lock, _ := s.cycleLocks.LoadOrStore(serviceID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (s *Scheduler) fetchSamples(ctx context.Context, service models.Service, since time.Time) ([]models.TelemetrySample, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()
	return s.metricsSrc.FetchSamples(fetchCtx, service, since)
}

// deployments fetches the deployments to correlate against. A failing source degrades correlation to
// the deployments seen in the previous cycle instead of failing the cycle.
func (s *Scheduler) deployments(ctx context.Context, service models.Service, since time.Time, prev *models.ServiceSnapshot) []models.Deployment {
	if s.deploySrc == nil {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return previousDeployments(prev)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	deployments, err := s.deploySrc.FetchDeployments(fetchCtx, service.ID, since)
	if err != nil {
		metrics.FetchFailed("deployments")
		s.logger.Warn("deployment fetch failed; reusing previous deployments",
			slog.String("service_id", service.ID), slog.Any("error", err))
		return previousDeployments(prev)
	}
	return deployments
}

func previousDeployments(prev *models.ServiceSnapshot) []models.Deployment {
	if prev == nil {
		return nil
	}
	return prev.Deployments
}

func (s *Scheduler) markStale(service models.Service, cause error) *models.ServiceSnapshot {
	s.registry.MarkStale(service, cause, s.now())
	snap, _ := s.registry.Get(service.ID)
	return snap
}
