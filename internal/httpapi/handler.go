// Package httpapi serves the dashboard REST API and the live snapshot feed.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/devhops/devhops-engine/internal/models"
	"github.com/devhops/devhops-engine/internal/servicestore"
	"github.com/devhops/devhops-engine/internal/snapshot"
)

// OverallHealthHeader carries the fleet health on GET /api/services.
const OverallHealthHeader = "X-Overall-Health"

const maxBodyBytes = 1 << 20

// Snapshots is the read side of the snapshot registry.
type Snapshots interface {
	Get(serviceID string) (*models.ServiceSnapshot, bool)
	OverallHealth() (float64, bool)
	Anomalies(serviceID string, includeResolved bool) []models.Anomaly
	Deployments(serviceID string) []models.Deployment
	RiskAssessments() []models.RiskAssessment
	ResolveAnomaly(anomalyID string, at time.Time) (models.Anomaly, error)
}

// TelemetryReader reads stored sample windows.
type TelemetryReader interface {
	Window(serviceID string, r models.TimeRange) []models.TelemetrySample
}

// Scheduler controls the evaluation tasks.
type Scheduler interface {
	Schedule(service models.Service)
	Cancel(serviceID string)
	Refresh(ctx context.Context, serviceID string) (*models.ServiceSnapshot, error)
}

// Deps are the collaborators of the API.
type Deps struct {
	Services  servicestore.Store
	Snapshots Snapshots
	Telemetry TelemetryReader
	Scheduler Scheduler
	// Live serves GET /ws when set.
	Live http.Handler
}

// Handler is the HTTP handler for the dashboard API.
type Handler struct {
	logger *slog.Logger
	deps   Deps
	router chi.Router
	now    func() time.Time
}

// New wires every route. origins configures CORS; an empty list disables CORS headers.
func New(logger *slog.Logger, deps Deps, origins []string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{logger: logger, deps: deps, now: time.Now}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(origins))

	r.Get("/health", h.health)
	if deps.Live != nil {
		r.Handle("/ws", deps.Live)
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/services", h.listServices)
		r.Post("/register-service", h.registerService)
		r.Route("/services/{id}", func(r chi.Router) {
			r.Get("/", h.getService)
			r.Delete("/", h.deleteService)
			r.Get("/telemetry", h.telemetry)
			r.Post("/refresh", h.refresh)
		})
		r.Get("/anomalies", h.listAnomalies)
		r.Post("/anomalies/{id}/resolve", h.resolveAnomaly)
		r.Get("/deployments", h.listDeployments)
		r.Get("/risk-assessments", h.listRiskAssessments)
	})
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// ServiceViews lists every registered service merged with its latest snapshot.
func (h *Handler) ServiceViews(ctx context.Context) ([]ServiceView, error) {
	services, err := h.deps.Services.List(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]ServiceView, 0, len(services))
	for _, service := range services {
		views = append(views, NewServiceView(service, h.snapshot(service.ID)))
	}
	return views, nil
}

func (h *Handler) snapshot(serviceID string) *models.ServiceSnapshot {
	if h.deps.Snapshots == nil {
		return nil
	}
	snap, _ := h.deps.Snapshots.Get(serviceID)
	return snap
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"time":   h.now().UTC().Format(time.RFC3339),
	}
	if services, err := h.deps.Services.List(r.Context()); err == nil {
		resp["services"] = len(services)
	} else {
		resp["status"] = "degraded"
		resp["error"] = "service store unavailable"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listServices(w http.ResponseWriter, r *http.Request) {
	views, err := h.ServiceViews(r.Context())
	if err != nil {
		h.internalError(w, "list services failed", err)
		return
	}
	if h.deps.Snapshots != nil {
		if overall, ok := h.deps.Snapshots.OverallHealth(); ok {
			w.Header().Set(OverallHealthHeader, strconv.FormatFloat(overall, 'f', 1, 64))
		}
	}
	writeJSON(w, http.StatusOK, views)
}

type registerRequest struct {
	Name       string `json:"name"`
	MetricsURL string `json:"metricsUrl"`
	RepoURL    string `json:"repoUrl"`
}

type registerResponse struct {
	ID      string      `json:"id"`
	Service ServiceView `json:"service"`
}

func (h *Handler) registerService(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	service, err := servicestore.Prepare(models.Service{
		Name:       req.Name,
		MetricsURL: req.MetricsURL,
		RepoURL:    req.RepoURL,
	}, h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.deps.Services.Create(r.Context(), service)
	var validation *servicestore.ValidationError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, servicestore.ErrAlreadyExists):
		writeError(w, http.StatusConflict, fmt.Sprintf("service %q is already registered", service.Name))
		return
	case err != nil:
		h.internalError(w, "register service failed", err)
		return
	}

	if h.deps.Scheduler != nil {
		h.deps.Scheduler.Schedule(created)
	}
	h.logger.Info("service registered",
		slog.String("service_id", created.ID),
		slog.String("name", created.Name),
		slog.String("metrics_url", created.MetricsURL))
	writeJSON(w, http.StatusCreated, registerResponse{ID: created.ID, Service: NewServiceView(created, nil)})
}

func (h *Handler) getService(w http.ResponseWriter, r *http.Request) {
	service, ok := h.lookupService(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, NewServiceDetail(service, h.snapshot(service.ID)))
}

func (h *Handler) deleteService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.deps.Services.Delete(r.Context(), id)
	if errors.Is(err, servicestore.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("service %q not found", id))
		return
	}
	if err != nil {
		h.internalError(w, "delete service failed", err)
		return
	}
	if h.deps.Scheduler != nil {
		h.deps.Scheduler.Cancel(id)
	}
	h.logger.Info("service deleted", slog.String("service_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) telemetry(w http.ResponseWriter, r *http.Request) {
	service, ok := h.lookupService(w, r)
	if !ok {
		return
	}
	rng, err := models.ParseRange(r.URL.Query().Get("range"), h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var window []models.TelemetrySample
	if h.deps.Telemetry != nil {
		window = h.deps.Telemetry.Window(service.ID, rng)
	}
	writeJSON(w, http.StatusOK, NewTelemetryViews(service.ID, window))
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	service, ok := h.lookupService(w, r)
	if !ok {
		return
	}
	if h.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}

	snap, err := h.deps.Scheduler.Refresh(r.Context(), service.ID)
	if errors.Is(err, servicestore.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("service %q is not scheduled", service.ID))
		return
	}
	if err != nil && snap == nil {
		h.logger.Warn("refresh failed", slog.String("service_id", service.ID), slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, NewServiceDetail(service, snap))
}

func (h *Handler) listAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeResolved, _ := strconv.ParseBool(q.Get("includeResolved"))
	writeJSON(w, http.StatusOK, h.deps.Snapshots.Anomalies(q.Get("serviceId"), includeResolved))
}

func (h *Handler) resolveAnomaly(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	anomaly, err := h.deps.Snapshots.ResolveAnomaly(id, h.now())
	switch {
	case errors.Is(err, snapshot.ErrAnomalyNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("anomaly %q not found", id))
		return
	case errors.Is(err, snapshot.ErrAnomalyResolved):
		writeError(w, http.StatusConflict, fmt.Sprintf("anomaly %q already resolved", id))
		return
	case err != nil:
		h.internalError(w, "resolve anomaly failed", err)
		return
	}
	h.logger.Info("anomaly resolved", slog.String("anomaly_id", id), slog.String("service_id", anomaly.ServiceID))
	writeJSON(w, http.StatusOK, anomaly)
}

func (h *Handler) listDeployments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Snapshots.Deployments(r.URL.Query().Get("serviceId")))
}

func (h *Handler) listRiskAssessments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Snapshots.RiskAssessments())
}

func (h *Handler) lookupService(w http.ResponseWriter, r *http.Request) (models.Service, bool) {
	id := chi.URLParam(r, "id")
	service, err := h.deps.Services.Get(r.Context(), id)
	if errors.Is(err, servicestore.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("service %q not found", id))
		return models.Service{}, false
	}
	if err != nil {
		h.internalError(w, "load service failed", err)
		return models.Service{}, false
	}
	return service, true
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/ws" {
				next.ServeHTTP(w, r)
				return
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

// corsMiddleware allows the configured dashboard origins; an empty list sends no CORS headers.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			allowed = append(allowed, o)
		}
	}
	if len(allowed) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{OverallHealthHeader},
		MaxAge:         300,
	})
}
