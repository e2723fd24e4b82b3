// Package engine turns telemetry windows into health scores, anomalies, deployment
// correlations and risk assessments. Everything here is a pure computation over its inputs;
// state between cycles lives with the caller.
package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/devhops/devhops-engine/internal/models"
)

// Input is one service's evaluation cycle.
type Input struct {
	ServiceID   string
	Window      []models.TelemetrySample
	Deployments []models.Deployment
	// Open holds the anomalies left unresolved by previous cycles.
	Open []models.Anomaly
	// PreviousStatus is only consulted when hysteresis is configured.
	PreviousStatus models.HealthStatus
}

// Result is the complete output of one evaluation cycle.
type Result struct {
	Health       models.HealthScore
	Current      models.TelemetrySample
	Anomalies    []models.Anomaly
	Created      []models.Anomaly
	Fired        []Detection
	Correlations []models.Correlation
	Risk         models.RiskAssessment
}

// Pipeline chains scorer, detector, correlator and assessor.
type Pipeline struct {
	logger     *slog.Logger
	scorer     *Scorer
	detector   *Detector
	correlator *Correlator
	assessor   *Assessor
	newID      IDGenerator
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithIDGenerator overrides how anomaly ids are minted.
func WithIDGenerator(gen IDGenerator) Option {
	return func(p *Pipeline) {
		if gen != nil {
			p.newID = gen
		}
	}
}

// NewPipeline validates cfg and constructs the evaluation pipeline. rules may be nil.
func NewPipeline(logger *slog.Logger, cfg Config, rules *RuleEngine, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid analysis config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		logger:     logger,
		scorer:     NewScorer(cfg.Scoring),
		detector:   NewDetector(cfg.Detection),
		correlator: NewCorrelator(cfg.Correlation),
		assessor:   NewAssessor(cfg.Risk, cfg.Scoring, rules),
		newID:      func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Evaluate runs score -> detect -> correlate -> assess over in.
func (p *Pipeline) Evaluate(in Input) (Result, error) {
	if in.ServiceID == "" {
		return Result{}, fmt.Errorf("service id is required")
	}
	health, current, err := p.scorer.Score(in.ServiceID, in.Window, in.PreviousStatus)
	if err != nil {
		return Result{}, fmt.Errorf("score %s: %w", in.ServiceID, err)
	}

	detected := p.detector.Detect(in.ServiceID, in.Window, in.Open, p.newID)
	anomalies, correlations := p.correlator.Correlate(detected.Open, in.Deployments)

	risk := p.assessor.Assess(AssessInput{
		Health:       health,
		Current:      current,
		Anomalies:    anomalies,
		Correlations: correlations,
	})

	p.logger.Debug("service evaluated",
		slog.String("service_id", in.ServiceID),
		slog.Float64("score", health.Score),
		slog.String("status", string(health.Status)),
		slog.Int("open_anomalies", len(anomalies)),
		slog.Int("new_anomalies", len(detected.Created)),
		slog.Float64("risk", risk.CurrentRisk),
	)

	created := make([]models.Anomaly, 0, len(detected.Created))
	for _, c := range detected.Created {
		for _, a := range anomalies {
			if a.ID == c.ID {
				created = append(created, a)
				break
			}
		}
	}

	return Result{
		Health:       health,
		Current:      current,
		Anomalies:    anomalies,
		Created:      created,
		Fired:        detected.Fired,
		Correlations: correlations,
		Risk:         risk,
	}, nil
}

// Scorer exposes the pipeline's scorer.
func (p *Pipeline) Scorer() *Scorer { return p.scorer }

// CorrelationWindow is the configured W: how far a deployment may precede an anomaly.
func (p *Pipeline) CorrelationWindow() time.Duration { return p.correlator.cfg.Window }
