package engine

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/devhops/devhops-engine/internal/models"
)

// RuleEngine appends operator-authored recommendations to the built-in ones.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule represents a single recommendation rule.
type Rule struct {
	ID              string    `yaml:"id"`
	Match           RuleMatch `yaml:"match"`
	Recommendations []string  `yaml:"recommendations"`
}

// RuleMatch defines optional attributes for rule matching. Every non-empty attribute must match.
type RuleMatch struct {
	Service     string   `yaml:"service"`
	AnomalyType string   `yaml:"anomaly_type"`
	MinSeverity string   `yaml:"min_severity"`
	MinRisk     float64  `yaml:"min_risk"`
	Status      []string `yaml:"status"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// RuleContext is what a rule is matched against.
type RuleContext struct {
	ServiceID string
	Risk      float64
	Status    models.HealthStatus
	Anomalies []models.Anomaly
}

// NewRuleEngine loads rules from the provided path. An empty path returns a nil engine; a missing
// file also does, with a warning so a misconfigured rules path is visible.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if path == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("recommendation rules file not found; using built-in recommendations only",
				slog.String("path", path))
			return nil, nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	logger.Debug("loaded recommendation rules", slog.String("path", path), slog.Int("rules", len(cfg.Rules)))
	return &RuleEngine{rules: cfg.Rules, logger: logger}, nil
}

// NewRuleEngineFromRules builds an engine from in-memory rules.
func NewRuleEngineFromRules(rules []Rule) *RuleEngine {
	return &RuleEngine{rules: rules, logger: slog.Default()}
}

// Recommend returns the recommendations of every matching rule, in rule order, without duplicates.
func (e *RuleEngine) Recommend(rc RuleContext) []string {
	if e == nil {
		return nil
	}

	matched := make([]string, 0)
	for _, rule := range e.rules {
		if rule.Match.Service != "" && !strings.EqualFold(rule.Match.Service, rc.ServiceID) {
			continue
		}
		if rule.Match.MinRisk > 0 && rc.Risk < rule.Match.MinRisk {
			continue
		}
		if len(rule.Match.Status) > 0 && !statusMatches(rule.Match.Status, rc.Status) {
			continue
		}
		if (rule.Match.AnomalyType != "" || rule.Match.MinSeverity != "") &&
			!anomalyMatches(rule.Match.AnomalyType, rule.Match.MinSeverity, rc.Anomalies) {
			continue
		}
		matched = appendUnique(matched, rule.Recommendations...)
	}
	return matched
}

func statusMatches(statuses []string, status models.HealthStatus) bool {
	for _, s := range statuses {
		if strings.EqualFold(s, string(status)) {
			return true
		}
	}
	return false
}

func anomalyMatches(anomalyType, minSeverity string, anomalies []models.Anomaly) bool {
	floor := models.Severity(strings.ToLower(minSeverity)).Rank()
	for _, a := range anomalies {
		if a.Resolved {
			continue
		}
		if anomalyType != "" && !strings.EqualFold(anomalyType, string(a.Type)) {
			continue
		}
		if a.Severity.Rank() >= floor {
			return true
		}
	}
	return false
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
