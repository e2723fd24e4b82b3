package engine

import (
	"sort"
	"time"

	"github.com/devhops/devhops-engine/internal/models"
)

// Correlator ranks recent deployments as likely causes of open anomalies.
type Correlator struct {
	cfg CorrelationConfig
}

// NewCorrelator constructs a Correlator from validated configuration.
func NewCorrelator(cfg CorrelationConfig) *Correlator {
	if cfg.MaxSuspects < 1 {
		cfg.MaxSuspects = 1
	}
	return &Correlator{cfg: cfg}
}

// Correlate ranks deployments for every unresolved anomaly and stamps the best suspect's commit
// onto a copy of the anomaly. Anomalies without a deployment inside the window come back
// uncorrelated; that is an informational gap, not an error.
func (c *Correlator) Correlate(anomalies []models.Anomaly, deployments []models.Deployment) ([]models.Anomaly, []models.Correlation) {
	out := make([]models.Anomaly, len(anomalies))
	copy(out, anomalies)

	var correlations []models.Correlation
	for i, anomaly := range out {
		if anomaly.Resolved {
			continue
		}
		suspects := c.Rank(anomaly, deployments)
		if len(suspects) == 0 {
			out[i].CommitHash = ""
			out[i].DeploymentTime = nil
			continue
		}
		top := suspects[0].Deployment
		deployedAt := top.Time
		out[i].CommitHash = top.CommitHash
		out[i].DeploymentTime = &deployedAt
		correlations = append(correlations, models.Correlation{AnomalyID: anomaly.ID, Suspects: suspects})
	}
	return out, correlations
}

// Rank returns the deployments of the anomaly's service that precede its detection by at most the
// correlation window, best suspect first.
func (c *Correlator) Rank(anomaly models.Anomaly, deployments []models.Deployment) []models.Suspect {
	suspects := make([]models.Suspect, 0)
	for _, dep := range deployments {
		if dep.ServiceID != anomaly.ServiceID {
			continue
		}
		lead := anomaly.DetectedAt.Sub(dep.Time)
		if lead < 0 || lead > c.cfg.Window {
			continue
		}
		suspects = append(suspects, models.Suspect{
			Deployment: dep,
			Score:      c.score(lead, dep.RiskScore),
			LeadTime:   lead.Round(time.Second).String(),
		})
	}

	sort.SliceStable(suspects, func(i, j int) bool {
		a, b := suspects[i], suspects[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Deployment.Time.Equal(b.Deployment.Time) {
			return a.Deployment.Time.After(b.Deployment.Time)
		}
		return a.Deployment.ID < b.Deployment.ID
	})

	if len(suspects) > c.cfg.MaxSuspects {
		suspects = suspects[:c.cfg.MaxSuspects]
	}
	return suspects
}

// score blends recency (1 at detection, 0 at the window edge) with the deployment's own risk.
func (c *Correlator) score(lead time.Duration, risk float64) float64 {
	recency := 1 - clamp(float64(lead)/float64(c.cfg.Window), 0, 1)
	total := c.cfg.RecencyWeight + c.cfg.RiskWeight
	if total <= 0 {
		return 0
	}
	blended := (c.cfg.RecencyWeight*recency*100 + c.cfg.RiskWeight*clamp(risk, 0, 100)) / total
	return round1(blended)
}
