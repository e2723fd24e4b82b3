package repo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/devhops/devhops-engine/internal/cache"
	"github.com/devhops/devhops-engine/internal/models"
	"github.com/devhops/devhops-engine/internal/utils"
)

// DeploymentClient reads deployment events from the release tracker.
type DeploymentClient struct {
	baseURL    string
	path       string
	httpClient *http.Client
	cache      cache.Provider
	ttl        time.Duration
}

// NewDeploymentClient constructs a client. An empty baseURL disables the source.
func NewDeploymentClient(baseURL, deploymentsPath string, timeout time.Duration, cacheProvider cache.Provider, ttl time.Duration) *DeploymentClient {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if ttl < 0 {
		ttl = 0
	}
	return &DeploymentClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		path:       deploymentsPath,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cacheProvider,
		ttl:        ttl,
	}
}

// FetchDeployments returns the deployments of serviceID at or after since, oldest first.
func (c *DeploymentClient) FetchDeployments(ctx context.Context, serviceID string, since time.Time) ([]models.Deployment, error) {
	if c == nil || c.baseURL == "" {
		return nil, nil
	}

	deployments, err := c.load(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	out := make([]models.Deployment, 0, len(deployments))
	for _, d := range deployments {
		if !since.IsZero() && d.Time.Before(since) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *DeploymentClient) load(ctx context.Context, serviceID string) ([]models.Deployment, error) {
	cacheKey := cache.Key("deployments", serviceID)
	if c.ttl > 0 {
		if cached, ok := cache.GetJSON[[]models.Deployment](ctx, c.cache, cacheKey); ok {
			return cached, nil
		}
	}

	endpoint, err := c.endpoint(serviceID)
	if err != nil {
		return nil, utils.NewAppError("fetch_deployments", "invalid deployments url", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, utils.NewAppError("fetch_deployments", "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, utils.NewUpstreamError("fetch_deployments", resp.StatusCode, resp.Status)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, utils.NewAppError("fetch_deployments", "decode response", err)
	}
	var wire []models.Deployment
	if err := json.Unmarshal(raw, &wire); err != nil {
		var envelope struct {
			Deployments []models.Deployment `json:"deployments"`
		}
		if envErr := json.Unmarshal(raw, &envelope); envErr != nil {
			return nil, utils.NewAppError("fetch_deployments", "decode response", err)
		}
		wire = envelope.Deployments
	}

	deployments := make([]models.Deployment, 0, len(wire))
	for _, d := range wire {
		if d.Time.IsZero() || d.CommitHash == "" {
			continue
		}
		if d.ServiceID == "" {
			d.ServiceID = serviceID
		}
		if d.ServiceID != serviceID {
			continue
		}
		if d.ID == "" {
			d.ID = d.CommitHash
		}
		d.Time = utils.NormalizeTimestamp(d.Time)
		d.RiskScore = clampRisk(d.RiskScore)
		deployments = append(deployments, d)
	}
	sort.SliceStable(deployments, func(i, j int) bool { return deployments[i].Time.Before(deployments[j].Time) })

	if c.ttl > 0 {
		_ = cache.SetJSON(ctx, c.cache, cacheKey, deployments, c.ttl)
	}
	return deployments, nil
}

func (c *DeploymentClient) endpoint(serviceID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	u.Path = path.Join(u.Path, "/"+strings.TrimLeft(c.path, "/"))
	q := u.Query()
	q.Set("serviceId", serviceID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func clampRisk(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
