package repo

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestFetchDeploymentsCachesResults(t *testing.T) {
	hits := 0
	stub := newRecordingCache()
	client := NewDeploymentClient("https://releases.example.com/", "/api/deployments", time.Second, stub, time.Minute)
	client.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		hits++
		if req.URL.Path != "/api/deployments" || req.URL.Query().Get("serviceId") != "checkout" {
			t.Fatalf("unexpected request: %s", req.URL)
		}
		return respond(http.StatusOK, "application/json", `[
			{"id":"d2","commitHash":"def67890","author":"mike","time":"2024-01-20T13:45:00Z","riskScore":140},
			{"id":"d1","serviceId":"checkout","commitHash":"abc12345","author":"sarah","time":"2024-01-20T10:00:00Z","riskScore":20},
			{"id":"d3","serviceId":"payments","commitHash":"fff00000","author":"lee","time":"2024-01-20T13:00:00Z"},
			{"id":"broken","serviceId":"checkout","author":"nobody"}
		]`), nil
	})

	ctx := context.Background()
	since := time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)
	deployments, err := client.FetchDeployments(ctx, "checkout", since)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deployments) != 1 || deployments[0].ID != "d2" {
		t.Fatalf("expected only the recent checkout deployment, got %+v", deployments)
	}
	if deployments[0].ServiceID != "checkout" || deployments[0].RiskScore != 100 {
		t.Fatalf("expected normalised deployment, got %+v", deployments[0])
	}
	if stub.ttl("deployments:checkout") != time.Minute || stub.misses != 1 {
		t.Fatalf("expected cache entry with ttl")
	}

	all, err := client.FetchDeployments(ctx, "checkout", time.Time{})
	if err != nil {
		t.Fatalf("unexpected cached error: %v", err)
	}
	if hits != 1 {
		t.Fatalf("cache miss triggered network call; hits=%d", hits)
	}
	if len(all) != 2 || all[0].ID != "d1" {
		t.Fatalf("expected cached deployments oldest first, got %+v", all)
	}
}

func TestFetchDeploymentsEnvelopeAndDisabled(t *testing.T) {
	client := NewDeploymentClient("http://releases", "deployments", time.Second, nil, 0)
	client.httpClient = newTestClient(func(*http.Request) (*http.Response, error) {
		return respond(http.StatusOK, "application/json",
			`{"deployments":[{"commitHash":"abc","time":"2024-01-20T13:45:00Z"}]}`), nil
	})
	deployments, err := client.FetchDeployments(context.Background(), "checkout", time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deployments) != 1 || deployments[0].ID != "abc" {
		t.Fatalf("expected id to default to the commit hash, got %+v", deployments)
	}

	disabled := NewDeploymentClient("", "", 0, nil, 0)
	if got, err := disabled.FetchDeployments(context.Background(), "checkout", time.Time{}); got != nil || err != nil {
		t.Fatalf("expected disabled source to return nothing, got %v %v", got, err)
	}
}

func TestFetchDeploymentsUpstreamError(t *testing.T) {
	client := NewDeploymentClient("http://releases", "/deployments", time.Second, nil, time.Minute)
	client.httpClient = newTestClient(func(*http.Request) (*http.Response, error) {
		return respond(http.StatusBadGateway, "text/plain", "bad gateway"), nil
	})
	if _, err := client.FetchDeployments(context.Background(), "checkout", time.Time{}); err == nil {
		t.Fatalf("expected error for upstream failure")
	}
}
