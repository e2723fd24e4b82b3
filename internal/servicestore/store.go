// Package servicestore persists registered services.
package servicestore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/devhops/devhops-engine/internal/models"
	"github.com/devhops/devhops-engine/internal/utils"
)

var (
	// ErrNotFound is returned when no service has the requested id.
	ErrNotFound = errors.New("service not found")
	// ErrAlreadyExists is returned when a service with the same name is already registered.
	ErrAlreadyExists = errors.New("service already exists")
)

// Store is the registry of services the engine evaluates.
type Store interface {
	Create(ctx context.Context, service models.Service) (models.Service, error)
	Get(ctx context.Context, id string) (models.Service, error)
	List(ctx context.Context) ([]models.Service, error)
	Touch(ctx context.Context, id string, lastChecked time.Time) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// ValidationError reports a registration request that cannot be stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// Prepare validates service and fills in the id and registration time.
func Prepare(service models.Service, now time.Time) (models.Service, error) {
	service.Name = strings.TrimSpace(service.Name)
	service.MetricsURL = strings.TrimSpace(service.MetricsURL)
	service.RepoURL = strings.TrimSpace(service.RepoURL)

	if service.Name == "" {
		return models.Service{}, &ValidationError{Field: "name", Reason: "is required"}
	}
	if service.MetricsURL == "" {
		return models.Service{}, &ValidationError{Field: "metricsUrl", Reason: "is required"}
	}
	if !validURL(service.MetricsURL) {
		return models.Service{}, &ValidationError{Field: "metricsUrl", Reason: "must be an absolute http(s) url"}
	}
	if service.RepoURL != "" && !validURL(service.RepoURL) {
		return models.Service{}, &ValidationError{Field: "repoUrl", Reason: "must be an absolute http(s) url"}
	}

	if service.ID == "" {
		service.ID = uuid.NewString()
	}
	if service.RegisteredAt.IsZero() {
		service.RegisteredAt = now
	}
	service.RegisteredAt = utils.NormalizeTimestamp(service.RegisteredAt)
	if !service.LastChecked.IsZero() {
		service.LastChecked = utils.NormalizeTimestamp(service.LastChecked)
	}
	return service, nil
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
