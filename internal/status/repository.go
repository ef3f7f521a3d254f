// Package status provides the status aggregator, the status mutation service and its HTTP handlers.
package status

import (
	"context"
	"errors"

	"github.com/bissquit/statusboard/internal/domain"
)

// Status errors.
var (
	ErrServiceNotFound      = errors.New("service not found")
	ErrIncidentNotFound     = errors.New("incident not found")
	ErrMaintenanceNotFound  = errors.New("maintenance not found")
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrSubscriberNotFound   = errors.New("subscriber not found")
	ErrInvalidStatus        = errors.New("invalid status")
	ErrInvalidTimeRange     = errors.New("end time must be after start time")
)

// Reader is the read side used by the aggregator.
// Both methods fail with domain.ErrDependencyUnavailable when the store is unreachable.
type Reader interface {
	ListServices(ctx context.Context, organizationID string) ([]domain.Service, error)
	ListOpenIncidents(ctx context.Context, organizationID string) ([]domain.Incident, error)
}

// Repository defines the interface for status data operations.
// Update methods return the status held before the update so callers can tell
// whether anything changed. The returned entity's UpdatedAt is the time the new
// status was written.
type Repository interface {
	Reader

	GetOrganization(ctx context.Context, id string) (*domain.Organization, error)
	GetService(ctx context.Context, id string) (*domain.Service, error)

	CreateService(ctx context.Context, service *domain.Service) error
	UpdateServiceStatus(ctx context.Context, id string, status domain.ServiceStatus) (*domain.Service, domain.ServiceStatus, error)

	CreateIncident(ctx context.Context, incident *domain.Incident) error
	GetIncident(ctx context.Context, id string) (*domain.Incident, error)
	ListIncidentUpdates(ctx context.Context, incidentID string) ([]domain.IncidentUpdate, error)
	UpdateIncidentStatus(ctx context.Context, id string, status domain.IncidentStatus, message string) (*domain.Incident, domain.IncidentStatus, error)

	CreateMaintenance(ctx context.Context, m *domain.Maintenance) error
	UpdateMaintenanceStatus(ctx context.Context, id string, status domain.MaintenanceStatus) (*domain.Maintenance, domain.MaintenanceStatus, error)

	SetEmailNotifications(ctx context.Context, userID string, enabled bool) error
}
