package status

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/statusboard/internal/domain"
	"github.com/bissquit/statusboard/internal/notifications"
	"github.com/bissquit/statusboard/internal/pkg/ctxlog"
)

// Dispatcher hands state change events to the notification fan-out.
type Dispatcher interface {
	Dispatch(ctx context.Context, event domain.StateChangeEvent, mode notifications.DispatchMode) (*notifications.FanoutResult, error)
}

// Service implements status mutations. Every persisted status change emits exactly one
// state change event after the write commits. Notification failures never fail the mutation.
type Service struct {
	repo       Repository
	aggregator *Aggregator
	dispatcher Dispatcher
	mode       notifications.DispatchMode
}

// NewService creates a new status service. A nil dispatcher disables notifications.
func NewService(repo Repository, dispatcher Dispatcher, mode notifications.DispatchMode) *Service {
	return &Service{
		repo:       repo,
		aggregator: NewAggregator(repo),
		dispatcher: dispatcher,
		mode:       mode,
	}
}

// CreateServiceInput holds data for creating a service.
type CreateServiceInput struct {
	OrganizationID string
	Name           string
	Description    string
	Status         domain.ServiceStatus
}

// CreateIncidentInput holds data for creating an incident.
type CreateIncidentInput struct {
	OrganizationID string
	ServiceID      *string
	Title          string
	Description    string
	Status         domain.IncidentStatus
	Impact         domain.Impact
}

// CreateMaintenanceInput holds data for creating a maintenance window.
type CreateMaintenanceInput struct {
	OrganizationID   string
	Title            string
	Description      string
	StartTime        time.Time
	EndTime          time.Time
	AffectedServices []string
}

// Aggregate returns the current aggregate status of an organization.
func (s *Service) Aggregate(ctx context.Context, organizationID string) (domain.AggregateStatus, error) {
	return s.aggregator.ComputeAggregate(ctx, organizationID)
}

// ListServices returns the services of an organization.
func (s *Service) ListServices(ctx context.Context, organizationID string) ([]domain.Service, error) {
	services, err := s.repo.ListServices(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return services, nil
}

// CreateService creates a service. Creation alone does not notify.
func (s *Service) CreateService(ctx context.Context, input CreateServiceInput) (*domain.Service, error) {
	status := input.Status
	if status == "" {
		status = domain.ServiceStatusOperational
	}
	if !status.IsValid() {
		return nil, ErrInvalidStatus
	}

	svc := &domain.Service{
		OrganizationID: input.OrganizationID,
		Name:           input.Name,
		Description:    input.Description,
		Status:         status,
	}
	if err := s.repo.CreateService(ctx, svc); err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return svc, nil
}

// UpdateServiceStatus sets a service's status and notifies when it changed.
func (s *Service) UpdateServiceStatus(ctx context.Context, id string, status domain.ServiceStatus) (*domain.Service, error) {
	if !status.IsValid() {
		return nil, ErrInvalidStatus
	}

	svc, previous, err := s.repo.UpdateServiceStatus(ctx, id, status)
	if err != nil {
		return nil, fmt.Errorf("update service status: %w", err)
	}

	if previous != svc.Status {
		s.notify(ctx, domain.NewServiceChange(svc, svc.UpdatedAt), nil)
	}
	return svc, nil
}

// CreateIncident opens an incident and notifies.
func (s *Service) CreateIncident(ctx context.Context, input CreateIncidentInput) (*domain.Incident, error) {
	status := input.Status
	if status == "" {
		status = domain.IncidentStatusInvestigating
	}
	if !status.IsValid() {
		return nil, ErrInvalidStatus
	}
	impact := input.Impact
	if impact == "" {
		impact = domain.ImpactNone
	}
	if !impact.IsValid() {
		return nil, fmt.Errorf("%w: impact %q", ErrInvalidStatus, impact)
	}

	inc := &domain.Incident{
		OrganizationID: input.OrganizationID,
		ServiceID:      input.ServiceID,
		Title:          input.Title,
		Description:    input.Description,
		Status:         status,
		Impact:         impact,
	}
	if err := s.repo.CreateIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}

	s.notify(ctx, domain.NewIncidentChange(inc, inc.UpdatedAt), inc.ServiceID)
	return inc, nil
}

// GetIncident returns an incident with its timeline.
func (s *Service) GetIncident(ctx context.Context, id string) (*domain.Incident, []domain.IncidentUpdate, error) {
	inc, err := s.repo.GetIncident(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("get incident: %w", err)
	}
	updates, err := s.repo.ListIncidentUpdates(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("list incident updates: %w", err)
	}
	return inc, updates, nil
}

// UpdateIncidentStatus records an incident update and notifies when the status changed.
func (s *Service) UpdateIncidentStatus(ctx context.Context, id string, status domain.IncidentStatus, message string) (*domain.Incident, error) {
	if !status.IsValid() {
		return nil, ErrInvalidStatus
	}

	inc, previous, err := s.repo.UpdateIncidentStatus(ctx, id, status, message)
	if err != nil {
		return nil, fmt.Errorf("update incident status: %w", err)
	}

	if previous != inc.Status {
		s.notify(ctx, domain.NewIncidentChange(inc, inc.UpdatedAt), inc.ServiceID)
	}
	return inc, nil
}

// CreateMaintenance schedules a maintenance window and notifies.
func (s *Service) CreateMaintenance(ctx context.Context, input CreateMaintenanceInput) (*domain.Maintenance, error) {
	if !input.EndTime.After(input.StartTime) {
		return nil, ErrInvalidTimeRange
	}

	affected := input.AffectedServices
	if affected == nil {
		affected = make([]string, 0)
	}

	m := &domain.Maintenance{
		OrganizationID:   input.OrganizationID,
		Title:            input.Title,
		Description:      input.Description,
		Status:           domain.MaintenanceStatusScheduled,
		StartTime:        input.StartTime.UTC(),
		EndTime:          input.EndTime.UTC(),
		AffectedServices: affected,
	}
	if err := s.repo.CreateMaintenance(ctx, m); err != nil {
		return nil, fmt.Errorf("create maintenance: %w", err)
	}

	s.notify(ctx, domain.NewMaintenanceChange(m, m.UpdatedAt), nil)
	return m, nil
}

// UpdateMaintenanceStatus sets a maintenance window's status and notifies when it changed.
func (s *Service) UpdateMaintenanceStatus(ctx context.Context, id string, status domain.MaintenanceStatus) (*domain.Maintenance, error) {
	if !status.IsValid() {
		return nil, ErrInvalidStatus
	}

	m, previous, err := s.repo.UpdateMaintenanceStatus(ctx, id, status)
	if err != nil {
		return nil, fmt.Errorf("update maintenance status: %w", err)
	}

	if previous != m.Status {
		s.notify(ctx, domain.NewMaintenanceChange(m, m.UpdatedAt), nil)
	}
	return m, nil
}

// SetEmailNotifications toggles a user's email opt-in.
func (s *Service) SetEmailNotifications(ctx context.Context, userID string, enabled bool) error {
	if err := s.repo.SetEmailNotifications(ctx, userID, enabled); err != nil {
		return fmt.Errorf("set email notifications: %w", err)
	}
	return nil
}

// notify dispatches event. Errors are logged and never returned.
func (s *Service) notify(ctx context.Context, event domain.StateChangeEvent, serviceID *string) {
	if s.dispatcher == nil {
		return
	}

	logger := ctxlog.FromContext(ctx)
	s.describe(ctx, &event, serviceID)

	res, err := s.dispatcher.Dispatch(ctx, event, s.mode)
	if err != nil {
		logger.Error("failed to dispatch state change",
			"event_kind", event.Kind,
			"entity_id", event.EntityID,
			"error", err,
		)
		return
	}

	if res != nil {
		logger.Debug("state change delivered",
			"event_kind", event.Kind,
			"entity_id", event.EntityID,
			"emails_succeeded", res.Email.Succeeded,
			"pushes_succeeded", res.Push.Succeeded,
		)
	}
}

// describe fills the display names of event. A failed lookup leaves the ids in place.
func (s *Service) describe(ctx context.Context, event *domain.StateChangeEvent, serviceID *string) {
	logger := ctxlog.FromContext(ctx)

	org, err := s.repo.GetOrganization(ctx, event.OrganizationID)
	if err != nil {
		logger.Warn("failed to look up organization for notification",
			"organization_id", event.OrganizationID,
			"error", err,
		)
	} else {
		event.OrganizationName = org.Name
		event.OrganizationSlug = org.Slug
	}

	if serviceID == nil {
		return
	}
	svc, err := s.repo.GetService(ctx, *serviceID)
	if err != nil {
		logger.Warn("failed to look up service for notification",
			"service_id", *serviceID,
			"error", err,
		)
		return
	}
	event.ServiceName = svc.Name
}
