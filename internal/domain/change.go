package domain

import (
	"fmt"
	"time"
)

// ChangeKind identifies which kind of entity changed status.
type ChangeKind string

// Change kinds.
const (
	ChangeKindService     ChangeKind = "service"
	ChangeKindIncident    ChangeKind = "incident"
	ChangeKindMaintenance ChangeKind = "maintenance"
)

// IsValid checks if the change kind is known.
func (k ChangeKind) IsValid() bool {
	return k == ChangeKindService || k == ChangeKindIncident || k == ChangeKindMaintenance
}

// StateChangeEvent records that an entity's status was persisted with a new value.
// It is passed by value and never modified after construction.
type StateChangeEvent struct {
	Kind           ChangeKind
	EntityID       string
	OrganizationID string
	NewStatus      string
	OccurredAt     time.Time

	// Display names, used only for rendering emails. All optional: renderers fall
	// back to the ids above.
	Title            string
	OrganizationName string
	OrganizationSlug string
	// ServiceName is the affected service: the entity itself for service events,
	// the linked service for incidents.
	ServiceName string
}

// NewServiceChange builds the event for a persisted service status.
// at should be the persisted update time so that events of one entity order by commit.
func NewServiceChange(svc *Service, at time.Time) StateChangeEvent {
	return StateChangeEvent{
		Kind:           ChangeKindService,
		EntityID:       svc.ID,
		OrganizationID: svc.OrganizationID,
		NewStatus:      string(svc.Status),
		OccurredAt:     at.UTC(),
		Title:          svc.Name,
		ServiceName:    svc.Name,
	}
}

// NewIncidentChange builds the event for a persisted incident status.
func NewIncidentChange(inc *Incident, at time.Time) StateChangeEvent {
	return StateChangeEvent{
		Kind:           ChangeKindIncident,
		EntityID:       inc.ID,
		OrganizationID: inc.OrganizationID,
		NewStatus:      string(inc.Status),
		OccurredAt:     at.UTC(),
		Title:          inc.Title,
	}
}

// NewMaintenanceChange builds the event for a persisted maintenance status.
func NewMaintenanceChange(m *Maintenance, at time.Time) StateChangeEvent {
	return StateChangeEvent{
		Kind:           ChangeKindMaintenance,
		EntityID:       m.ID,
		OrganizationID: m.OrganizationID,
		NewStatus:      string(m.Status),
		OccurredAt:     at.UTC(),
		Title:          m.Title,
	}
}

// Validate checks the event before any dispatch work begins.
// All failures wrap ErrInvalidEvent.
func (e StateChangeEvent) Validate() error {
	if !e.Kind.IsValid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.EntityID == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidEvent)
	}
	if e.OrganizationID == "" {
		return fmt.Errorf("%w: organization id is required", ErrInvalidEvent)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurred at is required", ErrInvalidEvent)
	}

	var valid bool
	switch e.Kind {
	case ChangeKindService:
		valid = ServiceStatus(e.NewStatus).IsValid()
	case ChangeKindIncident:
		valid = IncidentStatus(e.NewStatus).IsValid()
	case ChangeKindMaintenance:
		valid = MaintenanceStatus(e.NewStatus).IsValid()
	}
	if !valid {
		return fmt.Errorf("%w: status %q is not valid for %s", ErrInvalidEvent, e.NewStatus, e.Kind)
	}

	return nil
}

// EntityKey identifies the entity the event belongs to.
// Events sharing a key must be delivered in commit order.
func (e StateChangeEvent) EntityKey() string {
	return string(e.Kind) + ":" + e.EntityID
}
