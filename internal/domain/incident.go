package domain

import "time"

// IncidentStatus represents the lifecycle status of an incident.
type IncidentStatus string

// Incident statuses.
const (
	IncidentStatusInvestigating IncidentStatus = "INVESTIGATING"
	IncidentStatusIdentified    IncidentStatus = "IDENTIFIED"
	IncidentStatusMonitoring    IncidentStatus = "MONITORING"
	IncidentStatusResolved      IncidentStatus = "RESOLVED"
)

// IsValid checks if the incident status is valid.
func (s IncidentStatus) IsValid() bool {
	switch s {
	case IncidentStatusInvestigating, IncidentStatusIdentified,
		IncidentStatusMonitoring, IncidentStatusResolved:
		return true
	}
	return false
}

// IsResolved reports whether the status is terminal.
// Every other status counts as an open incident for aggregation.
func (s IncidentStatus) IsResolved() bool {
	return s == IncidentStatusResolved
}

// Impact represents how badly an incident affects users.
type Impact string

// Impact levels.
const (
	ImpactNone     Impact = "NONE"
	ImpactMinor    Impact = "MINOR"
	ImpactMajor    Impact = "MAJOR"
	ImpactCritical Impact = "CRITICAL"
)

// IsValid checks if the impact level is valid.
func (i Impact) IsValid() bool {
	switch i {
	case ImpactNone, ImpactMinor, ImpactMajor, ImpactCritical:
		return true
	}
	return false
}

// Incident represents an incident raised for an organization.
type Incident struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	ServiceID      *string        `json:"service_id,omitempty"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Status         IncidentStatus `json:"status"`
	Impact         Impact         `json:"impact"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

// IncidentUpdate is a timeline entry recorded on every incident status change.
type IncidentUpdate struct {
	ID         string         `json:"id"`
	IncidentID string         `json:"incident_id"`
	Status     IncidentStatus `json:"status"`
	Message    string         `json:"message"`
	CreatedAt  time.Time      `json:"created_at"`
}
