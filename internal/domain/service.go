package domain

import "time"

// ServiceStatus represents the operational status of a service.
type ServiceStatus string

// Service statuses.
const (
	ServiceStatusOperational   ServiceStatus = "OPERATIONAL"
	ServiceStatusDegraded      ServiceStatus = "DEGRADED"
	ServiceStatusPartialOutage ServiceStatus = "PARTIAL_OUTAGE"
	ServiceStatusMajorOutage   ServiceStatus = "MAJOR_OUTAGE"
	ServiceStatusMaintenance   ServiceStatus = "MAINTENANCE"
)

// IsValid checks if the service status is valid.
func (s ServiceStatus) IsValid() bool {
	switch s {
	case ServiceStatusOperational, ServiceStatusDegraded,
		ServiceStatusPartialOutage, ServiceStatusMajorOutage,
		ServiceStatusMaintenance:
		return true
	}
	return false
}

// Service represents a monitored service.
type Service struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organization_id"`
	Name           string        `json:"name"`
	Description    string        `json:"description"`
	Status         ServiceStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
