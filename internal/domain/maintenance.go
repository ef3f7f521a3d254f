package domain

import "time"

// MaintenanceStatus represents the status of a maintenance window.
type MaintenanceStatus string

// Maintenance statuses.
const (
	MaintenanceStatusScheduled  MaintenanceStatus = "SCHEDULED"
	MaintenanceStatusInProgress MaintenanceStatus = "IN_PROGRESS"
	MaintenanceStatusCompleted  MaintenanceStatus = "COMPLETED"
)

// IsValid checks if the maintenance status is valid.
func (s MaintenanceStatus) IsValid() bool {
	switch s {
	case MaintenanceStatusScheduled, MaintenanceStatusInProgress, MaintenanceStatusCompleted:
		return true
	}
	return false
}

// Maintenance represents a planned maintenance window.
type Maintenance struct {
	ID               string            `json:"id"`
	OrganizationID   string            `json:"organization_id"`
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	Status           MaintenanceStatus `json:"status"`
	StartTime        time.Time         `json:"start_time"`
	EndTime          time.Time         `json:"end_time"`
	AffectedServices []string          `json:"affected_services"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}
