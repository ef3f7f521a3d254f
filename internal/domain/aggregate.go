package domain

// OverallStatus is the system-wide status of an organization.
type OverallStatus string

// Overall statuses.
const (
	OverallStatusOperational OverallStatus = "OPERATIONAL"
	OverallStatusDegraded    OverallStatus = "DEGRADED"
)

// OverallStatusFor maps an open incident count to the overall status.
// Degraded iff at least one incident is open.
func OverallStatusFor(activeIncidents int) OverallStatus {
	if activeIncidents > 0 {
		return OverallStatusDegraded
	}
	return OverallStatusOperational
}

// ServiceStatusSummary is one service's entry in an aggregate.
type ServiceStatusSummary struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Status ServiceStatus `json:"status"`
}

// AggregateStatus is derived on demand from current services and open incidents.
// It is never stored.
type AggregateStatus struct {
	OrganizationID      string                 `json:"organization_id"`
	OverallStatus       OverallStatus          `json:"overall_status"`
	ActiveIncidentCount int                    `json:"active_incident_count"`
	Services            []ServiceStatusSummary `json:"services"`
}
