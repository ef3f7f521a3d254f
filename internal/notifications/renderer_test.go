package notifications

import (
	"testing"
	"time"

	"github.com/bissquit/statusboard/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOccurredAt = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func TestNewRenderer(t *testing.T) {
	r, err := NewRenderer("https://status.example.com/")
	require.NoError(t, err)
	require.NotNil(t, r)

	assert.Len(t, r.templates, 3)
	assert.Equal(t, "https://status.example.com", r.baseURL)
}

func TestRenderer_Render_Service(t *testing.T) {
	r, err := NewRenderer("https://status.example.com")
	require.NoError(t, err)

	event := domain.StateChangeEvent{
		Kind:           domain.ChangeKindService,
		EntityID:       "svc-1",
		OrganizationID: "org-1",
		NewStatus:      string(domain.ServiceStatusPartialOutage),
		OccurredAt:     testOccurredAt,
		Title:          "API Gateway",
	}

	subject, body, err := r.Render(event)
	require.NoError(t, err)

	assert.Equal(t, "Service Status Update: API Gateway is now Partial Outage", subject)
	assert.Contains(t, body, "The status of API Gateway has been updated to Partial Outage.")
	assert.Contains(t, body, "Organization: org-1")
	assert.Contains(t, body, "Changed At: Mar 14, 2026 09:26 UTC")
	assert.Contains(t, body, "https://status.example.com/status/org-1")
}

func TestRenderer_Render_Incident(t *testing.T) {
	r, err := NewRenderer("https://status.example.com")
	require.NoError(t, err)

	event := domain.StateChangeEvent{
		Kind:           domain.ChangeKindIncident,
		EntityID:       "inc-7",
		OrganizationID: "org-1",
		NewStatus:      string(domain.IncidentStatusInvestigating),
		OccurredAt:     testOccurredAt,
		Title:          "Database connectivity issues",
	}

	subject, body, err := r.Render(event)
	require.NoError(t, err)

	assert.Equal(t, "Incident Update: Database connectivity issues - Investigating", subject)
	assert.Contains(t, body, "Incident: Database connectivity issues")
	assert.Contains(t, body, "https://status.example.com/incidents/inc-7")
	assert.NotContains(t, body, "has been resolved")
	assert.NotContains(t, body, "Service:")
}

func TestRenderer_Render_UsesOrganizationNames(t *testing.T) {
	r, err := NewRenderer("https://status.example.com")
	require.NoError(t, err)

	orgID := "22222222-2222-2222-2222-222222222222"
	event := domain.StateChangeEvent{
		Kind:             domain.ChangeKindService,
		EntityID:         "svc-1",
		OrganizationID:   orgID,
		NewStatus:        string(domain.ServiceStatusDegraded),
		OccurredAt:       testOccurredAt,
		Title:            "API Gateway",
		OrganizationName: "Acme Corp",
		OrganizationSlug: "acme",
		ServiceName:      "API Gateway",
	}

	_, body, err := r.Render(event)
	require.NoError(t, err)

	assert.Contains(t, body, "Organization: Acme Corp")
	assert.Contains(t, body, "https://status.example.com/status/acme")
	assert.NotContains(t, body, orgID)
}

func TestRenderer_Render_IncidentNamesService(t *testing.T) {
	r, err := NewRenderer("https://status.example.com")
	require.NoError(t, err)

	event := domain.StateChangeEvent{
		Kind:             domain.ChangeKindIncident,
		EntityID:         "inc-9",
		OrganizationID:   "org-1",
		NewStatus:        string(domain.IncidentStatusIdentified),
		OccurredAt:       testOccurredAt,
		Title:            "Payments failing",
		OrganizationName: "Acme Corp",
		OrganizationSlug: "acme",
		ServiceName:      "Checkout",
	}

	_, body, err := r.Render(event)
	require.NoError(t, err)

	assert.Contains(t, body, "Incident: Payments failing\nService: Checkout\nNew Status: Identified")
	assert.Contains(t, body, "Organization: Acme Corp")
	assert.Contains(t, body, "https://status.example.com/incidents/inc-9")
}

func TestRenderer_Render_IncidentResolved(t *testing.T) {
	r, err := NewRenderer("")
	require.NoError(t, err)

	event := domain.StateChangeEvent{
		Kind:           domain.ChangeKindIncident,
		EntityID:       "inc-7",
		OrganizationID: "org-1",
		NewStatus:      string(domain.IncidentStatusResolved),
		OccurredAt:     testOccurredAt,
	}

	subject, body, err := r.Render(event)
	require.NoError(t, err)

	// Title falls back to the entity id.
	assert.Equal(t, "Incident Update: inc-7 - Resolved", subject)
	assert.Contains(t, body, "This incident has been resolved.")
	assert.NotContains(t, body, "view more details")
}

func TestRenderer_Render_Maintenance(t *testing.T) {
	r, err := NewRenderer("https://status.example.com")
	require.NoError(t, err)

	event := domain.StateChangeEvent{
		Kind:           domain.ChangeKindMaintenance,
		EntityID:       "mnt-2",
		OrganizationID: "org-1",
		NewStatus:      string(domain.MaintenanceStatusInProgress),
		OccurredAt:     testOccurredAt,
		Title:          "Database upgrade",
	}

	subject, body, err := r.Render(event)
	require.NoError(t, err)

	assert.Equal(t, "Maintenance Update: Database upgrade - In Progress", subject)
	assert.Contains(t, body, "Maintenance: Database upgrade")
	assert.Contains(t, body, "https://status.example.com/maintenance/mnt-2")
}

func TestRenderer_Render_Deterministic(t *testing.T) {
	r, err := NewRenderer("https://status.example.com")
	require.NoError(t, err)

	event := domain.StateChangeEvent{
		Kind:           domain.ChangeKindService,
		EntityID:       "svc-1",
		OrganizationID: "org-1",
		NewStatus:      string(domain.ServiceStatusDegraded),
		OccurredAt:     testOccurredAt,
		Title:          "API",
	}

	subject1, body1, err := r.Render(event)
	require.NoError(t, err)
	subject2, body2, err := r.Render(event)
	require.NoError(t, err)

	assert.Equal(t, subject1, subject2)
	assert.Equal(t, body1, body2)
}

func TestRenderer_Render_UnknownKind(t *testing.T) {
	r, err := NewRenderer("")
	require.NoError(t, err)

	_, _, err = r.Render(domain.StateChangeEvent{Kind: "widget"})
	require.ErrorIs(t, err, domain.ErrInvalidEvent)
}

func TestHumanizeStatus(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"OPERATIONAL", "Operational"},
		{"MAJOR_OUTAGE", "Major Outage"},
		{"IN_PROGRESS", "In Progress"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, humanizeStatus(tt.in))
		})
	}
}
