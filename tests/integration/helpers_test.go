//go:build integration

package integration

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/bissquit/statusboard/internal/domain"
	"github.com/bissquit/statusboard/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type testOrg struct {
	ID   string
	Slug string
}

type testUser struct {
	ID    string
	Email string
	Role  domain.Role
}

// createOrg inserts an organization with a unique slug.
func createOrg(t *testing.T) testOrg {
	t.Helper()
	slug := "org-" + uuid.NewString()[:8]

	var org testOrg
	err := testDB.QueryRow(context.Background(),
		`INSERT INTO organizations (name, slug) VALUES ($1, $2) RETURNING id, slug`,
		"Org "+slug, slug,
	).Scan(&org.ID, &org.Slug)
	require.NoError(t, err)
	return org
}

// createUser inserts a user of orgID with the given role and email opt-in.
func createUser(t *testing.T, orgID string, role domain.Role, emailNotifications bool) testUser {
	t.Helper()
	email := fmt.Sprintf("%s-%s@example.test", role, uuid.NewString()[:8])

	u := testUser{Email: email, Role: role}
	err := testDB.QueryRow(context.Background(),
		`INSERT INTO users (organization_id, email, role, email_notifications)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		orgID, email, string(role), emailNotifications,
	).Scan(&u.ID)
	require.NoError(t, err)
	return u
}

// requireStatus fails the test with the response body when the status code differs.
func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, testutil.ReadBody(t, resp))
	}
}

// loginAs returns a validating client authenticated as user.
func loginAs(t *testing.T, user testUser) *testutil.Client {
	t.Helper()
	client := newTestClient(t)
	client.LoginAs(t, testIssuer, user.ID, user.Role)
	return client
}

func createService(t *testing.T, client *testutil.Client, orgID, name string) domain.Service {
	t.Helper()
	resp, err := client.POST("/api/v1/organizations/"+orgID+"/services", map[string]interface{}{
		"name": name,
	})
	require.NoError(t, err)
	requireStatus(t, resp, http.StatusCreated)

	var result struct {
		Data domain.Service `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	return result.Data
}

func setServiceStatus(t *testing.T, client *testutil.Client, serviceID string, status domain.ServiceStatus) {
	t.Helper()
	resp, err := client.PATCH("/api/v1/services/"+serviceID+"/status", map[string]interface{}{
		"status": status,
	})
	require.NoError(t, err)
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func createIncident(t *testing.T, client *testutil.Client, orgID, title string) domain.Incident {
	t.Helper()
	resp, err := client.POST("/api/v1/organizations/"+orgID+"/incidents", map[string]interface{}{
		"title":  title,
		"impact": "MINOR",
	})
	require.NoError(t, err)
	requireStatus(t, resp, http.StatusCreated)

	var result struct {
		Data domain.Incident `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	return result.Data
}

func updateIncident(t *testing.T, client *testutil.Client, incidentID string, status domain.IncidentStatus, message string) {
	t.Helper()
	resp, err := client.PATCH("/api/v1/incidents/"+incidentID+"/status", map[string]interface{}{
		"status":  status,
		"message": message,
	})
	require.NoError(t, err)
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func getAggregate(t *testing.T, client *testutil.Client, orgID string) domain.AggregateStatus {
	t.Helper()
	resp, err := client.GET("/api/v1/organizations/" + orgID + "/status")
	require.NoError(t, err)
	requireStatus(t, resp, http.StatusOK)

	var result struct {
		Data domain.AggregateStatus `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	return result.Data
}
