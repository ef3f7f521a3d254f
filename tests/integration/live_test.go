//go:build integration

package integration

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/bissquit/statusboard/internal/domain"
	"github.com/bissquit/statusboard/internal/notifications"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialLive(t *testing.T, orgID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/api/v1/organizations/" + orgID + "/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	registry := testApp.Registry()
	require.Eventually(t, func() bool { return registry.CountInOrg(orgID) == 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readPush(t *testing.T, conn *websocket.Conn) notifications.PushMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg notifications.PushMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestLive_ViewerReceivesStateChanges(t *testing.T) {
	org := createOrg(t)
	other := createOrg(t)
	operator := loginAs(t, createUser(t, org.ID, domain.RoleOperator, false))

	viewer := dialLive(t, org.ID)
	bystander := dialLive(t, other.ID)

	svc := createService(t, operator, org.ID, "Edge")
	setServiceStatus(t, operator, svc.ID, domain.ServiceStatusDegraded)

	msg := readPush(t, viewer)
	assert.Equal(t, domain.ChangeKindService, msg.Type)
	assert.Equal(t, svc.ID, msg.EntityID)
	assert.Equal(t, org.ID, msg.OrganizationID)
	assert.Equal(t, "DEGRADED", msg.Status)
	_, err := time.Parse(time.RFC3339, msg.OccurredAt)
	assert.NoError(t, err)

	inc := createIncident(t, operator, org.ID, "Packet loss")
	msg = readPush(t, viewer)
	assert.Equal(t, domain.ChangeKindIncident, msg.Type)
	assert.Equal(t, inc.ID, msg.EntityID)
	assert.Equal(t, "INVESTIGATING", msg.Status)

	require.NoError(t, bystander.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err = bystander.ReadMessage()
	assert.Error(t, err, "viewer of another organization must not be notified")
}

func TestLive_DisconnectedViewerIsRemoved(t *testing.T) {
	org := createOrg(t)
	conn := dialLive(t, org.ID)

	require.NoError(t, conn.Close())

	registry := testApp.Registry()
	assert.Eventually(t, func() bool { return registry.CountInOrg(org.ID) == 0 }, 2*time.Second, 10*time.Millisecond)
}
