package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bissquit/statusboard/internal/domain"
	"github.com/bissquit/statusboard/internal/notifications"
	"github.com/bissquit/statusboard/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(repo *memoryRepository, disp Dispatcher) http.Handler {
	h := NewHandler(NewService(repo, disp, notifications.ModeFireAndForget))
	r := chi.NewRouter()
	h.RegisterPublicRoutes(r)
	h.RegisterOperatorRoutes(r)
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				ctx := httputil.WithPrincipal(req.Context(), httputil.Principal{UserID: req.Header.Get("X-Test-User"), Role: domain.RoleUser})
				next.ServeHTTP(w, req.WithContext(ctx))
			})
		})
		h.RegisterUserRoutes(r)
	})
	return r
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, dst))
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error.Message
}

func TestHandler_IncidentScenario(t *testing.T) {
	repo := newMemoryRepository("org-1")
	disp := &recordingDispatcher{}
	router := newTestRouter(repo, disp)

	for _, name := range []string{"API", "Web"} {
		rec := doRequest(t, router, http.MethodPost, "/organizations/org-1/services", `{"name":"`+name+`"}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := doRequest(t, router, http.MethodGet, "/organizations/org-1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var agg domain.AggregateStatus
	decodeData(t, rec, &agg)
	assert.Equal(t, domain.OverallStatusOperational, agg.OverallStatus)
	assert.Len(t, agg.Services, 2)

	rec = doRequest(t, router, http.MethodPost, "/organizations/org-1/incidents", `{"title":"Login failures","impact":"MAJOR"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var inc domain.Incident
	decodeData(t, rec, &inc)
	assert.Equal(t, domain.IncidentStatusInvestigating, inc.Status)

	rec = doRequest(t, router, http.MethodGet, "/organizations/org-1/status", "")
	decodeData(t, rec, &agg)
	assert.Equal(t, domain.OverallStatusDegraded, agg.OverallStatus)
	assert.Equal(t, 1, agg.ActiveIncidentCount)

	rec = doRequest(t, router, http.MethodPatch, "/incidents/"+inc.ID+"/status", `{"status":"RESOLVED","message":"Fixed"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, router, http.MethodGet, "/organizations/org-1/status", "")
	decodeData(t, rec, &agg)
	assert.Equal(t, domain.OverallStatusOperational, agg.OverallStatus)
	assert.Equal(t, 0, agg.ActiveIncidentCount)

	rec = doRequest(t, router, http.MethodGet, "/incidents/"+inc.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail IncidentResponse
	decodeData(t, rec, &detail)
	assert.Equal(t, domain.IncidentStatusResolved, detail.Status)
	assert.Len(t, detail.Updates, 2)

	assert.Len(t, disp.seen(), 2)
}

func TestHandler_UpdateServiceStatus(t *testing.T) {
	repo := newMemoryRepository("org-1")
	disp := &recordingDispatcher{}
	router := newTestRouter(repo, disp)

	rec := doRequest(t, router, http.MethodPost, "/organizations/org-1/services", `{"name":"API"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var svc domain.Service
	decodeData(t, rec, &svc)

	rec = doRequest(t, router, http.MethodPatch, "/services/"+svc.ID+"/status", `{"status":"MAJOR_OUTAGE"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &svc)
	assert.Equal(t, domain.ServiceStatusMajorOutage, svc.Status)

	events := disp.seen()
	require.Len(t, events, 1)
	assert.Equal(t, "MAJOR_OUTAGE", events[0].NewStatus)
}

func TestHandler_Errors(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantMsg    string
	}{
		{name: "unknown service", method: http.MethodPatch, path: "/services/missing/status", body: `{"status":"DEGRADED"}`, wantStatus: http.StatusNotFound, wantMsg: "service not found"},
		{name: "unknown incident", method: http.MethodGet, path: "/incidents/missing", wantStatus: http.StatusNotFound, wantMsg: "incident not found"},
		{name: "unknown maintenance", method: http.MethodPatch, path: "/maintenance/missing/status", body: `{"status":"COMPLETED"}`, wantStatus: http.StatusNotFound, wantMsg: "maintenance not found"},
		{name: "unknown organization", method: http.MethodPost, path: "/organizations/nope/services", body: `{"name":"API"}`, wantStatus: http.StatusNotFound, wantMsg: "organization not found"},
		{name: "invalid json", method: http.MethodPost, path: "/organizations/org-1/services", body: `{`, wantStatus: http.StatusBadRequest, wantMsg: "invalid json"},
		{name: "missing name", method: http.MethodPost, path: "/organizations/org-1/services", body: `{}`, wantStatus: http.StatusBadRequest, wantMsg: "validation error"},
		{name: "lowercase status", method: http.MethodPatch, path: "/services/x/status", body: `{"status":"degraded"}`, wantStatus: http.StatusBadRequest, wantMsg: "validation error"},
		{name: "incident update without message", method: http.MethodPatch, path: "/incidents/x/status", body: `{"status":"RESOLVED"}`, wantStatus: http.StatusBadRequest, wantMsg: "validation error"},
		{
			name:       "maintenance ends before start",
			method:     http.MethodPost,
			path:       "/organizations/org-1/maintenance",
			body:       `{"title":"Upgrade","start_time":"2026-04-01T22:00:00Z","end_time":"2026-04-01T21:00:00Z"}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	router := newTestRouter(newMemoryRepository("org-1"), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, errorMessage(t, rec))
			}
		})
	}
}

func TestHandler_AggregateUnavailable(t *testing.T) {
	repo := newMemoryRepository("org-1")
	repo.readErr = errors.New("connection refused")
	router := newTestRouter(repo, nil)

	rec := doRequest(t, router, http.MethodGet, "/organizations/org-1/status", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "status temporarily unavailable", errorMessage(t, rec))
}

func TestHandler_CreateMaintenance(t *testing.T) {
	disp := &recordingDispatcher{}
	router := newTestRouter(newMemoryRepository("org-1"), disp)

	rec := doRequest(t, router, http.MethodPost, "/organizations/org-1/maintenance",
		`{"title":"Upgrade","start_time":"2026-04-01T22:00:00Z","end_time":"2026-04-01T23:00:00Z"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var m domain.Maintenance
	decodeData(t, rec, &m)
	assert.Equal(t, domain.MaintenanceStatusScheduled, m.Status)
	assert.Equal(t, []string{}, m.AffectedServices)
	require.Len(t, disp.seen(), 1)
	assert.Equal(t, domain.ChangeKindMaintenance, disp.seen()[0].Kind)
}

func TestHandler_SetNotifications(t *testing.T) {
	repo := newMemoryRepository("org-1")
	repo.addSubscriber(domain.EmailSubscriber{UserID: "u1", Email: "u1@example.com", OrganizationID: "org-1", NotificationsEnabled: true})
	router := newTestRouter(repo, nil)

	req := httptest.NewRequest(http.MethodPut, "/me/notifications", strings.NewReader(`{"enabled":false}`))
	req.Header.Set("X-Test-User", "u1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got map[string]bool
	decodeData(t, rec, &got)
	assert.False(t, got["enabled"])

	subs, err := repo.ListEmailSubscribers(context.Background(), "org-1")
	require.NoError(t, err)
	assert.False(t, subs[0].NotificationsEnabled)

	// enabled is required; an empty body must not silently opt out.
	req = httptest.NewRequest(http.MethodPut, "/me/notifications", strings.NewReader(`{}`))
	req.Header.Set("X-Test-User", "u1")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
