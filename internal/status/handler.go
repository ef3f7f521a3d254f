package status

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/bissquit/statusboard/internal/domain"
	"github.com/bissquit/statusboard/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Handler handles HTTP requests for the status module.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new status handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterPublicRoutes registers routes readable without authentication.
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/organizations/{orgID}/status", h.GetAggregate)
	r.Get("/organizations/{orgID}/services", h.ListServices)
	r.Get("/incidents/{id}", h.GetIncident)
}

// RegisterUserRoutes registers routes for any authenticated user.
func (h *Handler) RegisterUserRoutes(r chi.Router) {
	r.Put("/me/notifications", h.SetNotifications)
}

// RegisterOperatorRoutes registers routes that require operator role.
func (h *Handler) RegisterOperatorRoutes(r chi.Router) {
	r.Post("/organizations/{orgID}/services", h.CreateService)
	r.Patch("/services/{id}/status", h.UpdateServiceStatus)
	r.Post("/organizations/{orgID}/incidents", h.CreateIncident)
	r.Patch("/incidents/{id}/status", h.UpdateIncidentStatus)
	r.Post("/organizations/{orgID}/maintenance", h.CreateMaintenance)
	r.Patch("/maintenance/{id}/status", h.UpdateMaintenanceStatus)
}

// CreateServiceRequest represents the request body for creating a service.
type CreateServiceRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=255"`
	Description string `json:"description" validate:"max=2000"`
	Status      string `json:"status" validate:"omitempty,oneof=OPERATIONAL DEGRADED PARTIAL_OUTAGE MAJOR_OUTAGE MAINTENANCE"`
}

// UpdateServiceStatusRequest represents the request body for changing a service status.
type UpdateServiceStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=OPERATIONAL DEGRADED PARTIAL_OUTAGE MAJOR_OUTAGE MAINTENANCE"`
}

// CreateIncidentRequest represents the request body for creating an incident.
type CreateIncidentRequest struct {
	Title       string  `json:"title" validate:"required,min=1,max=255"`
	Description string  `json:"description" validate:"max=5000"`
	ServiceID   *string `json:"service_id" validate:"omitempty,uuid"`
	Status      string  `json:"status" validate:"omitempty,oneof=INVESTIGATING IDENTIFIED MONITORING RESOLVED"`
	Impact      string  `json:"impact" validate:"omitempty,oneof=NONE MINOR MAJOR CRITICAL"`
}

// UpdateIncidentStatusRequest represents the request body for an incident update.
type UpdateIncidentStatusRequest struct {
	Status  string `json:"status" validate:"required,oneof=INVESTIGATING IDENTIFIED MONITORING RESOLVED"`
	Message string `json:"message" validate:"required,min=1,max=5000"`
}

// CreateMaintenanceRequest represents the request body for scheduling maintenance.
type CreateMaintenanceRequest struct {
	Title            string    `json:"title" validate:"required,min=1,max=255"`
	Description      string    `json:"description" validate:"max=5000"`
	StartTime        time.Time `json:"start_time" validate:"required"`
	EndTime          time.Time `json:"end_time" validate:"required"`
	AffectedServices []string  `json:"affected_services" validate:"dive,uuid"`
}

// UpdateMaintenanceStatusRequest represents the request body for changing a maintenance status.
type UpdateMaintenanceStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=SCHEDULED IN_PROGRESS COMPLETED"`
}

// SetNotificationsRequest represents the request body for the email opt-in toggle.
type SetNotificationsRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// IncidentResponse is an incident with its update timeline.
type IncidentResponse struct {
	*domain.Incident
	Updates []domain.IncidentUpdate `json:"updates"`
}

// GetAggregate handles GET /organizations/{orgID}/status.
func (h *Handler) GetAggregate(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	agg, err := h.service.Aggregate(r.Context(), orgID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, agg)
}

// ListServices handles GET /organizations/{orgID}/services.
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	services, err := h.service.ListServices(r.Context(), orgID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, services)
}

// GetIncident handles GET /incidents/{id}.
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	inc, updates, err := h.service.GetIncident(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, IncidentResponse{Incident: inc, Updates: updates})
}

// CreateService handles POST /organizations/{orgID}/services.
func (h *Handler) CreateService(w http.ResponseWriter, r *http.Request) {
	var req CreateServiceRequest
	if !h.decode(w, r, &req) {
		return
	}

	svc, err := h.service.CreateService(r.Context(), CreateServiceInput{
		OrganizationID: chi.URLParam(r, "orgID"),
		Name:           req.Name,
		Description:    req.Description,
		Status:         domain.ServiceStatus(req.Status),
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusCreated, svc)
}

// UpdateServiceStatus handles PATCH /services/{id}/status.
func (h *Handler) UpdateServiceStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateServiceStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	svc, err := h.service.UpdateServiceStatus(r.Context(), chi.URLParam(r, "id"), domain.ServiceStatus(req.Status))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, svc)
}

// CreateIncident handles POST /organizations/{orgID}/incidents.
func (h *Handler) CreateIncident(w http.ResponseWriter, r *http.Request) {
	var req CreateIncidentRequest
	if !h.decode(w, r, &req) {
		return
	}

	inc, err := h.service.CreateIncident(r.Context(), CreateIncidentInput{
		OrganizationID: chi.URLParam(r, "orgID"),
		ServiceID:      req.ServiceID,
		Title:          req.Title,
		Description:    req.Description,
		Status:         domain.IncidentStatus(req.Status),
		Impact:         domain.Impact(req.Impact),
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusCreated, inc)
}

// UpdateIncidentStatus handles PATCH /incidents/{id}/status.
func (h *Handler) UpdateIncidentStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateIncidentStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	inc, err := h.service.UpdateIncidentStatus(r.Context(), chi.URLParam(r, "id"), domain.IncidentStatus(req.Status), req.Message)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, inc)
}

// CreateMaintenance handles POST /organizations/{orgID}/maintenance.
func (h *Handler) CreateMaintenance(w http.ResponseWriter, r *http.Request) {
	var req CreateMaintenanceRequest
	if !h.decode(w, r, &req) {
		return
	}

	m, err := h.service.CreateMaintenance(r.Context(), CreateMaintenanceInput{
		OrganizationID:   chi.URLParam(r, "orgID"),
		Title:            req.Title,
		Description:      req.Description,
		StartTime:        req.StartTime,
		EndTime:          req.EndTime,
		AffectedServices: req.AffectedServices,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusCreated, m)
}

// UpdateMaintenanceStatus handles PATCH /maintenance/{id}/status.
func (h *Handler) UpdateMaintenanceStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateMaintenanceStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	m, err := h.service.UpdateMaintenanceStatus(r.Context(), chi.URLParam(r, "id"), domain.MaintenanceStatus(req.Status))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, m)
}

// SetNotifications handles PUT /me/notifications.
func (h *Handler) SetNotifications(w http.ResponseWriter, r *http.Request) {
	var req SetNotificationsRequest
	if !h.decode(w, r, &req) {
		return
	}

	userID := httputil.GetUserID(r.Context())
	if err := h.service.SetEmailNotifications(r.Context(), userID, *req.Enabled); err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		httputil.ValidationError(w, err)
		return false
	}
	return true
}

var statusErrorMappings = []httputil.ErrorMapping{
	{Error: ErrServiceNotFound, Status: http.StatusNotFound, Message: "service not found"},
	{Error: ErrIncidentNotFound, Status: http.StatusNotFound, Message: "incident not found"},
	{Error: ErrMaintenanceNotFound, Status: http.StatusNotFound, Message: "maintenance not found"},
	{Error: ErrOrganizationNotFound, Status: http.StatusNotFound, Message: "organization not found"},
	{Error: ErrSubscriberNotFound, Status: http.StatusNotFound, Message: "user not found"},
	{Error: ErrInvalidStatus, Status: http.StatusBadRequest},
	{Error: ErrInvalidTimeRange, Status: http.StatusBadRequest},
	{Error: domain.ErrDependencyUnavailable, Status: http.StatusServiceUnavailable, Message: "status temporarily unavailable"},
}

func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	httputil.HandleError(r.Context(), w, err, statusErrorMappings)
}
