// Package postgres provides PostgreSQL implementation of the status repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bissquit/statusboard/internal/domain"
	"github.com/bissquit/statusboard/internal/status"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgForeignKeyViolation = "23503"
	pgInvalidTextRep      = "22P02"
)

// Repository implements status.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// unavailable marks a failed read as a dependency failure.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrDependencyUnavailable, err)
}

// isInvalidID reports whether err is Postgres rejecting a malformed uuid.
// For Query the rejection arrives at Bind, so it surfaces from rows.Err, not Query.
func isInvalidID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgInvalidTextRep
}

func foreignKeyConstraint(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		slog.Error("failed to rollback transaction", "error", err)
	}
}

// ListServices returns all services of an organization ordered by name.
func (r *Repository) ListServices(ctx context.Context, organizationID string) ([]domain.Service, error) {
	query := `
		SELECT id, organization_id, name, description, status, created_at, updated_at
		FROM services
		WHERE organization_id = $1
		ORDER BY name, id
	`
	rows, err := r.db.Query(ctx, query, organizationID)
	if err != nil {
		return nil, unavailable("list services", err)
	}
	defer rows.Close()

	services := make([]domain.Service, 0)
	for rows.Next() {
		var s domain.Service
		if err := rows.Scan(&s.ID, &s.OrganizationID, &s.Name, &s.Description, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		services = append(services, s)
	}
	if err := rows.Err(); err != nil {
		if isInvalidID(err) {
			return []domain.Service{}, nil
		}
		return nil, unavailable("iterate services", err)
	}
	return services, nil
}

// ListOpenIncidents returns incidents of an organization that are not resolved, newest first.
func (r *Repository) ListOpenIncidents(ctx context.Context, organizationID string) ([]domain.Incident, error) {
	query := `
		SELECT id, organization_id, service_id, title, description, status, impact, created_at, updated_at, resolved_at
		FROM incidents
		WHERE organization_id = $1 AND status <> $2
		ORDER BY created_at DESC, id
	`
	rows, err := r.db.Query(ctx, query, organizationID, domain.IncidentStatusResolved)
	if err != nil {
		return nil, unavailable("list open incidents", err)
	}
	defer rows.Close()

	incidents := make([]domain.Incident, 0)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, *inc)
	}
	if err := rows.Err(); err != nil {
		if isInvalidID(err) {
			return []domain.Incident{}, nil
		}
		return nil, unavailable("iterate incidents", err)
	}
	return incidents, nil
}

// ListEmailSubscribers returns the users of an organization with their email opt-in flag.
func (r *Repository) ListEmailSubscribers(ctx context.Context, organizationID string) ([]domain.EmailSubscriber, error) {
	query := `
		SELECT id, email, organization_id, email_notifications
		FROM users
		WHERE organization_id = $1
		ORDER BY email
	`
	rows, err := r.db.Query(ctx, query, organizationID)
	if err != nil {
		return nil, unavailable("list email subscribers", err)
	}
	defer rows.Close()

	subscribers := make([]domain.EmailSubscriber, 0)
	for rows.Next() {
		var s domain.EmailSubscriber
		if err := rows.Scan(&s.UserID, &s.Email, &s.OrganizationID, &s.NotificationsEnabled); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subscribers = append(subscribers, s)
	}
	if err := rows.Err(); err != nil {
		if isInvalidID(err) {
			return []domain.EmailSubscriber{}, nil
		}
		return nil, unavailable("iterate subscribers", err)
	}
	return subscribers, nil
}

// GetOrganization returns an organization by id.
func (r *Repository) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	var org domain.Organization
	err := r.db.QueryRow(ctx, `SELECT id, name, slug FROM organizations WHERE id = $1`, id).
		Scan(&org.ID, &org.Name, &org.Slug)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidID(err) {
			return nil, status.ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return &org, nil
}

// GetService returns a service by id.
func (r *Repository) GetService(ctx context.Context, id string) (*domain.Service, error) {
	query := `
		SELECT id, organization_id, name, description, status, created_at, updated_at
		FROM services
		WHERE id = $1
	`
	var s domain.Service
	err := r.db.QueryRow(ctx, query, id).
		Scan(&s.ID, &s.OrganizationID, &s.Name, &s.Description, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidID(err) {
			return nil, status.ErrServiceNotFound
		}
		return nil, fmt.Errorf("get service: %w", err)
	}
	return &s, nil
}

// CreateService inserts a service.
func (r *Repository) CreateService(ctx context.Context, service *domain.Service) error {
	query := `
		INSERT INTO services (organization_id, name, description, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		service.OrganizationID,
		service.Name,
		service.Description,
		service.Status,
	).Scan(&service.ID, &service.CreatedAt, &service.UpdatedAt)
	if err != nil {
		if _, ok := foreignKeyConstraint(err); ok || isInvalidID(err) {
			return status.ErrOrganizationNotFound
		}
		return fmt.Errorf("create service: %w", err)
	}
	return nil
}

// UpdateServiceStatus sets a service status and returns the service with its previous status.
// updated_at uses clock_timestamp(), read after the row lock, so concurrent updates of one
// service get increasing times in commit order. NOW() would be the transaction start.
func (r *Repository) UpdateServiceStatus(ctx context.Context, id string, newStatus domain.ServiceStatus) (*domain.Service, domain.ServiceStatus, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	var previous domain.ServiceStatus
	err = tx.QueryRow(ctx, `SELECT status FROM services WHERE id = $1 FOR UPDATE`, id).Scan(&previous)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidID(err) {
			return nil, "", status.ErrServiceNotFound
		}
		return nil, "", fmt.Errorf("lock service: %w", err)
	}

	query := `
		UPDATE services
		SET status = $2, updated_at = CASE WHEN status = $2 THEN updated_at ELSE clock_timestamp() END
		WHERE id = $1
		RETURNING id, organization_id, name, description, status, created_at, updated_at
	`
	var s domain.Service
	err = tx.QueryRow(ctx, query, id, newStatus).Scan(
		&s.ID, &s.OrganizationID, &s.Name, &s.Description, &s.Status, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, "", fmt.Errorf("update service status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, "", fmt.Errorf("commit: %w", err)
	}
	return &s, previous, nil
}

// CreateIncident inserts an incident together with its first timeline entry.
func (r *Repository) CreateIncident(ctx context.Context, incident *domain.Incident) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	query := `
		INSERT INTO incidents (organization_id, service_id, title, description, status, impact, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, CASE WHEN $5 = 'RESOLVED' THEN NOW() END)
		RETURNING id, created_at, updated_at, resolved_at
	`
	err = tx.QueryRow(ctx, query,
		incident.OrganizationID,
		incident.ServiceID,
		incident.Title,
		incident.Description,
		incident.Status,
		incident.Impact,
	).Scan(&incident.ID, &incident.CreatedAt, &incident.UpdatedAt, &incident.ResolvedAt)
	if err != nil {
		if constraint, ok := foreignKeyConstraint(err); ok {
			if constraint == "incidents_service_id_fkey" {
				return status.ErrServiceNotFound
			}
			return status.ErrOrganizationNotFound
		}
		if isInvalidID(err) {
			return status.ErrOrganizationNotFound
		}
		return fmt.Errorf("create incident: %w", err)
	}

	if err := insertIncidentUpdate(ctx, tx, incident.ID, incident.Status, incident.Description); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetIncident returns an incident by id.
func (r *Repository) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	query := `
		SELECT id, organization_id, service_id, title, description, status, impact, created_at, updated_at, resolved_at
		FROM incidents
		WHERE id = $1
	`
	inc, err := scanIncident(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidID(err) {
			return nil, status.ErrIncidentNotFound
		}
		return nil, err
	}
	return inc, nil
}

// ListIncidentUpdates returns the timeline of an incident, oldest first.
func (r *Repository) ListIncidentUpdates(ctx context.Context, incidentID string) ([]domain.IncidentUpdate, error) {
	query := `
		SELECT id, incident_id, status, message, created_at
		FROM incident_updates
		WHERE incident_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.db.Query(ctx, query, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list incident updates: %w", err)
	}
	defer rows.Close()

	updates := make([]domain.IncidentUpdate, 0)
	for rows.Next() {
		var u domain.IncidentUpdate
		if err := rows.Scan(&u.ID, &u.IncidentID, &u.Status, &u.Message, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan incident update: %w", err)
		}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incident updates: %w", err)
	}
	return updates, nil
}

// UpdateIncidentStatus records a timeline entry and sets the incident status.
// resolved_at is stamped on the transition to RESOLVED and cleared when reopened.
func (r *Repository) UpdateIncidentStatus(ctx context.Context, id string, newStatus domain.IncidentStatus, message string) (*domain.Incident, domain.IncidentStatus, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	var previous domain.IncidentStatus
	err = tx.QueryRow(ctx, `SELECT status FROM incidents WHERE id = $1 FOR UPDATE`, id).Scan(&previous)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidID(err) {
			return nil, "", status.ErrIncidentNotFound
		}
		return nil, "", fmt.Errorf("lock incident: %w", err)
	}

	query := `
		UPDATE incidents
		SET status = $2,
		    updated_at = clock_timestamp(),
		    resolved_at = CASE
		        WHEN $2 = 'RESOLVED' THEN COALESCE(resolved_at, NOW())
		        ELSE NULL
		    END
		WHERE id = $1
		RETURNING id, organization_id, service_id, title, description, status, impact, created_at, updated_at, resolved_at
	`
	inc, err := scanIncident(tx.QueryRow(ctx, query, id, newStatus))
	if err != nil {
		return nil, "", err
	}

	if err := insertIncidentUpdate(ctx, tx, id, newStatus, message); err != nil {
		return nil, "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, "", fmt.Errorf("commit: %w", err)
	}
	return inc, previous, nil
}

// CreateMaintenance inserts a maintenance window and its affected services.
func (r *Repository) CreateMaintenance(ctx context.Context, m *domain.Maintenance) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	query := `
		INSERT INTO maintenances (organization_id, title, description, status, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`
	err = tx.QueryRow(ctx, query,
		m.OrganizationID,
		m.Title,
		m.Description,
		m.Status,
		m.StartTime,
		m.EndTime,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if _, ok := foreignKeyConstraint(err); ok || isInvalidID(err) {
			return status.ErrOrganizationNotFound
		}
		return fmt.Errorf("create maintenance: %w", err)
	}

	if len(m.AffectedServices) > 0 {
		batch := &pgx.Batch{}
		for _, serviceID := range m.AffectedServices {
			batch.Queue(`INSERT INTO maintenance_services (maintenance_id, service_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, m.ID, serviceID)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			if _, ok := foreignKeyConstraint(err); ok || isInvalidID(err) {
				return status.ErrServiceNotFound
			}
			return fmt.Errorf("link affected services: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpdateMaintenanceStatus sets a maintenance status and returns it with its previous status.
func (r *Repository) UpdateMaintenanceStatus(ctx context.Context, id string, newStatus domain.MaintenanceStatus) (*domain.Maintenance, domain.MaintenanceStatus, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	var previous domain.MaintenanceStatus
	err = tx.QueryRow(ctx, `SELECT status FROM maintenances WHERE id = $1 FOR UPDATE`, id).Scan(&previous)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidID(err) {
			return nil, "", status.ErrMaintenanceNotFound
		}
		return nil, "", fmt.Errorf("lock maintenance: %w", err)
	}

	query := `
		UPDATE maintenances
		SET status = $2, updated_at = clock_timestamp()
		WHERE id = $1
		RETURNING id, organization_id, title, description, status, start_time, end_time, created_at, updated_at
	`
	var m domain.Maintenance
	err = tx.QueryRow(ctx, query, id, newStatus).Scan(
		&m.ID, &m.OrganizationID, &m.Title, &m.Description, &m.Status,
		&m.StartTime, &m.EndTime, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, "", fmt.Errorf("update maintenance status: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT service_id FROM maintenance_services WHERE maintenance_id = $1 ORDER BY service_id`, id)
	if err != nil {
		return nil, "", fmt.Errorf("list affected services: %w", err)
	}
	m.AffectedServices, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, "", fmt.Errorf("scan affected services: %w", err)
	}
	if m.AffectedServices == nil {
		m.AffectedServices = make([]string, 0)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, "", fmt.Errorf("commit: %w", err)
	}
	return &m, previous, nil
}

// SetEmailNotifications sets a user's email opt-in flag.
func (r *Repository) SetEmailNotifications(ctx context.Context, userID string, enabled bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET email_notifications = $2, updated_at = NOW() WHERE id = $1`,
		userID, enabled,
	)
	if err != nil {
		if isInvalidID(err) {
			return status.ErrSubscriberNotFound
		}
		return fmt.Errorf("set email notifications: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return status.ErrSubscriberNotFound
	}
	return nil
}

func insertIncidentUpdate(ctx context.Context, tx pgx.Tx, incidentID string, st domain.IncidentStatus, message string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO incident_updates (incident_id, status, message) VALUES ($1, $2, $3)`,
		incidentID, st, message,
	)
	if err != nil {
		return fmt.Errorf("create incident update: %w", err)
	}
	return nil
}

func scanIncident(row pgx.Row) (*domain.Incident, error) {
	var inc domain.Incident
	err := row.Scan(
		&inc.ID,
		&inc.OrganizationID,
		&inc.ServiceID,
		&inc.Title,
		&inc.Description,
		&inc.Status,
		&inc.Impact,
		&inc.CreatedAt,
		&inc.UpdatedAt,
		&inc.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	return &inc, nil
}
