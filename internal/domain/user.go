package domain

// Role represents a user's access level.
type Role string

// Roles, lowest privilege first.
const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleUser:     1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// IsValid checks if the role is known.
func (r Role) IsValid() bool {
	_, ok := roleRank[r]
	return ok
}

// HasPermission reports whether r grants at least the access of required.
func (r Role) HasPermission(required Role) bool {
	have, ok := roleRank[r]
	if !ok {
		return false
	}
	return have >= roleRank[required]
}

// EmailSubscriber is a user opted into (or out of) status emails for an organization.
// The notification engine only reads it.
type EmailSubscriber struct {
	UserID               string `json:"user_id"`
	Email                string `json:"email"`
	OrganizationID       string `json:"organization_id"`
	NotificationsEnabled bool   `json:"notifications_enabled"`
}

// Organization is the tenant that owns services, incidents and maintenance windows.
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}
