package model

import "time"

// Role is a user's coarse access level
type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleOperator Role = "OPERATOR"
	RoleViewer   Role = "VIEWER"
)

// UserStatus marks whether a user may sign in
type UserStatus string

const (
	UserActive   UserStatus = "ACTIVE"
	UserInactive UserStatus = "INACTIVE"
)

// Capability names a single permission flag on a user
type Capability string

const (
	CanViewServers     Capability = "can_view_servers"
	CanModifyServers   Capability = "can_modify_servers"
	CanViewServices    Capability = "can_view_services"
	CanModifyServices  Capability = "can_modify_services"
	CanManageAlerts    Capability = "can_manage_alerts"
	CanGenerateReports Capability = "can_generate_reports"
)

// Capabilities are the per-user permission flags
type Capabilities struct {
	ViewServers     bool `json:"can_view_servers"`
	ModifyServers   bool `json:"can_modify_servers"`
	ViewServices    bool `json:"can_view_services"`
	ModifyServices  bool `json:"can_modify_services"`
	ManageAlerts    bool `json:"can_manage_alerts"`
	GenerateReports bool `json:"can_generate_reports"`
}

// UserManagement is an application user linked to an auth identity
type UserManagement struct {
	ID         string     `json:"user_management_id"`
	AuthUserID string     `json:"auth_user_id"`
	Username   string     `json:"username" validate:"required,max=50"`
	Email      string     `json:"email" validate:"required,email"`
	Role       Role       `json:"role" validate:"required,oneof=ADMIN OPERATOR VIEWER"`
	Status     UserStatus `json:"status" validate:"required,oneof=ACTIVE INACTIVE"`
	Capabilities
	CreatedAt time.Time `json:"created_date"`
	UpdatedAt time.Time `json:"updated_date"`
}

// Has reports whether the user holds the capability. Admins hold all of them.
func (u *UserManagement) Has(c Capability) bool {
	if u.Role == RoleAdmin {
		return true
	}
	switch c {
	case CanViewServers:
		return u.ViewServers
	case CanModifyServers:
		return u.ModifyServers
	case CanViewServices:
		return u.ViewServices
	case CanModifyServices:
		return u.ModifyServices
	case CanManageAlerts:
		return u.ManageAlerts
	case CanGenerateReports:
		return u.GenerateReports
	}
	return false
}

// Credentials is the email/password identity a user signs in with
type Credentials struct {
	AuthUserID   string    `json:"auth_user_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
