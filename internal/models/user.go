package models

import "time"

type Role string

const (
	RoleResident Role = "resident"
	RoleStaff    Role = "staff"
)

// User is a display profile supplied by the identity provider.
type User struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Role       Role      `json:"role"`
	EmployeeID string    `json:"employee_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Identity is the caller as asserted by a verified token.
type Identity struct {
	UserID string
	Name   string
	Role   Role
}

func (i Identity) IsStaff() bool {
	return i.Role == RoleStaff
}
