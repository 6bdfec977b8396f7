package models

import (
	"time"

	"gorm.io/gorm"
)

type StaffRole string

const (
	StaffRoleAdmin    StaffRole = "admin"
	StaffRoleOperator StaffRole = "operator"
)

// StaffUser is the permission record checked after the identity provider has
// verified a bearer token.
type StaffUser struct {
	gorm.Model  `json:"-" firestore:"-"`
	UID         string     `gorm:"column:uid;uniqueIndex;not null" json:"uid" firestore:"uid"`
	Email       string     `gorm:"column:email;uniqueIndex;not null" json:"email" firestore:"email"`
	DisplayName string     `gorm:"column:display_name" json:"displayName" firestore:"displayName"`
	Role        StaffRole  `gorm:"column:role;not null;default:operator" json:"role" firestore:"role"`
	Active      bool       `gorm:"column:active;not null;default:true" json:"active" firestore:"active"`
	LastLoginAt *time.Time `gorm:"column:last_login_at" json:"lastLoginAt,omitempty" firestore:"lastLoginAt"`
}

func (StaffUser) TableName() string {
	return "staff_users"
}

// Principal is the verified identity attached to a staff request.
type Principal struct {
	UID   string
	Email string
	Role  StaffRole
}

// Label is used as processedBy in audit entries.
func (p Principal) Label() string {
	if p.Email != "" {
		return p.Email
	}
	return p.UID
}
