// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"time"
)

const MaxUserIDLen = 64

var (
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrUserIDTooLong = errors.New("user id too long")
	ErrUnknownRole   = errors.New("unknown role")
)

type UserID string

// SystemActor is used for transitions not caused by a participant (timeouts).
const SystemActor UserID = ""

func (id UserID) Validate() error {
	if len(id) == 0 {
		return ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	return nil
}

type Role string

const (
	RoleTutor   Role = "tutor"
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleTutor, RoleStudent, RoleAdmin:
		return r, nil
	}
	return "", ErrUnknownRole
}

// Identity is what the identity gate extracts from a credential.
type Identity struct {
	UserID UserID `json:"user_id"`
	Role   Role   `json:"role"`
}

type ConnID string

// Connection is one admitted transport session.
// No transport or lifecycle logic here.
type Connection struct {
	ID         ConnID    `json:"connection_id"`
	UserID     UserID    `json:"user_id"`
	Role       Role      `json:"role"`
	AdmittedAt time.Time `json:"admitted_at"`
}

func (c Connection) Identity() Identity {
	return Identity{UserID: c.UserID, Role: c.Role}
}
