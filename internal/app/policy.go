package app

import (
	"fmt"

	"github.com/dkeye/tutorcall/internal/domain"
)

type PolicyName string

const (
	PolicyOpen     PolicyName = "open"
	PolicyTutoring PolicyName = "tutoring"
)

// CallPolicy decides whether caller may ring callee.
type CallPolicy interface {
	Allow(caller, callee domain.Identity) bool
}

// OpenPolicy lets any two distinct users call each other.
type OpenPolicy struct{}

func (OpenPolicy) Allow(caller, callee domain.Identity) bool {
	return caller.UserID != callee.UserID
}

// TutoringPolicy only pairs a tutor with a student. Admins may call and be
// called by anyone.
type TutoringPolicy struct{}

func (TutoringPolicy) Allow(caller, callee domain.Identity) bool {
	if caller.UserID == callee.UserID {
		return false
	}
	if caller.Role == domain.RoleAdmin || callee.Role == domain.RoleAdmin {
		return true
	}
	return caller.Role != callee.Role
}

func NewPolicy(name PolicyName) (CallPolicy, error) {
	switch name {
	case PolicyOpen, "":
		return OpenPolicy{}, nil
	case PolicyTutoring:
		return TutoringPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown call policy %q", name)
}
