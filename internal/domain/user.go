// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"fmt"
)

const MaxUserIDLen = 64

var (
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrUserIDTooLong = errors.New("user id too long")
	ErrUnknownRole   = errors.New("unknown role")
)

type UserID string

type Role string

const (
	RoleInstructor Role = "instructor"
	RoleLearner    Role = "learner"
)

// ParseRole accepts the relay's role strings. The platform also calls learners
// "student", so that alias is folded in here.
func ParseRole(s string) (Role, error) {
	switch s {
	case string(RoleInstructor):
		return RoleInstructor, nil
	case string(RoleLearner), "student":
		return RoleLearner, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

func ValidateUserID(id UserID) error {
	if len(id) == 0 {
		return ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	return nil
}
