// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUserIDTooLong   = errors.New("user id too long")
)

// ParticipantID identifies a participant across the room topic and the mesh.
type ParticipantID string

type User struct {
	ID       ParticipantID `json:"id"`
	Username string        `json:"name"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(username string) (*User, error) {
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	id := ParticipantID(uuid.NewString())
	return &User{ID: id, Username: username}, nil
}

// UserWithID builds a user for an id supplied by the caller (e.g. an auth layer).
func UserWithID(id ParticipantID, username string) (*User, error) {
	if len(id) == 0 || len(id) > MaxUserIDLen {
		return nil, ErrUserIDTooLong
	}
	if username == "" {
		username = "guest"
	}
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	return &User{ID: id, Username: username}, nil
}

func (u *User) SetUsername(username string) error {
	if err := validateUsername(username); err != nil {
		return err
	}
	u.Username = username
	return nil
}

func validateUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}
