package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestNewUser(t *testing.T) {
	u, err := NewUser("alice")
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}
	if u.ID == "" || len(u.ID) > MaxUserIDLen {
		t.Errorf("unexpected id %q", u.ID)
	}

	if _, err := NewUser(""); !errors.Is(err, ErrUsernameEmpty) {
		t.Errorf("empty name: got %v", err)
	}
	if _, err := NewUser(strings.Repeat("x", MaxUsernameLen+1)); !errors.Is(err, ErrUsernameTooLong) {
		t.Errorf("long name: got %v", err)
	}
}

func TestUserWithID(t *testing.T) {
	u, err := UserWithID("u1", "")
	if err != nil {
		t.Fatalf("UserWithID: %v", err)
	}
	if u.Username != "guest" {
		t.Errorf("default username = %q", u.Username)
	}
	if _, err := UserWithID("", "bob"); !errors.Is(err, ErrUserIDTooLong) {
		t.Errorf("empty id: got %v", err)
	}
}

func TestRoomSessionIsZero(t *testing.T) {
	if !(RoomSession{}).IsZero() {
		t.Error("zero session not reported as zero")
	}
	if (RoomSession{Room: Room{ID: "r1"}}).IsZero() {
		t.Error("populated session reported as zero")
	}
}
