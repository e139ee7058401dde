// Package model defines data structures for the messaging engine.
package model

import (
	"time"
)

// DefaultAvatarBase is the placeholder avatar service used when a user has no photo.
const DefaultAvatarBase = "https://i.pravatar.cc/100?u="

// User is a record in the users collection.
type User struct {
	UID      string    `json:"uid"`
	Name     string    `json:"name"`
	Email    string    `json:"email"`
	PhotoURL string    `json:"photoURL,omitempty"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

// AvatarURL returns the user's photo or a placeholder derived from the uid.
func (u *User) AvatarURL() string {
	if u.PhotoURL != "" {
		return u.PhotoURL
	}
	return DefaultAvatarBase + u.UID
}

// DisplayName returns the name, or "User" when none was set.
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return "User"
}
