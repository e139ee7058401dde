// Package platform abstracts the device capabilities the engine depends on:
// notification permission, tab visibility, platform notifications and an
// audible chime.
package platform

import (
	"context"
)

// Permission is the notification permission state of a device.
type Permission string

const (
	// PermissionDefault means the user has not been asked yet.
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// ParsePermission maps a device-reported value to a Permission.
func ParsePermission(s string) (Permission, bool) {
	switch Permission(s) {
	case PermissionDefault, PermissionGranted, PermissionDenied:
		return Permission(s), true
	}
	return "", false
}

// Notification is what a device shows for a new message. RoutingKey is the
// conversation id to open when the user interacts with it.
type Notification struct {
	Title      string
	Body       string
	Icon       string
	RoutingKey string
}

// Capability is implemented per device.
type Capability interface {
	Permission() Permission
	// RequestPermission asks the user and returns the resulting state.
	RequestPermission(ctx context.Context) (Permission, error)
	IsVisible() bool
	Notify(ctx context.Context, n Notification) error
	PlayChime(ctx context.Context) error
}
