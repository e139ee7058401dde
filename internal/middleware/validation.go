package middleware

import (
	"errors"
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	// MaxMessageLength bounds a message body in bytes.
	MaxMessageLength = 10000
	// MaxIDLength bounds user ids and routing keys.
	MaxIDLength = 256
	// MaxFilterLength bounds a directory search string.
	MaxFilterLength = 128
	// MaxNameLength bounds a display name.
	MaxNameLength = 64
	// MaxURLLength bounds a photo URL.
	MaxURLLength = 2048
)

// ValidateMessageText validates message text before it reaches the engine,
// which still rejects blank text itself.
func ValidateMessageText(text string) error {
	if len(text) > MaxMessageLength {
		return errors.New("text exceeds maximum length")
	}
	if !utf8.ValidString(text) {
		return errors.New("text must be valid UTF-8")
	}
	return nil
}

// ValidateID validates a user id or routing key.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id cannot be empty")
	}
	if len(id) > MaxIDLength {
		return errors.New("id exceeds maximum length")
	}
	if strings.ContainsAny(id, "./*> \t\n") {
		return errors.New("id contains invalid characters")
	}
	return nil
}

// ValidateDisplayName validates a profile name.
func ValidateDisplayName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name cannot be empty")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return errors.New("name exceeds maximum length")
	}
	if !utf8.ValidString(name) {
		return errors.New("name must be valid UTF-8")
	}
	return nil
}

// ValidatePhotoURL accepts an absolute http(s) URL, or "" to reset to the
// placeholder avatar.
func ValidatePhotoURL(raw string) error {
	if raw == "" {
		return nil
	}
	if len(raw) > MaxURLLength {
		return errors.New("photo_url exceeds maximum length")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("photo_url must be an http or https URL")
	}
	return nil
}

// ValidateFilter validates a directory search string.
func ValidateFilter(q string) error {
	if len(q) > MaxFilterLength {
		return errors.New("filter exceeds maximum length")
	}
	if !utf8.ValidString(q) {
		return errors.New("filter must be valid UTF-8")
	}
	return nil
}
