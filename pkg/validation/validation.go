package validation

import (
	"errors"
	"regexp"
	"strings"
)

var (
	phonePattern      = regexp.MustCompile(`^[1-9][0-9]{5,15}$`)
	sessionKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)
)

// ValidatePhone ensures international format (no leading 0, digits only, length 6-16).
func ValidatePhone(phone string) error {
	trimmed := strings.TrimSpace(phone)
	if trimmed == "" {
		return errors.New("phone number cannot be empty")
	}
	if strings.HasPrefix(trimmed, "+") {
		trimmed = trimmed[1:]
	}
	if strings.HasPrefix(trimmed, "0") {
		return errors.New("phone number must be in international format without leading 0")
	}
	if !phonePattern.MatchString(trimmed) {
		return errors.New("phone number must be digits only and at least 6 characters")
	}
	return nil
}

// ValidateSessionKey ensures a session key is a safe identifier. The key is
// also used as an on-disk directory name, so path separators are rejected.
func ValidateSessionKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("session key is required")
	}
	if !sessionKeyPattern.MatchString(key) {
		return errors.New("session key must be alphanumeric with . _ - and at most 64 characters")
	}
	return nil
}

// ValidateDestination accepts either a full JID (user@server) or a bare
// phone number in international format.
func ValidateDestination(dest string) error {
	trimmed := strings.TrimSpace(dest)
	if trimmed == "" {
		return errors.New("destination is required")
	}
	if strings.ContainsRune(trimmed, '@') {
		return nil
	}
	return ValidatePhone(trimmed)
}
