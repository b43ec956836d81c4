package shared

import (
	"math"
	"regexp"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// DefaultUserID is the profile used when no identity is available.
const DefaultUserID UserID = "default"

// UserID is the opaque identity a progression profile is keyed by.
type UserID string

// Store keys embed the id, so separators and whitespace are rejected.
var userIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@:-]{0,127}$`)

// IsValid checks if the user id can be used as a store key component.
func (u UserID) IsValid() bool {
	return userIDRegex.MatchString(string(u))
}

// String returns the string representation.
func (u UserID) String() string {
	return string(u)
}

// OrDefault returns DefaultUserID for an empty id.
func (u UserID) OrDefault() UserID {
	if strings.TrimSpace(string(u)) == "" {
		return DefaultUserID
	}
	return u
}

// NewUserID creates a UserID with validation. An empty id maps to DefaultUserID.
func NewUserID(id string) (UserID, error) {
	uid := UserID(strings.TrimSpace(id)).OrDefault()
	if !uid.IsValid() {
		return "", ErrInvalidUserID
	}
	return uid, nil
}

// StreakName identifies one streak type, e.g. "app_open" or "affirmation".
type StreakName string

var streakNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// IsValid checks if the streak name is well formed.
func (s StreakName) IsValid() bool {
	return streakNameRegex.MatchString(string(s))
}

// String returns the string representation.
func (s StreakName) String() string {
	return string(s)
}

// NewStreakName creates a StreakName with validation.
func NewStreakName(name string) (StreakName, error) {
	s := StreakName(strings.ToLower(strings.TrimSpace(name)))
	if !s.IsValid() {
		return "", ErrInvalidStreakName
	}
	return s, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Saturating arithmetic
// ═══════════════════════════════════════════════════════════════════════════

// SaturatingAdd adds two non-negative ints, clamping at math.MaxInt.
func SaturatingAdd(a, b int) int {
	if b > 0 && a > math.MaxInt-b {
		return math.MaxInt
	}
	return a + b
}

// SaturatingMul multiplies two non-negative ints, clamping at math.MaxInt.
func SaturatingMul(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	if a > math.MaxInt/b {
		return math.MaxInt
	}
	return a * b
}
