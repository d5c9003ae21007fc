package models

import "strings"

// NormalizeLocation returns the canonical key for a location name: trimmed and lower-cased.
// Store rows, registry keys and metric labels all use this form.
func NormalizeLocation(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
