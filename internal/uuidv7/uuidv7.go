// Package uuidv7 mints the time-ordered ids assigned to lock rows and
// API requests. The time prefix keeps history listings sortable by id
// alone.
package uuidv7

import "github.com/google/uuid"

// New mints a fresh UUIDv7. Generation only fails when the entropy
// source does, and that is treated as fatal.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString is New in canonical string form.
func NewString() string {
	return New().String()
}
