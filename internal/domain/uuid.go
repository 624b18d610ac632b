package domain

import "github.com/google/uuid"

// NewID returns a random (v4) identifier for threads and messages.
func NewID() string {
	return uuid.NewString()
}

// ShortID returns the first 8 characters of id for display.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
