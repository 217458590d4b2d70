package remote

import "github.com/google/uuid"

// NewID returns a random UUID. It is used for mutation identities and queued
// write ids.
func NewID() string {
	return uuid.NewString()
}
