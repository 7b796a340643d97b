package utils

import "github.com/google/uuid"

// NewOperationID returns a random UUID. Operation ids are never reused: a
// restarted operation always gets a fresh one.
func NewOperationID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
