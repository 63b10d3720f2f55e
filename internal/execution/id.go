package execution

import "github.com/google/uuid"

// NewID generates a globally unique execution identifier.
func NewID() ID {
	return ID(uuid.NewString())
}
