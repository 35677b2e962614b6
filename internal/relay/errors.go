package relay

import "nextalk-relay/internal/storage"

// ValidationError is a client-correctable problem with an incoming message
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Reason
}

// Is makes errors.Is(err, storage.ErrValidation) true for every ValidationError
func (e *ValidationError) Is(target error) bool {
	return target == storage.ErrValidation
}
