package entity

import "errors"

var (
	// ErrInvalidPayload is returned when service data fails validation.
	// No device call has been made when it is returned.
	ErrInvalidPayload = errors.New("entity: invalid service data")
	// ErrEntityNotFound is returned when a target does not match a registered entity
	ErrEntityNotFound = errors.New("entity: not found")
	// ErrAmbiguousTarget is returned when a call names zero or several targets
	ErrAmbiguousTarget = errors.New("entity: target must name exactly one entity")
	// ErrServiceNotFound is returned for services no entity declares
	ErrServiceNotFound = errors.New("entity: service not found")
	// ErrDuplicateEntity is returned when an entity id is registered twice
	ErrDuplicateEntity = errors.New("entity: already registered")
)
