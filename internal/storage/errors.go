package storage

import "errors"

var (
	// ErrCredentialNotFound is returned when a credential is not found
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrBindingNotFound is returned when a model binding is not found
	ErrBindingNotFound = errors.New("model binding not found")

	// ErrExclusionNotFound is returned when no exclusion exists for a binding
	ErrExclusionNotFound = errors.New("exclusion not found")

	// ErrDuplicate is returned when a unique constraint would be violated
	ErrDuplicate = errors.New("duplicate record")
)
