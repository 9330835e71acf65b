package store

import "errors"

var (
	// ErrServerNotFound is returned when no server row matches the given code.
	ErrServerNotFound = errors.New("server not found")

	// ErrServerExists is returned when creating a server whose code is taken.
	ErrServerExists = errors.New("server already exists")

	// ErrRecipientExists is returned when adding an email that is already subscribed.
	ErrRecipientExists = errors.New("recipient already exists")

	// ErrDatabaseError is returned when a database operation fails.
	ErrDatabaseError = errors.New("database error")
)
