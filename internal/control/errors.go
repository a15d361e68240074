package control

import "errors"

var (
	// ErrReadOnly is returned for any command while read-only mode is
	// configured. Checked before any network call.
	ErrReadOnly = errors.New("controller is in read-only mode")

	// ErrUnknownEntity is returned when a command targets an entity the
	// current snapshot does not contain.
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrInvalidCommand is returned when a command or its argument is not
	// valid for the targeted entity. No network call is issued.
	ErrInvalidCommand = errors.New("invalid command")
)
