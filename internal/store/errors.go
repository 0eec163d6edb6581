package store

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage marks a local persistence failure. Callers log and drop the
	// operation; it is never retried.
	ErrStorage = errors.New("storage error")

	// ErrDuplicateRecord is returned by Insert when the id already exists.
	ErrDuplicateRecord = fmt.Errorf("%w: duplicate record id", ErrStorage)
)
