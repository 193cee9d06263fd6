package repositories

import "errors"

var (
	// ErrNotFound is returned when a record does not exist or an update
	// matched no rows.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a uniqueness constraint would be
	// violated, for example linking the same destination to a job twice.
	ErrConflict = errors.New("record already exists")
)
