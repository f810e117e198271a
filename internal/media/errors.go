package media

import "errors"

// Sentinel errors shared by stores and services. Wrap them with %w.
var (
	// ErrInvalidInput marks a caller error: the request was rejected and no
	// state was mutated.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUserNotFound is returned when the owning user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrNotFound is returned for unknown jobs, tasks, entries and documents.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating a record with a taken ID.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidState is returned when a job is not in the status an
	// operation requires.
	ErrInvalidState = errors.New("invalid state")
	// ErrLockTimeout is returned when a resource lock could not be taken and
	// the store is configured not to proceed without it.
	ErrLockTimeout = errors.New("resource lock timeout")
	// ErrJobFatal marks failures that end a whole job, such as a missing
	// configuration or resource list.
	ErrJobFatal = errors.New("job fatal")
)

// IsCallerError reports whether err should be surfaced as a bad request.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrUserNotFound)
}
