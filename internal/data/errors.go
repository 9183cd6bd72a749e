package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// ErrJobNotFound is returned when a job does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobAlreadyFinalized is returned when a finalize request conflicts with
	// the terminal state the job already holds.
	ErrJobAlreadyFinalized = errors.New("job already finalized")
)
