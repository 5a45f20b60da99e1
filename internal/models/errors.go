package models

import "errors"

var (
	// ErrStoreUnavailable is returned when the working directory or its store cannot be opened
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrNotFound         = errors.New("task not found")
	ErrIngest           = errors.New("ingest failure")
	ErrSubmit           = errors.New("submit failure")
	ErrPoll             = errors.New("poll failure")
	// ErrInconsistent means the store or the graph is corrupt and must not be worked on any further
	ErrInconsistent = errors.New("internal consistency fault")

	ErrTaskFailed    = errors.New("task failed")
	ErrStopRequested = errors.New("stop file detected")
)
