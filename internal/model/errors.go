package model

import "errors"

// Sentinel validation errors returned by Task.Validate.
var (
	ErrInvalidTaskType = errors.New("model: invalid task_type")
	ErrInvalidPriority = errors.New("model: invalid priority")
	ErrAmbiguousSource = errors.New("model: exactly one source spec must be populated")
)
