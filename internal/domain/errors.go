package domain

import "errors"

var (
	ErrInvalidExpression = errors.New("invalid cron expression")
	ErrNotFound          = errors.New("job not found")
	ErrStoreFailure      = errors.New("job store failure")
	ErrExecutionFailure  = errors.New("job execution failed")
)

var (
	ErrInvalidJob = errors.New("invalid job")
	ErrTerminal   = errors.New("job already finished")
)
