package queue

import "errors"

var (
	ErrStopped   = errors.New("queue stopped")
	ErrQueueFull = errors.New("queue full")
	ErrCleared   = errors.New("task cleared before start")
	ErrTimedOut  = errors.New("task timed out")
)
