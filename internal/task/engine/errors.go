package engine

import "github.com/cockroachdb/errors"

var (
	ErrStopped     = errors.New("run pool stopped")
	ErrQueueFull   = errors.New("run pool queue full")
	ErrOverlapSkip = errors.New("task skipped: same key already queued or running")
)
