package store

import "errors"

var (
	// ErrNotFound is returned when a tracked item or thread does not exist.
	ErrNotFound = errors.New("not found")
	// ErrThreadExists is returned by CreateThread when a thread already
	// exists for the (entityType, entityID) pair. Callers racing to create
	// the root message fall back to the reply/update path.
	ErrThreadExists = errors.New("thread already exists")
	// ErrDuplicateReply is returned when an inbound reply with the same
	// source message timestamp was already recorded.
	ErrDuplicateReply = errors.New("duplicate inbound reply")
)
