package queue

import "errors"

// Queue errors.
var (
	ErrMessageNotFound = errors.New("queue message not found")
	ErrInvalidMessage  = errors.New("invalid queue message")
)
