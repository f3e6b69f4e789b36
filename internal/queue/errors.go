package queue

import "errors"

// ErrClosed is returned by Poll after the source has been closed.
var ErrClosed = errors.New("queue: source closed")
