package tasks

import (
	"context"
	"encoding/json"
	"time"
)

// Handler processes one unit of work. Args are the JSON payload the unit
// was submitted with. Handlers must be idempotent: a unit may run more
// than once.
type Handler func(ctx context.Context, args json.RawMessage) error

// Dispatcher submits named units of work for asynchronous execution with
// at-least-once semantics.
type Dispatcher interface {
	// Submit enqueues a unit. Args must be JSON-serializable. The unit is
	// retried up to maxRetries times after a failure, waiting retryDelay
	// between attempts.
	Submit(ctx context.Context, unit string, args interface{}, maxRetries int, retryDelay time.Duration) error

	// Register binds a handler to a unit name. Must be called before any
	// Submit for that name.
	Register(unit string, handler Handler)

	// Flush blocks until every submitted unit has finished.
	Flush(ctx context.Context) error

	// Close drains the queue and stops the workers.
	Close() error
}
