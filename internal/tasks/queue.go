package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ranker/internal/common/errors"
	"ranker/internal/common/logging"
)

const defaultQueueSize = 1024

// job is one queued unit execution.
type job struct {
	id         string
	unit       string
	args       json.RawMessage
	maxRetries int
	retryDelay time.Duration
}

// Queue is an in-process Dispatcher backed by a bounded worker pool.
// Units submitted from inside a running unit are accepted without
// blocking the worker, so a unit can safely fan out into more units.
type Queue struct {
	workers int
	logger  logging.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool

	jobs    chan job
	pending sync.WaitGroup
	done    chan struct{}

	failMu   sync.Mutex
	failures map[string]int
}

// NewQueue starts a queue with the given worker count.
func NewQueue(workers int, logger logging.Logger) *Queue {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	q := &Queue{
		workers:  workers,
		logger:   logger,
		handlers: make(map[string]Handler),
		jobs:     make(chan job, defaultQueueSize),
		done:     make(chan struct{}),
		failures: make(map[string]int),
	}

	for i := 0; i < workers; i++ {
		go q.worker()
	}

	return q
}

func (q *Queue) Register(unit string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[unit] = handler
}

func (q *Queue) Submit(ctx context.Context, unit string, args interface{}, maxRetries int, retryDelay time.Duration) error {
	q.mu.RLock()
	_, registered := q.handlers[unit]
	closed := q.closed
	q.mu.RUnlock()

	if closed {
		return errors.InternalError("queue is closed", nil)
	}
	if !registered {
		return errors.ValidationError(fmt.Sprintf("no handler registered for unit %q", unit))
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return errors.ValidationError(fmt.Sprintf("unit args not serializable: %v", err))
	}

	j := job{
		id:         uuid.NewString(),
		unit:       unit,
		args:       payload,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}

	q.pending.Add(1)
	select {
	case q.jobs <- j:
	case <-ctx.Done():
		q.pending.Done()
		return errors.TimeoutError("unit submit")
	}

	q.logger.Debug("unit submitted",
		logging.String("unit", unit),
		logging.String("unit_id", j.id))

	return nil
}

func (q *Queue) worker() {
	for {
		select {
		case j := <-q.jobs:
			q.run(j)
			q.pending.Done()
		case <-q.done:
			// Drain what is already queued before exiting
			select {
			case j := <-q.jobs:
				q.run(j)
				q.pending.Done()
			default:
				return
			}
		}
	}
}

func (q *Queue) run(j job) {
	ctx := context.Background()
	logger := q.logger.WithFields(
		logging.String("unit", j.unit),
		logging.String("unit_id", j.id))

	q.mu.RLock()
	handler := q.handlers[j.unit]
	q.mu.RUnlock()

	var err error
	for attempt := 0; attempt <= j.maxRetries; attempt++ {
		if attempt > 0 && j.retryDelay > 0 {
			time.Sleep(j.retryDelay)
		}

		if err = handler(ctx, j.args); err == nil {
			if attempt > 0 {
				logger.Info("unit succeeded after retry", logging.Int("attempt", attempt))
			}
			return
		}

		if !errors.IsRetryable(err) {
			break
		}
		logger.Warn("unit attempt failed",
			logging.Int("attempt", attempt),
			logging.Err(err))
	}

	q.failMu.Lock()
	q.failures[j.unit]++
	q.failMu.Unlock()

	logger.Error("unit failed", err)
}

// Flush waits for every submitted unit, including ones submitted while
// waiting, to finish.
func (q *Queue) Flush(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		q.pending.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return errors.TimeoutError("queue flush")
	}
}

// Failures returns how many times each unit name exhausted its retries.
func (q *Queue) Failures() map[string]int {
	q.failMu.Lock()
	defer q.failMu.Unlock()

	out := make(map[string]int, len(q.failures))
	for unit, count := range q.failures {
		out[unit] = count
	}
	return out
}

// Close drains outstanding units and stops the workers.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.pending.Wait()
	close(q.done)
	return nil
}

var _ Dispatcher = (*Queue)(nil)
