package ramp

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
)

// Run is one ramp execution and its cancellation token. A run is created when
// a ramp starts and discarded once it completes, is cancelled or fails.
type Run struct {
	id       string
	activity string
	ctx      context.Context
	cancel   context.CancelFunc
	step     atomic.Int32
}

// NewRun creates a run for the given activity ("sleep" or "wake")
func NewRun(activity string) *Run {
	ctx, cancel := context.WithCancel(context.Background())
	return &Run{
		id:       uuid.NewString(),
		activity: activity,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ID returns the unique run identifier
func (r *Run) ID() string {
	return r.id
}

// Activity returns the activity the run belongs to
func (r *Run) Activity() string {
	return r.activity
}

// Cancel requests cooperative cancellation. It is safe to call repeatedly.
func (r *Run) Cancel() {
	r.cancel()
}

// Cancelled reports whether Cancel has been called
func (r *Run) Cancelled() bool {
	return r.ctx.Err() != nil
}

// Done is closed when the run is cancelled
func (r *Run) Done() <-chan struct{} {
	return r.ctx.Done()
}

// Step returns the number of steps completed so far
func (r *Run) Step() int {
	return int(r.step.Load())
}
