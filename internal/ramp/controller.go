// Package ramp drives bounded, interruptible volume ramps against the player.
//
// Cancellation is cooperative. It is checked before every step and interrupts
// the wait between steps, but never aborts a player request that is already in
// flight, so the worst-case pre-emption latency is one request.
package ramp

import (
	"context"
	"fmt"
	"time"

	"sleepwake/internal/clock"

	"go.uber.org/zap"
)

// Status is the terminal status of a ramp run
type Status int

const (
	Completed Status = iota
	Cancelled
	Failed
)

func (s Status) String() string {
	switch s {
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Direction is the per-step volume delta
type Direction int

const (
	Down Direction = -1
	Up   Direction = 1
)

// VolumeClient is the part of the player a ramp needs
type VolumeClient interface {
	GetVolume(ctx context.Context) (int, error)
	SetVolume(ctx context.Context, volume int) error
}

// StepFunc is called after every successful volume write
type StepFunc func(run *Run, step, volume int)

// Controller executes ramps
type Controller struct {
	player VolumeClient
	clock  clock.Clock
	logger *zap.Logger
	onStep StepFunc
}

// NewController creates a ramp controller
func NewController(player VolumeClient, clk clock.Clock, logger *zap.Logger) *Controller {
	return &Controller{
		player: player,
		clock:  clk,
		logger: logger.Named("ramp"),
	}
}

// OnStep registers a hook for successful steps. Must be set before Run.
func (c *Controller) OnStep(fn StepFunc) {
	c.onStep = fn
}

// Run executes steps 0..steps-1: read the volume, move it one unit in dir
// clamped to 0-100, write it, then wait interval unless it was the last step.
// steps below 1 is treated as 1. A read or write failure stops the ramp with
// Failed and is not retried. ctx bounds the player requests and the waits;
// run's token bounds the ramp itself.
func (c *Controller) Run(ctx context.Context, run *Run, dir Direction, steps int, interval time.Duration) (Status, error) {
	if steps < 1 {
		steps = 1
	}
	logger := c.logger.With(
		zap.String("run_id", run.ID()),
		zap.String("activity", run.Activity()))

	logger.Info("Starting ramp",
		zap.Int("direction", int(dir)),
		zap.Int("steps", steps),
		zap.Duration("interval", interval))

	for step := 0; step < steps; step++ {
		if run.Cancelled() {
			logger.Info("Ramp cancelled", zap.Int("step", step))
			return Cancelled, nil
		}

		current, err := c.player.GetVolume(ctx)
		if err != nil {
			logger.Error("Failed to read volume, stopping ramp", zap.Int("step", step), zap.Error(err))
			return Failed, fmt.Errorf("step %d: read volume: %w", step, err)
		}

		next := clamp(current+int(dir), 0, 100)
		if err := c.player.SetVolume(ctx, next); err != nil {
			logger.Error("Failed to set volume, stopping ramp", zap.Int("step", step), zap.Error(err))
			return Failed, fmt.Errorf("step %d: set volume: %w", step, err)
		}
		run.step.Store(int32(step + 1))

		logger.Debug("Ramp step",
			zap.Int("step", step),
			zap.Int("from", current),
			zap.Int("to", next))
		if c.onStep != nil {
			c.onStep(run, step, next)
		}

		if step == steps-1 {
			break
		}
		if !c.wait(ctx, run, interval) {
			if ctx.Err() != nil {
				logger.Info("Ramp aborted by shutdown", zap.Int("step", step+1))
				return Cancelled, ctx.Err()
			}
			logger.Info("Ramp cancelled during wait", zap.Int("step", step+1))
			return Cancelled, nil
		}
	}

	logger.Info("Ramp complete", zap.Int("steps", steps))
	return Completed, nil
}

// wait sleeps for d on the controller clock, returning false if the run or ctx
// is cancelled first.
func (c *Controller) wait(ctx context.Context, run *Run, d time.Duration) bool {
	if d <= 0 {
		return !run.Cancelled() && ctx.Err() == nil
	}
	fired := make(chan struct{})
	t := c.clock.AfterFunc(d, func() { close(fired) })

	select {
	case <-fired:
		return true
	case <-run.Done():
	case <-ctx.Done():
	}
	t.Stop()
	return false
}

// Interval splits a total duration across steps, guarding steps below 1
func Interval(total time.Duration, steps int) time.Duration {
	if steps < 1 {
		steps = 1
	}
	return total / time.Duration(steps)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
