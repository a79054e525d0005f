// Package sleepwake coordinates the sleep fade-out and the wake ramp-in so
// that they never fight over the player volume.
//
// The coordinator owns the activity state and the active ramp run. Fire
// handlers return immediately; every sequence runs on its own goroutine and
// waits for the previous sequence to exit before touching the player, so at
// most one ramp loop is active at a time.
package sleepwake

import (
	"context"
	"sync"
	"time"

	"sleepwake/internal/clock"
	"sleepwake/internal/metrics"
	"sleepwake/internal/player"
	"sleepwake/internal/ramp"
	"sleepwake/internal/scheduler"

	"go.uber.org/zap"
)

// Ramper runs a single ramp
type Ramper interface {
	Run(ctx context.Context, run *ramp.Run, dir ramp.Direction, steps int, interval time.Duration) (ramp.Status, error)
}

// Timers is the part of the scheduler the coordinator needs to pre-empt a
// pending sleep
type Timers interface {
	Skip(name string, until time.Time) (bool, error)
}

// Coordinator is the sleep/wake state machine
type Coordinator struct {
	player  player.Client
	ramper  Ramper
	timers  Timers
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	// ctx bounds player requests; it is only cancelled by Shutdown
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	active *ramp.Run
	done   chan struct{}
	last   map[string]*Outcome
	closed bool
	wg     sync.WaitGroup

	subsMu  sync.RWMutex
	subs    map[int]Listener
	nextSub int
}

// NewCoordinator creates a coordinator in the Idle state. timers may be nil
// when no scheduler is attached.
func NewCoordinator(p player.Client, ramper Ramper, timers Timers, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		player:  p,
		ramper:  ramper,
		timers:  timers,
		clock:   clk,
		metrics: m,
		logger:  logger.Named("coordinator"),
		ctx:     ctx,
		cancel:  cancel,
		state:   Idle,
		last:    make(map[string]*Outcome),
		subs:    make(map[int]Listener),
	}
	m.SetState(Idle.String(), AllStates)
	return c
}

// State returns the current activity state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the state, the active run and the last outcome per activity
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{State: c.state}
	if c.active != nil {
		snap.Run = &RunInfo{
			ID:       c.active.ID(),
			Activity: c.active.Activity(),
			Step:     c.active.Step(),
		}
	}
	if o := c.last[ActivitySleep]; o != nil {
		cp := *o
		snap.LastSleep = &cp
	}
	if o := c.last[ActivityWake]; o != nil {
		cp := *o
		snap.LastWake = &cp
	}
	return snap
}

// Subscribe registers a listener for coordinator events
func (c *Coordinator) Subscribe(fn Listener) Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return &subscription{id: id, coordinator: c}
}

type subscription struct {
	id          int
	coordinator *Coordinator
	once        sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.coordinator.subsMu.Lock()
		delete(s.coordinator.subs, s.id)
		s.coordinator.subsMu.Unlock()
	})
}

func (c *Coordinator) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	c.subsMu.RLock()
	listeners := make([]Listener, 0, len(c.subs))
	for _, fn := range c.subs {
		listeners = append(listeners, fn)
	}
	c.subsMu.RUnlock()

	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

// transitionLocked changes the state and returns the event to emit once the
// lock is released. Must be called with c.mu held.
func (c *Coordinator) transitionLocked(to State, run *ramp.Run) []Event {
	from := c.state
	if from == to {
		return nil
	}
	c.state = to
	c.metrics.SetState(to.String(), AllStates)
	c.logger.Info("State changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()))

	ev := Event{
		Type:     EventStateChanged,
		Time:     c.clock.Now(),
		State:    to,
		Previous: from,
	}
	if run != nil {
		ev.RunID = run.ID()
		ev.Activity = run.Activity()
	}
	return []Event{ev}
}

// HandleSleepFire starts the fade-out. It is dropped while waking and
// restarts the fade-out while already sleeping.
func (c *Coordinator) HandleSleepFire(cfg RampConfig) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	switch c.state {
	case Waking:
		c.mu.Unlock()
		c.metrics.SleepDropped.Inc()
		c.logger.Warn("Dropping sleep fire while waking")
		return
	case Sleeping:
		c.logger.Info("Sleep fired while sleeping, restarting fade-out")
	}
	if c.active != nil {
		c.active.Cancel()
	}

	run := ramp.NewRun(ActivitySleep)
	prev, done := c.startLocked(run)
	events := c.transitionLocked(Sleeping, run)
	c.mu.Unlock()

	c.emit(events...)
	c.logger.Info("Starting sleep sequence",
		zap.String("run_id", run.ID()),
		zap.Int("steps", cfg.Steps),
		zap.Duration("interval", cfg.Interval()))

	go c.runSleep(run, cfg, prev, done)
}

// HandleWakeFire pre-empts any sleep and starts the wake sequence. A wake
// fire while already waking restarts the sequence from the top.
func (c *Coordinator) HandleWakeFire(cfg RampConfig) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	switch c.state {
	case Sleeping:
		c.logger.Info("Wake fired during fade-out, pre-empting sleep")
	case Waking:
		c.logger.Info("Wake fired while waking, restarting wake sequence")
	}
	if c.active != nil {
		c.active.Cancel()
	}

	run := ramp.NewRun(ActivityWake)
	prev, done := c.startLocked(run)
	events := c.transitionLocked(Waking, run)
	c.mu.Unlock()

	c.emit(events...)

	// A sleep due before the wake sequence is over moves to its next occurrence
	if c.timers != nil {
		until := c.clock.Now().Add(cfg.Duration)
		skipped, err := c.timers.Skip(scheduler.EventSleep, until)
		if err != nil {
			c.logger.Warn("Failed to re-arm sleep after wake", zap.Error(err))
		} else if skipped {
			c.logger.Info("Pending sleep skipped by wake", zap.Time("until", until))
		}
	}

	c.logger.Info("Starting wake sequence",
		zap.String("run_id", run.ID()),
		zap.Int("start_volume", cfg.StartVolume),
		zap.String("playlist", cfg.Playlist),
		zap.Int("steps", cfg.Steps),
		zap.Duration("interval", cfg.Interval()))

	go c.runWake(run, cfg, prev, done)
}

// startLocked makes run the active run and chains its sequence after the
// previous one. Must be called with c.mu held.
func (c *Coordinator) startLocked(run *ramp.Run) (prev, done chan struct{}) {
	prev = c.done
	done = make(chan struct{})
	c.active = run
	c.done = done
	c.wg.Add(1)
	return prev, done
}

// awaitPrevious blocks until the previous sequence has exited and reports
// whether run should still proceed
func (c *Coordinator) awaitPrevious(run *ramp.Run, prev chan struct{}) bool {
	if prev != nil {
		select {
		case <-prev:
		case <-c.ctx.Done():
			return false
		}
	}
	return !run.Cancelled()
}

func (c *Coordinator) runSleep(run *ramp.Run, cfg RampConfig, prev, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)

	if !c.awaitPrevious(run, prev) {
		c.finish(run, ramp.Cancelled, nil)
		return
	}

	status, err := c.ramper.Run(c.ctx, run, ramp.Down, cfg.Steps, cfg.Interval())
	c.finish(run, status, err)

	if !c.isActive(run) || status == ramp.Cancelled {
		c.logger.Info("Sleep sequence pre-empted, not stopping playback",
			zap.String("run_id", run.ID()))
		c.settle(run)
		return
	}

	if err := c.player.Stop(c.ctx); err != nil {
		c.logger.Error("Failed to stop playback after fade-out", zap.Error(err))
		c.countPlayerError(err)
	} else {
		c.logger.Info("Playback stopped after fade-out", zap.String("run_id", run.ID()))
	}
	c.settle(run)
}

func (c *Coordinator) runWake(run *ramp.Run, cfg RampConfig, prev, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)

	if !c.awaitPrevious(run, prev) {
		c.finish(run, ramp.Cancelled, nil)
		return
	}

	status, err := c.wakeSequence(run, cfg)
	c.finish(run, status, err)
	c.settle(run)
}

// wakeSequence sets the start volume, starts the playlist and ramps in. The
// first failure ends the sequence.
func (c *Coordinator) wakeSequence(run *ramp.Run, cfg RampConfig) (ramp.Status, error) {
	if err := c.player.SetVolume(c.ctx, cfg.StartVolume); err != nil {
		c.logger.Error("Failed to set wake start volume", zap.Error(err))
		return ramp.Failed, err
	}
	if run.Cancelled() {
		return ramp.Cancelled, nil
	}

	if cfg.Playlist == "" {
		c.logger.Warn("No wake playlist configured, skipping playback start")
	} else {
		if err := c.player.PlayPlaylist(c.ctx, cfg.Playlist); err != nil {
			c.logger.Error("Failed to start wake playlist", zap.Error(err))
			return ramp.Failed, err
		}
	}

	return c.ramper.Run(c.ctx, run, ramp.Up, cfg.Steps, cfg.Interval())
}

func (c *Coordinator) isActive(run *ramp.Run) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == run
}

// settle returns to Idle if run is still the active run. A run that was
// replaced leaves the state to its successor.
func (c *Coordinator) settle(run *ramp.Run) {
	c.mu.Lock()
	if c.active != run {
		c.mu.Unlock()
		return
	}
	c.active = nil
	events := c.transitionLocked(Idle, run)
	c.mu.Unlock()
	c.emit(events...)
}

// finish records the outcome of run
func (c *Coordinator) finish(run *ramp.Run, status ramp.Status, err error) {
	outcome := &Outcome{
		RunID:  run.ID(),
		Status: status.String(),
		At:     c.clock.Now(),
	}
	if err != nil {
		outcome.Error = err.Error()
	}

	c.mu.Lock()
	c.last[run.Activity()] = outcome
	c.mu.Unlock()

	c.metrics.Ramps.WithLabelValues(run.Activity(), status.String()).Inc()
	if status == ramp.Failed {
		c.countPlayerError(err)
	}

	c.logger.Info("Sequence finished",
		zap.String("run_id", run.ID()),
		zap.String("activity", run.Activity()),
		zap.String("status", status.String()),
		zap.Int("steps_done", run.Step()),
		zap.Error(err))

	c.emit(Event{
		Type:     EventRampFinished,
		Time:     outcome.At,
		RunID:    run.ID(),
		Activity: run.Activity(),
		Step:     run.Step(),
		Status:   outcome.Status,
	})
}

func (c *Coordinator) countPlayerError(err error) {
	if kind := player.KindOf(err); kind != "" {
		c.metrics.PlayerErrors.WithLabelValues(string(kind)).Inc()
	}
}

// RecordStep publishes ramp progress. It is meant to be attached with
// ramp.Controller.OnStep.
func (c *Coordinator) RecordStep(run *ramp.Run, step, volume int) {
	c.metrics.RampSteps.WithLabelValues(run.Activity()).Inc()
	c.metrics.Volume.Set(float64(volume))
	c.emit(Event{
		Type:     EventRampStep,
		Time:     c.clock.Now(),
		RunID:    run.ID(),
		Activity: run.Activity(),
		Step:     step,
		Volume:   volume,
	})
}

// Shutdown cancels the active run, resets to Idle and waits for running
// sequences to exit, bounded by ctx. No further fires are accepted.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	if c.active != nil {
		c.active.Cancel()
	}
	c.active = nil
	events := c.transitionLocked(Idle, nil)
	c.mu.Unlock()

	c.emit(events...)
	c.cancel()

	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		c.logger.Info("Coordinator stopped")
		return nil
	case <-ctx.Done():
		c.logger.Warn("Timed out waiting for sequences to exit")
		return ctx.Err()
	}
}
