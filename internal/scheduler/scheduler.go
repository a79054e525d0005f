// Package scheduler keeps one pending one-shot timer per named event.
//
// Each arm replaces the previous timer for the same name. Timers carry a
// token so a timer that was already firing when it got replaced is ignored
// when its callback finally runs. Nothing repeats on its own: the owner
// re-arms an event, usually from its OnFire callback, for the next occurrence.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"sleepwake/internal/clock"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Event names
const (
	EventSleep = "sleep"
	EventWake  = "wake"
)

var (
	// ErrUnknownEvent is returned for names that were never registered
	ErrUnknownEvent = errors.New("unknown event")
	// ErrStopped is returned when arming after Stop
	ErrStopped = errors.New("scheduler stopped")
)

// ResolveFunc computes the next fire instant strictly after now
type ResolveFunc func(now time.Time) (time.Time, error)

// Event describes how a named event is resolved and what it runs
type Event struct {
	Resolve ResolveFunc
	OnFire  func()
}

type handle struct {
	timer  clock.Timer
	target time.Time
	token  uint64
}

// Scheduler owns the timer handles for all registered events
type Scheduler struct {
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	events  map[string]Event
	pending map[string]*handle
	token   uint64
	stopped bool
}

// New creates a scheduler on the given clock
func New(clk clock.Clock, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		clock:   clk,
		logger:  logger.Named("scheduler"),
		events:  make(map[string]Event),
		pending: make(map[string]*handle),
	}
}

// Register adds or replaces an event definition. It does not arm the event.
func (s *Scheduler) Register(name string, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[name] = ev
}

// Names returns the registered event names in sorted order
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.events))
	for name := range s.events {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Arm schedules name to fire once at target, replacing any pending timer.
// A target in the past fires as soon as possible.
func (s *Scheduler) Arm(name string, target time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.events[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}

	s.cancelLocked(name)

	delay := target.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	s.token++
	token := s.token
	h := &handle{target: target, token: token}
	h.timer = s.clock.AfterFunc(delay, func() { s.fire(name, token) })
	s.pending[name] = h

	s.logger.Info("Event armed",
		zap.String("event", name),
		zap.Time("target", target),
		zap.Duration("delay", delay))
	return nil
}

// Cancel stops the pending timer for name. It reports whether one was pending.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancelled := s.cancelLocked(name)
	if cancelled {
		s.logger.Debug("Event cancelled", zap.String("event", name))
	}
	return cancelled
}

func (s *Scheduler) cancelLocked(name string) bool {
	h, ok := s.pending[name]
	if !ok {
		return false
	}
	h.timer.Stop()
	delete(s.pending, name)
	return true
}

// Reschedule cancels name, resolves its next occurrence and arms it. When the
// resolve fails the event stays unarmed and the error is returned; nothing
// retries it.
func (s *Scheduler) Reschedule(name string) error {
	s.mu.Lock()
	ev, ok := s.events[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}

	s.Cancel(name)

	target, err := ev.Resolve(s.clock.Now())
	if err != nil {
		s.logger.Error("Failed to resolve event, leaving it unarmed",
			zap.String("event", name),
			zap.Error(err))
		return fmt.Errorf("resolve %s: %w", name, err)
	}
	return s.Arm(name, target)
}

// Skip drops the pending occurrence of name when it is due no later than
// until and arms the occurrence after it. It reports whether an occurrence
// was skipped. When the resolve fails the event stays unarmed.
func (s *Scheduler) Skip(name string, until time.Time) (bool, error) {
	s.mu.Lock()
	ev, ok := s.events[name]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	h, pending := s.pending[name]
	if !pending || h.target.After(until) {
		s.mu.Unlock()
		return false, nil
	}
	s.cancelLocked(name)
	s.mu.Unlock()

	s.logger.Info("Skipping pending occurrence",
		zap.String("event", name),
		zap.Time("target", h.target))

	target, err := ev.Resolve(h.target)
	if err != nil {
		s.logger.Error("Failed to resolve event, leaving it unarmed",
			zap.String("event", name),
			zap.Error(err))
		return true, fmt.Errorf("resolve %s: %w", name, err)
	}
	return true, s.Arm(name, target)
}

// RescheduleAll reschedules every registered event and combines the errors
func (s *Scheduler) RescheduleAll() error {
	var errs error
	for _, name := range s.Names() {
		errs = multierr.Append(errs, s.Reschedule(name))
	}
	return errs
}

// Next returns the pending target for name
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.pending[name]
	if !ok {
		return time.Time{}, false
	}
	return h.target, true
}

// Stop cancels every pending timer and refuses further arming
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.pending {
		s.cancelLocked(name)
	}
	s.stopped = true
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) fire(name string, token uint64) {
	s.mu.Lock()
	h, ok := s.pending[name]
	if !ok || h.token != token {
		s.mu.Unlock()
		s.logger.Debug("Ignoring stale timer", zap.String("event", name))
		return
	}
	delete(s.pending, name)
	onFire := s.events[name].OnFire
	s.mu.Unlock()

	s.logger.Info("Event fired", zap.String("event", name), zap.Time("target", h.target))
	if onFire == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Event callback panicked",
				zap.String("event", name),
				zap.Any("panic", r))
		}
	}()
	onFire()
}
