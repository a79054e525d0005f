package sleepwake

import (
	"context"
	"fmt"
	"time"

	"sleepwake/internal/clock"
	"sleepwake/internal/config"
	"sleepwake/internal/metrics"
	"sleepwake/internal/player"
	"sleepwake/internal/ramp"
	"sleepwake/internal/scheduler"
	"sleepwake/internal/timeofday"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// SleepRamp derives the fade-out shape from settings
func SleepRamp(s config.Settings) RampConfig {
	return RampConfig{
		Steps:    s.VolumeDecrease,
		Duration: time.Duration(s.MinutesFade) * time.Minute,
	}
}

// WakeRamp derives the wake sequence shape from settings
func WakeRamp(s config.Settings) RampConfig {
	return RampConfig{
		StartVolume: s.StartVolume,
		Steps:       s.VolumeIncrease,
		Duration:    time.Duration(s.MinutesRamp) * time.Minute,
		Playlist:    s.Playlist,
	}
}

// Status is the service view exposed to the API
type Status struct {
	Snapshot
	Next map[string]*time.Time `json:"next"`
}

// Service wires the settings store, the scheduler and the coordinator
type Service struct {
	store       *config.Store
	resolver    *timeofday.Resolver
	location    *time.Location
	clock       clock.Clock
	scheduler   *scheduler.Scheduler
	coordinator *Coordinator
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewService builds the engine around a player. loc is the wall-clock zone
// times are resolved in; nil means the clock's own zone.
func NewService(p player.Client, store *config.Store, resolver *timeofday.Resolver, loc *time.Location, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Service {
	sched := scheduler.New(clk, logger)
	ctrl := ramp.NewController(p, clk, logger)
	coord := NewCoordinator(p, ctrl, sched, clk, m, logger)
	ctrl.OnStep(coord.RecordStep)

	s := &Service{
		store:       store,
		resolver:    resolver,
		location:    loc,
		clock:       clk,
		scheduler:   sched,
		coordinator: coord,
		metrics:     m,
		logger:      logger.Named("service"),
	}

	sched.Register(scheduler.EventSleep, scheduler.Event{
		Resolve: s.resolve(config.Settings.SleepSchedule),
		OnFire:  s.onSleepFire,
	})
	sched.Register(scheduler.EventWake, scheduler.Event{
		Resolve: s.resolve(config.Settings.WakeSchedule),
		OnFire:  s.onWakeFire,
	})
	store.OnChange(s.settingsChanged)
	return s
}

// Coordinator returns the state machine, mainly for subscriptions
func (s *Service) Coordinator() *Coordinator {
	return s.coordinator
}

// Store returns the settings store
func (s *Service) Store() *config.Store {
	return s.store
}

func (s *Service) resolve(pick func(config.Settings) timeofday.Schedule) scheduler.ResolveFunc {
	return func(now time.Time) (time.Time, error) {
		if s.location != nil {
			now = now.In(s.location)
		}
		return s.resolver.ResolveSchedule(pick(s.store.Snapshot()), now)
	}
}

// Start arms both events. An event whose time does not resolve stays unarmed
// until the next valid save; the combined resolve errors are returned.
func (s *Service) Start() error {
	s.logger.Info("Starting sleep/wake service")
	err := s.scheduler.RescheduleAll()
	s.publishNext()
	if err != nil {
		s.logger.Warn("Some events could not be armed", zap.Error(err))
	}
	return err
}

// Stop cancels both timers and shuts the coordinator down, bounded by ctx
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping sleep/wake service")
	s.scheduler.Stop()
	s.publishNext()
	return s.coordinator.Shutdown(ctx)
}

// Fire triggers an event immediately without disturbing its scheduled time
func (s *Service) Fire(name string) error {
	settings := s.store.Snapshot()

	switch name {
	case scheduler.EventSleep:
		s.logger.Info("Manual sleep fire")
		s.metrics.EventFires.WithLabelValues(name).Inc()
		s.coordinator.HandleSleepFire(SleepRamp(settings))
	case scheduler.EventWake:
		s.logger.Info("Manual wake fire")
		s.metrics.EventFires.WithLabelValues(name).Inc()
		s.coordinator.HandleWakeFire(WakeRamp(settings))
		s.publishNext()
	default:
		return fmt.Errorf("%w: %s", scheduler.ErrUnknownEvent, name)
	}
	return nil
}

// Status returns the coordinator snapshot with the next fire times
func (s *Service) Status() Status {
	status := Status{
		Snapshot: s.coordinator.Snapshot(),
		Next:     make(map[string]*time.Time),
	}
	for _, name := range s.scheduler.Names() {
		if at, ok := s.scheduler.Next(name); ok {
			status.Next[name] = &at
		} else {
			status.Next[name] = nil
		}
	}
	return status
}

// NextFires returns the armed fire times
func (s *Service) NextFires() map[string]time.Time {
	next := make(map[string]time.Time)
	for _, name := range s.scheduler.Names() {
		if at, ok := s.scheduler.Next(name); ok {
			next[name] = at
		}
	}
	return next
}

func (s *Service) onSleepFire() {
	s.metrics.EventFires.WithLabelValues(scheduler.EventSleep).Inc()
	s.coordinator.HandleSleepFire(SleepRamp(s.store.Snapshot()))
	s.rearm(scheduler.EventSleep)
}

func (s *Service) onWakeFire() {
	s.metrics.EventFires.WithLabelValues(scheduler.EventWake).Inc()
	s.coordinator.HandleWakeFire(WakeRamp(s.store.Snapshot()))
	s.rearm(scheduler.EventWake)
}

// rearm schedules the next occurrence after a fire or a settings change
func (s *Service) rearm(name string) {
	if err := s.scheduler.Reschedule(name); err != nil {
		s.logger.Warn("Event left unarmed", zap.String("event", name), zap.Error(err))
	}
	s.publishNext()
}

func (s *Service) settingsChanged(old, updated config.Settings) {
	var errs error
	if updated.SleepChanged(old) {
		s.logger.Info("Sleep settings changed, rescheduling")
		errs = multierr.Append(errs, s.scheduler.Reschedule(scheduler.EventSleep))
	}
	if updated.WakeChanged(old) {
		s.logger.Info("Wake settings changed, rescheduling")
		errs = multierr.Append(errs, s.scheduler.Reschedule(scheduler.EventWake))
	}
	if errs != nil {
		s.logger.Warn("Reschedule after settings change failed", zap.Error(errs))
	}
	s.publishNext()
}

func (s *Service) publishNext() {
	for _, name := range s.scheduler.Names() {
		at, _ := s.scheduler.Next(name)
		s.metrics.SetNextFire(name, at)
	}
}
