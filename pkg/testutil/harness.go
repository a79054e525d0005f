package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sleepwake/internal/clock"
	"sleepwake/internal/config"
	"sleepwake/internal/metrics"
	"sleepwake/internal/player"
	"sleepwake/internal/sleepwake"
	"sleepwake/internal/timeofday"

	"go.uber.org/zap"
)

// TestEnv is a complete service wired to a mock player over real HTTP, with
// a mock clock driving the schedule.
//
// Example usage:
//
//	env, err := testutil.NewTestEnv(start, 40, config.Patch{})
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
type TestEnv struct {
	Server  *MockPlayerServer
	Clock   *clock.MockClock
	Store   *config.Store
	Service *sleepwake.Service
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	dir    string
	events chan sleepwake.Event
	sub    sleepwake.Subscription
}

// NewTestEnv starts a mock player at volume, applies patch to fresh settings
// and builds the service at start. The service is not started.
func NewTestEnv(start time.Time, volume int, patch config.Patch) (*TestEnv, error) {
	logger, _ := zap.NewDevelopment()

	server := NewMockPlayerServer(volume)
	url := server.Start()

	clk := clock.NewMockClock(start)
	server.SetClock(clk.Now)

	client, err := player.NewHTTPClient(url, 5*time.Second, logger)
	if err != nil {
		server.Stop()
		return nil, fmt.Errorf("failed to create player client: %w", err)
	}

	dir, err := os.MkdirTemp("", "sleepwake-test-")
	if err != nil {
		server.Stop()
		return nil, fmt.Errorf("failed to create settings dir: %w", err)
	}

	resolver := &timeofday.Resolver{}
	store := config.NewStore(filepath.Join(dir, "sleepwake.yaml"), resolver.Validate, logger)
	if _, err := store.Save(patch); err != nil {
		server.Stop()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to save settings: %w", err)
	}

	m := metrics.New()
	svc := sleepwake.NewService(client, store, resolver, nil, clk, m, logger)

	env := &TestEnv{
		Server:  server,
		Clock:   clk,
		Store:   store,
		Service: svc,
		Metrics: m,
		Logger:  logger,
		dir:     dir,
		events:  make(chan sleepwake.Event, 1024),
	}
	env.sub = svc.Coordinator().Subscribe(func(ev sleepwake.Event) {
		select {
		case env.events <- ev:
		default:
		}
	})
	return env, nil
}

// Tick advances the clock by interval n times, each time after the sleep
// timer, the wake timer and one ramp wait are pending
func (e *TestEnv) Tick(n int, interval time.Duration) {
	for i := 0; i < n; i++ {
		e.Clock.BlockUntil(3)
		e.Clock.Advance(interval)
	}
}

// WaitFinished waits for the next ramp_finished event and returns its status
func (e *TestEnv) WaitFinished(timeout time.Duration) (string, error) {
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-e.events:
			if ev.Type == sleepwake.EventRampFinished {
				return ev.Status, nil
			}
		case <-deadline:
			return "", fmt.Errorf("timed out after %s waiting for a ramp to finish", timeout)
		}
	}
}

// WaitIdle waits for the coordinator to return to Idle
func (e *TestEnv) WaitIdle(timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-e.events:
			if ev.Type == sleepwake.EventStateChanged && ev.State == sleepwake.Idle {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("timed out after %s waiting for idle", timeout)
		}
	}
}

// Cleanup stops all components in the correct order.
// Always call this in a defer after creating the TestEnv.
func (e *TestEnv) Cleanup() {
	e.sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Service.Stop(ctx); err != nil {
		e.Logger.Warn("Service did not stop cleanly", zap.Error(err))
	}

	e.Server.Stop()
	os.RemoveAll(e.dir)
}
