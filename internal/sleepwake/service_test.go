package sleepwake

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"sleepwake/internal/clock"
	"sleepwake/internal/config"
	"sleepwake/internal/metrics"
	"sleepwake/internal/player"
	"sleepwake/internal/scheduler"
	"sleepwake/internal/timeofday"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type serviceFixture struct {
	svc     *Service
	store   *config.Store
	player  *player.MockClient
	clock   *clock.MockClock
	metrics *metrics.Metrics
	events  chan Event
}

func newServiceFixture(t *testing.T, now time.Time, volume int, patch config.Patch) *serviceFixture {
	t.Helper()
	logger := zap.NewNop()
	clk := clock.NewMockClock(now)
	mock := player.NewMockClient(volume)
	mock.SetNow(clk.Now)

	resolver := &timeofday.Resolver{}
	store := newTestStore(t, resolver, logger)
	_, err := store.Save(patch)
	require.NoError(t, err)

	m := metrics.New()
	svc := NewService(mock, store, resolver, nil, clk, m, logger)

	f := &serviceFixture{
		svc:     svc,
		store:   store,
		player:  mock,
		clock:   clk,
		metrics: m,
		events:  make(chan Event, 512),
	}
	svc.Coordinator().Subscribe(func(ev Event) { f.events <- ev })

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, svc.Stop(ctx))
	})
	return f
}

// newTestStore creates a settings store in a temp dir
func newTestStore(t *testing.T, resolver *timeofday.Resolver, logger *zap.Logger) *config.Store {
	t.Helper()
	return config.NewStore(filepath.Join(t.TempDir(), "sleepwake.yaml"), resolver.Validate, logger)
}

func (f *serviceFixture) waitIdle(t *testing.T) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.events:
			if ev.Type == EventStateChanged && ev.State == Idle {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for idle")
		}
	}
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

// Sleep at 22:00 with five one-minute steps from volume 40, starting at 21:59
func TestService_SleepScenario(t *testing.T) {
	start := time.Date(2024, 5, 1, 21, 59, 0, 0, time.UTC)
	f := newServiceFixture(t, start, 40, config.Patch{
		SleepTime:      strPtr("22:00"),
		VolumeDecrease: intPtr(5),
		MinutesFade:    intPtr(5),
	})
	require.NoError(t, f.svc.Start())

	next := f.svc.NextFires()
	assert.Equal(t, time.Date(2024, 5, 1, 22, 0, 0, 0, time.UTC), next[scheduler.EventSleep])
	assert.Equal(t, time.Date(2024, 5, 2, 7, 0, 0, 0, time.UTC), next[scheduler.EventWake])

	// sleep and wake timers
	f.clock.BlockUntil(2)
	f.clock.Advance(59 * time.Second)
	assert.Empty(t, f.player.Calls(), "nothing before 22:00")

	f.clock.Advance(time.Second)
	for i := 0; i < 4; i++ {
		// next sleep, wake and the ramp wait
		f.clock.BlockUntil(3)
		f.clock.Advance(time.Minute)
	}
	f.waitIdle(t)

	assert.Equal(t, []int{39, 38, 37, 36, 35}, f.player.SetVolumes())
	sets := f.player.CallsOf(player.OpSetVolume)
	for i, c := range sets {
		assert.Equal(t, time.Date(2024, 5, 1, 22, i, 0, 0, time.UTC), c.Time, "step %d", i)
	}
	calls := f.player.Calls()
	assert.Equal(t, player.OpStop, calls[len(calls)-1].Op)

	next = f.svc.NextFires()
	assert.Equal(t, time.Date(2024, 5, 2, 22, 0, 0, 0, time.UTC), next[scheduler.EventSleep], "re-armed for tomorrow")
	assert.Equal(t, 1.0, counterValue(t, f.metrics.EventFires.WithLabelValues(scheduler.EventSleep)))
}

func TestService_WakeScenario(t *testing.T) {
	start := time.Date(2024, 5, 2, 6, 59, 0, 0, time.UTC)
	f := newServiceFixture(t, start, 3, config.Patch{
		WakeTime:       strPtr("07:00"),
		StartVolume:    intPtr(15),
		Playlist:       strPtr("wakeup"),
		VolumeIncrease: intPtr(3),
		MinutesRamp:    intPtr(3),
	})
	require.NoError(t, f.svc.Start())

	f.clock.BlockUntil(2)
	f.clock.Advance(time.Minute)
	for i := 0; i < 2; i++ {
		f.clock.BlockUntil(3)
		f.clock.Advance(time.Minute)
	}
	f.waitIdle(t)

	var got []string
	for _, c := range f.player.Calls() {
		if c.Op != player.OpGetVolume {
			got = append(got, c.String())
		}
	}
	assert.Equal(t, []string{"setVolume(15)", `playPlaylist("wakeup")`, "setVolume(16)", "setVolume(17)", "setVolume(18)"}, got)

	next := f.svc.NextFires()
	assert.Equal(t, time.Date(2024, 5, 3, 7, 0, 0, 0, time.UTC), next[scheduler.EventWake])
	assert.Equal(t, time.Date(2024, 5, 2, 22, 0, 0, 0, time.UTC), next[scheduler.EventSleep], "tonight's sleep is kept")
}

func TestService_WakePreemptsRunningSleep(t *testing.T) {
	start := time.Date(2024, 5, 1, 6, 50, 0, 0, time.UTC)
	f := newServiceFixture(t, start, 40, config.Patch{
		SleepTime:      strPtr("06:55"),
		VolumeDecrease: intPtr(30),
		MinutesFade:    intPtr(30),
		WakeTime:       strPtr("07:00"),
		StartVolume:    intPtr(10),
		VolumeIncrease: intPtr(1),
		MinutesRamp:    intPtr(1),
	})
	require.NoError(t, f.svc.Start())

	f.clock.BlockUntil(2)
	f.clock.Advance(5 * time.Minute)
	for i := 0; i < 5; i++ {
		f.clock.BlockUntil(3)
		f.clock.Advance(time.Minute)
	}
	f.waitIdle(t)

	assert.Empty(t, f.player.CallsOf(player.OpStop), "pre-empted fade-out does not stop playback")
	vols := f.player.SetVolumes()
	require.Len(t, vols, 7)
	assert.Equal(t, []int{39, 38, 37, 36, 35}, vols[:5])
	assert.Equal(t, []int{10, 11}, vols[5:])
	assert.Equal(t, Idle, f.svc.Coordinator().State())
}

// A sleep due a few minutes after the wake is skipped and never stops the
// wake playlist
func TestService_WakeSkipsPendingSleep(t *testing.T) {
	start := time.Date(2024, 5, 1, 6, 58, 0, 0, time.UTC)
	f := newServiceFixture(t, start, 40, config.Patch{
		SleepTime:      strPtr("07:05"),
		WakeTime:       strPtr("07:00"),
		StartVolume:    intPtr(20),
		VolumeIncrease: intPtr(1),
		MinutesRamp:    intPtr(10),
	})
	require.NoError(t, f.svc.Start())
	assert.Equal(t, time.Date(2024, 5, 1, 7, 5, 0, 0, time.UTC), f.svc.NextFires()[scheduler.EventSleep])

	f.clock.BlockUntil(2)
	f.clock.Advance(2 * time.Minute)
	f.waitIdle(t)

	next := f.svc.NextFires()
	assert.Equal(t, time.Date(2024, 5, 2, 7, 5, 0, 0, time.UTC), next[scheduler.EventSleep], "skipped to tomorrow")
	assert.Equal(t, time.Date(2024, 5, 2, 7, 0, 0, 0, time.UTC), next[scheduler.EventWake])

	f.clock.BlockUntil(2)
	f.clock.Advance(5 * time.Minute)

	assert.Empty(t, f.player.CallsOf(player.OpStop))
	assert.Equal(t, []int{20, 21}, f.player.SetVolumes())
	assert.Equal(t, Idle, f.svc.Coordinator().State())
	assert.Equal(t, 0.0, counterValue(t, f.metrics.EventFires.WithLabelValues(scheduler.EventSleep)))
}

func TestService_SettingsChangeReschedules(t *testing.T) {
	// Wednesday noon
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := newServiceFixture(t, start, 40, config.Patch{})
	require.NoError(t, f.svc.Start())

	_, err := f.store.Save(config.Patch{SleepTime: strPtr("23:45")})
	require.NoError(t, err)
	next := f.svc.NextFires()
	assert.Equal(t, time.Date(2024, 5, 1, 23, 45, 0, 0, time.UTC), next[scheduler.EventSleep])
	assert.Equal(t, time.Date(2024, 5, 2, 7, 0, 0, 0, time.UTC), next[scheduler.EventWake])

	_, err = f.store.Save(config.Patch{WakeDays: &config.DaySchedule{Weekday: "06:15", Saturday: "09:00"}})
	require.NoError(t, err)
	next = f.svc.NextFires()
	assert.Equal(t, time.Date(2024, 5, 2, 6, 15, 0, 0, time.UTC), next[scheduler.EventWake])

	_, err = f.store.Save(config.Patch{WakeTime: strPtr("bogus")})
	var verr *config.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, next, f.svc.NextFires(), "a rejected save changes nothing")
	assert.Equal(t, 2, f.clock.PendingTimers())
}

func TestService_InvalidStoredTimeLeavesEventUnarmed(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := newServiceFixture(t, start, 40, config.Patch{})

	// sunrise without a location loads but does not resolve
	f.store = config.NewStore(f.store.Path(), nil, zap.NewNop())
	svc := NewService(f.player, f.store, &timeofday.Resolver{}, nil, f.clock, metrics.New(), zap.NewNop())
	_, err := f.store.Save(config.Patch{WakeTime: strPtr("sunrise")})
	require.NoError(t, err)

	err = svc.Start()
	assert.ErrorIs(t, err, timeofday.ErrNoLocation)

	status := svc.Status()
	assert.NotNil(t, status.Next[scheduler.EventSleep])
	assert.Nil(t, status.Next[scheduler.EventWake])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))
}

func TestService_ManualFire(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := newServiceFixture(t, start, 40, config.Patch{
		VolumeDecrease: intPtr(2),
		MinutesFade:    intPtr(0),
	})
	require.NoError(t, f.svc.Start())
	before := f.svc.NextFires()

	require.NoError(t, f.svc.Fire(scheduler.EventSleep))
	f.waitIdle(t)
	assert.Equal(t, []int{39, 38}, f.player.SetVolumes())
	assert.Len(t, f.player.CallsOf(player.OpStop), 1)
	assert.Equal(t, before, f.svc.NextFires(), "manual sleep keeps the schedule")

	assert.ErrorIs(t, f.svc.Fire("nap"), scheduler.ErrUnknownEvent)
}

func TestService_StatusAndStop(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := newServiceFixture(t, start, 40, config.Patch{})
	require.NoError(t, f.svc.Start())

	status := f.svc.Status()
	assert.Equal(t, Idle, status.State)
	require.NotNil(t, status.Next[scheduler.EventSleep])
	assert.Equal(t, time.Date(2024, 5, 1, 22, 0, 0, 0, time.UTC), *status.Next[scheduler.EventSleep])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.svc.Stop(ctx))
	assert.Equal(t, 0, f.clock.PendingTimers())
	assert.Empty(t, f.svc.NextFires())
}

func TestRampConfigFromSettings(t *testing.T) {
	s := config.Defaults()
	sleep := SleepRamp(s)
	assert.Equal(t, 10, sleep.Steps)
	assert.Equal(t, 20*time.Minute, sleep.Duration)
	assert.Equal(t, 2*time.Minute, sleep.Interval())

	wake := WakeRamp(s)
	assert.Equal(t, 20, wake.StartVolume)
	assert.Equal(t, "wakeup", wake.Playlist)
	assert.Equal(t, 10, wake.Steps)
	assert.Equal(t, 20*time.Minute, wake.Duration)
}
