package player

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Operation names used in errors and recorded by MockClient
const (
	OpGetVolume    = "getVolume"
	OpSetVolume    = "setVolume"
	OpStop         = "stop"
	OpPlayPlaylist = "playPlaylist"
)

// Call records a player call for testing
type Call struct {
	Op     string
	Volume int
	Name   string
	Time   time.Time
}

func (c Call) String() string {
	switch c.Op {
	case OpSetVolume:
		return fmt.Sprintf("setVolume(%d)", c.Volume)
	case OpPlayPlaylist:
		return fmt.Sprintf("playPlaylist(%q)", c.Name)
	default:
		return c.Op + "()"
	}
}

// MockClient implements Client in memory for testing
type MockClient struct {
	mu       sync.Mutex
	volume   int
	playing  string
	stopped  bool
	calls    []Call
	failures map[string]error
	onCall   func(Call)
	now      func() time.Time
}

// NewMockClient creates a mock player at the given volume
func NewMockClient(volume int) *MockClient {
	return &MockClient{
		volume:   volume,
		calls:    make([]Call, 0),
		failures: make(map[string]error),
		now:      time.Now,
	}
}

// SetNow replaces the timestamp source for recorded calls
func (m *MockClient) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// FailOn makes every subsequent call of op return err. A nil err clears it.
func (m *MockClient) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// OnCall registers a hook invoked after each call is recorded, outside the lock
func (m *MockClient) OnCall(hook func(Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCall = hook
}

// SetCurrentVolume changes the volume as if a user had moved the knob
func (m *MockClient) SetCurrentVolume(volume int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volume = volume
}

// Volume returns the current mock volume
func (m *MockClient) Volume() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume
}

// Playing returns the last started playlist, or "" after Stop
func (m *MockClient) Playing() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing
}

// Stopped reports whether Stop was the last playback command
func (m *MockClient) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Calls returns a copy of all recorded calls
func (m *MockClient) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]Call, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// CallsOf returns recorded calls of a single operation
func (m *MockClient) CallsOf(op string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// SetVolumes returns the volumes passed to SetVolume, in order
func (m *MockClient) SetVolumes() []int {
	var out []int
	for _, c := range m.CallsOf(OpSetVolume) {
		out = append(out, c.Volume)
	}
	return out
}

// ClearCalls resets the call history
func (m *MockClient) ClearCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = make([]Call, 0)
}

func (m *MockClient) record(call Call) error {
	m.mu.Lock()
	call.Time = m.now()
	m.calls = append(m.calls, call)
	err := m.failures[call.Op]
	hook := m.onCall
	m.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return err
}

// GetVolume returns the mock volume
func (m *MockClient) GetVolume(ctx context.Context) (int, error) {
	if err := m.record(Call{Op: OpGetVolume}); err != nil {
		return 0, err
	}
	return m.Volume(), nil
}

// SetVolume records the call and stores the volume
func (m *MockClient) SetVolume(ctx context.Context, volume int) error {
	if err := m.record(Call{Op: OpSetVolume, Volume: volume}); err != nil {
		return err
	}
	m.SetCurrentVolume(volume)
	return nil
}

// Stop records the call and clears the playing playlist
func (m *MockClient) Stop(ctx context.Context) error {
	if err := m.record(Call{Op: OpStop}); err != nil {
		return err
	}
	m.mu.Lock()
	m.playing = ""
	m.stopped = true
	m.mu.Unlock()
	return nil
}

// PlayPlaylist records the call and marks the playlist as playing
func (m *MockClient) PlayPlaylist(ctx context.Context, name string) error {
	if err := m.record(Call{Op: OpPlayPlaylist, Name: name}); err != nil {
		return err
	}
	m.mu.Lock()
	m.playing = name
	m.stopped = false
	m.mu.Unlock()
	return nil
}
