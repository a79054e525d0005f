package sleepwake

import (
	"fmt"
	"time"

	"sleepwake/internal/ramp"
)

// State is the coordinator's activity state
type State int

const (
	Idle State = iota
	Sleeping
	Waking
)

// AllStates lists every state name, in declaration order
var AllStates = []string{Idle.String(), Sleeping.String(), Waking.String()}

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sleeping:
		return "sleeping"
	case Waking:
		return "waking"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Activity names, shared with the scheduler event names
const (
	ActivitySleep = "sleep"
	ActivityWake  = "wake"
)

// RampConfig is the shape of one activity's ramp, taken from a settings snapshot
type RampConfig struct {
	// StartVolume is the wake start volume; unused for sleep
	StartVolume int
	Steps       int
	Duration    time.Duration
	// Playlist is started before the wake ramp; unused for sleep
	Playlist string
}

// Interval is the wait between steps
func (c RampConfig) Interval() time.Duration {
	return ramp.Interval(c.Duration, c.Steps)
}

// RunInfo describes the active ramp run
type RunInfo struct {
	ID       string `json:"id"`
	Activity string `json:"activity"`
	Step     int    `json:"step"`
}

// Outcome is how the last sequence of an activity ended
type Outcome struct {
	RunID  string    `json:"run_id"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Snapshot is a point-in-time view of the coordinator
type Snapshot struct {
	State     State    `json:"state"`
	Run       *RunInfo `json:"run,omitempty"`
	LastSleep *Outcome `json:"last_sleep,omitempty"`
	LastWake  *Outcome `json:"last_wake,omitempty"`
}

// EventType identifies a coordinator notification
type EventType string

const (
	EventStateChanged EventType = "state_changed"
	EventRampStep     EventType = "ramp_step"
	EventRampFinished EventType = "ramp_finished"
)

// Event is delivered to subscribers on transitions and ramp progress
type Event struct {
	Type     EventType
	Time     time.Time
	State    State
	Previous State
	RunID    string
	Activity string
	Step     int
	Volume   int
	Status   string
}

// Listener receives coordinator events. It must not block or call back
// into the coordinator.
type Listener func(Event)

// Subscription cancels a Subscribe registration
type Subscription interface {
	Unsubscribe()
}
