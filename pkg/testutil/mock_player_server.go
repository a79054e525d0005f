// Package testutil provides testing utilities for the sleep/wake service.
// This package contains a mock playback service and a harness for
// end-to-end tests over real HTTP.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockPlayerServer simulates the playback service REST API
type MockPlayerServer struct {
	server *httptest.Server

	mu       sync.Mutex
	volume   int
	status   string
	playlist string
	delay    time.Duration // simulates a slow player
	failures map[string]int
	commands []Command
	now      func() time.Time
}

// NewMockPlayerServer creates a stopped player at volume
func NewMockPlayerServer(volume int) *MockPlayerServer {
	return &MockPlayerServer{
		volume:   volume,
		status:   "play",
		failures: make(map[string]int),
		now:      time.Now,
	}
}

// SetClock sets the time source used to stamp recorded commands
func (s *MockPlayerServer) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetDelay delays every response
func (s *MockPlayerServer) SetDelay(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = delay
}

// FailWith makes requests for cmd answer with status. Use "getState" for
// the state endpoint and 0 to clear.
func (s *MockPlayerServer) FailWith(cmd string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, cmd)
		return
	}
	s.failures[cmd] = status
}

// Start starts the server and returns its base URL
func (s *MockPlayerServer) Start() string {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/getState", s.handleGetState)
	mux.HandleFunc("/api/v1/commands/", s.handleCommand)
	s.server = httptest.NewServer(mux)
	return s.server.URL
}

// Stop stops the server
func (s *MockPlayerServer) Stop() {
	if s.server != nil {
		s.server.Close()
	}
}

// URL returns the base URL of a started server
func (s *MockPlayerServer) URL() string {
	return s.server.URL
}

func (s *MockPlayerServer) wait() {
	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
}

func (s *MockPlayerServer) handleGetState(w http.ResponseWriter, r *http.Request) {
	s.wait()

	s.mu.Lock()
	status, failing := s.failures["getState"]
	state := map[string]any{
		"status": s.status,
		"volume": s.volume,
		"title":  s.playlist,
	}
	s.mu.Unlock()

	if failing {
		http.Error(w, "player error", status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(state)
}

func (s *MockPlayerServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	s.wait()

	query := r.URL.Query()
	cmd := query.Get("cmd")
	params := make(map[string]string)
	for key := range query {
		if key != "cmd" {
			params[key] = query.Get(key)
		}
	}

	s.mu.Lock()
	s.commands = append(s.commands, Command{Timestamp: s.now(), Cmd: cmd, Params: params})
	if status, failing := s.failures[cmd]; failing {
		s.mu.Unlock()
		http.Error(w, "player error", status)
		return
	}

	switch cmd {
	case "volume":
		v, err := strconv.Atoi(params["volume"])
		if err != nil || v < 0 || v > 100 {
			s.mu.Unlock()
			http.Error(w, "bad volume", http.StatusBadRequest)
			return
		}
		s.volume = v
	case "stop":
		s.status = "stop"
	case "playplaylist":
		s.playlist = params["name"]
		s.status = "play"
	default:
		s.mu.Unlock()
		http.Error(w, "unknown command", http.StatusBadRequest)
		return
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"response": cmd + " Success"})
}

// Volume returns the current player volume
func (s *MockPlayerServer) Volume() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// Status returns "play" or "stop"
func (s *MockPlayerServer) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Playlist returns the last playlist started
func (s *MockPlayerServer) Playlist() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playlist
}

// GetCommands returns all commands received, in order
func (s *MockPlayerServer) GetCommands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.commands...)
}

// ClearCommands clears the recorded commands
func (s *MockPlayerServer) ClearCommands() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = nil
}

// CountCommands counts received commands of type cmd
func (s *MockPlayerServer) CountCommands(cmd string) int {
	return len(FilterCommands(s.GetCommands(), cmd))
}
