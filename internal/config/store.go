package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChangeFunc is called after a successful save with the previous and new settings
type ChangeFunc func(old, updated Settings)

// Store manages the settings file. Readers get immutable snapshots; saves are
// validated before anything is written.
type Store struct {
	path     string
	validate TimeValidator
	logger   *zap.Logger

	saveMu    sync.Mutex
	mu        sync.RWMutex
	current   Settings
	listeners []ChangeFunc
}

// NewStore creates a store for the YAML file at path. validate checks time
// settings; nil uses the plain format check.
func NewStore(path string, validate TimeValidator, logger *zap.Logger) *Store {
	return &Store{
		path:     path,
		validate: validate,
		logger:   logger.Named("config"),
		current:  Defaults(),
	}
}

// Path returns the settings file path
func (s *Store) Path() string {
	return s.path
}

// Load reads the settings file. A missing file leaves the defaults in place.
// Keys absent from the file keep their default values. Invalid values are
// loaded as-is and logged; the affected event stays unarmed until a valid save.
func (s *Store) Load() error {
	s.logger.Debug("Loading settings", zap.String("path", s.path))

	settings, err := ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("No settings file found, using defaults", zap.String("path", s.path))
		return nil
	}
	if err != nil {
		return err
	}

	if err := settings.Validate(s.validate); err != nil {
		s.logger.Warn("Loaded settings contain invalid values", zap.Error(err))
	}

	s.mu.Lock()
	s.current = settings
	s.mu.Unlock()

	s.logger.Info("Settings loaded successfully",
		zap.String("sleep_time", settings.SleepTime),
		zap.String("wake_time", settings.WakeTime))
	return nil
}

// ReadFile parses a settings file on top of the defaults
func ReadFile(path string) (Settings, error) {
	settings := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return settings, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return settings, fmt.Errorf("failed to parse settings: %w", err)
	}
	return settings, nil
}

// Snapshot returns a copy of the current settings
func (s *Store) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnChange registers a listener for successful saves
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Save merges patch into the current settings, validates the result and
// persists it. On a validation error nothing is written and the returned
// error is a *ValidationError. Listeners run synchronously, in save order.
func (s *Store) Save(patch Patch) (Settings, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	old := s.Snapshot()
	updated := patch.Apply(old)

	if err := updated.Validate(s.validate); err != nil {
		s.logger.Warn("Rejected settings save", zap.Error(err))
		return old, err
	}

	if err := s.write(updated); err != nil {
		return old, err
	}

	s.mu.Lock()
	s.current = updated
	listeners := append([]ChangeFunc(nil), s.listeners...)
	s.mu.Unlock()

	s.logger.Info("Settings saved", zap.String("path", s.path))

	for _, fn := range listeners {
		fn(old, updated)
	}
	return updated, nil
}

// write replaces the settings file atomically with a temp file and rename
func (s *Store) write(settings Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close settings: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace settings: %w", err)
	}
	return nil
}
