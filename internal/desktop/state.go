package desktop

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// savedSession is the on-disk form of a paired session.
type savedSession struct {
	ScanSessionID string    `yaml:"scan_session_id"`
	ExpiresAt     time.Time `yaml:"expires_at"`
	LastEventID   int64     `yaml:"last_event_id,omitempty"`
}

type stateStore struct {
	path string
}

// load returns nil when no state has been saved.
func (s *stateStore) load() (*savedSession, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var saved savedSession
	if err := yaml.Unmarshal(data, &saved); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("discarding unreadable state file")
		s.clear()
		return nil, nil
	}
	if saved.ScanSessionID == "" {
		return nil, nil
	}
	return &saved, nil
}

func (s *stateStore) save(saved savedSession) error {
	data, err := yaml.Marshal(saved)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *stateStore) clear() {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", s.path).Msg("failed to remove state file")
	}
}

// saveLocked persists the current session. Failures are only logged.
func (o *Orchestrator) saveLocked() {
	if o.store == nil || o.session == nil {
		return
	}
	err := o.store.save(savedSession{
		ScanSessionID: o.session.id,
		ExpiresAt:     o.session.expiresAt,
		LastEventID:   o.session.events.HighWater(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to persist session state")
	}
}
