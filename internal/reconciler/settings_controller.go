package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/settings"
	"go.uber.org/zap"
)

var (
	// ErrNotSignedIn is returned for writes without a user identifier.
	ErrNotSignedIn = errors.New("reconciler: sign in to change notification settings")
	// ErrSaveFailed wraps a rejected settings write after the optimistic change was reverted.
	ErrSaveFailed = errors.New("reconciler: failed to save notification settings")
)

// SettingsBackend reads and writes a user's notification preferences.
type SettingsBackend interface {
	LoadSettings(ctx context.Context, userID string) (settings.Preferences, error)
	SaveSettings(ctx context.Context, userID string, prefs settings.Preferences) (settings.Preferences, error)
}

// SettingsController holds the user's preferences with optimistic writes. A failed
// write applies the inverse transition and records the error for display.
type SettingsController struct {
	backend SettingsBackend
	userID  string
	logger  *zap.Logger

	mu      sync.Mutex
	current settings.Preferences
	lastErr error
}

func NewSettingsController(backend SettingsBackend, userID string, logger *zap.Logger) *SettingsController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettingsController{
		backend: backend,
		userID:  strings.TrimSpace(userID),
		logger:  logger,
		current: settings.DefaultPreferences(),
	}
}

// Load fetches stored preferences, falling back to the defaults on any failure.
func (s *SettingsController) Load(ctx context.Context) settings.Preferences {
	if s.userID == "" || s.backend == nil {
		return s.reset(nil)
	}
	prefs, err := s.backend.LoadSettings(ctx, s.userID)
	if err != nil {
		s.logger.Warn("settings load failed, using defaults", zap.String("user_id", s.userID), zap.Error(err))
		return s.reset(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = prefs
	s.lastErr = nil
	return prefs
}

// SetEnabled toggles notifications optimistically.
func (s *SettingsController) SetEnabled(ctx context.Context, enabled bool) error {
	return s.apply(ctx,
		func(prefs *settings.Preferences) { prefs.Enabled = enabled },
		func(prefs *settings.Preferences, previous settings.Preferences) { prefs.Enabled = previous.Enabled })
}

// SetThreshold commits a new threshold optimistically.
func (s *SettingsController) SetThreshold(ctx context.Context, threshold float64) error {
	if err := settings.ValidateThreshold(threshold); err != nil {
		return err
	}
	return s.apply(ctx,
		func(prefs *settings.Preferences) { prefs.Threshold = threshold },
		func(prefs *settings.Preferences, previous settings.Preferences) { prefs.Threshold = previous.Threshold })
}

func (s *SettingsController) Preferences() settings.Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Err is the last load or save failure, cleared by the next success.
func (s *SettingsController) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *SettingsController) apply(
	ctx context.Context,
	change func(*settings.Preferences),
	revert func(*settings.Preferences, settings.Preferences),
) error {
	if s.userID == "" || s.backend == nil {
		s.mu.Lock()
		s.lastErr = ErrNotSignedIn
		s.mu.Unlock()
		return ErrNotSignedIn
	}

	s.mu.Lock()
	previous := s.current
	change(&s.current)
	desired := s.current
	s.mu.Unlock()

	saved, err := s.backend.SaveSettings(ctx, s.userID, desired)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		revert(&s.current, previous)
		s.lastErr = fmt.Errorf("%w: %w", ErrSaveFailed, err)
		s.logger.Warn("settings save failed, reverted", zap.String("user_id", s.userID), zap.Error(err))
		return s.lastErr
	}
	s.current = saved
	s.lastErr = nil
	return nil
}

func (s *SettingsController) reset(cause error) settings.Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = settings.DefaultPreferences()
	s.lastErr = cause
	return s.current
}
