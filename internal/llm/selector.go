package llm

import (
	"fmt"
	"log/slog"
	"sync"
)

// SettingsNamespace is the settings namespace holding the persisted
// active provider and model.
const (
	SettingsNamespace = "provider"
	settingsKeyID     = "active"
	settingsKeyModel  = "model"
)

// SettingsStore persists small namespaced values. Implemented by
// opstate.Store.
type SettingsStore interface {
	Get(namespace, key string) (string, error)
	// SetAll writes every value of a namespace or none of them.
	SetAll(namespace string, values map[string]string) error
}

// Selector is the explicit "active provider" configuration object. It is
// injected into the agent loop and can be switched at runtime; every
// switch is persisted so it survives restarts.
type Selector struct {
	mu       sync.RWMutex
	registry *Registry
	settings SettingsStore
	logger   *slog.Logger

	activeID string
	model    string
}

// NewSelector creates a selector whose initial choice is defaultID with
// the given model (empty means the provider's default model). settings
// may be nil, in which case choices are not persisted.
func NewSelector(registry *Registry, settings SettingsStore, defaultID, model string, logger *slog.Logger) (*Selector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, ok := registry.Get(defaultID); !ok {
		return nil, &ErrUnknownProvider{ID: defaultID, Known: registry.IDs()}
	}
	return &Selector{
		registry: registry,
		settings: settings,
		logger:   logger.With("component", "selector"),
		activeID: defaultID,
		model:    model,
	}, nil
}

// Restore loads the persisted choice, if any. A persisted provider that
// is no longer registered is ignored and the current choice is kept.
func (s *Selector) Restore() error {
	if s.settings == nil {
		return nil
	}
	id, err := s.settings.Get(SettingsNamespace, settingsKeyID)
	if err != nil {
		return fmt.Errorf("restore provider: %w", err)
	}
	if id == "" {
		return nil
	}
	if _, ok := s.registry.Get(id); !ok {
		s.logger.Warn("persisted provider no longer configured, keeping default",
			"persisted", id, "default", s.activeID)
		return nil
	}
	model, err := s.settings.Get(SettingsNamespace, settingsKeyModel)
	if err != nil {
		return fmt.Errorf("restore model: %w", err)
	}

	s.mu.Lock()
	s.activeID, s.model = id, model
	s.mu.Unlock()

	s.logger.Info("restored active provider", "provider", id, "model", model)
	return nil
}

// Active returns the active provider and the model to request from it.
func (s *Selector) Active() (Provider, string) {
	s.mu.RLock()
	id, model := s.activeID, s.model
	s.mu.RUnlock()

	p, _ := s.registry.Get(id)
	if model == "" {
		model = p.DefaultModel()
	}
	return p, model
}

// ActiveID returns the ID of the active provider.
func (s *Selector) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// SetActive switches the active provider and persists the choice. The
// in-memory choice only changes once persistence succeeded.
func (s *Selector) SetActive(id, model string) error {
	if _, ok := s.registry.Get(id); !ok {
		return &ErrUnknownProvider{ID: id, Known: s.registry.IDs()}
	}

	if s.settings != nil {
		if err := s.settings.SetAll(SettingsNamespace, map[string]string{
			settingsKeyID:    id,
			settingsKeyModel: model,
		}); err != nil {
			return fmt.Errorf("persist provider: %w", err)
		}
	}

	s.mu.Lock()
	prev := s.activeID
	s.activeID, s.model = id, model
	s.mu.Unlock()

	s.logger.Info("active provider changed", "from", prev, "to", id, "model", model)
	return nil
}
