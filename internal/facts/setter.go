package facts

import (
	"errors"
	"log/slog"
)

// Reinforcer persists extracted facts. Re-observing a fact with the same
// value bumps its stored confidence by 0.1 (capped at 1.0) instead of
// overwriting it; a changed value is a correction and takes the incoming
// confidence as-is.
type Reinforcer struct {
	store  *Store
	logger *slog.Logger
}

// NewReinforcer wraps store as a fact sink for background extraction.
func NewReinforcer(store *Store, logger *slog.Logger) *Reinforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reinforcer{store: store, logger: logger.With("component", "facts")}
}

// SetFact implements memory.FactSetter.
func (r *Reinforcer) SetFact(category, key, value, source string, confidence float64) error {
	existing, err := r.store.Get(Category(category), key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		r.logger.Warn("failed to check existing fact for reinforcement",
			"category", category, "key", key, "error", err)
		return err
	}

	if existing != nil {
		if existing.Value == value {
			if reinforced := min(existing.Confidence+0.1, 1.0); reinforced > confidence {
				confidence = reinforced
			}
			r.logger.Debug("reinforcing existing fact confidence",
				"category", category, "key", key,
				"old_confidence", existing.Confidence,
				"new_confidence", confidence)
		} else {
			r.logger.Debug("updating fact value (correction)",
				"category", category, "key", key,
				"old_value", existing.Value, "new_value", value,
				"confidence", confidence)
		}
	}

	_, err = r.store.Set(Category(category), key, value, source, confidence)
	return err
}
