package detection

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Factory builds a detector from configuration.
type Factory func(cfg Config, logger *slog.Logger) (Detector, error)

// Registry maps stable detector ids to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding the built-in detectors.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(SignatureID, func(cfg Config, logger *slog.Logger) (Detector, error) {
		return NewSignatureDetectorFromConfig(cfg.Signature)
	})
	r.MustRegister(RateID, func(cfg Config, logger *slog.Logger) (Detector, error) {
		return NewRateDetector(cfg.Rate), nil
	})
	r.MustRegister(AnomalyID, func(cfg Config, logger *slog.Logger) (Detector, error) {
		return NewAnomalyDetector(cfg.Anomaly), nil
	})
	r.MustRegister(ProfileID, func(cfg Config, logger *slog.Logger) (Detector, error) {
		return NewProfileDetector(cfg.Profile), nil
	})
	r.MustRegister(KillChainID, func(cfg Config, logger *slog.Logger) (Detector, error) {
		return NewKillChainDetector(cfg.KillChain), nil
	})
	return r
}

// Register adds a factory under id.
func (r *Registry) Register(id string, f Factory) error {
	if id == "" {
		return fmt.Errorf("detector id is required")
	}
	if f == nil {
		return fmt.Errorf("detector %q: factory is nil", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[id]; exists {
		return fmt.Errorf("detector %q already registered", id)
	}
	r.factories[id] = f
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(id string, f Factory) {
	if err := r.Register(id, f); err != nil {
		panic(err)
	}
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idsLocked()
}

// Build instantiates the enabled detectors in configuration order.
func (r *Registry) Build(cfg Config, logger *slog.Logger) ([]Detector, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	detectors := make([]Detector, 0, len(cfg.Enabled))
	for _, id := range cfg.Enabled {
		f, ok := r.factories[id]
		if !ok {
			return nil, fmt.Errorf("unknown detector %q (registered: %v)", id, r.idsLocked())
		}
		d, err := f(cfg, logger.With("detector", id))
		if err != nil {
			return nil, fmt.Errorf("failed to build detector %q: %w", id, err)
		}
		if d.ID() != id {
			return nil, fmt.Errorf("detector registered as %q reports id %q", id, d.ID())
		}
		detectors = append(detectors, d)
	}

	logger.Info("detectors configured", "enabled", cfg.Enabled)
	return detectors, nil
}

func (r *Registry) idsLocked() []string {
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
