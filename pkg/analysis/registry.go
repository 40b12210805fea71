package analysis

import (
	"sync"

	"github.com/otherjamesbrown/mailpulse/pkg/logging"
)

// Registry is a lookup table of analysis definitions keyed by kind.
type Registry struct {
	mu     sync.RWMutex
	defs   map[Kind]Definition
	order  []Kind // Maintains registration order
	logger logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Registry{
		defs:   make(map[Kind]Definition),
		order:  make([]Kind, 0),
		logger: logger.With(logging.F("component", "analysis_registry")),
	}
}

// InitRegistry creates a registry holding the given catalog.
func InitRegistry(catalog []Definition, logger logging.Logger) *Registry {
	r := NewRegistry(logger)
	r.RegisterAll(catalog)
	return r
}

// Register adds def, replacing any definition of the same kind.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Kind]; exists {
		r.logger.Warn("Overwriting analysis definition", logging.F("kind", string(def.Kind)))
	} else {
		r.order = append(r.order, def.Kind)
	}
	r.defs[def.Kind] = def
}

// RegisterAll registers each definition in order.
func (r *Registry) RegisterAll(defs []Definition) {
	for _, def := range defs {
		r.Register(def)
	}
}

// Get returns the definition for kind.
func (r *Registry) Get(kind Kind) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[kind]
	return def, ok
}

// GetAll returns all definitions in registration order.
func (r *Registry) GetAll() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Definition, 0, len(r.order))
	for _, kind := range r.order {
		result = append(result, r.defs[kind])
	}
	return result
}

// GetEnabledAnalyses returns the definitions for kinds, in the order given.
// Unknown kinds are dropped with a warning.
func (r *Registry) GetEnabledAnalyses(kinds []Kind) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Definition, 0, len(kinds))
	for _, kind := range kinds {
		def, ok := r.defs[kind]
		if !ok {
			r.logger.Warn("Unknown analysis kind requested", logging.F("kind", string(kind)))
			continue
		}
		result = append(result, def)
	}
	return result
}

// Has reports whether kind is registered.
func (r *Registry) Has(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.defs[kind]
	return ok
}

// Size returns the number of registered kinds.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.defs)
}

// Clear removes every definition.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.defs = make(map[Kind]Definition)
	r.order = r.order[:0]
}
