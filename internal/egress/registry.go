package egress

import (
	"context"
	"fmt"
	"sync"
)

// Registry holds the single active Provider used for fingerprinted
// outbound TLS connections. Switching providers shuts the previous one
// down before initialising the next, since provider switches are "write-rare
// transitions" note.
type Registry struct {
	mu     sync.Mutex
	active Provider
}

// NewRegistry returns a Registry with no active provider.
func NewRegistry() *Registry {
	return &Registry{}
}

// Switch shuts down the currently active provider (if any), initializes
// next, and makes it active. On initialization failure the registry is
// left with no active provider rather than a half-initialized one.
func (r *Registry) Switch(ctx context.Context, next Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		if err := r.active.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down previous egress provider: %w", err)
		}
		r.active = nil
	}

	if err := next.Initialize(ctx); err != nil {
		return fmt.Errorf("initialising egress provider: %w", err)
	}
	r.active = next
	return nil
}

// Active returns the currently active provider, or nil if none has been
// set.
func (r *Registry) Active() Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}
