package middleware

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/armadaproject/lcg/internal/lcg/job"
	"github.com/armadaproject/lcg/internal/lcg/lcgerrors"
)

// Registry holds the client of every enabled middleware flavour.
type Registry struct {
	mu      sync.RWMutex
	clients map[job.Middleware]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: map[job.Middleware]Client{}}
}

// Register enables a middleware flavour.
func (r *Registry) Register(middleware job.Middleware, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[middleware] = client
}

func (r *Registry) Enabled(middleware job.Middleware) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[middleware]
	return ok
}

// Get returns the client of an enabled flavour, or ErrMiddlewareDisabled.
func (r *Registry) Get(middleware job.Middleware) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[middleware]
	if !ok {
		return nil, errors.WithStack(&lcgerrors.ErrMiddlewareDisabled{Middleware: string(middleware)})
	}
	return client, nil
}
