package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Manager closes the resources an App opened, newest first.
type Manager struct {
	mu        sync.Mutex
	resources []resource
	closed    bool
	logger    zerolog.Logger
}

type resource struct {
	name   string
	closer io.Closer
}

// NewManager creates an empty manager that reports close failures to log.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{logger: log}
}

// Register adds a resource to be closed when the manager is closed.
// Resources are closed in reverse order of registration (LIFO).
func (m *Manager) Register(name string, closer io.Closer) {
	if closer == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = append(m.resources, resource{name: name, closer: closer})
}

// RegisterFunc wraps a cleanup function as a Closer.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.Register(name, closerFunc(fn))
}

// RegisterStop registers a background component whose Stop cannot fail.
func (m *Manager) RegisterStop(name string, stop func()) {
	m.RegisterFunc(name, func() error {
		stop()
		return nil
	})
}

// Close closes every registered resource, even after failures, and returns
// all errors joined. Calling Close twice is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for i := len(m.resources) - 1; i >= 0; i-- {
		res := m.resources[i]
		if err := res.closer.Close(); err != nil {
			m.logger.Error().
				Err(err).
				Str("resource", res.name).
				Msg("lifecycle.close_resource_failed")
			errs = append(errs, fmt.Errorf("%s: %w", res.name, err))
			continue
		}
		m.logger.Debug().Str("resource", res.name).Msg("lifecycle.resource_closed")
	}
	m.resources = nil

	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
