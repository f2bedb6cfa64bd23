// Package session owns the installation-wide session key.
//
// Every operator decrypts every other operator's records, so there is exactly
// one key per installation, derived from a deployment-provided secret and
// salt. The key lives only in memory and is dropped on logout.
package session

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/BrandonDHaskell/gatelog/internal/gatelog/crypto"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/errs"
)

// State is the lifecycle position of a Manager.
type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// KeyProvider hands out the current session key.
type KeyProvider interface {
	Key() (crypto.Key, error)
}

// Manager derives, holds and clears the session key.
//
// Transitions: Uninitialized -> Initializing -> Ready -> (Clear) -> Uninitialized.
// A failed derivation returns to Uninitialized.
type Manager struct {
	secret     []byte
	salt       []byte
	iterations int
	logger     *slog.Logger

	mu    sync.Mutex
	state State
	key   crypto.Key
	gen   uint64
	// done is closed when the in-flight derivation finishes; result holds
	// its outcome for callers that joined it.
	done   chan struct{}
	result error
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithIterations overrides the PBKDF2 work factor. Intended for tests.
func WithIterations(n int) Option {
	return func(m *Manager) { m.iterations = n }
}

func NewManager(secret, salt []byte, opts ...Option) *Manager {
	m := &Manager{
		secret:     append([]byte(nil), secret...),
		salt:       append([]byte(nil), salt...),
		iterations: crypto.DefaultIterations,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize derives the key. It is a no-op while Ready. A call made while
// another derivation is in flight waits for it and returns its result.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	switch m.state {
	case Ready:
		m.mu.Unlock()
		return nil
	case Initializing:
		done := m.done
		m.mu.Unlock()
		<-done
		return m.joined()
	}
	m.state = Initializing
	done := make(chan struct{})
	m.done = done
	gen := m.gen
	m.mu.Unlock()

	// Derivation is slow on purpose; run it outside the lock so State stays observable.
	key, err := crypto.DeriveKeyIter(m.secret, m.salt, m.iterations)

	m.mu.Lock()
	defer m.mu.Unlock()
	defer close(done)

	if gen != m.gen {
		key.Wipe()
		return errs.E("session.Initialize", errs.ErrState, errors.New("cleared during initialization"))
	}
	if err != nil {
		m.state = Uninitialized
		m.result = err
		m.logger.Error("session key derivation failed", "error", err)
		return err
	}

	m.key = key
	m.state = Ready
	m.result = nil
	m.logger.Info("session key ready")
	return nil
}

func (m *Manager) joined() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Ready {
		return nil
	}
	if m.result != nil {
		return m.result
	}
	return errs.E("session.Initialize", errs.ErrState, errors.New(m.state.String()))
}

// Key returns a copy of the session key, or an ErrState error unless Ready.
func (m *Manager) Key() (crypto.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Ready {
		return crypto.Key{}, errs.E("session.Key", errs.ErrState, errors.New(m.state.String()))
	}
	return m.key.Clone(), nil
}

// Clear wipes the key and returns to Uninitialized.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Uninitialized {
		return
	}
	m.key.Wipe()
	m.state = Uninitialized
	m.gen++
	m.logger.Info("session key cleared")
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
