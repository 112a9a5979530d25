// Package lease tracks the exclusive, time-bounded write claim on each
// artifact.
package lease

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	ErrAlreadyLocked = errors.New("artifact is locked by another transaction")
	ErrNoSuchLease   = errors.New("no transaction in progress")
	ErrLeaseExpired  = errors.New("transaction lease expired")
	ErrInvalidToken  = errors.New("invalid transaction token")
)

// IsLeaseError reports whether err belongs to the lease error family.
func IsLeaseError(err error) bool {
	return errors.Is(err, ErrAlreadyLocked) ||
		errors.Is(err, ErrNoSuchLease) ||
		errors.Is(err, ErrLeaseExpired) ||
		errors.Is(err, ErrInvalidToken)
}

// DefaultTTL is used when a Manager is created with a non-positive TTL.
const DefaultTTL = 10 * time.Minute

// Lease is one artifact's active claim.
type Lease struct {
	Artifact      string
	Token         string
	LastRenewedAt time.Time
}

// Manager owns the lease table. All methods are safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	ttl    time.Duration
	clock  clockwork.Clock
	leases map[string]*Lease
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// NewManager creates an empty lease table.
func NewManager(ttl time.Duration, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		ttl:    ttl,
		clock:  clockwork.NewRealClock(),
		leases: make(map[string]*Lease),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// TTL returns the configured lease lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Acquire claims artifact and returns a fresh token. An expired lease is
// replaced silently.
func (m *Manager) Acquire(artifact string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if l, ok := m.leases[artifact]; ok && m.alive(l, now) {
		return "", ErrAlreadyLocked
	}
	token := uuid.NewString()
	m.leases[artifact] = &Lease{Artifact: artifact, Token: token, LastRenewedAt: now}
	return token, nil
}

// Touch validates token and renews the lease.
func (m *Manager) Touch(artifact, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.check(artifact, token)
	if err != nil {
		return err
	}
	l.LastRenewedAt = m.clock.Now()
	return nil
}

// Release validates token and removes the lease.
func (m *Manager) Release(artifact, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.check(artifact, token); err != nil {
		return err
	}
	delete(m.leases, artifact)
	return nil
}

// Locked reports whether a live lease exists for artifact.
func (m *Manager) Locked(artifact string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[artifact]
	return ok && m.alive(l, m.clock.Now())
}

// Get returns a copy of the live lease for artifact.
func (m *Manager) Get(artifact string) (Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[artifact]
	if !ok || !m.alive(l, m.clock.Now()) {
		return Lease{}, false
	}
	return *l, true
}

func (m *Manager) check(artifact, token string) (*Lease, error) {
	l, ok := m.leases[artifact]
	if !ok {
		return nil, ErrNoSuchLease
	}
	if !m.alive(l, m.clock.Now()) {
		delete(m.leases, artifact)
		return nil, ErrLeaseExpired
	}
	if l.Token != token {
		return nil, ErrInvalidToken
	}
	return l, nil
}

func (m *Manager) alive(l *Lease, now time.Time) bool {
	return now.Before(l.LastRenewedAt.Add(m.ttl))
}
