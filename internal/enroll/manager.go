// Package enroll obtains the admin identity, first from the credential cache
// and then from the certificate authority, recovering from a bad cache by
// purging it and trying once more.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"vehicles.ledger/vtrack/internal/credstore"
	"vehicles.ledger/vtrack/internal/identity"
)

// MaxAttempts bounds how many times a single Enroll call tries.
const MaxAttempts = 2

// ErrEnrollment wraps the final error of a failed Enroll call.
var ErrEnrollment = errors.New("enrollment failed")

// Cache is the subset of the credential store the manager needs.
type Cache interface {
	Load(ctx context.Context, enrollID string) (*identity.Identity, error)
	Store(ctx context.Context, id *identity.Identity) error
	Purge() error
}

// Manager owns the active identity.
type Manager struct {
	log       *slog.Logger
	cache     Cache
	authority Authority
	request   func() Request
	now       func() time.Time

	tickets atomic.Uint64

	mu        sync.RWMutex
	current   *identity.Identity
	installed uint64
}

// NewManager builds a manager. request is called on every attempt so that a
// config change between attempts is honoured.
func NewManager(log *slog.Logger, cache Cache, authority Authority, request func() Request) *Manager {
	return &Manager{
		log:       log,
		cache:     cache,
		authority: authority,
		request:   request,
		now:       time.Now,
	}
}

// Current returns the active identity, or nil before the first success.
func (m *Manager) Current() *identity.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Enroll obtains an identity starting at the given attempt number. A failed
// attempt below MaxAttempts purges the credential cache and retries.
func (m *Manager) Enroll(ctx context.Context, attempt int) (*identity.Identity, error) {
	if attempt < 1 {
		attempt = 1
	}
	ticket := m.tickets.Inc()

	for {
		id, err := m.tryOnce(ctx)
		if err == nil {
			m.install(ticket, id)
			return id, nil
		}
		m.log.Warn("could not enroll", "attempt", attempt, "err", err)

		if attempt >= MaxAttempts || ctx.Err() != nil {
			return nil, fmt.Errorf("%w after %d attempt(s): %w", ErrEnrollment, attempt, err)
		}

		m.log.Warn("removing older credential cache and trying to enroll again")
		if perr := m.cache.Purge(); perr != nil {
			m.log.Error("could not delete old credential cache", "err", perr)
		} else {
			m.log.Warn("removed older credential cache")
		}
		attempt++
	}
}

func (m *Manager) tryOnce(ctx context.Context) (*identity.Identity, error) {
	req := m.request()

	cached, err := m.cache.Load(ctx, req.EnrollID)
	switch {
	case err == nil && cached.MSPID() == req.MSPID && !cached.Expired(m.now()):
		m.log.Debug("using cached identity", "enroll_id", req.EnrollID)
		return cached, nil
	case err == nil:
		m.log.Debug("cached identity is stale, contacting authority", "enroll_id", req.EnrollID)
	case errors.Is(err, credstore.ErrNotFound):
	default:
		return nil, err
	}

	return m.fromAuthority(ctx, req)
}

func (m *Manager) fromAuthority(ctx context.Context, req Request) (*identity.Identity, error) {
	id, err := m.authority.Enroll(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := m.cache.Store(ctx, id); err != nil {
		return nil, fmt.Errorf("cache identity: %w", err)
	}
	return id, nil
}

// install swaps in id unless a newer Enroll call already installed its own.
func (m *Manager) install(ticket uint64, id *identity.Identity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ticket < m.installed {
		m.log.Debug("discarding stale enrollment result", "ticket", ticket, "installed", m.installed)
		return false
	}
	m.current = id
	m.installed = ticket
	return true
}

// KeepAlive re-enrolls against the authority every interval until ctx ends.
// Failures are logged and the current identity stays in place.
func (m *Manager) KeepAlive(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil {
				m.log.Warn("keep-alive enrollment failed", "err", err)
			}
		}
	}
}

// Refresh obtains a fresh certificate from the authority, bypassing the
// cached one.
func (m *Manager) Refresh(ctx context.Context) error {
	ticket := m.tickets.Inc()
	id, err := m.fromAuthority(ctx, m.request())
	if err != nil {
		return err
	}
	if m.install(ticket, id) {
		m.log.Debug("identity refreshed", "enroll_id", id.EnrollID())
	}
	return nil
}
