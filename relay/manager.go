// Package relay maintains the supervised websocket sessions to upstream
// relays and the process-wide subscription cache that is replayed onto
// every session.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/asmogo/nostrmux/pool"
	"github.com/asmogo/nostrmux/protocol"
)

const (
	superviseInterval = 20 * time.Second
	restartWaitUnit   = 60 * time.Second
	restartWaitCap    = time.Hour
)

// Manager owns the URL to session registry and the cached subscriptions.
// Routers talk to relays only through it.
type Manager struct {
	sessions  *xsync.MapOf[string, *Session]
	pool      *pool.MessagePool
	verifyTLS bool

	mu            sync.Mutex
	subscriptions map[string]nostr.Filters
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithUpstreamTLSVerification controls certificate verification on the
// sessions this manager creates.
func WithUpstreamTLSVerification(verify bool) ManagerOption {
	return func(m *Manager) {
		m.verifyTLS = verify
	}
}

// NewManager creates a Manager feeding the given message pool.
func NewManager(messagePool *pool.MessagePool, options ...ManagerOption) *Manager {
	manager := &Manager{
		sessions:      xsync.NewMapOf[string, *Session](),
		pool:          messagePool,
		verifyTLS:     true,
		subscriptions: make(map[string]nostr.Filters),
	}
	for _, option := range options {
		option(manager)
	}
	return manager
}

// AddRelay registers a session for the URL and connects it. Idempotent: an
// existing session is returned as is. The session stays registered on a
// failed connect so the supervisor retries it.
func (m *Manager) AddRelay(ctx context.Context, url string) (*Session, error) {
	normalized := nostr.NormalizeURL(url)
	if existing, ok := m.sessions.Load(normalized); ok {
		return existing, nil
	}
	return m.startSession(ctx, normalized)
}

// HasRelay reports whether a session is registered for the URL.
func (m *Manager) HasRelay(url string) bool {
	_, ok := m.sessions.Load(nostr.NormalizeURL(url))
	return ok
}

// RemoveRelay closes the session for the URL and joins its loops with a
// bounded timeout.
func (m *Manager) RemoveRelay(url string) {
	session, ok := m.sessions.LoadAndDelete(nostr.NormalizeURL(url))
	if !ok {
		return
	}
	session.Close()
	session.Join()
}

// RemoveRelays removes every registered session.
func (m *Manager) RemoveRelays() {
	m.sessions.Range(func(url string, _ *Session) bool {
		m.RemoveRelay(url)
		return true
	})
}

// AddSubscription caches the rewritten subscription and installs it on
// every live session.
func (m *Manager) AddSubscription(id string, filters nostr.Filters) {
	m.mu.Lock()
	m.subscriptions[id] = filters
	m.mu.Unlock()

	frame, err := protocol.BuildReq(id, filters)
	if err != nil {
		slog.Warn("could not encode subscription", "subscription", id, "error", err)
		return
	}
	m.sessions.Range(func(_ string, session *Session) bool {
		if err := session.Publish(frame); err != nil {
			slog.Warn("could not install subscription", "relay", session.URL(), "subscription", id, "error", err)
		}
		return true
	})
}

// CloseSubscription drops the cached subscription and closes it on every
// live session.
func (m *Manager) CloseSubscription(id string) {
	m.mu.Lock()
	delete(m.subscriptions, id)
	m.mu.Unlock()

	m.sessions.Range(func(_ string, session *Session) bool {
		session.CloseSubscription(id)
		return true
	})
}

// CloseAllSubscriptions closes every cached subscription.
func (m *Manager) CloseAllSubscriptions() {
	for _, id := range m.SubscriptionIDs() {
		m.CloseSubscription(id)
	}
}

// SubscriptionIDs returns the cached rewritten subscription ids.
func (m *Manager) SubscriptionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.subscriptions))
	for id := range m.subscriptions {
		ids = append(ids, id)
	}
	return ids
}

// Subscriptions returns a copy of the cached subscriptions.
func (m *Manager) Subscriptions() map[string]nostr.Filters {
	m.mu.Lock()
	defer m.mu.Unlock()
	subscriptions := make(map[string]nostr.Filters, len(m.subscriptions))
	for id, filters := range m.subscriptions {
		subscriptions[id] = filters
	}
	return subscriptions
}

// PublishMessage broadcasts a raw frame to every registered session.
func (m *Manager) PublishMessage(message []byte) {
	m.sessions.Range(func(_ string, session *Session) bool {
		if err := session.Publish(message); err != nil {
			slog.Warn("could not broadcast frame", "relay", session.URL(), "error", err)
		}
		return true
	})
}

// HandleNotice appends a relay notice to the originating session.
func (m *Manager) HandleNotice(notice pool.NoticeMessage) {
	session, ok := m.sessions.Load(nostr.NormalizeURL(notice.URL))
	if !ok {
		return
	}
	session.AddNotice(notice.Content)
}

// Statuses returns a snapshot of every session for the admin API.
func (m *Manager) Statuses() []Status {
	statuses := make([]Status, 0)
	m.sessions.Range(func(_ string, session *Session) bool {
		statuses = append(statuses, session.Status())
		return true
	})
	return statuses
}

// StatusFor returns the runtime status of one relay.
func (m *Manager) StatusFor(url string) (Status, bool) {
	session, ok := m.sessions.Load(nostr.NormalizeURL(url))
	if !ok {
		return Status{}, false
	}
	return session.Status(), true
}

// CheckAndRestartRelays restarts shut-down sessions once their backoff
// window has passed. The wait grows with the error counter, capped at one
// hour, and the error history carries over so the backoff is not reset.
func (m *Manager) CheckAndRestartRelays(ctx context.Context) {
	m.sessions.Range(func(url string, session *Session) bool {
		if !session.IsShutdown() {
			return true
		}
		counter, errorList, lastErrorDate := session.ErrorHistory()
		if time.Since(lastErrorDate) < restartWait(counter) {
			return true
		}
		slog.Info("restarting relay connection", "relay", url, "errors", counter)
		sessionRestarts.WithLabelValues(url).Inc()
		m.RemoveRelay(url)
		restarted, err := m.startSession(ctx, url, WithErrorHistory(counter, errorList))
		if err != nil {
			slog.Warn("relay restart failed", "relay", restarted.URL(), "error", err)
		}
		return true
	})
}

// Supervise sweeps the registry until the context is cancelled.
func (m *Manager) Supervise(ctx context.Context) {
	ticker := time.NewTicker(superviseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAndRestartRelays(ctx)
		}
	}
}

// restartWait is the backoff before a failed session may reconnect: one
// minute per recorded error, capped at an hour.
func restartWait(errorCounter int) time.Duration {
	wait := time.Duration(errorCounter) * restartWaitUnit
	if wait > restartWaitCap {
		wait = restartWaitCap
	}
	return wait
}

// startSession creates, registers and connects a session, then replays the
// cached subscriptions before anything else reaches the relay.
func (m *Manager) startSession(ctx context.Context, url string, options ...SessionOption) (*Session, error) {
	options = append(options, WithTLSVerification(m.verifyTLS))
	session := NewSession(url, m.pool, options...)
	m.sessions.Store(session.URL(), session)
	if err := session.Connect(ctx); err != nil {
		return session, err
	}
	session.PublishSubscriptions(m.Subscriptions())
	return session, nil
}
