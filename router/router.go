// Package router multiplexes one inbound client websocket onto every
// configured upstream relay. Client-chosen subscription ids are rewritten
// to opaque tokens before they reach a relay, and rewritten back on the way
// out, so concurrent clients never collide.
package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/asmogo/nostrmux/protocol"
	"github.com/asmogo/nostrmux/relay"
)

const (
	drainInterval   = 100 * time.Millisecond
	clientWriteWait = 10 * time.Second
	closeReason     = "Websocket connection closed"
)

// Router is the per-client session. It owns the original-to-rewritten id
// mapping and the two pump goroutines.
type Router struct {
	conn    *websocket.Conn
	manager *relay.Manager
	intake  *Intake

	writeMu sync.Mutex

	mu          sync.Mutex
	originalIDs map[string]string // rewritten id -> client-chosen id

	connected atomic.Bool
	cancel    context.CancelFunc
	stopOnce  sync.Once
}

// NewRouter creates a router for an accepted client websocket.
func NewRouter(conn *websocket.Conn, manager *relay.Manager, intake *Intake) *Router {
	return &Router{
		conn:        conn,
		manager:     manager,
		intake:      intake,
		originalIDs: make(map[string]string),
	}
}

// Start launches the client-to-relays and relays-to-client pumps.
func (r *Router) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.connected.Store(true)
	go r.inboundPump(ctx)
	go r.outboundPump(ctx)
}

// Connected reports whether the client is still attached.
func (r *Router) Connected() bool {
	return r.connected.Load()
}

// Subscriptions returns the rewritten ids owned by this router.
func (r *Router) Subscriptions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Keys(r.originalIDs)
}

// Stop closes every owned subscription on the manager, cancels the pumps
// and closes the client websocket. Idempotent.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		r.connected.Store(false)
		r.mu.Lock()
		owned := lo.Keys(r.originalIDs)
		r.originalIDs = make(map[string]string)
		r.mu.Unlock()
		for _, rewritten := range owned {
			r.manager.CloseSubscription(rewritten)
			r.intake.Forget(rewritten)
		}
		if r.cancel != nil {
			r.cancel()
		}
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeReason)
		_ = r.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(clientWriteWait))
		_ = r.conn.Close()
	})
}

// inboundPump receives frames from the client and forwards them upstream.
// Decode failures are logged and never drop the client connection.
func (r *Router) inboundPump(ctx context.Context) {
	for r.connected.Load() {
		_, raw, err := r.conn.ReadMessage()
		if err != nil {
			slog.Debug("client websocket closed", "error", err)
			r.Stop()
			return
		}
		if err := r.handleClientFrame(raw); err != nil {
			slog.Warn("could not handle client frame", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (r *Router) handleClientFrame(raw []byte) error {
	frame, err := protocol.ParseClientFrame(raw)
	if err != nil {
		return err
	}
	switch frame.Kind {
	case protocol.ClientRequest:
		rewritten := protocol.NewToken()
		r.mu.Lock()
		r.originalIDs[rewritten] = frame.SubscriptionID
		r.mu.Unlock()
		slog.Info("new subscription", "subscription", frame.SubscriptionID, "rewritten", rewritten)
		r.manager.AddSubscription(rewritten, frame.Filters)
	case protocol.ClientClose:
		rewritten, ok := r.rewrittenFor(frame.SubscriptionID)
		if !ok {
			slog.Info("unsubscribe for unknown subscription", "subscription", frame.SubscriptionID)
			return nil
		}
		r.mu.Lock()
		delete(r.originalIDs, rewritten)
		r.mu.Unlock()
		r.manager.CloseSubscription(rewritten)
		r.intake.Forget(rewritten)
		slog.Info("unsubscribed", "subscription", frame.SubscriptionID, "rewritten", rewritten)
	case protocol.ClientPublish:
		// publishes are broadcast verbatim
		r.manager.PublishMessage(raw)
	}
	return nil
}

func (r *Router) rewrittenFor(originalID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for rewritten, original := range r.originalIDs {
		if original == originalID {
			return rewritten, true
		}
	}
	return "", false
}

// outboundPump periodically drains the intake buffers owned by this router
// and forwards them to the client with the original subscription id
// substituted back in.
func (r *Router) outboundPump(ctx context.Context) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.forwardBuffered()
			r.drainNotices()
		}
	}
}

func (r *Router) forwardBuffered() {
	r.mu.Lock()
	owned := make(map[string]string, len(r.originalIDs))
	for rewritten, original := range r.originalIDs {
		owned[rewritten] = original
	}
	r.mu.Unlock()

	for rewritten, original := range owned {
		for _, message := range r.intake.DrainEvents(rewritten) {
			frame, err := protocol.BuildEvent(original, message.Event)
			if err != nil {
				slog.Warn("could not encode event for client", "error", err)
				continue
			}
			if err := r.writeToClient(frame); err != nil {
				return
			}
		}
		if _, ok := r.intake.TakeEOSE(rewritten); ok {
			frame, err := protocol.BuildEOSE(original)
			if err != nil {
				slog.Warn("could not encode eose for client", "error", err)
				continue
			}
			if err := r.writeToClient(frame); err != nil {
				return
			}
		}
	}
}

// drainNotices logs relay notices and attributes them back to their
// session. They are not forwarded: there is no way to know which client
// they concern.
func (r *Router) drainNotices() {
	for _, notice := range r.intake.DrainNotices() {
		slog.Debug("relay notice", "relay", notice.URL, "notice", notice.Content)
		r.manager.HandleNotice(notice)
	}
}

func (r *Router) writeToClient(frame []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.conn.SetWriteDeadline(time.Now().Add(clientWriteWait)); err != nil {
		return err
	}
	if err := r.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		slog.Debug("could not write to client", "error", err)
		r.Stop()
		return err
	}
	return nil
}
