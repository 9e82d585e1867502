// Package pool is the single ingestion point for frames delivered by
// upstream relays. It decodes, verifies, deduplicates and queues them for
// the router intake.
package pool

import (
	"context"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"

	"github.com/asmogo/nostrmux/protocol"
)

const (
	defaultEventQueueSize  = 4096
	defaultNoticeQueueSize = 256
	defaultDedupSize       = 65536
)

// EventMessage is an event delivered by a relay for a rewritten
// subscription id.
type EventMessage struct {
	Event          *nostr.Event
	SubscriptionID string
	URL            string
}

// NoticeMessage is a human-readable notice from a relay.
type NoticeMessage struct {
	Content string
	URL     string
}

// EOSEMessage marks the end of stored events for a subscription on one relay.
type EOSEMessage struct {
	SubscriptionID string
	URL            string
}

// Sink receives classified messages drained from the pool. The router
// intake implements it.
type Sink interface {
	AcceptEvent(EventMessage)
	AcceptNotice(NoticeMessage)
	AcceptEOSE(EOSEMessage)
}

// Submission reports what a submitted frame turned out to be, so the
// session can account notices and command results.
type Submission struct {
	Kind      protocol.RelayFrameKind
	Notice    string
	Result    *protocol.CommandResult
	Duplicate bool
}

// MessagePool holds bounded queues for events, notices and EOSE markers,
// plus the per-(subscription, event) seen set. Safe for concurrent use.
type MessagePool struct {
	events      chan EventMessage
	notices     chan NoticeMessage
	eoseNotices chan EOSEMessage
	seen        *lru.Cache[string, struct{}]
	verify      bool
}

// Option configures a MessagePool.
type Option func(*settings)

type settings struct {
	eventQueueSize  int
	noticeQueueSize int
	dedupSize       int
	verify          bool
}

// WithSignatureVerification toggles schnorr verification of ingested events.
func WithSignatureVerification(verify bool) Option {
	return func(s *settings) {
		s.verify = verify
	}
}

// WithDedupSize bounds the seen set.
func WithDedupSize(size int) Option {
	return func(s *settings) {
		s.dedupSize = size
	}
}

// WithEventQueueSize bounds the event queue.
func WithEventQueueSize(size int) Option {
	return func(s *settings) {
		s.eventQueueSize = size
	}
}

// NewMessagePool creates a MessagePool.
func NewMessagePool(options ...Option) *MessagePool {
	applied := settings{
		eventQueueSize:  defaultEventQueueSize,
		noticeQueueSize: defaultNoticeQueueSize,
		dedupSize:       defaultDedupSize,
		verify:          true,
	}
	for _, option := range options {
		option(&applied)
	}
	seen, err := lru.New[string, struct{}](applied.dedupSize)
	if err != nil {
		// only fails on a non-positive size
		panic(err)
	}
	return &MessagePool{
		events:      make(chan EventMessage, applied.eventQueueSize),
		notices:     make(chan NoticeMessage, applied.noticeQueueSize),
		eoseNotices: make(chan EOSEMessage, applied.noticeQueueSize),
		seen:        seen,
		verify:      applied.verify,
	}
}

// Submit decodes a raw relay frame, classifies it and enqueues it. The same
// event id is surfaced at most once per subscription id, even when several
// relays deliver it.
func (p *MessagePool) Submit(raw []byte, url string) (*Submission, error) {
	frame, err := protocol.ParseRelayFrame(raw)
	if err != nil {
		return nil, err
	}
	switch frame.Kind {
	case protocol.RelayEvent:
		if p.verify {
			if err := protocol.VerifyEvent(frame.Event); err != nil {
				return nil, fmt.Errorf("rejected event %s: %w", frame.Event.ID, err)
			}
		}
		dedupKey := frame.SubscriptionID + "_" + frame.Event.ID
		if alreadySeen, _ := p.seen.ContainsOrAdd(dedupKey, struct{}{}); alreadySeen {
			return &Submission{Kind: frame.Kind, Duplicate: true}, nil
		}
		select {
		case p.events <- EventMessage{Event: frame.Event, SubscriptionID: frame.SubscriptionID, URL: url}:
		default:
			slog.Warn("event queue full, dropping event", "relay", url, "event", frame.Event.ID)
		}
	case protocol.RelayNotice:
		select {
		case p.notices <- NoticeMessage{Content: frame.Notice, URL: url}:
		default:
			slog.Warn("notice queue full, dropping notice", "relay", url)
		}
		return &Submission{Kind: frame.Kind, Notice: frame.Notice}, nil
	case protocol.RelayEndOfStored:
		select {
		case p.eoseNotices <- EOSEMessage{SubscriptionID: frame.SubscriptionID, URL: url}:
		default:
			slog.Warn("eose queue full, dropping marker", "relay", url)
		}
	case protocol.RelayResult:
		return &Submission{Kind: frame.Kind, Result: frame.Result}, nil
	}
	return &Submission{Kind: frame.Kind}, nil
}

// TryEvent pops the next queued event without blocking.
func (p *MessagePool) TryEvent() (EventMessage, bool) {
	select {
	case message := <-p.events:
		return message, true
	default:
		return EventMessage{}, false
	}
}

// TryNotice pops the next queued notice without blocking.
func (p *MessagePool) TryNotice() (NoticeMessage, bool) {
	select {
	case message := <-p.notices:
		return message, true
	default:
		return NoticeMessage{}, false
	}
}

// TryEOSE pops the next queued EOSE marker without blocking.
func (p *MessagePool) TryEOSE() (EOSEMessage, bool) {
	select {
	case message := <-p.eoseNotices:
		return message, true
	default:
		return EOSEMessage{}, false
	}
}

// HasEvents reports whether events are queued.
func (p *MessagePool) HasEvents() bool {
	return len(p.events) > 0
}

// HasNotices reports whether notices are queued.
func (p *MessagePool) HasNotices() bool {
	return len(p.notices) > 0
}

// HasEOSEs reports whether EOSE markers are queued.
func (p *MessagePool) HasEOSEs() bool {
	return len(p.eoseNotices) > 0
}

// Forward drains the pool into the sink until the context is cancelled.
// Per relay, delivery order follows arrival order.
func (p *MessagePool) Forward(ctx context.Context, sink Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-p.events:
			sink.AcceptEvent(message)
		case message := <-p.notices:
			sink.AcceptNotice(message)
		case message := <-p.eoseNotices:
			sink.AcceptEOSE(message)
		}
	}
}
