package router

import (
	"sync"

	"github.com/asmogo/nostrmux/pool"
)

const maxPendingNotices = 128

// Intake is the shared hand-off point between the relay read loops and the
// per-client routers. The message pool forwards into it; routers drain the
// entries owned by their rewritten subscription ids. This indirection keeps
// a slow client from stalling a relay read loop.
type Intake struct {
	mu          sync.Mutex
	events      map[string][]pool.EventMessage
	eoseNotices map[string]pool.EOSEMessage
	notices     []pool.NoticeMessage
}

// NewIntake creates an empty intake. One per process.
func NewIntake() *Intake {
	return &Intake{
		events:      make(map[string][]pool.EventMessage),
		eoseNotices: make(map[string]pool.EOSEMessage),
	}
}

// AcceptEvent buffers an event under its rewritten subscription id.
func (i *Intake) AcceptEvent(message pool.EventMessage) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.events[message.SubscriptionID] = append(i.events[message.SubscriptionID], message)
}

// AcceptNotice buffers a notice. Notices are not client-attributable, so
// the buffer is global and bounded.
func (i *Intake) AcceptNotice(message pool.NoticeMessage) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.notices = append(i.notices, message)
	if len(i.notices) > maxPendingNotices {
		i.notices = i.notices[len(i.notices)-maxPendingNotices:]
	}
}

// AcceptEOSE records the end-of-stored-events marker for a subscription.
func (i *Intake) AcceptEOSE(message pool.EOSEMessage) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.eoseNotices[message.SubscriptionID]; !ok {
		i.eoseNotices[message.SubscriptionID] = message
	}
}

// DrainEvents atomically takes every buffered event for the subscription.
func (i *Intake) DrainEvents(subscriptionID string) []pool.EventMessage {
	i.mu.Lock()
	defer i.mu.Unlock()
	buffered := i.events[subscriptionID]
	delete(i.events, subscriptionID)
	return buffered
}

// TakeEOSE atomically takes the pending EOSE marker for the subscription.
func (i *Intake) TakeEOSE(subscriptionID string) (pool.EOSEMessage, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	message, ok := i.eoseNotices[subscriptionID]
	if ok {
		delete(i.eoseNotices, subscriptionID)
	}
	return message, ok
}

// DrainNotices atomically takes every buffered notice.
func (i *Intake) DrainNotices() []pool.NoticeMessage {
	i.mu.Lock()
	defer i.mu.Unlock()
	buffered := i.notices
	i.notices = nil
	return buffered
}

// Forget drops any state held for a subscription that no longer exists.
func (i *Intake) Forget(subscriptionID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.events, subscriptionID)
	delete(i.eoseNotices, subscriptionID)
}
