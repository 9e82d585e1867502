package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asmogo/nostrmux/pool"
	"github.com/asmogo/nostrmux/protocol"
)

// fakeUpstream is an in-process websocket relay that records every frame a
// session sends and can push frames back.
type fakeUpstream struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  []*websocket.Conn
	frames [][]byte
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	upstream := &fakeUpstream{}
	upstream.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upstream.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		upstream.mu.Lock()
		upstream.conns = append(upstream.conns, conn)
		upstream.mu.Unlock()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			upstream.mu.Lock()
			upstream.frames = append(upstream.frames, raw)
			upstream.mu.Unlock()
		}
	}))
	t.Cleanup(upstream.server.Close)
	return upstream
}

func (f *fakeUpstream) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeUpstream) send(t *testing.T, raw []byte) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.conns)
	conn := f.conns[len(f.conns)-1]
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func (f *fakeUpstream) dropClients() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.conns {
		_ = conn.Close()
	}
	f.conns = nil
}

func (f *fakeUpstream) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := make([][]byte, len(f.frames))
	copy(frames, f.frames)
	return frames
}

func (f *fakeUpstream) receivedFrame(kind protocol.ClientFrameKind, subscriptionID string) bool {
	for _, raw := range f.received() {
		frame, err := protocol.ParseClientFrame(raw)
		if err != nil {
			continue
		}
		if frame.Kind == kind && frame.SubscriptionID == subscriptionID {
			return true
		}
	}
	return false
}

func signedFrame(t *testing.T, subscriptionID, content string) []byte {
	t.Helper()
	event := nostr.Event{
		Kind:      1,
		CreatedAt: nostr.Now(),
		Content:   content,
		Tags:      nostr.Tags{},
	}
	require.NoError(t, event.Sign(nostr.GeneratePrivateKey()))
	frame, err := protocol.BuildEvent(subscriptionID, &event)
	require.NoError(t, err)
	return frame
}

func TestSessionPublish(t *testing.T) {
	t.Parallel()
	upstream := newFakeUpstream(t)
	session := NewSession(upstream.url(), pool.NewMessagePool())
	require.NoError(t, session.Connect(context.Background()))
	defer session.Close()

	frame, err := protocol.BuildReq("sub-1", nostr.Filters{{Kinds: []int{1}}})
	require.NoError(t, err)
	require.NoError(t, session.Publish(frame))

	require.Eventually(t, func() bool {
		return upstream.receivedFrame(protocol.ClientRequest, "sub-1")
	}, time.Second, 10*time.Millisecond)
	assert.True(t, session.IsConnected())
}

func TestSessionIngest(t *testing.T) {
	t.Parallel()
	upstream := newFakeUpstream(t)
	messagePool := pool.NewMessagePool()
	session := NewSession(upstream.url(), messagePool)
	require.NoError(t, session.Connect(context.Background()))
	defer session.Close()

	upstream.send(t, signedFrame(t, "sub-1", "from upstream"))

	require.Eventually(t, func() bool {
		message, ok := messagePool.TryEvent()
		if !ok {
			return false
		}
		assert.Equal(t, "sub-1", message.SubscriptionID)
		assert.Equal(t, session.URL(), message.URL)
		assert.Equal(t, "from upstream", message.Event.Content)
		return true
	}, time.Second, 10*time.Millisecond)
}

func TestSessionInvalidFrameKeepsConnection(t *testing.T) {
	t.Parallel()
	upstream := newFakeUpstream(t)
	messagePool := pool.NewMessagePool()
	session := NewSession(upstream.url(), messagePool)
	require.NoError(t, session.Connect(context.Background()))
	defer session.Close()

	upstream.send(t, []byte(`["BOGUS"]`))
	upstream.send(t, signedFrame(t, "sub-1", "still alive"))

	require.Eventually(t, func() bool {
		_, ok := messagePool.TryEvent()
		return ok
	}, time.Second, 10*time.Millisecond)
	counter, errorList, _ := session.ErrorHistory()
	assert.Equal(t, 1, counter)
	require.Len(t, errorList, 1)
	assert.False(t, session.IsShutdown())
}

func TestSessionConnectFailure(t *testing.T) {
	t.Parallel()
	session := NewSession("ws://127.0.0.1:1", pool.NewMessagePool())
	require.Error(t, session.Connect(context.Background()))

	assert.True(t, session.IsShutdown())
	counter, _, lastErrorDate := session.ErrorHistory()
	assert.Equal(t, 1, counter)
	assert.WithinDuration(t, time.Now(), lastErrorDate, time.Minute)
	assert.ErrorIs(t, session.Publish([]byte(`["CLOSE","x"]`)), ErrSessionDown)
	session.Join()
}

func TestSessionConnectionLossMarksShutdown(t *testing.T) {
	t.Parallel()
	upstream := newFakeUpstream(t)
	session := NewSession(upstream.url(), pool.NewMessagePool())
	require.NoError(t, session.Connect(context.Background()))

	upstream.dropClients()

	require.Eventually(t, session.IsShutdown, time.Second, 10*time.Millisecond)
	counter, _, _ := session.ErrorHistory()
	assert.GreaterOrEqual(t, counter, 1)
	session.Join()
}

func TestSessionCloseSubscription(t *testing.T) {
	t.Parallel()
	upstream := newFakeUpstream(t)
	session := NewSession(upstream.url(), pool.NewMessagePool())
	require.NoError(t, session.Connect(context.Background()))
	defer session.Close()

	session.CloseSubscription("sub-9")

	require.Eventually(t, func() bool {
		return upstream.receivedFrame(protocol.ClientClose, "sub-9")
	}, time.Second, 10*time.Millisecond)
}

func TestSessionPublishSubscriptions(t *testing.T) {
	t.Parallel()
	upstream := newFakeUpstream(t)
	session := NewSession(upstream.url(), pool.NewMessagePool())
	require.NoError(t, session.Connect(context.Background()))
	defer session.Close()

	session.PublishSubscriptions(map[string]nostr.Filters{
		"sub-a": {{Kinds: []int{1}}},
		"sub-b": {{Kinds: []int{7}}},
	})

	require.Eventually(t, func() bool {
		return upstream.receivedFrame(protocol.ClientRequest, "sub-a") &&
			upstream.receivedFrame(protocol.ClientRequest, "sub-b")
	}, time.Second, 10*time.Millisecond)
}

func TestSessionErrorHistoryOption(t *testing.T) {
	t.Parallel()
	seed := []string{"older failure"}
	session := NewSession("wss://example.com", pool.NewMessagePool(), WithErrorHistory(7, seed))
	counter, errorList, _ := session.ErrorHistory()
	assert.Equal(t, 7, counter)
	assert.Equal(t, seed, errorList)
	assert.False(t, session.ErrorThresholdReached())
}

func TestSessionNoticeRing(t *testing.T) {
	t.Parallel()
	session := NewSession("wss://example.com", pool.NewMessagePool())
	for i := 0; i < maxLogEntries+5; i++ {
		session.AddNotice("notice")
	}
	session.AddNotice("latest")
	status := session.Status()
	assert.Len(t, status.NoticeList, maxLogEntries)
	assert.Equal(t, "latest", status.NoticeList[0])
}

func TestSessionCloseIdempotent(t *testing.T) {
	t.Parallel()
	upstream := newFakeUpstream(t)
	session := NewSession(upstream.url(), pool.NewMessagePool())
	require.NoError(t, session.Connect(context.Background()))

	session.Close()
	session.Close()
	session.Join()
	assert.True(t, session.IsShutdown())
	assert.False(t, session.IsConnected())
}
