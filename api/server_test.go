package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asmogo/nostrmux/config"
	"github.com/asmogo/nostrmux/protocol"
	"github.com/asmogo/nostrmux/store"
)

const testAdminKey = "test-admin-key"

// newTestServer starts the multiplexer core and serves its HTTP surface
// from an httptest server.
func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := &config.MuxConfig{
		ListenAddress:         "127.0.0.1:0",
		DatabasePath:          filepath.Join(t.TempDir(), "nostrmux.db"),
		AdminKey:              testAdminKey,
		VerifyRelayTLS:        true,
		VerifyEventSignatures: true,
	}
	server, err := NewServer(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	server.Start(ctx)
	t.Cleanup(server.manager.RemoveRelays)

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)
	return server, httpServer
}

func doRequest(t *testing.T, method, url, apiKey string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if apiKey != "" {
		request.Header.Set("X-Api-Key", apiKey)
	}
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	return response.StatusCode, payload
}

// mockRelay is an upstream websocket relay that records REQ subscription
// ids and can push frames to its connected session.
type mockRelay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  []*websocket.Conn
	subIDs []string
}

func newMockRelay(t *testing.T) *mockRelay {
	t.Helper()
	mock := &mockRelay{}
	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := mock.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mock.mu.Lock()
		mock.conns = append(mock.conns, conn)
		mock.mu.Unlock()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := protocol.ParseClientFrame(raw)
			if err != nil || frame.Kind != protocol.ClientRequest {
				continue
			}
			mock.mu.Lock()
			mock.subIDs = append(mock.subIDs, frame.SubscriptionID)
			mock.mu.Unlock()
		}
	}))
	t.Cleanup(mock.server.Close)
	return mock
}

func (m *mockRelay) url() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

func (m *mockRelay) subscriptionID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.subIDs) == 0 {
		return "", false
	}
	return m.subIDs[len(m.subIDs)-1], true
}

func (m *mockRelay) send(t *testing.T, raw []byte) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.conns)
	require.NoError(t, m.conns[len(m.conns)-1].WriteMessage(websocket.TextMessage, raw))
}

func TestAdminAuth(t *testing.T) {
	t.Parallel()
	_, httpServer := newTestServer(t)

	status, _ := doRequest(t, http.MethodGet, httpServer.URL+"/api/v1/relays", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = doRequest(t, http.MethodGet, httpServer.URL+"/api/v1/relays", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = doRequest(t, http.MethodGet, httpServer.URL+"/api/v1/relays", testAdminKey, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestAdminAuthEmptyKeyDeniesAll(t *testing.T) {
	t.Parallel()
	cfg := &config.MuxConfig{
		DatabasePath: filepath.Join(t.TempDir(), "nostrmux.db"),
	}
	server, err := NewServer(cfg)
	require.NoError(t, err)
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	status, _ := doRequest(t, http.MethodGet, httpServer.URL+"/api/v1/relays", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAddRelayValidation(t *testing.T) {
	t.Parallel()
	_, httpServer := newTestServer(t)
	endpoint := httpServer.URL + "/api/v1/relay"

	status, _ := doRequest(t, http.MethodPost, endpoint, testAdminKey, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = doRequest(t, http.MethodPost, endpoint, testAdminKey, map[string]string{"url": "https://not-a-relay.example.com"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRelayLifecycle(t *testing.T) {
	t.Parallel()
	mock := newMockRelay(t)
	_, httpServer := newTestServer(t)
	endpoint := httpServer.URL + "/api/v1/relay"

	status, payload := doRequest(t, http.MethodPost, endpoint, testAdminKey, map[string]string{"url": mock.url()})
	require.Equal(t, http.StatusOK, status)
	var infos []RelayInfo
	require.NoError(t, json.Unmarshal(payload, &infos))
	require.Len(t, infos, 1)
	assert.NotEmpty(t, infos[0].ID)
	assert.Equal(t, mock.url(), infos[0].URL)
	assert.True(t, infos[0].Active)
	assert.True(t, infos[0].Connected)

	status, _ = doRequest(t, http.MethodPost, endpoint, testAdminKey, map[string]string{"url": mock.url()})
	assert.Equal(t, http.StatusBadRequest, status, "duplicate url is rejected")

	status, payload = doRequest(t, http.MethodDelete, endpoint, testAdminKey, map[string]string{"url": mock.url()})
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"success":true}`, string(payload))

	status, _ = doRequest(t, http.MethodDelete, endpoint, testAdminKey, map[string]string{"url": mock.url()})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestConfigEndpoints(t *testing.T) {
	t.Parallel()
	_, httpServer := newTestServer(t)
	endpoint := httpServer.URL + "/api/v1/config"

	status, payload := doRequest(t, http.MethodGet, endpoint, testAdminKey, nil)
	require.Equal(t, http.StatusOK, status)
	var cfg store.Config
	require.NoError(t, json.Unmarshal(payload, &cfg))
	assert.True(t, cfg.PrivateWS)
	assert.False(t, cfg.PublicWS)

	status, _ = doRequest(t, http.MethodPut, endpoint, testAdminKey, store.Config{PrivateWS: false, PublicWS: true})
	require.Equal(t, http.StatusOK, status)

	status, payload = doRequest(t, http.MethodGet, endpoint, testAdminKey, nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(payload, &cfg))
	assert.False(t, cfg.PrivateWS)
	assert.True(t, cfg.PublicWS)
}

func TestTestMessageEndpoint(t *testing.T) {
	t.Parallel()
	_, httpServer := newTestServer(t)
	endpoint := httpServer.URL + "/api/v1/relay/test"

	senderKey := nostr.GeneratePrivateKey()
	receiverKey := nostr.GeneratePrivateKey()
	receiverPublicKey, err := nostr.GetPublicKey(receiverKey)
	require.NoError(t, err)

	status, payload := doRequest(t, http.MethodPut, endpoint, testAdminKey, TestMessage{
		SenderPrivateKey:  senderKey,
		ReceiverPublicKey: receiverPublicKey,
		Message:           "crypto wiring check",
	})
	require.Equal(t, http.StatusOK, status)

	var response TestMessageResponse
	require.NoError(t, json.Unmarshal(payload, &response))
	assert.Equal(t, senderKey, response.PrivateKey)

	var event nostr.Event
	require.NoError(t, json.Unmarshal([]byte(response.EventJSON), &event))
	assert.Equal(t, protocol.KindEncryptedDirectMessage, event.Kind)
	require.NoError(t, protocol.VerifyEvent(&event))

	sharedKey, err := nip04.ComputeSharedSecret(event.PubKey, receiverKey)
	require.NoError(t, err)
	decrypted, err := nip04.Decrypt(event.Content, sharedKey)
	require.NoError(t, err)
	assert.Equal(t, "crypto wiring check", decrypted)
}

func TestTestMessageGeneratesKeypair(t *testing.T) {
	t.Parallel()
	_, httpServer := newTestServer(t)
	endpoint := httpServer.URL + "/api/v1/relay/test"

	receiverKey := nostr.GeneratePrivateKey()
	receiverPublicKey, err := nostr.GetPublicKey(receiverKey)
	require.NoError(t, err)

	status, payload := doRequest(t, http.MethodPut, endpoint, testAdminKey, TestMessage{
		ReceiverPublicKey: receiverPublicKey,
		Message:           "hello",
	})
	require.Equal(t, http.StatusOK, status)
	var response TestMessageResponse
	require.NoError(t, json.Unmarshal(payload, &response))
	assert.NotEmpty(t, response.PrivateKey)
	publicKey, err := nostr.GetPublicKey(response.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, publicKey, response.PublicKey)
}

func TestTestMessageValidation(t *testing.T) {
	t.Parallel()
	_, httpServer := newTestServer(t)
	endpoint := httpServer.URL + "/api/v1/relay/test"

	status, _ := doRequest(t, http.MethodPut, endpoint, testAdminKey, TestMessage{Message: "no receiver"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = doRequest(t, http.MethodPut, endpoint, testAdminKey, TestMessage{
		SenderPrivateKey:  "not a key",
		ReceiverPublicKey: "ab",
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	_, httpServer := newTestServer(t)
	status, payload := doRequest(t, http.MethodGet, httpServer.URL+"/metrics", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(payload), "go_goroutines")
}

func TestPersistedRelaysReconnectOnStart(t *testing.T) {
	t.Parallel()
	mock := newMockRelay(t)
	databasePath := filepath.Join(t.TempDir(), "nostrmux.db")

	seed, err := store.Open(databasePath)
	require.NoError(t, err)
	_, err = seed.SaveRelay(store.Relay{URL: mock.url(), Active: true})
	require.NoError(t, err)
	_, err = seed.SaveRelay(store.Relay{URL: "wss://inactive.example.com", Active: false})
	require.NoError(t, err)
	require.NoError(t, seed.Close())

	cfg := &config.MuxConfig{
		DatabasePath: databasePath,
		AdminKey:     testAdminKey,
	}
	server, err := NewServer(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	server.Start(ctx)
	t.Cleanup(server.manager.RemoveRelays)

	require.Eventually(t, func() bool {
		status, ok := server.manager.StatusFor(mock.url())
		return ok && status.Connected
	}, time.Second, 10*time.Millisecond)
	assert.False(t, server.manager.HasRelay("wss://inactive.example.com"))
}
