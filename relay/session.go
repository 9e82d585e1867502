package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/asmogo/nostrmux/pool"
	"github.com/asmogo/nostrmux/protocol"
)

const (
	sendQueueSize    = 512
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	pingInterval     = 8 * time.Second
	publishWait      = 250 * time.Millisecond
	joinTimeout      = 5 * time.Second
	maxLogEntries    = 20

	// ErrorThreshold marks a session as degraded once reached.
	ErrorThreshold = 100
)

// ErrSessionDown is returned when publishing on a session that has shut down.
var ErrSessionDown = errors.New("relay session is shut down")

// ErrQueueFull is returned when the outbound queue stays full past the
// publish wait bound.
var ErrQueueFull = errors.New("relay send queue full")

// State is the connection state of a session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

// Status is a point-in-time snapshot of a session, as surfaced by the
// admin API.
type Status struct {
	URL               string   `json:"url"`
	Connected         bool     `json:"connected"`
	PingMS            int64    `json:"ping_ms"`
	NumSentEvents     uint64   `json:"num_sent_events"`
	NumReceivedEvents uint64   `json:"num_received_events"`
	ErrorCounter      int      `json:"error_counter"`
	ErrorList         []string `json:"error_list"`
	NoticeList        []string `json:"notice_list"`
}

// Session is one supervised websocket connection to an upstream relay.
// It owns a read loop, a send loop draining a bounded queue, and a pinger.
// It does not reconnect on its own; the manager's supervisor restarts it.
type Session struct {
	url       string
	pool      *pool.MessagePool
	verifyTLS bool

	conn  *websocket.Conn
	state atomic.Int32

	sendQueue chan []byte
	quit      chan struct{}
	loopsDone chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	numSentEvents     atomic.Uint64
	numReceivedEvents atomic.Uint64
	pingMS            atomic.Int64

	mu            sync.Mutex
	errorCounter  int
	errorList     []string
	noticeList    []string
	lastErrorDate time.Time
	shutdown      bool
}

// SessionOption configures a session before it connects.
type SessionOption func(*Session)

// WithTLSVerification controls upstream certificate verification.
func WithTLSVerification(verify bool) SessionOption {
	return func(s *Session) {
		s.verifyTLS = verify
	}
}

// WithErrorHistory seeds the error state of a restarted session so backoff
// is not reset by a restart.
func WithErrorHistory(counter int, errorList []string) SessionOption {
	return func(s *Session) {
		s.errorCounter = counter
		s.errorList = errorList
	}
}

// NewSession creates a session for the given relay URL. It does not connect.
func NewSession(url string, messagePool *pool.MessagePool, options ...SessionOption) *Session {
	session := &Session{
		url:       nostr.NormalizeURL(url),
		pool:      messagePool,
		verifyTLS: true,
		sendQueue: make(chan []byte, sendQueueSize),
		quit:      make(chan struct{}),
		loopsDone: make(chan struct{}),
	}
	for _, option := range options {
		option(session)
	}
	return session
}

// URL returns the normalized relay URL.
func (s *Session) URL() string {
	return s.url
}

// Connect dials the relay and starts the read, send and ping loops.
func (s *Session) Connect(ctx context.Context) error {
	s.state.Store(int32(StateConnecting))
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: !s.verifyTLS}, //nolint:gosec
	}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		s.recordError(err)
		s.markShutdown()
		s.state.Store(int32(StateDisconnected))
		close(s.loopsDone)
		return fmt.Errorf("could not connect to %s: %w", s.url, err)
	}
	s.conn = conn
	s.conn.SetPongHandler(s.handlePong)
	s.state.Store(int32(StateConnected))
	slog.Info("connected to relay", "relay", s.url)

	s.wg.Add(3)
	go s.readLoop()
	go s.sendLoop()
	go s.pingLoop()
	go func() {
		s.wg.Wait()
		close(s.loopsDone)
	}()
	return nil
}

// Publish enqueues a raw frame for delivery. It blocks at most for the
// publish wait bound; past that the frame is dropped and counted as an
// error.
func (s *Session) Publish(message []byte) error {
	if s.IsShutdown() {
		return ErrSessionDown
	}
	select {
	case s.sendQueue <- message:
		return nil
	default:
	}
	timer := time.NewTimer(publishWait)
	defer timer.Stop()
	select {
	case s.sendQueue <- message:
		return nil
	case <-timer.C:
		s.recordError(ErrQueueFull)
		return ErrQueueFull
	case <-s.quit:
		return ErrSessionDown
	}
}

// PublishSubscriptions replays the given subscriptions on this session.
// Called right after (re)connecting, before any other traffic.
func (s *Session) PublishSubscriptions(subscriptions map[string]nostr.Filters) {
	for id, filters := range subscriptions {
		frame, err := protocol.BuildReq(id, filters)
		if err != nil {
			slog.Warn("could not encode subscription", "relay", s.url, "subscription", id, "error", err)
			continue
		}
		if err := s.Publish(frame); err != nil {
			slog.Warn("could not replay subscription", "relay", s.url, "subscription", id, "error", err)
		}
	}
}

// CloseSubscription enqueues a CLOSE frame for the given rewritten id.
func (s *Session) CloseSubscription(id string) {
	frame, err := protocol.BuildClose(id)
	if err != nil {
		slog.Warn("could not encode close", "relay", s.url, "subscription", id, "error", err)
		return
	}
	if err := s.Publish(frame); err != nil {
		slog.Warn("could not send close", "relay", s.url, "subscription", id, "error", err)
	}
}

// Close shuts the session down. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.markShutdown()
		close(s.quit)
		if s.conn != nil {
			message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
			_ = s.conn.Close()
		}
		s.state.Store(int32(StateDisconnected))
	})
}

// Join waits for the session loops to exit, bounded by the join timeout.
func (s *Session) Join() {
	timer := time.NewTimer(joinTimeout)
	defer timer.Stop()
	select {
	case <-s.loopsDone:
	case <-timer.C:
		slog.Warn("timed out joining session loops", "relay", s.url)
	}
}

// readLoop validates every incoming frame and hands it to the message pool
// annotated with this session's URL.
func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if !s.IsShutdown() {
				s.recordError(err)
				slog.Warn("relay connection lost", "relay", s.url, "error", err)
				s.Close()
			}
			return
		}
		s.numReceivedEvents.Add(1)
		receivedEvents.WithLabelValues(s.url).Inc()
		submission, err := s.pool.Submit(raw, s.url)
		if err != nil {
			// protocol errors are counted but never tear the session down
			s.recordError(err)
			slog.Warn("dropped invalid relay frame", "relay", s.url, "error", err)
			continue
		}
		if submission.Result != nil && !submission.Result.Accepted {
			s.appendError(fmt.Sprintf("relay rejected event %s: %s",
				submission.Result.EventID, submission.Result.Message))
		}
	}
}

// sendLoop drains the outbound queue.
func (s *Session) sendLoop() {
	defer s.wg.Done()
	for {
		select {
		case message := <-s.sendQueue:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.recordError(err)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				if !s.IsShutdown() {
					s.recordError(err)
					s.Close()
				}
				return
			}
			s.numSentEvents.Add(1)
			sentEvents.WithLabelValues(s.url).Inc()
		case <-s.quit:
			return
		}
	}
}

// pingLoop sends a ping carrying the send timestamp; the pong handler
// derives the round trip from it.
func (s *Session) pingLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			payload := strconv.FormatInt(time.Now().UnixNano(), 10)
			err := s.conn.WriteControl(websocket.PingMessage, []byte(payload), time.Now().Add(writeWait))
			if err != nil && !s.IsShutdown() {
				s.recordError(err)
			}
		case <-s.quit:
			return
		}
	}
}

func (s *Session) handlePong(payload string) error {
	sentAt, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return nil
	}
	s.pingMS.Store(time.Since(time.Unix(0, sentAt)).Milliseconds())
	return nil
}

// IsConnected reports whether the websocket is open.
func (s *Session) IsConnected() bool {
	return State(s.state.Load()) == StateConnected
}

// IsShutdown reports whether the session has stopped and awaits the
// supervisor.
func (s *Session) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// ErrorThresholdReached reports whether the session is degraded.
func (s *Session) ErrorThresholdReached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorCounter >= ErrorThreshold
}

// ErrorHistory returns the error counter, the bounded error list and the
// time of the last error.
func (s *Session) ErrorHistory() (int, []string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]string, len(s.errorList))
	copy(history, s.errorList)
	return s.errorCounter, history, s.lastErrorDate
}

// AddNotice stores a relay notice, most recent first.
func (s *Session) AddNotice(notice string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noticeList = prepend(s.noticeList, notice)
}

// Status returns a snapshot for the admin API.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	errorList := make([]string, len(s.errorList))
	copy(errorList, s.errorList)
	noticeList := make([]string, len(s.noticeList))
	copy(noticeList, s.noticeList)
	return Status{
		URL:               s.url,
		Connected:         State(s.state.Load()) == StateConnected,
		PingMS:            s.pingMS.Load(),
		NumSentEvents:     s.numSentEvents.Load(),
		NumReceivedEvents: s.numReceivedEvents.Load(),
		ErrorCounter:      s.errorCounter,
		ErrorList:         errorList,
		NoticeList:        noticeList,
	}
}

func (s *Session) markShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
}

func (s *Session) recordError(err error) {
	sessionErrors.WithLabelValues(s.url).Inc()
	s.appendError(err.Error())
}

func (s *Session) appendError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCounter++
	s.errorList = prepend(s.errorList, message)
	s.lastErrorDate = time.Now()
}

// prepend inserts at the front and trims the ring to its bound.
func prepend(list []string, entry string) []string {
	list = append([]string{entry}, list...)
	if len(list) > maxLogEntries {
		list = list[:maxLogEntries]
	}
	return list
}
