package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// ============================================================================
// Recording sender
// ============================================================================

type sentCommand struct {
	Kind    string
	Payload any
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentCommand
	fail bool
}

func (s *recordingSender) Send(kind string, payload any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return false
	}
	s.sent = append(s.sent, sentCommand{Kind: kind, Payload: payload})
	return true
}

func (s *recordingSender) rooms(kind string) []RoomKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RoomKey
	for _, c := range s.sent {
		if p, ok := c.Payload.(roomPayload); ok && c.Kind == kind {
			out = append(out, RoomKey{Kind: p.Kind, Key: p.Key})
		}
	}
	return out
}

func (s *recordingSender) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.sent {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

func (s *recordingSender) reset() {
	s.mu.Lock()
	s.sent = nil
	s.mu.Unlock()
}

// ============================================================================
// Fake socket
// ============================================================================

var errConnClosed = errors.New("fake conn closed")

type fakeConn struct {
	in     chan []byte
	broken chan struct{}
	closed chan struct{}

	mu       sync.Mutex
	written  []Command
	breakErr error
	once     sync.Once
}

func newFakeConn(handshake ...string) *fakeConn {
	c := &fakeConn{
		in:     make(chan []byte, 64),
		broken: make(chan struct{}),
		closed: make(chan struct{}),
	}
	for _, h := range handshake {
		c.in <- []byte(h)
	}
	return c
}

// authedConn returns a socket that completes the handshake.
func authedConn() *fakeConn {
	return newFakeConn(`{"type":"authenticated","payload":{}}`)
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.broken:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.breakErr
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, cmd)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// push delivers a server event to the client.
func (c *fakeConn) push(t *testing.T, kind string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	env, err := json.Marshal(Envelope{Type: kind, Payload: raw})
	require.NoError(t, err)
	c.in <- env
}

// fail makes the pending and all later reads return err.
func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	c.breakErr = err
	c.mu.Unlock()
	close(c.broken)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// commands returns the written commands of kind in write order.
func (c *fakeConn) commands(kind string) []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Command
	for _, cmd := range c.written {
		if cmd.Type == kind {
			out = append(out, cmd)
		}
	}
	return out
}

func (c *fakeConn) joined() []RoomKey {
	var out []RoomKey
	for _, cmd := range c.commands(CommandJoin) {
		p, _ := cmd.Payload.(map[string]any)
		kind, _ := p["kind"].(string)
		key, _ := p["key"].(string)
		out = append(out, RoomKey{Kind: RoomKind(kind), Key: key})
	}
	return out
}

// ============================================================================
// Fake dialer
// ============================================================================

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	conns []*fakeConn
	// next returns the result of the n-th dial, starting at 1.
	next func(n int) (Conn, error)
	tokens []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{next: func(int) (Conn, error) { return authedConn(), nil }}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, token string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.tokens = append(d.tokens, token)
	next := d.next
	d.mu.Unlock()

	conn, err := next(n)
	if err != nil {
		return nil, err
	}
	if fc, ok := conn.(*fakeConn); ok {
		d.mu.Lock()
		d.conns = append(d.conns, fc)
		d.mu.Unlock()
	}
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 {
		i += len(d.conns)
	}
	if i < 0 || i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// ============================================================================
// Harness
// ============================================================================

// testConfig uses an observed logger: transport goroutines may still log
// after a test returns, which a testing.T backed logger would reject.
func testConfig(d Dialer) (*Config, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &Config{
		AutoReconnect:      true,
		ReconnectBaseDelay: time.Millisecond,
		ReconnectMaxDelay:  5 * time.Millisecond,
		ConnectTimeout:     time.Second,
		HeartbeatInterval:  -1,
		Dialer:             d,
		Logger:             zap.New(core),
		Registerer:         prometheus.NewRegistry(),
	}, logs
}

const eventually = 2 * time.Second
const tick = 5 * time.Millisecond

type testEnv struct {
	t         *testing.T
	dialer    *fakeDialer
	transport *Transport
	core      *Core
	api       *fakeAPI
	logs      *observer.ObservedLogs
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	d := newFakeDialer()
	cfg, logs := testConfig(d)
	tr := NewTransport("ws://test.invalid/ws", cfg)
	api := &fakeAPI{}
	c := NewCore(tr, api, WithSelfID("me"))
	t.Cleanup(func() { _ = c.Close() })
	return &testEnv{t: t, dialer: d, transport: tr, core: c, api: api, logs: logs}
}

func (e *testEnv) connect() *fakeConn {
	e.t.Helper()
	n := e.dialer.connCount()
	require.NoError(e.t, e.core.Connect(context.Background(), "token"))
	require.Equal(e.t, StateConnected, e.transport.State())
	require.Equal(e.t, n+1, e.dialer.connCount())
	return e.dialer.conn(-1)
}

// ack acknowledges room on conn and waits until the registry applied it.
func (e *testEnv) ack(conn *fakeConn, room RoomKey) {
	e.t.Helper()
	conn.push(e.t, EventRoomAck, roomPayload{Kind: room.Kind, Key: room.Key})
	require.Eventually(e.t, func() bool { return e.core.Rooms().IsAcknowledged(room) }, eventually, tick)
}

// ============================================================================
// Fake REST API
// ============================================================================

type fakeAPI struct {
	mu      sync.Mutex
	send    func(conversationID string, content *string) (Message, error)
	history map[string][]*HistoryPage
	reads   []string
	sends   int
}

func (a *fakeAPI) FetchHistory(_ context.Context, conversationID, cursor string) (*HistoryPage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pages := a.history[conversationID]
	if len(pages) == 0 {
		return &HistoryPage{}, nil
	}
	page := pages[0]
	a.history[conversationID] = pages[1:]
	return page, nil
}

func (a *fakeAPI) SendMessage(_ context.Context, conversationID string, content *string, _ *Attachment) (Message, error) {
	a.mu.Lock()
	a.sends++
	send := a.send
	a.mu.Unlock()
	if send == nil {
		return Message{}, errors.New("no send configured")
	}
	return send(conversationID, content)
}

func (a *fakeAPI) MarkAsRead(_ context.Context, conversationID string) error {
	a.mu.Lock()
	a.reads = append(a.reads, conversationID)
	a.mu.Unlock()
	return nil
}

func (a *fakeAPI) setSend(fn func(conversationID string, content *string) (Message, error)) {
	a.mu.Lock()
	a.send = fn
	a.mu.Unlock()
}

// ============================================================================
// Fixtures
// ============================================================================

var baseTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func str(s string) *string { return &s }

func msg(conv, id string, offset int) Message {
	return Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       "u-" + id,
		Content:        str("m" + id),
		CreatedAt:      baseTime.Add(time.Duration(offset) * time.Second),
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// collector gathers values emitted on transport goroutines.
type collector[T any] struct {
	mu   sync.Mutex
	vals []T
}

func (c *collector[T]) add(v T) {
	c.mu.Lock()
	c.vals = append(c.vals, v)
	c.mu.Unlock()
}

func (c *collector[T]) all() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.vals...)
}

func (c *collector[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.vals)
}
