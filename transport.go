package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler receives the raw payload of one inbound event kind.
type Handler func(payload json.RawMessage)

// Resubscriber is notified of connection epochs. OnReconnected runs after
// the socket is authenticated and before the transport reports
// StateConnected, so desired rooms are re-requested before any consumer
// sees the connection as ready.
type Resubscriber interface {
	OnReconnected() int
	OnDisconnected()
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *Config) *reconnector {
	return &reconnector{
		baseDelay: config.ReconnectBaseDelay,
		maxDelay:  config.ReconnectMaxDelay,
	}
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay returns a full-jitter delay in [0, min(max, base*2^attempt)).
// A connection that stayed up for a minute resets the attempt count.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	ceiling := r.maxDelay
	if r.attempt < 32 {
		if d := r.baseDelay << uint(r.attempt); d > 0 && d < ceiling {
			ceiling = d
		}
	}
	r.attempt++
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling)))
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Transport
// ============================================================================

// connectAttempt lets concurrent Connect callers share one handshake.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Transport owns one authenticated socket to the server and keeps it alive.
// It is safe for concurrent use. Inbound events are delivered on the
// connection's read goroutine, one at a time, in arrival order.
type Transport struct {
	url     string
	config  *Config
	log     *zap.Logger
	metrics *metrics
	dropped atomic.Uint64

	mu            sync.Mutex
	state         ConnState
	token         string
	conn          Conn
	outbox        chan []byte
	cancelFn      context.CancelFunc
	epoch         uint64
	stopCh        chan struct{}
	reconnectStop chan struct{}
	recon         *reconnector
	inflight      *connectAttempt
	nextAttempt   time.Time
	lastErr       error
	resub         Resubscriber

	handlersMu sync.RWMutex
	handlers   map[string]*bus[json.RawMessage]
	stateBus   *bus[ConnectionInfo]
}

// NewTransport creates a disconnected transport for the given ws(s):// URL.
func NewTransport(url string, config *Config) *Transport {
	if config == nil {
		config = DefaultConfig()
	}
	config.defaults()
	log := config.Logger.Named("transport")
	return &Transport{
		url:      url,
		config:   config,
		log:      log,
		metrics:  newMetrics(config.Registerer, log),
		state:    StateDisconnected,
		stopCh:   make(chan struct{}),
		recon:    newReconnector(config),
		handlers: make(map[string]*bus[json.RawMessage]),
		stateBus: newBus[ConnectionInfo](EventConnectionState, log),
	}
}

// SetResubscriber installs the hook run on every connection epoch.
func (t *Transport) SetResubscriber(r Resubscriber) {
	t.mu.Lock()
	t.resub = r
	t.mu.Unlock()
}

// On registers a handler for a raw inbound event kind.
func (t *Transport) On(kind string, h Handler) HandlerID {
	return t.busFor(kind).subscribe(h)
}

// Off removes a handler registered with On.
func (t *Transport) Off(kind string, id HandlerID) {
	t.handlersMu.RLock()
	b := t.handlers[kind]
	t.handlersMu.RUnlock()
	if b != nil {
		b.unsubscribe(id)
	}
}

// OnState registers a typed handler for connection state transitions.
func (t *Transport) OnState(h func(ConnectionInfo)) func() {
	return t.stateBus.listen(h)
}

func (t *Transport) busFor(kind string) *bus[json.RawMessage] {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	b, ok := t.handlers[kind]
	if !ok {
		b = newBus[json.RawMessage](kind, t.log)
		t.handlers[kind] = b
	}
	return b
}

// State returns the current connection state.
func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Info returns the state together with retry bookkeeping.
func (t *Transport) Info() ConnectionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.infoLocked()
}

func (t *Transport) infoLocked() ConnectionInfo {
	return ConnectionInfo{
		State:       t.state,
		Retries:     t.recon.attempt,
		NextAttempt: t.nextAttempt,
		Err:         t.lastErr,
	}
}

// DroppedEvents returns how many outbound events Send has discarded.
func (t *Transport) DroppedEvents() uint64 {
	return t.dropped.Load()
}

// Connect dials the server and performs the auth handshake. It returns a
// *ConnectError on failure. Retryable failures also start the background
// reconnect loop when AutoReconnect is enabled; an AuthRejected failure
// never does. A call made while another Connect is handshaking waits for
// that attempt and returns its result.
func (t *Transport) Connect(ctx context.Context, token string) error {
	t.mu.Lock()
	switch t.state {
	case StateConnected:
		t.mu.Unlock()
		return nil
	case StateConnecting:
		a := t.inflight
		t.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return connectErr(ErrTimeout, ctx.Err())
		}
	case StateReconnecting:
		// The running loop picks up the new token on its next attempt.
		t.token = token
		t.mu.Unlock()
		return nil
	}
	t.token = token
	t.stopCh = make(chan struct{})
	t.recon.reset()
	t.nextAttempt = time.Time{}
	t.state = StateConnecting
	t.lastErr = nil
	stop := t.stopCh
	a := &connectAttempt{done: make(chan struct{})}
	t.inflight = a
	info := t.infoLocked()
	t.mu.Unlock()
	t.publishState(info)

	if err := t.connect(ctx, token, stop); err != nil {
		a.err = err
	}
	close(a.done)
	return a.err
}

func (t *Transport) connect(ctx context.Context, token string, stop chan struct{}) error {
	err := t.attempt(ctx, token, stop)
	if err == nil {
		return nil
	}

	var ce *ConnectError
	if !errors.As(err, &ce) {
		ce = connectErr(ErrNetworkUnavailable, err)
	}
	switch {
	case isClosed(stop):
	case ce.Retryable() && t.config.AutoReconnect && ctx.Err() == nil:
		t.startReconnect(ce)
	default:
		t.setState(StateDisconnected, ce)
	}
	return ce
}

// Disconnect closes the socket, stops any reconnect loop and clears the
// retry state. It is idempotent.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if !isClosed(t.stopCh) {
		close(t.stopCh)
	}
	conn := t.conn
	cancel := t.cancelFn
	t.conn = nil
	t.outbox = nil
	t.cancelFn = nil
	t.epoch++
	t.recon.reset()
	t.nextAttempt = time.Time{}
	wasActive := t.state != StateDisconnected
	resub := t.resub
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil && resub != nil {
		resub.OnDisconnected()
	}
	var err error
	if conn != nil {
		err = conn.Close("client disconnect")
	}
	if wasActive {
		t.setState(StateDisconnected, nil)
	}
	return err
}

// Send enqueues a command without blocking. It returns false, and counts
// the event as dropped, when there is no open socket or the send queue is
// full.
func (t *Transport) Send(kind string, payload any) bool {
	data, err := json.Marshal(&Command{
		Type:      kind,
		Payload:   payload,
		RequestID: uuid.NewString(),
	})
	if err != nil {
		t.log.Warn("dropping unencodable command", zap.String("kind", kind), zap.Error(err))
		t.drop(kind)
		return false
	}

	t.mu.Lock()
	out := t.outbox
	t.mu.Unlock()
	if out == nil {
		t.log.Debug("dropping command while not connected", zap.String("kind", kind))
		t.drop(kind)
		return false
	}
	select {
	case out <- data:
		return true
	default:
		t.log.Warn("send queue full, dropping command", zap.String("kind", kind))
		t.drop(kind)
		return false
	}
}

func (t *Transport) drop(kind string) {
	t.dropped.Add(1)
	t.metrics.dropped.WithLabelValues(kind).Inc()
}

// ============================================================================
// Connection epochs
// ============================================================================

func (t *Transport) attempt(ctx context.Context, token string, stop chan struct{}) error {
	dialCtx, cancel := context.WithTimeout(ctx, t.config.ConnectTimeout)
	defer cancel()

	conn, err := t.config.Dialer.Dial(dialCtx, t.url, token)
	if err != nil {
		return classify(dialCtx, err)
	}

	data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close("handshake failed")
		return classify(dialCtx, err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.Close("handshake failed")
		return connectErr(ErrNetworkUnavailable, fmt.Errorf("malformed handshake frame: %w", err))
	}
	switch env.Type {
	case EventAuthenticated:
	case EventAuthRejected:
		var p authRejectedPayload
		_ = json.Unmarshal(env.Payload, &p)
		conn.Close("auth rejected")
		return connectErr(ErrAuthRejected, errors.New(p.Message))
	default:
		conn.Close("handshake failed")
		return connectErr(ErrNetworkUnavailable, fmt.Errorf("expected %q, got %q", EventAuthenticated, env.Type))
	}

	return t.establish(conn, stop)
}

func classify(ctx context.Context, err error) *ConnectError {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return connectErr(ErrTimeout, err)
	}
	return connectErr(ErrNetworkUnavailable, err)
}

// establish installs an authenticated socket as the current epoch, runs
// the resubscriber, and only then reports StateConnected and starts
// dispatching inbound events.
func (t *Transport) establish(conn Conn, stop chan struct{}) error {
	t.mu.Lock()
	if isClosed(stop) {
		t.mu.Unlock()
		conn.Close("client disconnect")
		return connectErr(ErrNetworkUnavailable, ErrNotConnected)
	}
	t.epoch++
	epoch := t.epoch
	connCtx, cancel := context.WithCancel(context.Background())
	out := make(chan []byte, t.config.SendQueueSize)
	t.conn = conn
	t.outbox = out
	t.cancelFn = cancel
	t.reconnectStop = nil
	t.nextAttempt = time.Time{}
	t.recon.markConnected()
	resub := t.resub
	t.mu.Unlock()

	go t.writeLoop(connCtx, conn, out, epoch)

	if resub != nil {
		n := resub.OnReconnected()
		t.log.Debug("resubscribed", zap.Int("rooms", n), zap.Uint64("epoch", epoch))
	}

	t.mu.Lock()
	if t.epoch != epoch {
		t.mu.Unlock()
		return connectErr(ErrNetworkUnavailable, ErrNotConnected)
	}
	t.state = StateConnected
	t.lastErr = nil
	info := t.infoLocked()
	t.mu.Unlock()
	t.publishState(info)
	t.log.Info("connected", zap.String("url", t.url), zap.Uint64("epoch", epoch))

	go t.readLoop(connCtx, conn, epoch)
	if t.config.HeartbeatInterval > 0 {
		go t.heartbeatLoop(connCtx, conn, epoch)
	}
	return nil
}

// connectionLost ends an epoch after an unexpected read, write or ping
// failure. Only the first report per epoch has any effect.
func (t *Transport) connectionLost(epoch uint64, cause error) {
	t.mu.Lock()
	if epoch != t.epoch || t.conn == nil {
		t.mu.Unlock()
		return
	}
	conn := t.conn
	cancel := t.cancelFn
	t.conn = nil
	t.outbox = nil
	t.cancelFn = nil
	resub := t.resub
	t.mu.Unlock()

	cancel()
	conn.Close("connection lost")
	if resub != nil {
		resub.OnDisconnected()
	}
	t.log.Warn("connection lost", zap.Uint64("epoch", epoch), zap.Error(cause))

	var ce *ConnectError
	if errors.As(cause, &ce) && !ce.Retryable() {
		t.setState(StateDisconnected, ce)
		return
	}
	if !t.config.AutoReconnect {
		t.setState(StateDisconnected, connectErr(ErrNetworkUnavailable, cause))
		return
	}
	t.startReconnect(connectErr(ErrNetworkUnavailable, cause))
}

func (t *Transport) writeLoop(ctx context.Context, conn Conn, out <-chan []byte, epoch uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-out:
			wctx, cancel := context.WithTimeout(ctx, t.config.WriteTimeout)
			err := conn.Write(wctx, data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					t.connectionLost(epoch, fmt.Errorf("write: %w", err))
				}
				return
			}
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, conn Conn, epoch uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.connectionLost(epoch, err)
			}
			return
		}
		t.dispatch(data)
	}
}

func (t *Transport) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		t.log.Warn("dropping malformed frame", zap.Int("bytes", len(data)), zap.Error(err))
		return
	}

	t.handlersMu.RLock()
	b := t.handlers[env.Type]
	t.handlersMu.RUnlock()
	if b == nil || b.len() == 0 {
		t.log.Debug("no handler for event", zap.String("kind", env.Type))
		return
	}
	b.emit(env.Payload)
}

func (t *Transport) heartbeatLoop(ctx context.Context, conn Conn, epoch uint64) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, t.config.ConnectTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					t.connectionLost(epoch, fmt.Errorf("heartbeat: %w", err))
				}
				return
			}
		}
	}
}

// ============================================================================
// Reconnect loop
// ============================================================================

// startReconnect launches the reconnect loop unless one is already running
// for the current lifetime; duplicate triggers are coalesced.
func (t *Transport) startReconnect(cause error) {
	t.mu.Lock()
	stop := t.stopCh
	if isClosed(stop) || t.reconnectStop == stop {
		t.mu.Unlock()
		return
	}
	t.reconnectStop = stop
	t.mu.Unlock()

	go t.reconnectLoop(stop, cause)
}

func (t *Transport) reconnectLoop(stop chan struct{}, cause error) {
	for {
		t.mu.Lock()
		if isClosed(stop) {
			t.endReconnectLocked(stop)
			t.mu.Unlock()
			return
		}
		delay := t.recon.nextDelay()
		t.nextAttempt = time.Now().Add(delay)
		t.state = StateReconnecting
		t.lastErr = cause
		token := t.token
		info := t.infoLocked()
		t.mu.Unlock()

		t.metrics.reconnects.Inc()
		t.publishState(info)
		t.log.Info("reconnecting", zap.Int("attempt", info.Retries), zap.Duration("delay", delay), zap.Error(cause))

		timer := time.NewTimer(delay)
		select {
		case <-stop:
			timer.Stop()
			t.mu.Lock()
			t.endReconnectLocked(stop)
			t.mu.Unlock()
			return
		case <-timer.C:
		}

		err := t.attempt(context.Background(), token, stop)
		if err == nil {
			return
		}
		var ce *ConnectError
		if errors.As(err, &ce) && !ce.Retryable() {
			t.mu.Lock()
			t.endReconnectLocked(stop)
			t.mu.Unlock()
			t.log.Error("reconnect rejected, giving up", zap.Error(err))
			t.setState(StateDisconnected, ce)
			return
		}
		cause = err
	}
}

func (t *Transport) endReconnectLocked(stop chan struct{}) {
	if t.reconnectStop == stop {
		t.reconnectStop = nil
	}
	t.nextAttempt = time.Time{}
}

// ============================================================================
// State publication
// ============================================================================

func (t *Transport) setState(state ConnState, err error) {
	t.mu.Lock()
	if state == StateDisconnected {
		t.nextAttempt = time.Time{}
	}
	changed := t.state != state || err != nil
	t.state = state
	t.lastErr = err
	info := t.infoLocked()
	t.mu.Unlock()
	if changed {
		t.publishState(info)
	}
}

func (t *Transport) publishState(info ConnectionInfo) {
	t.metrics.setState(info.State)
	t.stateBus.emit(info)

	p := ConnectionStatePayload{State: info.State, Retries: info.Retries}
	if info.Err != nil {
		p.Error = info.Err.Error()
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	t.handlersMu.RLock()
	b := t.handlers[EventConnectionState]
	t.handlersMu.RUnlock()
	if b != nil {
		b.emit(raw)
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
