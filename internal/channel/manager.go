// Package channel implements the real-time command-and-telemetry channel:
// one persistent bidirectional connection carrying outbound commands, camera
// frames, recorded audio and heartbeats, and inbound notifications.
//
// The Manager owns the transport lifecycle and the reconnection state
// machine:
//
//	Disconnected --Connect--> Connecting --open--> Connected
//	Connecting/Connected --close/error, attempt < max--> Reconnecting
//	Connecting/Connected --close/error, attempt >= max--> Failed
//	Reconnecting --delay elapsed--> Connecting
//	Failed --Reconnect--> Connecting
//	any --Disconnect--> Disconnected
//
// Outbound envelopes are dropped, not queued, whenever the state is not
// Connected. Stale telemetry is worse than missing telemetry here; do not
// add a queue without re-deriving that requirement.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"jarvis-link/internal/clock"
	"jarvis-link/internal/model"
	"jarvis-link/internal/transport"
)

var (
	// ErrNotConnected is returned by Send when the envelope was dropped
	// because the channel is not Connected.
	ErrNotConnected = errors.New("channel: not connected")
	// ErrRetriesExhausted is returned by Connect in StateFailed.
	ErrRetriesExhausted = errors.New("channel: reconnect attempts exhausted, call Reconnect")
	ErrClosed           = errors.New("channel: manager closed")
	// ErrLivenessTimeout is the transport error recorded when no inbound
	// traffic arrived within the liveness timeout.
	ErrLivenessTimeout = errors.New("channel: liveness timeout")
)

const defaultWriteTimeout = 5 * time.Second

type Options struct {
	Policy            ReconnectPolicy
	HeartbeatInterval time.Duration
	// LivenessTimeout > 0 closes a connection that has received nothing
	// for that long, checked at each heartbeat tick.
	LivenessTimeout time.Duration
	WriteTimeout    time.Duration
	Clock           clock.Clock
	Logger          *slog.Logger
	Dispatcher      *Dispatcher
	// ErrorHandler receives inbound parse errors. Optional.
	ErrorHandler func(error)
}

type Stats struct {
	Sent        uint64
	Dropped     uint64
	Received    uint64
	ParseErrors uint64
	Reconnects  uint64
}

type stateListener struct {
	id uint64
	fn func(StateChange)
}

type Manager struct {
	dialer          transport.Dialer
	policy          ReconnectPolicy
	clock           clock.Clock
	logger          *slog.Logger
	dispatcher      *Dispatcher
	onError         func(error)
	heartbeat       *Heartbeat
	writeTimeout    time.Duration
	livenessTimeout time.Duration

	mu          sync.Mutex
	state       State
	attempt     int
	gen         uint64
	conn        transport.Conn
	connCancel  context.CancelFunc
	retry       clock.Timer
	lastInbound time.Time
	closed      bool
	pending     []StateChange

	lmu            sync.RWMutex
	nextListenerID uint64
	listeners      []stateListener

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	sent        atomic.Uint64
	dropped     atomic.Uint64
	received    atomic.Uint64
	parseErrors atomic.Uint64
	reconnects  atomic.Uint64
}

// New returns a Manager in StateDisconnected. Call Connect to start.
func New(dialer transport.Dialer, opts Options) *Manager {
	if opts.Policy == (ReconnectPolicy{}) {
		opts.Policy = DefaultReconnectPolicy()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = NewDispatcher(opts.Logger)
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	m := &Manager{
		dialer:          dialer,
		policy:          opts.Policy.withDefaults(),
		clock:           opts.Clock,
		logger:          opts.Logger,
		dispatcher:      opts.Dispatcher,
		onError:         opts.ErrorHandler,
		writeTimeout:    opts.WriteTimeout,
		livenessTimeout: opts.LivenessTimeout,
		state:           StateDisconnected,
		wake:            make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
	m.heartbeat = NewHeartbeat(opts.Clock, opts.HeartbeatInterval, m.beat)
	m.wg.Add(1)
	go m.notifyLoop()
	return m
}

func (m *Manager) Dispatcher() *Dispatcher { return m.dispatcher }
func (m *Manager) Policy() ReconnectPolicy { return m.policy }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the current reconnect attempt counter.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

func (m *Manager) Stats() Stats {
	return Stats{
		Sent:        m.sent.Load(),
		Dropped:     m.dropped.Load(),
		Received:    m.received.Load(),
		ParseErrors: m.parseErrors.Load(),
		Reconnects:  m.reconnects.Load(),
	}
}

// Connect starts a connection attempt. From Connecting it supersedes the
// pending attempt; from Reconnecting it skips the remaining delay; from
// Connected it is a no-op; from Failed it returns ErrRetriesExhausted.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateFailed:
		m.mu.Unlock()
		return ErrRetriesExhausted
	}
	m.startAttemptLocked()
	m.unlockAndNotify()
	return nil
}

// Reconnect resets the attempt counter and starts a fresh attempt from any
// state, tearing down whatever connection or pending attempt exists.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.attempt = 0
	m.startAttemptLocked()
	m.unlockAndNotify()
	return nil
}

// Disconnect cancels any pending reconnection, stops the heartbeat and
// closes the transport. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.teardownLocked("disconnect")
	m.attempt = 0
	if m.state != StateDisconnected {
		m.setStateLocked(StateDisconnected, nil, 0)
	}
	m.unlockAndNotify()
}

// Close disconnects, waits for every goroutine the Manager started and
// flushes pending state notifications. The Manager cannot be reused.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.gen++
	m.teardownLocked("closed")
	m.attempt = 0
	if m.state != StateDisconnected {
		m.setStateLocked(StateDisconnected, nil, 0)
	}
	m.unlockAndNotify()
	close(m.done)
	m.wg.Wait()
	return nil
}

// OnStateChange registers fn for every transition. Notifications are
// delivered in order on a single goroutine, never with internal locks held,
// so fn may call back into the Manager.
func (m *Manager) OnStateChange(fn func(StateChange)) (unsubscribe func()) {
	m.lmu.Lock()
	m.nextListenerID++
	id := m.nextListenerID
	m.listeners = append(m.listeners, stateListener{id: id, fn: fn})
	m.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.lmu.Lock()
			defer m.lmu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Send transmits env if the channel is Connected. In every other state the
// envelope is dropped and ErrNotConnected is returned. Envelopes sent while
// Connected leave in call order.
func (m *Manager) Send(ctx context.Context, env model.Envelope) error {
	raw, err := model.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type(), err)
	}

	m.mu.Lock()
	return m.writeAndUnlock(ctx, env.Type(), raw)
}

// writeAndUnlock writes raw on the live connection and releases m.mu.
func (m *Manager) writeAndUnlock(ctx context.Context, typ model.MessageType, raw []byte) error {
	if m.state != StateConnected || m.conn == nil {
		state := m.state
		m.mu.Unlock()
		m.dropped.Add(1)
		m.logger.Debug("envelope dropped", "type", typ, "state", state)
		return ErrNotConnected
	}
	conn := m.conn
	wctx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	err := conn.Write(wctx, raw)
	cancel()
	if err != nil {
		m.dropped.Add(1)
		// A caller-side cancellation is not a transport failure; if it
		// broke the connection the read loop reports it.
		if ctx.Err() == nil && m.conn == conn {
			m.transportLostLocked(fmt.Errorf("write: %w", err))
		}
		m.unlockAndNotify()
		return fmt.Errorf("send %s: %w", typ, err)
	}
	m.mu.Unlock()
	m.sent.Add(1)
	return nil
}

// HandleMessage parses one raw inbound payload and dispatches it. A parse
// failure is logged, reported to the error handler and discarded; it never
// affects the connection.
func (m *Manager) HandleMessage(raw []byte) {
	m.received.Add(1)
	env, err := model.Decode(raw, m.clock.Now())
	if err != nil {
		m.parseErrors.Add(1)
		m.logger.Warn("discarding malformed inbound envelope", "error", err, "bytes", len(raw))
		if m.onError != nil {
			m.onError(err)
		}
		return
	}
	m.dispatcher.Dispatch(env)
}

func (m *Manager) startAttemptLocked() {
	m.teardownLocked("superseded")
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.connCancel = cancel
	m.setStateLocked(StateConnecting, nil, 0)
	m.wg.Add(1)
	go m.dial(ctx, gen)
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	defer m.wg.Done()
	conn, err := m.dialer.Dial(ctx)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close("superseded")
		}
		return
	}
	if err != nil {
		m.logger.Warn("channel connect failed", "error", err, "attempt", m.attempt)
		m.transportLostLocked(fmt.Errorf("dial: %w", err))
		m.unlockAndNotify()
		return
	}
	m.conn = conn
	m.attempt = 0
	m.lastInbound = m.clock.Now()
	m.setStateLocked(StateConnected, nil, 0)
	m.heartbeat.Start()
	m.wg.Add(1)
	go m.readLoop(ctx, conn, gen)
	m.unlockAndNotify()
}

func (m *Manager) readLoop(ctx context.Context, conn transport.Conn, gen uint64) {
	defer m.wg.Done()
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.mu.Lock()
			if gen == m.gen && m.conn == conn {
				m.transportLostLocked(fmt.Errorf("read: %w", err))
			}
			m.unlockAndNotify()
			return
		}
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.lastInbound = m.clock.Now()
		m.mu.Unlock()
		m.HandleMessage(data)
	}
}

// transportLostLocked handles an unplanned close or error on the current
// generation: schedule a reconnect or give up.
func (m *Manager) transportLostLocked(cause error) {
	m.teardownLocked("reconnect")
	if m.attempt < m.policy.MaxAttempts {
		delay := m.policy.Delay(m.attempt)
		m.attempt++
		m.reconnects.Add(1)
		gen := m.gen
		m.retry = m.clock.AfterFunc(delay, func() { m.retryDue(gen) })
		m.setStateLocked(StateReconnecting, cause, delay)
		m.logger.Info("channel reconnect scheduled", "attempt", m.attempt, "delay", delay, "error", cause)
		return
	}
	m.setStateLocked(StateFailed, cause, 0)
	m.logger.Error("channel reconnect attempts exhausted", "max_attempts", m.policy.MaxAttempts, "error", cause)
}

func (m *Manager) retryDue(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting || m.closed {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.startAttemptLocked()
	m.unlockAndNotify()
}

// teardownLocked releases everything tied to the current generation:
// pending retry timer, dial/read context, heartbeat and transport.
func (m *Manager) teardownLocked(reason string) {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.heartbeat.Stop()
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	if m.conn != nil {
		conn := m.conn
		m.conn = nil
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			_ = conn.Close(reason)
		}()
	}
}

func (m *Manager) beat(gen uint64) {
	env, err := model.NewEnvelope(model.TypePing, model.Ping{}, m.clock.Now())
	if err != nil {
		return
	}
	raw, err := model.Encode(env)
	if err != nil {
		return
	}

	m.mu.Lock()
	// A tick armed before the last Stop/Start must not ping the new connection.
	if m.state != StateConnected || !m.heartbeat.current(gen) {
		m.mu.Unlock()
		return
	}
	if m.livenessTimeout > 0 && m.clock.Now().Sub(m.lastInbound) > m.livenessTimeout {
		m.logger.Warn("no inbound traffic within liveness timeout", "timeout", m.livenessTimeout)
		m.transportLostLocked(ErrLivenessTimeout)
		m.unlockAndNotify()
		return
	}
	if err := m.writeAndUnlock(context.Background(), model.TypePing, raw); err != nil {
		m.logger.Debug("heartbeat not sent", "error", err)
	}
}

func (m *Manager) setStateLocked(next State, cause error, delay time.Duration) {
	prev := m.state
	m.state = next
	m.pending = append(m.pending, StateChange{Old: prev, New: next, Attempt: m.attempt, Delay: delay, Err: cause})
	if next != StateReconnecting {
		m.logger.Info("channel state changed", "from", prev, "to", next)
	}
}

func (m *Manager) unlockAndNotify() {
	notify := len(m.pending) > 0
	m.mu.Unlock()
	if notify {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) notifyLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.wake:
			m.flush()
		case <-m.done:
			m.flush()
			return
		}
	}
}

func (m *Manager) flush() {
	m.mu.Lock()
	changes := m.pending
	m.pending = nil
	m.mu.Unlock()

	if len(changes) == 0 {
		return
	}
	m.lmu.RLock()
	listeners := append([]stateListener(nil), m.listeners...)
	m.lmu.RUnlock()
	for _, c := range changes {
		for _, l := range listeners {
			l.fn(c)
		}
	}
}
