package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"jarvis-link/internal/clock"
	"jarvis-link/internal/model"
	"jarvis-link/internal/transport"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

var errRefused = errors.New("connection refused")

type harness struct {
	t       *testing.T
	net     *transport.MemNetwork
	clk     *clock.FakeClock
	m       *Manager
	changes chan StateChange
	errs    chan error
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		net:     transport.NewMemNetwork(),
		clk:     clock.Fake(epoch),
		changes: make(chan StateChange, 256),
		errs:    make(chan error, 16),
	}
	opts := Options{
		Clock:             h.clk,
		HeartbeatInterval: 30 * time.Second,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		ErrorHandler:      func(err error) { h.errs <- err },
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.m = New(h.net, opts)
	h.m.OnStateChange(func(c StateChange) { h.changes <- c })
	t.Cleanup(func() { _ = h.m.Close() })
	return h
}

// expect fails unless the next transition is to want.
func (h *harness) expect(want State) StateChange {
	h.t.Helper()
	select {
	case c := <-h.changes:
		if c.New != want {
			h.t.Fatalf("transition %s -> %s (err %v), want -> %s", c.Old, c.New, c.Err, want)
		}
		return c
	case <-time.After(2 * time.Second):
		h.t.Fatalf("timed out waiting for -> %s (state %s)", want, h.m.State())
	}
	return StateChange{}
}

func (h *harness) expectQuiet() {
	h.t.Helper()
	select {
	case c := <-h.changes:
		h.t.Fatalf("unexpected transition %s -> %s", c.Old, c.New)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) connect() transport.Conn {
	h.t.Helper()
	if err := h.m.Connect(); err != nil {
		h.t.Fatalf("Connect: %v", err)
	}
	h.expect(StateConnecting)
	h.expect(StateConnected)
	return h.accept()
}

func (h *harness) accept() transport.Conn {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv, err := h.net.Accept(ctx)
	if err != nil {
		h.t.Fatalf("Accept: %v", err)
	}
	return srv
}

func readWire(t *testing.T, c transport.Conn, wait time.Duration) (map[string]any, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	data, err := c.Read(ctx)
	if err != nil {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("wire payload is not JSON: %v", err)
	}
	return out, true
}

func mustEnvelope(t *testing.T, typ model.MessageType, payload any) model.Envelope {
	t.Helper()
	env, err := model.NewEnvelope(typ, payload, epoch)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func TestReconnectBackoffScenario(t *testing.T) {
	h := newHarness(t, nil)
	srv := h.connect()
	if got := h.m.Attempt(); got != 0 {
		t.Fatalf("attempt after connect = %d, want 0", got)
	}

	h.net.Refuse(errRefused)
	_ = srv.Close("server gone")

	c := h.expect(StateReconnecting)
	if c.Attempt != 1 || c.Delay != time.Second {
		t.Fatalf("first loss: attempt %d delay %v, want 1 and 1s", c.Attempt, c.Delay)
	}

	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i := 0; i < len(delays)-1; i++ {
		h.clk.Advance(delays[i])
		h.expect(StateConnecting)
		c := h.expect(StateReconnecting)
		if c.Attempt != i+2 {
			t.Fatalf("failure %d: attempt = %d, want %d", i+1, c.Attempt, i+2)
		}
		if c.Delay != delays[i+1] {
			t.Fatalf("failure %d: delay = %v, want %v", i+1, c.Delay, delays[i+1])
		}
	}

	h.clk.Advance(16 * time.Second)
	h.expect(StateConnecting)
	failed := h.expect(StateFailed)
	if !errors.Is(failed.Err, errRefused) {
		t.Errorf("failed cause = %v, want refused", failed.Err)
	}

	dials := h.net.Dials()
	if dials != 6 {
		t.Fatalf("dials = %d, want 6 (initial + 5 retries)", dials)
	}
	h.clk.Advance(time.Hour)
	h.expectQuiet()
	if h.net.Dials() != dials {
		t.Fatal("automatic connect attempted while Failed")
	}
	if h.clk.Pending() != 0 {
		t.Fatalf("pending timers in Failed = %d, want 0", h.clk.Pending())
	}
	if err := h.m.Connect(); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Connect in Failed = %v, want ErrRetriesExhausted", err)
	}

	h.net.Refuse(nil)
	if err := h.m.Reconnect(); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	h.expect(StateConnecting)
	h.expect(StateConnected)
	if got := h.m.Attempt(); got != 0 {
		t.Fatalf("attempt after recovery = %d, want 0", got)
	}
}

func TestAttemptResetsOnSuccessfulReconnect(t *testing.T) {
	h := newHarness(t, nil)
	srv := h.connect()

	h.net.Refuse(errRefused)
	_ = srv.Close("drop")
	h.expect(StateReconnecting)
	h.clk.Advance(time.Second)
	h.expect(StateConnecting)
	h.expect(StateReconnecting)
	if h.m.Attempt() != 2 {
		t.Fatalf("attempt = %d, want 2", h.m.Attempt())
	}

	h.net.Refuse(nil)
	h.clk.Advance(2 * time.Second)
	h.expect(StateConnecting)
	h.expect(StateConnected)
	if h.m.Attempt() != 0 {
		t.Fatalf("attempt = %d, want 0 after successful connection", h.m.Attempt())
	}
}

func TestSendDroppedWhenNotConnected(t *testing.T) {
	h := newHarness(t, nil)
	echoed := make(chan model.Envelope, 1)
	h.m.Dispatcher().On(model.TypeVoiceCommand, func(e model.Envelope) { echoed <- e })
	h.m.Dispatcher().On(model.TypeVoiceResponse, func(e model.Envelope) { echoed <- e })

	err := h.m.Send(context.Background(), mustEnvelope(t, model.TypeVoiceCommand, model.VoiceCommand{Text: "Hello"}))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send while Disconnected = %v, want ErrNotConnected", err)
	}
	if h.net.Dials() != 0 {
		t.Fatal("Send must not trigger a connection")
	}
	select {
	case e := <-echoed:
		t.Fatalf("dispatcher received %s for a dropped send", e.Type())
	case <-time.After(50 * time.Millisecond):
	}
	if st := h.m.Stats(); st.Dropped != 1 || st.Sent != 0 {
		t.Fatalf("stats = %+v, want 1 dropped", st)
	}
}

func TestSendDroppedWhileReconnecting(t *testing.T) {
	h := newHarness(t, nil)
	srv := h.connect()
	h.net.Refuse(errRefused)
	_ = srv.Close("drop")
	h.expect(StateReconnecting)

	err := h.m.Send(context.Background(), mustEnvelope(t, model.TypeCameraFrame, model.CameraFrame{Frame: "x"}))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send while Reconnecting = %v, want ErrNotConnected", err)
	}
}

func TestSendTransmitsInCallOrder(t *testing.T) {
	h := newHarness(t, nil)
	srv := h.connect()

	for i := 0; i < 20; i++ {
		env := mustEnvelope(t, model.TypeVoiceCommand, model.VoiceCommand{Text: string(rune('a' + i))})
		if err := h.m.Send(context.Background(), env); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	for i := 0; i < 20; i++ {
		wire, ok := readWire(t, srv, time.Second)
		if !ok {
			t.Fatalf("missing envelope %d", i)
		}
		if wire["type"] != "voice_command" || wire["text"] != string(rune('a'+i)) {
			t.Fatalf("envelope %d = %v", i, wire)
		}
	}
	if st := h.m.Stats(); st.Sent != 20 {
		t.Fatalf("sent = %d, want 20", st.Sent)
	}
}

func TestInboundDispatch(t *testing.T) {
	h := newHarness(t, nil)
	got := make(chan model.Envelope, 1)
	h.m.Dispatcher().On(model.TypeVisionUpdate, func(e model.Envelope) { got <- e })
	srv := h.connect()

	_ = srv.Write(context.Background(), []byte(`{"type":"vision_update","faces":[],"emotion":null,"timestamp":"2026-01-01T00:00:00"}`))
	select {
	case e := <-got:
		if e.ClientID() == "" {
			t.Error("inbound envelope has no client id")
		}
		var vu model.VisionUpdate
		if err := e.DecodePayload(&vu); err != nil {
			t.Fatal(err)
		}
		if vu.Emotion != nil {
			t.Errorf("emotion = %+v, want nil", vu.Emotion)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("vision_update never dispatched")
	}
}

func TestMalformedInboundIsDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	dispatched := make(chan model.Envelope, 1)
	h.m.Dispatcher().On(model.TypeVisionUpdate, func(e model.Envelope) { dispatched <- e })
	h.connect()

	h.m.HandleMessage([]byte(`{"faces": [`))

	select {
	case err := <-h.errs:
		if !errors.Is(err, model.ErrMalformedEnvelope) {
			t.Fatalf("error sink got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("parse error not reported")
	}
	select {
	case <-dispatched:
		t.Fatal("malformed payload reached the dispatcher")
	default:
	}
	if h.m.State() != StateConnected {
		t.Fatalf("state = %s, want connected", h.m.State())
	}
	h.expectQuiet()
	if st := h.m.Stats(); st.ParseErrors != 1 {
		t.Fatalf("parse errors = %d, want 1", st.ParseErrors)
	}
}

func TestSchemaInvalidInboundIsDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	dispatched := make(chan model.Envelope, 1)
	h.m.Dispatcher().On(model.TypeVisionUpdate, func(e model.Envelope) { dispatched <- e })
	h.connect()

	h.m.HandleMessage([]byte(`{"type":"vision_update","faces":"not-an-array","emotion":42}`))

	select {
	case err := <-h.errs:
		if !errors.Is(err, model.ErrMalformedEnvelope) {
			t.Fatalf("error sink got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("schema error not reported")
	}
	select {
	case <-dispatched:
		t.Fatal("schema-invalid vision_update reached the dispatcher")
	default:
	}
	if st := h.m.Stats(); st.ParseErrors != 1 {
		t.Fatalf("parse errors = %d, want 1", st.ParseErrors)
	}
	if h.m.State() != StateConnected {
		t.Fatalf("state = %s, want connected", h.m.State())
	}
}

func TestHeartbeatOnlyWhileConnected(t *testing.T) {
	h := newHarness(t, nil)

	h.clk.Advance(2 * time.Minute)
	if h.clk.Pending() != 0 {
		t.Fatal("heartbeat armed while Disconnected")
	}

	srv := h.connect()
	h.clk.Advance(29 * time.Second)
	if _, ok := readWire(t, srv, 30*time.Millisecond); ok {
		t.Fatal("ping before 30s")
	}
	h.clk.Advance(time.Second)
	wire, ok := readWire(t, srv, time.Second)
	if !ok || wire["type"] != "ping" {
		t.Fatalf("expected ping at 30s, got %v", wire)
	}
	h.clk.Advance(60 * time.Second)
	for i := 0; i < 2; i++ {
		if wire, ok := readWire(t, srv, time.Second); !ok || wire["type"] != "ping" {
			t.Fatalf("expected ping %d, got %v", i+2, wire)
		}
	}

	h.net.Refuse(errRefused)
	_ = srv.Close("drop")
	h.expect(StateReconnecting)
	if h.m.heartbeat.Running() {
		t.Fatal("heartbeat still running while Reconnecting")
	}

	h.m.Disconnect()
	h.expect(StateDisconnected)
	if h.clk.Pending() != 0 {
		t.Fatalf("pending timers after Disconnect = %d, want 0", h.clk.Pending())
	}
}

func TestStaleHeartbeatTickSkipsNewConnection(t *testing.T) {
	h := newHarness(t, nil)
	old := h.connect()
	h.m.heartbeat.mu.Lock()
	stale := h.m.heartbeat.gen
	h.m.heartbeat.mu.Unlock()

	_ = old.Close("restart")
	h.expect(StateReconnecting)
	h.clk.Advance(time.Second)
	h.expect(StateConnecting)
	h.expect(StateConnected)
	srv := h.accept()

	h.m.beat(stale)
	if wire, ok := readWire(t, srv, 50*time.Millisecond); ok {
		t.Fatalf("tick from the previous connection sent %v", wire)
	}
	h.clk.Advance(30 * time.Second)
	if wire, ok := readWire(t, srv, time.Second); !ok || wire["type"] != "ping" {
		t.Fatalf("expected ping on the new cadence, got %v", wire)
	}
}

func TestLivenessTimeoutDropsHalfOpenConnection(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.LivenessTimeout = 45 * time.Second })
	pong := make(chan struct{}, 1)
	h.m.Dispatcher().On(model.TypePong, func(model.Envelope) { pong <- struct{}{} })
	srv := h.connect()

	h.clk.Advance(30 * time.Second)
	if _, ok := readWire(t, srv, time.Second); !ok {
		t.Fatal("no ping at 30s")
	}
	_ = srv.Write(context.Background(), []byte(`{"type":"pong"}`))
	select {
	case <-pong:
	case <-time.After(2 * time.Second):
		t.Fatal("pong not dispatched")
	}

	// Last inbound at 30s: the 60s tick is within the timeout.
	h.clk.Advance(30 * time.Second)
	if h.m.State() != StateConnected {
		t.Fatalf("state = %s after live pong", h.m.State())
	}

	// Nothing inbound since 30s: the 90s tick exceeds 45s.
	h.net.Refuse(errRefused)
	h.clk.Advance(30 * time.Second)
	c := h.expect(StateReconnecting)
	if !errors.Is(c.Err, ErrLivenessTimeout) {
		t.Fatalf("cause = %v, want ErrLivenessTimeout", c.Err)
	}
}

func TestConnectSupersedesPendingAttempt(t *testing.T) {
	h := newHarness(t, nil)
	h.net.Hold()

	if err := h.m.Connect(); err != nil {
		t.Fatal(err)
	}
	h.expect(StateConnecting)
	if err := h.m.Connect(); err != nil {
		t.Fatal(err)
	}
	h.expect(StateConnecting)

	h.net.Release()
	h.expect(StateConnected)
	h.expectQuiet()

	if h.net.Dials() != 2 {
		t.Fatalf("dials = %d, want 2", h.net.Dials())
	}
	if err := h.m.Send(context.Background(), mustEnvelope(t, model.TypePing, nil)); err != nil {
		t.Fatalf("Send on surviving connection: %v", err)
	}
}

func TestDisconnectIsIdempotentAndCancelsRetry(t *testing.T) {
	h := newHarness(t, nil)
	srv := h.connect()
	h.net.Refuse(errRefused)
	_ = srv.Close("drop")
	h.expect(StateReconnecting)
	dials := h.net.Dials()

	h.m.Disconnect()
	h.expect(StateDisconnected)
	h.m.Disconnect()
	h.expectQuiet()

	h.clk.Advance(time.Hour)
	if h.net.Dials() != dials {
		t.Fatal("reconnect fired after Disconnect")
	}
	if h.clk.Pending() != 0 {
		t.Fatalf("pending timers = %d, want 0", h.clk.Pending())
	}
}

func TestZeroAttemptsFailsImmediately(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Policy = ReconnectPolicy{MaxAttempts: 0, BaseDelay: time.Second, CapDelay: 30 * time.Second}
	})
	h.net.Refuse(errRefused)
	if err := h.m.Connect(); err != nil {
		t.Fatal(err)
	}
	h.expect(StateConnecting)
	h.expect(StateFailed)
}

func TestStateListenerMayCallBack(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Policy = ReconnectPolicy{MaxAttempts: 0, BaseDelay: time.Second, CapDelay: time.Second}
	})
	var once sync.Once
	recovered := make(chan struct{})
	h.m.OnStateChange(func(c StateChange) {
		if c.New == StateFailed {
			once.Do(func() {
				h.net.Refuse(nil)
				_ = h.m.Reconnect()
			})
		}
		if c.New == StateConnected {
			select {
			case <-recovered:
			default:
				close(recovered)
			}
		}
	})

	h.net.Refuse(errRefused)
	_ = h.m.Connect()
	select {
	case <-recovered:
	case <-time.After(2 * time.Second):
		t.Fatal("listener-triggered Reconnect never connected")
	}
}

func TestClosedManagerRejectsConnect(t *testing.T) {
	h := newHarness(t, nil)
	_ = h.m.Close()
	if err := h.m.Connect(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect after Close = %v, want ErrClosed", err)
	}
}
