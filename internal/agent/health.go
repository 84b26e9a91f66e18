package agent

import (
	"sync/atomic"
	"time"

	"jarvis-link/internal/channel"
)

type HealthStatus struct {
	channelState   atomic.Int32
	reconnects     atomic.Uint64
	lastChangeAt   atomic.Int64
	lastPongAt     atomic.Int64
	lastVisionAt   atomic.Int64
	lastResponseAt atomic.Int64
}

func NewHealthStatus() *HealthStatus {
	h := &HealthStatus{}
	h.channelState.Store(int32(channel.StateDisconnected))
	return h
}

func (h *HealthStatus) ObserveState(c channel.StateChange, at time.Time) {
	h.channelState.Store(int32(c.New))
	h.lastChangeAt.Store(at.UnixNano())
	if c.New == channel.StateReconnecting {
		h.reconnects.Add(1)
	}
}

func (h *HealthStatus) State() channel.State {
	return channel.State(h.channelState.Load())
}

func (h *HealthStatus) MarkPong(ts time.Time) {
	h.lastPongAt.Store(ts.UnixNano())
}

func (h *HealthStatus) MarkVision(ts time.Time) {
	h.lastVisionAt.Store(ts.UnixNano())
}

func (h *HealthStatus) MarkResponse(ts time.Time) {
	h.lastResponseAt.Store(ts.UnixNano())
}

func (h *HealthStatus) Snapshot() map[string]any {
	out := map[string]any{
		"channel_state": h.State().String(),
		"reconnects":    h.reconnects.Load(),
	}
	if v := h.lastChangeAt.Load(); v > 0 {
		out["last_state_change_at"] = time.Unix(0, v).UTC()
	}
	if v := h.lastPongAt.Load(); v > 0 {
		out["last_pong_at"] = time.Unix(0, v).UTC()
	}
	if v := h.lastVisionAt.Load(); v > 0 {
		out["last_vision_at"] = time.Unix(0, v).UTC()
	}
	if v := h.lastResponseAt.Load(); v > 0 {
		out["last_response_at"] = time.Unix(0, v).UTC()
	}
	return out
}
