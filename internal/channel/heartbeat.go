package channel

import (
	"sync"
	"time"

	"jarvis-link/internal/clock"
)

const DefaultHeartbeatInterval = 30 * time.Second

// Heartbeat calls beat every interval between Start and Stop. Each tick
// re-arms a one-shot timer, so a Stop always leaves nothing scheduled.
// beat receives the run generation it was armed for; see current.
type Heartbeat struct {
	clock    clock.Clock
	interval time.Duration
	beat     func(gen uint64)

	mu      sync.Mutex
	running bool
	gen     uint64
	timer   clock.Timer
}

func NewHeartbeat(c clock.Clock, interval time.Duration, beat func(gen uint64)) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{clock: c, interval: interval, beat: beat}
}

func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.gen++
	h.armLocked(h.gen)
}

// Stop is idempotent.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// current reports whether gen is the generation of the running cycle.
// beat may be called after a Stop/Start has begun a new cycle.
func (h *Heartbeat) current(gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running && gen == h.gen
}

func (h *Heartbeat) armLocked(gen uint64) {
	h.timer = h.clock.AfterFunc(h.interval, func() { h.tick(gen) })
}

func (h *Heartbeat) tick(gen uint64) {
	h.mu.Lock()
	if !h.running || gen != h.gen {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	h.beat(gen)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running && gen == h.gen {
		h.armLocked(gen)
	}
}
