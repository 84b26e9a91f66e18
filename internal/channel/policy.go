package channel

import "time"

// ReconnectPolicy bounds automatic reconnection. The attempt counter itself
// lives in the Manager.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	CapDelay    time.Duration
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		CapDelay:    30 * time.Second,
	}
}

// Delay returns min(BaseDelay * 2^attempt, CapDelay). No jitter.
//
// Schedule with the default policy:
//   - attempt 0: 1s
//   - attempt 1: 2s
//   - attempt 2: 4s
//   - attempt 3: 8s
//   - attempt 4: 16s
//   - attempt 5+: 30s (cap)
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if d >= p.CapDelay/2 {
			return p.CapDelay
		}
		d *= 2
	}
	if d > p.CapDelay {
		return p.CapDelay
	}
	return d
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	def := DefaultReconnectPolicy()
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.CapDelay < p.BaseDelay {
		p.CapDelay = p.BaseDelay
	}
	return p
}
