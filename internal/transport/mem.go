package transport

import (
	"context"
	"sync"
)

const memBuffer = 64

// MemNetwork is an in-process dial target: every successful Dial hands the
// server end of a fresh Pipe to Accept. Tests dial the channel through it.
type MemNetwork struct {
	mu      sync.Mutex
	refuse  error
	hold    chan struct{}
	accepts chan Conn
	dials   int
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{accepts: make(chan Conn, memBuffer)}
}

// Refuse makes subsequent dials fail with err; nil accepts again.
func (n *MemNetwork) Refuse(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refuse = err
}

// Hold makes subsequent dials block until Release or ctx cancellation.
func (n *MemNetwork) Hold() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.hold == nil {
		n.hold = make(chan struct{})
	}
}

func (n *MemNetwork) Release() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.hold != nil {
		close(n.hold)
		n.hold = nil
	}
}

// Dials returns how many Dial calls were made.
func (n *MemNetwork) Dials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials
}

func (n *MemNetwork) Dial(ctx context.Context) (Conn, error) {
	n.mu.Lock()
	n.dials++
	hold := n.hold
	n.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	n.mu.Lock()
	refuse := n.refuse
	n.mu.Unlock()
	if refuse != nil {
		return nil, refuse
	}

	client, server := Pipe()
	select {
	case n.accepts <- server:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return client, nil
}

// Accept returns the server end of the next dialed connection.
func (n *MemNetwork) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-n.accepts:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type pipe struct {
	done   chan struct{}
	once   sync.Once
	reason string
}

func (p *pipe) close(reason string) {
	p.once.Do(func() {
		p.reason = reason
		close(p.done)
	})
}

type pipeConn struct {
	p   *pipe
	in  <-chan []byte
	out chan<- []byte
}

// Pipe returns two connected in-memory Conns. Closing either end closes both,
// like a socket.
func Pipe() (Conn, Conn) {
	p := &pipe{done: make(chan struct{})}
	aToB := make(chan []byte, memBuffer)
	bToA := make(chan []byte, memBuffer)
	return &pipeConn{p: p, in: bToA, out: aToB}, &pipeConn{p: p, in: aToB, out: bToA}
}

func (c *pipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.p.done:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.p.done:
		return ErrConnClosed
	default:
	}
	buf := append([]byte(nil), data...)
	select {
	case c.out <- buf:
		return nil
	case <-c.p.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Close(reason string) error {
	c.p.close(reason)
	return nil
}
