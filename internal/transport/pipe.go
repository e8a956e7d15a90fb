package transport

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"
)

// Pipe is one end of an in-memory full-duplex link. Bytes written to one end
// are read from the other in the same chunks, which lets tests split frames
// across reads deliberately.
type Pipe struct {
	name   string
	in     chunkReader
	out    chan<- []byte
	closed chan struct{}
	peer   *Pipe
	once   sync.Once

	mu        sync.Mutex
	readErr   error
	writeErr  error
	resets    atomic.Int32
	resetFunc func() error
}

// NewPipe returns two connected ends. Writes on a are read from b and vice versa.
func NewPipe() (a, b *Pipe) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	a = &Pipe{name: "pipe-a", out: ab, closed: make(chan struct{})}
	b = &Pipe{name: "pipe-b", out: ba, closed: make(chan struct{})}
	a.in = chunkReader{ch: ba, done: a.closed}
	b.in = chunkReader{ch: ab, done: b.closed}
	a.peer, b.peer = b, a
	return a, b
}

// Read implements Transport.
func (p *Pipe) Read(buf []byte, timeout time.Duration) (int, error) {
	p.mu.Lock()
	if err := p.readErr; err != nil {
		p.readErr = nil
		p.mu.Unlock()
		return 0, err
	}
	p.mu.Unlock()
	return p.in.read(buf, timeout)
}

// Write implements Transport.
func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	if err := p.writeErr; err != nil {
		p.writeErr = nil
		p.mu.Unlock()
		return 0, err
	}
	p.mu.Unlock()

	select {
	case <-p.closed:
		return 0, ErrClosed
	case <-p.peer.closed:
		return 0, ErrClosed
	case p.out <- bytes.Clone(b):
		return len(b), nil
	}
}

// Reset implements Resetter. It counts calls and runs the hook set with OnReset.
func (p *Pipe) Reset() error {
	p.resets.Add(1)
	p.mu.Lock()
	fn := p.resetFunc
	p.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

// Resets returns how many times Reset was called.
func (p *Pipe) Resets() int { return int(p.resets.Load()) }

// OnReset installs a hook run by Reset.
func (p *Pipe) OnReset(fn func() error) {
	p.mu.Lock()
	p.resetFunc = fn
	p.mu.Unlock()
}

// FailNextRead makes the next Read return err.
func (p *Pipe) FailNextRead(err error) {
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
}

// FailNextWrite makes the next Write return err.
func (p *Pipe) FailNextWrite(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

// Close implements Transport. Writes from either end fail once one end is closed.
func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// Describe implements Describer.
func (p *Pipe) Describe() string { return p.name }
