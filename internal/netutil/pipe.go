package netutil

import (
	"errors"
	"sync"
)

// DefaultPipeCapacity is the reference bounded-pipe capacity from spec.md
// §3/§4.4: 1024 slots per direction.
const DefaultPipeCapacity = 1024

// ErrPipeFull is returned by Send when the pipe is at capacity. The caller
// (the framing engine) treats this as a fatal connection error per spec.md
// §4.4/§7 (PipeOverflow) — overflow tears the connection down, it never
// drops bytes silently.
var ErrPipeFull = errors.New("netutil: pipe is full")

// ErrPipeClosed is returned by Send once the pipe has been closed.
var ErrPipeClosed = errors.New("netutil: pipe is closed")

// Pipe is a bounded byte-slice channel with explicit overflow semantics,
// replacing the source's anyio memory object stream per the Design Notes
// ("implement as bounded multi-producer single-consumer channels with
// explicit overflow semantics"). Send is safe to call concurrently with
// Close; a mutex (not a second channel close) arbitrates the race so a
// send never hits a closed channel.
type Pipe struct {
	mu       sync.Mutex
	ch       chan []byte
	isClosed bool
}

// NewPipe creates a Pipe with the given capacity. Use DefaultPipeCapacity
// for the reference 1024-slot bound.
func NewPipe(capacity int) *Pipe {
	return &Pipe{ch: make(chan []byte, capacity)}
}

// Send enqueues b without blocking. Returns ErrPipeFull if the pipe is at
// capacity and ErrPipeClosed if the pipe has already been closed — both are
// fatal for the owning connection (spec.md §4.4).
func (p *Pipe) Send(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isClosed {
		return ErrPipeClosed
	}
	select {
	case p.ch <- b:
		return nil
	default:
		return ErrPipeFull
	}
}

// Recv returns the pipe's receive-only channel for use in select statements
// (e.g. inside netutil.Merge or a direct consumption loop). The channel is
// closed when Close is called, after all buffered items are drained.
func (p *Pipe) Recv() <-chan []byte {
	return p.ch
}

// Close marks the pipe closed and closes the underlying channel so readers
// observe end-of-stream once buffered items are drained. Safe to call more
// than once.
func (p *Pipe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isClosed {
		return
	}
	p.isClosed = true
	close(p.ch)
}
