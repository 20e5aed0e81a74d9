// Package pipe implements anonymous pipes: a fixed-capacity ring buffer
// shared between a read end and a write end, blocking the caller when
// empty (read) or full (write) rather than returning short.
package pipe

import (
	"sync"

	"github.com/zhmu/dogfood-sub000/kerr"
	"github.com/zhmu/dogfood-sub000/limits"
	"github.com/zhmu/dogfood-sub000/mem"
)

// Capacity is one pipe's backing buffer size: a single page, matching the
// teacher's one-page-per-circbuf sizing.
const Capacity = mem.PageSize

// Pipe is a single-page ring buffer with independent read/write end
// refcounts; writes to a pipe with no readers left fail with IOError,
// reads from an empty, writer-closed pipe return EOF (0, nil).
type Pipe struct {
	mu         sync.Mutex
	cond       *sync.Cond
	page       mem.PageRef
	buf        []byte
	head, tail int
	readers    int
	writers    int
}

// New allocates a pipe's backing page and returns it with one reader and
// one writer reference already held, matching pipe(2)'s two returned
// descriptors. It counts against limits.Syslimit.Pipes, the system-wide
// pipe cap; the reservation is released when the backing page is freed.
func New() (*Pipe, error) {
	if !limits.Syslimit.Pipes.Take() {
		return nil, kerr.New("pipe.New", kerr.NoMemory)
	}
	ref, ok := mem.AllocateOne()
	if !ok {
		limits.Syslimit.Pipes.Give()
		return nil, kerr.New("pipe.New", kerr.NoMemory)
	}
	p := &Pipe{page: ref, buf: ref.Bytes()[:Capacity], readers: 1, writers: 1}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

func (p *Pipe) full() bool  { return p.head-p.tail == len(p.buf) }
func (p *Pipe) empty() bool { return p.head == p.tail }

// CloseReader drops one reader reference, waking writers blocked on a
// full pipe once there is nobody left to unblock for.
func (p *Pipe) CloseReader() {
	p.mu.Lock()
	p.readers--
	last := p.readers == 0
	p.mu.Unlock()
	if last {
		p.cond.Broadcast()
	}
}

// CloseWriter drops one writer reference, waking readers blocked on an
// empty pipe so they observe EOF.
func (p *Pipe) CloseWriter() {
	p.mu.Lock()
	p.writers--
	last := p.writers == 0
	if last {
		mem.Release(p.page)
		limits.Syslimit.Pipes.Give()
	}
	p.mu.Unlock()
	if last {
		p.cond.Broadcast()
	}
}

// AddReader/AddWriter bump refcounts when a descriptor is duplicated.
func (p *Pipe) AddReader() {
	p.mu.Lock()
	p.readers++
	p.mu.Unlock()
}

func (p *Pipe) AddWriter() {
	p.mu.Lock()
	p.writers++
	p.mu.Unlock()
}

// Read blocks until at least one byte is available or every writer has
// closed, in which case it returns (0, nil) for EOF.
func (p *Pipe) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.empty() {
		if p.writers == 0 {
			return 0, nil
		}
		p.cond.Wait()
	}

	n := 0
	for n < len(buf) && !p.empty() {
		buf[n] = p.buf[p.tail%len(p.buf)]
		p.tail++
		n++
	}
	p.cond.Broadcast()
	return n, nil
}

// Write blocks while the pipe is full and there are still readers,
// returning IOError once every reader has gone away.
func (p *Pipe) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for n < len(buf) {
		for p.full() {
			if p.readers == 0 {
				return n, kerr.New("pipe.Write", kerr.IOError)
			}
			p.cond.Wait()
		}
		if p.readers == 0 {
			return n, kerr.New("pipe.Write", kerr.IOError)
		}
		p.buf[p.head%len(p.buf)] = buf[n]
		p.head++
		n++
		p.cond.Broadcast()
	}
	return n, nil
}
