// Copyright (C) 2025 Arun Grover. All Rights Reserved.

package transport

import (
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/arungrover/pbspro/wire"
)

// Pipe returns a connected pair of in-memory framed connections. Frames
// sent on one end are received on the other. Closing an end unblocks its
// own pending calls and gives the peer io.EOF once in-flight frames drain.
// It is primarily useful for testing.
func Pipe() (client, server Conn) {
	c2s := make(chan *wire.Frame, 4)
	s2c := make(chan *wire.Frame, 4)
	c := &pipe{send: c2s, recv: s2c, done: make(chan struct{})}
	s := &pipe{send: s2c, recv: c2s, done: make(chan struct{})}
	c.peerDone, s.peerDone = s.done, c.done
	return c, s
}

type pipe struct {
	send     chan<- *wire.Frame
	recv     <-chan *wire.Frame
	done     chan struct{}
	peerDone <-chan struct{}
	closer   sync.Once

	μ       sync.Mutex
	timeout time.Duration
}

func (p *pipe) Send(f *wire.Frame) (err error) {
	// A send may race with Close of either end; the recover converts the
	// resulting panic into the same error the select reports.
	defer func() {
		if recover() != nil {
			err = net.ErrClosed
		}
	}()
	// Report a closed end even when buffer space remains.
	select {
	case <-p.done:
		return net.ErrClosed
	case <-p.peerDone:
		return io.EOF
	default:
	}
	select {
	case p.send <- f:
		return nil
	case <-p.done:
		return net.ErrClosed
	case <-p.peerDone:
		return io.EOF
	}
}

func (p *pipe) Recv() (*wire.Frame, error) {
	var expire <-chan time.Time
	p.μ.Lock()
	d := p.timeout
	p.μ.Unlock()
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		expire = t.C
	}
	select {
	case f, ok := <-p.recv:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-p.done:
		return nil, net.ErrClosed
	case <-expire:
		return nil, os.ErrDeadlineExceeded
	}
}

func (p *pipe) SetRecvTimeout(d time.Duration) error {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.timeout = d
	return nil
}

func (p *pipe) Close() error {
	p.closer.Do(func() {
		close(p.done)
		safeClose(p.send)
	})
	return nil
}

// safeClose closes ch, suppressing the panic if it is already closed.
func safeClose(ch chan<- *wire.Frame) {
	defer func() { recover() }()
	close(ch)
}
