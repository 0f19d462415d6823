// Copyright (C) 2025 Arun Grover. All Rights Reserved.

package transport

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/arungrover/pbspro/wire"
)

// An ioConn adapts a stream-oriented net.Conn to the framed Conn interface.
type ioConn struct {
	wmu sync.Mutex // serializes writers
	wr  *bufio.Writer

	rd *bufio.Reader
	nc net.Conn

	tmu     sync.Mutex
	timeout time.Duration
}

// NewConn wraps nc in a framed connection. The wrapper takes ownership of
// nc, and closes it when the wrapper is closed.
func NewConn(nc net.Conn) Conn {
	return &ioConn{
		wr: bufio.NewWriter(nc),
		rd: bufio.NewReader(nc),
		nc: nc,
	}
}

func (c *ioConn) Send(f *wire.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := f.WriteTo(c.wr); err != nil {
		return err
	}
	return c.wr.Flush()
}

func (c *ioConn) Recv() (*wire.Frame, error) {
	c.tmu.Lock()
	d := c.timeout
	c.tmu.Unlock()
	var deadline time.Time
	if d > 0 {
		deadline = time.Now().Add(d)
	}
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	f := new(wire.Frame)
	if _, err := f.ReadFrom(c.rd); err != nil {
		return nil, err
	}
	return f, nil
}

func (c *ioConn) SetRecvTimeout(d time.Duration) error {
	c.tmu.Lock()
	defer c.tmu.Unlock()
	c.timeout = d
	return nil
}

func (c *ioConn) Close() error { return c.nc.Close() }
