// Copyright (C) 2025 Arun Grover. All Rights Reserved.

// Package transport provides framed connections between batch servers and
// workers.
//
// Two connection protocols are supported: Direct, a dedicated TCP stream
// that carries a single request and its reply, and Mux, a long-lived QUIC
// link shared by many in-flight requests whose replies are matched by
// correlation id.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/arungrover/pbspro/wire"
)

// A Proto selects the connection protocol used to reach a destination.
type Proto byte

const (
	Direct Proto = iota // dedicated stream, one request per connection
	Mux                 // shared link, replies matched by correlation id
)

func (p Proto) String() string {
	switch p {
	case Direct:
		return "direct"
	case Mux:
		return "mux"
	default:
		return fmt.Sprintf("proto:%d", byte(p))
	}
}

// Read timeout classes applied around reply decoding. A receiver grants the
// long timeout while a reply is being decoded and drops back to the short
// timeout between frames.
const (
	ShortTimeout = 30 * time.Second
	LongTimeout  = 10 * time.Minute
)

// A Conn is a framed connection. Send is safe for concurrent use; Recv must
// be called from a single goroutine at a time.
type Conn interface {
	// Send writes one frame to the connection.
	Send(*wire.Frame) error

	// Recv reads the next frame from the connection. If a receive timeout
	// is set, Recv reports os.ErrDeadlineExceeded when it expires.
	Recv() (*wire.Frame, error)

	// SetRecvTimeout bounds how long each subsequent Recv may block.
	// A zero or negative duration removes the bound.
	SetRecvTimeout(time.Duration) error

	// Close closes the connection, unblocking pending sends and receives.
	Close() error
}

// A Dialer opens a connection to addr using the given protocol.
type Dialer func(ctx context.Context, proto Proto, addr string) (Conn, error)

// A Listener accepts inbound framed connections. After Close, pending and
// subsequent calls to Accept report an error satisfying
// errors.Is(err, net.ErrClosed).
type Listener interface {
	Accept(context.Context) (Conn, error)
	Addr() string
	Close() error
}

// Dial opens a framed connection to addr. For Direct the connection is a
// plain TCP stream, wrapped in TLS when tcfg is non-nil. For Mux the
// connection is a QUIC stream and tcfg nil selects a client configuration
// that does not verify the server certificate.
func Dial(ctx context.Context, proto Proto, addr string, tcfg *tls.Config) (Conn, error) {
	switch proto {
	case Direct:
		var d net.Dialer
		nc, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if tcfg != nil {
			nc = tls.Client(nc, tcfg)
		}
		return NewConn(nc), nil
	case Mux:
		return dialMux(ctx, addr, tcfg)
	default:
		return nil, fmt.Errorf("unknown protocol %v", proto)
	}
}

// NetDialer returns a Dialer that calls Dial with the given TLS
// configuration.
func NetDialer(tcfg *tls.Config) Dialer {
	return func(ctx context.Context, proto Proto, addr string) (Conn, error) {
		return Dial(ctx, proto, addr, tcfg)
	}
}

// Listen announces on addr and returns a listener for the given protocol.
// For Mux a nil tcfg selects a freshly generated self-signed certificate.
func Listen(proto Proto, addr string, tcfg *tls.Config) (Listener, error) {
	switch proto {
	case Direct:
		lst, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		if tcfg != nil {
			lst = tls.NewListener(lst, tcfg)
		}
		return netListener{lst}, nil
	case Mux:
		return listenMux(addr, tcfg)
	default:
		return nil, fmt.Errorf("unknown protocol %v", proto)
	}
}

type netListener struct{ lst net.Listener }

func (n netListener) Accept(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nc, err := n.lst.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(nc), nil
}

func (n netListener) Addr() string { return n.lst.Addr().String() }
func (n netListener) Close() error { return n.lst.Close() }
