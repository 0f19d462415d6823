// Copyright (C) 2025 Arun Grover. All Rights Reserved.

package transport

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/arungrover/pbspro/wire"
	"github.com/quic-go/quic-go"
)

// alpn is the application protocol name negotiated on mux links.
const alpn = "pbspro"

func muxConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  5 * time.Minute,
		KeepAlivePeriod: 30 * time.Second,
	}
}

func dialMux(ctx context.Context, addr string, tcfg *tls.Config) (Conn, error) {
	if tcfg == nil {
		tcfg = ClientTLS()
	}
	qc, err := quic.DialAddr(ctx, addr, tcfg, muxConfig())
	if err != nil {
		return nil, err
	}
	st, err := qc.OpenStreamSync(ctx)
	if err != nil {
		qc.CloseWithError(1, "no stream available")
		return nil, err
	}
	return newMuxConn(qc, st), nil
}

func listenMux(addr string, tcfg *tls.Config) (Listener, error) {
	if tcfg == nil {
		var err error
		tcfg, err = ServerTLS()
		if err != nil {
			return nil, err
		}
	}
	ql, err := quic.ListenAddr(addr, tcfg, muxConfig())
	if err != nil {
		return nil, err
	}
	return muxListener{ql}, nil
}

type muxListener struct{ ql *quic.Listener }

func (m muxListener) Accept(ctx context.Context) (Conn, error) {
	qc, err := m.ql.Accept(ctx)
	if err != nil {
		if errors.Is(err, quic.ErrServerClosed) {
			err = net.ErrClosed
		}
		return nil, err
	}
	st, err := qc.AcceptStream(ctx)
	if err != nil {
		qc.CloseWithError(1, "no stream available")
		return nil, err
	}
	return newMuxConn(qc, st), nil
}

func (m muxListener) Addr() string { return m.ql.Addr().String() }
func (m muxListener) Close() error { return m.ql.Close() }

// A muxConn is a framed connection over a single QUIC stream.
type muxConn struct {
	wmu sync.Mutex
	wr  *bufio.Writer

	rd *bufio.Reader
	st quic.Stream
	qc quic.Connection

	tmu     sync.Mutex
	timeout time.Duration
}

func newMuxConn(qc quic.Connection, st quic.Stream) *muxConn {
	return &muxConn{
		wr: bufio.NewWriter(st),
		rd: bufio.NewReader(st),
		st: st,
		qc: qc,
	}
}

func (c *muxConn) Send(f *wire.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := f.WriteTo(c.wr); err != nil {
		return err
	}
	return c.wr.Flush()
}

func (c *muxConn) Recv() (*wire.Frame, error) {
	c.tmu.Lock()
	d := c.timeout
	c.tmu.Unlock()
	var deadline time.Time
	if d > 0 {
		deadline = time.Now().Add(d)
	}
	if err := c.st.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	f := new(wire.Frame)
	if _, err := f.ReadFrom(c.rd); err != nil {
		return nil, err
	}
	return f, nil
}

func (c *muxConn) SetRecvTimeout(d time.Duration) error {
	c.tmu.Lock()
	defer c.tmu.Unlock()
	c.timeout = d
	return nil
}

func (c *muxConn) Close() error { return c.qc.CloseWithError(0, "connection closed") }

// ServerTLS returns a TLS configuration with a freshly generated self-signed
// certificate, suitable for mux listeners in deployments where certificate
// provisioning is handled elsewhere.
func ServerTLS() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	tmpl := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLS returns the TLS configuration used to dial mux links. The server
// certificate is not verified; mux links are expected to run on trusted
// cluster networks.
func ClientTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
}
