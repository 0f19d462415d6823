// Copyright (C) 2025 Arun Grover. All Rights Reserved.

package pbspro

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/arungrover/pbspro/batch"
	"github.com/arungrover/pbspro/transport"
	"go.uber.org/zap"
)

// IssueToServer resolves the named peer server, opens a direct connection,
// and issues req on it, retrying transient failures at a fixed interval.
// The name may carry a port ("host:port"); otherwise the default port is
// assumed. The request is stamped with the destination name and marked as
// server-originated before dispatch.
//
// The returned task is the direct-reply task when the request was sent, or
// a timed-retry task when a transient resolver or connect failure scheduled
// a later attempt. Either way the completion handler will eventually be
// invoked exactly once: with the reply, or with a failure result once the
// request's age exceeds the retry window. A permanent failure, such as an
// unknown host, is returned immediately and schedules nothing.
func (c *Core) IssueToServer(ctx context.Context, server string, req *batch.Request, done Completer) (*Task, error) {
	if req == nil {
		return nil, batch.Errorf(batch.CodeBadRequest, "nil request")
	}
	host, port, err := splitServerName(server, c.defPort)
	if err != nil {
		return nil, err
	}
	req.Host = server
	req.FromServer = true
	if c.failoverActive() && shortHostEq(host, c.primary) {
		// The standby answers for the primary while failed over.
		host = c.serverHost
	}
	target := net.JoinHostPort(host, strconv.Itoa(port))

	addr, rerr := c.resolve(ctx, host)
	if rerr != nil {
		if transientResolve(rerr) {
			return c.scheduleRetry(target, req, done, rerr)
		}
		c.m.reqRejected.Add(1)
		return nil, batch.Errorf(batch.CodeUnknownHost, "unknown server host %q: %v", host, rerr)
	}
	conn, derr := c.dial(ctx, transport.Direct, net.JoinHostPort(addr, strconv.Itoa(port)))
	if derr != nil {
		if transientDial(derr) {
			return c.scheduleRetry(target, req, done, derr)
		}
		c.m.reqRejected.Add(1)
		return nil, batch.Errorf(batch.CodeUnreachable, "server %s unreachable: %v", target, derr)
	}
	t, err := c.Issue(conn, req, done)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

// scheduleRetry creates a timed-retry task that re-attempts dispatch to
// target after the retry interval.
func (c *Core) scheduleRetry(target string, req *batch.Request, done Completer, cause error) (*Task, error) {
	t := &Task{core: c, kind: KindTimedRetry, prot: transport.Direct, req: req, done: done, server: target}
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		return nil, ErrStopped
	}
	c.reg[t] = struct{}{}
	t.fireAt = time.Now().Add(c.retryEvery)
	t.timer = time.AfterFunc(c.retryEvery, func() { c.fireRetry(t) })
	c.m.tasksActive.Add(1)
	c.μ.Unlock()

	c.m.retrySched.Add(1)
	c.log.Info("transient failure, retry scheduled",
		zap.String("server", target),
		zap.Stringer("type", req.Type),
		zap.Time("next_attempt", t.fireAt),
		zap.Error(cause))
	return t, nil
}

// fireRetry runs when a retry task's timer expires. If the request has aged
// past the retry window the task resolves with a failure; otherwise the
// dispatch is re-attempted from the top, and on anything short of a
// permanent failure the fresh task takes over and this one evaporates
// without invoking the handler.
func (c *Core) fireRetry(t *Task) {
	if !c.unlink(t) {
		return // cancelled or shut down in the meantime
	}
	req := t.req
	if age := time.Since(req.Created); age > c.retryLimit {
		c.m.retryExhausted.Add(1)
		c.log.Warn("retry window exhausted",
			zap.String("server", t.server),
			zap.Stringer("type", req.Type),
			zap.Duration("age", age))
		c.finish(t, &batch.Reply{Code: batch.CodeFailed, Text: "destination did not become reachable"})
		return
	}
	if _, err := c.IssueToServer(context.Background(), t.server, req, t.done); err != nil {
		c.log.Warn("re-issue failed",
			zap.String("server", t.server),
			zap.Stringer("type", req.Type),
			zap.Error(err))
		c.finish(t, &batch.Reply{Code: batch.CodeFailed, Text: err.Error()})
	}
}

// splitServerName splits a peer server name of the form "host" or
// "host:port", applying defPort when no port is present.
func splitServerName(name string, defPort int) (host string, port int, err error) {
	if name == "" {
		return "", 0, batch.Errorf(batch.CodeBadRequest, "empty server name")
	}
	host, ps, serr := net.SplitHostPort(name)
	if serr != nil {
		return name, defPort, nil
	}
	p, perr := strconv.Atoi(ps)
	if perr != nil || p <= 0 || p > 65535 {
		return "", 0, batch.Errorf(batch.CodeBadRequest, "invalid port %q in server name", ps)
	}
	return host, p, nil
}

// shortHostEq reports whether two hostnames match up to the first dot of
// each, ignoring case, so "alpha" matches "alpha.cluster.example.com".
func shortHostEq(a, b string) bool {
	a, _, _ = strings.Cut(a, ".")
	b, _, _ = strings.Cut(b, ".")
	return strings.EqualFold(a, b)
}

// transientResolve reports whether err is a name-resolution failure that
// may succeed if retried, as opposed to a definitively unknown host.
func transientResolve(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout)
}

// transientDial reports whether err is a connection failure worth retrying:
// a timeout, a refused connection (the peer may be restarting), or an
// unreachable host or network (routing may heal).
func transientDial(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}
