// Copyright (C) 2025 Arun Grover. All Rights Reserved.

package pbspro

import (
	"errors"

	"github.com/arungrover/pbspro/batch"
	"github.com/arungrover/pbspro/transport"
	"github.com/arungrover/pbspro/wire"
	"go.uber.org/zap"
)

// readDirect reads the single reply expected on a dedicated connection and
// resolves its task. Replies are granted the long receive timeout while
// pending, and the connection is returned to the short timeout afterwards.
// A decode failure closes the connection and resolves the task with a
// protocol-failure result; on success the completion handler owns the
// connection. If the task has already been claimed by another path, any
// data on the connection is unsolicited and the connection is closed.
func (c *Core) readDirect(t *Task, conn transport.Conn) {
	conn.SetRecvTimeout(transport.LongTimeout)
	f, err := conn.Recv()
	conn.SetRecvTimeout(transport.ShortTimeout)

	if !c.unlink(t) {
		// Resolved elsewhere (shutdown or cancellation); nobody is waiting
		// for this data.
		conn.Close()
		return
	}
	var rep *batch.Reply
	if err == nil {
		rep, err = wire.ReadReply(f)
	}
	if err != nil {
		c.log.Warn("direct reply failed",
			zap.Stringer("type", t.req.Type),
			zap.String("job", t.req.JobID),
			zap.Error(err))
		conn.Close()
		rep = &batch.Reply{Code: batch.CodeProtocol}
	}
	c.finish(t, rep)
}

// watchWorker reads frames from a worker's shared link until it fails,
// resolving matched tasks as replies arrive. A reply with no correlation
// id cannot be matched and counts as a link failure. On link failure every
// task still deferred on the worker is resolved with an unreachable result.
func (c *Core) watchWorker(w *Worker, conn transport.Conn) {
	for {
		f, err := conn.Recv()
		if err != nil {
			c.muxLinkDown(w, conn, err)
			return
		}
		if f.ID == "" {
			c.muxLinkDown(w, conn, errors.New("reply frame without correlation id"))
			return
		}
		c.muxReply(w, conn, f)
	}
}

// muxReply resolves the deferred task matching the frame's correlation id.
// A frame matching no pending task is dropped: it may be a duplicate, or
// its task may already have been cancelled.
func (c *Core) muxReply(w *Worker, conn transport.Conn, f *wire.Frame) {
	c.μ.Lock()
	t, ok := w.byID[f.ID]
	if !ok || !c.unlinkLocked(t) {
		c.μ.Unlock()
		c.m.unmatched.Add(1)
		c.log.Debug("drop unmatched reply",
			zap.String("worker", w.name),
			zap.String("msgid", f.ID))
		return
	}
	c.μ.Unlock()

	rep, err := wire.ReadReply(f)
	if err != nil {
		c.log.Warn("mux reply failed",
			zap.String("worker", w.name),
			zap.String("msgid", t.msgid),
			zap.Error(err))
		rep = &batch.Reply{Code: batch.CodeProtocol}
	}
	c.finish(t, rep)
}

// muxLinkDown tears down a worker's failed link and resolves every task
// still deferred on it, in the order the tasks were issued, with an
// unreachable result. A stale link that has already been replaced is
// ignored, so a watcher racing a reconnect cannot fail fresh tasks.
func (c *Core) muxLinkDown(w *Worker, conn transport.Conn, cause error) {
	c.μ.Lock()
	if w.link != conn {
		c.μ.Unlock()
		return
	}
	w.link = nil

	// Detach the deferred list before unlinking so the removals do not
	// disturb the iteration below.
	drain := w.pending
	w.pending = nil
	w.byID = make(map[string]*Task)
	for _, t := range drain {
		c.unlinkLocked(t)
	}
	c.μ.Unlock()

	conn.Close()
	c.m.linkFailures.Add(1)
	c.log.Warn("worker link down",
		zap.String("worker", w.name),
		zap.String("addr", w.addr),
		zap.Int("deferred", len(drain)),
		zap.Error(cause))
	for _, t := range drain {
		c.finish(t, &batch.Reply{Code: batch.CodeUnreachable})
	}
}
