// Copyright (C) 2025 Arun Grover. All Rights Reserved.

package pbspro

import (
	"github.com/arungrover/pbspro/batch"
	"github.com/arungrover/pbspro/transport"
	"github.com/arungrover/pbspro/wire"
	"go.uber.org/zap"
)

// encode routes req to the wire encoder for its type. An unknown type is a
// caller error and performs no I/O; an encoder failure is reported as an
// internal error.
func encode(req *batch.Request) (*wire.Frame, error) {
	var f *wire.Frame
	var err error
	switch req.Type {
	case batch.TypeDeleteJob, batch.TypeHoldJob, batch.TypeModifyJob, batch.TypeModifyJobAsync:
		f, err = wire.PutManager(req)
	case batch.TypeMessageJob:
		f, err = wire.PutMessage(req)
	case batch.TypeReleaseNodes:
		f, err = wire.PutRelnodes(req)
	case batch.TypeSpawn:
		f, err = wire.PutSpawn(req)
	case batch.TypeRerunJob:
		f, err = wire.PutRerun(req)
	case batch.TypeRegisterDependency:
		f, err = wire.PutRegister(req)
	case batch.TypeSignalJob:
		f, err = wire.PutSignal(req)
	case batch.TypeStatusJob:
		f, err = wire.PutStatus(req)
	case batch.TypeTrackJob:
		f, err = wire.PutTrack(req)
	case batch.TypeCopyFiles, batch.TypeDeleteFiles:
		f, err = wire.PutCopyFiles(req)
	case batch.TypeCopyFilesCred, batch.TypeDeleteFilesCred:
		f, err = wire.PutCopyFilesCred(req)
	case batch.TypeFailoverNotify:
		f, err = wire.PutFailover(req)
	case batch.TypePushCredential:
		f, err = wire.PutCred(req)
	default:
		return nil, batch.Errorf(batch.CodeBadRequest, "unknown request type %v", req.Type)
	}
	if err != nil {
		return nil, batch.Errorf(batch.CodeSystem, "encode %v request: %v", req.Type, err)
	}
	return f, nil
}

// Issue encodes req and sends it on conn, a dedicated connection to the
// destination, and returns a task that resolves when the reply arrives on
// that connection. The completion handler owns the connection afterwards;
// [Release] is a suitable handler when nobody needs the reply.
//
// A nil conn addresses the request to this server itself: no network is
// involved, the request goes to the core's local handler, and the task
// resolves when the handler posts its outcome. The returned task may
// already be resolved when Issue returns.
//
// On error no task is retained: an unknown or malformed request fails
// before any I/O, and a send failure leaves conn open for the caller to
// dispose of.
func (c *Core) Issue(conn transport.Conn, req *batch.Request, done Completer) (*Task, error) {
	if req == nil {
		return nil, batch.Errorf(batch.CodeBadRequest, "nil request")
	}
	if conn == nil {
		return c.issueLocal(req, done)
	}
	f, err := encode(req)
	if err != nil {
		c.m.reqRejected.Add(1)
		c.log.Warn("reject direct request",
			zap.Stringer("type", req.Type), zap.Error(err))
		return nil, err
	}
	t := &Task{core: c, kind: KindDirectReply, prot: transport.Direct, conn: conn, req: req, done: done}
	if err := c.link(t, nil); err != nil {
		c.m.reqRejected.Add(1)
		return nil, err
	}
	if err := conn.Send(f); err != nil {
		c.unlink(t)
		c.m.reqRejected.Add(1)
		c.log.Error("send direct request",
			zap.Stringer("type", req.Type), zap.Error(err))
		return nil, batch.Errorf(batch.CodeProtocol, "send %v request: %v", req.Type, err)
	}
	c.m.reqDirect.Add(1)
	c.tasks.Go(func() error { c.readDirect(t, conn); return nil })
	return t, nil
}

func (c *Core) issueLocal(req *batch.Request, done Completer) (*Task, error) {
	if c.local == nil {
		return nil, batch.Errorf(batch.CodeBadRequest, "no local handler configured")
	}
	t := &Task{core: c, kind: KindLocal, prot: transport.Direct, req: req, done: done}
	if err := c.link(t, nil); err != nil {
		return nil, err
	}
	c.m.reqLocal.Add(1)
	c.local(req)
	return t, nil
}

// LocalReply posts the outcome of a locally handled request and resolves
// its task, completing the loop begun by issuing with a nil connection. It
// reports whether a pending local task for req was found.
func (c *Core) LocalReply(req *batch.Request, rep *batch.Reply) bool {
	c.μ.Lock()
	var found *Task
	for t := range c.reg {
		if t.kind == KindLocal && t.req == req {
			found = t
			break
		}
	}
	if found == nil || !c.unlinkLocked(found) {
		c.μ.Unlock()
		return false
	}
	c.μ.Unlock()
	c.finish(found, rep)
	return true
}

// issueMux encodes req, assigns it a fresh correlation id, and sends it on
// the worker's shared link. When retain is false the request is not kept on
// the task, and the reply record attached at completion is valid only
// within the completion handler.
func (c *Core) issueMux(conn transport.Conn, w *Worker, jobID string, retain bool, req *batch.Request, done Completer) (*Task, error) {
	if req.Type == batch.TypeFailoverNotify {
		// The failover handshake is a server-pair affair on a dedicated
		// connection; it has no meaning on a shared worker link.
		c.m.reqRejected.Add(1)
		return nil, batch.Errorf(batch.CodeBadRequest, "%v requires a direct connection", req.Type)
	}
	f, err := encode(req)
	if err != nil {
		c.m.reqRejected.Add(1)
		c.log.Warn("reject mux request",
			zap.Stringer("type", req.Type),
			zap.String("worker", w.name),
			zap.Error(err))
		return nil, err
	}
	f.ID = wire.NewMsgID()

	t := &Task{core: c, kind: KindMuxCommand, prot: transport.Mux, conn: conn, msgid: f.ID, jobID: jobID, done: done}
	if retain {
		t.kind = KindMuxReply
		t.req = req
	}
	if err := c.link(t, w); err != nil {
		c.m.reqRejected.Add(1)
		return nil, err
	}
	if err := conn.Send(f); err != nil {
		c.unlink(t)
		c.m.reqRejected.Add(1)
		c.log.Error("send mux request",
			zap.Stringer("type", req.Type),
			zap.String("worker", w.name),
			zap.Error(err))
		return nil, batch.Errorf(batch.CodeProtocol, "send %v request to %s: %v", req.Type, w.name, err)
	}
	c.m.reqMux.Add(1)
	return t, nil
}
