// Copyright (C) 2025 Arun Grover. All Rights Reserved.

package pbspro

import (
	"errors"
	"expvar"
	"slices"
	"sync"
	"time"

	"github.com/arungrover/pbspro/batch"
	"github.com/arungrover/pbspro/transport"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// ErrStopped is reported by issue methods called after the core has been
// stopped.
var ErrStopped = errors.New("core is stopped")

// A LocalHandler services requests addressed to this server itself. The
// handler borrows the request and must eventually post its outcome with
// [Core.LocalReply]; it may do so before returning.
type LocalHandler func(*batch.Request)

// Options are the optional settings for a [Core]. A nil *Options is ready
// for use and provides defaults as described.
type Options struct {
	// Logger receives the core's log output. If nil, logs are discarded.
	Logger *zap.Logger

	// Dialer opens outbound connections. If nil, connections are dialed on
	// the real network without TLS.
	Dialer transport.Dialer

	// Resolver maps server hostnames to addresses. If nil, the system
	// resolver is used with a small cache of successful lookups.
	Resolver Resolver

	// Local services requests addressed to this server itself. If nil,
	// local issues fail.
	Local LocalHandler

	// ServerHost is this server's own hostname. When the core is the
	// standby half of a failover pair and has taken over, peer-server
	// requests addressed to the primary are redirected here.
	ServerHost string

	// PrimaryHost is the primary server's hostname in a failover pair, or
	// "" when this server is not a standby.
	PrimaryHost string

	// DefaultPort is the port assumed for peer-server names that do not
	// carry one. If zero, 15001 is used.
	DefaultPort int

	// RetryInterval is the delay between attempts to reach a peer server
	// after a transient failure. If zero, one minute is used.
	RetryInterval time.Duration

	// RetryWindow bounds how long a peer-server request may keep retrying,
	// measured from the request's creation. If zero, 14 days are used.
	RetryWindow time.Duration
}

func (o *Options) logger() *zap.Logger {
	if o == nil || o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o *Options) dialer() transport.Dialer {
	if o == nil || o.Dialer == nil {
		return transport.NetDialer(nil)
	}
	return o.Dialer
}

func (o *Options) resolver() Resolver {
	if o == nil || o.Resolver == nil {
		return NetResolver(0)
	}
	return o.Resolver
}

func (o *Options) localHandler() LocalHandler {
	if o == nil {
		return nil
	}
	return o.Local
}

func (o *Options) serverHost() string {
	if o == nil {
		return ""
	}
	return o.ServerHost
}

func (o *Options) primaryHost() string {
	if o == nil {
		return ""
	}
	return o.PrimaryHost
}

func (o *Options) defaultPort() int {
	if o == nil || o.DefaultPort <= 0 {
		return 15001
	}
	return o.DefaultPort
}

func (o *Options) retryInterval() time.Duration {
	if o == nil || o.RetryInterval <= 0 {
		return time.Minute
	}
	return o.RetryInterval
}

func (o *Options) retryWindow() time.Duration {
	if o == nil || o.RetryWindow <= 0 {
		return 14 * 24 * time.Hour
	}
	return o.RetryWindow
}

// A Core owns the registry of outstanding tasks and the set of known
// workers, and routes every request and reply of the server. Methods of a
// Core are safe for concurrent use by multiple goroutines.
type Core struct {
	log     *zap.Logger
	dial    transport.Dialer
	resolve Resolver
	local   LocalHandler
	tasks   *taskgroup.Group // reader goroutines for links and connections
	m       *coreMetrics

	serverHost string
	primary    string
	defPort    int
	retryEvery time.Duration
	retryLimit time.Duration

	μ sync.Mutex

	closed   bool
	failover bool                     // standby has taken over the primary
	reg      map[*Task]struct{}       // every live task
	direct   map[transport.Conn]*Task // pending direct task per connection
	workers  map[string]*Worker       // worker name → destination
}

// New constructs a new core with the given options. nil is a valid receiver
// for Options and selects defaults throughout.
func New(opts *Options) *Core {
	return &Core{
		log:        opts.logger(),
		dial:       opts.dialer(),
		resolve:    opts.resolver(),
		local:      opts.localHandler(),
		tasks:      taskgroup.New(nil),
		m:          newCoreMetrics(),
		serverHost: opts.serverHost(),
		primary:    opts.primaryHost(),
		defPort:    opts.defaultPort(),
		retryEvery: opts.retryInterval(),
		retryLimit: opts.retryWindow(),
		reg:        make(map[*Task]struct{}),
		direct:     make(map[transport.Conn]*Task),
		workers:    make(map[string]*Worker),
	}
}

// SetFailoverActive records whether this server, as the standby half of a
// failover pair, has taken over for the primary. While active, peer-server
// requests addressed to the primary's hostname are redirected to this
// server instead.
func (c *Core) SetFailoverActive(active bool) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.failover = active
}

func (c *Core) failoverActive() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.failover && c.primary != "" && c.serverHost != ""
}

// Outstanding reports the number of tasks currently awaiting resolution.
func (c *Core) Outstanding() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return len(c.reg)
}

// Metrics returns the metrics map for the core. It is safe for the caller
// to add additional metrics to the map while the core is active.
func (c *Core) Metrics() *expvar.Map { return c.m.emap }

// link registers t, indexing it by connection or by worker according to its
// kind. It reports ErrStopped after the core has shut down, and rejects a
// direct task for a connection that already has one pending.
func (c *Core) link(t *Task, w *Worker) error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		return ErrStopped
	}
	switch t.kind {
	case KindDirectReply:
		if _, ok := c.direct[t.conn]; ok {
			return batch.Errorf(batch.CodeBadRequest, "connection already has a request pending")
		}
		c.direct[t.conn] = t
	case KindMuxReply, KindMuxCommand:
		if _, ok := w.byID[t.msgid]; ok {
			return batch.Errorf(batch.CodeSystem, "duplicate correlation id %q", t.msgid)
		}
		w.pending = append(w.pending, t)
		w.byID[t.msgid] = t
		t.worker = w
	}
	c.reg[t] = struct{}{}
	c.m.tasksActive.Add(1)
	return nil
}

// unlink removes t from the registry and every index it participates in,
// and reports whether t was still registered. Every resolution path must
// observe a true return before dispatching the completion handler; this is
// what makes resolution at-most-once.
func (c *Core) unlink(t *Task) bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.unlinkLocked(t)
}

func (c *Core) unlinkLocked(t *Task) bool {
	if _, ok := c.reg[t]; !ok {
		return false
	}
	delete(c.reg, t)
	switch t.kind {
	case KindDirectReply:
		if c.direct[t.conn] == t {
			delete(c.direct, t.conn)
		}
	case KindMuxReply, KindMuxCommand:
		if w := t.worker; w != nil {
			delete(w.byID, t.msgid)
			if i := slices.Index(w.pending, t); i >= 0 {
				w.pending = slices.Delete(w.pending, i, i+1)
			}
			t.worker = nil
		}
	case KindTimedRetry:
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
	}
	c.m.tasksActive.Add(-1)
	return true
}

// finish attaches the outcome to an unlinked task and invokes its
// completion handler. A nil rep leaves a previously attached reply alone.
func (c *Core) finish(t *Task, rep *batch.Reply) {
	if rep != nil {
		if t.req != nil {
			t.req.Reply = rep
		}
		t.reply = rep
		t.result = rep.Code
	}
	if t.result != batch.CodeOK {
		c.m.tasksFailed.Add(1)
	} else {
		c.m.tasksCompleted.Add(1)
	}
	c.log.Debug("task resolved",
		zap.Stringer("kind", t.kind),
		zap.Int32("code", int32(t.result)),
		zap.String("msgid", t.msgid),
	)
	if t.done != nil {
		t.done.Complete(t)
	}
}

// Stop resolves every outstanding task with a failure result, closes the
// connections and links the core holds, and waits for its reader goroutines
// to exit. Stop is idempotent; issue methods called afterwards report
// ErrStopped.
func (c *Core) Stop() {
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		c.tasks.Wait()
		return
	}
	c.closed = true

	// Collect worker deferred lists first, in order, then whatever remains.
	var drain []*Task
	var conns []transport.Conn
	for _, w := range c.workers {
		drain = append(drain, w.pending...)
		if w.link != nil {
			conns = append(conns, w.link)
			w.link = nil
		}
	}
	for t := range c.reg {
		if t.worker == nil {
			drain = append(drain, t)
		}
		if t.kind == KindDirectReply {
			conns = append(conns, t.conn)
		}
	}
	for _, t := range drain {
		c.unlinkLocked(t)
	}
	c.μ.Unlock()

	// Closing the connections wakes any readers blocked in Recv; they find
	// their tasks gone and exit without dispatching.
	for _, conn := range conns {
		conn.Close()
	}
	for _, t := range drain {
		c.finish(t, &batch.Reply{Code: batch.CodeSystem, Text: "server shutdown"})
	}
	c.tasks.Wait()
	c.log.Info("core stopped", zap.Int("failed_tasks", len(drain)))
}
