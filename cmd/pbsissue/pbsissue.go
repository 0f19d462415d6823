// Copyright (C) 2025 Arun Grover. All Rights Reserved.

// Program pbsissue issues and answers batch requests from the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/arungrover/pbspro"
	"github.com/arungrover/pbspro/batch"
	"github.com/arungrover/pbspro/config"
	"github.com/arungrover/pbspro/observability"
	"github.com/arungrover/pbspro/serve"
	"github.com/arungrover/pbspro/transport"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/value"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

var rootFlags struct {
	Config string `flag:"config,Path to a configuration file"`
}

var sendFlags struct {
	Server string        `flag:"server,Destination server (host[:port])"`
	Type   string        `flag:"type,Request type name (default status)"`
	Job    string        `flag:"job,Job identifier"`
	Text   string        `flag:"text,Message text for message requests"`
	Signal string        `flag:"signal,Signal name for signal requests"`
	Wait   time.Duration `flag:"wait,How long to await the reply (default 1m)"`
}

var relayFlags struct {
	Worker string        `flag:"worker,Worker name"`
	Addr   string        `flag:"addr,Worker link address (host:port)"`
	Type   string        `flag:"type,Request type name (default status)"`
	Job    string        `flag:"job,Job identifier"`
	Text   string        `flag:"text,Message text for message requests"`
	Signal string        `flag:"signal,Signal name for signal requests"`
	Wait   time.Duration `flag:"wait,How long to await the reply (default 1m)"`
}

var respondFlags struct {
	Direct string `flag:"direct,Listen address for direct connections (overrides config)"`
	Mux    string `flag:"mux,Listen address for multiplexed links (overrides config)"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Issue and answer batch requests.

The send command issues one request to a peer server over a direct
connection and waits for the reply. The relay command forwards a request
to a worker over a shared multiplexed link. The respond command runs a
responder that answers common requests with canned replies, for exercising
the other two.`,
		SetFlags: command.Flags(flax.MustBind, &rootFlags),
		Commands: []*command.C{
			{
				Name:     "send",
				Usage:    "-server host[:port] [-type name] [-job id] [argv...]",
				Help:     "Issue a request to a peer server and await its reply.",
				SetFlags: command.Flags(flax.MustBind, &sendFlags),
				Run:      runSend,
			},
			{
				Name:     "relay",
				Usage:    "-worker name -addr host:port [-type name] [-job id] [argv...]",
				Help:     "Relay a request to a worker over a multiplexed link.",
				SetFlags: command.Flags(flax.MustBind, &relayFlags),
				Run:      runRelay,
			},
			{
				Name:     "respond",
				Usage:    "[-direct addr] [-mux addr]",
				Help:     "Answer inbound requests with canned replies until interrupted.",
				SetFlags: command.Flags(flax.MustBind, &respondFlags),
				Run:      runRespond,
			},
			{
				Name: "types",
				Help: "List the request type names this tool understands.",
				Run: func(*command.Env) error {
					for _, name := range batch.TypeNames() {
						fmt.Println(name)
					}
					return nil
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	command.RunOrFail(root.NewEnv(nil).SetContext(ctx).MergeFlags(true), os.Args[1:])
}

// setup loads the configuration and builds the process logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(rootFlags.Config)
	if err != nil {
		return nil, nil, err
	}
	lg, err := observability.Setup(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, lg, nil
}

func newCore(cfg *config.Config, lg *zap.Logger) *pbspro.Core {
	return pbspro.New(&pbspro.Options{
		Logger:        lg.Named("core"),
		Resolver:      pbspro.NetResolver(cfg.Server.ResolverCache),
		ServerHost:    cfg.Server.Name,
		PrimaryHost:   cfg.Server.Primary,
		DefaultPort:   cfg.Server.DefaultPort,
		RetryInterval: cfg.Retry.Interval,
		RetryWindow:   cfg.Retry.Window,
	})
}

// buildRequest assembles a request from command-line arguments. Extra
// positional arguments become the command line for spawn requests.
func buildRequest(typeName, job, text, sig string, args []string) (*batch.Request, error) {
	rt, ok := batch.ParseReqType(value.Cond(typeName != "", typeName, "status"))
	if !ok {
		return nil, fmt.Errorf("unknown request type %q", typeName)
	}
	req := batch.New(rt, job)
	req.User = os.Getenv("USER")
	req.Text = text
	req.Signal = sig
	req.Argv = args
	return req, nil
}

// await blocks until the task resolves, the wait expires, or ctx ends, and
// prints the reply. A non-OK result is reported as an error so the process
// exits nonzero.
func await(ctx context.Context, done <-chan *pbspro.Task, wait time.Duration) error {
	timeout := time.NewTimer(value.Cond(wait > 0, wait, time.Minute))
	defer timeout.Stop()
	select {
	case t := <-done:
		rep := t.Reply()
		fmt.Printf("code: %d (%v)\n", int32(rep.Code), rep.Code)
		if rep.Text != "" {
			fmt.Printf("text: %s\n", rep.Text)
		}
		for _, st := range rep.Status {
			fmt.Printf("status: %s\n", st.Name)
			for _, a := range st.Attrs {
				fmt.Printf("  %s = %s\n", a.Name, a.Value)
			}
		}
		if rep.Code != batch.CodeOK {
			return fmt.Errorf("request failed: %v", rep.Code)
		}
		return nil
	case <-timeout.C:
		return errors.New("timed out awaiting the reply")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runSend(env *command.Env) error {
	if sendFlags.Server == "" {
		return env.Usagef("missing -server address")
	}
	cfg, lg, err := setup()
	if err != nil {
		return err
	}
	defer lg.Sync()

	req, err := buildRequest(sendFlags.Type, sendFlags.Job, sendFlags.Text, sendFlags.Signal, env.Args)
	if err != nil {
		return err
	}
	core := newCore(cfg, lg)
	defer core.Stop()

	done := make(chan *pbspro.Task, 1)
	task, err := core.IssueToServer(env.Context(), sendFlags.Server, req,
		pbspro.CompleteFunc(func(t *pbspro.Task) { done <- t }))
	if err != nil {
		return err
	}
	if task.Kind() == pbspro.KindTimedRetry {
		lg.Info("destination unreachable, retry scheduled",
			zap.String("server", sendFlags.Server),
			zap.Duration("interval", cfg.Retry.Interval))
	}
	return await(env.Context(), done, sendFlags.Wait)
}

func runRelay(env *command.Env) error {
	if relayFlags.Worker == "" || relayFlags.Addr == "" {
		return env.Usagef("missing -worker name or -addr address")
	}
	cfg, lg, err := setup()
	if err != nil {
		return err
	}
	defer lg.Sync()

	req, err := buildRequest(relayFlags.Type, relayFlags.Job, relayFlags.Text, relayFlags.Signal, env.Args)
	if err != nil {
		return err
	}
	core := newCore(cfg, lg)
	defer core.Stop()
	core.AddWorker(relayFlags.Worker, relayFlags.Addr)

	done := make(chan *pbspro.Task, 1)
	job := &pbspro.Job{ID: relayFlags.Job, Worker: relayFlags.Worker}
	if _, err := core.RelayToWorker(env.Context(), job, req,
		pbspro.CompleteFunc(func(t *pbspro.Task) { done <- t })); err != nil {
		return err
	}
	return await(env.Context(), done, relayFlags.Wait)
}

func runRespond(env *command.Env) error {
	cfg, lg, err := setup()
	if err != nil {
		return err
	}
	defer lg.Sync()

	ack := func(text string) serve.Handler {
		return func(_ context.Context, req *batch.Request) (*batch.Reply, error) {
			lg.Info("request answered",
				zap.Stringer("type", req.Type),
				zap.String("job", req.JobID),
				zap.String("user", req.User))
			return &batch.Reply{Code: batch.CodeOK, Choice: batch.ChoiceText, Text: text}, nil
		}
	}
	mux := serve.NewMux().
		Handle(batch.TypeDeleteJob, ack("job deleted")).
		Handle(batch.TypeHoldJob, ack("job held")).
		Handle(batch.TypeRerunJob, ack("job requeued")).
		Handle(batch.TypeSignalJob, ack("signal delivered")).
		Handle(batch.TypeMessageJob, ack("message written")).
		Handle(batch.TypeTrackJob, ack("location recorded")).
		Handle(batch.TypeStatusJob, func(_ context.Context, req *batch.Request) (*batch.Reply, error) {
			return &batch.Reply{
				Code:   batch.CodeOK,
				Choice: batch.ChoiceStatus,
				Status: []batch.StatusEntry{{
					Name:  value.Cond(req.JobID != "", req.JobID, "server"),
					Attrs: []batch.Attr{{Name: "job_state", Value: "R"}},
				}},
			}, nil
		})

	ctx, cancel := context.WithCancel(env.Context())
	defer cancel()

	g := taskgroup.New(nil)
	listen := func(proto transport.Proto, addr string) error {
		lst, err := transport.Listen(proto, addr, nil)
		if err != nil {
			return err
		}
		lg.Info("listening", zap.Stringer("proto", proto), zap.String("addr", lst.Addr()))
		g.Go(func() error { return serve.Loop(ctx, lst, mux.Serve) })
		return nil
	}

	started := 0
	if addr := value.Cond(respondFlags.Direct != "", respondFlags.Direct, cfg.Listen.Direct); addr != "" {
		if err := listen(transport.Direct, addr); err != nil {
			return err
		}
		started++
	}
	if addr := value.Cond(respondFlags.Mux != "", respondFlags.Mux, cfg.Listen.Mux); addr != "" {
		if err := listen(transport.Mux, addr); err != nil {
			return err
		}
		started++
	}
	if started == 0 {
		return errors.New("no listen addresses configured")
	}
	return g.Wait()
}
