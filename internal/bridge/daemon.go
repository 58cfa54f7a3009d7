package bridge

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Runner is a background job that runs until its context is cancelled,
// such as the message-cache trimmer.
type Runner interface {
	Run(ctx context.Context)
}

// Daemon is the main bridge process. It connects to a chat platform via an
// Adapter, pumps inbound messages to the Router and runs background jobs.
type Daemon struct {
	adapter    Adapter
	handler    Handler
	background []Runner
	out        io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Adapter    Adapter
	Handler    Handler
	Background []Runner  // optional
	Out        io.Writer // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("bridge: adapter is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("bridge: handler is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Daemon{
		adapter:    opts.Adapter,
		handler:    opts.Handler,
		background: opts.Background,
		out:        out,
	}, nil
}

// Run connects the adapter and blocks until the context is cancelled or the
// adapter closes its inbound channel. Each message is handled in its own
// goroutine; turns for the same session key are serialized by the session
// locker, not here. On shutdown Run waits for in-flight turns before
// closing the adapter.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Bridge connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("bridge: connect: %w", err)
	}

	router, err := NewRouter(RouterOpts{Handler: d.handler, Adapter: d.adapter, Out: d.out})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("bridge: build router: %w", err)
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("bridge: listen: %w", err)
	}

	jobCtx, cancelJobs := context.WithCancel(ctx)
	var jobs sync.WaitGroup
	defer func() {
		cancelJobs()
		jobs.Wait()
	}()
	for _, r := range d.background {
		jobs.Add(1)
		go func(r Runner) {
			defer jobs.Done()
			r.Run(jobCtx)
		}(r)
	}

	fmt.Fprintf(d.out, "Bridge online\n")

	var turns sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Bridge shutting down...\n")
			turns.Wait()
			if err := d.adapter.Close(); err != nil {
				log.Printf("bridge: close adapter: %v", err)
			}
			fmt.Fprintf(d.out, "Bridge stopped\n")
			return nil

		case msg, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Bridge inbound channel closed\n")
				turns.Wait()
				return nil
			}
			turns.Add(1)
			go func() {
				defer turns.Done()
				router.Handle(ctx, msg)
			}()
		}
	}
}
