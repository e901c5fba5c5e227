package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"lockstep/server/internal/client"
	"lockstep/server/internal/lockstep"
	"lockstep/server/internal/net/ws"
	"lockstep/server/internal/telemetry"
)

type options struct {
	URL        string
	Ticks      int
	Frame      time.Duration
	InputEvery int
	ClientID   uint64
	Token      string
	Verbose    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		log.Fatal(err)
	}
}

func parseOptions(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("bot", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.URL, "url", "ws://localhost:8080/ws", "websocket endpoint of the relay")
	fs.IntVar(&opts.Ticks, "ticks", 300, "number of ticks to apply before leaving")
	fs.DurationVar(&opts.Frame, "frame", 16*time.Millisecond, "local frame interval")
	fs.IntVar(&opts.InputEvery, "input-every", 3, "queue one input every n frames, 0 for none")
	fs.Uint64Var(&opts.ClientID, "client-id", 0, "requested client id")
	fs.StringVar(&opts.Token, "token", "", "reconnect token of a previous session")
	fs.BoolVar(&opts.Verbose, "v", false, "log protocol events")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.Ticks <= 0 {
		return options{}, fmt.Errorf("--ticks must be positive, got %d", opts.Ticks)
	}
	if opts.Frame <= 0 {
		return options{}, fmt.Errorf("--frame must be positive, got %s", opts.Frame)
	}
	if opts.InputEvery < 0 {
		return options{}, fmt.Errorf("--input-every must not be negative, got %d", opts.InputEvery)
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseOptions(args, stderr)
	if err != nil {
		return err
	}

	logger := telemetry.DiscardLogger()
	if opts.Verbose {
		logger = telemetry.WrapLogger(log.New(stderr, "[bot] ", log.LstdFlags))
	}

	conn, err := ws.Dial(ctx, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	cfg := client.DefaultConfig()
	cfg.ClientID = opts.ClientID
	cfg.Token = opts.Token
	cfg.Logger = logger

	sim := &client.HashSimulation{}
	started := time.Now()
	c, err := client.Connect(ctx, conn, sim, cfg)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("connect: %w", err)
	}
	welcome := c.Welcome()
	fmt.Fprintf(stdout, "joined as client %d at tick %d (token %s, delay %d)\n",
		welcome.ClientID, welcome.JoinTick, welcome.Token, welcome.InputDelay)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return c.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return frameLoop(gctx, c, sim, opts)
	})
	err = g.Wait()
	_ = c.Close()
	if errors.Is(err, context.Canceled) || errors.Is(err, lockstep.ErrDisconnected) && len(sim.Applied()) >= opts.Ticks {
		err = nil
	}

	stats := c.Stats()
	fmt.Fprintf(stdout, "applied %s ticks in %s, state %016x\n",
		humanize.Comma(int64(len(sim.Applied()))), time.Since(started).Round(time.Millisecond), sim.State())
	fmt.Fprintf(stdout, "submitted %s (%s resubmitted), received %s, duplicates %d, resend requests %d, overridden %d\n",
		humanize.Comma(int64(stats.Submitted)), humanize.Comma(int64(stats.Resubmitted)),
		humanize.Comma(int64(stats.Received)), stats.Duplicates, stats.ResendRequests, stats.Overridden)
	for reason, count := range stats.Rejected {
		fmt.Fprintf(stdout, "rejected %s: %d\n", reason, count)
	}
	return err
}

func frameLoop(ctx context.Context, c *client.Client, sim *client.HashSimulation, opts options) error {
	ticker := time.NewTicker(opts.Frame)
	defer ticker.Stop()
	frame := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		frame++
		if opts.InputEvery > 0 && frame%opts.InputEvery == 0 {
			c.Queue([]byte(fmt.Sprintf("input-%d", frame)))
		}
		if _, err := c.Pump(); err != nil {
			return fmt.Errorf("submit: %w", err)
		}
		for {
			applied, err := c.Step()
			if errors.Is(err, lockstep.ErrDesyncRisk) {
				// Stalled waiting on the relay; keep pumping until sets arrive.
				break
			}
			if err != nil {
				return fmt.Errorf("step: %w", err)
			}
			if !applied {
				break
			}
			if len(sim.Applied()) >= opts.Ticks {
				return nil
			}
		}
	}
}
