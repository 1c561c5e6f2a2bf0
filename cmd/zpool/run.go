package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/evan-idocoding/zpool"
	"github.com/evan-idocoding/zpool/config"
	"github.com/evan-idocoding/zpool/rt/pool"
	"github.com/evan-idocoding/zpool/rt/safego"
)

// RunCmd keeps Tasks simulated connections alive until interrupted.
type RunCmd struct {
	Tasks    int           `short:"n" help:"Connections to keep alive" default:"8"`
	Latency  time.Duration `help:"Maximum simulated dial latency" default:"200ms"`
	FailRate float64       `name:"fail-rate" help:"Probability that a dial fails (0..1)" default:"0.2"`
	Ping     time.Duration `help:"Interval between pings to established connections" default:"1s"`
	JSON     bool          `help:"Log as JSON"`
	Trace    bool          `help:"Log one span per task at debug level"`
}

func (c *RunCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	var lv slog.LevelVar
	lv.Set(level)
	logger := newLogger(c.JSON, &lv)
	slog.SetDefault(logger)

	spec := zpool.ServiceSpec{Config: cfg, Logger: logger, LevelVar: &lv}
	if c.Trace {
		tp := newTracerProvider(logger)
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Warn("tracer provider shutdown failed", "err", err)
			}
		}()
		spec.Tracer = tracer()
	}

	svc := zpool.NewService[string, *peer](spec)
	d := dialer{latency: c.Latency, failRate: c.FailRate}
	add := func(m *pool.Manager[string, *peer]) {
		id, err := m.AddPending(d.work(), &peer{logger: logger})
		if err != nil {
			if !errors.Is(err, pool.ErrClosed) {
				logger.Warn("add failed", "err", err)
			}
			return
		}
		logger.Debug("dialing", "task", id)
	}
	for range c.Tasks {
		add(svc.Manager)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if c.Ping > 0 {
		safego.Go(ctx, func(ctx context.Context) { pingLoop(ctx, svc, c.Ping) },
			safego.WithName("ping-loop"), safego.WithLogger(logger))
	}

	return svc.Run(ctx, func(ev pool.Event[*peer]) {
		switch ev.Kind {
		case pool.EventEstablished:
			logger.Info("connected", "task", ev.ID)
		case pool.EventNotify:
			logger.Debug("reply", "task", ev.ID, "msg", ev.Notification)
		case pool.EventFailed, pool.EventError:
			logger.Warn("connection lost", "task", ev.ID, "event", ev.Kind, "err", ev.Err)
			add(svc.Manager)
		case pool.EventClosed:
			logger.Info("connection closed", "task", ev.ID)
			add(svc.Manager)
		}
	})
}

// pingLoop pings every established connection once per interval.
func pingLoop(ctx context.Context, svc *zpool.Service[string, *peer], interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		err := svc.Do(ctx, func(m *pool.Manager[string, *peer]) {
			for id, state := range m.Tasks() {
				if state != pool.TaskStateEstablished {
					continue
				}
				if err := m.SendCommand(id, "ping"); err != nil && !errors.Is(err, pool.ErrCommandQueueFull) {
					slog.Debug("ping not sent", "task", id, "err", err)
				}
			}
		})
		if err != nil {
			return
		}
	}
}

func newLogger(json bool, lv *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: lv}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
