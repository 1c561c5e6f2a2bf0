package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/evan-idocoding/zpool/rt/pool"
)

var errRefused = errors.New("connection refused")

// dialer simulates connection establishment with random latency and failures.
type dialer struct {
	latency  time.Duration
	failRate float64
}

func (d dialer) work() pool.Work { return &dial{dialer: d} }

// dial is one attempt. Its first poll arms a timer that wakes the task when the simulated
// latency has passed.
type dial struct {
	dialer
	timer *time.Timer
	ready atomic.Bool
}

func (a *dial) Poll(ctx context.Context, wake func()) (bool, error) {
	if err := ctx.Err(); err != nil {
		return true, err
	}
	if a.timer == nil {
		var wait time.Duration
		if a.latency > 0 {
			wait = rand.N(a.latency) + 1
		}
		t := time.AfterFunc(wait, func() {
			a.ready.Store(true)
			wake()
		})
		a.timer = t
		context.AfterFunc(ctx, func() { t.Stop() })
	}
	if !a.ready.Load() {
		return false, nil
	}
	if rand.Float64() < a.failRate {
		return true, errRefused
	}
	return true, nil
}

// peer is the handler of an established connection. It answers "ping" and rejects
// anything else, which ends the connection.
type peer struct {
	logger *slog.Logger
	served int
}

func (p *peer) Handle(_ context.Context, msg string) (any, error) {
	if msg != "ping" {
		return nil, fmt.Errorf("unexpected message %q", msg)
	}
	p.served++
	return fmt.Sprintf("pong #%d", p.served), nil
}

func (p *peer) Close() error {
	p.logger.Debug("peer closed", "served", p.served)
	return nil
}
