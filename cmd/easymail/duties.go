package main

import (
	"context"
	"sync"
)

// duties runs the leader-only loops (registry firing, reconciler) and lets
// them be stopped and restarted as leadership changes.
type duties struct {
	run func(ctx context.Context)

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDuties(run func(ctx context.Context)) *duties {
	return &duties{run: run}
}

// start blocks until ctx is cancelled or stop is called.
func (d *duties) start(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	d.mu.Lock()
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	defer d.wg.Done()
	d.run(ctx)
}

// stop cancels running duties and waits for them to return. Safe to call
// when nothing is running.
func (d *duties) stop() {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.mu.Unlock()
	d.wg.Wait()
}
