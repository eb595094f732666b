package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/djlord-it/easy-mail/internal/testutil"
)

func TestDuties_StopWaitsForRun(t *testing.T) {
	var running, finished atomic.Bool
	d := newDuties(func(ctx context.Context) {
		running.Store(true)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	})

	go d.start(context.Background())

	if !testutil.Eventually(t, 2*time.Second, running.Load) {
		t.Fatal("duties did not start")
	}

	d.stop()
	if !finished.Load() {
		t.Error("stop returned before run finished")
	}
}

func TestDuties_StopWithoutStart(t *testing.T) {
	d := newDuties(func(ctx context.Context) { <-ctx.Done() })

	done := make(chan struct{})
	go func() {
		d.stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop blocked with nothing running")
	}
}

func TestDuties_StartWithCancelledContext(t *testing.T) {
	var calls atomic.Int32
	d := newDuties(func(ctx context.Context) { calls.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.start(ctx)

	if calls.Load() != 0 {
		t.Errorf("run called %d times with cancelled context", calls.Load())
	}
}

// Leadership can be lost and regained; each term runs the duties again.
func TestDuties_Restart(t *testing.T) {
	var terms atomic.Int32
	d := newDuties(func(ctx context.Context) {
		terms.Add(1)
		<-ctx.Done()
	})

	for i := 0; i < 3; i++ {
		var g errgroup.Group
		started := make(chan struct{})
		g.Go(func() error {
			close(started)
			d.start(context.Background())
			return nil
		})
		<-started
		// Wait until run is entered before stopping.
		want := int32(i + 1)
		if !testutil.Eventually(t, 2*time.Second, func() bool { return terms.Load() == want }) {
			t.Fatalf("term %d did not start", want)
		}
		d.stop()
		if err := g.Wait(); err != nil {
			t.Fatal(err)
		}
	}

	if terms.Load() != 3 {
		t.Errorf("expected 3 terms, got %d", terms.Load())
	}
}
