package leaderelection

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite has no advisory locks, so every acquisition attempt fails. The
// elector must keep retrying as a follower and never run leader duties.
func TestElector_FollowerWhenLockUnavailable(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "leader.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var elected, demoted atomic.Int32
	e := New(db, 42, 10*time.Millisecond, 10*time.Millisecond,
		func(ctx context.Context) { elected.Add(1) },
		func() { demoted.Add(1) },
	)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if elected.Load() != 0 || demoted.Load() != 0 {
		t.Errorf("elected=%d demoted=%d, want 0/0", elected.Load(), demoted.Load())
	}
}

func TestElector_HoldLockShutdown(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "leader.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	defer conn.Close()

	e := New(db, 1, time.Second, 5*time.Millisecond, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if reason := e.holdLock(ctx, conn); reason != "shutdown" {
		t.Errorf("reason = %q, want shutdown", reason)
	}
}

func TestElector_HoldLockConnLost(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "leader.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	conn.Close()

	e := New(db, 1, time.Second, 5*time.Millisecond, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if reason := e.holdLock(ctx, conn); reason != "conn_lost" {
		t.Errorf("reason = %q, want conn_lost", reason)
	}
}
