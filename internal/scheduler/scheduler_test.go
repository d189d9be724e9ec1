package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/service"
)

type stubRunner struct {
	mu       sync.Mutex
	releases int
	refunds  int
}

func (r *stubRunner) ProcessScheduledReleases(context.Context) (service.BatchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releases++
	return service.BatchResult{Processed: 2, Succeeded: 2}, nil
}

func (r *stubRunner) ProcessScheduledRefunds(context.Context) (service.BatchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refunds++
	return service.BatchResult{}, nil
}

type stubLocker struct {
	mu       sync.Mutex
	held     bool
	err      error
	acquired []string
	released []string
}

func (l *stubLocker) TryAcquireJobLock(_ context.Context, name, token string, _ time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.held {
		return false, nil
	}
	l.acquired = append(l.acquired, token)
	return true, nil
}

func (l *stubLocker) ReleaseJobLock(_ context.Context, name, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, token)
	return nil
}

func TestTickRunsBothJobsAndReleasesLock(t *testing.T) {
	runner := &stubRunner{}
	locker := &stubLocker{}
	s := New(runner, locker, nil, time.Minute)

	s.tick(context.Background())

	if runner.releases != 1 || runner.refunds != 1 {
		t.Fatalf("jobs ran (%d, %d), want (1, 1)", runner.releases, runner.refunds)
	}
	if len(locker.acquired) != 1 || len(locker.released) != 1 {
		t.Fatalf("lock calls = %d/%d", len(locker.acquired), len(locker.released))
	}
	if locker.acquired[0] != locker.released[0] {
		t.Fatalf("released a different token than acquired")
	}
}

func TestTickSkipsWhenLockHeldElsewhere(t *testing.T) {
	runner := &stubRunner{}
	locker := &stubLocker{held: true}
	s := New(runner, locker, nil, time.Minute)

	s.tick(context.Background())

	if runner.releases != 0 || runner.refunds != 0 {
		t.Fatalf("jobs ran despite held lock: (%d, %d)", runner.releases, runner.refunds)
	}
	if len(locker.released) != 0 {
		t.Fatalf("released a lock it never held")
	}
}

func TestTickSkipsOnLockError(t *testing.T) {
	runner := &stubRunner{}
	locker := &stubLocker{err: errors.New("db down")}
	s := New(runner, locker, nil, time.Minute)

	s.tick(context.Background())

	if runner.releases != 0 {
		t.Fatalf("jobs ran despite lock error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	runner := &stubRunner{}
	locker := &stubLocker{}
	s := New(runner, locker, nil, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// The first tick fires before the ticker; give it a moment, then stop.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.releases != 1 {
		t.Fatalf("first tick ran %d times, want 1", runner.releases)
	}
}
