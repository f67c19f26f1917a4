package strategy

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRefresherCoalescesSameKey(t *testing.T) {
	refresher := NewRefresher(time.Second, quietLogger())
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	fn := func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}

	refresher.Go(context.Background(), "api-v2|/api/posts", fn)
	<-started
	refresher.Go(context.Background(), "api-v2|/api/posts", fn)
	if got := refresher.Pending(); got != 2 {
		t.Fatalf("expected 2 pending refreshes, got %d", got)
	}

	// 给第二个 goroutine 时间加入进行中的 singleflight 调用
	time.Sleep(50 * time.Millisecond)
	close(release)
	refresher.Wait()

	if got := refresher.Attempts(); got != 1 {
		t.Fatalf("expected coalesced attempts = 1, got %d", got)
	}
	if got := refresher.Pending(); got != 0 {
		t.Fatalf("expected no pending refreshes, got %d", got)
	}
}

func TestRefresherCountsFailures(t *testing.T) {
	refresher := NewRefresher(0, quietLogger())
	refresher.Go(context.Background(), "a", func(context.Context) error { return errors.New("boom") })
	refresher.Go(context.Background(), "b", func(context.Context) error { return nil })
	refresher.Wait()

	if refresher.Attempts() != 2 {
		t.Fatalf("expected 2 attempts, got %d", refresher.Attempts())
	}
	if refresher.Failures() != 1 {
		t.Fatalf("expected 1 failure, got %d", refresher.Failures())
	}
}

func TestRefresherAppliesTimeout(t *testing.T) {
	refresher := NewRefresher(20*time.Millisecond, quietLogger())
	refresher.Go(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	refresher.Wait()

	if refresher.Failures() != 1 {
		t.Fatalf("expected timeout to count as failure")
	}
}

func TestRefresherIgnoresParentCancellation(t *testing.T) {
	refresher := NewRefresher(time.Second, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	refresher.Go(ctx, "detached", func(ctx context.Context) error {
		return ctx.Err()
	})
	refresher.Wait()

	if refresher.Failures() != 0 {
		t.Fatalf("refresh context should not inherit cancellation")
	}
}
