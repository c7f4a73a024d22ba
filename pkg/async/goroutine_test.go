package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeGo_Success(t *testing.T) {
	ctx := context.Background()
	done := make(chan struct{})

	SafeGo(ctx, 1*time.Second, "test task", nil, func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SafeGo did not execute function")
	}
}

func TestSafeGo_LogsError(t *testing.T) {
	logger, hook := test.NewNullLogger()
	done := make(chan struct{})

	SafeGo(context.Background(), time.Second, "failing task", logger, func(ctx context.Context) error {
		defer close(done)
		return errors.New("boom")
	})
	<-done

	assert.Eventually(t, func() bool {
		entry := hook.LastEntry()
		return entry != nil && entry.Level == logrus.WarnLevel && entry.Data["task"] == "failing task"
	}, time.Second, 10*time.Millisecond)
}

func TestSafeGo_Timeout(t *testing.T) {
	result := make(chan error, 1)

	SafeGo(context.Background(), 50*time.Millisecond, "slow task", nil, func(ctx context.Context) error {
		select {
		case <-time.After(2 * time.Second):
			result <- nil
			return nil
		case <-ctx.Done():
			result <- ctx.Err()
			return ctx.Err()
		}
	})

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("task was not cancelled by its timeout")
	}
}

func TestSafeGo_ZeroTimeoutRunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	result := make(chan error, 1)

	SafeGo(ctx, 0, "long running task", nil, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		result <- ctx.Err()
		return nil
	})

	<-started
	select {
	case <-result:
		t.Fatal("task stopped before its context was cancelled")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("task did not observe cancellation")
	}
}

func TestSafeGo_RecoversPanic(t *testing.T) {
	logger, hook := test.NewNullLogger()

	SafeGo(context.Background(), time.Second, "panicky task", logger, func(ctx context.Context) error {
		panic("kaboom")
	})

	assert.Eventually(t, func() bool {
		entry := hook.LastEntry()
		return entry != nil && entry.Level == logrus.ErrorLevel && entry.Data["panic"] == "kaboom"
	}, time.Second, 10*time.Millisecond)
}

func TestBatch_PerItemErrors(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6}
	var calls atomic.Int32

	errs := Batch(context.Background(), items, 3, time.Second, func(ctx context.Context, n int) error {
		calls.Add(1)
		if n%2 == 0 {
			return errors.New("even")
		}
		return nil
	})

	require.Len(t, errs, len(items))
	assert.EqualValues(t, len(items), calls.Load())
	for i, n := range items {
		if n%2 == 0 {
			assert.Error(t, errs[i], "item %d", n)
		} else {
			assert.NoError(t, errs[i], "item %d", n)
		}
	}
}

func TestBatch_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := make([]int, 20)

	Batch(context.Background(), items, 4, time.Second, func(ctx context.Context, _ int) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	assert.LessOrEqual(t, peak.Load(), int32(4))
}

func TestBatch_PanicBecomesError(t *testing.T) {
	errs := Batch(context.Background(), []string{"ok", "bad"}, 2, 0, func(ctx context.Context, s string) error {
		if s == "bad" {
			panic("unexpected")
		}
		return nil
	})

	assert.NoError(t, errs[0])
	assert.ErrorContains(t, errs[1], "panic: unexpected")
}

func TestBatch_Empty(t *testing.T) {
	errs := Batch(context.Background(), []int{}, 2, time.Second, func(ctx context.Context, _ int) error {
		t.Fatal("should not be called")
		return nil
	})
	assert.Empty(t, errs)
}
