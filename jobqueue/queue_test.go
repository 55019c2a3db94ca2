/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/acronis/go-appkit/retry"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func noRetries() retry.Policy {
	return retry.NewConstantBackoffPolicy(time.Millisecond, 0)
}

func fastRetries(maxAttempts int) retry.Policy {
	return retry.NewConstantBackoffPolicy(time.Millisecond*10, maxAttempts)
}

func TestQueueInvalidConcurrency(t *testing.T) {
	_, err := New[string](0)
	require.Error(t, err)
	_, err = New[string](-1)
	require.Error(t, err)
}

func TestQueueDo(t *testing.T) {
	q, err := New[string](2)
	require.NoError(t, err)

	val, err := q.Do(context.Background(), "k", func(ctx context.Context) (string, error) {
		return "value", nil
	})
	require.NoError(t, err)
	require.Equal(t, "value", val)

	stats := q.Stats()
	require.Equal(t, int64(1), stats.Completed)
	require.Equal(t, int64(0), stats.Failed)
	require.Equal(t, int64(1), stats.TotalProcessed)
	require.Greater(t, stats.AvgProcessingTime, time.Duration(0))
}

func TestQueueDeduplication(t *testing.T) {
	q, err := New[int](4)
	require.NoError(t, err)

	var invocations atomic.Int32
	gate := make(chan struct{})
	work := func(ctx context.Context) (int, error) {
		invocations.Inc()
		<-gate
		return 42, nil
	}

	// 10 concurrent submissions for the same key must share a single invocation.
	jobs := make([]*Job[int], 10)
	for i := range jobs {
		jobs[i] = q.Submit("answer", work)
	}
	for _, j := range jobs[1:] {
		require.Same(t, jobs[0], j)
	}

	close(gate)
	for _, j := range jobs {
		val, wErr := j.Wait(context.Background())
		require.NoError(t, wErr)
		require.Equal(t, 42, val)
	}
	require.Equal(t, int32(1), invocations.Load())
	require.Equal(t, int64(1), q.Stats().Completed)

	// After the job settles, a new submission for the same key creates a fresh job.
	val, err := q.Do(context.Background(), "answer", func(ctx context.Context) (int, error) {
		invocations.Inc()
		return 43, nil
	})
	require.NoError(t, err)
	require.Equal(t, 43, val)
	require.Equal(t, int32(2), invocations.Load())
}

func TestQueueDeduplicationDisabled(t *testing.T) {
	q, err := NewWithOpts[int](4, Opts{DisableDeduplication: true})
	require.NoError(t, err)

	var invocations atomic.Int32
	work := func(ctx context.Context) (int, error) {
		invocations.Inc()
		return 1, nil
	}
	j1 := q.Submit("k", work)
	j2 := q.Submit("k", work)
	require.NotSame(t, j1, j2)

	require.NoError(t, q.Drain(context.Background()))
	require.Equal(t, int32(2), invocations.Load())
}

func TestQueueRetryThenSuccess(t *testing.T) {
	q, err := NewWithOpts[string](2, Opts{RetryPolicy: fastRetries(3)})
	require.NoError(t, err)

	var invocations atomic.Int32
	work := func(ctx context.Context) (string, error) {
		if invocations.Inc() <= 2 {
			return "", errors.New("transient")
		}
		return "recovered", nil
	}

	j := q.Submit("k", work)

	// A caller joining while the job waits for a retry attaches to the same handle.
	j2 := q.Submit("k", func(ctx context.Context) (string, error) {
		t.Fatal("joined submission must not invoke its own work")
		return "", nil
	})
	require.Same(t, j, j2)

	val, err := j.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "recovered", val)
	require.Equal(t, int32(3), invocations.Load())

	stats := q.Stats()
	require.Equal(t, int64(1), stats.Completed)
	require.Equal(t, int64(0), stats.Failed)
}

func TestQueueRetryExhaustion(t *testing.T) {
	q, err := NewWithOpts[string](2, Opts{RetryPolicy: fastRetries(3)})
	require.NoError(t, err)

	errUpstream := errors.New("upstream is down")
	var invocations atomic.Int32
	work := func(ctx context.Context) (string, error) {
		invocations.Inc()
		return "", errUpstream
	}

	j := q.Submit("k", work)
	waitErrs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, wErr := j.Wait(context.Background())
			waitErrs <- wErr
		}()
	}

	// Every attached caller observes the terminal failure verbatim.
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, <-waitErrs, errUpstream)
	}
	require.Equal(t, int32(4), invocations.Load(), "initial attempt plus 3 retries")

	// The failed counter increments once, not once per attached caller.
	stats := q.Stats()
	require.Equal(t, int64(1), stats.Failed)
	require.Equal(t, int64(0), stats.Completed)
	require.Equal(t, int64(1), stats.TotalProcessed)
	require.Equal(t, time.Duration(0), stats.AvgProcessingTime)
}

func TestQueueConcurrencyCap(t *testing.T) {
	const concurrency = 3
	const jobDuration = time.Millisecond * 100

	q, err := NewWithOpts[int](concurrency, Opts{RetryPolicy: noRetries()})
	require.NoError(t, err)

	var running, maxRunning atomic.Int32
	work := func(ctx context.Context) (int, error) {
		cur := running.Inc()
		for {
			max := maxRunning.Load()
			if cur <= max || maxRunning.CompareAndSwap(max, cur) {
				break
			}
		}
		time.Sleep(jobDuration)
		running.Dec()
		return 0, nil
	}

	start := time.Now()
	for i := 0; i < concurrency*2; i++ {
		q.Submit(fmt.Sprintf("key-%d", i), work)
	}
	require.NoError(t, q.Drain(context.Background()))
	elapsed := time.Since(start)

	require.LessOrEqual(t, maxRunning.Load(), int32(concurrency))
	require.GreaterOrEqual(t, elapsed, 2*jobDuration-time.Millisecond*20)
	require.Less(t, elapsed, 4*jobDuration)
}

func TestQueueRetriedJobGoesToFront(t *testing.T) {
	q, err := NewWithOpts[string](1, Opts{RetryPolicy: fastRetries(1)})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	gate := make(chan struct{})
	var failedOnce atomic.Bool
	q.Submit("flaky", func(ctx context.Context) (string, error) {
		<-gate
		if failedOnce.CompareAndSwap(false, true) {
			return "", errors.New("transient")
		}
		record("flaky")
		return "", nil
	})
	// Queue several jobs behind the flaky one while it's executing.
	// Each takes longer than the retry delay, so the requeued job is already
	// at the front when the next slot frees up.
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("steady-%d", i)
		q.Submit(name, func(ctx context.Context) (string, error) {
			time.Sleep(time.Millisecond * 40)
			record(name)
			return "", nil
		})
	}
	close(gate)

	require.NoError(t, q.Drain(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 4)
	// The retried job is re-enqueued at the front: it overtakes steady-1 and steady-2.
	require.Equal(t, "flaky", order[1])
}

func TestQueueClear(t *testing.T) {
	q, err := New[string](1)
	require.NoError(t, err)

	gate := make(chan struct{})
	executing := q.Submit("executing", func(ctx context.Context) (string, error) {
		<-gate
		return "finished", nil
	})
	queued1 := q.Submit("queued-1", func(ctx context.Context) (string, error) { return "", nil })
	queued2 := q.Submit("queued-2", func(ctx context.Context) (string, error) { return "", nil })

	q.Clear()

	// Queued jobs fail immediately with a failure distinguishable from a terminal work failure.
	_, err = queued1.Wait(context.Background())
	require.ErrorIs(t, err, ErrCleared)
	_, err = queued2.Wait(context.Background())
	require.ErrorIs(t, err, ErrCleared)

	// The executing job runs to completion.
	close(gate)
	val, err := executing.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "finished", val)

	stats := q.Stats()
	require.Equal(t, int64(1), stats.Completed)
	require.Equal(t, int64(0), stats.Failed, "cleared jobs are not terminal failures")

	// The dedup index is emptied for cleared jobs: a new submission creates a fresh one.
	val, err = q.Do(context.Background(), "queued-1", func(ctx context.Context) (string, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	require.Equal(t, "fresh", val)
}

func TestQueueClearDuringRetryDelay(t *testing.T) {
	q, err := NewWithOpts[string](1, Opts{RetryPolicy: retry.NewConstantBackoffPolicy(time.Millisecond*200, 3)})
	require.NoError(t, err)

	j := q.Submit("k", func(ctx context.Context) (string, error) {
		return "", errors.New("transient")
	})

	// Wait for the first failure to park the job in its retry delay.
	require.Eventually(t, func() bool {
		return q.Stats().Processing == 0 && q.Stats().Pending == 1
	}, time.Second, time.Millisecond*5)

	q.Clear()

	_, err = j.Wait(context.Background())
	require.ErrorIs(t, err, ErrCleared)

	// The queue is idle: the pending retry must not resurrect the job.
	drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Drain(drainCtx))
	time.Sleep(time.Millisecond * 250)
	require.Equal(t, 0, q.Stats().Pending)
}

func TestQueueDrain(t *testing.T) {
	q, err := New[string](2)
	require.NoError(t, err)

	// Draining an idle queue returns immediately.
	require.NoError(t, q.Drain(context.Background()))

	gate := make(chan struct{})
	q.Submit("k", func(ctx context.Context) (string, error) {
		<-gate
		return "", nil
	})

	drainCtx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()
	require.ErrorIs(t, q.Drain(drainCtx), context.DeadlineExceeded)

	close(gate)
	require.NoError(t, q.Drain(context.Background()))
	stats := q.Stats()
	require.Equal(t, 0, stats.Pending)
	require.Equal(t, 0, stats.Processing)
}

func TestQueueWaitContextDetachesCaller(t *testing.T) {
	q, err := New[string](1)
	require.NoError(t, err)

	gate := make(chan struct{})
	j := q.Submit("k", func(ctx context.Context) (string, error) {
		<-gate
		return "done", nil
	})

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
	defer cancel()
	_, err = j.Wait(waitCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The job itself keeps running and settles normally.
	close(gate)
	val, err := j.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "done", val)
}

func TestQueueResetStats(t *testing.T) {
	q, err := New[int](1)
	require.NoError(t, err)

	_, err = q.Do(context.Background(), "k", func(ctx context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)
	require.Equal(t, int64(1), q.Stats().Completed)

	q.ResetStats()
	stats := q.Stats()
	require.Equal(t, int64(0), stats.Completed)
	require.Equal(t, int64(0), stats.TotalProcessed)
	require.Equal(t, time.Duration(0), stats.AvgProcessingTime)
}
