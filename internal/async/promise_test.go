package async

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katra-memory/katra/internal/kerr"
)

func TestPromiseIDFormat(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1}, Deps{})
	a, err := p.Submit("a", func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)
	b, err := p.Submit("b", func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	re := regexp.MustCompile(`^promise_\d+_\d+$`)
	assert.Regexp(t, re, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, OpCustom, a.Op())
	assert.Equal(t, PriorityNormal, a.Priority())
}

func TestAwaitTimeoutDoesNotCancel(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1}, Deps{})
	pr, err := p.Submit("sleepy", func(context.Context) (any, error) {
		time.Sleep(50 * time.Millisecond)
		return "awake", nil
	})
	require.NoError(t, err)

	err = pr.Await(time.Millisecond)
	assert.True(t, errors.Is(err, kerr.ErrTimeout), "got %v, want ErrTimeout", err)

	require.NoError(t, pr.Await(0))
	assert.Equal(t, StateFulfilled, pr.State())
	v, err := pr.TakeCustom()
	require.NoError(t, err)
	assert.Equal(t, "awake", v)
}

func TestAwaitIsRepeatable(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1}, Deps{})
	pr, err := p.Submit("fails", func(context.Context) (any, error) { return nil, errors.New("bad input") })
	require.NoError(t, err)

	first := pr.Await(2 * time.Second)
	require.Error(t, first)
	for i := 0; i < 3; i++ {
		again := pr.Await(time.Millisecond)
		assert.Equal(t, first.Error(), again.Error())
		assert.Equal(t, StateRejected, pr.State())
	}
	assert.Equal(t, "Operation failed: fails: bad input", first.Error())
	assert.Equal(t, first, pr.Err())
}

func TestAwaitContext(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1}, Deps{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	pr, err := p.Submit("blocked", func(context.Context) (any, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = pr.AwaitContext(ctx)
	assert.True(t, errors.Is(err, kerr.ErrTimeout))
	assert.Nil(t, pr.Err())
}

func TestCancelPending(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1}, Deps{})
	started := make(chan struct{}, 1)
	release := make(chan struct{})

	_, err := p.Submit("gate", blocker(started, release))
	require.NoError(t, err)
	waitStarted(t, started)

	ran := false
	pr, err := p.Submit("never", func(context.Context) (any, error) {
		ran = true
		return nil, nil
	})
	require.NoError(t, err)
	require.Equal(t, StatePending, pr.State())

	require.NoError(t, pr.Cancel())
	assert.Equal(t, StateCancelled, pr.State())
	assert.True(t, errors.Is(pr.Await(0), kerr.ErrCancelled))

	err = pr.Cancel()
	assert.True(t, errors.Is(err, kerr.ErrInvalidState))
	assert.Equal(t, StateCancelled, pr.State())

	close(release)
	require.NoError(t, p.Drain(2*time.Second))
	assert.False(t, ran)
	assert.Equal(t, uint64(1), p.Stats().Cancelled)
}

func TestCancelTerminalIsInvalid(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1}, Deps{})
	pr, err := p.Submit("quick", func(context.Context) (any, error) { return 7, nil })
	require.NoError(t, err)
	require.NoError(t, pr.Await(2*time.Second))

	err = pr.Cancel()
	assert.True(t, errors.Is(err, kerr.ErrInvalidState))
	assert.Equal(t, StateFulfilled, pr.State())
}

func TestCancelRunningCooperative(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1}, Deps{})
	started := make(chan struct{})
	pr, err := p.Submit("watcher", func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	<-started
	require.Equal(t, StateRunning, pr.State())

	require.NoError(t, pr.Cancel())
	err = pr.Await(2 * time.Second)
	assert.True(t, errors.Is(err, kerr.ErrCancelled), "got %v, want ErrCancelled", err)
	assert.Equal(t, StateCancelled, pr.State())
}

func TestCancelRunningOverridesResult(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1}, Deps{})
	started := make(chan struct{})
	release := make(chan struct{})
	pr, err := p.Submit("stubborn", func(context.Context) (any, error) {
		close(started)
		<-release
		return "finished anyway", nil
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, pr.Cancel())
	assert.Equal(t, StateRunning, pr.State())
	close(release)

	assert.True(t, errors.Is(pr.Await(2*time.Second), kerr.ErrCancelled))
	_, err = pr.TakeCustom()
	assert.True(t, errors.Is(err, kerr.ErrInvalidState))
}

func TestTakeTransfersOwnership(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1}, Deps{})
	pr, err := p.Submit("value", func(context.Context) (any, error) { return []int{1, 2}, nil })
	require.NoError(t, err)
	require.NoError(t, pr.Await(2*time.Second))

	v, err := pr.TakeCustom()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, v)

	v, err = pr.TakeCustom()
	assert.Nil(t, v)
	assert.True(t, errors.Is(err, kerr.ErrInvalidState))
}

func TestTakeWrongOperation(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1}, Deps{})
	pr, err := p.Submit("value", func(context.Context) (any, error) { return 1, nil })
	require.NoError(t, err)
	require.NoError(t, pr.Await(2*time.Second))

	_, err = pr.TakeRecall()
	assert.True(t, errors.Is(err, kerr.ErrInvalidState))
	_, err = pr.TakeSynthesis()
	assert.True(t, errors.Is(err, kerr.ErrInvalidState))

	// The mismatched calls must not consume the result.
	v, err := pr.TakeCustom()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestTakeBeforeCompletion(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1}, Deps{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	pr, err := p.Submit("slow", func(context.Context) (any, error) {
		<-release
		return 1, nil
	})
	require.NoError(t, err)

	_, err = pr.TakeCustom()
	assert.True(t, errors.Is(err, kerr.ErrInvalidState))
}

func TestReleaseCancelsInFlight(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1}, Deps{})
	started := make(chan struct{})
	pr, err := p.Submit("watcher", func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, nil
	})
	require.NoError(t, err)
	<-started

	pr.Release()
	assert.Equal(t, StateCancelled, pr.State())
	_, err = pr.TakeCustom()
	assert.True(t, errors.Is(err, kerr.ErrInvalidState))
}

func TestCallbackAndProgress(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1}, Deps{})

	var mu sync.Mutex
	var progress []int
	done := make(chan State, 1)
	pr, err := p.Submit("tracked", func(context.Context) (any, error) { return "x", nil },
		WithProgress(func(_ *Promise, pct int) {
			mu.Lock()
			progress = append(progress, pct)
			mu.Unlock()
		}),
		WithCallback(func(cb *Promise) { done <- cb.State() }),
	)
	require.NoError(t, err)

	select {
	case st := <-done:
		assert.Equal(t, StateFulfilled, st)
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}
	mu.Lock()
	assert.Equal(t, []int{0, 100}, progress)
	mu.Unlock()

	created, started, completed := pr.Times()
	assert.False(t, created.IsZero())
	assert.False(t, started.Before(created))
	assert.False(t, completed.Before(started))
}

func TestFactoryValidation(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1}, Deps{})

	_, err := p.RecallAsync("", "topic", 5)
	assert.True(t, errors.Is(err, kerr.ErrInputNull))
	_, err = p.RecallSynthesizedAsync("ci1", "", nil)
	assert.True(t, errors.Is(err, kerr.ErrInputNull))
	_, err = p.RecallSynthesizedAsync("", "q", nil)
	assert.True(t, errors.Is(err, kerr.ErrInputNull))
	_, err = p.Submit("nil", nil)
	assert.True(t, errors.Is(err, kerr.ErrInputNull))
}
