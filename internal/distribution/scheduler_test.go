package distribution

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	calls atomic.Int32
	fired chan struct{}
	err   error
}

func (r *countingRunner) RunOnce(context.Context) (RunResult, error) {
	if r.calls.Add(1) == 1 {
		close(r.fired)
	}
	return RunResult{}, r.err
}

func TestNewScheduler_InvalidSchedule(t *testing.T) {
	_, err := NewScheduler(&countingRunner{}, "every now and then", discardLogger())
	require.Error(t, err)
}

func TestScheduler_RunsUntilCancelled(t *testing.T) {
	for _, runErr := range []error{nil, ErrAlreadyRunning, ErrLockHeld, errWriteFailed} {
		r := &countingRunner{fired: make(chan struct{}), err: runErr}
		s, err := NewScheduler(r, "@every 1s", discardLogger())
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- s.Run(ctx) }()

		select {
		case <-r.fired:
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler never fired")
		}
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not stop")
		}
		assert.GreaterOrEqual(t, r.calls.Load(), int32(1))
	}
}

func TestScheduler_TickSkipsWhenCancelled(t *testing.T) {
	r := &countingRunner{fired: make(chan struct{})}
	s, err := NewScheduler(r, "@every 1m", discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.tick(ctx)
	assert.Zero(t, r.calls.Load())
}

func TestScheduler_AddJob(t *testing.T) {
	s, err := NewScheduler(&countingRunner{fired: make(chan struct{})}, "@every 1h", discardLogger())
	require.NoError(t, err)

	require.Error(t, s.AddJob("broken", "not a schedule", func(context.Context) error { return nil }))

	ran := make(chan struct{})
	var once atomic.Bool
	require.NoError(t, s.AddJob("cleanup", "@every 1s", func(context.Context) error {
		if once.CompareAndSwap(false, true) {
			close(ran)
		}
		return errWriteFailed
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("housekeeping job never ran")
	}
	cancel()
	require.NoError(t, <-done)
}
