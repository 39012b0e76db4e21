package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/autopay/clock"
)

func TestLoopRunsImmediatelyAndOnTicks(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var runs atomic.Int32
	cycles := make(chan error, 10)

	loop := &Loop{
		Name:     "test",
		Interval: time.Minute,
		Clock:    clk,
		Task: func(context.Context) error {
			runs.Add(1)
			return nil
		},
		OnCycle: func(err error) { cycles <- err },
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	waitCycle(t, cycles)
	assert.Equal(t, int32(1), runs.Load())

	clk.Advance(time.Minute)
	waitCycle(t, cycles)
	assert.Equal(t, int32(2), runs.Load())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
}

func TestLoopSurvivesErrorsAndPanics(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	var calls atomic.Int32
	cycles := make(chan error, 10)

	loop := &Loop{
		Name:     "flaky",
		Interval: time.Second,
		Clock:    clk,
		Task: func(context.Context) error {
			switch calls.Add(1) {
			case 1:
				return errors.New("boom")
			case 2:
				panic("worse")
			}
			return nil
		},
		OnCycle: func(err error) { cycles <- err },
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	assert.EqualError(t, waitCycle(t, cycles), "boom")
	clk.Advance(time.Second)
	err := waitCycle(t, cycles)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in flaky cycle")
	clk.Advance(time.Second)
	assert.NoError(t, waitCycle(t, cycles))
}

func TestLoopValidates(t *testing.T) {
	assert.Error(t, (&Loop{Name: "x", Interval: time.Second}).Run(context.Background()))
	assert.Error(t, (&Loop{Name: "x", Task: func(context.Context) error { return nil }}).Run(context.Background()))
}

func waitCycle(t *testing.T, cycles <-chan error) error {
	t.Helper()
	select {
	case err := <-cycles:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cycle")
		return nil
	}
}

func TestLoopGraceLetsCycleFinish(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var cancelled atomic.Bool

	loop := &Loop{
		Name:     "grace",
		Interval: time.Minute,
		Grace:    time.Minute,
		Clock:    clock.NewManual(time.Unix(0, 0)),
		Task: func(ctx context.Context) error {
			close(started)
			<-release
			cancelled.Store(ctx.Err() != nil)
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	<-started
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
	assert.False(t, cancelled.Load())
}

func TestLoopGraceExpires(t *testing.T) {
	started := make(chan struct{})
	loop := &Loop{
		Name:     "stuck",
		Interval: time.Minute,
		Grace:    10 * time.Millisecond,
		Clock:    clock.NewManual(time.Unix(0, 0)),
		Task: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	<-started
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("grace did not cancel the cycle")
	}
}
