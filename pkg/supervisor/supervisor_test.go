package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-protocol/executor/pkg/types"
)

func TestRunReturnsNilOnCleanShutdown(t *testing.T) {
	s := New(Config{ShutdownGrace: time.Second})
	s.Register(NewComponent("idle", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
}

func TestRunRestartsOnTransientFailure(t *testing.T) {
	var attempts int32
	s := New(Config{ShutdownGrace: time.Second, RestartMaxElapsed: time.Second})
	s.Register(NewComponent("flaky", func(ctx context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return types.Transient(errors.New("not ready yet"))
		}
		<-ctx.Done()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&attempts) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
}

func TestRunEscalatesOnFatalFailure(t *testing.T) {
	s := New(Config{ShutdownGrace: 100 * time.Millisecond})
	s.Register(NewComponent("broken", func(ctx context.Context) error {
		return types.Fatal(errors.New("cannot recover"))
	}))
	s.Register(NewComponent("healthy", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not escalate")
	}
}

func TestRunEscalatesOnUnclassifiedFailure(t *testing.T) {
	s := New(Config{ShutdownGrace: 100 * time.Millisecond})
	s.Register(NewComponent("broken", func(ctx context.Context) error {
		return errors.New("plain failure")
	}))

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not escalate")
	}
}
