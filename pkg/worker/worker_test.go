package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerManager_ProcessesJobs(t *testing.T) {
	w := NewWorkerManager(10, 3)
	var seen atomic.Int32
	done := make(chan struct{}, 5)
	w.SetWorker(func(_ int, job interface{}) {
		seen.Add(int32(job.(int)))
		done <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	for i := 1; i <= 5; i++ {
		require.NoError(t, w.Enqueue(ctx, i))
	}
	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("job not processed")
		}
	}
	assert.Equal(t, int32(15), seen.Load())
}

func TestWorkerManager_ExitStopsStart(t *testing.T) {
	w := NewWorkerManager(1, 2)
	w.SetWorker(func(int, interface{}) {})

	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(context.Background()) }()

	w.Exit()
	w.Exit()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Exit")
	}

	err := w.Enqueue(context.Background(), 1)
	if err != nil {
		assert.ErrorIs(t, err, ErrStopped)
	}
}

func TestWorkerManager_ContextCancel(t *testing.T) {
	w := NewWorkerManager(1, 1)
	w.SetWorker(func(int, interface{}) {})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(ctx) }()
	cancel()

	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestWorkerManager_RequiresHandler(t *testing.T) {
	w := NewWorkerManager(1, 1)
	assert.Error(t, w.Start(context.Background()))
}
