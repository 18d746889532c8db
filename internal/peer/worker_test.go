package peer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeRunner struct {
	fn func(ctx context.Context, addr Addr) error
}

func (r *fakeRunner) Run(ctx context.Context, addr Addr) error {
	return r.fn(ctx, addr)
}

func TestWorkerDrainsQueueUntilCancelled(t *testing.T) {
	queue := make(chan Addr, 4)
	queue <- Addr{IP: "10.0.0.1", Port: 1}
	queue <- Addr{IP: "10.0.0.2", Port: 2}

	var attempts int32
	newRun := func() Runner {
		return &fakeRunner{fn: func(ctx context.Context, addr Addr) error {
			atomic.AddInt32(&attempts, 1)
			return nil
		}}
	}

	w := NewWorker(1, queue, newRun, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require := assert.New(t)
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&attempts) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(int32(2), atomic.LoadInt32(&attempts))

	cancel()
	<-done
}

func TestWorkerStopsWhenQueueClosed(t *testing.T) {
	queue := make(chan Addr)
	close(queue)

	w := NewWorker(1, queue, func() Runner {
		return &fakeRunner{fn: func(ctx context.Context, addr Addr) error { return nil }}
	}, nil)

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not return after queue closed")
	}
}
