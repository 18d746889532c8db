package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eliasson/pieces/internal/metainfo"
	"github.com/eliasson/pieces/internal/peer"
	"github.com/eliasson/pieces/internal/tracker"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
)

type fakeTracker struct {
	result *tracker.Result
	err    error
	calls  int32
	closed int32
}

func (f *fakeTracker) Announce(ctx context.Context, req tracker.Announce) (*tracker.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeTracker) Close() error {
	atomic.AddInt32(&f.closed, 1)
	return nil
}

type fakePieceManager struct {
	complete int32
	closed   int32
}

type blockingRunner struct{}

func (r *blockingRunner) Run(ctx context.Context, addr peer.Addr) error {
	<-ctx.Done()
	return ctx.Err()
}

type recordingRunner struct {
	got chan<- peer.Addr
}

func (r *recordingRunner) Run(ctx context.Context, addr peer.Addr) error {
	r.got <- addr
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakePieceManager) Complete() bool { return atomic.LoadInt32(&f.complete) != 0 }
func (f *fakePieceManager) Close() error {
	atomic.AddInt32(&f.closed, 1)
	return nil
}
func (f *fakePieceManager) Counts() (missing, ongoing, have int) { return 0, 0, 0 }

func TestOrchestratorStopsWhenPiecesComplete(t *testing.T) {
	torrent := &metainfo.Torrent{Announce: "http://x", TotalSize: 100, PieceLength: 100, Pieces: make([]metainfo.PieceHash, 1)}
	tr := &fakeTracker{result: &tracker.Result{Interval: time.Minute}}
	pm := &fakePieceManager{complete: 1}

	o := New(Config{}, torrent, tr, pm, [20]byte{1}, clock.NewMock(), nil, tally.NoopScope)

	done := make(chan error, 1)
	go func() {
		done <- o.Run(context.Background(), func() peer.Runner { return &blockingRunner{} })
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not return when pieces already complete")
	}

	assert.EqualValues(t, 1, pm.closed)
	assert.EqualValues(t, 1, tr.closed)
}

func TestOrchestratorAnnouncesOnFirstLoopAndRefillsQueue(t *testing.T) {
	torrent := &metainfo.Torrent{Announce: "http://x", TotalSize: 100, PieceLength: 100, Pieces: make([]metainfo.PieceHash, 1)}
	tr := &fakeTracker{result: &tracker.Result{
		Interval: time.Hour,
		Peers:    []peer.Addr{{IP: "1.2.3.4", Port: 6881}},
	}}
	pm := &fakePieceManager{}

	mockClock := clock.NewMock()
	o := New(Config{}, torrent, tr, pm, [20]byte{1}, mockClock, nil, tally.NoopScope)

	// The worker pool drains the queue, so the refilled address is observed
	// as the one a worker hands to its runner.
	dialed := make(chan peer.Addr, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- o.Run(ctx, func() peer.Runner { return &recordingRunner{got: dialed} })
	}()

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&tr.calls) < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&tr.calls))

	select {
	case addr := <-dialed:
		assert.Equal(t, "1.2.3.4:6881", addr.String())
	case <-time.After(time.Second):
		t.Fatal("queue was not refilled from announce result")
	}

	cancel()
	<-done
}
