package peer

import (
	"context"
	"errors"

	"github.com/eliasson/pieces/internal/xerrors"

	"go.uber.org/zap"
)

// Runner is the subset of Session a Worker drives. Declared as an
// interface so tests can substitute a fake session.
type Runner interface {
	Run(ctx context.Context, addr Addr) error
}

// Worker repeatedly takes an address from the shared queue and drives a
// session against it, looping back to Acquiring on any failure. Every
// worker in the pool is identical and independent; they share only the
// queue and (via Session) the piece manager.
type Worker struct {
	id     int
	newRun func() Runner
	queue  <-chan Addr
	logger *zap.SugaredLogger
}

// NewWorker creates a Worker. newRun is called once per connection
// attempt so a fresh Session (and therefore a fresh per-connection
// buffer) backs every peer.
func NewWorker(id int, queue <-chan Addr, newRun func() Runner, logger *zap.SugaredLogger) *Worker {
	return &Worker{id: id, newRun: newRun, queue: queue, logger: logger}
}

// Run loops: Acquiring an address, then Handshaking/pumping via Session,
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case addr, ok := <-w.queue:
			if !ok {
				return
			}
			w.attempt(ctx, addr)
		}
	}
}

func (w *Worker) attempt(ctx context.Context, addr Addr) {
	session := w.newRun()
	err := session.Run(ctx, addr)
	if err == nil || errors.Is(err, xerrors.ErrCancelled) {
		return
	}
	if w.logger != nil {
		w.logger.Debugw("peer session ended", "worker", w.id, "addr", addr.String(), "error", err)
	}
}
