package sequencer

import (
	"context"

	objectstore "github.com/localfs/objectstore"
)

// finisherPool routes callback work to one of n single-threaded workers,
// keyed by sequencer id, so callback order is preserved per sequencer while
// spreading load across the configured worker count (spec §5: "multiple
// finisher pools ... each single-threaded internally to preserve callback
// order per pool"). The n worker loops are launched as a bounded
// objectstore.TaskRunner rather than n bare goroutines, so Close can wait on
// the whole pool through the runner's errgroup instead of a separate
// WaitGroup.
type finisherPool struct {
	workers []chan func()
	runner  *objectstore.TaskRunner
}

func newFinisherPool(n int) *finisherPool {
	if n < 1 {
		n = 1
	}
	p := &finisherPool{
		workers: make([]chan func(), n),
		runner:  objectstore.NewTaskRunner(context.Background(), n),
	}
	for i := range p.workers {
		ch := make(chan func(), 256)
		p.workers[i] = ch
		p.runner.Go(func() error {
			for fn := range ch {
				fn()
			}
			return nil
		})
	}
	return p
}

// dispatch enqueues fn onto the worker owning sequencerID. Every callback
// for a given sequencer always lands on the same worker, so per-sequencer
// FIFO order is preserved end to end.
func (p *finisherPool) dispatch(sequencerID uint64, fn func()) {
	p.workers[sequencerID%uint64(len(p.workers))] <- fn
}

// Close drains and stops every worker. Callers must ensure no further
// dispatch calls race with Close.
func (p *finisherPool) Close() {
	for _, ch := range p.workers {
		close(ch)
	}
	p.runner.Wait()
}
