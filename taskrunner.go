package objectstore

import (
	"context"
	log "log/slog"

	"golang.org/x/sync/errgroup"
)

// TaskRunner is a thin wrapper around errgroup.Group that carries a context for convenience.
// Consider using errgroup directly in new code.
type TaskRunner struct {
	eg      *errgroup.Group
	context context.Context
}

// NewTaskRunner creates a new TaskRunner. maxThreadCount > 0 limits the number of concurrent goroutines.
func NewTaskRunner(ctx context.Context, maxThreadCount int) *TaskRunner {
	eg, ctx2 := errgroup.WithContext(ctx)
	if maxThreadCount > 0 {
		eg.SetLimit(maxThreadCount)
	}
	return &TaskRunner{
		eg:      eg,
		context: ctx2,
	}
}

// GetContext returns the TaskRunner's context.
func (tr *TaskRunner) GetContext() context.Context {
	return tr.context
}

// Go runs the provided task function in a new goroutine managed by the underlying errgroup.
func (tr *TaskRunner) Go(task func() error) {
	tr.eg.Go(task)
}

// Wait waits for all launched tasks to complete and returns the first encountered error, if any.
func (tr *TaskRunner) Wait() error {
	return tr.eg.Wait()
}

// JobProcessor launches a worker spinner and returns a channel you can enqueue
// function tasks on, plus the errgroup that tracks their completion. It suits
// a producer that doesn't know the total amount of work up front and wants to
// submit work as it arrives rather than building a slice and calling
// TaskRunner.Go in a loop. Nothing in this module calls it; the apply,
// finisher and ack-journal pools use TaskRunner.
func JobProcessor(ctx context.Context, bufferSize int) (chan func() error, *errgroup.Group) {
	workChannel := make(chan func() error, bufferSize)

	eg, ctx2 := errgroup.WithContext(ctx)

	go (func() {
		for {
			select {
			case <-ctx2.Done():
				log.Debug("job processor context done, stopping")
				return
			case task, ok := <-workChannel:
				if !ok {
					return
				}
				eg.Go(task)
			}
		}
	})()

	return workChannel, eg
}
