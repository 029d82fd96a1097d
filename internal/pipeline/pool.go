package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alitto/pond/v2"
	"golang.org/x/sync/semaphore"
)

// PoolOptions sizes a Pool.
type PoolOptions struct {
	Concurrency   int
	QueueSize     int
	InflightBytes int64
}

// Pool runs CPU-bound transcoding off the request goroutines. Submission
// never blocks: when the queue is full the task is rejected. Buffered
// source bytes are admitted against a shared budget.
type Pool struct {
	tasks  pond.ResultPool[*Result]
	bytes  *semaphore.Weighted
	budget int64
	logger *slog.Logger
}

// NewPool starts a Pool.
func NewPool(opts PoolOptions, logger *slog.Logger) *Pool {
	options := []pond.Option{pond.WithNonBlocking(true)}
	if opts.QueueSize > 0 {
		options = append(options, pond.WithQueueSize(opts.QueueSize))
	}
	budget := opts.InflightBytes
	if budget <= 0 {
		budget = 1 << 62
	}
	return &Pool{
		tasks:  pond.NewResultPool[*Result](max(opts.Concurrency, 1), options...),
		bytes:  semaphore.NewWeighted(budget),
		budget: budget,
		logger: logger,
	}
}

// Reserve blocks until n bytes of the in-flight budget are available or
// ctx is done. Requests larger than the whole budget reserve all of it.
// The returned func releases the reservation and must be called once.
func (p *Pool) Reserve(ctx context.Context, n int64) (func(), error) {
	n = min(max(n, 1), p.budget)
	if err := p.bytes.Acquire(ctx, n); err != nil {
		return nil, fmt.Errorf("%w: waiting for buffer budget: %w", ErrDispatch, err)
	}
	return func() { p.bytes.Release(n) }, nil
}

// Submit runs fn on a worker and waits for it. If ctx ends first Submit
// returns ctx.Err(); fn keeps running to completion and its result is
// discarded.
func (p *Pool) Submit(ctx context.Context, fn func() (*Result, error)) (*Result, error) {
	task := p.tasks.SubmitErr(fn)
	select {
	case <-task.Done():
		res, err := task.Wait()
		if errors.Is(err, pond.ErrQueueFull) || errors.Is(err, pond.ErrPoolStopped) || errors.Is(err, pond.ErrPanic) {
			return nil, fmt.Errorf("%w: %w", ErrDispatch, err)
		}
		return res, err
	case <-ctx.Done():
		p.logger.Debug("client gone, transcode left running")
		return nil, ctx.Err()
	}
}

// Stats reports the number of busy workers and queued tasks.
func (p *Pool) Stats() (running int64, waiting uint64) {
	return p.tasks.RunningWorkers(), p.tasks.WaitingTasks()
}

// Stop waits for queued work to finish and shuts the workers down.
func (p *Pool) Stop() {
	p.tasks.StopAndWait()
}
