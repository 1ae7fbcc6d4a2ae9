// Package worker provides the Pool: a set of goroutines that claim due runs
// from the store, execute them through the scheduler, and keep their
// leases alive while they execute.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/run"
)

// Executor runs one claimed run. scheduler.Scheduler implements it.
type Executor interface {
	Execute(ctx context.Context, r *run.Run) error
}

// Pool manages a set of concurrent worker goroutines that claim due runs
// and execute them. A waiting run occupies no goroutine; it is claimed
// again once it becomes due.
type Pool struct {
	store        run.Store
	executor     Executor
	concurrency  int
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	// Lease configuration.
	leaseDuration     time.Duration
	heartbeatInterval time.Duration

	notifyCh   chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeRuns map[string]activeRun
	activeMu   sync.Mutex
}

type activeRun struct {
	id     id.RunID
	cancel context.CancelCauseFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how often idle workers look for due runs.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithLease sets the lease taken on claimed runs and how often it is
// renewed while the run executes. A zero heartbeat disables renewal.
func WithLease(lease, heartbeat time.Duration) PoolOption {
	return func(p *Pool) {
		p.leaseDuration = lease
		p.heartbeatInterval = heartbeat
	}
}

// NewPool creates a worker pool.
func NewPool(store run.Store, executor Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		store:             store,
		executor:          executor,
		concurrency:       10,
		pollInterval:      time.Second,
		leaseDuration:     30 * time.Second,
		heartbeatInterval: 10 * time.Second,
		workerID:          id.NewWorkerID(),
		logger:            logger,
		notifyCh:          make(chan struct{}, 1),
		stopCh:            make(chan struct{}),
		activeRuns:        make(map[string]activeRun),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Notify wakes an idle worker so a run that just became due is claimed
// without waiting for the poll interval.
func (p *Pool) Notify() {
	select {
	case p.notifyCh <- struct{}{}:
	default:
	}
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Duration("lease", p.leaseDuration),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.claimLoop()
	}

	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for in-flight executions to
// finish. If ctx expires first, active executions are cancelled and their
// runs released back to pending.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active runs")
		p.cancelActiveRuns(nil)
		p.wg.Wait()
	}

	return nil
}

// claimLoop is run by each worker goroutine.
func (p *Pool) claimLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		runs, err := p.store.ClaimRuns(context.Background(), p.workerID, 1, p.leaseDuration)
		if err != nil {
			p.logger.Error("claim error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}

		if len(runs) == 0 {
			p.sleep()
			continue
		}

		p.execute(runs[0])
	}
}

func (p *Pool) execute(r *run.Run) {
	ctx, cancel := context.WithCancelCause(context.Background())
	p.trackRun(r.ID, cancel)
	defer func() {
		p.untrackRun(r.ID)
		cancel(nil)
	}()

	if err := p.executor.Execute(ctx, r); err != nil {
		p.logger.Debug("run execution ended with error",
			slog.String("run_id", r.ID.String()),
			slog.String("job_id", r.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// heartbeatLoop periodically renews the lease of every active run.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	active := make([]activeRun, 0, len(p.activeRuns))
	for _, a := range p.activeRuns {
		active = append(active, a)
	}
	p.activeMu.Unlock()

	for _, a := range active {
		err := p.store.ExtendLease(context.Background(), a.id, p.workerID, p.leaseDuration)
		switch {
		case err == nil:
		case errors.Is(err, durable.ErrLeaseLost):
			p.logger.Warn("run lease lost, abandoning execution", slog.String("run_id", a.id.String()))
			a.cancel(durable.ErrLeaseLost)
		default:
			p.logger.Warn("heartbeat failed",
				slog.String("run_id", a.id.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.notifyCh:
	case <-p.stopCh:
	}
}

func (p *Pool) trackRun(runID id.RunID, cancel context.CancelCauseFunc) {
	p.activeMu.Lock()
	p.activeRuns[runID.String()] = activeRun{id: runID, cancel: cancel}
	p.activeMu.Unlock()
}

func (p *Pool) untrackRun(runID id.RunID) {
	p.activeMu.Lock()
	delete(p.activeRuns, runID.String())
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveRuns(cause error) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for runID, a := range p.activeRuns {
		p.logger.Warn("cancelling active run", slog.String("run_id", runID))
		a.cancel(cause)
	}
}
