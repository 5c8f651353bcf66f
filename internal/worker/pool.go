package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned by Submit when the job queue has no room.
var ErrQueueFull = errors.New("job queue full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("worker pool stopped")

// Job represents a unit of work to be executed.
type Job interface {
	Execute(ctx context.Context) error // The method that performs the actual work
	ID() string                        // A unique identifier for the job
}

// Worker runs in its own goroutine and receives jobs on its own channel.
type Worker struct {
	ID         int
	WorkerPool chan chan Job // A pool of channels, used to register this worker's job channel
	JobChannel chan Job      // A channel specific to this worker, to receive jobs
	quit       <-chan struct{}
	wg         *sync.WaitGroup
	log        logrus.FieldLogger
}

// NewWorker creates a new Worker.
func NewWorker(id int, workerPool chan chan Job, quit <-chan struct{}, wg *sync.WaitGroup, log logrus.FieldLogger) Worker {
	return Worker{
		ID:         id,
		WorkerPool: workerPool,
		JobChannel: make(chan Job),
		quit:       quit,
		wg:         wg,
		log:        log.WithField("worker", id),
	}
}

// Start makes the Worker listen for jobs on its JobChannel until quit is
// closed. Jobs get ctx.
func (w Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			// Register the current worker's JobChannel to the worker pool.
			select {
			case w.WorkerPool <- w.JobChannel:
			case <-w.quit:
				w.log.Debug("Worker stopping")
				return
			}

			select {
			case job := <-w.JobChannel:
				entry := w.log.WithField("job_id", job.ID())
				entry.Info("Started job")
				if err := job.Execute(ctx); err != nil {
					entry.WithError(err).Error("Job failed")
				} else {
					entry.Info("Finished job")
				}
			case <-w.quit:
				w.log.Debug("Worker stopping")
				return
			}
		}
	}()
}

// Pool manages a set of workers and hands queued jobs to idle ones.
type Pool struct {
	MaxWorkers int
	WorkerPool chan chan Job // A pool of worker job channels
	JobQueue   chan Job      // A buffered channel for incoming jobs
	Workers    []Worker

	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once
	log      logrus.FieldLogger
}

// NewPool creates a pool; call Run to start it.
func NewPool(maxWorkers, jobQueueSize int, log logrus.FieldLogger) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Pool{
		MaxWorkers: maxWorkers,
		WorkerPool: make(chan chan Job, maxWorkers),
		JobQueue:   make(chan Job, jobQueueSize),
		Workers:    make([]Worker, 0, maxWorkers),
		quit:       make(chan struct{}),
		log:        log,
	}
}

// Run starts the workers and the dispatch loop.
func (p *Pool) Run(ctx context.Context) {
	p.log.WithField("workers", p.MaxWorkers).Info("Worker pool starting")
	for i := 1; i <= p.MaxWorkers; i++ {
		w := NewWorker(i, p.WorkerPool, p.quit, &p.wg, p.log)
		p.Workers = append(p.Workers, w)
		w.Start(ctx)
	}
	p.wg.Add(1)
	go p.dispatch()
}

// dispatch hands each queued job to the next idle worker, so jobs start in
// submission order.
func (p *Pool) dispatch() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.JobQueue:
			select {
			case jobChannel := <-p.WorkerPool:
				select {
				case jobChannel <- job:
				case <-p.quit:
					return
				}
			case <-p.quit:
				p.log.WithField("job_id", job.ID()).Warn("Dropping job on shutdown")
				return
			}
		case <-p.quit:
			return
		}
	}
}

// Submit queues a job without blocking.
func (p *Pool) Submit(job Job) error {
	select {
	case <-p.quit:
		return ErrStopped
	default:
	}
	select {
	case p.JobQueue <- job:
		p.log.WithField("job_id", job.ID()).Debug("Job submitted")
		return nil
	default:
		p.log.WithField("job_id", job.ID()).Warn("Job queue full, job not submitted")
		return ErrQueueFull
	}
}

// Stop waits for running jobs to finish and stops every worker. Jobs still
// queued are dropped.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.log.Info("Worker pool shutting down")
		close(p.quit)
		p.wg.Wait()
		p.log.Info("Worker pool stopped")
	})
}
