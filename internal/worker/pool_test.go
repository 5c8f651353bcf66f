package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type funcJob struct {
	id string
	fn func(ctx context.Context) error
}

func (j *funcJob) ID() string                        { return j.id }
func (j *funcJob) Execute(ctx context.Context) error { return j.fn(ctx) }

func TestPoolRunsSubmittedJobs(t *testing.T) {
	p := NewPool(3, 10, logrus.New())
	p.Run(context.Background())
	defer p.Stop()

	var ran int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		job := &funcJob{id: "job", fn: func(ctx context.Context) error {
			defer wg.Done()
			atomic.AddInt32(&ran, 1)
			if atomic.LoadInt32(&ran)%2 == 0 {
				return errors.New("boom")
			}
			return nil
		}}
		if err := p.Submit(job); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("jobs did not finish")
	}
	if got := atomic.LoadInt32(&ran); got != 6 {
		t.Fatalf("ran %d jobs, want 6", got)
	}
}

func TestPoolSubmitFullQueue(t *testing.T) {
	// Not started: nothing drains the queue.
	p := NewPool(1, 1, logrus.New())
	noop := &funcJob{id: "noop", fn: func(context.Context) error { return nil }}
	if err := p.Submit(noop); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := p.Submit(noop); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestPoolStopWaitsForRunningJob(t *testing.T) {
	p := NewPool(1, 1, logrus.New())
	p.Run(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	var finished int32
	job := &funcJob{id: "slow", fn: func(context.Context) error {
		close(started)
		<-release
		atomic.StoreInt32(&finished, 1)
		return nil
	}}
	if err := p.Submit(job); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	stopped := make(chan struct{})
	go func() { p.Stop(); close(stopped) }()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-stopped
	if atomic.LoadInt32(&finished) != 1 {
		t.Fatal("job did not finish")
	}

	if err := p.Submit(job); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop, got %v", err)
	}
	p.Stop()
}

func TestPoolPassesContextToJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(1, 1, logrus.New())
	p.Run(ctx)
	defer p.Stop()

	got := make(chan error, 1)
	job := &funcJob{id: "ctx", fn: func(ctx context.Context) error {
		<-ctx.Done()
		got <- ctx.Err()
		return ctx.Err()
	}}
	if err := p.Submit(job); err != nil {
		t.Fatalf("submit: %v", err)
	}
	cancel()
	select {
	case err := <-got:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected ctx error %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job never saw cancellation")
	}
}
