package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"

	"hempdb/imagegen/internal/dispatcher"
	"hempdb/imagegen/internal/monitor"
	"hempdb/imagegen/models"
)

type fakeRunner struct {
	batchSize int
	provider  string
	res       *dispatcher.Result
	err       error
}

func (f *fakeRunner) Run(ctx context.Context, batchSize int, providerOverride string) (*dispatcher.Result, error) {
	f.batchSize, f.provider = batchSize, providerOverride
	return f.res, f.err
}

type fakePopulator struct {
	kind  models.SubjectKind
	limit int
}

func (f *fakePopulator) Populate(ctx context.Context, kind models.SubjectKind, limit int, priority string) (*monitor.PopulateResult, error) {
	f.kind, f.limit = kind, limit
	return &monitor.PopulateResult{Skipped: 2}, nil
}

func TestBatchJobReportsResult(t *testing.T) {
	runner := &fakeRunner{res: &dispatcher.Result{Processed: 3, Success: 2, Failed: 1, Warnings: []string{"provider \"x\" unavailable"}}}
	job := NewBatchJob("batch-1", 5, "ark", runner, logrus.New())
	var got *dispatcher.Result
	job.OnResult = func(r *dispatcher.Result) { got = r }

	if err := job.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if runner.batchSize != 5 || runner.provider != "ark" {
		t.Fatalf("runner got %d/%q", runner.batchSize, runner.provider)
	}
	if got == nil || got.Success != 2 {
		t.Fatalf("OnResult not called with result: %+v", got)
	}
	if p := job.Payload().(BatchJobPayload); p.BatchSize != 5 || p.JobID != "batch-1" {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestBatchJobWrapsSystemicError(t *testing.T) {
	cause := errors.New("store unreachable")
	job := NewBatchJob("batch-2", 5, "", &fakeRunner{res: &dispatcher.Result{}, err: cause}, logrus.New())
	if err := job.Execute(context.Background()); !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
}

func TestSweepJob(t *testing.T) {
	pop := &fakePopulator{}
	job := NewSweepJob("sweep-1", models.SubjectPlantPart, 20, "low", pop, logrus.New())
	if err := job.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if pop.kind != models.SubjectPlantPart || pop.limit != 20 {
		t.Fatalf("populator got %s/%d", pop.kind, pop.limit)
	}
	if job.Type() != "POPULATE_SWEEP" {
		t.Fatalf("type = %s", job.Type())
	}
}
