package jobs

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"hempdb/imagegen/internal/dispatcher"
)

// Runner is the batch dispatcher as seen by jobs.
type Runner interface {
	Run(ctx context.Context, batchSize int, providerOverride string) (*dispatcher.Result, error)
}

// BatchJob runs one dispatcher batch.
type BatchJob struct {
	JobID     string
	BatchSize int
	Provider  string // optional override for every item in the batch
	Runner    Runner
	Log       logrus.FieldLogger
	// OnResult, when set, receives the batch outcome.
	OnResult func(*dispatcher.Result)
}

// BatchJobPayload is the loggable form of a BatchJob.
type BatchJobPayload struct {
	JobID     string `json:"job_id"`
	BatchSize int    `json:"batch_size"`
	Provider  string `json:"provider,omitempty"`
}

func NewBatchJob(jobID string, batchSize int, provider string, runner Runner, log logrus.FieldLogger) *BatchJob {
	return &BatchJob{JobID: jobID, BatchSize: batchSize, Provider: provider, Runner: runner, Log: log}
}

// ID returns the unique identifier of the job.
func (j *BatchJob) ID() string {
	return j.JobID
}

// Type returns the type of the job.
func (j *BatchJob) Type() string {
	return "DISPATCH_BATCH"
}

// Payload returns the job parameters for logging.
func (j *BatchJob) Payload() interface{} {
	return BatchJobPayload{JobID: j.JobID, BatchSize: j.BatchSize, Provider: j.Provider}
}

// Execute runs the batch. Item failures are part of the result; only
// systemic failures become the job's error.
func (j *BatchJob) Execute(ctx context.Context) error {
	res, err := j.Runner.Run(ctx, j.BatchSize, j.Provider)
	if res != nil && j.OnResult != nil {
		j.OnResult(res)
	}
	if err != nil {
		return fmt.Errorf("batch job %s: %w", j.JobID, err)
	}
	entry := j.Log.WithFields(logrus.Fields{
		"job_id":    j.JobID,
		"processed": res.Processed,
		"success":   res.Success,
		"failed":    res.Failed,
	})
	for _, w := range res.Warnings {
		entry.Warn(w)
	}
	entry.Info("Batch job completed")
	return nil
}
