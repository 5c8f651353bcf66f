package jobs

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"hempdb/imagegen/internal/monitor"
	"hempdb/imagegen/models"
)

// Populator enqueues catalog subjects that still lack an image.
type Populator interface {
	Populate(ctx context.Context, kind models.SubjectKind, limit int, priority string) (*monitor.PopulateResult, error)
}

// SweepJob runs one population sweep.
type SweepJob struct {
	JobID     string
	Kind      models.SubjectKind // empty sweeps every kind
	Limit     int
	Priority  string
	Populator Populator
	Log       logrus.FieldLogger
}

// SweepJobPayload is the loggable form of a SweepJob.
type SweepJobPayload struct {
	JobID    string `json:"job_id"`
	Kind     string `json:"kind,omitempty"`
	Limit    int    `json:"limit"`
	Priority string `json:"priority,omitempty"`
}

func NewSweepJob(jobID string, kind models.SubjectKind, limit int, priority string, p Populator, log logrus.FieldLogger) *SweepJob {
	return &SweepJob{JobID: jobID, Kind: kind, Limit: limit, Priority: priority, Populator: p, Log: log}
}

func (j *SweepJob) ID() string { return j.JobID }

func (j *SweepJob) Type() string { return "POPULATE_SWEEP" }

func (j *SweepJob) Payload() interface{} {
	return SweepJobPayload{JobID: j.JobID, Kind: string(j.Kind), Limit: j.Limit, Priority: j.Priority}
}

func (j *SweepJob) Execute(ctx context.Context) error {
	res, err := j.Populator.Populate(ctx, j.Kind, j.Limit, j.Priority)
	if err != nil {
		return fmt.Errorf("sweep job %s: %w", j.JobID, err)
	}
	j.Log.WithFields(logrus.Fields{"job_id": j.JobID, "enqueued": len(res.Enqueued), "skipped": res.Skipped}).Info("Sweep job completed")
	return nil
}
