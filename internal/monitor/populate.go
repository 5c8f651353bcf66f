package monitor

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"hempdb/imagegen/internal/prompt"
	"hempdb/imagegen/internal/queue"
	"hempdb/imagegen/models"
)

// PopulateResult reports one population sweep.
type PopulateResult struct {
	Enqueued []models.WorkItem `json:"enqueued"`
	Skipped  int               `json:"skipped"` // subjects that already have open work
}

// Populate queues up to limit catalog subjects that have no image and no
// open work item. An empty kind sweeps every kind.
func (s *Service) Populate(ctx context.Context, kind models.SubjectKind, limit int, priority string) (*PopulateResult, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}
	p, err := models.ParsePriority(priority)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	kinds := models.SubjectKinds
	if kind != "" {
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: unknown subject kind %q", ErrInvalidInput, kind)
		}
		kinds = []models.SubjectKind{kind}
	}

	res := &PopulateResult{Enqueued: []models.WorkItem{}}
	for _, k := range kinds {
		remaining := limit - len(res.Enqueued)
		if remaining <= 0 {
			break
		}
		// Open items hold back some candidates, so read past the limit.
		subs, err := s.store.ListSubjectsWithoutImage(ctx, k, remaining+res.Skipped+limit)
		if err != nil {
			return res, fmt.Errorf("subjects without image: %w", err)
		}
		for i := range subs {
			if len(res.Enqueued) == limit {
				break
			}
			sub := &subs[i]
			open, err := s.queue.ForSubject(ctx, sub.Key(), openStatuses...)
			if err != nil {
				return res, fmt.Errorf("open work for %s: %w", sub.Key(), err)
			}
			if len(open) > 0 {
				res.Skipped++
				continue
			}
			rendered, err := prompt.Render(sub)
			if err != nil {
				return res, err
			}
			meta := map[string]interface{}{
				models.MetaSource:      SourcePopulate,
				models.MetaSubjectName: sub.Name,
			}
			if c := sub.CategoryOrEmpty(); c != "" {
				meta[models.MetaSubjectCategory] = c
			}
			item, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
				Subject:        sub.Key(),
				Prompt:         rendered.Prompt,
				NegativePrompt: rendered.NegativePrompt,
				Priority:       p,
				Metadata:       meta,
			})
			if err != nil {
				return res, err
			}
			res.Enqueued = append(res.Enqueued, *item)
		}
	}

	s.log.WithFields(logrus.Fields{"kind": kind, "enqueued": len(res.Enqueued), "skipped": res.Skipped}).Info("Population sweep finished")
	return res, nil
}
