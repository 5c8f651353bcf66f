// Package dispatcher drives bounded batches of queued work through the
// provider adapters. Items run sequentially in queue order; one item's
// failure never stops the batch.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"hempdb/imagegen/internal/events"
	"hempdb/imagegen/internal/provider"
	"hempdb/imagegen/internal/queue"
	"hempdb/imagegen/internal/store"
	"hempdb/imagegen/models"
)

// Store is the part of the persistence layer the dispatcher writes to
// besides the queue.
type Store interface {
	store.Generations
	store.Ledger
	store.Subjects
}

// Selector resolves the provider for an item.
type Selector interface {
	Select(requested string) (provider.Provider, *provider.ConfigurationError)
}

// ItemError is one failed item of a batch.
type ItemError struct {
	WorkItemID uuid.UUID `json:"work_item_id"`
	Subject    string    `json:"subject"`
	Provider   string    `json:"provider"`
	Message    string    `json:"message"`
	Permanent  bool      `json:"permanent"`
}

// Result aggregates one Run.
type Result struct {
	Processed int         `json:"processed"`
	Success   int         `json:"success"`
	Failed    int         `json:"failed"`
	Cancelled int         `json:"cancelled"`
	Errors    []ItemError `json:"errors"`
	Warnings  []string    `json:"warnings"`
}

// DefaultWriteTimeout bounds the bookkeeping writes that follow a
// generation call.
const DefaultWriteTimeout = 30 * time.Second

type Dispatcher struct {
	queue        *queue.Service
	store        Store
	selector     Selector
	pub          events.Publisher
	log          logrus.FieldLogger
	now          func() time.Time
	writeTimeout time.Duration
}

func New(q *queue.Service, st Store, sel Selector, pub events.Publisher, log logrus.FieldLogger) *Dispatcher {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Dispatcher{
		queue:        q,
		store:        st,
		selector:     sel,
		pub:          pub,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
		writeTimeout: DefaultWriteTimeout,
	}
}

// Run processes up to batchSize queued items. providerOverride, when set,
// replaces each item's own provider choice. Per-item failures are reported
// in the result; only store outages and cancellation of ctx are returned as
// errors.
func (d *Dispatcher) Run(ctx context.Context, batchSize int, providerOverride string) (*Result, error) {
	res := &Result{Errors: []ItemError{}, Warnings: []string{}}
	if batchSize <= 0 {
		return res, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	items, err := d.queue.NextBatch(ctx, batchSize)
	if err != nil {
		return res, fmt.Errorf("fetch batch: %w", err)
	}
	d.log.WithFields(logrus.Fields{"batch_size": batchSize, "fetched": len(items), "provider_override": providerOverride}).Info("Dispatching batch")

	for i := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := d.process(ctx, &items[i], providerOverride, res); err != nil {
			return res, err
		}
	}

	d.log.WithFields(logrus.Fields{
		"processed": res.Processed,
		"success":   res.Success,
		"failed":    res.Failed,
		"cancelled": res.Cancelled,
	}).Info("Batch finished")
	return res, nil
}

// process drives one item. The returned error is systemic.
func (d *Dispatcher) process(ctx context.Context, queued *models.WorkItem, override string, res *Result) error {
	item, err := d.queue.Claim(ctx, queued.ID)
	if errors.Is(err, queue.ErrInvalidTransition) {
		// Claimed by another dispatcher or cancelled since the batch was read.
		d.log.WithField("work_item_id", queued.ID).Debug("Skipping item that is no longer dispatchable")
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim %s: %w", queued.ID, err)
	}
	res.Processed++

	requested := override
	if requested == "" {
		requested = item.RequestedProvider()
	}
	p, warn := d.selector.Select(requested)
	if warn != nil {
		res.Warnings = append(res.Warnings, warn.Error())
		d.log.WithField("work_item_id", item.ID).Warn(warn.Error())
	}
	entry := d.log.WithFields(logrus.Fields{"work_item_id": item.ID, "subject": item.SubjectKey().String(), "provider": p.Name()})

	req := d.request(ctx, item)
	start := d.now()
	out, genErr := p.Generate(ctx, req)
	elapsed := d.now().Sub(start)

	// The attempt has happened and may have been paid for. Its state
	// transition and ledger entry are written even if ctx ended meanwhile.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.writeTimeout)
	defer cancel()

	if genErr != nil {
		entry.WithError(genErr).Warn("Generation failed")
		d.fail(wctx, item, p.Name(), genErr, elapsed, res)
		return nil
	}
	storageFailure := func(err error) *provider.StorageError {
		return &provider.StorageError{Provider: p.Name(), Cost: out.Cost, Err: err}
	}

	rec := &models.GenerationRecord{
		ID:                    uuid.New(),
		SubjectID:             item.SubjectKey().ID,
		SubjectKind:           item.SubjectKind,
		WorkItemID:            &item.ID,
		Provider:              p.Name(),
		ImageLocation:         out.ImageLocation,
		Prompt:                item.Prompt,
		Cost:                  out.Cost,
		GenerationTimeSeconds: out.GenerationTime.Seconds(),
		CreatedAt:             d.now(),
	}
	if err := d.store.InsertGeneration(wctx, rec); err != nil {
		entry.WithError(err).Error("Failed to record generated image")
		d.fail(wctx, item, p.Name(), storageFailure(err), elapsed, res)
		return nil
	}
	d.pub.Publish(events.Event{Type: events.GenerationInserted, Generation: rec})

	cur, err := d.queue.Get(wctx, item.ID)
	if err != nil {
		entry.WithError(err).Error("Failed to re-read work item")
		d.fail(wctx, item, p.Name(), storageFailure(err), elapsed, res)
		return nil
	}
	if cur.Status != models.StatusProcessing {
		// Cancelled while generating: keep the image as history only.
		entry.Info("Item cancelled during generation, record left inactive")
		res.Cancelled++
		d.record(wctx, item, p.Name(), out.Cost, out.GenerationTimeMs(), false, "cancelled during generation")
		return nil
	}

	// Activate before completing so a completed item always has an active
	// image behind it.
	act, err := d.store.SetActiveGeneration(wctx, rec.SubjectKey(), rec.ID)
	if err != nil {
		entry.WithError(err).Error("Failed to activate generated image")
		d.fail(wctx, item, p.Name(), storageFailure(fmt.Errorf("activate image %s: %w", rec.ID, err)), elapsed, res)
		return nil
	}
	for _, changed := range act.Changed() {
		d.pub.Publish(events.Event{Type: events.GenerationUpdated, Generation: &changed})
	}

	if _, err := d.queue.Complete(wctx, item.ID, rec.ID); err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) {
			// Cancelled between the status check and completion. The image
			// is already displayed, so the spend counts as a success.
			msg := fmt.Sprintf("work item %s was cancelled after image %s became active", item.ID, rec.ID)
			res.Cancelled++
			res.Warnings = append(res.Warnings, msg)
			entry.Warn(msg)
			d.record(wctx, item, p.Name(), out.Cost, out.GenerationTimeMs(), true, "")
			return nil
		}
		d.record(wctx, item, p.Name(), out.Cost, out.GenerationTimeMs(), false, "could not complete: "+err.Error())
		return fmt.Errorf("complete %s: %w", item.ID, err)
	}

	d.record(wctx, item, p.Name(), out.Cost, out.GenerationTimeMs(), true, "")
	res.Success++
	entry.WithFields(logrus.Fields{"cost": out.Cost, "generation_ms": out.GenerationTimeMs()}).Info("Image generated")
	return nil
}

// fail moves the item to failed and logs the attempt. Storage errors keep
// the cost the vendor charged.
func (d *Dispatcher) fail(ctx context.Context, item *models.WorkItem, providerName string, genErr error, elapsed time.Duration, res *Result) {
	msg := genErr.Error()
	ie := ItemError{WorkItemID: item.ID, Subject: item.SubjectKey().String(), Provider: providerName, Message: msg}
	var pe *provider.ProviderError
	if errors.As(genErr, &pe) {
		ie.Permanent = pe.Permanent
	}

	if _, err := d.queue.Fail(ctx, item.ID, msg); err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) {
			res.Cancelled++
		} else {
			res.Failed++
			res.Warnings = append(res.Warnings, fmt.Sprintf("could not mark %s failed: %v", item.ID, err))
			d.log.WithError(err).WithField("work_item_id", item.ID).Error("Failed to mark work item failed")
		}
	} else {
		res.Failed++
	}
	res.Errors = append(res.Errors, ie)
	d.record(ctx, item, providerName, provider.CostOf(genErr), elapsed.Milliseconds(), false, msg)
}

func (d *Dispatcher) record(ctx context.Context, item *models.WorkItem, providerName string, cost float64, ms int64, success bool, errMsg string) {
	e := &models.CostLedgerEntry{
		ID:               uuid.New(),
		Provider:         providerName,
		SubjectID:        item.SubjectKey().ID,
		SubjectKind:      item.SubjectKind,
		WorkItemID:       item.ID,
		Cost:             cost,
		GenerationTimeMs: ms,
		Success:          success,
		CreatedAt:        d.now(),
	}
	if errMsg != "" {
		e.ErrorMessage = &errMsg
	}
	if err := d.store.AppendLedgerEntry(ctx, e); err != nil {
		d.log.WithError(err).WithField("work_item_id", item.ID).Error("Failed to append cost ledger entry")
	}
}

// request fills subject name and category from the catalog when the item
// was queued without them.
func (d *Dispatcher) request(ctx context.Context, item *models.WorkItem) provider.Request {
	req := provider.RequestFor(item)
	if item.MetaString(models.MetaSubjectName) != "" {
		return req
	}
	sub, err := d.store.GetSubject(ctx, item.SubjectKey())
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.log.WithError(err).WithField("work_item_id", item.ID).Warn("Subject lookup failed")
		}
		return req
	}
	req.SubjectName = sub.Name
	req.SubjectCategory = sub.CategoryOrEmpty()
	return req
}
