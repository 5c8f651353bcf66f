package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"hempdb/imagegen/internal/events"
	"hempdb/imagegen/internal/store/sqlstore"
	"hempdb/imagegen/models"
)

func newTestService(t *testing.T) (*Service, *events.Hub) {
	t.Helper()
	st, err := sqlstore.Open("sqlite://"+filepath.Join(t.TempDir(), "queue.db"), logrus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background(), false); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	hub := events.NewHub(64, logrus.New())
	svc := New(st, hub, logrus.New())
	// Strictly increasing clock so created_at order is deterministic.
	var mu sync.Mutex
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return svc, hub
}

func enqueue(t *testing.T, svc *Service, id string, p models.Priority) *models.WorkItem {
	t.Helper()
	item, err := svc.Enqueue(context.Background(), EnqueueRequest{
		Subject:  models.SubjectKey{Kind: models.SubjectProduct, ID: id},
		Prompt:   "photo of " + id,
		Priority: p,
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
	return item
}

func TestEnqueueDefaults(t *testing.T) {
	svc, hub := newTestService(t)
	ch, unsub := hub.Subscribe()
	defer unsub()

	item, err := svc.Enqueue(context.Background(), EnqueueRequest{
		Subject:  models.SubjectKey{Kind: models.SubjectPlantType, ID: "fiber"},
		Prompt:   "fiber hemp field",
		Metadata: map[string]interface{}{models.MetaSource: "manual"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if item.Status != models.StatusPending || item.Attempts != 0 || item.Priority != models.PriorityMedium {
		t.Fatalf("unexpected defaults: %+v", item)
	}
	if item.SubjectID != nil || item.SubjectKey() != (models.SubjectKey{Kind: models.SubjectPlantType, ID: "fiber"}) {
		t.Fatalf("taxonomy subjects should be keyed by metadata: %+v", item)
	}

	ev := <-ch
	if ev.Type != events.WorkItemInserted || ev.WorkItem.ID != item.ID {
		t.Fatalf("expected insert event, got %+v", ev)
	}
}

func TestEnqueueValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	bad := []EnqueueRequest{
		{Subject: models.SubjectKey{Kind: "research", ID: "1"}, Prompt: "x"},
		{Subject: models.SubjectKey{Kind: models.SubjectProduct}, Prompt: "x"},
		{Subject: models.SubjectKey{Kind: models.SubjectProduct, ID: "1"}, Prompt: "  "},
		{Subject: models.SubjectKey{Kind: models.SubjectProduct, ID: "1"}, Prompt: "x", Priority: "asap"},
	}
	for i, req := range bad {
		if _, err := svc.Enqueue(ctx, req); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestNextBatchOrdering(t *testing.T) {
	svc, _ := newTestService(t)
	low := enqueue(t, svc, "low", models.PriorityLow)
	high := enqueue(t, svc, "high", models.PriorityHigh)
	medium := enqueue(t, svc, "medium", models.PriorityMedium)

	batch, err := svc.NextBatch(context.Background(), 3)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	want := []uuid.UUID{high.ID, medium.ID, low.ID}
	for i, id := range want {
		if batch[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s (%s)", i, id, batch[i].ID, batch[i].Priority)
		}
	}
}

func TestNextBatchSkipsNonDispatchable(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	a := enqueue(t, svc, "a", models.PriorityHigh)
	b := enqueue(t, svc, "b", models.PriorityLow)
	if _, err := svc.Cancel(ctx, a.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	batch, err := svc.NextBatch(ctx, 10)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != b.ID {
		t.Fatalf("expected only pending item, got %+v", batch)
	}
}

func TestRetryRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	item := enqueue(t, svc, "p1", models.PriorityMedium)

	if _, err := svc.Claim(ctx, item.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	failed, err := svc.Fail(ctx, item.ID, "rate limited")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != models.StatusFailed || failed.LastError() != "rate limited" || failed.CompletedAt == nil {
		t.Fatalf("unexpected failed item: %+v", failed)
	}

	retried, err := svc.Retry(ctx, item.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != models.StatusPending || len(retried.ErrorLog) != 0 {
		t.Fatalf("retry did not reset: %+v", retried)
	}
	if retried.Attempts != failed.Attempts {
		t.Fatalf("attempts changed by retry: %d -> %d", failed.Attempts, retried.Attempts)
	}
	if retried.StartedAt != nil || retried.CompletedAt != nil {
		t.Fatalf("timestamps not cleared")
	}

	// A second dispatch counts another attempt.
	claimed, err := svc.Claim(ctx, item.ID)
	if err != nil {
		t.Fatalf("claim again: %v", err)
	}
	if claimed.Attempts != 2 {
		t.Fatalf("expected 2 lifetime attempts, got %d", claimed.Attempts)
	}
}

func TestRetryRejectedFromPending(t *testing.T) {
	svc, _ := newTestService(t)
	item := enqueue(t, svc, "p1", models.PriorityMedium)
	if _, err := svc.Retry(context.Background(), item.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestCompletedRetryClearsImageRef(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	item := enqueue(t, svc, "p1", models.PriorityMedium)
	if _, err := svc.Claim(ctx, item.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	done, err := svc.Complete(ctx, item.ID, uuid.New())
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.GeneratedImageRef == nil {
		t.Fatalf("completed item must reference its record")
	}
	again, err := svc.Retry(ctx, item.ID)
	if err != nil {
		t.Fatalf("retry completed: %v", err)
	}
	if again.GeneratedImageRef != nil {
		t.Fatalf("pending item must not reference a record")
	}
}

func TestCancelIsNotRepeatable(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cancelled := enqueue(t, svc, "c", models.PriorityLow)
	first, err := svc.Cancel(ctx, cancelled.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.Cancel(ctx, cancelled.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second cancel should be rejected, got %v", err)
	}
	after, _ := svc.Get(ctx, cancelled.ID)
	if after.Version != first.Version || !after.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatalf("rejected cancel must not write")
	}

	completed := enqueue(t, svc, "d", models.PriorityLow)
	if _, err := svc.Claim(ctx, completed.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := svc.Complete(ctx, completed.ID, uuid.New()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	var te *TransitionError
	if _, err := svc.Cancel(ctx, completed.ID); !errors.As(err, &te) || te.From != models.StatusCompleted {
		t.Fatalf("cancelling a completed item should be rejected, got %v", err)
	}
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	svc, _ := newTestService(t)
	item := enqueue(t, svc, "p1", models.PriorityHigh)

	const claimers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Claim(context.Background(), item.ID); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one claim to win, got %d", wins)
	}
	got, _ := svc.Get(context.Background(), item.ID)
	if got.Attempts != 1 || got.Status != models.StatusProcessing {
		t.Fatalf("unexpected row after racing claims: %+v", got)
	}
}
