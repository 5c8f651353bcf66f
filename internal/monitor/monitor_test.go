package monitor

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"hempdb/imagegen/internal/dispatcher"
	"hempdb/imagegen/internal/events"
	"hempdb/imagegen/internal/provider"
	"hempdb/imagegen/internal/queue"
	"hempdb/imagegen/internal/store"
	"hempdb/imagegen/internal/store/sqlstore"
	"hempdb/imagegen/models"
)

type stubProvider struct {
	fail map[string]bool
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Generate(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if p.fail[req.Subject.ID] {
		return nil, &provider.ProviderError{Provider: "stub", Message: "content policy rejection", Permanent: true}
	}
	return &provider.Result{
		ImageLocation:  "https://cdn.example.test/" + req.WorkItemID.String() + ".png",
		Cost:           0.05,
		GenerationTime: 2 * time.Second,
	}, nil
}

type fixture struct {
	svc   *Service
	store *sqlstore.Store
	hub   *events.Hub
	stub  *stubProvider
}

func strptr(s string) *string { return &s }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := sqlstore.Open("sqlite://"+filepath.Join(t.TempDir(), "monitor.db"), logrus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(ctx, true); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	subjects := []models.Subject{
		{ID: "p1", Kind: models.SubjectProduct, Name: "Hemp Rope", Category: strptr("textiles"), Description: strptr("Braided rope. Very strong.")},
		{ID: "p2", Kind: models.SubjectProduct, Name: "Hempcrete Block", Category: strptr("construction")},
		{ID: "p3", Kind: models.SubjectProduct, Name: "Seed Oil", Category: strptr("food"), ImageURL: strptr("https://cdn.example.test/oil.png")},
		{ID: "stalk", Kind: models.SubjectPlantPart, Name: "Stalk"},
	}
	for i := range subjects {
		if err := st.InsertSubject(ctx, &subjects[i]); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	log := logrus.New()
	hub := events.NewHub(256, log)
	q := queue.New(st, hub, log)
	stub := &stubProvider{fail: map[string]bool{}}
	reg := provider.NewRegistry(provider.NewPlaceholder())
	reg.Register(stub, 100, 0.05)
	reg.MarkUnavailable(provider.NameGemini, 90, "GEMINI_API_KEY not set")
	disp := dispatcher.New(q, st, reg, hub, log)
	return &fixture{svc: New(q, st, reg, disp, hub, log), store: st, hub: hub, stub: stub}
}

func product(id string) models.SubjectKey {
	return models.SubjectKey{Kind: models.SubjectProduct, ID: id}
}

func TestEnqueueRendersPromptFromCatalog(t *testing.T) {
	f := newFixture(t)
	item, err := f.svc.Enqueue(context.Background(), EnqueueInput{Subject: product("p1"), Priority: "high"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !strings.Contains(item.Prompt, "Hemp Rope") || !strings.Contains(item.Prompt, "Braided rope.") || strings.Contains(item.Prompt, "Very strong") {
		t.Fatalf("unexpected prompt: %q", item.Prompt)
	}
	if item.NegativePrompt == nil || *item.NegativePrompt == "" {
		t.Fatalf("expected default negative prompt")
	}
	if item.MetaString(models.MetaSubjectName) != "Hemp Rope" || item.MetaString(models.MetaSource) != SourceManual {
		t.Fatalf("unexpected metadata: %v", item.Metadata)
	}
	if item.Priority != models.PriorityHigh {
		t.Fatalf("priority = %s", item.Priority)
	}
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.svc.Enqueue(ctx, EnqueueInput{Subject: product("missing")}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown subject without prompt, got %v", err)
	}
	if _, err := f.svc.Enqueue(ctx, EnqueueInput{Subject: product("missing"), Prompt: "custom prompt"}); err != nil {
		t.Fatalf("explicit prompt should not need a catalog row: %v", err)
	}
	cases := []EnqueueInput{
		{Subject: models.SubjectKey{Kind: "strain", ID: "x"}},
		{Subject: product("p1"), Priority: "asap"},
		{Subject: product("p1"), Provider: "dalle"},
	}
	for _, in := range cases {
		if _, err := f.svc.Enqueue(ctx, in); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%+v: expected ErrInvalidInput, got %v", in, err)
		}
	}
}

func TestGetStatsAggregatesQueueAndLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.stub.fail["p2"] = true
	for _, id := range []string{"p1", "p2", "p3"} {
		if _, err := f.svc.Enqueue(ctx, EnqueueInput{Subject: product(id)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if _, err := f.svc.Dispatch(ctx, 2, ""); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	old := &models.CostLedgerEntry{
		ID: uuid.New(), Provider: "stub", SubjectID: "p9", SubjectKind: models.SubjectProduct,
		WorkItemID: uuid.New(), Cost: 1, GenerationTimeMs: 1000, Success: true,
		CreatedAt: time.Now().UTC().Add(-10 * 24 * time.Hour),
	}
	if err := f.store.AppendLedgerEntry(ctx, old); err != nil {
		t.Fatalf("append: %v", err)
	}

	stats, err := f.svc.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalInQueue != 1 || stats.ByStatus[models.StatusPending] != 1 ||
		stats.ByStatus[models.StatusCompleted] != 1 || stats.ByStatus[models.StatusFailed] != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.DefaultProvider != "stub" {
		t.Fatalf("default provider = %s", stats.DefaultProvider)
	}
	if len(stats.Windows) != 3 {
		t.Fatalf("expected 3 windows, got %d", len(stats.Windows))
	}
	day, month := stats.Windows[0], stats.Windows[2]
	if day.Completed != 1 || day.Failed != 1 || day.SuccessRate != 0.5 || day.Cost != 0.05 {
		t.Fatalf("unexpected 24h window: %+v", day)
	}
	if month.Completed != 2 || math.Abs(month.Cost-1.05) > 1e-9 {
		t.Fatalf("unexpected 30d window: %+v", month)
	}
}

func TestGetProviderStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.stub.fail["p2"] = true
	for _, id := range []string{"p1", "p2"} {
		if _, err := f.svc.Enqueue(ctx, EnqueueInput{Subject: product(id)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if _, err := f.svc.Dispatch(ctx, 10, ""); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	stats, err := f.svc.GetProviderStats(ctx)
	if err != nil {
		t.Fatalf("provider stats: %v", err)
	}
	if len(stats) != 3 || stats[0].Provider != "stub" {
		t.Fatalf("expected stub first among 3 providers, got %+v", stats)
	}
	s := stats[0]
	if s.Attempts != 2 || s.Successes != 1 || s.Failures != 1 || s.SuccessRate != 0.5 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	if s.AverageCost != 0.025 || s.AverageLatencyMs != 2000 {
		t.Fatalf("unexpected averages: %+v", s)
	}
	for _, other := range stats[1:] {
		if other.Attempts != 0 {
			t.Fatalf("unused provider should have no attempts: %+v", other)
		}
	}
}

func TestGetSubjectsNeedingAttention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.stub.fail["p1"] = true

	if _, err := f.svc.Enqueue(ctx, EnqueueInput{Subject: product("p1")}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.svc.Regenerate(ctx, product("p3"), provider.NamePlaceholder); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if _, err := f.svc.Dispatch(ctx, 10, ""); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	items, err := f.svc.GetSubjectsNeedingAttention(ctx, 10)
	if err != nil {
		t.Fatalf("attention: %v", err)
	}
	reasons := map[string]string{}
	for _, it := range items {
		reasons[it.Subject.ID] = it.Reason
	}
	want := map[string]string{
		"p1":    models.ReasonLastAttempt,
		"p2":    models.ReasonMissingImage,
		"stalk": models.ReasonMissingImage,
		"p3":    models.ReasonPlaceholderImage,
	}
	if len(reasons) != len(want) {
		t.Fatalf("got %v, want %v", reasons, want)
	}
	for id, r := range want {
		if reasons[id] != r {
			t.Errorf("%s: reason %q, want %q", id, reasons[id], r)
		}
	}
	if items[0].Subject.ID != "p1" || items[0].LastError == "" {
		t.Fatalf("failed subject should come first with its error: %+v", items[0])
	}

	limited, err := f.svc.GetSubjectsNeedingAttention(ctx, 2)
	if err != nil {
		t.Fatalf("attention: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit not applied: %d", len(limited))
	}
}

func TestPopulateSkipsSubjectsWithOpenWork(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.svc.Enqueue(ctx, EnqueueInput{Subject: product("p1")}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := f.svc.Populate(ctx, models.SubjectProduct, 10, "low")
	if err != nil {
		t.Fatalf("populate: %v", err)
	}
	if res.Skipped != 1 || len(res.Enqueued) != 1 || res.Enqueued[0].SubjectKey() != product("p2") {
		t.Fatalf("unexpected result: skipped=%d enqueued=%+v", res.Skipped, res.Enqueued)
	}
	if res.Enqueued[0].Priority != models.PriorityLow || res.Enqueued[0].MetaString(models.MetaSource) != SourcePopulate {
		t.Fatalf("unexpected item: %+v", res.Enqueued[0])
	}

	again, err := f.svc.Populate(ctx, "", 10, "")
	if err != nil {
		t.Fatalf("populate all kinds: %v", err)
	}
	if len(again.Enqueued) != 1 || again.Enqueued[0].SubjectKey() != (models.SubjectKey{Kind: models.SubjectPlantPart, ID: "stalk"}) {
		t.Fatalf("expected only the plant part, got %+v", again.Enqueued)
	}
	if again.Enqueued[0].SubjectID != nil || again.Enqueued[0].MetaString(models.MetaSubjectRef) != "stalk" {
		t.Fatalf("plant part should be keyed by metadata: %+v", again.Enqueued[0])
	}

	if _, err := f.svc.Populate(ctx, "", 0, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero limit, got %v", err)
	}
}

func TestRegenerateAndSetActiveImage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.Enqueue(ctx, EnqueueInput{Subject: product("p1")})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := f.svc.Regenerate(ctx, product("p1"), provider.NamePlaceholder)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if second.Priority != models.PriorityHigh || second.RequestedProvider() != provider.NamePlaceholder {
		t.Fatalf("unexpected regenerate item: %+v", second)
	}
	if _, err := f.svc.Regenerate(ctx, product("p1"), ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected provider to be required, got %v", err)
	}

	if _, err := f.svc.Dispatch(ctx, 10, ""); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	gens, err := f.svc.ListGenerations(ctx, product("p1"))
	if err != nil || len(gens) != 2 {
		t.Fatalf("expected two records, got %d (%v)", len(gens), err)
	}
	// The regenerated item ran first; the stub image from the first item is active.
	firstItem, _ := f.svc.GetWorkItem(ctx, first.ID)
	secondItem, _ := f.svc.GetWorkItem(ctx, second.ID)
	placeholderID := *secondItem.GeneratedImageRef

	ch, unsub := f.svc.Subscribe()
	defer unsub()
	rec, err := f.svc.SetActiveImage(ctx, product("p1"), placeholderID)
	if err != nil {
		t.Fatalf("set active: %v", err)
	}
	if !rec.IsActive || rec.Provider != provider.NamePlaceholder {
		t.Fatalf("unexpected record: %+v", rec)
	}
	// Subscribers see the record that lost the flag, then the new active one.
	ev := <-ch
	if ev.Type != events.GenerationUpdated || ev.Generation.ID != *firstItem.GeneratedImageRef || ev.Generation.IsActive {
		t.Fatalf("expected deactivation event first, got %+v", ev)
	}
	ev = <-ch
	if ev.Type != events.GenerationUpdated || ev.Generation.ID != placeholderID || !ev.Generation.IsActive {
		t.Fatalf("unexpected event: %+v", ev)
	}
	prev, _ := f.store.GetGeneration(ctx, *firstItem.GeneratedImageRef)
	if prev.IsActive {
		t.Fatalf("previous record still active")
	}

	if _, err := f.svc.SetActiveImage(ctx, product("p2"), placeholderID); err == nil {
		t.Fatalf("expected error activating another subject's record")
	} else {
		var iv *store.InvariantViolation
		if !errors.As(err, &iv) {
			t.Fatalf("expected invariant violation, got %v", err)
		}
	}
}

func TestDispatchRejectsUnknownOverride(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Dispatch(context.Background(), 5, "dalle"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
