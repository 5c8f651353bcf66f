package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"hempdb/imagegen/internal/provider"
	"hempdb/imagegen/internal/store"
	"hempdb/imagegen/models"
)

// Window is a rolling aggregation period.
type Window struct {
	Name string
	Span time.Duration
}

// Windows reported by GetStats, shortest first.
var Windows = []Window{
	{Name: "24h", Span: 24 * time.Hour},
	{Name: "7d", Span: 7 * 24 * time.Hour},
	{Name: "30d", Span: 30 * 24 * time.Hour},
}

const (
	defaultQueueLimit     = 50
	maxQueueLimit         = 500
	defaultAttentionLimit = 50
)

// GetStats computes the dashboard aggregates. Nothing is cached.
func (s *Service) GetStats(ctx context.Context) (*models.DashboardStats, error) {
	counts, err := s.store.CountWorkItemsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count work items: %w", err)
	}
	stats := &models.DashboardStats{
		ByStatus:        make(map[models.WorkStatus]int, len(models.AllStatuses)),
		ActiveProviders: s.registry.Available(),
		DefaultProvider: s.registry.Default().Name(),
	}
	for _, st := range models.AllStatuses {
		stats.ByStatus[st] = counts[st]
	}
	for _, st := range openStatuses {
		stats.TotalInQueue += counts[st]
	}

	now := s.now()
	longest := Windows[len(Windows)-1]
	entries, err := s.store.ListLedgerEntries(ctx, store.LedgerFilter{Since: now.Add(-longest.Span)})
	if err != nil {
		return nil, fmt.Errorf("read cost ledger: %w", err)
	}
	for _, w := range Windows {
		stats.Windows = append(stats.Windows, windowStats(w, now, entries))
	}
	return stats, nil
}

func windowStats(w Window, now time.Time, entries []models.CostLedgerEntry) models.WindowStats {
	ws := models.WindowStats{Window: w.Name}
	since := now.Add(-w.Span)
	for _, e := range entries {
		if e.CreatedAt.Before(since) {
			continue
		}
		ws.Cost += e.Cost
		if e.Success {
			ws.Completed++
		} else {
			ws.Failed++
		}
	}
	ws.SuccessRate = ratio(ws.Completed, ws.Completed+ws.Failed)
	return ws
}

// GetQueue lists work items, highest priority first. No statuses means all.
func (s *Service) GetQueue(ctx context.Context, statuses []models.WorkStatus, limit int) ([]models.WorkItem, error) {
	switch {
	case limit <= 0:
		limit = defaultQueueLimit
	case limit > maxQueueLimit:
		limit = maxQueueLimit
	}
	return s.queue.List(ctx, statuses, limit)
}

// GetProviderStats compares every provider that appears in the ledger or
// the registry. AverageCost is per attempt; latency averages successful
// attempts only.
func (s *Service) GetProviderStats(ctx context.Context) ([]models.ProviderStats, error) {
	entries, err := s.store.ListLedgerEntries(ctx, store.LedgerFilter{})
	if err != nil {
		return nil, fmt.Errorf("read cost ledger: %w", err)
	}

	byName := map[string]*models.ProviderStats{}
	latency := map[string]int64{}
	get := func(name string) *models.ProviderStats {
		ps, ok := byName[name]
		if !ok {
			ps = &models.ProviderStats{Provider: name}
			byName[name] = ps
		}
		return ps
	}
	for _, info := range s.registry.Infos() {
		get(info.Name)
	}
	for _, e := range entries {
		ps := get(e.Provider)
		ps.Attempts++
		ps.TotalCost += e.Cost
		if e.Success {
			ps.Successes++
			latency[e.Provider] += e.GenerationTimeMs
		} else {
			ps.Failures++
		}
	}

	out := make([]models.ProviderStats, 0, len(byName))
	for name, ps := range byName {
		ps.SuccessRate = ratio(ps.Successes, ps.Attempts)
		if ps.Attempts > 0 {
			ps.AverageCost = ps.TotalCost / float64(ps.Attempts)
		}
		if ps.Successes > 0 {
			ps.AverageLatencyMs = float64(latency[name]) / float64(ps.Successes)
		}
		out = append(out, *ps)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Attempts != out[j].Attempts {
			return out[i].Attempts > out[j].Attempts
		}
		return out[i].Provider < out[j].Provider
	})
	return out, nil
}

// GetSubjectsNeedingAttention lists subjects whose latest work item failed,
// subjects with no image, and subjects showing the placeholder, in that
// order. Each subject appears once with its most urgent reason.
func (s *Service) GetSubjectsNeedingAttention(ctx context.Context, limit int) ([]models.AttentionItem, error) {
	if limit <= 0 {
		limit = defaultAttentionLimit
	}
	out := make([]models.AttentionItem, 0, limit)
	seen := map[models.SubjectKey]struct{}{}
	add := func(item models.AttentionItem) bool {
		k := item.Subject.Key()
		if _, ok := seen[k]; ok {
			return len(out) < limit
		}
		seen[k] = struct{}{}
		out = append(out, item)
		return len(out) < limit
	}

	latest, err := s.store.LatestWorkItems(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("latest work items: %w", err)
	}
	for i := range latest {
		it := &latest[i]
		if it.Status != models.StatusFailed {
			continue
		}
		sub, err := s.subjectFor(ctx, it)
		if err != nil {
			return nil, err
		}
		if !add(models.AttentionItem{Subject: *sub, Reason: models.ReasonLastAttempt, LastError: it.LastError()}) {
			return out, nil
		}
	}

	for _, kind := range models.SubjectKinds {
		subs, err := s.store.ListSubjectsWithoutImage(ctx, kind, limit)
		if err != nil {
			return nil, fmt.Errorf("subjects without image: %w", err)
		}
		for _, sub := range subs {
			if !add(models.AttentionItem{Subject: sub, Reason: models.ReasonMissingImage}) {
				return out, nil
			}
		}
	}

	placeholders, err := s.store.ListActiveGenerations(ctx, provider.NamePlaceholder, limit)
	if err != nil {
		return nil, fmt.Errorf("placeholder images: %w", err)
	}
	for _, rec := range placeholders {
		sub, err := s.store.GetSubject(ctx, rec.SubjectKey())
		if errors.Is(err, store.ErrNotFound) {
			sub = &models.Subject{ID: rec.SubjectID, Kind: rec.SubjectKind, Name: rec.SubjectID}
		} else if err != nil {
			return nil, fmt.Errorf("load subject %s: %w", rec.SubjectKey(), err)
		}
		if !add(models.AttentionItem{Subject: *sub, Reason: models.ReasonPlaceholderImage}) {
			return out, nil
		}
	}
	return out, nil
}

// subjectFor loads the catalog row of an item, falling back to what the
// item's metadata knows when the row is gone.
func (s *Service) subjectFor(ctx context.Context, it *models.WorkItem) (*models.Subject, error) {
	key := it.SubjectKey()
	sub, err := s.store.GetSubject(ctx, key)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load subject %s: %w", key, err)
	}
	name := it.MetaString(models.MetaSubjectName)
	if name == "" {
		name = key.ID
	}
	return &models.Subject{ID: key.ID, Kind: key.Kind, Name: name}, nil
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
