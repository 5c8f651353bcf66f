// Package supabase implements store.Store over Supabase's PostgREST API.
// Set-active runs as the set_active_generation SQL function (see
// migrations/supabase) so the flip and the catalog mirror share one
// transaction.
package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	postgrest "github.com/supabase-community/postgrest-go"

	"hempdb/imagegen/internal/store"
	"hempdb/imagegen/models"
)

const (
	workItemTable   = "image_generation_queue"
	generationTable = "image_generations"
	ledgerTable     = "image_generation_costs"
	setActiveRPC    = "set_active_generation"
	subjectColumns  = "id,name,category,description,image_url"
)

type Store struct {
	client *postgrest.Client

	// rpcMu serialises RPC calls; postgrest reports RPC failures through the
	// shared Client.ClientError field.
	rpcMu sync.Mutex
}

var _ store.Store = (*Store)(nil)

// NewClient builds a PostgREST client for a Supabase project using the
// service key.
func NewClient(supabaseURL, supabaseKey string) (*postgrest.Client, error) {
	if supabaseURL == "" || supabaseKey == "" {
		return nil, fmt.Errorf("supabase url and service key must be set")
	}
	client := postgrest.NewClient(strings.TrimRight(supabaseURL, "/")+"/rest/v1", "", map[string]string{
		"apikey":        supabaseKey,
		"Authorization": fmt.Sprintf("Bearer %s", supabaseKey),
	})
	if client.ClientError != nil {
		return nil, fmt.Errorf("failed to initialize Supabase client: %w", client.ClientError)
	}
	return client, nil
}

func New(client *postgrest.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error { return nil }

// --- work items ---

func (s *Store) InsertWorkItem(ctx context.Context, item *models.WorkItem) error {
	if item.ErrorLog == nil {
		item.ErrorLog = []string{}
	}
	var rows []models.WorkItem
	if _, err := s.client.From(workItemTable).Insert(item, false, "", "representation", "").ExecuteTo(&rows); err != nil {
		return fmt.Errorf("failed to insert work item: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("no record returned after insert, work item: %s", item.ID)
	}
	return nil
}

func (s *Store) GetWorkItem(ctx context.Context, id uuid.UUID) (*models.WorkItem, error) {
	var rows []models.WorkItem
	_, err := s.client.From(workItemTable).
		Select("*", "", false).
		Eq("id", id.String()).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch work item %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return &rows[0], nil
}

func (s *Store) ListWorkItems(ctx context.Context, f store.WorkItemFilter) ([]models.WorkItem, error) {
	q := s.client.From(workItemTable).Select("*", "", false)
	if len(f.Statuses) > 0 {
		q = q.In("status", statusStrings(f.Statuses))
	}
	if f.Subject != nil {
		q = q.Eq("subject_kind", string(f.Subject.Kind)).
			Or(fmt.Sprintf("subject_id.eq.%s,metadata->>%s.eq.%s", f.Subject.ID, models.MetaSubjectRef, f.Subject.ID), "")
	}
	q = q.Order("priority_rank", &postgrest.OrderOpts{Ascending: false}).
		Order("created_at", &postgrest.OrderOpts{Ascending: true}).
		Order("id", &postgrest.OrderOpts{Ascending: true})
	if f.Limit > 0 {
		q = q.Limit(f.Limit, "")
	}
	var rows []models.WorkItem
	if _, err := q.ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	return rows, nil
}

func (s *Store) UpdateWorkItem(ctx context.Context, id uuid.UUID, mut store.Mutation) (*models.WorkItem, error) {
	cur, err := s.GetWorkItem(ctx, id)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := mut(next); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now().UTC()

	var rows []models.WorkItem
	_, err = s.client.From(workItemTable).
		Update(workItemPatch(next), "representation", "").
		Eq("id", id.String()).
		Eq("version", strconv.Itoa(cur.Version)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to update work item %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, store.ErrConflict
	}
	return &rows[0], nil
}

func (s *Store) CountWorkItemsByStatus(ctx context.Context) (map[models.WorkStatus]int, error) {
	out := make(map[models.WorkStatus]int, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		_, count, err := s.client.From(workItemTable).
			Select("id", "exact", true).
			Eq("status", string(st)).
			Execute()
		if err != nil {
			return nil, fmt.Errorf("failed to count %s work items: %w", st, err)
		}
		if count > 0 {
			out[st] = int(count)
		}
	}
	return out, nil
}

func (s *Store) LatestWorkItems(ctx context.Context, limit int) ([]models.WorkItem, error) {
	window := limit * 10
	if window <= 0 {
		window = 500
	}
	var rows []models.WorkItem
	_, err := s.client.From(workItemTable).
		Select("*", "", false).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		Limit(window, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent work items: %w", err)
	}
	return store.NewestPerSubject(rows, limit), nil
}

// --- generation records ---

func (s *Store) InsertGeneration(ctx context.Context, rec *models.GenerationRecord) error {
	rec.IsActive = false
	var rows []models.GenerationRecord
	if _, err := s.client.From(generationTable).Insert(rec, false, "", "representation", "").ExecuteTo(&rows); err != nil {
		return fmt.Errorf("failed to insert generation record: %w", err)
	}
	return nil
}

func (s *Store) GetGeneration(ctx context.Context, id uuid.UUID) (*models.GenerationRecord, error) {
	var rows []models.GenerationRecord
	_, err := s.client.From(generationTable).
		Select("*", "", false).
		Eq("id", id.String()).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch generation %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return &rows[0], nil
}

func (s *Store) ListGenerations(ctx context.Context, subject models.SubjectKey) ([]models.GenerationRecord, error) {
	var rows []models.GenerationRecord
	_, err := s.client.From(generationTable).
		Select("*", "", false).
		Eq("subject_kind", string(subject.Kind)).
		Eq("subject_id", subject.ID).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list generations for %s: %w", subject, err)
	}
	return rows, nil
}

func (s *Store) ListActiveGenerations(ctx context.Context, provider string, limit int) ([]models.GenerationRecord, error) {
	q := s.client.From(generationTable).Select("*", "", false).Eq("is_active", "true")
	if provider != "" {
		q = q.Eq("provider", provider)
	}
	q = q.Order("created_at", &postgrest.OrderOpts{Ascending: false})
	if limit > 0 {
		q = q.Limit(limit, "")
	}
	var rows []models.GenerationRecord
	if _, err := q.ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("failed to list active generations: %w", err)
	}
	return rows, nil
}

// rpcError is the PostgREST error envelope.
type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
}

// SetActiveGeneration calls the set_active_generation function, which
// returns every row it changed: the deactivated records and the new active
// one.
func (s *Store) SetActiveGeneration(ctx context.Context, subject models.SubjectKey, recordID uuid.UUID) (*store.Activation, error) {
	params := map[string]string{
		"p_subject_kind":  string(subject.Kind),
		"p_subject_id":    subject.ID,
		"p_generation_id": recordID.String(),
	}

	s.rpcMu.Lock()
	s.client.ClientError = nil
	body := s.client.Rpc(setActiveRPC, "", params)
	rpcErr := s.client.ClientError
	s.rpcMu.Unlock()

	if rpcErr != nil {
		return nil, fmt.Errorf("set_active_generation rpc failed: %w", rpcErr)
	}

	var perr rpcError
	if err := json.Unmarshal([]byte(body), &perr); err == nil && perr.Code != "" {
		switch {
		case strings.HasPrefix(perr.Message, "invariant_violation"):
			return nil, &store.InvariantViolation{Op: "set_active", Detail: perr.Message}
		case perr.Code == "P0002":
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("set_active_generation: %s (%s)", perr.Message, perr.Code)
	}

	var rows []models.GenerationRecord
	if err := json.Unmarshal([]byte(body), &rows); err != nil {
		return nil, fmt.Errorf("could not decode set_active_generation response %q: %w", body, err)
	}
	act := &store.Activation{}
	for i := range rows {
		if rows[i].ID == recordID {
			act.Active = &rows[i]
			continue
		}
		act.Deactivated = append(act.Deactivated, rows[i])
	}
	if act.Active == nil {
		return nil, fmt.Errorf("set_active_generation returned no row for %s", recordID)
	}
	return act, nil
}

// --- cost ledger ---

func (s *Store) AppendLedgerEntry(ctx context.Context, e *models.CostLedgerEntry) error {
	if _, _, err := s.client.From(ledgerTable).Insert(e, false, "", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, f store.LedgerFilter) ([]models.CostLedgerEntry, error) {
	q := s.client.From(ledgerTable).Select("*", "", false)
	if !f.Since.IsZero() {
		q = q.Gte("created_at", f.Since.UTC().Format(time.RFC3339Nano))
	}
	if f.Provider != "" {
		q = q.Eq("provider", f.Provider)
	}
	var rows []models.CostLedgerEntry
	if _, err := q.Order("created_at", &postgrest.OrderOpts{Ascending: true}).ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return rows, nil
}

// --- catalog subjects ---

func (s *Store) GetSubject(ctx context.Context, key models.SubjectKey) (*models.Subject, error) {
	body, _, err := s.client.From(key.Kind.Table()).
		Select(subjectColumns, "", false).
		Eq("id", key.ID).
		Limit(1, "").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subject %s: %w", key, err)
	}
	subs, err := decodeSubjects(body, key.Kind)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, store.ErrNotFound
	}
	return &subs[0], nil
}

func (s *Store) ListSubjectsWithoutImage(ctx context.Context, kind models.SubjectKind, limit int) ([]models.Subject, error) {
	q := s.client.From(kind.Table()).
		Select(subjectColumns, "", false).
		Or("image_url.is.null,image_url.eq.", "").
		Order("name", &postgrest.OrderOpts{Ascending: true})
	if limit > 0 {
		q = q.Limit(limit, "")
	}
	body, _, err := q.Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s subjects without image: %w", kind, err)
	}
	return decodeSubjects(body, kind)
}

// decodeSubjects reads catalog rows generically; catalog tables use either
// integer or uuid primary keys.
func decodeSubjects(body []byte, kind models.SubjectKind) ([]models.Subject, error) {
	var rows []map[string]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("could not process subject data: %w", err)
	}
	subs := make([]models.Subject, 0, len(rows))
	for _, row := range rows {
		sub := models.Subject{
			ID:          idString(row["id"]),
			Kind:        kind,
			Description: optString(row["description"]),
			Category:    optString(row["category"]),
			ImageURL:    optString(row["image_url"]),
		}
		if name, ok := row["name"].(string); ok {
			sub.Name = name
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func idString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func optString(v interface{}) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}

func statusStrings(in []models.WorkStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// workItemPatch lists mutable columns; nil values clear the column.
func workItemPatch(w *models.WorkItem) map[string]interface{} {
	patch := map[string]interface{}{
		"status":              w.Status,
		"attempts":            w.Attempts,
		"error_log":           w.ErrorLog,
		"priority":            w.Priority,
		"priority_rank":       w.PriorityRank,
		"provider":            w.Provider,
		"generated_image_ref": w.GeneratedImageRef,
		"started_at":          w.StartedAt,
		"completed_at":        w.CompletedAt,
		"version":             w.Version,
		"updated_at":          w.UpdatedAt,
	}
	if w.ErrorLog == nil {
		patch["error_log"] = []string{}
	}
	return patch
}
