// Package sqlstore implements store.Store on gorm. MySQL is the production
// dialect; SQLite (pure Go) serves local runs and tests.
package sqlstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"hempdb/imagegen/internal/store"
	"hempdb/imagegen/models"
)

const sqlitePrefix = "sqlite://"

type Store struct {
	DB *gorm.DB
}

var _ store.Store = (*Store)(nil)

// Open connects using a DSN. "sqlite://<path>" selects SQLite, anything else
// (optionally prefixed "mysql://") is handed to the MySQL driver.
func Open(dsn string, log *logrus.Logger) (*Store, error) {
	// Quiet logger that ignores record-not-found and only reports errors.
	gormLogger := logger.New(gormWriter{log: log}, logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  logger.Error,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})

	var dialector gorm.Dialector
	isSQLite := strings.HasPrefix(dsn, sqlitePrefix)
	if isSQLite {
		dialector = sqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix))
	} else {
		dialector = mysql.Open(strings.TrimPrefix(dsn, "mysql://"))
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, err
	}
	if isSQLite {
		// SQLite has a single writer; one connection keeps transactions from
		// tripping over SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return &Store{DB: db}, nil
}

// gormWriter routes gorm's log lines to logrus at error level. The gorm
// logger is configured to emit nothing below that.
type gormWriter struct {
	log logrus.FieldLogger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.WithField("component", "gorm").Errorf(format, args...)
}

// Migrate creates the queue tables. withCatalog also creates minimal catalog
// tables, which only local setups need; production catalogs are owned by the
// web application.
func (s *Store) Migrate(ctx context.Context, withCatalog bool) error {
	db := s.DB.WithContext(ctx)
	if err := db.AutoMigrate(&models.WorkItem{}, &models.GenerationRecord{}, &models.CostLedgerEntry{}); err != nil {
		return err
	}
	if !withCatalog {
		return nil
	}
	for _, kind := range models.SubjectKinds {
		if err := db.Table(kind.Table()).AutoMigrate(&models.Subject{}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- work items ---

func (s *Store) InsertWorkItem(ctx context.Context, item *models.WorkItem) error {
	if item.ErrorLog == nil {
		item.ErrorLog = datatypes.JSONSlice[string]{}
	}
	return s.DB.WithContext(ctx).Create(item).Error
}

func (s *Store) GetWorkItem(ctx context.Context, id uuid.UUID) (*models.WorkItem, error) {
	var item models.WorkItem
	if err := s.DB.WithContext(ctx).Where("id = ?", id).Take(&item).Error; err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

func (s *Store) ListWorkItems(ctx context.Context, f store.WorkItemFilter) ([]models.WorkItem, error) {
	q := s.DB.WithContext(ctx).Model(&models.WorkItem{})
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(f.Statuses))
	}
	if f.Subject != nil {
		q = q.Where("subject_kind = ?", string(f.Subject.Kind)).
			Where(s.DB.Where("subject_id = ?", f.Subject.ID).
				Or(datatypes.JSONQuery("metadata").Equals(f.Subject.ID, models.MetaSubjectRef)))
	}
	q = q.Order("priority_rank DESC, created_at ASC, id ASC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var items []models.WorkItem
	if err := q.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
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

	res := s.DB.WithContext(ctx).Model(&models.WorkItem{}).
		Where("id = ? AND version = ?", id, cur.Version).
		Updates(workItemColumns(next))
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != 1 {
		return nil, store.ErrConflict
	}
	return next, nil
}

func (s *Store) CountWorkItemsByStatus(ctx context.Context) (map[models.WorkStatus]int, error) {
	var rows []struct {
		Status string
		N      int
	}
	err := s.DB.WithContext(ctx).Model(&models.WorkItem{}).
		Select("status, count(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[models.WorkStatus]int, len(rows))
	for _, r := range rows {
		out[models.WorkStatus(r.Status)] = r.N
	}
	return out, nil
}

func (s *Store) LatestWorkItems(ctx context.Context, limit int) ([]models.WorkItem, error) {
	var items []models.WorkItem
	err := s.DB.WithContext(ctx).
		Order("created_at DESC, id ASC").
		Limit(scanWindow(limit)).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return store.NewestPerSubject(items, limit), nil
}

// --- generation records ---

func (s *Store) InsertGeneration(ctx context.Context, rec *models.GenerationRecord) error {
	rec.IsActive = false
	return s.DB.WithContext(ctx).Create(rec).Error
}

func (s *Store) GetGeneration(ctx context.Context, id uuid.UUID) (*models.GenerationRecord, error) {
	var rec models.GenerationRecord
	if err := s.DB.WithContext(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (s *Store) ListGenerations(ctx context.Context, subject models.SubjectKey) ([]models.GenerationRecord, error) {
	var recs []models.GenerationRecord
	err := s.DB.WithContext(ctx).
		Where("subject_kind = ? AND subject_id = ?", string(subject.Kind), subject.ID).
		Order("created_at DESC, id ASC").
		Find(&recs).Error
	return recs, err
}

func (s *Store) ListActiveGenerations(ctx context.Context, provider string, limit int) ([]models.GenerationRecord, error) {
	q := s.DB.WithContext(ctx).Where("is_active = ?", true)
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []models.GenerationRecord
	err := q.Order("created_at DESC").Find(&recs).Error
	return recs, err
}

func (s *Store) SetActiveGeneration(ctx context.Context, subject models.SubjectKey, recordID uuid.UUID) (*store.Activation, error) {
	var rec models.GenerationRecord
	var previous []models.GenerationRecord
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", recordID).
			Take(&rec).Error; err != nil {
			return notFound(err)
		}
		if rec.SubjectKey() != subject {
			return &store.InvariantViolation{
				Op:     "set_active",
				Detail: "generation " + recordID.String() + " belongs to " + rec.SubjectKey().String() + ", not " + subject.String(),
			}
		}

		others := "subject_kind = ? AND subject_id = ? AND is_active = ? AND id <> ?"
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(others, string(subject.Kind), subject.ID, true, recordID).
			Find(&previous).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.GenerationRecord{}).
			Where(others, string(subject.Kind), subject.ID, true, recordID).
			Update("is_active", false).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.GenerationRecord{}).
			Where("id = ?", recordID).
			Update("is_active", true).Error; err != nil {
			return err
		}
		// Subjects without a catalog row (taxonomy refs) simply match nothing.
		if err := tx.Table(subject.Kind.Table()).
			Where("id = ?", subject.ID).
			Update("image_url", rec.ImageLocation).Error; err != nil {
			return err
		}
		rec.IsActive = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range previous {
		previous[i].IsActive = false
	}
	return &store.Activation{Active: &rec, Deactivated: previous}, nil
}

// --- cost ledger ---

func (s *Store) AppendLedgerEntry(ctx context.Context, e *models.CostLedgerEntry) error {
	return s.DB.WithContext(ctx).Create(e).Error
}

func (s *Store) ListLedgerEntries(ctx context.Context, f store.LedgerFilter) ([]models.CostLedgerEntry, error) {
	q := s.DB.WithContext(ctx).Model(&models.CostLedgerEntry{})
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if f.Provider != "" {
		q = q.Where("provider = ?", f.Provider)
	}
	var entries []models.CostLedgerEntry
	err := q.Order("created_at ASC, id ASC").Find(&entries).Error
	return entries, err
}

// --- catalog subjects ---

func (s *Store) GetSubject(ctx context.Context, key models.SubjectKey) (*models.Subject, error) {
	var sub models.Subject
	if err := s.DB.WithContext(ctx).Table(key.Kind.Table()).Where("id = ?", key.ID).Take(&sub).Error; err != nil {
		return nil, notFound(err)
	}
	sub.Kind = key.Kind
	return &sub, nil
}

func (s *Store) ListSubjectsWithoutImage(ctx context.Context, kind models.SubjectKind, limit int) ([]models.Subject, error) {
	q := s.DB.WithContext(ctx).Table(kind.Table()).
		Where("image_url IS NULL OR image_url = ''").
		Order("name ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var subs []models.Subject
	if err := q.Find(&subs).Error; err != nil {
		return nil, err
	}
	for i := range subs {
		subs[i].Kind = kind
	}
	return subs, nil
}

// InsertSubject adds a catalog row. Only used by local seeding and tests.
func (s *Store) InsertSubject(ctx context.Context, sub *models.Subject) error {
	return s.DB.WithContext(ctx).Table(sub.Kind.Table()).Create(sub).Error
}

// --- helpers ---

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}

func statusStrings(in []models.WorkStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// workItemColumns lists the mutable columns. A map is used so zero values
// and NULLs are written.
func workItemColumns(w *models.WorkItem) map[string]any {
	cols := map[string]any{
		"status":        string(w.Status),
		"attempts":      w.Attempts,
		"error_log":     w.ErrorLog,
		"priority":      string(w.Priority),
		"priority_rank": w.PriorityRank,
		"version":       w.Version,
		"updated_at":    w.UpdatedAt,
	}
	if w.ErrorLog == nil {
		cols["error_log"] = datatypes.JSONSlice[string]{}
	}
	if w.Provider != nil {
		cols["provider"] = *w.Provider
	} else {
		cols["provider"] = nil
	}
	if w.GeneratedImageRef != nil {
		cols["generated_image_ref"] = w.GeneratedImageRef.String()
	} else {
		cols["generated_image_ref"] = nil
	}
	if w.StartedAt != nil {
		cols["started_at"] = *w.StartedAt
	} else {
		cols["started_at"] = nil
	}
	if w.CompletedAt != nil {
		cols["completed_at"] = *w.CompletedAt
	} else {
		cols["completed_at"] = nil
	}
	return cols
}

func scanWindow(limit int) int {
	if limit <= 0 {
		limit = 50
	}
	return limit * 10
}
