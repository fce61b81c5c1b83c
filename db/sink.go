package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// ItemFilterPolicy decides what happens to item names missing from the
// items catalog. Permissive auto-catalogs and stores them, strict stores
// only names cataloged with notes_filter = 1.
type ItemFilterPolicy string

const (
	FilterPermissive ItemFilterPolicy = "permissive"
	FilterStrict     ItemFilterPolicy = "strict"
)

// ParseItemFilterPolicy validates a configured policy name.
func ParseItemFilterPolicy(s string) (ItemFilterPolicy, error) {
	switch ItemFilterPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case FilterPermissive, "":
		return FilterPermissive, nil
	case FilterStrict:
		return FilterStrict, nil
	}
	return "", fmt.Errorf("unknown item filter policy %q", s)
}

// Sink wraps the relational store. All methods are safe to call on a
// transaction-bound sink obtained through Tx.
type Sink struct {
	gdb    *gorm.DB
	logger *logrus.Logger
}

// Open connects to the database behind dsn and verifies the connection.
func Open(dsn string, logger *logrus.Logger) (*Sink, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Sink{gdb: gdb, logger: logger}, nil
}

// NewSink wraps an existing gorm handle, mainly for tests.
func NewSink(gdb *gorm.DB, logger *logrus.Logger) *Sink {
	return &Sink{gdb: gdb, logger: logger}
}

// DB exposes the underlying handle for ad-hoc queries.
func (s *Sink) DB() *gorm.DB { return s.gdb }

// Close releases the connection pool.
func (s *Sink) Close() error {
	sqlDB, err := s.gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the connection is still alive.
func (s *Sink) Ping(ctx context.Context) error {
	sqlDB, err := s.gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// InitSchema creates or migrates all tables. Safe to run repeatedly.
func (s *Sink) InitSchema(ctx context.Context) error {
	err := s.gdb.WithContext(ctx).AutoMigrate(
		&Source{},
		&Document{},
		&Item{},
		&Attachment{},
		&ItemValue{},
		&DocItemValue{},
		&DocumentView{},
		&ETLRun{},
		&IngestionPlan{},
		&IngestionPlanView{},
		&ETLCheckpoint{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *Sink) with(tx *gorm.DB) *Sink {
	return &Sink{gdb: tx, logger: s.logger}
}

// Tx runs fn inside a transaction and hands it a transaction-bound sink.
// Nested calls on that sink become savepoints, so a failing document can
// be rolled back without losing the surrounding batch.
func (s *Sink) Tx(ctx context.Context, fn func(tx *Sink) error) error {
	return s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.with(tx))
	})
}

// GetOrCreateSource registers the source database and refreshes its title,
// replica id and last-seen time.
func (s *Sink) GetOrCreateSource(ctx context.Context, serverName, filepath string, title, replicaID *string) (uint64, error) {
	now := time.Now().UTC()
	src := Source{
		ServerName: serverName,
		Filepath:   filepath,
		ReplicaID:  replicaID,
		Title:      title,
		LastSeenAt: &now,
	}
	err := s.gdb.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "server_name"}, {Name: "filepath"}},
		DoUpdates: clause.AssignmentColumns([]string{"replica_id", "title", "last_seen_at"}),
	}).Create(&src).Error
	if err != nil {
		return 0, fmt.Errorf("failed to upsert source %s!!%s: %w", serverName, filepath, err)
	}
	if src.ID == 0 {
		if err := s.gdb.WithContext(ctx).
			Where("server_name = ? AND filepath = ?", serverName, filepath).
			First(&src).Error; err != nil {
			return 0, fmt.Errorf("failed to read back source: %w", err)
		}
	}
	return src.ID, nil
}

// StartRun opens a run record for the source and returns it.
func (s *Sink) StartRun(ctx context.Context, sourceID uint64) (*ETLRun, error) {
	run := ETLRun{
		RunUID:    uuid.NewString(),
		SourceID:  sourceID,
		StartedAt: time.Now().UTC(),
	}
	if err := s.gdb.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}
	return &run, nil
}

// FinishRun finalizes the run's counters. Called on success and on failure.
func (s *Sink) FinishRun(ctx context.Context, runID uint64, scanned, upserted, atts, errs int, notes *string) error {
	updates := map[string]any{
		"ended_at":      time.Now().UTC(),
		"docs_scanned":  scanned,
		"docs_upserted": upserted,
		"atts_saved":    atts,
		"errors":        errs,
		"notes":         notes,
	}
	err := s.gdb.WithContext(ctx).Model(&ETLRun{}).Where("id = ?", runID).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to finish run %d: %w", runID, err)
	}
	return nil
}

// EnsureItem resolves an item name against the catalog and decides whether
// its values should be stored. Missing names are auto-cataloged under the
// permissive policy and skipped under the strict one.
func (s *Sink) EnsureItem(ctx context.Context, name string, policy ItemFilterPolicy) (itemID uint64, store bool, err error) {
	nameLC := strings.ToLower(name)
	var item Item
	err = s.gdb.WithContext(ctx).Where("name_lc = ?", nameLC).First(&item).Error
	switch {
	case err == nil:
		if item.NotesFilter != nil {
			return item.ID, *item.NotesFilter == 1, nil
		}
		return item.ID, policy == FilterPermissive, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		if policy == FilterStrict {
			return 0, false, nil
		}
	default:
		return 0, false, fmt.Errorf("failed to look up item %q: %w", name, err)
	}

	item = Item{Name: name, NameLC: nameLC}
	err = s.gdb.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name_lc"}},
		DoNothing: true,
	}).Create(&item).Error
	if err != nil {
		return 0, false, fmt.Errorf("failed to catalog item %q: %w", name, err)
	}
	if item.ID == 0 {
		if err := s.gdb.WithContext(ctx).Where("name_lc = ?", nameLC).First(&item).Error; err != nil {
			return 0, false, fmt.Errorf("failed to read back item %q: %w", name, err)
		}
		if item.NotesFilter != nil {
			return item.ID, *item.NotesFilter == 1, nil
		}
	}
	return item.ID, true, nil
}

// GetOrCreateItemValue deduplicates a typed value under its item and
// returns the row id. Existing rows are found with null-safe comparisons
// on every typed column; a unique race on insert falls back to re-select.
func (s *Sink) GetOrCreateItemValue(ctx context.Context, itemID uint64, v TypedValue) (uint64, error) {
	id, err := s.findItemValue(ctx, itemID, v)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("failed to look up item value: %w", err)
	}

	row := ItemValue{
		ItemID:       itemID,
		ValKind:      v.Kind,
		ValHash:      v.Hash(itemID),
		VString:      v.S,
		VText:        v.T,
		VNumber:      v.N,
		VDatetime:    v.DT,
		VBool:        v.B,
		VBytes:       v.Bytes,
		AttachmentID: v.AttachmentID,
	}
	err = s.gdb.WithContext(ctx).Create(&row).Error
	if err == nil {
		return row.ID, nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		id, err = s.findItemValue(ctx, itemID, v)
		if err != nil {
			return 0, fmt.Errorf("failed to re-select item value after duplicate: %w", err)
		}
		return id, nil
	}
	return 0, fmt.Errorf("failed to insert item value: %w", err)
}

func (s *Sink) findItemValue(ctx context.Context, itemID uint64, v TypedValue) (uint64, error) {
	var row ItemValue
	err := s.gdb.WithContext(ctx).
		Where("item_id = ? AND val_kind = ?", itemID, v.Kind).
		Where("v_string IS NOT DISTINCT FROM ?", v.S).
		Where("v_text IS NOT DISTINCT FROM ?", v.T).
		Where("v_number IS NOT DISTINCT FROM ?", v.N).
		Where("v_datetime IS NOT DISTINCT FROM ?", v.DT).
		Where("v_bool IS NOT DISTINCT FROM ?", v.B).
		Where("v_bytes IS NOT DISTINCT FROM ?", v.Bytes).
		Where("attachment_id IS NOT DISTINCT FROM ?", v.AttachmentID).
		Select("id").
		First(&row).Error
	if err != nil {
		return 0, err
	}
	return row.ID, nil
}

// LinkDocItemValue points a document's (item, order) slot at a value row.
func (s *Sink) LinkDocItemValue(ctx context.Context, unid string, itemID uint64, valOrder int, itemValueID uint64, isSummary bool) error {
	link := DocItemValue{
		UNID:        unid,
		ItemID:      itemID,
		ValOrder:    valOrder,
		ItemValueID: itemValueID,
		IsSummary:   isSummary,
	}
	err := s.gdb.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "unid"}, {Name: "item_id"}, {Name: "val_order"}},
		DoUpdates: clause.AssignmentColumns([]string{"item_value_id", "is_summary"}),
	}).Create(&link).Error
	if err != nil {
		return fmt.Errorf("failed to link value to document %s: %w", unid, err)
	}
	return nil
}

// UpsertDocument writes the document header row, replacing every column on
// conflict.
func (s *Sink) UpsertDocument(ctx context.Context, doc *Document) error {
	err := s.gdb.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "unid"}},
		UpdateAll: true,
	}).Create(doc).Error
	if err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", doc.UNID, err)
	}
	return nil
}

// UpsertAttachment records a stored blob and returns the row id, reusing
// the existing row when the same (sha256, unid, filename) was seen before.
func (s *Sink) UpsertAttachment(ctx context.Context, att *Attachment) (uint64, error) {
	err := s.gdb.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sha256"}, {Name: "unid"}, {Name: "filename"}},
		DoNothing: true,
	}).Create(att).Error
	if err != nil {
		return 0, fmt.Errorf("failed to upsert attachment for %s: %w", att.UNID, err)
	}
	if att.ID != 0 {
		return att.ID, nil
	}
	var existing Attachment
	err = s.gdb.WithContext(ctx).
		Where("sha256 = ? AND unid = ?", att.SHA256, att.UNID).
		Where("filename IS NOT DISTINCT FROM ?", att.Filename).
		Select("id").
		First(&existing).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read back attachment for %s: %w", att.UNID, err)
	}
	return existing.ID, nil
}

// UpsertDocumentView records the document's membership in a view under the
// canonical category path. Duplicate memberships are ignored.
func (s *Sink) UpsertDocumentView(ctx context.Context, unid, viewName, categoryPath string) error {
	row := DocumentView{
		UNID:         unid,
		ViewName:     viewName,
		CategoryPath: categoryPath,
		LeafCategory: leafCategory(categoryPath),
	}
	err := s.gdb.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "unid"}, {Name: "view_name"}, {Name: "category_path"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to record view membership %s/%s: %w", unid, viewName, err)
	}
	return nil
}

// leafCategory extracts the last backslash-separated component of a
// category path, nil when the path is empty.
func leafCategory(categoryPath string) *string {
	if categoryPath == "" {
		return nil
	}
	leaf := categoryPath
	if i := strings.LastIndex(categoryPath, "\\"); i >= 0 {
		leaf = categoryPath[i+1:]
	}
	leaf = strings.TrimSpace(leaf)
	if leaf == "" {
		return nil
	}
	if len(leaf) > 255 {
		leaf = leaf[:255]
	}
	return &leaf
}

// LoadCheckpoint returns the checkpoint for (plan, source, view), or nil
// when none exists yet.
func (s *Sink) LoadCheckpoint(ctx context.Context, planID, sourceID uint64, viewName string) (*ETLCheckpoint, error) {
	var cp ETLCheckpoint
	err := s.gdb.WithContext(ctx).
		Where("plan_id = ? AND source_id = ? AND view_name = ?", planID, sourceID, viewName).
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for view %q: %w", viewName, err)
	}
	return &cp, nil
}

// UpsertCheckpoint advances the checkpoint row for (plan, source, view).
func (s *Sink) UpsertCheckpoint(ctx context.Context, planID, sourceID uint64, viewName, snapshotSig string, nextIndex int, lastUNID *string) error {
	cp := ETLCheckpoint{
		PlanID:      planID,
		SourceID:    sourceID,
		ViewName:    viewName,
		SnapshotSig: snapshotSig,
		NextIndex:   nextIndex,
		LastUNID:    lastUNID,
	}
	err := s.gdb.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "plan_id"}, {Name: "source_id"}, {Name: "view_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"snapshot_sig", "next_index", "last_unid", "updated_at"}),
	}).Create(&cp).Error
	if err != nil {
		return fmt.Errorf("failed to upsert checkpoint for view %q: %w", viewName, err)
	}
	return nil
}
