// Package db implements the relational sink for the extraction pipeline:
// schema models, upsert primitives, global item-value deduplication, plan
// and checkpoint storage.
package db

import (
	"crypto/sha256"
	"strconv"
	"strings"
	"time"
)

// ValueKind selects which typed column of an item value row is populated.
type ValueKind string

const (
	KindString   ValueKind = "string"
	KindText     ValueKind = "text"
	KindNumber   ValueKind = "number"
	KindDatetime ValueKind = "datetime"
	KindBool     ValueKind = "bool"
	KindBytes    ValueKind = "bytes"
	KindRichText ValueKind = "richtext"
	KindUnknown  ValueKind = "unknown"
)

// Attachment kinds as stored in attachments.kind.
const (
	AttachmentKindAttachment = "attachment"
	AttachmentKindImage      = "image"
	AttachmentKindOLE        = "ole"
	AttachmentKindObject     = "object"
)

// Source is one upstream database, unique per (server_name, filepath).
type Source struct {
	ID         uint64  `gorm:"primaryKey"`
	ServerName string  `gorm:"size:255;not null;uniqueIndex:uk_source,priority:1"`
	Filepath   string  `gorm:"size:512;not null;uniqueIndex:uk_source,priority:2"`
	ReplicaID  *string `gorm:"size:32"`
	Title      *string `gorm:"size:255"`
	LastSeenAt *time.Time
}

func (Source) TableName() string { return "sources" }

// Document is one upstream document keyed by its universal id.
// Created/Modified are upstream times normalized to UTC with the zone
// dropped; nil means the upstream did not report one.
type Document struct {
	UNID           string     `gorm:"column:unid;primaryKey;size:32"`
	SourceID       uint64     `gorm:"not null;index:idx_documents_source"`
	NoteID         *string    `gorm:"size:16"`
	Form           *string    `gorm:"size:256;index:idx_documents_form"`
	Subject        *string    `gorm:"size:1024"`
	Author         *string    `gorm:"size:512"`
	Created        *time.Time `gorm:"column:created_at"`
	Modified       *time.Time `gorm:"column:modified_at;index:idx_documents_modified"`
	HasAttachments bool       `gorm:"not null;default:false"`
	TextHash       []byte     `gorm:"type:bytea"`
	TextBody       *string    `gorm:"type:text"`
	DocSizeBytes   *int64
}

func (Document) TableName() string { return "documents" }

// Item catalogs attribute names, unique on the lowercased name. NotesFilter
// drives the item filter: a present row stores values only when the filter
// equals 1.
type Item struct {
	ID          uint64 `gorm:"primaryKey"`
	Name        string `gorm:"size:128;not null"`
	NameLC      string `gorm:"column:name_lc;size:128;not null;uniqueIndex:uk_item_name"`
	NotesFilter *int64
}

func (Item) TableName() string { return "items" }

// ItemValue is a globally deduplicated value row. Exactly one typed column
// is populated according to ValKind; rows are unique on
// (item_id, val_kind, val_hash) and never mutated once written.
type ItemValue struct {
	ID           uint64     `gorm:"primaryKey"`
	ItemID       uint64     `gorm:"not null;uniqueIndex:uk_itemvalue_dedup,priority:1;index:idx_item_kind,priority:1"`
	ValKind      ValueKind  `gorm:"size:16;not null;default:unknown;uniqueIndex:uk_itemvalue_dedup,priority:2;index:idx_item_kind,priority:2"`
	ValHash      []byte     `gorm:"type:bytea;uniqueIndex:uk_itemvalue_dedup,priority:3"`
	VString      *string    `gorm:"column:v_string;size:1024;index:idx_iv_string"`
	VText        *string    `gorm:"column:v_text;type:text"`
	VNumber      *float64   `gorm:"column:v_number;index:idx_iv_number"`
	VDatetime    *time.Time `gorm:"column:v_datetime;index:idx_iv_datetime"`
	VBool        *bool      `gorm:"column:v_bool"`
	VBytes       []byte     `gorm:"column:v_bytes;type:bytea"`
	AttachmentID *uint64
}

func (ItemValue) TableName() string { return "item_values" }

// DocItemValue links a document to a deduplicated value at a per-document
// order index. Re-upserting a document rewrites these rows in place.
type DocItemValue struct {
	UNID        string `gorm:"column:unid;primaryKey;size:32"`
	ItemID      uint64 `gorm:"primaryKey"`
	ValOrder    int    `gorm:"primaryKey"`
	ItemValueID uint64 `gorm:"not null;index:idx_div_value"`
	IsSummary   bool   `gorm:"not null;default:false"`
}

func (DocItemValue) TableName() string { return "doc_item_values" }

// Attachment records one stored blob reference, unique per
// (sha256, unid, filename). StoragePath is the CAS-relative path.
type Attachment struct {
	ID          uint64     `gorm:"primaryKey"`
	UNID        string     `gorm:"column:unid;size:32;not null;uniqueIndex:uk_attachment,priority:2;index:idx_attachments_unid"`
	ItemName    *string    `gorm:"size:128"`
	Kind        string     `gorm:"size:16;not null;index:idx_attachments_kind"`
	Filename    *string    `gorm:"size:512;uniqueIndex:uk_attachment,priority:3"`
	MimeType    *string    `gorm:"size:255"`
	SizeBytes   *int64
	SHA256      []byte     `gorm:"column:sha256;type:bytea;not null;uniqueIndex:uk_attachment,priority:1"`
	StoragePath string     `gorm:"size:1024;not null"`
	Created     *time.Time `gorm:"column:created_at"`
}

func (Attachment) TableName() string { return "attachments" }

// DocumentView records a document's membership in a view pass. The empty
// category path stands for uncategorized entries so the composite unique
// key stays well-defined.
type DocumentView struct {
	ID           uint64  `gorm:"primaryKey"`
	UNID         string  `gorm:"column:unid;size:32;not null;uniqueIndex:uk_doc_view,priority:1;index:idx_docviews_unid"`
	ViewName     string  `gorm:"size:255;not null;uniqueIndex:uk_doc_view,priority:2;index:idx_docviews_view"`
	CategoryPath string  `gorm:"size:1024;not null;default:'';uniqueIndex:uk_doc_view,priority:3"`
	LeafCategory *string `gorm:"size:255"`
}

func (DocumentView) TableName() string { return "document_views" }

// ETLRun is the per-source run record; counters are finalized even when the
// run fails.
type ETLRun struct {
	ID           uint64    `gorm:"primaryKey"`
	RunUID       string    `gorm:"column:run_uid;size:36;not null"`
	SourceID     uint64    `gorm:"not null;index:idx_runs_source_time,priority:1"`
	StartedAt    time.Time `gorm:"not null;index:idx_runs_source_time,priority:2"`
	EndedAt      *time.Time
	DocsScanned  int     `gorm:"not null;default:0"`
	DocsUpserted int     `gorm:"not null;default:0"`
	AttsSaved    int     `gorm:"not null;default:0"`
	Errors       int     `gorm:"not null;default:0"`
	Notes        *string `gorm:"size:1024"`
}

func (ETLRun) TableName() string { return "etl_runs" }

// IngestionPlan declares intent to ingest views from one source database.
type IngestionPlan struct {
	ID         uint64  `gorm:"primaryKey"`
	ServerName string  `gorm:"size:255;not null;uniqueIndex:uk_plan,priority:1"`
	Filepath   string  `gorm:"size:512;not null;uniqueIndex:uk_plan,priority:2"`
	Enabled    bool    `gorm:"not null;default:true"`
	Notes      *string `gorm:"size:512"`

	Views []IngestionPlanView `gorm:"foreignKey:PlanID;constraint:OnDelete:CASCADE"`
}

func (IngestionPlan) TableName() string { return "ingestion_plans" }

// IngestionPlanView is one canonical view name within a plan, with an
// optional override pattern pinning the match.
type IngestionPlanView struct {
	ID            uint64  `gorm:"primaryKey"`
	PlanID        uint64  `gorm:"not null;uniqueIndex:uk_plan_view,priority:1"`
	CanonName     string  `gorm:"size:255;not null;uniqueIndex:uk_plan_view,priority:2"`
	Enabled       bool    `gorm:"not null;default:true"`
	RegexOverride *string `gorm:"size:512"`
	Priority      int     `gorm:"not null;default:100"`
}

func (IngestionPlanView) TableName() string { return "ingestion_plan_views" }

// ETLCheckpoint tracks progress through a view snapshot, unique per
// (plan_id, source_id, view_name). NextIndex counts committed rows;
// a signature mismatch on load resets it to zero.
type ETLCheckpoint struct {
	ID          uint64    `gorm:"primaryKey"`
	PlanID      uint64    `gorm:"not null;uniqueIndex:uk_checkpoint,priority:1"`
	SourceID    uint64    `gorm:"not null;uniqueIndex:uk_checkpoint,priority:2"`
	ViewName    string    `gorm:"size:255;not null;uniqueIndex:uk_checkpoint,priority:3"`
	SnapshotSig string    `gorm:"size:64;not null"`
	NextIndex   int       `gorm:"not null;default:0"`
	LastUNID    *string   `gorm:"column:last_unid;size:32"`
	UpdatedAt   time.Time // maintained by gorm on upsert
}

func (ETLCheckpoint) TableName() string { return "etl_checkpoints" }

// TypedValue is the tagged variant a classified item value travels as
// before it is deduplicated into an ItemValue row.
type TypedValue struct {
	Kind         ValueKind
	S            *string
	T            *string
	N            *float64
	DT           *time.Time
	B            *bool
	Bytes        []byte
	AttachmentID *uint64
}

// valHashTimeLayout normalizes datetimes inside the dedup hash.
const valHashTimeLayout = "2006-01-02 15:04:05"

// Hash computes the canonical dedup hash for the value under itemID:
// SHA-256 over the 0x1F-joined canonical field strings, empty for null.
func (v TypedValue) Hash(itemID uint64) []byte {
	fields := []string{
		strconv.FormatUint(itemID, 10),
		string(v.Kind),
		strOrEmpty(v.S),
		strOrEmpty(v.T),
		floatOrEmpty(v.N),
		timeOrEmpty(v.DT),
		boolOrEmpty(v.B),
		idOrEmpty(v.AttachmentID),
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return sum[:]
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func floatOrEmpty(n *float64) string {
	if n == nil {
		return ""
	}
	return strconv.FormatFloat(*n, 'g', -1, 64)
}

func timeOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(valHashTimeLayout)
}

func boolOrEmpty(b *bool) string {
	if b == nil {
		return ""
	}
	if *b {
		return "1"
	}
	return "0"
}

func idOrEmpty(id *uint64) string {
	if id == nil {
		return ""
	}
	return strconv.FormatUint(*id, 10)
}
