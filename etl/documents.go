package etl

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"lode.evalgo.org/bridge"
	"lode.evalgo.org/cas"
	"lode.evalgo.org/db"
)

// Metadata column limits.
const (
	formMax    = 256
	subjectMax = 1024
	authorMax  = 512
)

// Stats accumulates run counters across views. Counters are advanced as
// work happens and are not rolled back with failed documents, matching the
// run record's attempted-work semantics.
type Stats struct {
	Scanned  int
	Upserted int
	Atts     int
	Errors   int
}

// Upserter converts fetched documents into sink rows. Attachment blobs are
// extracted into tmpDir before moving into the content store.
type Upserter struct {
	store  *cas.Store
	logger *logrus.Logger
	policy db.ItemFilterPolicy
	tmpDir string
}

// NewUpserter builds an upserter writing blobs through store.
func NewUpserter(store *cas.Store, logger *logrus.Logger, policy db.ItemFilterPolicy, tmpDir string) *Upserter {
	return &Upserter{store: store, logger: logger, policy: policy, tmpDir: tmpDir}
}

type attachmentMeta struct {
	itemName  *string
	kind      string
	filename  string
	sizeBytes int64
	sha256    []byte
	relPath   string
}

// UpsertDocument ingests one document inside the caller's transaction
// scope: header row, normalized item values, stored attachments and the
// $FILE linker. Returns the unid, or "" when the document carries none.
func (u *Upserter) UpsertDocument(ctx context.Context, tx *db.Sink, doc bridge.Document, sourceID uint64, stats *Stats) (string, error) {
	unid := doc.UNID()
	if unid == "" {
		return "", nil
	}
	items, err := doc.Items()
	if err != nil {
		return "", fmt.Errorf("failed to read items of %s: %w", unid, err)
	}

	var subject, form, author *string
	for _, item := range items {
		nm := strings.ToLower(item.Name())
		vals, err := item.Values()
		if err != nil || len(vals) == 0 {
			continue
		}
		v0 := stringify(vals[0])
		switch {
		case subject == nil && nm == "subject":
			subject = &v0
		case form == nil && nm == "form":
			form = &v0
		case author == nil && (nm == "author" || nm == "from" || nm == "postedby"):
			author = &v0
		}
	}
	subject = safeStr(u.logger, subject, subjectMax, "subject")
	form = safeStr(u.logger, form, formMax, "form")
	author = safeStr(u.logger, author, authorMax, "author")

	var created, modified *time.Time
	if t, ok := doc.Created(); ok {
		t = t.UTC()
		created = &t
	}
	if t, ok := doc.LastModified(); ok {
		t = t.UTC()
		modified = &t
	}

	textBody := BuildTextBody(items)
	var textHash []byte
	var docSize *int64
	if textBody != "" {
		sum := sha256.Sum256([]byte(textBody))
		textHash = sum[:]
		n := int64(len(textBody))
		docSize = &n
	}

	metas, err := u.extractEmbedded(items, unid)
	if err != nil {
		return "", err
	}

	var noteID *string
	if id := strings.TrimSpace(doc.NoteID()); id != "" {
		noteID = &id
	}

	err = tx.UpsertDocument(ctx, &db.Document{
		UNID:           unid,
		SourceID:       sourceID,
		NoteID:         noteID,
		Form:           form,
		Subject:        subject,
		Author:         author,
		Created:        created,
		Modified:       modified,
		HasAttachments: len(metas) > 0,
		TextHash:       textHash,
		TextBody:       &textBody,
		DocSizeBytes:   docSize,
	})
	if err != nil {
		return "", err
	}
	stats.Upserted++

	for _, item := range items {
		itemID, store, err := tx.EnsureItem(ctx, item.Name(), u.policy)
		if err != nil {
			return "", err
		}
		if !store {
			continue
		}
		if isRichItem(item) {
			if err := u.writeValue(ctx, tx, unid, itemID, 0, Classify(item.Text(), true)); err != nil {
				return "", err
			}
			continue
		}
		vals, err := item.Values()
		if err != nil {
			continue
		}
		for i, v := range vals {
			if err := u.writeValue(ctx, tx, unid, itemID, i, Classify(v, false)); err != nil {
				return "", err
			}
		}
	}

	attIDByFilename := make(map[string]uint64, len(metas))
	now := time.Now().UTC()
	for _, m := range metas {
		id, err := tx.UpsertAttachment(ctx, &db.Attachment{
			UNID:        unid,
			ItemName:    m.itemName,
			Kind:        m.kind,
			Filename:    &m.filename,
			SizeBytes:   &m.sizeBytes,
			SHA256:      m.sha256,
			StoragePath: m.relPath,
			Created:     &now,
		})
		if err != nil {
			return "", err
		}
		if id != 0 {
			attIDByFilename[m.filename] = id
		}
		stats.Atts++
	}

	for _, item := range items {
		if item.Name() != "$FILE" {
			continue
		}
		itemID, store, err := tx.EnsureItem(ctx, "$FILE", u.policy)
		if err != nil {
			return "", err
		}
		if !store {
			continue
		}
		vals, err := item.Values()
		if err != nil {
			continue
		}
		for i, v := range vals {
			fn := stringify(v)
			tv := db.TypedValue{Kind: db.KindString, S: &fn}
			if attID, ok := attIDByFilename[fn]; ok {
				tv.AttachmentID = &attID
			}
			if err := u.writeValue(ctx, tx, unid, itemID, i, tv); err != nil {
				return "", err
			}
		}
	}

	return unid, nil
}

func (u *Upserter) writeValue(ctx context.Context, tx *db.Sink, unid string, itemID uint64, order int, tv db.TypedValue) error {
	valueID, err := tx.GetOrCreateItemValue(ctx, itemID, tv)
	if err != nil {
		return err
	}
	return tx.LinkDocItemValue(ctx, unid, itemID, order, valueID, false)
}

// extractEmbedded pulls every embedded object of a known kind into the
// content store. Unknown kinds and extraction failures are logged and
// skipped; a store failure fails the document.
func (u *Upserter) extractEmbedded(items []bridge.Item, unid string) ([]attachmentMeta, error) {
	var out []attachmentMeta
	for _, item := range items {
		eos, err := item.EmbeddedObjects()
		if err != nil || len(eos) == 0 {
			continue
		}
		for idx, eo := range eos {
			name := eo.Name()
			if name == "" {
				name = fmt.Sprintf("Unnamed_%d", idx+1)
			}
			var kind string
			switch eo.Kind() {
			case bridge.EmbedAttachment:
				kind = db.AttachmentKindAttachment
			case bridge.EmbedImage:
				kind = db.AttachmentKindImage
			case bridge.EmbedOLE:
				kind = db.AttachmentKindOLE
			default:
				u.logger.Debugf("Skipping embedded object of type %d (%s)", eo.Kind(), name)
				continue
			}
			dest := filepath.Join(u.tmpDir, SanitizeFolderName(name, 255))
			if err := eo.ExtractTo(dest); err != nil {
				u.logger.Warnf("Extract failed for %s on %s: %v", name, unid, err)
				continue
			}
			digest, rel, size, err := u.store.Put(dest)
			_ = os.Remove(dest)
			if err != nil {
				return nil, fmt.Errorf("failed to store attachment %s of %s: %w", name, unid, err)
			}
			meta := attachmentMeta{
				kind:      kind,
				filename:  name,
				sizeBytes: size,
				sha256:    digest[:],
				relPath:   rel,
			}
			if in := item.Name(); in != "" {
				meta.itemName = &in
			}
			out = append(out, meta)
		}
	}
	return out, nil
}
