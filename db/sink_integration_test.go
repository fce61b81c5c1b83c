//go:build integration

package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"lode.evalgo.org/common"
)

// setupSink starts a PostgreSQL container, connects a sink and migrates the
// schema.
func setupSink(t *testing.T) (*Sink, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start PostgreSQL container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=testuser password=testpass dbname=testdb sslmode=disable", host, port.Port())

	sink, err := Open(dsn, common.NewLogger(common.LoggerConfig{Level: "error"}))
	require.NoError(t, err, "Failed to connect sink")
	require.NoError(t, sink.InitSchema(ctx), "Failed to migrate schema")

	cleanup := func() {
		_ = sink.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return sink, cleanup
}

// TestSink_Integration_InitSchema tests that migration is idempotent and
// creates the expected tables.
func TestSink_Integration_InitSchema(t *testing.T) {
	sink, cleanup := setupSink(t)
	defer cleanup()
	ctx := context.Background()

	// Second run must be a no-op.
	require.NoError(t, sink.InitSchema(ctx))

	for _, table := range []string{
		"sources", "documents", "items", "item_values", "doc_item_values",
		"attachments", "document_views", "etl_runs",
		"ingestion_plans", "ingestion_plan_views", "etl_checkpoints",
	} {
		var exists bool
		err := sink.DB().Raw(
			"SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = ?)",
			table,
		).Scan(&exists).Error
		require.NoError(t, err)
		assert.True(t, exists, "table %s should exist", table)
	}
}

// TestSink_Integration_Sources tests source registration and run records.
func TestSink_Integration_Sources(t *testing.T) {
	sink, cleanup := setupSink(t)
	defer cleanup()
	ctx := context.Background()

	t.Run("get or create is idempotent", func(t *testing.T) {
		id1, err := sink.GetOrCreateSource(ctx, "SRV01/ACME", "hr/people.nsf", common.Ptr("People"), nil)
		require.NoError(t, err)
		require.NotZero(t, id1)

		id2, err := sink.GetOrCreateSource(ctx, "SRV01/ACME", "hr/people.nsf", common.Ptr("People v2"), common.Ptr("8525623B0042F5BE"))
		require.NoError(t, err)
		assert.Equal(t, id1, id2)

		var src Source
		require.NoError(t, sink.DB().First(&src, id1).Error)
		require.NotNil(t, src.Title)
		assert.Equal(t, "People v2", *src.Title)
		require.NotNil(t, src.ReplicaID)
		assert.Equal(t, "8525623B0042F5BE", *src.ReplicaID)
		assert.NotNil(t, src.LastSeenAt)
	})

	t.Run("run lifecycle", func(t *testing.T) {
		sourceID, err := sink.GetOrCreateSource(ctx, "SRV02/ACME", "crm/leads.nsf", nil, nil)
		require.NoError(t, err)

		run, err := sink.StartRun(ctx, sourceID)
		require.NoError(t, err)
		assert.NotZero(t, run.ID)
		assert.Len(t, run.RunUID, 36)
		assert.Nil(t, run.EndedAt)

		require.NoError(t, sink.FinishRun(ctx, run.ID, 10, 9, 3, 1, common.Ptr("one failure")))

		var final ETLRun
		require.NoError(t, sink.DB().First(&final, run.ID).Error)
		assert.NotNil(t, final.EndedAt)
		assert.Equal(t, 10, final.DocsScanned)
		assert.Equal(t, 9, final.DocsUpserted)
		assert.Equal(t, 3, final.AttsSaved)
		assert.Equal(t, 1, final.Errors)
	})
}

// TestSink_Integration_ItemCatalog tests the filter policies around the
// items catalog.
func TestSink_Integration_ItemCatalog(t *testing.T) {
	sink, cleanup := setupSink(t)
	defer cleanup()
	ctx := context.Background()

	t.Run("permissive auto-catalogs unknown names", func(t *testing.T) {
		id, store, err := sink.EnsureItem(ctx, "Subject", FilterPermissive)
		require.NoError(t, err)
		assert.True(t, store)
		assert.NotZero(t, id)

		// Same name again resolves to the same row.
		id2, store2, err := sink.EnsureItem(ctx, "SUBJECT", FilterPermissive)
		require.NoError(t, err)
		assert.True(t, store2)
		assert.Equal(t, id, id2)

		var count int64
		sink.DB().Model(&Item{}).Where("name_lc = ?", "subject").Count(&count)
		assert.Equal(t, int64(1), count)
	})

	t.Run("strict skips unknown names without cataloging", func(t *testing.T) {
		_, store, err := sink.EnsureItem(ctx, "SecretField", FilterStrict)
		require.NoError(t, err)
		assert.False(t, store)

		var count int64
		sink.DB().Model(&Item{}).Where("name_lc = ?", "secretfield").Count(&count)
		assert.Equal(t, int64(0), count)
	})

	t.Run("cataloged filter decides for both policies", func(t *testing.T) {
		require.NoError(t, sink.DB().Create(&Item{Name: "Body", NameLC: "body", NotesFilter: common.Ptr(int64(1))}).Error)
		require.NoError(t, sink.DB().Create(&Item{Name: "Internal", NameLC: "internal", NotesFilter: common.Ptr(int64(0))}).Error)

		_, store, err := sink.EnsureItem(ctx, "Body", FilterStrict)
		require.NoError(t, err)
		assert.True(t, store)

		_, store, err = sink.EnsureItem(ctx, "Internal", FilterPermissive)
		require.NoError(t, err)
		assert.False(t, store, "explicit zero filter must win over permissive")
	})
}

// TestSink_Integration_ValueDedup tests global deduplication of typed
// values.
func TestSink_Integration_ValueDedup(t *testing.T) {
	sink, cleanup := setupSink(t)
	defer cleanup()
	ctx := context.Background()

	itemID, _, err := sink.EnsureItem(ctx, "Status", FilterPermissive)
	require.NoError(t, err)

	t.Run("identical values share a row", func(t *testing.T) {
		v := TypedValue{Kind: KindString, S: common.Ptr("Approved")}
		id1, err := sink.GetOrCreateItemValue(ctx, itemID, v)
		require.NoError(t, err)
		id2, err := sink.GetOrCreateItemValue(ctx, itemID, v)
		require.NoError(t, err)
		assert.Equal(t, id1, id2)

		var count int64
		sink.DB().Model(&ItemValue{}).Where("item_id = ?", itemID).Count(&count)
		assert.Equal(t, int64(1), count)
	})

	t.Run("distinct values get distinct rows", func(t *testing.T) {
		dt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		values := []TypedValue{
			{Kind: KindString, S: common.Ptr("Rejected")},
			{Kind: KindNumber, N: common.Ptr(42.0)},
			{Kind: KindDatetime, DT: &dt},
			{Kind: KindBool, B: common.Ptr(true)},
			{Kind: KindUnknown},
		}
		seen := map[uint64]bool{}
		for _, v := range values {
			id, err := sink.GetOrCreateItemValue(ctx, itemID, v)
			require.NoError(t, err)
			assert.False(t, seen[id], "value row reused across distinct values")
			seen[id] = true
		}
	})

	t.Run("long text keeps prefix and full body", func(t *testing.T) {
		full := ""
		for i := 0; i < 200; i++ {
			full += "0123456789"
		}
		prefix := full[:1024]
		v := TypedValue{Kind: KindText, S: &prefix, T: &full}
		id, err := sink.GetOrCreateItemValue(ctx, itemID, v)
		require.NoError(t, err)

		var row ItemValue
		require.NoError(t, sink.DB().First(&row, id).Error)
		require.NotNil(t, row.VString)
		require.NotNil(t, row.VText)
		assert.Len(t, *row.VString, 1024)
		assert.Len(t, *row.VText, 2000)
	})
}

// TestSink_Integration_Documents tests document, link, attachment and view
// membership upserts.
func TestSink_Integration_Documents(t *testing.T) {
	sink, cleanup := setupSink(t)
	defer cleanup()
	ctx := context.Background()

	sourceID, err := sink.GetOrCreateSource(ctx, "SRV01/ACME", "hr/people.nsf", nil, nil)
	require.NoError(t, err)

	unid := "0123456789ABCDEF0123456789ABCDEF"

	t.Run("document upsert replaces columns", func(t *testing.T) {
		doc := &Document{UNID: unid, SourceID: sourceID, Subject: common.Ptr("first")}
		require.NoError(t, sink.UpsertDocument(ctx, doc))

		doc2 := &Document{UNID: unid, SourceID: sourceID, Subject: common.Ptr("second"), HasAttachments: true}
		require.NoError(t, sink.UpsertDocument(ctx, doc2))

		var stored Document
		require.NoError(t, sink.DB().First(&stored, "unid = ?", unid).Error)
		require.NotNil(t, stored.Subject)
		assert.Equal(t, "second", *stored.Subject)
		assert.True(t, stored.HasAttachments)

		var count int64
		sink.DB().Model(&Document{}).Count(&count)
		assert.Equal(t, int64(1), count)
	})

	t.Run("link rewrite points slot at new value", func(t *testing.T) {
		itemID, _, err := sink.EnsureItem(ctx, "Status", FilterPermissive)
		require.NoError(t, err)
		v1, err := sink.GetOrCreateItemValue(ctx, itemID, TypedValue{Kind: KindString, S: common.Ptr("Draft")})
		require.NoError(t, err)
		v2, err := sink.GetOrCreateItemValue(ctx, itemID, TypedValue{Kind: KindString, S: common.Ptr("Final")})
		require.NoError(t, err)

		require.NoError(t, sink.LinkDocItemValue(ctx, unid, itemID, 0, v1, true))
		require.NoError(t, sink.LinkDocItemValue(ctx, unid, itemID, 0, v2, false))

		var link DocItemValue
		require.NoError(t, sink.DB().First(&link, "unid = ? AND item_id = ? AND val_order = 0", unid, itemID).Error)
		assert.Equal(t, v2, link.ItemValueID)
		assert.False(t, link.IsSummary)

		var count int64
		sink.DB().Model(&DocItemValue{}).Where("unid = ?", unid).Count(&count)
		assert.Equal(t, int64(1), count)
	})

	t.Run("attachment upsert returns stable id", func(t *testing.T) {
		sha := make([]byte, 32)
		sha[0] = 0xAB
		att := &Attachment{
			UNID:        unid,
			Kind:        AttachmentKindAttachment,
			Filename:    common.Ptr("report.pdf"),
			SHA256:      sha,
			StoragePath: "ab/00/report.bin",
			SizeBytes:   common.Ptr(int64(2048)),
		}
		id1, err := sink.UpsertAttachment(ctx, att)
		require.NoError(t, err)

		id2, err := sink.UpsertAttachment(ctx, &Attachment{
			UNID:        unid,
			Kind:        AttachmentKindAttachment,
			Filename:    common.Ptr("report.pdf"),
			SHA256:      sha,
			StoragePath: "ab/00/report.bin",
		})
		require.NoError(t, err)
		assert.Equal(t, id1, id2)

		var count int64
		sink.DB().Model(&Attachment{}).Where("unid = ?", unid).Count(&count)
		assert.Equal(t, int64(1), count)
	})

	t.Run("view membership is idempotent", func(t *testing.T) {
		require.NoError(t, sink.UpsertDocumentView(ctx, unid, "people", "HR\\Benefits\\Dental"))
		require.NoError(t, sink.UpsertDocumentView(ctx, unid, "people", "HR\\Benefits\\Dental"))
		require.NoError(t, sink.UpsertDocumentView(ctx, unid, "people", ""))
		require.NoError(t, sink.UpsertDocumentView(ctx, unid, "people", ""))

		var rows []DocumentView
		require.NoError(t, sink.DB().Where("unid = ?", unid).Order("category_path").Find(&rows).Error)
		require.Len(t, rows, 2)
		assert.Equal(t, "", rows[0].CategoryPath)
		assert.Nil(t, rows[0].LeafCategory)
		assert.Equal(t, "HR\\Benefits\\Dental", rows[1].CategoryPath)
		require.NotNil(t, rows[1].LeafCategory)
		assert.Equal(t, "Dental", *rows[1].LeafCategory)
	})
}

// TestSink_Integration_Checkpoints tests checkpoint persistence.
func TestSink_Integration_Checkpoints(t *testing.T) {
	sink, cleanup := setupSink(t)
	defer cleanup()
	ctx := context.Background()

	sourceID, err := sink.GetOrCreateSource(ctx, "SRV01/ACME", "hr/people.nsf", nil, nil)
	require.NoError(t, err)
	planID := uint64(1)

	cp, err := sink.LoadCheckpoint(ctx, planID, sourceID, "people")
	require.NoError(t, err)
	assert.Nil(t, cp, "fresh view should have no checkpoint")

	sig := "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	require.NoError(t, sink.UpsertCheckpoint(ctx, planID, sourceID, "people", sig, 50, common.Ptr("0123456789ABCDEF0123456789ABCDEF")))

	cp, err = sink.LoadCheckpoint(ctx, planID, sourceID, "people")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, sig, cp.SnapshotSig)
	assert.Equal(t, 50, cp.NextIndex)

	require.NoError(t, sink.UpsertCheckpoint(ctx, planID, sourceID, "people", sig, 100, nil))
	cp, err = sink.LoadCheckpoint(ctx, planID, sourceID, "people")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 100, cp.NextIndex)

	var count int64
	sink.DB().Model(&ETLCheckpoint{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

// TestSink_Integration_PlanFile tests applying and loading plan files.
func TestSink_Integration_PlanFile(t *testing.T) {
	sink, cleanup := setupSink(t)
	defer cleanup()
	ctx := context.Background()

	planYAML := []byte(`
plans:
  - server: SRV01/ACME
    filepath: hr/people.nsf
    notes: primary HR database
    views:
      - name: people
        priority: 10
      - name: contracts
        regex: '(?i)contracts?'
  - server: SRV02/ACME
    filepath: crm/leads.nsf
    enabled: false
    views:
      - name: leads
items:
  - name: Form
    filter: 1
  - name: $Revisions
    filter: 0
`)

	stats, err := sink.ApplyPlanFile(ctx, planYAML)
	require.NoError(t, err)
	assert.Equal(t, ApplyStats{Plans: 2, Views: 3, Items: 2}, stats)

	// Re-applying must not duplicate anything.
	_, err = sink.ApplyPlanFile(ctx, planYAML)
	require.NoError(t, err)

	var planCount, viewCount int64
	sink.DB().Model(&IngestionPlan{}).Count(&planCount)
	sink.DB().Model(&IngestionPlanView{}).Count(&viewCount)
	assert.Equal(t, int64(2), planCount)
	assert.Equal(t, int64(3), viewCount)

	t.Run("load returns only enabled plans and views", func(t *testing.T) {
		plans, err := sink.LoadPlans(ctx)
		require.NoError(t, err)
		require.Len(t, plans, 1)
		assert.Equal(t, "SRV01/ACME", plans[0].ServerName)
		require.Len(t, plans[0].Views, 2)
		assert.Equal(t, "people", plans[0].Views[0].CanonName, "lower priority must come first")
		assert.Nil(t, plans[0].Views[0].RegexOverride)
		require.NotNil(t, plans[0].Views[1].RegexOverride)
		assert.Equal(t, "(?i)contracts?", *plans[0].Views[1].RegexOverride)
	})

	t.Run("list includes disabled plans", func(t *testing.T) {
		plans, err := sink.ListPlans(ctx)
		require.NoError(t, err)
		assert.Len(t, plans, 2)
	})

	t.Run("seeded items carry their filter", func(t *testing.T) {
		var item Item
		require.NoError(t, sink.DB().Where("name_lc = ?", "$revisions").First(&item).Error)
		require.NotNil(t, item.NotesFilter)
		assert.Equal(t, int64(0), *item.NotesFilter)
	})
}

// TestSink_Integration_TxSavepoints tests that a failing inner unit rolls
// back alone while the surrounding batch commits.
func TestSink_Integration_TxSavepoints(t *testing.T) {
	sink, cleanup := setupSink(t)
	defer cleanup()
	ctx := context.Background()

	sourceID, err := sink.GetOrCreateSource(ctx, "SRV01/ACME", "hr/people.nsf", nil, nil)
	require.NoError(t, err)

	err = sink.Tx(ctx, func(batch *Sink) error {
		good := &Document{UNID: "AAAA0000AAAA0000AAAA0000AAAA0000", SourceID: sourceID}
		if err := batch.UpsertDocument(ctx, good); err != nil {
			return err
		}
		// Inner unit fails and must not poison the batch.
		innerErr := batch.Tx(ctx, func(doc *Sink) error {
			bad := &Document{UNID: "BBBB0000BBBB0000BBBB0000BBBB0000", SourceID: sourceID}
			if err := doc.UpsertDocument(ctx, bad); err != nil {
				return err
			}
			return fmt.Errorf("document conversion failed")
		})
		assert.Error(t, innerErr)
		return nil
	})
	require.NoError(t, err)

	var count int64
	sink.DB().Model(&Document{}).Where("unid = ?", "AAAA0000AAAA0000AAAA0000AAAA0000").Count(&count)
	assert.Equal(t, int64(1), count, "outer work should be committed")

	sink.DB().Model(&Document{}).Where("unid = ?", "BBBB0000BBBB0000BBBB0000BBBB0000").Count(&count)
	assert.Equal(t, int64(0), count, "inner work should be rolled back")

	t.Run("outer failure discards everything", func(t *testing.T) {
		err := sink.Tx(ctx, func(batch *Sink) error {
			doc := &Document{UNID: "CCCC0000CCCC0000CCCC0000CCCC0000", SourceID: sourceID}
			if err := batch.UpsertDocument(ctx, doc); err != nil {
				return err
			}
			return fmt.Errorf("simulated batch failure")
		})
		assert.Error(t, err)

		var count int64
		sink.DB().Model(&Document{}).Where("unid = ?", "CCCC0000CCCC0000CCCC0000CCCC0000").Count(&count)
		assert.Equal(t, int64(0), count)
	})
}
