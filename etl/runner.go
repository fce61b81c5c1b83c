package etl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"lode.evalgo.org/bridge"
	"lode.evalgo.org/cas"
	"lode.evalgo.org/db"
)

// defaultBatchSize is how many snapshot entries commit per transaction.
const defaultBatchSize = 50

// RunnerOptions tune a Runner. Zero values fall back to defaults.
type RunnerOptions struct {
	// Password unlocks the bridge session.
	Password string
	// BatchSize overrides the per-transaction document count.
	BatchSize int
	// CategoryColumn is the view column carrying category paths.
	CategoryColumn int
	// Policy decides what happens to uncataloged item names.
	Policy db.ItemFilterPolicy
	// Synonyms extend or replace entries of the default synonym table.
	Synonyms map[string][]string
}

// Runner walks every enabled ingestion plan: opens the plan's database,
// selects its views, snapshots them and ingests documents in checkpointed
// batches.
type Runner struct {
	sink      *db.Sink
	connector bridge.Connector
	store     *cas.Store
	logger    *logrus.Logger

	password    string
	batchSize   int
	categoryCol int
	policy      db.ItemFilterPolicy
	selector    *Selector
}

// NewRunner wires a runner from its collaborators.
func NewRunner(sink *db.Sink, connector bridge.Connector, store *cas.Store, logger *logrus.Logger, opts RunnerOptions) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Policy == "" {
		opts.Policy = db.FilterPermissive
	}
	// Configured synonyms replace defaults by name, ignoring case: config
	// layers lowercase their map keys.
	synonyms := DefaultSynonyms()
	for canon, patterns := range opts.Synonyms {
		for existing := range synonyms {
			if existing != canon && strings.EqualFold(existing, canon) {
				delete(synonyms, existing)
			}
		}
		synonyms[canon] = patterns
	}
	return &Runner{
		sink:        sink,
		connector:   connector,
		store:       store,
		logger:      logger,
		password:    opts.Password,
		batchSize:   opts.BatchSize,
		categoryCol: opts.CategoryColumn,
		policy:      opts.Policy,
		selector:    NewSelector(logger, synonyms),
	}
}

// Run executes every enabled ingestion plan. A failing plan is logged and
// finalized, and the remaining plans still run; only context cancellation
// stops the walk.
func (r *Runner) Run(ctx context.Context) error {
	plans, err := r.sink.LoadPlans(ctx)
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		r.logger.Info("Nothing to do. Populate ingestion_plans and ingestion_plan_views")
		return nil
	}
	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.runPlan(ctx, plan); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			r.logger.Errorf("Plan %s:%s failed: %v", plan.ServerName, plan.Filepath, err)
		}
	}
	r.logger.Info("Ingest complete for all enabled plans")
	return nil
}

// runPlan ingests one plan under a run record that is finalized no matter
// how the plan ends.
func (r *Runner) runPlan(ctx context.Context, plan db.IngestionPlan) error {
	openDB := func() (bridge.Database, error) {
		dbh, _, err := r.openDatabase(ctx, plan.ServerName, plan.Filepath)
		return dbh, err
	}

	dbh, effServer, err := r.openDatabase(ctx, plan.ServerName, plan.Filepath)
	if err != nil {
		return fmt.Errorf("failed to open %s:%s: %w", plan.ServerName, plan.Filepath, err)
	}

	var title, replica *string
	if t := dbh.Title(); t != "" {
		title = &t
	}
	if rid := dbh.ReplicaID(); rid != "" {
		replica = &rid
	}
	sourceID, err := r.sink.GetOrCreateSource(ctx, effServer, plan.Filepath, title, replica)
	if err != nil {
		return err
	}
	run, err := r.sink.StartRun(ctx, sourceID)
	if err != nil {
		return err
	}

	stats := &Stats{}
	runErr := r.runViews(ctx, plan, sourceID, dbh, stats, openDB)

	var note *string
	if runErr != nil {
		n := truncateRunes(runErr.Error(), 1024)
		note = &n
	}
	if err := r.sink.FinishRun(context.WithoutCancel(ctx), run.ID, stats.Scanned, stats.Upserted, stats.Atts, stats.Errors, note); err != nil {
		r.logger.Errorf("Failed to finalize run %s: %v", run.RunUID, err)
	}
	r.logger.Infof("Run %s finished: scanned=%s upserted=%s attachments=%s errors=%s",
		run.RunUID,
		humanize.Comma(int64(stats.Scanned)),
		humanize.Comma(int64(stats.Upserted)),
		humanize.Comma(int64(stats.Atts)),
		humanize.Comma(int64(stats.Errors)))
	return runErr
}

func (r *Runner) runViews(ctx context.Context, plan db.IngestionPlan, sourceID uint64, dbh bridge.Database, stats *Stats, openDB func() (bridge.Database, error)) error {
	targets := make([]string, 0, len(plan.Views))
	overrides := make(map[string]string, len(plan.Views))
	for _, v := range plan.Views {
		targets = append(targets, v.CanonName)
		if v.RegexOverride != nil {
			overrides[v.CanonName] = *v.RegexOverride
		}
	}

	selected, err := r.selector.SelectViews(dbh, targets, overrides, plan.ID)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		r.logger.Infof("No views selected for plan %s:%s", plan.ServerName, plan.Filepath)
		return nil
	}
	for _, sel := range selected {
		if err := r.processView(ctx, plan.ID, sourceID, dbh, sel, stats, openDB); err != nil {
			return err
		}
	}
	return nil
}

// processView snapshots one view and ingests its documents in batches.
// Each batch commits in a single transaction together with the advanced
// checkpoint; inside it every document runs under its own savepoint so one
// bad document cannot take the batch down.
func (r *Runner) processView(ctx context.Context, planID, sourceID uint64, dbh bridge.Database, sel SelectedView, stats *Stats, openDB func() (bridge.Database, error)) error {
	tmpDir, err := os.MkdirTemp("", "lode_tmp_")
	if err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	r.logger.Infof("→ View %q", sel.ViewName)

	snapshot, err := SnapshotView(ctx, r.logger, sel.View, r.categoryCol)
	if err != nil {
		return err
	}
	r.logger.Infof("  Snapshot captured: %d entries", len(snapshot))
	sig := Signature(snapshot)

	ckpt, err := r.sink.LoadCheckpoint(ctx, planID, sourceID, sel.ViewName)
	if err != nil {
		return err
	}
	nextIdx := 0
	if ckpt != nil {
		if ckpt.SnapshotSig == sig {
			nextIdx = ckpt.NextIndex
		} else {
			r.logger.Info("View membership changed; restarting index at 0")
		}
	}

	rc := bridge.NewReopenContext(openDB, func(dbh bridge.Database, name string) (bridge.View, error) {
		return dbh.View(name)
	})
	rc.Track(dbh, sel.View, sel.ViewName)

	upserter := NewUpserter(r.store, r.logger, r.policy, tmpDir)
	total := len(snapshot)
	for nextIdx < total {
		end := min(nextIdx+r.batchSize, total)
		batch := snapshot[nextIdx:end]
		lastUNID := batch[len(batch)-1].UNID

		err := r.sink.Tx(ctx, func(btx *db.Sink) error {
			for _, entry := range batch {
				var document bridge.Document
				fetchErr := bridge.RetryWithReopen(ctx, r.logger, rc, func() error {
					handle, err := rc.DB()
					if err != nil {
						return err
					}
					var err2 error
					document, err2 = handle.DocumentByUNID(entry.UNID)
					return err2
				})
				if fetchErr != nil {
					if errors.Is(fetchErr, context.Canceled) || errors.Is(fetchErr, context.DeadlineExceeded) {
						return fetchErr
					}
					stats.Errors++
					r.logger.Warnf("Skipping UNID %s: %v", entry.UNID, fetchErr)
					continue
				}

				docErr := btx.Tx(ctx, func(dtx *db.Sink) error {
					unid, err := upserter.UpsertDocument(ctx, dtx, document, sourceID, stats)
					if err != nil {
						return err
					}
					if unid != "" {
						return dtx.UpsertDocumentView(ctx, unid, sel.ViewName, entry.CategoryPath)
					}
					return nil
				})
				if docErr != nil {
					if errors.Is(docErr, context.Canceled) || errors.Is(docErr, context.DeadlineExceeded) {
						return docErr
					}
					stats.Errors++
					r.logger.Warnf("Skipping UNID %s due to error: %v", entry.UNID, docErr)
					continue
				}
				stats.Scanned++
			}
			return btx.UpsertCheckpoint(ctx, planID, sourceID, sel.ViewName, sig, end, &lastUNID)
		})
		if err != nil {
			return err
		}
		nextIdx = end
		r.logger.Infof("  Checkpoint updated: %d/%d", nextIdx, total)
	}
	return nil
}

// openDatabase opens server!!filepath through a fresh session, falling back
// to the local replica when the server copy will not open. Returns the
// handle and the effective server name ("" for the local replica).
func (r *Runner) openDatabase(ctx context.Context, server, path string) (bridge.Database, string, error) {
	sess, err := r.connector.OpenSession(r.password)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open bridge session: %w", err)
	}

	open := func(srv string) (bridge.Database, error) {
		var dbh bridge.Database
		err := bridge.Retry(ctx, r.logger, func() error {
			var err error
			dbh, err = sess.Database(srv, path)
			if err != nil {
				return err
			}
			if !dbh.IsOpen() {
				// Open may fail transiently; IsOpen is re-checked after.
				_ = dbh.Open(srv, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return dbh, nil
	}

	dbh, err := open(server)
	if err != nil {
		return nil, "", err
	}
	if dbh.IsOpen() {
		r.logger.Infof("Opened server DB: %s:%s", server, path)
		return dbh, server, nil
	}

	dbh, err = open("")
	if err != nil {
		return nil, "", err
	}
	if !dbh.IsOpen() {
		return nil, "", fmt.Errorf("database %s:%s did not open on the server or locally", server, path)
	}
	r.logger.Infof("Opened LOCAL DB: %s", path)
	return dbh, "", nil
}
