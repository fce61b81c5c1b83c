package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"lode.evalgo.org/bridge"
	"lode.evalgo.org/cas"
	"lode.evalgo.org/db"
	"lode.evalgo.org/etl"
)

func init() {
	RootCmd.AddCommand(extractCmd)
	extractCmd.Flags().Int("batch-size", 0, "documents committed per transaction (overrides config)")
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "run all enabled ingestion plans against the document bridge",
	Long: `extract opens each enabled ingestion plan's database through the host
bridge, resolves the plan's canonical view names against the actual views,
snapshots their entries and upserts every referenced document into the SQL
schema. Attachments and oversized text land in the content-addressed store.

Progress is checkpointed per (plan, view) in the same transaction as each
document batch, so an interrupted run resumes where it stopped. The bridge
connector itself is provided by the platform bridge module linked into the
binary.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}

		connector, err := bridge.DefaultConnector()
		if err != nil {
			return err
		}
		policy, err := db.ParseItemFilterPolicy(cfg.Extract.ItemFilterPolicy)
		if err != nil {
			return err
		}
		if batch, _ := cmd.Flags().GetInt("batch-size"); batch > 0 {
			cfg.Extract.BatchSize = batch
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sink, err := openSink(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer sink.Close()

		store, err := cas.New(cfg.CAS.Root, logger)
		if err != nil {
			return err
		}

		runner := etl.NewRunner(sink, connector, store, logger, etl.RunnerOptions{
			Password:       cfg.Notes.Password,
			BatchSize:      cfg.Extract.BatchSize,
			CategoryColumn: cfg.Extract.CategoryColumn,
			Policy:         policy,
			Synonyms:       cfg.Extract.ViewSynonyms,
		})
		return runner.Run(ctx)
	},
}
