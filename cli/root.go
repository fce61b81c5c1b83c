// Package cli provides the lode command-line interface.
//
// The root command carries the shared --config flag; each subcommand loads
// the configuration, builds the logger and wires the components it needs:
//
//	lode extract              run all enabled ingestion plans
//	lode org                  export the organizational directory
//	lode plan apply -f FILE   upsert ingestion plans from YAML
//	lode plan list            print the stored plans
//	lode version              print version information
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags
//  2. Environment variables (LODE_ prefix, plus the legacy unprefixed names)
//  3. .env file
//  4. Configuration file (./lode.yaml and the other standard locations)
//  5. Default values
package cli

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"lode.evalgo.org/common"
	"lode.evalgo.org/config"
	"lode.evalgo.org/db"
)

// cfgFile holds the path to the configuration file specified via the
// --config flag.
var cfgFile string

// RootCmd is the entry point of the lode binary.
var RootCmd = &cobra.Command{
	Use:   "lode",
	Short: "extract legacy document databases and the org directory into SQL and JSON",
	Long: `LODE Legacy Org & Document Extraction

lode moves two legacy surfaces into analyzable form:

- extract walks the configured ingestion plans against the document
  database bridge, snapshots the matching views and streams every
  referenced document into a normalized SQL schema, with binary
  attachments stored in a content-addressed blob store.
- org exports the organizational directory from Microsoft Graph into
  flat and nested JSON snapshots for the org viewer.

Both commands resume after interruption: extract through per-view
checkpoints committed with their batches, org through a saved managers
file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./lode.yaml)")
}

// setup loads the configuration and builds the logger shared by a command
// invocation.
func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger := common.NewLogger(common.LoggerConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	return cfg, logger, nil
}

// openSink connects to the configured SQL sink and ensures the schema is in
// place. The caller owns the returned sink and must Close it.
func openSink(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*db.Sink, error) {
	if cfg.SQL.DSN == "" {
		return nil, errors.New("sql.dsn is not configured (set LODE_SQL_DSN or sql.dsn in lode.yaml)")
	}
	sink, err := db.Open(cfg.SQL.DSN, logger)
	if err != nil {
		return nil, err
	}
	if err := sink.InitSchema(ctx); err != nil {
		sink.Close()
		return nil, err
	}
	return sink, nil
}
