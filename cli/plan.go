package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(planCmd)
	planCmd.AddCommand(planApplyCmd)
	planCmd.AddCommand(planListCmd)
	planApplyCmd.Flags().StringP("file", "f", "", "plan file to apply (YAML)")
	planApplyCmd.MarkFlagRequired("file")
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "manage ingestion plans",
	Long: `Ingestion plans declare which source databases to extract and which
canonical view names to resolve in each. Plans live in the SQL sink and are
maintained from YAML files:

    plans:
      - server: SRV01/ACME
        filepath: hr/people.nsf
        views:
          - name: Person By Surname
          - name: Person By Organization
            regex: 'by\s+org\s+structure'
    items:
      - name: FullName
        filter: 1`,
}

var planApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "upsert ingestion plans and catalog items from a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		path, _ := cmd.Flags().GetString("file")
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read plan file: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sink, err := openSink(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer sink.Close()

		stats, err := sink.ApplyPlanFile(ctx, data)
		if err != nil {
			return err
		}
		logger.Infof("Applied %s: %d plans, %d views, %d items", path, stats.Plans, stats.Views, stats.Items)
		return nil
	},
}

var planListCmd = &cobra.Command{
	Use:   "list",
	Short: "print the stored ingestion plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sink, err := openSink(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer sink.Close()

		plans, err := sink.ListPlans(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(plans) == 0 {
			fmt.Fprintln(out, "no ingestion plans stored")
			return nil
		}
		for _, p := range plans {
			state := "enabled"
			if !p.Enabled {
				state = "disabled"
			}
			fmt.Fprintf(out, "%d\t%s\t%s!!%s\n", p.ID, state, p.ServerName, p.Filepath)
			for _, v := range p.Views {
				line := fmt.Sprintf("\t- %s (priority %d", v.CanonName, v.Priority)
				if v.RegexOverride != nil {
					line += fmt.Sprintf(", override %q", *v.RegexOverride)
				}
				line += ")"
				if !v.Enabled {
					line += " [disabled]"
				}
				fmt.Fprintln(out, line)
			}
		}
		return nil
	},
}
