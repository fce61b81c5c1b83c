package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"lode.evalgo.org/common"
	"lode.evalgo.org/hr"
)

func init() {
	RootCmd.AddCommand(orgCmd)
	orgCmd.Flags().String("output-dir", "", "directory for the JSON snapshots (overrides config)")
	orgCmd.Flags().String("filter", "", "OData $filter for user paging (overrides config)")
	orgCmd.Flags().String("managers", "", "path to a managers file (overrides config)")
	orgCmd.Flags().Bool("save-managers", false, "persist the resolved managers map next to the snapshots")
}

var orgCmd = &cobra.Command{
	Use:   "org",
	Short: "export the organizational directory to JSON snapshots",
	Long: `org authenticates against Microsoft Graph with client credentials, pages
all user objects, resolves manager relationships and writes users_flat.json,
org_for_viewer.json and org_tree.json.

Managers come from a local managers file when one exists (--managers,
MANAGERS_FILE, or a well-known name in the working directory); otherwise
they are resolved through the $batch endpoint. AZ_TENANT_ID, AZ_CLIENT_ID
and AZ_CLIENT_SECRET must be set either way.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		if missing := cfg.Graph.MissingCredentials(); len(missing) > 0 {
			return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
		}
		logger.Debugf("Graph credentials: tenant=%s client=%s secret=%s",
			cfg.Graph.TenantID, cfg.Graph.ClientID, common.MaskSecret(cfg.Graph.ClientSecret))

		if v, _ := cmd.Flags().GetString("output-dir"); v != "" {
			cfg.Org.OutputDir = v
		}
		if v, _ := cmd.Flags().GetString("filter"); v != "" {
			cfg.Graph.UserFilter = v
		}
		if v, _ := cmd.Flags().GetString("managers"); v != "" {
			cfg.Graph.ManagersFile = v
		}
		if cmd.Flags().Changed("save-managers") {
			cfg.Org.SaveManagers, _ = cmd.Flags().GetBool("save-managers")
		}

		tokens, err := hr.NewClientSecretTokenSource(cfg.Graph.TenantID, cfg.Graph.ClientID, cfg.Graph.ClientSecret)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client := hr.NewClient(tokens, cfg.Graph.PageSize, logger)
		return client.ExportOrg(ctx, hr.OrgExportOptions{
			OutputDir:    cfg.Org.OutputDir,
			UserFilter:   cfg.Graph.UserFilter,
			ManagersPath: cfg.Graph.ManagersFile,
			SaveManagers: cfg.Org.SaveManagers,
		})
	},
}
