package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// executeCommand runs the root command with args and captures its combined
// output.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	RootCmd.SetOut(buf)
	RootCmd.SetErr(buf)
	RootCmd.SetArgs(args)
	err := RootCmd.Execute()
	return buf.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	names := make([]string, 0, len(RootCmd.Commands()))
	for _, c := range RootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "extract")
	assert.Contains(t, names, "org")
	assert.Contains(t, names, "plan")
	assert.Contains(t, names, "version")
}

func TestVersionCmd(t *testing.T) {
	out, err := executeCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "lode ")
}

func TestVersionCmd_Full(t *testing.T) {
	out, err := executeCommand(t, "version", "--full")
	require.NoError(t, err)
	assert.Contains(t, out, "github.com/spf13/cobra")
}

func TestOrgCmd_MissingCredentials(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AZ_TENANT_ID", "")
	t.Setenv("AZ_CLIENT_ID", "")
	t.Setenv("AZ_CLIENT_SECRET", "")
	t.Setenv("LODE_GRAPH_TENANT_ID", "")
	t.Setenv("LODE_GRAPH_CLIENT_ID", "")
	t.Setenv("LODE_GRAPH_CLIENT_SECRET", "")

	_, err := executeCommand(t, "org")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required environment variables")
	assert.Contains(t, err.Error(), "AZ_TENANT_ID")
}

func TestPlanApplyCmd_RequiresFile(t *testing.T) {
	_, err := executeCommand(t, "plan", "apply")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file")
}

func TestPlanListCmd_RequiresDSN(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LODE_SQL_DSN", "")

	_, err := executeCommand(t, "plan", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sql.dsn is not configured")
}

// A build without a platform bridge module cannot extract; the error says
// so rather than failing deeper in the run.
func TestExtractCmd_NoConnector(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := executeCommand(t, "extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no bridge connector registered")
}
