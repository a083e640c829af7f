package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmdRegistersCommands(t *testing.T) {
	root := RootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"submit", "resubmit", "kill", "reconcile", "match", "status"}, names)

	resubmit, _, err := root.Find([]string{"resubmit"})
	require.NoError(t, err)
	assert.NotNil(t, resubmit.Flags().Lookup("subjobs"))

	reconcile, _, err := root.Find([]string{"reconcile"})
	require.NoError(t, err)
	assert.NotNil(t, reconcile.Flags().Lookup("watch"))
}

func TestSubmitAndReconcileFromConfigDir(t *testing.T) {
	dir := t.TempDir()
	config := fmt.Sprintf(`
workspace: %[1]s/workspace
repositoryPath: %[1]s/jobs.db
middleware:
  enabled: [GLITE]
  simulator:
    stateFile: %[1]s/simulator.yaml
sandbox:
  local:
    directory: %[1]s/cache
`, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(config), 0o644))
	jobFile := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(jobFile, []byte("middleware: GLITE\nexecutable: run.sh\nsubjobs: [{args: [a]}, {args: [b]}]\n"), 0o644))

	for _, args := range [][]string{
		{"submit", jobFile},
		{"reconcile"},
		{"status", "0"},
	} {
		root := RootCmd()
		root.SetArgs(append(args, "--config-dir", dir))
		require.NoError(t, root.Execute(), "lcgctl %v", args)
	}
	assert.FileExists(t, filepath.Join(dir, "jobs.db"))
	assert.FileExists(t, filepath.Join(dir, "simulator.yaml"))
	assert.DirExists(t, filepath.Join(dir, "workspace", "0", "1", "input"))
}

func TestUnknownJobFails(t *testing.T) {
	dir := t.TempDir()
	config := fmt.Sprintf("workspace: %[1]s/workspace\nrepositoryPath: %[1]s/jobs.db\nsandbox:\n  local:\n    directory: %[1]s/cache\n", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(config), 0o644))

	root := RootCmd()
	root.SetArgs([]string{"kill", "3", "--config-dir", dir})
	assert.Error(t, root.Execute())
}
