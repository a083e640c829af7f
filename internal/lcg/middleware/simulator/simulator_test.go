package simulator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/lcg/internal/lcg/jdl"
	"github.com/armadaproject/lcg/internal/lcg/job"
)

func writeJob(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "__jdlfile__")
	d := jdl.NewDocument()
	d.SetString(jdl.Executable, "run.sh")
	require.NoError(t, d.WriteFile(path))
	return path
}

func writeCollection(t *testing.T, dir string, subjobs int) string {
	t.Helper()
	var nodes []jdl.Node
	for i := 0; i < subjobs; i++ {
		subdir := filepath.Join(dir, jdl.NodeName(i))
		require.NoError(t, os.MkdirAll(subdir, 0o755))
		nodes = append(nodes, jdl.Node{Name: jdl.NodeName(i), File: writeJob(t, subdir)})
	}
	path := filepath.Join(dir, jdl.CollectionFileName(0, subjobs))
	require.NoError(t, jdl.NewCollection("dteam", nodes).WriteFile(path))
	return path
}

func TestSingleJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s, err := New(Config{ComputingElements: []string{"ce01"}})
	require.NoError(t, err)

	id, err := s.Submit(ctx, writeJob(t, t.TempDir()), "")
	require.NoError(t, err)

	var seen []job.RemoteStatus
	for i := 0; i < 7; i++ {
		records, missing, err := s.Status(ctx, []string{id}, false)
		require.NoError(t, err)
		assert.Empty(t, missing)
		require.Len(t, records, 1)
		assert.False(t, records[0].IsNode)
		seen = append(seen, records[0].Status)
	}
	assert.Equal(t, []job.RemoteStatus{
		job.RemoteSubmitted, job.RemoteWaiting, job.RemoteReady, job.RemoteScheduled,
		job.RemoteRunning, job.RemoteDoneSuccess, job.RemoteDoneSuccess,
	}, seen)

	outputDir := filepath.Join(t.TempDir(), "out")
	require.NoError(t, s.GetOutput(ctx, id, outputDir))
	assert.FileExists(t, filepath.Join(outputDir, "stdout"))

	records, _, err := s.Status(ctx, []string{id}, false)
	require.NoError(t, err)
	assert.Equal(t, job.RemoteCleared, records[0].Status)
	assert.Equal(t, "ce01", records[0].Destination)
}

func TestCollection_NodeNamesAppearAfterFirstPoll(t *testing.T) {
	ctx := context.Background()
	s, err := New(Config{})
	require.NoError(t, err)

	id, err := s.Submit(ctx, writeCollection(t, t.TempDir(), 3), "")
	require.NoError(t, err)

	records, _, err := s.Status(ctx, []string{id}, true)
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.False(t, records[0].IsNode)
	assert.Equal(t, id, records[0].ID)
	for _, node := range records[1:] {
		assert.True(t, node.IsNode)
		assert.Empty(t, node.Name)
		assert.Equal(t, id, node.ParentID)
	}

	records, _, err = s.Status(ctx, []string{id}, true)
	require.NoError(t, err)
	for i, node := range records[1:] {
		assert.Equal(t, jdl.NodeName(i), node.Name)
	}
}

func TestMissingIDs(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)

	records, missing, err := s.Status(context.Background(), []string{"https://nowhere/1"}, false)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, []string{"https://nowhere/1"}, missing)
}

func TestCancelCollection(t *testing.T) {
	ctx := context.Background()
	s, err := New(Config{})
	require.NoError(t, err)
	id, err := s.Submit(ctx, writeCollection(t, t.TempDir(), 2), "")
	require.NoError(t, err)

	require.NoError(t, s.CancelCollection(ctx, []string{id}))

	records, _, err := s.Status(ctx, []string{id}, true)
	require.NoError(t, err)
	for _, record := range records {
		assert.Equal(t, job.RemoteCancelled, record.Status)
	}
	assert.Error(t, s.Cancel(ctx, "https://nowhere/1"))
}

func TestFailEvery(t *testing.T) {
	ctx := context.Background()
	s, err := New(Config{FailEvery: 2})
	require.NoError(t, err)
	dir := t.TempDir()
	first, err := s.Submit(ctx, writeJob(t, dir), "")
	require.NoError(t, err)
	second, err := s.Submit(ctx, writeJob(t, dir), "")
	require.NoError(t, err)

	var records []job.RemoteStatus
	for i := 0; i < 6; i++ {
		infos, _, err := s.Status(ctx, []string{first, second}, false)
		require.NoError(t, err)
		records = []job.RemoteStatus{infos[0].Status, infos[1].Status}
	}
	assert.Equal(t, []job.RemoteStatus{job.RemoteDoneSuccess, job.RemoteDoneExitCode}, records)
}

func TestListMatch(t *testing.T) {
	s, err := New(Config{ComputingElements: []string{"ce01", "ce02"}})
	require.NoError(t, err)

	all, err := s.ListMatch(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"ce01", "ce02"}, all)

	pinned, err := s.ListMatch(context.Background(), "", "ce02")
	require.NoError(t, err)
	assert.Equal(t, []string{"ce02"}, pinned)

	none, err := s.ListMatch(context.Background(), "", "ce03")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStatePersistence(t *testing.T) {
	ctx := context.Background()
	stateFile := filepath.Join(t.TempDir(), "state", "simulator.yaml")
	s, err := New(Config{StateFile: stateFile})
	require.NoError(t, err)
	id, err := s.Submit(ctx, writeJob(t, t.TempDir()), "")
	require.NoError(t, err)
	_, _, err = s.Status(ctx, []string{id}, false)
	require.NoError(t, err)

	reloaded, err := New(Config{StateFile: stateFile})
	require.NoError(t, err)
	records, missing, err := reloaded.Status(ctx, []string{id}, false)
	require.NoError(t, err)
	assert.Empty(t, missing)
	assert.Equal(t, job.RemoteWaiting, records[0].Status)
}
