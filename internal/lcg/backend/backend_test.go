package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/lcg/internal/lcg/configuration"
	"github.com/armadaproject/lcg/internal/lcg/downloader"
	"github.com/armadaproject/lcg/internal/lcg/jdl"
	"github.com/armadaproject/lcg/internal/lcg/job"
	"github.com/armadaproject/lcg/internal/lcg/lcgerrors"
	"github.com/armadaproject/lcg/internal/lcg/middleware"
	"github.com/armadaproject/lcg/internal/lcg/middleware/fake"
	"github.com/armadaproject/lcg/internal/lcg/middleware/simulator"
	"github.com/armadaproject/lcg/internal/lcg/notifier"
	"github.com/armadaproject/lcg/internal/lcg/prepare"
	"github.com/armadaproject/lcg/internal/lcg/reconcile"
	"github.com/armadaproject/lcg/internal/lcg/requirements"
	"github.com/armadaproject/lcg/internal/lcg/sandboxcache"
	"github.com/armadaproject/lcg/internal/lcg/submit"
)

type fixture struct {
	workspace string
	client    middleware.Client
	downloads *downloader.Downloader
	notified  *notifier.Recorder
	backend   *LCG
}

func newFixture(t *testing.T, client middleware.Client, bulkJobSize int) *fixture {
	t.Helper()
	c := configuration.Default()
	c.Submission.GliteBulkJobSize = bulkJobSize
	c.Submission.SubmissionThreads = 4
	c.Downloader.RetryDelay = time.Millisecond

	registry := middleware.NewRegistry()
	registry.Register(job.GLITE, client)
	registry.Register(job.EDG, client)

	cache, err := sandboxcache.NewLocalCache(t.TempDir(), 16)
	require.NoError(t, err)
	preparer := prepare.NewPreparer(prepare.NewConfig(c), cache, requirements.NewGlueRequirements(c.Requirements))
	submitter := submit.NewSubmitter(c.Submission.VirtualOrganisation, c.Submission.SubmissionThreads, 0)
	downloads := downloader.New(c.Downloader)
	notified := &notifier.Recorder{}
	reconciler := reconcile.New(registry, downloads, notified)

	return &fixture{
		workspace: t.TempDir(),
		client:    client,
		downloads: downloads,
		notified:  notified,
		backend:   NewLCG(NewConfig(c), registry, preparer, submitter, reconciler, notified),
	}
}

func (f *fixture) newJob(id int, middleware job.Middleware, subjobs int) (*job.Job, []job.Config) {
	j := job.NewJob(id, "test", job.NewBackend(middleware))
	j.InputDir = filepath.Join(f.workspace, fmt.Sprint(id), "input")
	j.OutputDir = filepath.Join(f.workspace, fmt.Sprint(id), "output")
	if subjobs == 0 {
		return j, []job.Config{{Executable: "run.sh"}}
	}
	configs := make([]job.Config, 0, subjobs)
	for i := 0; i < subjobs; i++ {
		sub := job.NewJob(i, "", nil)
		sub.InputDir = filepath.Join(f.workspace, fmt.Sprint(id), fmt.Sprint(i), "input")
		sub.OutputDir = filepath.Join(f.workspace, fmt.Sprint(id), fmt.Sprint(i), "output")
		j.AddSubjob(sub)
		configs = append(configs, job.Config{Executable: "run.sh", Args: []string{fmt.Sprint(i)}})
	}
	return j, configs
}

func (f *fixture) collectionPath(master *job.Job, begin, end int) string {
	return filepath.Join(master.InputDir, jdl.CollectionFileName(begin, end))
}

func failAll(t *testing.T, jobs ...*job.Job) {
	for _, j := range jobs {
		require.NoError(t, j.UpdateStatus(job.Failed))
	}
}

func TestSubmit_BulkAssignsAggregatesInOffsetOrder(t *testing.T) {
	client := fake.NewClient()
	f := newFixture(t, client, 50)
	master, configs := f.newJob(1, job.GLITE, 120)

	require.NoError(t, f.backend.Submit(context.Background(), master, configs, job.Config{}))

	expected := []string{
		client.SubmittedIDs[f.collectionPath(master, 0, 50)],
		client.SubmittedIDs[f.collectionPath(master, 50, 100)],
		client.SubmittedIDs[f.collectionPath(master, 100, 120)],
	}
	assert.Equal(t, expected, master.Backend.IDs)
	assert.Len(t, master.Backend.Statuses, 3)
	for i, sub := range master.Subjobs {
		assert.Equal(t, expected[i/50], sub.Backend.ParentID)
		assert.Empty(t, sub.Backend.ID)
		assert.Equal(t, job.Submitted, sub.Status())
		assert.Equal(t, 1, sub.SubmitCounter)
	}
	assert.Equal(t, job.Submitted, master.Status())
	assert.Empty(t, f.notified.Jobs())
}

func TestSubmit_BulkPartialFailureCancelsAndLeavesJobsNew(t *testing.T) {
	client := fake.NewClient()
	client.SubmitErrors[jdl.CollectionFileName(50, 100)] = errors.New("WMS unavailable")
	f := newFixture(t, client, 50)
	master, configs := f.newJob(1, job.GLITE, 100)

	err := f.backend.Submit(context.Background(), master, configs, job.Config{})

	require.True(t, lcgerrors.IsSubmission(err))
	assert.Equal(t, [][]string{{client.SubmittedIDs[f.collectionPath(master, 0, 50)]}}, client.CancelledMultiple)
	for _, sub := range master.Subjobs {
		assert.Equal(t, job.New, sub.Status())
		assert.Empty(t, sub.Backend.ParentID)
	}
	assert.Empty(t, master.Backend.IDs)
}

func TestSubmit_PreparationFailureSubmitsNothing(t *testing.T) {
	client := fake.NewClient()
	f := newFixture(t, client, 2)
	master, configs := f.newJob(1, job.GLITE, 3)
	configs[2].InputSandbox = []string{filepath.Join(t.TempDir(), "missing.txt")}

	err := f.backend.Submit(context.Background(), master, configs, job.Config{})

	assert.True(t, lcgerrors.IsPreparation(err))
	assert.Empty(t, client.Submitted)
	for _, sub := range master.Subjobs {
		assert.Equal(t, job.New, sub.Status())
	}
}

func TestSubmit_DisabledMiddleware(t *testing.T) {
	f := newFixture(t, fake.NewClient(), 2)
	j, configs := f.newJob(1, "", 0)

	err := f.backend.Submit(context.Background(), j, configs, job.Config{})

	var disabled *lcgerrors.ErrMiddlewareDisabled
	assert.ErrorAs(t, err, &disabled)
	assert.Equal(t, job.New, j.Status())
}

func TestSubmit_MatchBeforeSubmitWithoutResource(t *testing.T) {
	client := fake.NewClient()
	f := newFixture(t, client, 2)
	f.backend.config.MatchBeforeSubmit = true
	master, configs := f.newJob(1, job.GLITE, 3)

	err := f.backend.Submit(context.Background(), master, configs, job.Config{})

	assert.True(t, lcgerrors.IsSubmission(err))
	assert.Empty(t, client.Submitted)

	client.Matches = []string{"ce.example.org:2119/jobmanager-lcgpbs-short"}
	require.NoError(t, f.backend.Submit(context.Background(), master, configs, job.Config{}))
	assert.Len(t, master.Backend.IDs, 2)
}

func TestSubmit_IndividualJob(t *testing.T) {
	client := fake.NewClient()
	f := newFixture(t, client, 2)
	j, configs := f.newJob(1, job.GLITE, 0)
	j.Backend.CE = "ce.example.org:2119/jobmanager-lcgpbs-short"

	require.NoError(t, f.backend.Submit(context.Background(), j, configs, job.Config{}))

	path := filepath.Join(j.InputDir, prepare.DescriptorName)
	assert.Equal(t, client.SubmittedIDs[path], j.Backend.ID)
	assert.Equal(t, j.Backend.ID, j.Backend.ParentID)
	assert.Equal(t, job.Submitted, j.Status())
	assert.Equal(t, []*job.Job{j}, f.notified.Jobs())
}

func TestSubmit_IndividualFailureRollsBack(t *testing.T) {
	client := fake.NewClient()
	f := newFixture(t, client, 2)
	master, configs := f.newJob(1, job.EDG, 3)
	configs[2].InputSandbox = []string{filepath.Join(t.TempDir(), "missing.txt")}

	err := f.backend.Submit(context.Background(), master, configs, job.Config{})

	assert.True(t, lcgerrors.IsPreparation(err))
	require.Len(t, client.CancelledMultiple, 1)
	assert.Equal(t, []string{master.Subjobs[0].Backend.ID, master.Subjobs[1].Backend.ID}, client.CancelledMultiple[0])
	assert.Equal(t, job.Killed, master.Subjobs[0].Status())
	assert.Equal(t, job.Killed, master.Subjobs[1].Status())
	assert.Equal(t, job.New, master.Subjobs[2].Status())
}

func TestResubmit_BulkAppendsAggregate(t *testing.T) {
	client := fake.NewClient()
	f := newFixture(t, client, 2)
	master, configs := f.newJob(1, job.GLITE, 4)
	require.NoError(t, f.backend.Submit(context.Background(), master, configs, job.Config{}))
	original := append([]string(nil), master.Backend.IDs...)

	failed := master.Subjobs[:2]
	failAll(t, failed...)
	failed[0].Backend.Reason = "job aborted"
	failed[0].Backend.ID = "https://wms.example.org:9000/old-node"

	require.NoError(t, f.backend.Resubmit(context.Background(), master, failed))

	require.Len(t, master.Backend.IDs, 3)
	assert.Equal(t, original, master.Backend.IDs[:2])
	latest := master.Backend.IDs[2]
	assert.Contains(t, master.Backend.Statuses, original[0])
	assert.Contains(t, master.Backend.Statuses, latest)
	for _, sub := range failed {
		assert.Equal(t, latest, sub.Backend.ParentID)
		assert.Empty(t, sub.Backend.ID)
		assert.Empty(t, sub.Backend.Reason)
		assert.Equal(t, job.Submitted, sub.Status())
		assert.Equal(t, 2, sub.SubmitCounter)
	}
	for _, sub := range master.Subjobs[2:] {
		assert.Equal(t, original[1], sub.Backend.ParentID)
		assert.Equal(t, 1, sub.SubmitCounter)
	}
	assert.Equal(t, job.Submitted, master.Status())
}

func TestResubmit_BulkRejectsActiveSubjobs(t *testing.T) {
	client := fake.NewClient()
	f := newFixture(t, client, 2)
	master, configs := f.newJob(1, job.GLITE, 2)
	require.NoError(t, f.backend.Submit(context.Background(), master, configs, job.Config{}))
	submitted := len(client.Submitted)

	err := f.backend.Resubmit(context.Background(), master, master.Subjobs)

	var transition *lcgerrors.ErrInvalidTransition
	assert.ErrorAs(t, err, &transition)
	assert.Len(t, client.Submitted, submitted)
}

func TestResubmit_BulkFailureLeavesJobsUntouched(t *testing.T) {
	client := fake.NewClient()
	f := newFixture(t, client, 2)
	master, configs := f.newJob(1, job.GLITE, 2)
	require.NoError(t, f.backend.Submit(context.Background(), master, configs, job.Config{}))
	failAll(t, master.Subjobs...)
	client.SubmitErrors[jdl.CollectionFileName(0, 2)] = errors.New("WMS unavailable")
	parent := master.Subjobs[0].Backend.ParentID

	err := f.backend.Resubmit(context.Background(), master, nil)

	assert.True(t, lcgerrors.IsSubmission(err))
	assert.Len(t, master.Backend.IDs, 1)
	for _, sub := range master.Subjobs {
		assert.Equal(t, job.Failed, sub.Status())
		assert.Equal(t, parent, sub.Backend.ParentID)
	}
}

func TestResubmit_BulkChangedMemberSubmitsNothing(t *testing.T) {
	client := fake.NewClient()
	f := newFixture(t, client, 2)
	master, configs := f.newJob(1, job.GLITE, 2)
	require.NoError(t, f.backend.Submit(context.Background(), master, configs, job.Config{}))
	failAll(t, master.Subjobs...)
	parent := master.Subjobs[0].Backend.ParentID
	submitted := len(client.Submitted)

	// the second entry finds the job already claimed by the first
	sub := master.Subjobs[0]
	err := f.backend.Resubmit(context.Background(), master, []*job.Job{sub, master.Subjobs[1], sub})

	var invalid *lcgerrors.ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
	assert.Len(t, client.Submitted, submitted)
	assert.Len(t, master.Backend.IDs, 1)
	for _, sub := range master.Subjobs {
		assert.Equal(t, job.Failed, sub.Status())
		assert.Equal(t, parent, sub.Backend.ParentID)
		assert.Equal(t, 1, sub.SubmitCounter)
	}
}

// claimCheckingClient records the status of the watched jobs when a collection is submitted.
type claimCheckingClient struct {
	*fake.Client
	watched []*job.Job
	seen    []job.Status
}

func (c *claimCheckingClient) Submit(ctx context.Context, descriptorPath string, ce string) (string, error) {
	for _, j := range c.watched {
		c.seen = append(c.seen, j.Status())
	}
	return c.Client.Submit(ctx, descriptorPath, ce)
}

func TestResubmit_BulkMembersClaimedBeforeSubmission(t *testing.T) {
	client := &claimCheckingClient{Client: fake.NewClient()}
	f := newFixture(t, client, 2)
	master, configs := f.newJob(1, job.GLITE, 2)
	require.NoError(t, f.backend.Submit(context.Background(), master, configs, job.Config{}))
	failAll(t, master.Subjobs...)
	client.watched = master.Subjobs

	require.NoError(t, f.backend.Resubmit(context.Background(), master, nil))

	assert.Equal(t, []job.Status{job.Submitting, job.Submitting}, client.seen)
	for _, sub := range master.Subjobs {
		assert.Equal(t, job.Submitted, sub.Status())
	}
}

func TestResubmit_BulkFailureReleasesClaimedMembers(t *testing.T) {
	client := &claimCheckingClient{Client: fake.NewClient()}
	f := newFixture(t, client, 2)
	master, configs := f.newJob(1, job.GLITE, 2)
	require.NoError(t, f.backend.Submit(context.Background(), master, configs, job.Config{}))
	require.NoError(t, master.Subjobs[0].UpdateStatus(job.Failed))
	require.NoError(t, master.Subjobs[1].UpdateStatus(job.Killed))
	client.SubmitErrors[jdl.CollectionFileName(0, 2)] = errors.New("WMS unavailable")
	client.watched = master.Subjobs

	err := f.backend.Resubmit(context.Background(), master, nil)

	assert.True(t, lcgerrors.IsSubmission(err))
	assert.Equal(t, []job.Status{job.Submitting, job.Submitting}, client.seen)
	assert.Equal(t, job.Failed, master.Subjobs[0].Status())
	assert.Equal(t, job.Killed, master.Subjobs[1].Status())
}

func TestResubmit_GliteSubjobIsFlagged(t *testing.T) {
	client := fake.NewClient()
	f := newFixture(t, client, 2)
	master, configs := f.newJob(1, job.GLITE, 2)
	require.NoError(t, f.backend.Submit(context.Background(), master, configs, job.Config{}))
	sub := master.Subjobs[1]
	failAll(t, sub)

	require.NoError(t, f.backend.Resubmit(context.Background(), sub, nil))

	path := filepath.Join(sub.InputDir, prepare.DescriptorName)
	assert.Equal(t, client.SubmittedIDs[path], sub.Backend.ID)
	assert.Equal(t, sub.Backend.ID, sub.Backend.ParentID)
	assert.Equal(t, job.FlagIndividual, sub.Backend.Flag)
	assert.Equal(t, job.Submitted, sub.Status())
	assert.Len(t, master.Backend.IDs, 1)
	assert.Equal(t, []*job.Job{sub}, f.notified.Jobs())
}

func TestResubmit_SingleJobIsRefreshed(t *testing.T) {
	client := fake.NewClient()
	f := newFixture(t, client, 2)
	j, configs := f.newJob(1, job.EDG, 0)
	require.NoError(t, f.backend.Submit(context.Background(), j, configs, job.Config{}))
	first := j.Backend.ID
	j.Backend.Status = job.RemoteAborted
	j.Backend.ActualCE = "ce01"
	failAll(t, j)

	require.NoError(t, f.backend.Resubmit(context.Background(), j, nil))

	assert.NotEqual(t, first, j.Backend.ID)
	assert.Empty(t, j.Backend.Status)
	assert.Empty(t, j.Backend.ActualCE)
	assert.Equal(t, job.FlagNone, j.Backend.Flag)
	assert.Equal(t, 2, j.SubmitCounter)
}

func TestKill_Bulk(t *testing.T) {
	client := fake.NewClient()
	f := newFixture(t, client, 2)
	master, configs := f.newJob(1, job.GLITE, 4)
	require.NoError(t, f.backend.Submit(context.Background(), master, configs, job.Config{}))

	flagged := master.Subjobs[3]
	failAll(t, flagged)
	require.NoError(t, f.backend.Resubmit(context.Background(), flagged, nil))
	finished := master.Backend.IDs[0]
	master.Backend.Statuses[finished] = job.RemoteDoneSuccess

	require.NoError(t, f.backend.Kill(context.Background(), master))

	assert.Equal(t, [][]string{{flagged.Backend.ID}}, client.CancelledMultiple)
	assert.Equal(t, [][]string{{master.Backend.IDs[1]}}, client.CancelledCollections)
	for _, sub := range master.Subjobs {
		assert.Equal(t, job.Killed, sub.Status())
	}
	assert.Equal(t, job.Killed, master.Status())
}

func TestKill_BulkCancelFailure(t *testing.T) {
	client := fake.NewClient()
	f := newFixture(t, client, 2)
	master, configs := f.newJob(1, job.GLITE, 2)
	require.NoError(t, f.backend.Submit(context.Background(), master, configs, job.Config{}))
	client.CancelErr = errors.New("proxy expired")

	err := f.backend.Kill(context.Background(), master)

	assert.True(t, lcgerrors.IsRemoteCommunication(err))
	for _, sub := range master.Subjobs {
		assert.Equal(t, job.Submitted, sub.Status())
	}
}

func TestKill_Individual(t *testing.T) {
	client := fake.NewClient()
	f := newFixture(t, client, 2)
	j, configs := f.newJob(1, job.GLITE, 0)

	var invalid *lcgerrors.ErrInvalidArgument
	assert.ErrorAs(t, f.backend.Kill(context.Background(), j), &invalid)

	require.NoError(t, f.backend.Submit(context.Background(), j, configs, job.Config{}))
	require.NoError(t, f.backend.Kill(context.Background(), j))

	assert.Equal(t, []string{j.Backend.ID}, client.Cancelled)
	assert.Equal(t, job.Killed, j.Status())
}

func TestMatch(t *testing.T) {
	client := fake.NewClient()
	client.Matches = []string{"ce01", "ce02"}
	f := newFixture(t, client, 2)
	j, configs := f.newJob(1, job.GLITE, 0)

	matches, err := f.backend.Match(context.Background(), j, configs[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"ce01", "ce02"}, matches)
	_, err = os.Stat(filepath.Join(j.InputDir, prepare.DescriptorName))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, f.backend.Submit(context.Background(), j, configs, job.Config{}))
	matches, err = f.backend.Match(context.Background(), j, configs[0])
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	require.NoError(t, j.UpdateStatus(job.Running))
	_, err = f.backend.Match(context.Background(), j, configs[0])
	var invalid *lcgerrors.ErrInvalidArgument
	assert.ErrorAs(t, err, &invalid)
}

func TestBulkLifecycleAgainstSimulator(t *testing.T) {
	sim, err := simulator.New(simulator.Config{})
	require.NoError(t, err)
	f := newFixture(t, sim, 2)
	f.downloads.Start(context.Background())
	defer f.downloads.Stop()

	master, configs := f.newJob(1, job.GLITE, 5)
	require.NoError(t, f.backend.Submit(context.Background(), master, configs, job.Config{}))
	require.Len(t, master.Backend.IDs, 3)

	for i := 0; i < 10 && master.Status() != job.Completed; i++ {
		require.NoError(t, f.backend.Reconcile(context.Background(), []*job.Job{master}))
		f.downloads.Wait()
	}

	assert.Equal(t, job.Completed, master.Status())
	for _, sub := range master.Subjobs {
		assert.Equal(t, job.Completed, sub.Status())
		assert.NotEmpty(t, sub.Backend.ID)
		assert.FileExists(t, filepath.Join(sub.OutputDir, "stdout"))
	}
	assert.ElementsMatch(t, master.Subjobs, f.notified.Jobs())
}
