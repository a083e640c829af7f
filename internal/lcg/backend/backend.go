// Package backend implements the job operations of the grid backend: submit, resubmit, kill, match and
// reconcile. Callers must not run two operations on the same job tree concurrently.
package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/lcg/internal/lcg/configuration"
	"github.com/armadaproject/lcg/internal/lcg/job"
	"github.com/armadaproject/lcg/internal/lcg/lcgerrors"
	"github.com/armadaproject/lcg/internal/lcg/metrics"
	"github.com/armadaproject/lcg/internal/lcg/middleware"
	"github.com/armadaproject/lcg/internal/lcg/notifier"
	"github.com/armadaproject/lcg/internal/lcg/prepare"
	"github.com/armadaproject/lcg/internal/lcg/reconcile"
	"github.com/armadaproject/lcg/internal/lcg/submit"
)

type Config struct {
	// Number of subjobs per collection.
	BulkJobSize int
	// List-match descriptors before submitting them.
	MatchBeforeSubmit bool
}

func NewConfig(c configuration.LCGConfiguration) Config {
	return Config{
		BulkJobSize:       c.Submission.GliteBulkJobSize,
		MatchBeforeSubmit: c.Submission.MatchBeforeSubmit,
	}
}

type LCG struct {
	config     Config
	registry   *middleware.Registry
	preparer   *prepare.Preparer
	submitter  *submit.Submitter
	reconciler *reconcile.Reconciler
	notifier   notifier.Notifier
}

func NewLCG(
	config Config,
	registry *middleware.Registry,
	preparer *prepare.Preparer,
	submitter *submit.Submitter,
	reconciler *reconcile.Reconciler,
	notifier notifier.Notifier,
) *LCG {
	return &LCG{
		config:     config,
		registry:   registry,
		preparer:   preparer,
		submitter:  submitter,
		reconciler: reconciler,
		notifier:   notifier,
	}
}

// Submit submits a new job. GLITE masters are submitted in collections, everything else job by job.
// configs holds one application configuration per subjob, or a single one for a job without subjobs.
func (b *LCG) Submit(ctx context.Context, j *job.Job, configs []job.Config, masterConfig job.Config) error {
	client, err := b.registry.Get(j.Backend.Middleware())
	if err != nil {
		return err
	}
	if j.UsesBulk() {
		return b.submitBulk(ctx, client, j, configs, masterConfig)
	}
	return b.submitIndividual(ctx, client, j, configs, masterConfig)
}

// Reconcile runs one monitoring pass over jobs.
func (b *LCG) Reconcile(ctx context.Context, jobs []*job.Job) error {
	return b.reconciler.Reconcile(ctx, jobs)
}

func (b *LCG) submitBulk(ctx context.Context, client middleware.Client, master *job.Job, configs []job.Config, masterConfig job.Config) error {
	descriptors, err := b.preparer.Prepare(ctx, master, master.Subjobs, configs, masterConfig)
	if err != nil {
		log.WithField("job", master.FQID()).WithError(err).Error("some jobs not successfully prepared")
		return err
	}
	if b.config.MatchBeforeSubmit && len(descriptors) > 0 {
		if err := b.matchResource(ctx, client, master, descriptors[len(descriptors)-1].Path); err != nil {
			return err
		}
	}

	var submitting []*job.Job
	for _, sub := range master.Subjobs {
		if err := sub.CompareAndSwapStatus(job.New, job.Submitting); err != nil {
			revertSubmitting(submitting)
			return err
		}
		submitting = append(submitting, sub)
	}

	batches, err := b.submitter.Submit(ctx, client, master.FQID(), descriptors, b.config.BulkJobSize, master.InputDir)
	if err != nil {
		revertSubmitting(submitting)
		return err
	}

	master.Backend.IDs = nil
	master.Backend.Statuses = map[string]job.RemoteStatus{}
	for _, batch := range batches {
		master.Backend.AddAggregate(batch.AggregateID)
		for _, member := range batch.Members {
			sub := master.SubjobByID(member.JobID)
			sub.Backend.ParentID = batch.AggregateID
			if err := sub.UpdateStatus(job.Submitted); err != nil {
				log.WithField("job", sub.FQID()).WithError(err).Error("failed to mark job submitted")
			}
			sub.SubmitCounter++
		}
	}
	master.UpdateMasterStatus()
	log.WithField("job", master.FQID()).Infof("%d subjobs submitted in %d collections", len(descriptors), len(batches))
	return nil
}

func (b *LCG) submitIndividual(ctx context.Context, client middleware.Client, master *job.Job, configs []job.Config, masterConfig job.Config) error {
	rjobs := master.Subjobs
	if !master.IsMaster() {
		rjobs = []*job.Job{master}
	}
	if len(configs) != len(rjobs) {
		return errors.WithStack(&lcgerrors.ErrInvalidArgument{
			Name:    "configs",
			Value:   len(configs),
			Message: fmt.Sprintf("expected one configuration per job (%d)", len(rjobs)),
		})
	}

	shared, err := b.preparer.PrepareShared(ctx, master, masterConfig)
	if err != nil {
		return err
	}

	var submitted []*job.Job
	for i, j := range rjobs {
		if err := j.CompareAndSwapStatus(job.New, job.Submitting); err != nil {
			b.rollback(ctx, client, master, submitted)
			return err
		}
		err := b.prepareAndSubmit(ctx, client, j, configs[i], shared)
		if err != nil {
			if revertErr := j.CompareAndSwapStatus(job.Submitting, job.New); revertErr != nil {
				log.WithField("job", j.FQID()).WithError(revertErr).Error("failed to revert job to new")
			}
			b.rollback(ctx, client, master, submitted)
			metrics.RecordSubmission("individual", false)
			if lcgerrors.IsPreparation(err) || lcgerrors.IsSubmission(err) {
				return err
			}
			return errors.WithStack(&lcgerrors.ErrSubmission{
				JobId:     master.FQID(),
				Attempted: len(rjobs),
				Succeeded: len(submitted),
				Message:   "job " + j.FQID() + " not submitted",
				Cause:     err,
			})
		}
		submitted = append(submitted, j)
		metrics.RecordSubmission("individual", true)
	}
	if master.IsMaster() {
		master.UpdateMasterStatus()
	}
	return nil
}

func (b *LCG) prepareAndSubmit(ctx context.Context, client middleware.Client, j *job.Job, config job.Config, shared *prepare.SharedSandbox) error {
	path, err := b.preparer.PrepareJob(ctx, j, config, shared, j.InputDir)
	if err != nil {
		return err
	}
	if b.config.MatchBeforeSubmit {
		if err := b.matchResource(ctx, client, j, path); err != nil {
			return err
		}
	}
	id, err := b.submitDescriptor(ctx, client, j, path)
	if err != nil {
		return err
	}
	j.Backend.ID = id
	j.Backend.ParentID = id
	if err := j.UpdateStatus(job.Submitted); err != nil {
		return err
	}
	j.SubmitCounter++
	b.notifier.OnIDAssigned(j)
	return nil
}

func (b *LCG) submitDescriptor(ctx context.Context, client middleware.Client, j *job.Job, path string) (string, error) {
	id, err := client.Submit(ctx, path, j.Backend.CE)
	if err != nil {
		return "", errors.WithStack(&lcgerrors.ErrRemoteCommunication{
			Operation:  "submit",
			Middleware: string(j.Backend.Middleware()),
			Cause:      err,
		})
	}
	if id == "" {
		return "", errors.Errorf("no id returned for job %s", j.FQID())
	}
	log.WithField("job", j.FQID()).Infof("job submitted with id %s", id)
	return id, nil
}

// rollback cancels jobs submitted by a failed submission. Cancelled jobs are marked killed.
func (b *LCG) rollback(ctx context.Context, client middleware.Client, master *job.Job, submitted []*job.Job) {
	if len(submitted) == 0 {
		return
	}
	ids := make([]string, 0, len(submitted))
	for _, j := range submitted {
		ids = append(ids, j.Backend.ID)
	}
	log.WithField("job", master.FQID()).Warnf("cancelling %d jobs submitted before the failure", len(ids))
	if err := client.CancelMultiple(ctx, ids); err != nil {
		log.WithField("job", master.FQID()).WithError(err).Errorf("failed to cancel jobs %v", ids)
		return
	}
	for _, j := range submitted {
		if err := j.UpdateStatus(job.Killed); err != nil {
			log.WithField("job", j.FQID()).WithError(err).Error("failed to mark job killed")
		}
	}
}

func revertSubmitting(jobs []*job.Job) {
	for _, j := range jobs {
		if err := j.CompareAndSwapStatus(job.Submitting, job.New); err != nil {
			log.WithField("job", j.FQID()).WithError(err).Error("failed to revert job to new")
		}
	}
}

// matchResource fails unless at least one computing element matches the descriptor.
func (b *LCG) matchResource(ctx context.Context, client middleware.Client, j *job.Job, path string) error {
	matches, err := client.ListMatch(ctx, path, j.Backend.CE)
	if err != nil {
		return errors.WithStack(&lcgerrors.ErrRemoteCommunication{
			Operation:  "list-match",
			Middleware: string(j.Backend.Middleware()),
			Cause:      err,
		})
	}
	if len(matches) > 0 {
		return nil
	}
	logNoResource(path)
	return errors.WithStack(&lcgerrors.ErrSubmission{JobId: j.FQID(), Message: "no matched resource"})
}

func logNoResource(path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		log.WithError(err).Errorf("no matched resource for %s", path)
		return
	}
	log.Errorf("no matched resource: check/report the descriptor below\n=== %s ===\n%s", filepath.Base(path), content)
}
