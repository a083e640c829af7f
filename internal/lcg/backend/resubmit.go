package backend

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/lcg/internal/lcg/job"
	"github.com/armadaproject/lcg/internal/lcg/lcgerrors"
	"github.com/armadaproject/lcg/internal/lcg/metrics"
	"github.com/armadaproject/lcg/internal/lcg/middleware"
	"github.com/armadaproject/lcg/internal/lcg/prepare"
)

// Resubmit resubmits a finished job from its existing descriptors.
//
// A GLITE master with subjobs resubmits rjobs (every resubmittable subjob if empty) in new collections whose
// ids are added to the master. A GLITE subjob is resubmitted on its own and is monitored individually from
// then on. Every other job is resubmitted job by job.
func (b *LCG) Resubmit(ctx context.Context, j *job.Job, rjobs []*job.Job) error {
	client, err := b.registry.Get(j.Backend.Middleware())
	if err != nil {
		return err
	}

	switch {
	case j.Backend.Middleware() == job.EDG:
		return b.resubmitIndividual(ctx, client, resubmitTargets(j, rjobs), false)
	case j.Master == nil && !j.IsMaster():
		log.WithField("job", j.FQID()).Debug("master job normal resubmission")
		return b.resubmitIndividual(ctx, client, []*job.Job{j}, false)
	case j.Master != nil:
		log.WithField("job", j.FQID()).Debug("individual subjob resubmission")
		return b.resubmitIndividual(ctx, client, []*job.Job{j}, true)
	default:
		log.WithField("job", j.FQID()).Debug("master job bulk resubmission")
		return b.resubmitBulk(ctx, client, j, resubmitTargets(j, rjobs))
	}
}

func resubmitTargets(j *job.Job, rjobs []*job.Job) []*job.Job {
	if len(rjobs) > 0 {
		return rjobs
	}
	if !j.IsMaster() {
		return []*job.Job{j}
	}
	var targets []*job.Job
	for _, sub := range j.Subjobs {
		if sub.Status().IsResubmittable() {
			targets = append(targets, sub)
		}
	}
	return targets
}

func checkResubmittable(jobs []*job.Job) (map[*job.Job]job.Status, error) {
	if len(jobs) == 0 {
		return nil, errors.WithStack(&lcgerrors.ErrInvalidArgument{Name: "rjobs", Value: 0, Message: "no job to resubmit"})
	}
	observed := make(map[*job.Job]job.Status, len(jobs))
	for _, j := range jobs {
		status := j.Status()
		if !status.IsResubmittable() {
			return nil, errors.WithStack(&lcgerrors.ErrInvalidTransition{
				JobId: j.FQID(),
				From:  string(status),
				To:    string(job.Submitting),
			})
		}
		observed[j] = status
	}
	return observed, nil
}

func descriptorPath(j *job.Job) (string, error) {
	path := filepath.Join(j.InputDir, prepare.DescriptorName)
	if _, err := os.Stat(path); err != nil {
		return "", errors.WithStack(&lcgerrors.ErrPreparation{
			JobId:   j.FQID(),
			Message: "descriptor of previous submission not found",
			Cause:   err,
		})
	}
	return path, nil
}

// resubmit moves a job from the status it was resubmitted from to submitted.
func resubmit(j *job.Job, observed job.Status) error {
	if err := j.CompareAndSwapStatus(observed, job.Submitting); err != nil {
		return err
	}
	return j.CompareAndSwapStatus(job.Submitting, job.Submitted)
}

// claim moves every job from its observed status to submitting. If one of them has changed status, the jobs
// already claimed are put back and nothing is claimed.
func claim(jobs []*job.Job, observed map[*job.Job]job.Status) error {
	for i, j := range jobs {
		if err := j.CompareAndSwapStatus(observed[j], job.Submitting); err != nil {
			release(jobs[:i], observed)
			return err
		}
	}
	return nil
}

func release(jobs []*job.Job, observed map[*job.Job]job.Status) {
	for _, j := range jobs {
		if j.Status() == job.Submitting {
			j.RestoreStatus(observed[j])
		}
	}
}

func (b *LCG) resubmitIndividual(ctx context.Context, client middleware.Client, jobs []*job.Job, individually bool) error {
	observed, err := checkResubmittable(jobs)
	if err != nil {
		return err
	}

	for i, j := range jobs {
		err := b.resubmitOne(ctx, client, j, observed[j], individually)
		if err != nil {
			metrics.RecordSubmission("individual", false)
			if len(jobs) == 1 || lcgerrors.IsSubmission(err) {
				return err
			}
			return errors.WithStack(&lcgerrors.ErrSubmission{
				JobId:     j.FQID(),
				Attempted: len(jobs),
				Succeeded: i,
				Message:   "resubmission stopped",
				Cause:     err,
			})
		}
		metrics.RecordSubmission("individual", true)
	}

	masters := map[*job.Job]bool{}
	for _, j := range jobs {
		if j.Master != nil && !masters[j.Master] {
			masters[j.Master] = true
			j.Master.UpdateMasterStatus()
		}
	}
	return nil
}

func (b *LCG) resubmitOne(ctx context.Context, client middleware.Client, j *job.Job, observed job.Status, individually bool) error {
	path, err := descriptorPath(j)
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

	j.Backend.Refresh()
	j.Backend.ID = id
	j.Backend.ParentID = id
	if individually {
		// excluded from the monitoring of its collection from now on
		j.Backend.Flag = job.FlagIndividual
	}
	if err := resubmit(j, observed); err != nil {
		return err
	}
	j.SubmitCounter++
	b.notifier.OnIDAssigned(j)
	return nil
}

func (b *LCG) resubmitBulk(ctx context.Context, client middleware.Client, master *job.Job, rjobs []*job.Job) error {
	observed, err := checkResubmittable(rjobs)
	if err != nil {
		return err
	}
	descriptors := make([]prepare.Descriptor, 0, len(rjobs))
	for _, sub := range rjobs {
		if sub.Master != master {
			return errors.WithStack(&lcgerrors.ErrInvalidArgument{
				Name:    "rjobs",
				Value:   sub.FQID(),
				Message: "not a subjob of " + master.FQID(),
			})
		}
		path, err := descriptorPath(sub)
		if err != nil {
			return err
		}
		descriptors = append(descriptors, prepare.Descriptor{JobID: sub.ID, Path: path})
	}

	if b.config.MatchBeforeSubmit {
		if err := b.matchResource(ctx, client, master, descriptors[len(descriptors)-1].Path); err != nil {
			return err
		}
	}

	// members are claimed before anything is submitted so that no collection is created for a job
	// that changed status in the meantime
	if err := claim(rjobs, observed); err != nil {
		return err
	}
	batches, err := b.submitter.Submit(ctx, client, master.FQID(), descriptors, b.config.BulkJobSize, master.InputDir)
	if err != nil {
		release(rjobs, observed)
		return err
	}

	master.Backend.Refresh()
	var failed error
	for _, batch := range batches {
		master.Backend.AddAggregate(batch.AggregateID)
		for _, member := range batch.Members {
			sub := master.SubjobByID(member.JobID)
			sub.Backend.Refresh()
			sub.Backend.ID = ""
			sub.Backend.ParentID = batch.AggregateID
			sub.SubmitCounter++
			if err := sub.CompareAndSwapStatus(job.Submitting, job.Submitted); err != nil {
				log.WithField("job", sub.FQID()).WithError(err).Error("resubmitted job changed status during submission")
				failed = err
			}
		}
	}
	master.UpdateMasterStatus()
	log.WithField("job", master.FQID()).Infof("%d subjobs resubmitted in %d collections", len(rjobs), len(batches))
	return failed
}
