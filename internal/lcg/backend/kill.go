package backend

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/lcg/internal/lcg/job"
	"github.com/armadaproject/lcg/internal/lcg/lcgerrors"
	"github.com/armadaproject/lcg/internal/lcg/middleware"
)

// Kill cancels a job. For a GLITE master with subjobs the individually resubmitted subjobs are cancelled
// first, then every collection not yet in a final remote status.
func (b *LCG) Kill(ctx context.Context, j *job.Job) error {
	client, err := b.registry.Get(j.Backend.Middleware())
	if err != nil {
		return err
	}
	if j.UsesBulk() {
		return b.killBulk(ctx, client, j)
	}
	if !j.IsMaster() {
		return b.killOne(ctx, client, j)
	}

	var result *multierror.Error
	for _, sub := range j.Subjobs {
		if sub.Status().IsActive() {
			if err := b.killOne(ctx, client, sub); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	j.UpdateMasterStatus()
	return result.ErrorOrNil()
}

func (b *LCG) killOne(ctx context.Context, client middleware.Client, j *job.Job) error {
	log.WithField("job", j.FQID()).Info("killing job")
	if !j.Backend.HasID() {
		return errors.WithStack(&lcgerrors.ErrInvalidArgument{Name: "job", Value: j.FQID(), Message: "job is not running"})
	}
	if status := j.Status(); !job.CanTransition(status, job.Killed) {
		return errors.WithStack(&lcgerrors.ErrInvalidTransition{JobId: j.FQID(), From: string(status), To: string(job.Killed)})
	}
	if err := client.Cancel(ctx, j.Backend.ID); err != nil {
		return errors.WithStack(&lcgerrors.ErrRemoteCommunication{
			Operation:  "cancel",
			Middleware: string(j.Backend.Middleware()),
			Cause:      err,
		})
	}
	if err := j.UpdateStatus(job.Killed); err != nil {
		return err
	}
	if j.Master != nil {
		j.Master.UpdateMasterStatus()
	}
	return nil
}

func (b *LCG) killBulk(ctx context.Context, client middleware.Client, master *job.Job) error {
	logger := log.WithField("job", master.FQID())
	cancelErr := func(operation string, err error) error {
		return errors.WithStack(&lcgerrors.ErrRemoteCommunication{
			Operation:  operation,
			Middleware: string(master.Backend.Middleware()),
			Cause:      err,
		})
	}

	logger.Debug("cancelling individually resubmitted subjobs")
	var flagged []*job.Job
	var ids []string
	for _, sub := range master.Subjobs {
		if sub.Backend.Flag == job.FlagIndividual && sub.Status().IsActive() {
			flagged = append(flagged, sub)
			ids = append(ids, sub.Backend.ID)
		}
	}
	if len(ids) > 0 {
		if err := client.CancelMultiple(ctx, ids); err != nil {
			logger.WithError(err).Warn("job cancellation failed")
			return cancelErr("cancel", err)
		}
		for _, sub := range flagged {
			if err := sub.UpdateStatus(job.Killed); err != nil {
				logger.WithError(err).Warnf("failed to mark %s killed", sub.FQID())
			}
		}
	}

	logger.Debug("cancelling the master job")
	var collections []string
	for _, id := range master.Backend.IDs {
		status, ok := master.Backend.Statuses[id]
		if ok && !status.IsFinal() {
			collections = append(collections, id)
		}
	}
	if len(collections) > 0 {
		if err := client.CancelCollection(ctx, collections); err != nil {
			logger.WithError(err).Warnf("job cancellation failed: %v", collections)
			master.UpdateMasterStatus()
			return cancelErr("cancel-collection", err)
		}
	}
	for _, sub := range master.Subjobs {
		if sub.Backend.Flag != job.FlagIndividual && sub.Status().IsActive() {
			if err := sub.UpdateStatus(job.Killed); err != nil {
				logger.WithError(err).Warnf("failed to mark %s killed", sub.FQID())
			}
		}
	}
	master.UpdateMasterStatus()
	return nil
}
