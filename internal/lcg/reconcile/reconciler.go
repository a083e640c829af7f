// Package reconcile pulls remote status and drives local job state from it.
package reconcile

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/lcg/internal/lcg/downloader"
	"github.com/armadaproject/lcg/internal/lcg/jdl"
	"github.com/armadaproject/lcg/internal/lcg/job"
	"github.com/armadaproject/lcg/internal/lcg/lcgerrors"
	"github.com/armadaproject/lcg/internal/lcg/metrics"
	"github.com/armadaproject/lcg/internal/lcg/middleware"
	"github.com/armadaproject/lcg/internal/lcg/notifier"
)

const (
	anomalyMissingID        = "missing_id"
	anomalyStaleParent      = "stale_parent"
	anomalyClearedFinal     = "cleared_final"
	anomalyUnnamedNode      = "unnamed_node"
	anomalyUnknownNode      = "unknown_node"
	anomalyUnknownAggregate = "unknown_aggregate"
	anomalyUnexpectedStatus = "unexpected_status"
	anomalyTransition       = "invalid_transition"
)

// Reconciler runs monitoring passes. A pass must not run concurrently with submit, resubmit or kill of the
// same jobs.
type Reconciler struct {
	registry  *middleware.Registry
	downloads downloader.Queue
	notifier  notifier.Notifier
}

func New(registry *middleware.Registry, downloads downloader.Queue, notifier notifier.Notifier) *Reconciler {
	return &Reconciler{
		registry:  registry,
		downloads: downloads,
		notifier:  notifier,
	}
}

// Reconcile runs one monitoring pass over jobs. Jobs using collections are reconciled per aggregate id, every
// other job and every individually resubmitted subjob per native id. Remote communication errors are collected
// and returned once the pass is over; all other anomalies are logged.
func (r *Reconciler) Reconcile(ctx context.Context, jobs []*job.Job) error {
	var result *multierror.Error

	individual, collections := split(jobs)
	if err := r.reconcileIndividual(ctx, individual); err != nil {
		result = multierror.Append(result, err)
	}
	if err := r.reconcileCollections(ctx, collections); err != nil {
		result = multierror.Append(result, err)
	}

	for _, j := range jobs {
		if j.IsMaster() && (j.Backend.HasID() || !j.UsesBulk()) {
			log.WithField("job", j.FQID()).Debug("updating overall master job status")
			j.UpdateMasterStatus()
		}
	}
	return result.ErrorOrNil()
}

func split(jobs []*job.Job) (individual []*job.Job, collections []*job.Job) {
	for _, j := range jobs {
		if !j.UsesBulk() {
			if j.IsMaster() {
				individual = append(individual, j.Subjobs...)
			} else {
				individual = append(individual, j)
			}
			continue
		}
		collections = append(collections, j)
		for _, sub := range j.Subjobs {
			if sub.Backend.Flag == job.FlagIndividual && sub.Status().IsActive() {
				log.WithField("job", sub.FQID()).Debug("job submitted individually, monitoring it separately")
				individual = append(individual, sub)
			}
		}
	}
	return individual, collections
}

func (r *Reconciler) reconcileIndividual(ctx context.Context, jobs []*job.Job) error {
	byID := map[string]*job.Job{}
	byMiddleware := map[job.Middleware][]string{}
	for _, j := range jobs {
		if j.Backend.ID == "" || !j.Status().IsActive() {
			continue
		}
		byID[j.Backend.ID] = j
		m := j.Backend.Middleware()
		byMiddleware[m] = append(byMiddleware[m], j.Backend.ID)
	}

	var result *multierror.Error
	middlewares := maps.Keys(byMiddleware)
	slices.Sort(middlewares)
	for _, m := range middlewares {
		client, err := r.registry.Get(m)
		if err != nil {
			log.WithError(err).Debugf("skipping %d jobs", len(byMiddleware[m]))
			continue
		}
		ids := byMiddleware[m]
		records, missing, err := client.Status(ctx, ids, false)
		if err != nil {
			result = multierror.Append(result, errors.WithStack(&lcgerrors.ErrRemoteCommunication{
				Operation:  "status",
				Middleware: string(m),
				Cause:      err,
			}))
			continue
		}

		for _, id := range missing {
			if j, ok := byID[id]; ok {
				failMissing(id, j)
			}
		}
		for _, record := range records {
			j, ok := byID[record.ID]
			if !ok {
				log.Warnf("status received for unknown job id %s", record.ID)
				metrics.RecordReconciliationAnomaly(anomalyUnknownNode)
				continue
			}
			r.apply(client, j, record, false)
		}
	}
	return result.ErrorOrNil()
}

func (r *Reconciler) reconcileCollections(ctx context.Context, masters []*job.Job) error {
	byAggregate := map[string]*job.Job{}
	for _, master := range masters {
		if !master.Backend.HasID() {
			continue
		}
		for _, sub := range master.Subjobs {
			if sub.Status().IsFinal() || !master.Backend.OwnsAggregate(sub.Backend.ParentID) {
				continue
			}
			if _, ok := byAggregate[sub.Backend.ParentID]; !ok {
				byAggregate[sub.Backend.ParentID] = master
			}
		}
	}
	if len(byAggregate) == 0 {
		return nil
	}

	client, err := r.registry.Get(job.GLITE)
	if err != nil {
		log.WithError(err).Debugf("skipping %d collections", len(byAggregate))
		return nil
	}

	ids := maps.Keys(byAggregate)
	slices.Sort(ids)
	records, missing, err := client.Status(ctx, ids, true)
	if err != nil {
		return errors.WithStack(&lcgerrors.ErrRemoteCommunication{
			Operation:  "status",
			Middleware: string(job.GLITE),
			Cause:      err,
		})
	}

	for _, id := range missing {
		if master, ok := byAggregate[id]; ok {
			failMissing(id, master)
		}
	}

	var current string
	for _, record := range records {
		if !record.IsNode {
			current = record.ID
			master, ok := byAggregate[record.ID]
			if !ok {
				log.Warnf("status received for unknown collection %s", record.ID)
				metrics.RecordReconciliationAnomaly(anomalyUnknownAggregate)
				current = ""
				continue
			}
			previous, known := master.Backend.Statuses[record.ID]
			if !known {
				log.WithField("job", master.FQID()).Warnf("collection %s not found in the submitted master job", record.ID)
				metrics.RecordReconciliationAnomaly(anomalyUnknownAggregate)
			} else if previous != record.Status {
				master.Backend.Statuses[record.ID] = record.Status
			}
			continue
		}

		parent := record.ParentID
		if parent == "" {
			parent = current
		}
		master, ok := byAggregate[parent]
		if !ok {
			metrics.RecordReconciliationAnomaly(anomalyUnknownAggregate)
			continue
		}
		r.applyNode(client, master, parent, record)
	}
	return nil
}

func (r *Reconciler) applyNode(client middleware.Client, master *job.Job, parent string, record middleware.StatusInfo) {
	if record.Name == "" {
		// node names are filled in by the middleware some time after submission
		metrics.RecordReconciliationAnomaly(anomalyUnnamedNode)
		return
	}
	id, ok := jdl.ParseNodeName(record.Name)
	var sub *job.Job
	if ok {
		sub = master.SubjobByID(id)
	}
	if sub == nil {
		log.WithField("job", master.FQID()).Warnf("no subjob for node %q", record.Name)
		metrics.RecordReconciliationAnomaly(anomalyUnknownNode)
		return
	}

	logger := log.WithField("job", sub.FQID())
	if parent != sub.Backend.ParentID {
		logger.Debug("job has been resubmitted, ignoring the status update")
		metrics.RecordReconciliationAnomaly(anomalyStaleParent)
		return
	}
	if record.Status == job.RemoteCleared && sub.Status().IsFinal() {
		metrics.RecordReconciliationAnomaly(anomalyClearedFinal)
		return
	}
	if sub.Backend.Flag == job.FlagIndividual {
		logger.Debug("job was resubmitted individually, skipping update from its collection")
		return
	}
	if sub.Status() == job.Killed {
		logger.Debug("job was killed individually, skipping update from its collection")
		return
	}

	if sub.Backend.ID == "" {
		logger.Debugf("job obtained backend id %s", record.ID)
		sub.Backend.ID = record.ID
		r.notifier.OnIDAssigned(sub)
	}
	r.apply(client, sub, record, true)
}

// apply updates j from one status record and acts on a changed remote status.
func (r *Reconciler) apply(client middleware.Client, j *job.Job, record middleware.StatusInfo, isNode bool) {
	logger := log.WithField("job", j.FQID())
	download := false

	if j.Backend.ActualCE != record.Destination {
		logger.Infof("job has been assigned to %s", record.Destination)
		j.Backend.ActualCE = record.Destination
	}

	if j.Backend.Status != record.Status {
		logger.Infof("job has changed status to %s", record.Status)
		j.Backend.Status = record.Status
		j.Backend.Reason = record.Reason
		j.Backend.ExitCodeLCG = record.Exit
		metrics.RecordRemoteStatusChange(string(record.Status))
		if job.Translate(record.Status) == job.ActionDownload {
			download = true
		} else {
			action, err := job.ApplyRemoteStatus(j, record.Status)
			if err != nil {
				logger.WithError(err).Warnf("cannot apply remote status %s", record.Status)
				metrics.RecordReconciliationAnomaly(anomalyTransition)
			}
			if action == job.ActionUnexpected {
				metrics.RecordReconciliationAnomaly(anomalyUnexpectedStatus)
			}
		}
	} else if job.Translate(record.Status) == job.ActionDownload && !j.Status().IsFinal() {
		download = true
	}

	if !download {
		return
	}
	// the downloader moves jobs from running to completing
	if j.Status() == job.Submitted {
		if err := j.UpdateStatus(job.Running); err != nil {
			logger.WithError(err).Warn("cannot mark job running")
			metrics.RecordReconciliationAnomaly(anomalyTransition)
		}
	}
	r.downloads.AddTask(client, j, isNode)
}

// failMissing fails the job owning a vanished id. For an aggregate id only the subjobs last submitted
// under it are failed.
func failMissing(id string, owner *job.Job) {
	metrics.RecordReconciliationAnomaly(anomalyMissingID)
	if !owner.IsMaster() || !owner.Backend.OwnsAggregate(id) {
		log.WithField("job", owner.FQID()).Warnf("job id %s removed from the middleware", id)
		if err := owner.Fail(job.RemoteRemoved, job.ReasonRemoved); err != nil {
			log.WithField("job", owner.FQID()).WithError(err).Warn("cannot fail removed job")
		}
		return
	}

	owner.Backend.Statuses[id] = job.RemoteRemoved
	for _, sub := range owner.Subjobs {
		if sub.Backend.ParentID != id || sub.Backend.Flag == job.FlagIndividual {
			continue
		}
		status := sub.Status()
		if status.IsFinal() || status == job.Killed {
			continue
		}
		log.WithField("job", sub.FQID()).Warnf("collection %s removed from the middleware", id)
		if err := sub.Fail(job.RemoteRemoved, job.ReasonRemoved); err != nil {
			log.WithField("job", sub.FQID()).WithError(err).Warn("cannot fail removed job")
		}
	}
}
