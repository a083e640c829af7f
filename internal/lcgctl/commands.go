package lcgctl

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/lcg/internal/common/task"
	"github.com/armadaproject/lcg/internal/lcg/job"
	"github.com/armadaproject/lcg/internal/lcg/lcgerrors"
)

// Submit creates a job from the job file and submits it. The job is stored even if the submission fails.
func (a *App) Submit(ctx context.Context, jobFilePath string) error {
	file, err := ReadJobFile(jobFilePath)
	if err != nil {
		return err
	}
	id, err := a.repository.NextID(ctx)
	if err != nil {
		return err
	}
	j, configs, err := file.newJob(id, a.config.Workspace)
	if err != nil {
		return err
	}
	if err := a.repository.Save(ctx, j); err != nil {
		return err
	}

	shared := job.Config{InputSandbox: j.Config.InputSandbox}
	submitErr := a.backend.Submit(ctx, j, configs, shared)
	if err := a.repository.Save(ctx, j); err != nil {
		return err
	}
	if submitErr != nil {
		return errors.WithMessagef(submitErr, "error submitting job %d", id)
	}
	if j.IsMaster() {
		fmt.Fprintf(a.Out, "Submitted job %d with %d subjobs\n", id, len(j.Subjobs))
	} else {
		fmt.Fprintf(a.Out, "Submitted job %d\n", id)
	}
	return nil
}

// Resubmit resubmits a job or subjob given by its fully qualified id. For a master, subjobs restricts
// the resubmission to the given subjob ids.
func (a *App) Resubmit(ctx context.Context, fqid string, subjobs []int) error {
	master, j, err := a.load(ctx, fqid)
	if err != nil {
		return err
	}
	var rjobs []*job.Job
	for _, id := range subjobs {
		sub := j.SubjobByID(id)
		if sub == nil {
			return errors.WithStack(&lcgerrors.ErrNotFound{Type: "subjob", Value: fmt.Sprintf("%s.%d", fqid, id)})
		}
		rjobs = append(rjobs, sub)
	}

	resubmitErr := a.backend.Resubmit(ctx, j, rjobs)
	if err := a.repository.Save(ctx, master); err != nil {
		return err
	}
	if resubmitErr != nil {
		return errors.WithMessagef(resubmitErr, "error resubmitting job %s", fqid)
	}
	fmt.Fprintf(a.Out, "Resubmitted job %s\n", fqid)
	return nil
}

func (a *App) Kill(ctx context.Context, fqid string) error {
	master, j, err := a.load(ctx, fqid)
	if err != nil {
		return err
	}
	killErr := a.backend.Kill(ctx, j)
	if err := a.repository.Save(ctx, master); err != nil {
		return err
	}
	if killErr != nil {
		return errors.WithMessagef(killErr, "error killing job %s", fqid)
	}
	fmt.Fprintf(a.Out, "Killed job %s\n", fqid)
	return nil
}

// Reconcile runs one monitoring pass over every active job, waits for the output downloads it started
// and stores the result.
func (a *App) Reconcile(ctx context.Context) error {
	jobs, err := a.repository.ListActive(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		log.Debug("no active jobs to reconcile")
		return nil
	}

	var result *multierror.Error
	if err := a.backend.Reconcile(ctx, jobs); err != nil {
		result = multierror.Append(result, err)
	}
	a.downloads.Wait()
	for _, j := range jobs {
		if err := a.repository.Save(ctx, j); err != nil {
			result = multierror.Append(result, err)
		}
	}
	log.Infof("reconciled %d jobs", len(jobs))
	return result.ErrorOrNil()
}

// Watch reconciles at the configured interval until ctx is cancelled.
func (a *App) Watch(ctx context.Context) error {
	manager := task.NewBackgroundTaskManager("lcg_", nil)
	manager.Register(ctx, func(ctx context.Context) {
		if err := a.Reconcile(ctx); err != nil {
			log.WithError(err).Error("reconciliation failed")
		}
	}, a.config.Reconciliation.Interval, "reconcile")

	<-ctx.Done()
	if manager.StopAll(30 * time.Second) {
		log.Warn("timed out waiting for reconciliation to stop")
	}
	return nil
}

// Match prints the computing elements the job could run on.
func (a *App) Match(ctx context.Context, fqid string) error {
	_, j, err := a.load(ctx, fqid)
	if err != nil {
		return err
	}
	matches, err := a.backend.Match(ctx, j, matchConfig(j))
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		fmt.Fprintf(a.Out, "No computing element matches job %s\n", fqid)
		return nil
	}
	for _, ce := range matches {
		fmt.Fprintln(a.Out, ce)
	}
	return nil
}

// matchConfig rebuilds the configuration of the job's first leaf, with the shared input sandbox included.
func matchConfig(j *job.Job) job.Config {
	if !j.IsMaster() {
		config := j.Config
		if j.Master != nil {
			config.InputSandbox = append(append([]string(nil), j.Master.Config.InputSandbox...), config.InputSandbox...)
		}
		return config
	}
	config := j.Subjobs[0].Config
	config.InputSandbox = append(append([]string(nil), j.Config.InputSandbox...), config.InputSandbox...)
	return config
}

// Status prints the given jobs and their subjobs. With no ids every active job is printed.
func (a *App) Status(ctx context.Context, fqids []string) error {
	var jobs []*job.Job
	if len(fqids) == 0 {
		active, err := a.repository.ListActive(ctx)
		if err != nil {
			return err
		}
		jobs = active
	}
	for _, fqid := range fqids {
		_, j, err := a.load(ctx, fqid)
		if err != nil {
			return err
		}
		jobs = append(jobs, j)
	}

	w := tabwriter.NewWriter(a.Out, 1, 1, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ID\tSTATUS\tREMOTE\tBACKEND ID\tCE\tREASON")
	for _, j := range jobs {
		printStatus(w, j)
		for _, sub := range j.Subjobs {
			printStatus(w, sub)
		}
	}
	return nil
}

func printStatus(w *tabwriter.Writer, j *job.Job) {
	id := j.Backend.ID
	if id == "" && len(j.Backend.IDs) > 0 {
		id = strings.Join(j.Backend.IDs, ",")
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", j.FQID(), j.Status(), j.Backend.Status, id, j.Backend.ActualCE, j.Reason())
}

// load returns the stored master of fqid and the job fqid names, which is the master itself for a plain id.
func (a *App) load(ctx context.Context, fqid string) (*job.Job, *job.Job, error) {
	masterID, subjobID, err := parseFQID(fqid)
	if err != nil {
		return nil, nil, err
	}
	master, err := a.repository.Load(ctx, masterID)
	if err != nil {
		return nil, nil, err
	}
	if subjobID < 0 {
		return master, master, nil
	}
	sub := master.SubjobByID(subjobID)
	if sub == nil {
		return nil, nil, errors.WithStack(&lcgerrors.ErrNotFound{Type: "subjob", Value: fqid})
	}
	return master, sub, nil
}

// parseFQID splits "<master>" or "<master>.<subjob>". The subjob id is -1 for a plain master id.
func parseFQID(fqid string) (int, int, error) {
	invalid := &lcgerrors.ErrInvalidArgument{Name: "id", Value: fqid, Message: "expected <job> or <job>.<subjob>"}
	parts := strings.Split(fqid, ".")
	if len(parts) > 2 {
		return 0, 0, errors.WithStack(invalid)
	}
	masterID, err := strconv.Atoi(parts[0])
	if err != nil || masterID < 0 {
		return 0, 0, errors.WithStack(invalid)
	}
	if len(parts) == 1 {
		return masterID, -1, nil
	}
	subjobID, err := strconv.Atoi(parts[1])
	if err != nil || subjobID < 0 {
		return 0, 0, errors.WithStack(invalid)
	}
	return masterID, subjobID, nil
}
