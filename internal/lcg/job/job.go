package job

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/lcg/internal/lcg/lcgerrors"
)

// Config is the application configuration a job descriptor is built from.
type Config struct {
	Executable    string            `yaml:"executable" json:"executable"`
	Args          []string          `yaml:"args" json:"args"`
	Env           map[string]string `yaml:"env" json:"env"`
	InputSandbox  []string          `yaml:"inputSandbox" json:"inputSandbox"`
	OutputSandbox []string          `yaml:"outputSandbox" json:"outputSandbox"`
	InputData     []string          `yaml:"inputData" json:"inputData"`
	// Extra requirement expressions combined with the configured requirements.
	Requirements []string `yaml:"requirements" json:"requirements"`
}

// Job is a user computation unit, possibly split into subjobs.
//
// Status changes go through UpdateStatus or CompareAndSwapStatus so that the output downloader, which finishes
// jobs asynchronously, cannot race the reconciler. All other fields are owned by whichever operation is acting
// on the job tree and must not be mutated concurrently.
type Job struct {
	ID      int
	Name    string
	Master  *Job
	Subjobs []*Job
	Backend *Backend
	Config  Config

	InputDir      string
	OutputDir     string
	SubmitCounter int

	mu      sync.Mutex
	status  Status
	version uint64
}

func NewJob(id int, name string, backend *Backend) *Job {
	if backend == nil {
		backend = NewBackend("")
	}
	return &Job{
		ID:      id,
		Name:    name,
		Backend: backend,
		status:  New,
	}
}

// AddSubjob appends a subjob, which inherits the master's middleware.
func (j *Job) AddSubjob(sub *Job) {
	sub.Master = j
	if sub.Backend == nil {
		sub.Backend = NewBackend(j.Backend.Middleware())
	} else if sub.Backend.Middleware() == "" {
		sub.Backend.middleware = j.Backend.Middleware()
	}
	j.Subjobs = append(j.Subjobs, sub)
}

// FQID is the fully qualified id: "<master>.<subjob>" for subjobs.
func (j *Job) FQID() string {
	if j.Master != nil {
		return fmt.Sprintf("%s.%d", j.Master.FQID(), j.ID)
	}
	return fmt.Sprintf("%d", j.ID)
}

func (j *Job) IsMaster() bool {
	return len(j.Subjobs) > 0
}

// UsesBulk reports whether the job's subjobs are monitored through collection aggregates.
func (j *Job) UsesBulk() bool {
	return j.Backend.Middleware().SupportsBulk() && j.IsMaster()
}

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Version is incremented on every status change.
func (j *Job) Version() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.version
}

// UpdateStatus moves the job to a new status if the transition is allowed.
// Updating to the current status is a no-op.
func (j *Job) UpdateStatus(to Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status == to {
		return nil
	}
	return j.transition(j.status, to)
}

// CompareAndSwapStatus moves the job from expected to the new status, failing if the job
// is not currently in the expected status or the transition is not allowed.
func (j *Job) CompareAndSwapStatus(expected, to Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != expected {
		return errors.WithStack(&lcgerrors.ErrInvalidTransition{
			JobId: j.FQID(),
			From:  string(j.status),
			To:    string(to),
		})
	}
	return j.transition(expected, to)
}

func (j *Job) transition(from, to Status) error {
	if !CanTransition(from, to) {
		return errors.WithStack(&lcgerrors.ErrInvalidTransition{
			JobId: j.FQID(),
			From:  string(from),
			To:    string(to),
		})
	}
	j.status = to
	j.version++
	log.WithField("job", j.FQID()).Debugf("status changed from %s to %s", from, to)
	return nil
}

// RestoreStatus sets the status without checking the transition table. It is used when loading persisted jobs
// and to hand back jobs claimed for a submission that was not made.
func (j *Job) RestoreStatus(status Status) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = status
	j.version++
}

// UpdateMasterStatus recomputes a master's status from its subjobs. Masters are not bound by
// the transition table since their status only summarises their subjobs.
func (j *Job) UpdateMasterStatus() Status {
	statuses := make([]Status, 0, len(j.Subjobs))
	for _, sub := range j.Subjobs {
		statuses = append(statuses, sub.Status())
	}
	derived, ok := DeriveMasterStatus(statuses)

	j.mu.Lock()
	defer j.mu.Unlock()
	if !ok || derived == j.status {
		return j.status
	}
	log.WithField("job", j.FQID()).Infof("master status changed from %s to %s", j.status, derived)
	j.status = derived
	j.version++
	return derived
}

// Fail marks the job failed with the given remote status and reason.
func (j *Job) Fail(remote RemoteStatus, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Backend.Status = remote
	return j.fail(reason)
}

// FailWithReason marks the job failed and keeps its remote status.
func (j *Job) FailWithReason(reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.fail(reason)
}

func (j *Job) fail(reason string) error {
	j.Backend.Reason = reason
	if j.status == Failed {
		return nil
	}
	return j.transition(j.status, Failed)
}

// Reason returns the failure reason set by Fail or FailWithReason.
func (j *Job) Reason() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Backend.Reason
}

// SubjobByID finds a subjob by its id within this master.
func (j *Job) SubjobByID(id int) *Job {
	for _, sub := range j.Subjobs {
		if sub.ID == id {
			return sub
		}
	}
	return nil
}
