package job

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/lcg/internal/lcg/lcgerrors"
)

// Status is the local lifecycle state of a job or subjob.
type Status string

const (
	New        Status = "new"
	Submitting Status = "submitting"
	Submitted  Status = "submitted"
	Running    Status = "running"
	Completing Status = "completing"
	Completed  Status = "completed"
	Failed     Status = "failed"
	Killed     Status = "killed"
)

var AllStatuses = []Status{New, Submitting, Submitted, Running, Completing, Completed, Failed, Killed}

// IsFinal reports whether the status is one a stale remote signal must never regress.
func (s Status) IsFinal() bool {
	return s == Completing || s == Completed || s == Failed
}

// IsActive reports whether the job is known to the middleware and not yet finished there.
func (s Status) IsActive() bool {
	return s == Submitted || s == Running
}

// IsResubmittable reports whether a job in this status may be submitted again.
func (s Status) IsResubmittable() bool {
	return s == Completed || s == Failed || s == Killed
}

func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if !slices.Contains(AllStatuses, status) {
		return "", errors.WithStack(&lcgerrors.ErrInvalidArgument{
			Name:    "status",
			Value:   s,
			Message: "unknown job status",
		})
	}
	return status, nil
}

// allowedTransitions lists every status change a leaf job may make.
// Submitting -> New is the rollback taken when a submission fails before any id was assigned.
var allowedTransitions = map[Status][]Status{
	New:        {Submitting, Failed, Killed},
	Submitting: {Submitted, New, Failed, Killed},
	Submitted:  {Running, Failed, Killed},
	Running:    {Completing, Failed, Killed},
	Completing: {Completed, Failed},
	Completed:  {Submitting},
	Failed:     {Submitting},
	Killed:     {Submitting},
}

// CanTransition reports whether a leaf job may move from one status to another.
func CanTransition(from, to Status) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// masterPriority orders subjob statuses by how strongly they determine the status of their master.
var masterPriority = []Status{Submitting, Running, Submitted, Completing, Failed, Killed, New, Completed}

// DeriveMasterStatus computes a master status from the statuses of its subjobs.
// The second return value is false when there are no subjobs to derive from.
func DeriveMasterStatus(statuses []Status) (Status, bool) {
	if len(statuses) == 0 {
		return "", false
	}
	for _, candidate := range masterPriority {
		if slices.Contains(statuses, candidate) {
			return candidate, true
		}
	}
	return Completed, true
}
