package job

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/armadaproject/lcg/internal/lcg/lcgerrors"
)

// Middleware is the flavour of grid middleware a job is submitted through.
type Middleware string

const (
	EDG   Middleware = "EDG"
	GLITE Middleware = "GLITE"
)

func ParseMiddleware(s string) (Middleware, error) {
	switch m := Middleware(strings.ToUpper(s)); m {
	case EDG, GLITE:
		return m, nil
	}
	return "", errors.WithStack(&lcgerrors.ErrInvalidArgument{
		Name:    "middleware",
		Value:   s,
		Message: "middleware must be either GLITE or EDG",
	})
}

// SupportsBulk reports whether the flavour can submit collections.
func (m Middleware) SupportsBulk() bool {
	return m == GLITE
}

type JobType string

const (
	Normal      JobType = "Normal"
	MPICH       JobType = "MPICH"
	Interactive JobType = "Interactive"
)

const (
	// FlagNone marks a job monitored through its aggregate, if it has one.
	FlagNone = 0
	// FlagIndividual marks a subjob resubmitted on its own; it is monitored and killed by its own id.
	FlagIndividual = 1
)

// Backend holds the middleware-specific state of a job.
//
// A leaf job carries a single native ID and a scalar Status. A master submitted in bulk carries one
// aggregate id per collection in IDs, and Statuses keyed by every aggregate id it has ever been given.
type Backend struct {
	ID       string
	IDs      []string
	ParentID string
	Status   RemoteStatus
	Statuses map[string]RemoteStatus
	Reason   string
	// Exit code of the application, filled in by output retrieval.
	ExitCode string
	// Exit code reported by the middleware.
	ExitCodeLCG string
	ActualCE    string
	Flag        int
	CE          string
	JobType     JobType
	Perusable   bool

	middleware Middleware
}

func NewBackend(middleware Middleware) *Backend {
	return &Backend{
		middleware: middleware,
		JobType:    Normal,
		Statuses:   map[string]RemoteStatus{},
	}
}

func (b *Backend) Middleware() Middleware {
	return b.middleware
}

// SetMiddleware sets the middleware flavour. Once set it cannot be changed.
func (b *Backend) SetMiddleware(middleware Middleware) error {
	if b.middleware != "" && b.middleware != middleware {
		return errors.WithStack(&lcgerrors.ErrInvalidArgument{
			Name:    "middleware",
			Value:   string(middleware),
			Message: "middleware is already set to " + string(b.middleware),
		})
	}
	if middleware != EDG && middleware != GLITE {
		return errors.WithStack(&lcgerrors.ErrInvalidArgument{
			Name:    "middleware",
			Value:   string(middleware),
			Message: "middleware must be either GLITE or EDG",
		})
	}
	b.middleware = middleware
	return nil
}

// SetPerusable enables job perusal, which only GLITE supports.
func (b *Backend) SetPerusable(perusable bool) error {
	if perusable && b.middleware != GLITE {
		return errors.WithStack(&lcgerrors.ErrInvalidArgument{
			Name:    "perusable",
			Value:   perusable,
			Message: "perusable can only be set for GLITE jobs",
		})
	}
	b.Perusable = perusable
	return nil
}

// HasID reports whether the middleware has given this job any id.
func (b *Backend) HasID() bool {
	return b.ID != "" || len(b.IDs) > 0
}

// OwnsAggregate reports whether the aggregate id was produced for this master.
func (b *Backend) OwnsAggregate(id string) bool {
	for _, known := range b.IDs {
		if known == id {
			return true
		}
	}
	return false
}

// AddAggregate records a newly submitted collection. Earlier aggregate ids are kept.
func (b *Backend) AddAggregate(id string) {
	if b.Statuses == nil {
		b.Statuses = map[string]RemoteStatus{}
	}
	if !b.OwnsAggregate(id) {
		b.IDs = append(b.IDs, id)
	}
	b.Statuses[id] = ""
}

// Refresh clears the information gathered about a previous submission.
func (b *Backend) Refresh() {
	b.Status = ""
	b.Reason = ""
	b.ActualCE = ""
	b.ExitCode = ""
	b.ExitCodeLCG = ""
	b.Flag = FlagNone
}
