package backend

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/lcg/internal/lcg/job"
	"github.com/armadaproject/lcg/internal/lcg/lcgerrors"
	"github.com/armadaproject/lcg/internal/lcg/prepare"
)

var matchableStatuses = []job.Status{job.New, job.Submitted, job.Failed, job.Completed}

// Match returns the computing elements the job could run on. The descriptor of a previous submission is
// used if there is one; otherwise the job is prepared from config in a temporary directory, with config's
// input sandbox staged as the shared sandbox.
func (b *LCG) Match(ctx context.Context, j *job.Job, config job.Config) ([]string, error) {
	status := j.Status()
	if !slices.Contains(matchableStatuses, status) {
		return nil, errors.WithStack(&lcgerrors.ErrInvalidArgument{
			Name:    "job",
			Value:   j.FQID(),
			Message: "only jobs in new, submitted, failed or completed status can be matched",
		})
	}
	client, err := b.registry.Get(j.Backend.Middleware())
	if err != nil {
		return nil, err
	}

	logger := log.WithField("job", j.FQID())
	logger.Info("matching job")

	path := ""
	if status != job.New {
		dir := j.InputDir
		if j.IsMaster() {
			dir = j.Subjobs[0].InputDir
		}
		path = filepath.Join(dir, prepare.DescriptorName)
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	if path == "" {
		logger.Debug("emulating the job preparation to create a descriptor")
		tmp, err := os.MkdirTemp("", "lcg-match-")
		if err != nil {
			return nil, errors.WithStack(err)
		}
		defer os.RemoveAll(tmp)

		shared, err := b.preparer.PrepareShared(ctx, j, config)
		if err != nil {
			return nil, err
		}
		jobConfig := config
		jobConfig.InputSandbox = nil
		if path, err = b.preparer.PrepareJob(ctx, j, jobConfig, shared, tmp); err != nil {
			return nil, err
		}
	}
	logger.Debugf("descriptor used for match-making: %s", path)

	matches, err := client.ListMatch(ctx, path, j.Backend.CE)
	if err != nil {
		return nil, errors.WithStack(&lcgerrors.ErrRemoteCommunication{
			Operation:  "list-match",
			Middleware: string(j.Backend.Middleware()),
			Cause:      err,
		})
	}
	return matches, nil
}
