package prepare

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/armadaproject/lcg/internal/lcg/bulk"
	"github.com/armadaproject/lcg/internal/lcg/configuration"
	"github.com/armadaproject/lcg/internal/lcg/jdl"
	"github.com/armadaproject/lcg/internal/lcg/job"
	"github.com/armadaproject/lcg/internal/lcg/lcgerrors"
	"github.com/armadaproject/lcg/internal/lcg/requirements"
	"github.com/armadaproject/lcg/internal/lcg/sandboxcache"
)

const minTransferTimeout = 60

type Config struct {
	VirtualOrganisation string
	JobLogHandler       string
	LFCHost             string
	BoundSandboxLimit   int64
	TransferTimeout     int
	Threads             int
	Timeout             time.Duration
	RetryCount          int
	ShallowRetryCount   int
	Rank                string
	ReplicaCatalog      string
	StorageIndex        string
	MyProxyServer       string
	DataRequirements    string
	DataAccessProtocol  []string
}

func NewConfig(c configuration.LCGConfiguration) Config {
	return Config{
		VirtualOrganisation: c.Submission.VirtualOrganisation,
		JobLogHandler:       c.Submission.JobLogHandler,
		LFCHost:             c.Submission.DefaultLFC,
		BoundSandboxLimit:   int64(c.Sandbox.BoundSandboxLimit),
		TransferTimeout:     c.Sandbox.TransferTimeout,
		Threads:             c.Submission.PrepareThreads,
		Timeout:             c.Submission.Timeout,
		RetryCount:          c.Submission.RetryCount,
		ShallowRetryCount:   c.Submission.ShallowRetryCount,
		Rank:                c.Submission.Rank,
		ReplicaCatalog:      c.Submission.ReplicaCatalog,
		StorageIndex:        c.Submission.StorageIndex,
		MyProxyServer:       c.Submission.MyProxyServer,
		DataRequirements:    c.Submission.DataRequirements,
		DataAccessProtocol:  c.Submission.DataAccessProtocol,
	}
}

// Descriptor is the prepared descriptor of one job.
type Descriptor struct {
	JobID int
	Path  string
}

// SharedSandbox holds the input files common to every subjob of a master.
type SharedSandbox struct {
	Local  []string
	Remote []sandboxcache.RemoteFile
}

type Preparer struct {
	config       Config
	cache        sandboxcache.SandboxCache
	requirements requirements.Requirements
}

func NewPreparer(config Config, cache sandboxcache.SandboxCache, requirements requirements.Requirements) *Preparer {
	return &Preparer{
		config:       config,
		cache:        cache,
		requirements: requirements,
	}
}

// Prepare builds the descriptor of every subjob. Subjobs are prepared in parallel; if any of them
// cannot be prepared the whole preparation fails. Descriptors are returned sorted by subjob id.
func (p *Preparer) Prepare(ctx context.Context, master *job.Job, subjobs []*job.Job, subConfigs []job.Config, masterConfig job.Config) ([]Descriptor, error) {
	if len(subjobs) != len(subConfigs) {
		return nil, errors.WithStack(&lcgerrors.ErrInvalidArgument{
			Name:    "subConfigs",
			Value:   len(subConfigs),
			Message: fmt.Sprintf("expected one configuration per subjob (%d)", len(subjobs)),
		})
	}
	log.WithField("job", master.FQID()).Warnf("preparing %d subjobs ... it may take a while", len(subjobs))

	shared, err := p.PrepareShared(ctx, master, masterConfig)
	if err != nil {
		return nil, err
	}

	type item struct {
		job    *job.Job
		config job.Config
	}
	items := make([]item, len(subjobs))
	for i := range subjobs {
		items[i] = item{job: subjobs[i], config: subConfigs[i]}
	}
	outcome := bulk.Run(ctx, bulk.Options{Name: "lcg_jprepare", Workers: p.config.Threads, Timeout: p.config.Timeout}, items,
		func(ctx context.Context, it item) (int, string, error) {
			log.WithField("job", it.job.FQID()).Debug("preparing job")
			path, err := p.PrepareJob(ctx, it.job, it.config, shared, it.job.InputDir)
			if err != nil {
				return it.job.ID, "", err
			}
			if _, err := os.Stat(path); err != nil {
				return it.job.ID, "", errors.Wrapf(err, "job %s not properly prepared", it.job.FQID())
			}
			return it.job.ID, path, nil
		})
	if !outcome.Complete() {
		return nil, errors.WithStack(&lcgerrors.ErrPreparation{
			JobId:   master.FQID(),
			Message: fmt.Sprintf("%d of %d subjobs prepared", len(outcome.Results), outcome.Submitted),
		})
	}

	descriptors := make([]Descriptor, 0, len(outcome.Results))
	for _, r := range outcome.Results {
		descriptors = append(descriptors, Descriptor{JobID: r.Key, Path: r.Value})
	}
	return descriptors, nil
}

// PrepareShared resolves the master's input sandbox, uploading oversized files to the sandbox cache concurrently.
func (p *Preparer) PrepareShared(ctx context.Context, master *job.Job, masterConfig job.Config) (*SharedSandbox, error) {
	files, err := absPaths(masterConfig.InputSandbox)
	if err != nil {
		return nil, preparationError(master, "master input sandbox preparation failed", err)
	}

	local := make([]string, len(files))
	remote := make([]*sandboxcache.RemoteFile, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			r, err := p.stage(gctx, file)
			if err != nil {
				return errors.WithMessagef(err, "master input sandbox preparation failed: %s", file)
			}
			if r != nil {
				remote[i] = r
			} else {
				local[i] = file
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, preparationError(master, "", err)
	}

	shared := &SharedSandbox{}
	for i := range files {
		if remote[i] != nil {
			shared.Remote = append(shared.Remote, *remote[i])
		} else {
			shared.Local = append(shared.Local, local[i])
		}
	}
	return shared, nil
}

// stage returns nil if the file is small enough to ship with the job.
func (p *Preparer) stage(ctx context.Context, file string) (*sandboxcache.RemoteFile, error) {
	info, err := os.Stat(file)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if info.IsDir() {
		return nil, errors.Errorf("%s is a directory", file)
	}
	if info.Size() <= p.config.BoundSandboxLimit {
		return nil, nil
	}
	if p.cache == nil {
		return nil, errors.Errorf("%s exceeds the sandbox limit and no sandbox cache is configured", file)
	}
	r, err := p.cache.UploadIfAbsent(ctx, file)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// PrepareJob writes the job wrapper and descriptor of one job into dir and returns the descriptor path.
func (p *Preparer) PrepareJob(ctx context.Context, j *job.Job, config job.Config, shared *SharedSandbox, dir string) (string, error) {
	if dir == "" {
		return "", preparationError(j, "job has no input directory", nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", preparationError(j, "", errors.WithStack(err))
	}
	if shared == nil {
		shared = &SharedSandbox{}
	}

	files, err := absPaths(config.InputSandbox)
	if err != nil {
		return "", preparationError(j, "input sandbox preparation failed", err)
	}
	local := append([]string(nil), shared.Local...)
	remote := append([]sandboxcache.RemoteFile(nil), shared.Remote...)
	for _, file := range files {
		r, err := p.stage(ctx, file)
		if err != nil {
			return "", preparationError(j, "input sandbox preparation failed: "+file, err)
		}
		if r != nil {
			remote = append(remote, *r)
		} else {
			local = append(local, file)
		}
	}

	var maxPrestaged int64
	remoteInputs := make([]remoteInput, 0, len(remote))
	for _, r := range remote {
		if r.Size > maxPrestaged {
			maxPrestaged = r.Size
		}
		remoteInputs = append(remoteInputs, remoteInput{Name: r.Name, Ref: r.Ref})
	}
	transferTimeout := TransferTimeout(p.config.TransferTimeout, maxPrestaged)

	backend := j.Backend
	jobType := backend.JobType
	if jobType == "" {
		jobType = job.Normal
	}
	switch jobType {
	case job.Normal, job.MPICH, job.Interactive:
	default:
		return "", preparationError(j, fmt.Sprintf("job type %q not supported", jobType), nil)
	}

	wrapper, err := writeWrapper(dir, wrapperParams{
		JobID:           j.FQID(),
		Executable:      config.Executable,
		Args:            config.Args,
		Remote:          remoteInputs,
		OutputSandbox:   config.OutputSandbox,
		OutputTarball:   OutputTarball,
		WrapperLog:      WrapperLog,
		TransferTimeout: transferTimeout,
		CompressLogs:    p.config.JobLogHandler == "WMS",
	})
	if err != nil {
		return "", preparationError(j, "", err)
	}

	outputSandbox := []string{WrapperLog}
	if p.config.JobLogHandler == "WMS" {
		outputSandbox = append(outputSandbox, "stdout.gz", "stderr.gz")
	}
	if len(config.OutputSandbox) > 0 {
		outputSandbox = append(outputSandbox, OutputTarball)
	}

	env := map[string]string{
		"LCG_VO":               p.config.VirtualOrganisation,
		"LCG_LOG_HANDLER":      p.config.JobLogHandler,
		"LCG_TRANSFER_TIMEOUT": fmt.Sprintf("%d", transferTimeout),
		"LFC_HOST":             p.config.LFCHost,
	}

	d := jdl.NewDocument()
	d.SetString(jdl.VirtualOrganisation, p.config.VirtualOrganisation)
	d.SetString(jdl.Executable, filepath.Base(wrapper))
	d.SetString(jdl.StdOutput, "stdout")
	d.SetString(jdl.StdError, "stderr")
	d.SetList(jdl.InputSandbox, append(local, wrapper))
	d.SetList(jdl.OutputSandbox, outputSandbox)

	if backend.Middleware() == job.GLITE {
		d.SetBool(jdl.AllowZippedISB, false)
		if backend.Perusable {
			d.SetBool(jdl.PerusalFileEnable, true)
			d.SetInt(jdl.PerusalTimeInterval, 120)
		}
	}

	if backend.CE != "" {
		d.SetRequirements(requirements.PinnedCE(backend.CE))
		// exported for monitoring on the worker node
		env["LCG_CE"] = backend.CE
	} else {
		var reqs []string
		if p.requirements != nil {
			reqs = p.requirements.Convert(config.Requirements)
		} else {
			reqs = config.Requirements
		}
		d.SetRequirements(reqs)
		if len(config.InputData) > 0 {
			d.SetList(jdl.InputData, config.InputData)
			d.SetList(jdl.DataAccessProtocol, []string{"gsiftp"})
		}
	}

	d.SetString(jdl.JobType, strings.ToUpper(string(jobType)))
	if jobType == job.MPICH {
		for _, r := range requirements.MPICH() {
			d.AddRequirement(r)
		}
		nodes := 1
		if p.requirements != nil {
			nodes = p.requirements.NodeNumber()
		}
		d.SetInt(jdl.NodeNumber, nodes)
	}

	for k, v := range config.Env {
		env[k] = v
	}
	d.SetEnvironment(env)

	if p.config.ShallowRetryCount >= 0 {
		d.SetInt(jdl.ShallowRetryCount, p.config.ShallowRetryCount)
	}
	if p.config.RetryCount >= 0 {
		d.SetInt(jdl.RetryCount, p.config.RetryCount)
	}
	for _, attr := range []struct{ name, value string }{
		{jdl.Rank, p.config.Rank},
		{jdl.ReplicaCatalog, p.config.ReplicaCatalog},
		{jdl.StorageIndex, p.config.StorageIndex},
		{jdl.MyProxyServer, p.config.MyProxyServer},
		{jdl.DataRequirements, p.config.DataRequirements},
	} {
		if attr.value != "" {
			d.SetString(attr.name, attr.value)
		}
	}
	if len(p.config.DataAccessProtocol) > 0 {
		d.SetList(jdl.DataAccessProtocol, p.config.DataAccessProtocol)
	}

	path := filepath.Join(dir, DescriptorName)
	if err := d.WriteFile(path); err != nil {
		return "", preparationError(j, "", err)
	}
	log.WithField("job", j.FQID()).Debugf("descriptor written to %s", path)
	return path, nil
}

// TransferTimeout is the time in seconds the wrapper allows for fetching cached files, assuming 1MB/s.
func TransferTimeout(configured int, maxPrestagedBytes int64) int {
	timeout := configured
	if predicted := int(math.Ceil(float64(maxPrestagedBytes) / 1e6)); predicted > timeout {
		timeout = predicted
	}
	if timeout < minTransferTimeout {
		timeout = minTransferTimeout
	}
	return timeout
}

func wrapperName(fqid string) string {
	return fmt.Sprintf(wrapperNameFormat, fqid)
}

func absPaths(paths []string) ([]string, error) {
	result := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		result = append(result, abs)
	}
	return result, nil
}

func preparationError(j *job.Job, message string, cause error) error {
	return errors.WithStack(&lcgerrors.ErrPreparation{JobId: j.FQID(), Message: message, Cause: cause})
}
