package lcgctl

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/armadaproject/lcg/internal/lcg/job"
	"github.com/armadaproject/lcg/internal/lcg/lcgerrors"
)

// JobFile is the job definition read by submit.
type JobFile struct {
	Name       string            `yaml:"name"`
	Middleware string            `yaml:"middleware" validate:"required,oneof=GLITE EDG glite edg"`
	CE         string            `yaml:"ce"`
	JobType    string            `yaml:"jobType" validate:"omitempty,oneof=Normal MPICH Interactive"`
	Perusable  bool              `yaml:"perusable"`
	Executable string            `yaml:"executable" validate:"required"`
	Args       []string          `yaml:"args"`
	Env        map[string]string `yaml:"env"`
	// Glob patterns, relative to the job file, shared by every subjob.
	InputSandbox  []string      `yaml:"inputSandbox"`
	OutputSandbox []string      `yaml:"outputSandbox"`
	InputData     []string      `yaml:"inputData"`
	Requirements  []string      `yaml:"requirements"`
	Subjobs       []SubjobEntry `yaml:"subjobs" validate:"dive"`
}

// SubjobEntry overrides the job definition for one subjob. Args replace the job's args, env is merged
// over the job's env and input sandbox patterns are added to the subjob only.
type SubjobEntry struct {
	Args         []string          `yaml:"args"`
	Env          map[string]string `yaml:"env"`
	InputSandbox []string          `yaml:"inputSandbox"`
}

func ReadJobFile(path string) (*JobFile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading job file %s", path)
	}
	file := &JobFile{}
	if err := yaml.UnmarshalStrict(content, file); err != nil {
		return nil, errors.Wrapf(err, "error parsing job file %s", path)
	}
	if err := validator.New().Struct(file); err != nil {
		return nil, errors.Wrapf(err, "invalid job file %s", path)
	}

	base := filepath.Dir(path)
	if file.InputSandbox, err = expandGlobs(base, file.InputSandbox); err != nil {
		return nil, err
	}
	for i := range file.Subjobs {
		if file.Subjobs[i].InputSandbox, err = expandGlobs(base, file.Subjobs[i].InputSandbox); err != nil {
			return nil, err
		}
	}
	return file, nil
}

// expandGlobs resolves every pattern to the absolute paths of the files it matches.
// A pattern matching nothing is an error.
func expandGlobs(base string, patterns []string) ([]string, error) {
	var files []string
	for _, pattern := range patterns {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(base, pattern)
		}
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, errors.Wrapf(err, "invalid input sandbox pattern %s", pattern)
		}
		if len(matches) == 0 {
			return nil, errors.WithStack(&lcgerrors.ErrInvalidArgument{
				Name:    "inputSandbox",
				Value:   pattern,
				Message: "pattern matches no file",
			})
		}
		for _, match := range matches {
			abs, err := filepath.Abs(match)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			files = append(files, abs)
		}
	}
	return files, nil
}

// sharedConfig is the part of the definition prepared once for the whole job.
func (f *JobFile) sharedConfig() job.Config {
	return job.Config{InputSandbox: f.InputSandbox}
}

func (f *JobFile) jobConfig() job.Config {
	return job.Config{
		Executable:    f.Executable,
		Args:          f.Args,
		Env:           f.Env,
		OutputSandbox: f.OutputSandbox,
		InputData:     f.InputData,
		Requirements:  f.Requirements,
	}
}

func (f *JobFile) subjobConfig(entry SubjobEntry) job.Config {
	config := f.jobConfig()
	if len(entry.Args) > 0 {
		config.Args = entry.Args
	}
	if len(entry.Env) > 0 {
		env := make(map[string]string, len(f.Env)+len(entry.Env))
		for k, v := range f.Env {
			env[k] = v
		}
		for k, v := range entry.Env {
			env[k] = v
		}
		config.Env = env
	}
	config.InputSandbox = entry.InputSandbox
	return config
}

// newJob builds the job tree the definition describes, with its workspace directories under workspace.
// It also returns the per-job configurations to submit with; the shared input sandbox is kept in the
// returned job's Config.
func (f *JobFile) newJob(id int, workspace string) (*job.Job, []job.Config, error) {
	middleware, err := job.ParseMiddleware(f.Middleware)
	if err != nil {
		return nil, nil, err
	}
	backend := job.NewBackend(middleware)
	backend.CE = f.CE
	if f.JobType != "" {
		backend.JobType = job.JobType(f.JobType)
	}
	if err := backend.SetPerusable(f.Perusable); err != nil {
		return nil, nil, err
	}

	root := filepath.Join(workspace, strconv.Itoa(id))
	j := job.NewJob(id, f.Name, backend)
	j.Config = f.sharedConfig()
	j.InputDir = filepath.Join(root, "input")
	j.OutputDir = filepath.Join(root, "output")

	if len(f.Subjobs) == 0 {
		config := f.jobConfig()
		j.Config = config
		j.Config.InputSandbox = f.InputSandbox
		return j, []job.Config{config}, nil
	}

	configs := make([]job.Config, 0, len(f.Subjobs))
	for i, entry := range f.Subjobs {
		sub := job.NewJob(i, "", nil)
		sub.Config = f.subjobConfig(entry)
		sub.InputDir = filepath.Join(root, strconv.Itoa(i), "input")
		sub.OutputDir = filepath.Join(root, strconv.Itoa(i), "output")
		j.AddSubjob(sub)
		configs = append(configs, sub.Config)
	}
	return j, configs, nil
}
