// Package simulator implements a middleware client that emulates a gLite workload management system in process.
//
// Jobs advance one step through the middleware lifecycle on every status query. State can be persisted to a
// YAML file so that successive CLI invocations observe the same jobs.
package simulator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/armadaproject/lcg/internal/lcg/jdl"
	"github.com/armadaproject/lcg/internal/lcg/job"
	"github.com/armadaproject/lcg/internal/lcg/middleware"
)

var lifecycle = []job.RemoteStatus{
	job.RemoteSubmitted,
	job.RemoteWaiting,
	job.RemoteReady,
	job.RemoteScheduled,
	job.RemoteRunning,
	job.RemoteDoneSuccess,
}

type Config struct {
	// Host used to build native job ids.
	Host string
	// Computing elements returned by list-match and assigned to jobs round robin.
	ComputingElements []string
	// Every FailEvery-th submitted job ends with a non-zero exit code. Zero disables failures.
	FailEvery int
	// Optional YAML file the simulated state is persisted to.
	StateFile string
}

type simJob struct {
	ID          string           `yaml:"id"`
	ParentID    string           `yaml:"parentId,omitempty"`
	Name        string           `yaml:"name,omitempty"`
	Nodes       []string         `yaml:"nodes,omitempty"`
	Step        int              `yaml:"step"`
	Fails       bool             `yaml:"fails,omitempty"`
	Override    job.RemoteStatus `yaml:"override,omitempty"`
	Destination string           `yaml:"destination,omitempty"`
	Polled      bool             `yaml:"polled,omitempty"`
}

type state struct {
	Submitted int                `yaml:"submitted"`
	Jobs      map[string]*simJob `yaml:"jobs"`
}

var _ middleware.Client = &Simulator{}

type Simulator struct {
	config Config
	mu     sync.Mutex
	state  state
}

func New(config Config) (*Simulator, error) {
	if config.Host == "" {
		config.Host = "wms.simulator.local"
	}
	if len(config.ComputingElements) == 0 {
		config.ComputingElements = []string{"ce.simulator.local:2119/jobmanager-lcgpbs-short"}
	}
	s := &Simulator{
		config: config,
		state:  state{Jobs: map[string]*simJob{}},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Simulator) load() error {
	if s.config.StateFile == "" {
		return nil
	}
	content, err := os.ReadFile(s.config.StateFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "error reading simulator state %s", s.config.StateFile)
	}
	if err := yaml.Unmarshal(content, &s.state); err != nil {
		return errors.Wrapf(err, "error parsing simulator state %s", s.config.StateFile)
	}
	if s.state.Jobs == nil {
		s.state.Jobs = map[string]*simJob{}
	}
	return nil
}

func (s *Simulator) save() error {
	if s.config.StateFile == "" {
		return nil
	}
	content, err := yaml.Marshal(&s.state)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := os.MkdirAll(filepath.Dir(s.config.StateFile), 0o755); err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrapf(os.WriteFile(s.config.StateFile, content, 0o644), "error writing simulator state %s", s.config.StateFile)
}

func (s *Simulator) newID() string {
	return fmt.Sprintf("https://%s:9000/%s", s.config.Host, uuid.NewString())
}

func (s *Simulator) newLeaf(parentID, name, ce string) *simJob {
	s.state.Submitted++
	destination := ce
	if destination == "" {
		destination = s.config.ComputingElements[(s.state.Submitted-1)%len(s.config.ComputingElements)]
	}
	leaf := &simJob{
		ID:          s.newID(),
		ParentID:    parentID,
		Name:        name,
		Fails:       s.config.FailEvery > 0 && s.state.Submitted%s.config.FailEvery == 0,
		Destination: destination,
	}
	s.state.Jobs[leaf.ID] = leaf
	return leaf
}

func (s *Simulator) Submit(_ context.Context, descriptorPath string, ce string) (string, error) {
	content, err := os.ReadFile(descriptorPath)
	if err != nil {
		return "", errors.Wrapf(err, "error reading descriptor %s", descriptorPath)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !jdl.IsCollection(string(content)) {
		leaf := s.newLeaf("", "", ce)
		log.Debugf("simulator accepted job %s", leaf.ID)
		return leaf.ID, s.save()
	}

	nodes, err := jdl.ParseCollectionNodes(string(content))
	if err != nil {
		return "", err
	}
	for _, node := range nodes {
		if _, err := os.Stat(node.File); err != nil {
			return "", errors.Wrapf(err, "collection node %s", node.Name)
		}
	}
	aggregate := &simJob{ID: s.newID()}
	s.state.Jobs[aggregate.ID] = aggregate
	for _, node := range nodes {
		leaf := s.newLeaf(aggregate.ID, node.Name, ce)
		aggregate.Nodes = append(aggregate.Nodes, leaf.ID)
	}
	log.Debugf("simulator accepted collection %s with %d nodes", aggregate.ID, len(nodes))
	return aggregate.ID, s.save()
}

func (s *Simulator) leafStatus(leaf *simJob) job.RemoteStatus {
	if leaf.Override != "" {
		return leaf.Override
	}
	status := lifecycle[leaf.Step]
	if status == job.RemoteDoneSuccess && leaf.Fails {
		return job.RemoteDoneExitCode
	}
	return status
}

func (s *Simulator) advance(leaf *simJob) {
	if leaf.Override == "" && leaf.Step < len(lifecycle)-1 {
		leaf.Step++
	}
}

func (s *Simulator) aggregateStatus(aggregate *simJob) job.RemoteStatus {
	if aggregate.Override != "" {
		return aggregate.Override
	}
	done := 0
	running := false
	for _, id := range aggregate.Nodes {
		status := s.leafStatus(s.state.Jobs[id])
		if status.IsFinal() {
			done++
		}
		if status == job.RemoteRunning {
			running = true
		}
	}
	switch {
	case done == len(aggregate.Nodes):
		return job.RemoteDoneSuccess
	case running || done > 0:
		return job.RemoteRunning
	}
	return job.RemoteWaiting
}

func (s *Simulator) leafInfo(leaf *simJob, isNode bool) middleware.StatusInfo {
	status := s.leafStatus(leaf)
	info := middleware.StatusInfo{
		ID:       leaf.ID,
		ParentID: leaf.ParentID,
		IsNode:   isNode,
		Status:   status,
	}
	// node names are only published once the middleware has registered the collection
	if leaf.Polled {
		info.Name = leaf.Name
	}
	if status != job.RemoteSubmitted && status != job.RemoteWaiting {
		info.Destination = leaf.Destination
	}
	if status == job.RemoteDoneExitCode {
		info.Exit = "1"
		info.Reason = "Job terminated successfully"
	}
	if status == job.RemoteDoneSuccess {
		info.Exit = "0"
		info.Reason = "Job terminated successfully"
	}
	return info
}

func (s *Simulator) Status(_ context.Context, ids []string, isCollection bool) ([]middleware.StatusInfo, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []middleware.StatusInfo
	var missing []string
	for _, id := range ids {
		j, ok := s.state.Jobs[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		if isCollection && len(j.Nodes) > 0 {
			records = append(records, middleware.StatusInfo{ID: j.ID, Status: s.aggregateStatus(j)})
			for _, nodeID := range j.Nodes {
				node := s.state.Jobs[nodeID]
				records = append(records, s.leafInfo(node, true))
				node.Polled = true
				s.advance(node)
			}
			continue
		}
		if len(j.Nodes) > 0 {
			records = append(records, middleware.StatusInfo{ID: j.ID, Status: s.aggregateStatus(j)})
			continue
		}
		records = append(records, s.leafInfo(j, false))
		j.Polled = true
		s.advance(j)
	}
	return records, missing, s.save()
}

func (s *Simulator) cancel(id string) error {
	j, ok := s.state.Jobs[id]
	if !ok {
		return errors.Errorf("unknown job %s", id)
	}
	for _, nodeID := range j.Nodes {
		node := s.state.Jobs[nodeID]
		if !s.leafStatus(node).IsFinal() {
			node.Override = job.RemoteCancelled
		}
	}
	if len(j.Nodes) == 0 && s.leafStatus(j).IsFinal() {
		return errors.Errorf("job %s has already finished", id)
	}
	j.Override = job.RemoteCancelled
	return nil
}

func (s *Simulator) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cancel(id); err != nil {
		return err
	}
	return s.save()
}

func (s *Simulator) CancelMultiple(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if err := s.cancel(id); err != nil {
			return err
		}
	}
	return s.save()
}

func (s *Simulator) CancelCollection(ctx context.Context, ids []string) error {
	return s.CancelMultiple(ctx, ids)
}

func (s *Simulator) ListMatch(_ context.Context, _ string, ce string) ([]string, error) {
	if ce == "" {
		return append([]string(nil), s.config.ComputingElements...), nil
	}
	for _, known := range s.config.ComputingElements {
		if known == ce {
			return []string{ce}, nil
		}
	}
	return nil, nil
}

// GetOutput writes the simulated output sandbox and clears the job, as the middleware does after retrieval.
func (s *Simulator) GetOutput(_ context.Context, id string, dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.state.Jobs[id]
	if !ok {
		return errors.Errorf("unknown job %s", id)
	}
	if status := s.leafStatus(j); status != job.RemoteDoneSuccess && status != job.RemoteDoneExitCode {
		return errors.Errorf("output of job %s is not available in status %s", id, status)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WithStack(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stdout"), []byte("simulated output of "+id+"\n"), 0o644); err != nil {
		return errors.WithStack(err)
	}
	j.Override = job.RemoteCleared
	return s.save()
}
