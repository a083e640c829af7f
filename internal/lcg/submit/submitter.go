package submit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/lcg/internal/common/util"
	"github.com/armadaproject/lcg/internal/lcg/bulk"
	"github.com/armadaproject/lcg/internal/lcg/jdl"
	"github.com/armadaproject/lcg/internal/lcg/lcgerrors"
	"github.com/armadaproject/lcg/internal/lcg/metrics"
	"github.com/armadaproject/lcg/internal/lcg/middleware"
	"github.com/armadaproject/lcg/internal/lcg/prepare"
)

// Batch is one collection: a consecutive run of descriptors submitted as a single aggregate job.
type Batch struct {
	Offset      int
	Members     []prepare.Descriptor
	AggregateID string
}

type Submitter struct {
	virtualOrganisation string
	threads             int
	timeout             time.Duration
}

func NewSubmitter(virtualOrganisation string, threads int, timeout time.Duration) *Submitter {
	return &Submitter{
		virtualOrganisation: virtualOrganisation,
		threads:             threads,
		timeout:             timeout,
	}
}

// Partition splits descriptors into consecutive batches of at most batchSize.
func Partition(descriptors []prepare.Descriptor, batchSize int) []Batch {
	chunks := util.Batch(descriptors, batchSize)
	batches := make([]Batch, 0, len(chunks))
	offset := 0
	for _, chunk := range chunks {
		batches = append(batches, Batch{Offset: offset, Members: chunk})
		offset += len(chunk)
	}
	return batches
}

// Submit submits every batch as a collection written to workspace. Either every batch is submitted and the
// batches are returned in offset order with their aggregate ids, or the batches that were submitted are
// cancelled and an ErrSubmission is returned.
func (s *Submitter) Submit(ctx context.Context, client middleware.Client, jobID string, descriptors []prepare.Descriptor, batchSize int, workspace string) ([]Batch, error) {
	if batchSize < 1 {
		return nil, errors.WithStack(&lcgerrors.ErrInvalidArgument{Name: "batchSize", Value: batchSize, Message: "must be positive"})
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	batches := Partition(descriptors, batchSize)
	log.WithField("job", jobID).Warnf("submitting %d subjobs in %d collections ... it may take a while", len(descriptors), len(batches))

	tracker := &collectionTracker{client: client, jobID: jobID}
	outcome := bulk.Run(ctx, bulk.Options{Name: "lcg_jsubmit", Workers: s.threads, Timeout: s.timeout}, batches,
		func(ctx context.Context, batch Batch) (int, string, error) {
			id, err := s.submitBatch(ctx, client, batch, workspace)
			if err == nil {
				tracker.add(ctx, id)
			}
			return batch.Offset, id, err
		})

	if !outcome.Complete() {
		submitted := tracker.abandon()
		log.WithField("job", jobID).Errorf("%d of %d collections submitted, cancelling submitted collections", len(submitted), len(batches))
		if len(submitted) > 0 {
			if err := client.CancelMultiple(ctx, submitted); err != nil {
				log.WithField("job", jobID).WithError(err).Errorf("failed to cancel collections %v", submitted)
			}
		}
		metrics.RecordSubmission("bulk", false)
		return nil, errors.WithStack(&lcgerrors.ErrSubmission{
			JobId:     jobID,
			Attempted: len(batches),
			Succeeded: len(submitted),
			Message:   "not all collections were submitted",
		})
	}

	ids := make(map[int]string, len(outcome.Results))
	for _, r := range outcome.Results {
		ids[r.Key] = r.Value
	}
	for i := range batches {
		batches[i].AggregateID = ids[batches[i].Offset]
	}
	metrics.RecordSubmission("bulk", true)
	return batches, nil
}

// collectionTracker records the aggregate ids of one submission. Once the submission is abandoned, collections
// submitted by workers that outlived the join are cancelled by those workers.
type collectionTracker struct {
	client    middleware.Client
	jobID     string
	mu        sync.Mutex
	ids       []string
	abandoned bool
}

func (t *collectionTracker) add(ctx context.Context, id string) {
	t.mu.Lock()
	if !t.abandoned {
		t.ids = append(t.ids, id)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	log.WithField("job", t.jobID).Warnf("collection %s submitted after the submission was abandoned, cancelling it", id)
	if err := t.client.CancelMultiple(context.WithoutCancel(ctx), []string{id}); err != nil {
		log.WithField("job", t.jobID).WithError(err).Errorf("failed to cancel collection %s", id)
	}
}

// abandon returns the ids submitted so far. Ids submitted afterwards are cancelled by add.
func (t *collectionTracker) abandon() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.abandoned = true
	return append([]string(nil), t.ids...)
}

func (s *Submitter) submitBatch(ctx context.Context, client middleware.Client, batch Batch, workspace string) (string, error) {
	nodes := make([]jdl.Node, 0, len(batch.Members))
	for _, member := range batch.Members {
		nodes = append(nodes, jdl.Node{Name: jdl.NodeName(member.JobID), File: member.Path})
	}
	path := filepath.Join(workspace, jdl.CollectionFileName(batch.Offset, batch.Offset+len(batch.Members)))
	collection := jdl.NewCollection(s.virtualOrganisation, nodes)
	log.Debugf("collection descriptor: %s", collection.Render())
	if err := collection.WriteFile(path); err != nil {
		return "", err
	}
	id, err := client.Submit(ctx, path, "")
	if err != nil {
		return "", errors.WithStack(&lcgerrors.ErrRemoteCommunication{Operation: "submit", Middleware: "GLITE", Cause: err})
	}
	if id == "" {
		return "", errors.Errorf("no id returned for collection %s", path)
	}
	return id, nil
}
