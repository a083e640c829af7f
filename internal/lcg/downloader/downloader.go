// Package downloader retrieves the output of finished jobs in the background.
package downloader

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/lcg/internal/lcg/configuration"
	"github.com/armadaproject/lcg/internal/lcg/job"
	"github.com/armadaproject/lcg/internal/lcg/metrics"
	"github.com/armadaproject/lcg/internal/lcg/middleware"
)

const ReasonOutputRetrievalFailed = "output retrieval failed"

// Queue accepts output retrieval tasks without blocking the caller. Workers change a job's status and
// failure reason only through the job's own locked setters.
type Queue interface {
	AddTask(client middleware.Client, j *job.Job, isNode bool)
}

type task struct {
	client middleware.Client
	job    *job.Job
	isNode bool
}

// Downloader moves running jobs through completing to completed or failed.
// A job is queued at most once until its task has been processed.
type Downloader struct {
	threads    int
	retries    int
	retryDelay time.Duration

	mu      sync.Mutex
	tasks   []task
	pending map[string]bool
	notify  chan struct{}

	workers  sync.WaitGroup
	inflight sync.WaitGroup
	cancel   context.CancelFunc
}

func New(config configuration.DownloaderConfiguration) *Downloader {
	threads := config.Threads
	if threads < 1 {
		threads = 1
	}
	retries := config.Retries
	if retries < 1 {
		retries = 1
	}
	return &Downloader{
		threads:    threads,
		retries:    retries,
		retryDelay: config.RetryDelay,
		pending:    map[string]bool{},
		notify:     make(chan struct{}, 1),
	}
}

func (d *Downloader) AddTask(client middleware.Client, j *job.Job, isNode bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending[j.FQID()] {
		log.WithField("job", j.FQID()).Debug("output retrieval already queued")
		return
	}
	d.pending[j.FQID()] = true
	d.inflight.Add(1)
	d.tasks = append(d.tasks, task{client: client, job: j, isNode: isNode})
	metrics.SetDownloadQueueLength(len(d.tasks))
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Start launches the worker pool. Workers exit when ctx is done or Stop is called.
func (d *Downloader) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.threads; i++ {
		d.workers.Add(1)
		go func() {
			defer d.workers.Done()
			d.work(ctx)
		}()
	}
}

// Stop stops the workers once their current task is done. Queued tasks are dropped.
func (d *Downloader) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.workers.Wait()
}

// Wait blocks until every queued task has been processed.
func (d *Downloader) Wait() {
	d.inflight.Wait()
}

func (d *Downloader) work(ctx context.Context) {
	for {
		t, ok := d.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-d.notify:
				continue
			}
		}
		d.process(ctx, t)
		d.done(t)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (d *Downloader) next() (task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tasks) == 0 {
		return task{}, false
	}
	t := d.tasks[0]
	d.tasks = d.tasks[1:]
	metrics.SetDownloadQueueLength(len(d.tasks))
	if len(d.tasks) > 0 {
		// wake another idle worker
		select {
		case d.notify <- struct{}{}:
		default:
		}
	}
	return t, true
}

func (d *Downloader) done(t task) {
	d.mu.Lock()
	delete(d.pending, t.job.FQID())
	d.mu.Unlock()
	d.inflight.Done()
}

func (d *Downloader) process(ctx context.Context, t task) {
	j := t.job
	logger := log.WithField("job", j.FQID())
	if err := j.CompareAndSwapStatus(job.Running, job.Completing); err != nil {
		logger.WithError(err).Warn("skipping output retrieval")
		return
	}

	err := retry.Do(
		func() error {
			return t.client.GetOutput(ctx, j.Backend.ID, j.OutputDir)
		},
		retry.Attempts(uint(d.retries)),
		retry.Delay(d.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.WithError(err).Debugf("output retrieval attempt %d failed", n+1)
		}),
	)
	if err != nil {
		logger.WithError(err).Errorf("failed to retrieve output of %s", j.Backend.ID)
		if err := j.FailWithReason(ReasonOutputRetrievalFailed); err != nil {
			logger.WithError(err).Error("failed to mark job failed")
		}
		metrics.RecordDownload(false)
	} else {
		if err := j.UpdateStatus(job.Completed); err != nil {
			logger.WithError(err).Error("failed to mark job completed")
		}
		metrics.RecordDownload(true)
	}

	if t.isNode && j.Master != nil {
		j.Master.UpdateMasterStatus()
	}
}
