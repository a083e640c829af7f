package task

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

type task struct {
	function   func(ctx context.Context)
	interval   time.Duration
	metricName string
	cancel     context.CancelFunc
}

// BackgroundTaskManager runs functions periodically on their own goroutines.
// It is not threadsafe, it should only be accessed from a single goroutine.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	registerer    prometheus.Registerer
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string, registerer prometheus.Registerer) *BackgroundTaskManager {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		registerer:    registerer,
		wg:            &sync.WaitGroup{},
	}
}

// Register starts backgroundTask immediately and then once per interval until StopAll is called or ctx is done.
func (m *BackgroundTaskManager) Register(ctx context.Context, backgroundTask func(ctx context.Context), interval time.Duration, metricName string) {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{
		function:   backgroundTask,
		interval:   interval,
		metricName: metricName,
		cancel:     cancel,
	}
	m.startBackgroundTask(taskCtx, t)
	m.tasks = append(m.tasks, t)
}

// StopAll stops every task and waits for in-flight runs to finish. Returns true if the wait timed out.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	for _, t := range m.tasks {
		t.cancel()
	}
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(ctx context.Context, t *task) {
	taskDurationHistogram := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + t.metricName + "_latency_seconds",
			Help:    "Background loop " + t.metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})
	if err := m.registerer.Register(taskDurationHistogram); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			taskDurationHistogram = already.ExistingCollector.(prometheus.Histogram)
		} else {
			log.Warnf("Failed to register latency metric for task %s: %s", t.metricName, err)
		}
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			start := time.Now()
			t.function(ctx)
			taskDurationHistogram.Observe(time.Since(start).Seconds())

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}
