// Package notifier signals when the native id of a bulk submitted subjob first becomes known.
package notifier

import (
	"encoding/json"
	"sync"

	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/lcg/internal/lcg/job"
)

type Notifier interface {
	OnIDAssigned(j *job.Job)
}

type LogNotifier struct{}

func (LogNotifier) OnIDAssigned(j *job.Job) {
	log.WithField("job", j.FQID()).Infof("job obtained backend id %s", j.Backend.ID)
}

// RedisNotifier records fully qualified job id to native id in a Redis hash and,
// if a channel is configured, publishes the assignment.
type RedisNotifier struct {
	db      redis.UniversalClient
	hash    string
	channel string
}

func NewRedisNotifier(db redis.UniversalClient, hash, channel string) *RedisNotifier {
	return &RedisNotifier{db: db, hash: hash, channel: channel}
}

type assignment struct {
	Job string `json:"job"`
	ID  string `json:"id"`
}

func (n *RedisNotifier) OnIDAssigned(j *job.Job) {
	pipe := n.db.TxPipeline()
	pipe.HSet(n.hash, j.FQID(), j.Backend.ID)
	if n.channel != "" {
		message, err := json.Marshal(assignment{Job: j.FQID(), ID: j.Backend.ID})
		if err != nil {
			log.WithField("job", j.FQID()).WithError(err).Error("failed to encode id assignment")
			return
		}
		pipe.Publish(n.channel, message)
	}
	if _, err := pipe.Exec(); err != nil {
		log.WithField("job", j.FQID()).WithError(err).Errorf("failed to record backend id %s", j.Backend.ID)
	}
}

// Recorder keeps every notified job in memory.
type Recorder struct {
	mu   sync.Mutex
	jobs []*job.Job
}

func (r *Recorder) OnIDAssigned(j *job.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, j)
}

func (r *Recorder) Jobs() []*job.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*job.Job(nil), r.jobs...)
}
