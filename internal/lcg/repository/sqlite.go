package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/armadaproject/lcg/internal/lcg/job"
	"github.com/armadaproject/lcg/internal/lcg/lcgerrors"
)

// Subjob column value of master rows.
const masterRow = -1

// record holds the persisted fields of one job.
type record struct {
	Name          string         `json:"name"`
	Middleware    job.Middleware `json:"middleware"`
	Backend       *job.Backend   `json:"backend"`
	Config        job.Config     `json:"config"`
	InputDir      string         `json:"inputDir"`
	OutputDir     string         `json:"outputDir"`
	SubmitCounter int            `json:"submitCounter"`
}

// SQLiteRepository keeps one row per job, keyed by fully qualified id.
type SQLiteRepository struct {
	db   *sql.DB
	lock sync.Mutex
}

func NewSQLiteRepository(path string) (*SQLiteRepository, func(), error) {
	dbDir := filepath.Dir(path)
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, func() {}, errors.Wrapf(err, "could not make directory at %s for sqlite db", dbDir)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, func() {}, errors.Wrapf(err, "error opening sqlite DB from %s", path)
	}

	return &SQLiteRepository{db: db}, func() {
		if err := db.Close(); err != nil {
			log.Warnf("error closing database: %v", err)
		}
	}, nil
}

// Setup creates the tables if they do not exist yet.
func (s *SQLiteRepository) Setup(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return errors.WithStack(err)
	}
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
		Id TEXT,
		MasterId INT,
		SubjobId INT,
		Status TEXT,
		Record TEXT,
		Timestamp INT,
		PRIMARY KEY(Id))`)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_jobs_master ON jobs (MasterId, SubjobId)`)
	return errors.WithStack(err)
}

func (s *SQLiteRepository) Save(ctx context.Context, j *job.Job) error {
	for j.Master != nil {
		j = j.Master
	}

	// SQLite only allows one write at a time.
	s.lock.Lock()
	defer s.lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.WithError(err).Warn("error rolling back transaction")
		}
	}()

	stmt, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO jobs VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return errors.WithStack(err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	insert := func(x *job.Job, subjobID int) error {
		data, err := json.Marshal(record{
			Name:          x.Name,
			Middleware:    x.Backend.Middleware(),
			Backend:       x.Backend,
			Config:        x.Config,
			InputDir:      x.InputDir,
			OutputDir:     x.OutputDir,
			SubmitCounter: x.SubmitCounter,
		})
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = stmt.ExecContext(ctx, x.FQID(), j.ID, subjobID, string(x.Status()), string(data), now)
		return errors.WithStack(err)
	}

	if err := insert(j, masterRow); err != nil {
		return err
	}
	for _, sub := range j.Subjobs {
		if err := insert(sub, sub.ID); err != nil {
			return err
		}
	}
	return errors.WithStack(tx.Commit())
}

func (s *SQLiteRepository) Load(ctx context.Context, id int) (*job.Job, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT SubjobId, Status, Record FROM jobs WHERE MasterId = ? ORDER BY SubjobId", id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var master *job.Job
	for rows.Next() {
		var subjobID int
		var status, data string
		if err := rows.Scan(&subjobID, &status, &data); err != nil {
			return nil, errors.WithStack(err)
		}
		jobID := subjobID
		if subjobID == masterRow {
			jobID = id
		}
		j, err := decode(jobID, status, data)
		if err != nil {
			return nil, err
		}
		if subjobID == masterRow {
			master = j
			continue
		}
		if master == nil {
			return nil, errors.Errorf("subjob %d of job %d stored without its master", subjobID, id)
		}
		master.AddSubjob(j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	if master == nil {
		return nil, errors.WithStack(&lcgerrors.ErrNotFound{Type: "job", Value: strconv.Itoa(id)})
	}
	return master, nil
}

func decode(id int, status string, data string) (*job.Job, error) {
	r := record{Backend: job.NewBackend("")}
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, errors.Wrapf(err, "error decoding job %d", id)
	}
	if r.Middleware != "" {
		if err := r.Backend.SetMiddleware(r.Middleware); err != nil {
			return nil, err
		}
	}
	parsed, err := job.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	j := job.NewJob(id, r.Name, r.Backend)
	j.Config = r.Config
	j.InputDir = r.InputDir
	j.OutputDir = r.OutputDir
	j.SubmitCounter = r.SubmitCounter
	j.RestoreStatus(parsed)
	return j, nil
}

func (s *SQLiteRepository) ListActive(ctx context.Context) ([]*job.Job, error) {
	ids, err := s.activeIDs(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *SQLiteRepository) activeIDs(ctx context.Context) ([]int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT MasterId FROM jobs WHERE Status IN (?, ?) ORDER BY MasterId",
		string(job.Submitted), string(job.Running))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, errors.WithStack(err)
		}
		ids = append(ids, id)
	}
	return ids, errors.WithStack(rows.Err())
}

// NextID returns the id following the highest stored job id.
func (s *SQLiteRepository) NextID(ctx context.Context) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	var next int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(MasterId) + 1, 0) FROM jobs").Scan(&next)
	return next, errors.WithStack(err)
}
