// Package repository persists job trees between invocations.
package repository

import (
	"context"

	"github.com/armadaproject/lcg/internal/lcg/job"
)

type JobRepository interface {
	// Save stores the whole tree the job belongs to.
	Save(ctx context.Context, j *job.Job) error
	Load(ctx context.Context, id int) (*job.Job, error)
	// ListActive returns every job tree with a job in submitted or running status.
	ListActive(ctx context.Context) ([]*job.Job, error)
	NextID(ctx context.Context) (int, error)
}
