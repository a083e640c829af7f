// Package middleware defines the contract with the grid middleware command layer.
package middleware

import (
	"context"

	"github.com/armadaproject/lcg/internal/lcg/job"
)

// StatusInfo is one record returned by a status query.
//
// A query with isCollection set returns a record for each aggregate followed by records for its nodes.
// Node records carry the aggregate id in ParentID; a node's Name can be empty for a while after submission.
type StatusInfo struct {
	ID          string
	ParentID    string
	IsNode      bool
	Name        string
	Status      job.RemoteStatus
	Reason      string
	Exit        string
	Destination string
}

type Client interface {
	// Submit submits the descriptor, optionally pinned to a computing element, and returns the native id.
	Submit(ctx context.Context, descriptorPath string, ce string) (string, error)
	// Status queries the given ids. Ids the middleware no longer knows are returned as missing.
	Status(ctx context.Context, ids []string, isCollection bool) ([]StatusInfo, []string, error)
	Cancel(ctx context.Context, id string) error
	CancelMultiple(ctx context.Context, ids []string) error
	// CancelCollection cancels collection aggregates, including every node.
	CancelCollection(ctx context.Context, ids []string) error
	// ListMatch returns the computing elements matching the descriptor.
	ListMatch(ctx context.Context, descriptorPath string, ce string) ([]string, error)
	// GetOutput retrieves the output sandbox of a finished job into dir.
	GetOutput(ctx context.Context, id string, dir string) error
}
