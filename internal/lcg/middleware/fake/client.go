// Package fake provides an in-memory middleware client for tests.
package fake

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/armadaproject/lcg/internal/lcg/middleware"
)

type StatusCall struct {
	IDs          []string
	IsCollection bool
}

var _ middleware.Client = &Client{}

// Client records every call made to it and answers from its configured responses.
type Client struct {
	mu sync.Mutex

	// Submissions of descriptors whose base name is a key fail with the mapped error.
	SubmitErrors map[string]error
	// Status records returned for each queried id.
	Records   map[string][]middleware.StatusInfo
	Missing   []string
	StatusErr error
	CancelErr error
	Matches   []string
	// GetOutput fails this many times before succeeding.
	GetOutputFailures int

	Submitted            []string
	SubmittedIDs         map[string]string
	Cancelled            []string
	CancelledMultiple    [][]string
	CancelledCollections [][]string
	StatusCalls          []StatusCall
	OutputCalls          []string

	nextID int
}

func NewClient() *Client {
	return &Client{
		SubmitErrors: map[string]error{},
		Records:      map[string][]middleware.StatusInfo{},
		SubmittedIDs: map[string]string{},
	}
}

func (c *Client) Submit(_ context.Context, descriptorPath string, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.SubmitErrors[filepath.Base(descriptorPath)]; ok {
		return "", err
	}
	c.nextID++
	id := fmt.Sprintf("https://wms.example.org:9000/job-%d", c.nextID)
	c.Submitted = append(c.Submitted, descriptorPath)
	c.SubmittedIDs[descriptorPath] = id
	return id, nil
}

func (c *Client) Status(_ context.Context, ids []string, isCollection bool) ([]middleware.StatusInfo, []string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StatusCalls = append(c.StatusCalls, StatusCall{IDs: append([]string(nil), ids...), IsCollection: isCollection})
	if c.StatusErr != nil {
		return nil, nil, c.StatusErr
	}
	var records []middleware.StatusInfo
	for _, id := range ids {
		records = append(records, c.Records[id]...)
	}
	var missing []string
	for _, id := range ids {
		for _, m := range c.Missing {
			if m == id {
				missing = append(missing, id)
			}
		}
	}
	return records, missing, nil
}

func (c *Client) Cancel(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CancelErr != nil {
		return c.CancelErr
	}
	c.Cancelled = append(c.Cancelled, id)
	return nil
}

func (c *Client) CancelMultiple(_ context.Context, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CancelErr != nil {
		return c.CancelErr
	}
	c.CancelledMultiple = append(c.CancelledMultiple, append([]string(nil), ids...))
	return nil
}

func (c *Client) CancelCollection(_ context.Context, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CancelErr != nil {
		return c.CancelErr
	}
	c.CancelledCollections = append(c.CancelledCollections, append([]string(nil), ids...))
	return nil
}

func (c *Client) ListMatch(_ context.Context, _ string, _ string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Matches...), nil
}

func (c *Client) GetOutput(_ context.Context, id string, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OutputCalls = append(c.OutputCalls, id)
	if c.GetOutputFailures > 0 {
		c.GetOutputFailures--
		return errors.Errorf("output of %s not ready", id)
	}
	return nil
}

// CancelledMultipleIDs flattens CancelledMultiple. It is safe to call while workers are still running.
func (c *Client) CancelledMultipleIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for _, call := range c.CancelledMultiple {
		ids = append(ids, call...)
	}
	return ids
}

// SubmittedID is safe to call while workers are still submitting.
func (c *Client) SubmittedID(descriptorPath string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SubmittedIDs[descriptorPath]
}

// OutputCallCount is safe to call while workers are still retrieving output.
func (c *Client) OutputCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.OutputCalls)
}
