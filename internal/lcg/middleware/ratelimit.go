package middleware

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// RateLimitedClient bounds the rate of calls made to the middleware by all workers together.
type RateLimitedClient struct {
	client  Client
	limiter *rate.Limiter
}

// NewRateLimitedClient wraps a client. A non-positive callsPerSecond returns the client unwrapped.
func NewRateLimitedClient(client Client, callsPerSecond float64, burst int) Client {
	if callsPerSecond <= 0 {
		return client
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedClient{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(callsPerSecond), burst),
	}
}

func (c *RateLimitedClient) wait(ctx context.Context) error {
	return errors.Wrap(c.limiter.Wait(ctx), "waiting for middleware rate limit")
}

func (c *RateLimitedClient) Submit(ctx context.Context, descriptorPath string, ce string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	return c.client.Submit(ctx, descriptorPath, ce)
}

func (c *RateLimitedClient) Status(ctx context.Context, ids []string, isCollection bool) ([]StatusInfo, []string, error) {
	if err := c.wait(ctx); err != nil {
		return nil, nil, err
	}
	return c.client.Status(ctx, ids, isCollection)
}

func (c *RateLimitedClient) Cancel(ctx context.Context, id string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	return c.client.Cancel(ctx, id)
}

func (c *RateLimitedClient) CancelMultiple(ctx context.Context, ids []string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	return c.client.CancelMultiple(ctx, ids)
}

func (c *RateLimitedClient) CancelCollection(ctx context.Context, ids []string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	return c.client.CancelCollection(ctx, ids)
}

func (c *RateLimitedClient) ListMatch(ctx context.Context, descriptorPath string, ce string) ([]string, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.client.ListMatch(ctx, descriptorPath, ce)
}

func (c *RateLimitedClient) GetOutput(ctx context.Context, id string, dir string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	return c.client.GetOutput(ctx, id, dir)
}
