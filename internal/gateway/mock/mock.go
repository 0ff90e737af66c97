package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jo-hoe/meshforge/internal/config"
	"github.com/jo-hoe/meshforge/internal/gateway"
)

var _ gateway.Client = (*Client)(nil)

// Client is a gateway stand-in for development and tests. Each prediction
// reports an in-progress status for a configured number of polls, then
// succeeds with a fixed artifact URL.
type Client struct {
	mu             sync.Mutex
	delay          time.Duration
	artifactURL    string
	pollsUntilDone int
	polls          map[string]int
}

func New(cfg config.MockGatewaySettings) *Client {
	return &Client{
		delay:          cfg.Delay,
		artifactURL:    cfg.ArtifactURL,
		pollsUntilDone: cfg.PollsUntilDone,
		polls:          make(map[string]int),
	}
}

func (c *Client) CreatePrediction(ctx context.Context, model string, input map[string]any) (gateway.Prediction, error) {
	if err := c.wait(ctx); err != nil {
		return gateway.Prediction{}, err
	}
	id := uuid.NewString()
	c.mu.Lock()
	c.polls[id] = 0
	c.mu.Unlock()
	return gateway.Prediction{ID: id, Status: gateway.StatusStarting}, nil
}

func (c *Client) GetPrediction(ctx context.Context, id string) (gateway.Prediction, error) {
	if err := c.wait(ctx); err != nil {
		return gateway.Prediction{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	count, ok := c.polls[id]
	if !ok {
		return gateway.Prediction{}, fmt.Errorf("unknown prediction %q", id)
	}
	count++
	c.polls[id] = count
	if count < c.pollsUntilDone {
		return gateway.Prediction{ID: id, Status: gateway.StatusProcessing}, nil
	}
	output, _ := json.Marshal(map[string]string{"mesh": c.artifactURL})
	return gateway.Prediction{ID: id, Status: gateway.StatusSucceeded, Output: output}, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(c.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
