package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lexara/sixworker/internal/domain"
)

// ClaimedJob is the coordinator's claim response: the candidate job plus
// the mutation this worker must execute to own it.
type ClaimedJob struct {
	Job struct {
		JobID      string           `json:"job_id"`
		JobType    string           `json:"job_type"`
		Status     string           `json:"status"`
		Config     domain.JobConfig `json:"config"`
		Checkpoint map[string]any   `json:"checkpoint,omitempty"`
	} `json:"job"`
	ClaimInstruction domain.ClaimInstruction `json:"claim_instruction"`
}

// Coordinator is the worker's view of the coordinator API.
type Coordinator interface {
	// Claim asks for the next compatible job. A nil job means the queue
	// is empty.
	Claim(ctx context.Context, workerID string, capabilities []string) (*ClaimedJob, error)
	// Heartbeat notifies the coordinator a job is still being worked.
	Heartbeat(ctx context.Context, jobID, workerID string) error
}

// HTTPCoordinator talks to the coordinator over its REST API.
type HTTPCoordinator struct {
	BaseURL          string
	HTTP             *http.Client
	ClaimTimeout     time.Duration
	HeartbeatTimeout time.Duration
}

// NewHTTPCoordinator builds a client with the fleet's default timeouts.
func NewHTTPCoordinator(baseURL string) *HTTPCoordinator {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Coordinator %s %s", r.Method, r.URL.Path)
		}),
	)
	return &HTTPCoordinator{
		BaseURL:          strings.TrimRight(baseURL, "/"),
		HTTP:             &http.Client{Transport: transport},
		ClaimTimeout:     10 * time.Second,
		HeartbeatTimeout: 5 * time.Second,
	}
}

func (c *HTTPCoordinator) Claim(ctx context.Context, workerID string, capabilities []string) (*ClaimedJob, error) {
	timeout := c.ClaimTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"worker_id":    workerID,
		"capabilities": capabilities,
	})
	if err != nil {
		return nil, fmt.Errorf("op=coordinator.claim: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/jobs/claim", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("op=coordinator.claim: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=coordinator.claim: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var claimed ClaimedJob
		if err := json.NewDecoder(resp.Body).Decode(&claimed); err != nil {
			return nil, fmt.Errorf("op=coordinator.claim: %w", err)
		}
		return &claimed, nil
	default:
		return nil, fmt.Errorf("op=coordinator.claim: unexpected status %d", resp.StatusCode)
	}
}

func (c *HTTPCoordinator) Heartbeat(ctx context.Context, jobID, workerID string) error {
	timeout := c.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"worker_id": workerID})
	if err != nil {
		return fmt.Errorf("op=coordinator.heartbeat: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/jobs/%s/heartbeat", c.BaseURL, jobID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("op=coordinator.heartbeat: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("op=coordinator.heartbeat: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=coordinator.heartbeat: unexpected status %d", resp.StatusCode)
	}
	return nil
}
