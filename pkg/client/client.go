// Package client is the conductor's HTTP client, adapted from the teacher's
// gRPC client wrapper and re-targeted at the chi routes pkg/api exposes. It
// backs the `conductor job` CLI subcommands.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to one conductor API front-end over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL (e.g. "http://localhost:8080").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitRequest mirrors the API's wire shape for POST /v1/jobs/submit.
type SubmitRequest struct {
	Account          string            `json:"account,omitempty"`
	Name             string            `json:"name"`
	Partition        string            `json:"partition,omitempty"`
	WorkingDirectory string            `json:"current_working_directory,omitempty"`
	StdoutPath       string            `json:"standard_output,omitempty"`
	StderrPath       string            `json:"standard_error,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`
	TasksPerNode     int               `json:"ntasks_per_node"`
	CPUsPerTask      int               `json:"cpus_per_task"`
	MemoryPerNode    string            `json:"memory_per_node,omitempty"`
	TimeLimit        string            `json:"time_limit,omitempty"`
	Exclusive        bool              `json:"exclusive,omitempty"`
	Script           string            `json:"-"`
}

// Submit posts a new job and returns its assigned id.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body := struct {
		Job    SubmitRequest `json:"job"`
		Script string        `json:"script"`
	}{Job: req, Script: req.Script}

	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/submit", body, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// JobEnvelope mirrors the API's GET /v1/jobs/query/{id} response shape.
type JobEnvelope struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	SubmitTime  string `json:"submit_time"`
	StartTime   string `json:"start_time,omitempty"`
	EndTime     string `json:"end_time,omitempty"`
	ElapsedTime string `json:"elapsed_time"`
	LimitTime   string `json:"limit_time"`
	JobLog      struct {
		Stdout string `json:"stdout"`
		Stderr string `json:"stderr"`
	} `json:"job_log"`
	Detail struct {
		Name             string `json:"name"`
		Account          string `json:"user"`
		Partition        string `json:"partition"`
		AllocatedCPUs    int    `json:"allocated_cpus"`
		NodeList         string `json:"node_list"`
		ExitCode         string `json:"exit_code"`
		WorkingDirectory string `json:"working_directory"`
		DataSource       string `json:"data_source"`
	} `json:"detail"`
}

// Query fetches one job's full envelope.
func (c *Client) Query(ctx context.Context, jobID string) (*JobEnvelope, error) {
	var resp JobEnvelope
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/query/"+jobID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel requests cancellation of jobID. Idempotent: cancelling a terminal
// job still returns success.
func (c *Client) Cancel(ctx context.Context, jobID string) (string, error) {
	var resp struct {
		Msg string `json:"msg"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/cancel/"+jobID, nil, &resp); err != nil {
		return "", err
	}
	return resp.Msg, nil
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling conductor api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("conductor api returned %d: %s", resp.StatusCode, apiErr.Error)
	}

	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}
