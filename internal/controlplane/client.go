// internal/controlplane/client.go
//
// Small HTTP client over the control plane API, used by the monitor UI
// and the kiln CLI subcommands.

package controlplane

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kingrea/The-Kiln/internal/status"
)

// Client talks to a running daemon's control plane.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a client for a base URL such as "http://127.0.0.1:8613".
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Healthy reports whether the daemon answers on its health endpoint.
func (c *Client) Healthy() bool {
	resp, err := c.http.Get(c.base + "/healthz")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Jobs fetches the queue listing.
func (c *Client) Jobs() (JobsResponse, error) {
	var out JobsResponse
	if err := c.get("/api/jobs", &out); err != nil {
		return JobsResponse{}, err
	}
	return out, nil
}

// Job fetches one job's full status document and the queue holding it.
func (c *Client) Job(jobID string) (*status.Job, string, error) {
	var env jobEnvelope
	if err := c.get("/api/jobs/"+jobID, &env); err != nil {
		return nil, "", err
	}
	return env.Job, env.Queue, nil
}

// Submit queues a seed document under the given job id.
func (c *Client) Submit(jobID string, seed json.RawMessage) error {
	return c.post("/api/jobs", submitRequest{ID: jobID, Seed: seed}, nil)
}

// RestartJob relaunches a job's worker, optionally from one task.
func (c *Client) RestartJob(jobID, fromTask string, single bool) error {
	req := restartRequest{FromTask: fromTask, SingleTask: single}
	return c.post("/api/jobs/"+jobID+"/restart", req, nil)
}

func (c *Client) get(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("controlplane: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeResponse(path, resp, out)
}

func (c *Client) post(path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("controlplane: encode request: %w", err)
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("controlplane: POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeResponse(path, resp, out)
}

func decodeResponse(path string, resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("controlplane: %s: %s (HTTP %d)", path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("controlplane: %s: HTTP %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("controlplane: decode %s response: %w", path, err)
	}
	return nil
}
