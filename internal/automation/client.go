// Package automation is the boundary to the worker that physically runs
// commands on hosts. Only the contract lives here; the worker itself is an
// external service. Credential handles travel opaque through this client
// and are redeemed at the far side, so no plaintext secret ever transits
// the engine.
package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/opspilot/backend/internal/faults"
)

// Request describes one remote operation.
type Request struct {
	Host             string `json:"host"`
	Port             int    `json:"port,omitempty"`
	Protocol         string `json:"protocol,omitempty"` // ssh, winrm
	Command          string `json:"command,omitempty"`
	Service          string `json:"service,omitempty"` // for service lifecycle actions
	Action           string `json:"action"`            // run_command, restart_service, ...
	CredentialHandle string `json:"credential_handle,omitempty"`
	TimeoutMS        int    `json:"timeout_ms,omitempty"`
	MaxOutputBytes   int    `json:"max_output_bytes,omitempty"`
}

// Result is the worker's outcome for one request.
type Result struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// Client runs operations against remote assets.
type Client interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// HTTPClient posts requests to the automation worker endpoint.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client. The HTTP timeout is a transport ceiling;
// per-step budgets arrive via ctx.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Run posts the request and decodes the result. Transport and 5xx failures
// come back TRANSIENT so step handlers may retry them.
func (c *HTTPClient) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Host == "" || req.Action == "" {
		return nil, faults.New(faults.KindValidation, "automation request needs host and action")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "encode automation request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "build automation request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, faults.Wrap(faults.KindTimeout, err, "automation request cancelled or timed out")
		}
		return nil, faults.Wrap(faults.KindTransient, err, "automation request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "read automation response")
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, faults.Newf(faults.KindTransient, "automation worker returned %d", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, faults.Newf(faults.KindNotFound, "automation worker: host %s unknown", req.Host)
	case resp.StatusCode != http.StatusOK:
		return nil, faults.Newf(faults.KindInternal, "automation worker returned %d", resp.StatusCode)
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "decode automation response")
	}
	return &result, nil
}
