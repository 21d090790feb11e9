package selector

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/opspilot/backend/internal/faults"
)

// TieBreaker picks between the two top-ranked candidates when their scores
// sit inside the ambiguity epsilon. It sees only those two; policy filtering
// happened before ranking and cannot be undone here.
type TieBreaker interface {
	// Choose returns 0 or 1 plus a short rationale.
	Choose(ctx context.Context, req Request, top2 [2]Candidate) (int, string, error)
}

// HTTPTieBreaker posts a compact prompt to the LLM endpoint. The endpoint
// contract: request {"mode","environment","candidates":[...]}, response
// {"pick":0|1,"rationale":"..."}.
type HTTPTieBreaker struct {
	url    string
	client *http.Client
}

// NewHTTPTieBreaker creates the production tie-breaker. The per-call
// deadline comes from the selector's context, not from here.
func NewHTTPTieBreaker(url string) *HTTPTieBreaker {
	return &HTTPTieBreaker{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

type tieBreakRequest struct {
	Mode        string       `json:"mode"`
	Environment string       `json:"environment"`
	Candidates  [2]Candidate `json:"candidates"`
}

type tieBreakResponse struct {
	Pick      *int   `json:"pick"`
	Rationale string `json:"rationale"`
}

// Choose posts the top-2 and decodes the pick.
func (t *HTTPTieBreaker) Choose(ctx context.Context, req Request, top2 [2]Candidate) (int, string, error) {
	body, err := json.Marshal(tieBreakRequest{
		Mode:        string(req.Mode),
		Environment: req.Environment,
		Candidates:  top2,
	})
	if err != nil {
		return 0, "", faults.Wrap(faults.KindInternal, err, "encode tie-break request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return 0, "", faults.Wrap(faults.KindInternal, err, "build tie-break request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return 0, "", faults.Wrap(faults.KindTimeout, err, "tie-break timed out")
		}
		return 0, "", faults.Wrap(faults.KindTransient, err, "tie-break request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, "", faults.Newf(faults.KindTransient, "tie-break endpoint returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, "", faults.Wrap(faults.KindTransient, err, "read tie-break response")
	}
	var decoded tieBreakResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return 0, "", faults.Wrap(faults.KindInternal, err, "decode tie-break response")
	}
	if decoded.Pick == nil || *decoded.Pick < 0 || *decoded.Pick > 1 {
		return 0, "", faults.New(faults.KindInternal, "tie-break response missing a valid pick")
	}
	return *decoded.Pick, decoded.Rationale, nil
}
