package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/opspilot/backend/internal/faults"
)

// InventoryClient is the HTTP contract of the external inventory service.
// Tests substitute a fake; the resolver never cares which.
type InventoryClient interface {
	Search(ctx context.Context, tenantID string, q Query) ([]Record, error)
	Count(ctx context.Context, tenantID string, q Query) (int, error)
	ConnectionProfile(ctx context.Context, tenantID, host string) (*ConnectionProfile, error)
}

// HTTPInventoryClient talks to the inventory service. Every call carries
// the tenant header; every response is schema-checked before use.
type HTTPInventoryClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPInventoryClient creates a client with the given request timeout.
func NewHTTPInventoryClient(baseURL string, timeout time.Duration) *HTTPInventoryClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPInventoryClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Search queries assets.
func (c *HTTPInventoryClient) Search(ctx context.Context, tenantID string, q Query) ([]Record, error) {
	var payload struct {
		Assets []Record `json:"assets"`
	}
	if err := c.get(ctx, tenantID, "/assets/search", q.values(), &payload); err != nil {
		return nil, err
	}
	for i := range payload.Assets {
		if err := validateRecord(&payload.Assets[i]); err != nil {
			return nil, err
		}
	}
	return payload.Assets, nil
}

// Count returns the number of assets matching q.
func (c *HTTPInventoryClient) Count(ctx context.Context, tenantID string, q Query) (int, error) {
	var payload struct {
		Count *int `json:"count"`
	}
	if err := c.get(ctx, tenantID, "/assets/count", q.values(), &payload); err != nil {
		return 0, err
	}
	if payload.Count == nil {
		return 0, faults.New(faults.KindInternal, "inventory response missing count")
	}
	return *payload.Count, nil
}

// ConnectionProfile returns the connection profile for a host.
func (c *HTTPInventoryClient) ConnectionProfile(ctx context.Context, tenantID, host string) (*ConnectionProfile, error) {
	v := url.Values{}
	v.Set("host", host)

	var profile ConnectionProfile
	if err := c.get(ctx, tenantID, "/assets/connection-profile", v, &profile); err != nil {
		return nil, err
	}
	if profile.Host == "" || profile.Port == 0 || profile.Protocol == "" {
		return nil, faults.New(faults.KindInternal, "inventory connection profile missing required fields").
			WithDetail("host", host)
	}
	return &profile, nil
}

func (c *HTTPInventoryClient) get(ctx context.Context, tenantID, path string, v url.Values, out interface{}) error {
	u := fmt.Sprintf("%s%s?%s", c.baseURL, path, v.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return faults.Wrap(faults.KindInternal, err, "build inventory request")
	}
	req.Header.Set("X-Tenant-ID", tenantID)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "inventory request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return faults.Newf(faults.KindNotFound, "inventory: %s not found", path)
	case resp.StatusCode >= 500:
		return faults.Newf(faults.KindTransient, "inventory returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return faults.Newf(faults.KindInternal, "inventory returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "read inventory response")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return faults.Wrap(faults.KindInternal, err, "decode inventory response")
	}
	return nil
}

func (q Query) values() url.Values {
	v := url.Values{}
	if q.AssetID != "" {
		v.Set("asset_id", q.AssetID)
	}
	if q.Search != "" {
		v.Set("search", q.Search)
	}
	if q.OSType != "" {
		v.Set("os_type", q.OSType)
	}
	if q.ServiceType != "" {
		v.Set("service_type", q.ServiceType)
	}
	if q.Environment != "" {
		v.Set("environment", q.Environment)
	}
	if q.ActiveOnly {
		v.Set("is_active", "true")
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// validateRecord fails fast on responses missing the required fields so a
// drifting inventory schema shows up as a distinct error class, not as
// corrupted downstream context.
func validateRecord(r *Record) error {
	if r.AssetID == "" || (r.Hostname == "" && r.Name == "" && r.IPAddress == "") || r.UpdatedAt.IsZero() {
		return faults.New(faults.KindInternal, "inventory record missing required fields").
			WithDetail("asset_id", r.AssetID)
	}
	return nil
}
