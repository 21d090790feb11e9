// Package assets resolves request targets into typed asset context: records
// from the external inventory service, connection profiles, and the
// disambiguation shapes the answer formatter consumes. Reads go through a
// bounded LRU and a circuit breaker so a degraded inventory service slows
// nothing else down.
package assets

import (
	"sort"
	"time"
)

// Record is one inventory asset, projected from the inventory service
// response.
type Record struct {
	AssetID          string    `json:"asset_id"`
	Name             string    `json:"name,omitempty"`
	Hostname         string    `json:"hostname,omitempty"`
	IPAddress        string    `json:"ip_address,omitempty"`
	OSType           string    `json:"os_type,omitempty"`
	OSVersion        string    `json:"os_version,omitempty"`
	Environment      string    `json:"environment,omitempty"`
	ServiceType      string    `json:"service_type,omitempty"`
	Port             int       `json:"port,omitempty"`
	IsSecure         bool      `json:"is_secure,omitempty"`
	CredentialType   string    `json:"credential_type,omitempty"`
	IsActive         bool      `json:"is_active"`
	ConnectionStatus string    `json:"connection_status,omitempty"`
	Status           string    `json:"status,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ConnectionProfile describes how to reach an asset.
type ConnectionProfile struct {
	Host           string    `json:"host"`
	Port           int       `json:"port"`
	Protocol       string    `json:"protocol"`
	Secure         bool      `json:"secure"`
	CredentialType string    `json:"credential_type,omitempty"`
	OSType         string    `json:"os_type,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Query is one lookup against the inventory.
type Query struct {
	AssetID     string `json:"asset_id,omitempty"`
	Search      string `json:"search,omitempty"` // matches hostname, name or ip
	OSType      string `json:"os_type,omitempty"`
	ServiceType string `json:"service_type,omitempty"`
	Environment string `json:"environment,omitempty"`
	ActiveOnly  bool   `json:"active_only,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// DefaultProjection is the field set returned when the caller asks for no
// subset.
var DefaultProjection = []string{"id", "name", "hostname", "ip_address", "environment", "status", "updated_at"}

// Disambiguation is the contract consumed by the answer formatter. Exactly
// one of Single, Ranked, or Aggregate is populated, depending on match
// count.
type Disambiguation struct {
	Count     int              `json:"count"`
	Guidance  string           `json:"guidance,omitempty"`
	Single    *Record          `json:"single,omitempty"`
	Ranked    []Record         `json:"ranked,omitempty"`
	Aggregate map[string]int   `json:"aggregate,omitempty"` // environment -> count
	Hints     []string         `json:"hints,omitempty"`
}

// Disambiguate buckets a result set per the contract: 0 matches produce
// guidance, 1 a single payload, 2-5 a ranked table, more an aggregate by
// environment with narrowing hints.
func Disambiguate(records []Record) *Disambiguation {
	d := &Disambiguation{Count: len(records)}

	switch {
	case len(records) == 0:
		d.Guidance = "No assets matched. Check the spelling, or search by IP address or partial hostname."
		d.Hints = []string{"search by ip_address", "search by partial hostname", "drop the environment filter"}

	case len(records) == 1:
		r := records[0]
		d.Single = &r

	case len(records) <= 5:
		ranked := make([]Record, len(records))
		copy(ranked, records)
		sort.SliceStable(ranked, func(i, j int) bool {
			if !ranked[i].UpdatedAt.Equal(ranked[j].UpdatedAt) {
				return ranked[i].UpdatedAt.After(ranked[j].UpdatedAt)
			}
			if ranked[i].Environment != ranked[j].Environment {
				return ranked[i].Environment < ranked[j].Environment
			}
			return ranked[i].Hostname < ranked[j].Hostname
		})
		d.Ranked = ranked

	default:
		d.Aggregate = make(map[string]int)
		for _, r := range records {
			d.Aggregate[r.Environment]++
		}
		d.Hints = []string{"add an environment filter", "add a service_type filter", "search by exact hostname"}
	}
	return d
}

// Project copies only the requested fields into a generic map. An empty
// fields list applies DefaultProjection. updated_at is always included so
// clients can cache.
func Project(r Record, fields []string) map[string]interface{} {
	if len(fields) == 0 {
		fields = DefaultProjection
	}
	out := make(map[string]interface{}, len(fields)+1)
	for _, f := range fields {
		switch f {
		case "id", "asset_id":
			out["id"] = r.AssetID
		case "name":
			out["name"] = r.Name
		case "hostname":
			out["hostname"] = r.Hostname
		case "ip_address":
			out["ip_address"] = r.IPAddress
		case "os_type":
			out["os_type"] = r.OSType
		case "os_version":
			out["os_version"] = r.OSVersion
		case "environment":
			out["environment"] = r.Environment
		case "service_type":
			out["service_type"] = r.ServiceType
		case "port":
			out["port"] = r.Port
		case "is_secure":
			out["is_secure"] = r.IsSecure
		case "credential_type":
			out["credential_type"] = r.CredentialType
		case "is_active":
			out["is_active"] = r.IsActive
		case "connection_status":
			out["connection_status"] = r.ConnectionStatus
		case "status":
			out["status"] = r.Status
		}
	}
	out["updated_at"] = r.UpdatedAt
	return out
}
