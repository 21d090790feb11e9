package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/opspilot/backend/internal/assets"
	"github.com/opspilot/backend/internal/faults"
)

// assetQuery maps the shared filter params onto an inventory query.
func assetQuery(r *http.Request) assets.Query {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	return assets.Query{
		AssetID:     q.Get("asset_id"),
		Search:      q.Get("search"),
		OSType:      q.Get("os_type"),
		ServiceType: q.Get("service_type"),
		Environment: q.Get("environment"),
		ActiveOnly:  q.Get("active_only") == "true",
		Limit:       limit,
	}
}

func projection(r *http.Request) []string {
	raw := r.URL.Query().Get("fields")
	if raw == "" {
		return nil
	}
	fields := strings.Split(raw, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields
}

func (s *Server) handleAssetCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.resolver.Count(r.Context(), tenantID(r), assetQuery(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": count})
}

// handleAssetSearch answers the disambiguation contract: a single record,
// a ranked shortlist, or an aggregate with narrowing hints.
func (s *Server) handleAssetSearch(w http.ResponseWriter, r *http.Request) {
	records, err := s.resolver.Search(r.Context(), tenantID(r), assetQuery(r), projection(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assets.Disambiguate(records))
}

func (s *Server) handleConnectionProfile(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	if host == "" {
		writeError(w, faults.New(faults.KindValidation, "host query parameter is required"))
		return
	}
	profile, err := s.resolver.ConnectionProfile(r.Context(), tenantID(r), host)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}
