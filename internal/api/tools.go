package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/opspilot/backend/internal/catalog"
	"github.com/opspilot/backend/internal/faults"
)

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	specs, err := s.catalog.ListTools(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tools": specs,
		"count": len(specs),
	})
}

func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	spec, err := s.catalog.GetToolByName(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

// handlePutTool registers or revises a tool. The path segment is
// authoritative for the name; a mismatched body is rejected.
func (s *Server) handlePutTool(w http.ResponseWriter, r *http.Request) {
	var spec catalog.ToolSpec
	if err := decodeBody(r, &spec); err != nil {
		writeError(w, err)
		return
	}
	name := mux.Vars(r)["name"]
	if spec.ToolName == "" {
		spec.ToolName = name
	}
	if spec.ToolName != name {
		writeError(w, faults.Newf(faults.KindValidation,
			"body tool_name %q does not match path %q", spec.ToolName, name))
		return
	}

	stored, err := s.catalog.Upsert(r.Context(), &spec)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if stored.Version == 1 {
		status = http.StatusCreated
	}
	writeJSON(w, status, stored)
}

func (s *Server) handleToolHistory(w http.ResponseWriter, r *http.Request) {
	specs, err := s.catalog.GetToolHistory(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"versions": specs,
		"count":    len(specs),
	})
}

func (s *Server) handleToolVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	version, err := strconv.Atoi(vars["version"])
	if err != nil || version < 1 {
		writeError(w, faults.Newf(faults.KindValidation, "invalid version %q", vars["version"]))
		return
	}
	spec, err := s.catalog.GetToolVersion(r.Context(), vars["name"], version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

// handleToolRollback re-activates a prior version as a new latest
// version, so the history keeps a record of the rollback itself.
func (s *Server) handleToolRollback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ToVersion int `json:"to_version"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.ToVersion < 1 {
		writeError(w, faults.New(faults.KindValidation, "to_version must be a positive version number"))
		return
	}
	spec, err := s.catalog.Rollback(r.Context(), mux.Vars(r)["name"], body.ToVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

func (s *Server) handleReloadTools(w http.ResponseWriter, r *http.Request) {
	written, err := s.catalog.Reload(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"written": written})
}
