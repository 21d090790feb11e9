package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/opspilot/backend/internal/faults"
)

// ============================================================================
// SECRETS (key-gated; plaintext never appears in responses or logs)
// ============================================================================

type credentialBody struct {
	Host     string `json:"host"`
	Purpose  string `json:"purpose"`
	Username string `json:"username"`
	Password string `json:"password"`
	Domain   string `json:"domain"`
}

func (s *Server) handleCredentialUpsert(w http.ResponseWriter, r *http.Request) {
	var body credentialBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Host == "" || body.Purpose == "" {
		writeError(w, faults.New(faults.KindValidation, "host and purpose are required"))
		return
	}

	err := s.broker.Upsert(r.Context(), actorID(r), body.Host, body.Purpose,
		body.Username, body.Password, body.Domain)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"host":    body.Host,
		"purpose": body.Purpose,
		"stored":  true,
	})
}

// handleCredentialLookup answers metadata only: whether the credential
// exists, its username and domain. The password never leaves the broker.
func (s *Server) handleCredentialLookup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Host    string `json:"host"`
		Purpose string `json:"purpose"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.broker.Lookup(r.Context(), actorID(r), body.Host, body.Purpose)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCredentialDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.broker.Delete(r.Context(), actorID(r), vars["host"], vars["purpose"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"host":    vars["host"],
		"purpose": vars["purpose"],
		"deleted": true,
	})
}

// ============================================================================
// DEAD LETTER QUEUE
// ============================================================================

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	items, err := s.dlq.ListDLQ(r.Context(), limit, offset, q.Get("include_archived") == "true")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.dlq.DLQStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDLQRequeue(w http.ResponseWriter, r *http.Request) {
	resetAttempt := r.URL.Query().Get("reset_attempt") == "true"
	item, err := s.dlq.RequeueFromDLQ(r.Context(), mux.Vars(r)["id"], resetAttempt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDLQArchive(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["id"]
	if err := s.dlq.ArchiveDLQItem(r.Context(), itemID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"item_id":  itemID,
		"archived": true,
	})
}
