package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/opspilot/backend/internal/core"
	"github.com/opspilot/backend/internal/engine"
	"github.com/opspilot/backend/internal/faults"
	"github.com/opspilot/backend/internal/selector"
)

type submitBody struct {
	Plan        core.Plan        `json:"plan"`
	Target      core.Target      `json:"target"`
	Preferences core.Preferences `json:"preferences"`
	Actor       string           `json:"actor"`
}

// handleSubmit accepts a plan. A replay inside the idempotency window
// answers 200 with the earlier execution; a fresh accept answers 201.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	actor := body.Actor
	if actor == "" {
		actor = actorID(r)
	}

	result, err := s.engine.Submit(r.Context(), engine.SubmitRequest{
		TenantID:    tenantID(r),
		ActorID:     actor,
		Plan:        body.Plan,
		Target:      body.Target,
		Preferences: body.Preferences,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]interface{}{
		"execution": result.Execution,
		"replayed":  result.Replayed,
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.reader.GetExecution(r.Context(), tenantID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	reason := core.CancelReason(body.Reason)
	if reason == "" {
		reason = core.CancelUser
	}

	exec, err := s.engine.Cancel(r.Context(), tenantID(r), mux.Vars(r)["id"], reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["id"]
	// The tenant check rides on the execution read.
	if _, err := s.reader.GetExecution(r.Context(), tenantID(r), executionID); err != nil {
		writeError(w, err)
		return
	}

	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	evs, err := s.reader.ListEvents(r.Context(), executionID, since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"execution_id": executionID,
		"events":       evs,
	})
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["id"]
	if _, err := s.reader.GetExecution(r.Context(), tenantID(r), executionID); err != nil {
		writeError(w, err)
		return
	}

	steps, err := s.reader.ListSteps(r.Context(), executionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"execution_id": executionID,
		"steps":        steps,
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["id"]
	if _, err := s.reader.GetExecution(r.Context(), tenantID(r), executionID); err != nil {
		writeError(w, err)
		return
	}
	s.hub.ServeWS(w, r, executionID)
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	var state core.ApprovalState
	switch body.Decision {
	case string(core.ApprovalApproved):
		state = core.ApprovalApproved
	case string(core.ApprovalRejected):
		state = core.ApprovalRejected
	default:
		writeError(w, faults.Newf(faults.KindValidation, "decision must be APPROVED or REJECTED, got %q", body.Decision))
		return
	}

	approval, err := s.engine.Decide(r.Context(), tenantID(r), mux.Vars(r)["id"], state, actorID(r), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

// handleExplain runs Stage B scoring without executing anything. A POLICY
// fault still carries the explanation of what was filtered and why.
func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req selector.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Environment == "" {
		req.Environment = s.opts.Environment
	}
	req.TenantID = tenantID(r)

	exp, err := s.selector.Explain(r.Context(), req)
	if err != nil {
		if exp != nil && faults.IsKind(err, faults.KindPolicy) {
			writeJSON(w, faults.HTTPStatus(faults.KindPolicy), map[string]interface{}{
				"error":       faults.ToEnvelope(err).Error,
				"explanation": exp,
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}
