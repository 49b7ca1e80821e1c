package api

import (
	"net/http"
	"time"

	"AgentEscrow/internal/auth"
	"AgentEscrow/internal/custody"
	"AgentEscrow/internal/escrow"
)

// verificationRequest 是提交验证事件的请求体，托管 ID 取自路径。
type verificationRequest struct {
	EventID    string          `json:"event_id,omitempty"`
	Kind       escrow.Kind     `json:"kind"`
	VerifiedBy escrow.Verifier `json:"verified_by"`
	VerifierID string          `json:"verifier_id,omitempty"`
	Outcome    bool            `json:"outcome"`
	Evidence   string          `json:"evidence,omitempty"`
	Timestamp  time.Time       `json:"timestamp,omitempty"`
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	if s.escrows == nil {
		writeError(w, r, unavailable("托管"))
		return
	}
	wf, err := s.escrows.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleListVerifications(w http.ResponseWriter, r *http.Request) {
	if s.escrows == nil {
		writeError(w, r, unavailable("托管"))
		return
	}
	events, err := s.escrows.Verifications(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrow_id": r.PathValue("id"), "verifications": events})
}

func (s *Server) handleSubmitVerification(w http.ResponseWriter, r *http.Request) {
	if s.escrows == nil {
		writeError(w, r, unavailable("托管"))
		return
	}
	var req verificationRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.VerifierID == "" {
		req.VerifierID = auth.SubjectID(r.Context())
	}
	ev, err := s.escrows.SubmitVerification(r.Context(), escrow.VerificationEvent{
		ID:         req.EventID,
		EscrowID:   r.PathValue("id"),
		Kind:       req.Kind,
		VerifiedBy: req.VerifiedBy,
		VerifierID: req.VerifierID,
		Outcome:    req.Outcome,
		Evidence:   req.Evidence,
		Timestamp:  req.Timestamp,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleFunding(w http.ResponseWriter, r *http.Request) {
	if s.escrows == nil {
		writeError(w, r, unavailable("托管"))
		return
	}
	var notice custody.PayInNotice
	if err := decodeBody(w, r, &notice); err != nil {
		writeError(w, r, err)
		return
	}
	s.respondWorkflow(w, r)(s.escrows.ConfirmFunding(r.Context(), r.PathValue("id"), notice))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if s.escrows == nil {
		writeError(w, r, unavailable("托管"))
		return
	}
	var req escrow.ReleaseRequest
	if err := decodeOptionalBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Actor = actorFor(r)
	s.respondWorkflow(w, r)(s.escrows.Release(r.Context(), r.PathValue("id"), req))
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	if s.escrows == nil {
		writeError(w, r, unavailable("托管"))
		return
	}
	var req escrow.RefundRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Actor = actorFor(r)
	s.respondWorkflow(w, r)(s.escrows.Refund(r.Context(), r.PathValue("id"), req))
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	if s.escrows == nil {
		writeError(w, r, unavailable("托管"))
		return
	}
	var req escrow.DisputeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Actor = actorFor(r)
	s.respondWorkflow(w, r)(s.escrows.RaiseDispute(r.Context(), r.PathValue("id"), req))
}

func (s *Server) handleResolution(w http.ResponseWriter, r *http.Request) {
	if s.escrows == nil {
		writeError(w, r, unavailable("托管"))
		return
	}
	var res escrow.Resolution
	if err := decodeBody(w, r, &res); err != nil {
		writeError(w, r, err)
		return
	}
	res.Actor = actorFor(r)
	s.respondWorkflow(w, r)(s.escrows.ResolveDispute(r.Context(), r.PathValue("id"), res))
}

func (s *Server) handleCancelEscrow(w http.ResponseWriter, r *http.Request) {
	if s.escrows == nil {
		writeError(w, r, unavailable("托管"))
		return
	}
	var req escrow.CancelRequest
	if err := decodeOptionalBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Actor = actorFor(r)
	s.respondWorkflow(w, r)(s.escrows.Cancel(r.Context(), r.PathValue("id"), req))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.escrows == nil {
		writeError(w, r, unavailable("托管"))
		return
	}
	id := r.PathValue("id")
	entries, err := s.escrows.AuditTrail(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body := map[string]any{"escrow_id": id, "entries": entries, "chain_valid": true}
	if err := s.escrows.VerifyAudit(r.Context(), id); err != nil {
		body["chain_valid"] = false
		body["chain_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

// respondWorkflow 把状态迁移的结果写成响应。
func (s *Server) respondWorkflow(w http.ResponseWriter, r *http.Request) func(escrow.Workflow, error) {
	return func(wf escrow.Workflow, err error) {
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, wf)
	}
}
