package api

import (
	"net/http"
	"strconv"
	"strings"

	"AgentEscrow/internal/auth"
	"AgentEscrow/internal/orchestrator"
)

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.workflows == nil {
		writeError(w, r, unavailable("工作流"))
		return
	}
	var req orchestrator.StartRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	// owner 默认是调用方，关闭认证时保留请求体中的值。
	if subject := auth.SubjectID(r.Context()); subject != "" && subject != auth.AnonymousSubject {
		req.OwnerID = subject
	}
	session, err := s.workflows.Start(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/sessions/"+session.ID)
	writeJSON(w, http.StatusAccepted, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.workflows == nil {
		writeError(w, r, unavailable("工作流"))
		return
	}
	session, err := s.workflows.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	if s.workflows == nil {
		writeError(w, r, unavailable("工作流"))
		return
	}
	session, err := s.workflows.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, session)
}

func (s *Server) handleSessionRuns(w http.ResponseWriter, r *http.Request) {
	if s.workflows == nil {
		writeError(w, r, unavailable("工作流"))
		return
	}
	runs, err := s.workflows.Runs(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": r.PathValue("id"), "runs": runs})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.workflows == nil {
		writeError(w, r, unavailable("工作流"))
		return
	}
	q := r.URL.Query()
	var opts []orchestrator.ListOption
	if raw := q.Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, orchestrator.WithLimit(limit))
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, orchestrator.WithOffset(offset))
		}
	}
	if owner := strings.TrimSpace(q.Get("owner_id")); owner != "" {
		opts = append(opts, orchestrator.WithOwner(owner))
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		var statuses []orchestrator.Status
		for _, part := range strings.Split(raw, ",") {
			if st := orchestrator.Status(strings.TrimSpace(part)); st.Valid() {
				statuses = append(statuses, st)
			}
		}
		opts = append(opts, orchestrator.WithStatuses(statuses...))
	}
	sessions, err := s.workflows.List(r.Context(), opts...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}
