package api

import (
	"net/http"
	"strconv"
	"strings"

	"AgentEscrow/internal/anomaly"
	"AgentEscrow/internal/auth"
	"AgentEscrow/internal/trust"
)

func (s *Server) handleBadges(w http.ResponseWriter, r *http.Request) {
	if s.trust == nil {
		writeError(w, r, unavailable("信任"))
		return
	}
	subject := r.PathValue("subject")
	badges, err := s.trust.Badges(r.Context(), subject)
	if err != nil {
		writeError(w, r, err)
		return
	}
	score, err := s.trust.Score(r.Context(), subject)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if badges == nil {
		badges = []trust.Badge{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subject_id": subject, "score": score, "badges": badges})
}

func (s *Server) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	if s.anomalies == nil {
		writeError(w, r, unavailable("异常监控"))
		return
	}
	q := r.URL.Query()
	filter := anomaly.Filter{
		EscrowID:   strings.TrimSpace(q.Get("escrow_id")),
		SubjectID:  strings.TrimSpace(q.Get("subject_id")),
		Unresolved: q.Get("unresolved") == "true",
	}
	if raw := q.Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}
	records, err := s.anomalies.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []anomaly.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": records})
}

type resolveRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleResolveAnomaly(w http.ResponseWriter, r *http.Request) {
	if s.anomalies == nil {
		writeError(w, r, unavailable("异常监控"))
		return
	}
	var req resolveRequest
	if err := decodeOptionalBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	record, err := s.anomalies.Resolve(r.Context(), r.PathValue("id"), auth.SubjectID(r.Context()), req.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}
