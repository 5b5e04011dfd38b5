package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"labelflow/internal/models"
	"labelflow/internal/telemetry"
)

type getRequest struct {
	FlowIndex int `json:"flow_index"`
}

type claimResponse struct {
	Data      models.Data `json:"data"`
	FlowIndex int         `json:"flow_index"`
	ExpiresAt time.Time   `json:"expires_at"`
	// RemainTime is the lease left, in seconds.
	RemainTime int `json:"remain_time"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var req getRequest
	// label tasks take an empty body
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json: "+err.Error())
		return
	}
	worker := workerFromRequest(r)

	allowed, _, err := s.limiter.Allow(r.Context(), worker.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many claim requests")
		return
	}

	c, err := s.engine.Get(r.Context(), chi.URLParam(r, "taskID"), worker, req.FlowIndex)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{
		Data:       c.Data,
		FlowIndex:  c.FlowIndex,
		ExpiresAt:  c.ExpiresAt,
		RemainTime: int(c.RemainTime / time.Second),
	})
}

type releaseRequest struct {
	DataID    string `json:"data_id"`
	FlowIndex int    `json:"flow_index"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !decode(w, r, &req) {
		return
	}
	if req.DataID == "" {
		writeError(w, http.StatusBadRequest, "invalid_argument", "data_id is required")
		return
	}
	err := s.engine.Release(r.Context(), chi.URLParam(r, "taskID"), workerFromRequest(r), req.DataID, req.FlowIndex)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

type commitRequest struct {
	DataID    string `json:"data_id"`
	FlowIndex int    `json:"flow_index"`
	models.Judgment
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if !decode(w, r, &req) {
		return
	}
	if req.DataID == "" {
		writeError(w, http.StatusBadRequest, "invalid_argument", "data_id is required")
		return
	}
	err := s.engine.Commit(r.Context(), chi.URLParam(r, "taskID"), workerFromRequest(r), req.DataID, req.FlowIndex, req.Judgment)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "committed"})
}
