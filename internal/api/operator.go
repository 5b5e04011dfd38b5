package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"labelflow/internal/admin"
)

func (s *Server) handleCreateLabelTask(w http.ResponseWriter, r *http.Request) {
	var in admin.LabelTaskInput
	if !decode(w, r, &in) {
		return
	}
	in.CreatorID = r.Header.Get("X-User-ID")
	task, err := s.admin.CreateLabelTask(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleCreateAuditTask(w http.ResponseWriter, r *http.Request) {
	var in admin.AuditTaskInput
	if !decode(w, r, &in) {
		return
	}
	in.CreatorID = r.Header.Get("X-User-ID")
	detail, err := s.admin.CreateAuditTask(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, detail)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	detail, err := s.admin.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var patch admin.TaskPatch
	if !decode(w, r, &patch) {
		return
	}
	detail, err := s.admin.UpdateTask(r.Context(), chi.URLParam(r, "taskID"), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.DeleteTask(r.Context(), chi.URLParam(r, "taskID")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.admin.Progress(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type teamsRequest struct {
	Teams []string `json:"teams"`
}

func (s *Server) handleUpdateFlowTeams(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 1 {
		writeError(w, http.StatusBadRequest, "invalid_argument", "flow index must be a positive integer")
		return
	}
	var req teamsRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.admin.UpdateFlowTeams(r.Context(), chi.URLParam(r, "taskID"), index, req.Teams); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flow_index": index, "teams": req.Teams})
}

type importRequest struct {
	Items []admin.DataInput `json:"items"`
}

func (s *Server) handleImportData(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := s.admin.ImportData(r.Context(), chi.URLParam(r, "taskID"), req.Items)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"imported": n})
}

func (s *Server) handleClearData(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.ClearData(r.Context(), chi.URLParam(r, "taskID")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleRejectUserData(w http.ResponseWriter, r *http.Request) {
	n, err := s.admin.RejectUserData(r.Context(), chi.URLParam(r, "taskID"), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"recreated": n})
}
