package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/BadgerOps/dsmanager/internal/catalog"
	"github.com/BadgerOps/dsmanager/internal/download"
	"github.com/BadgerOps/dsmanager/internal/engine"
)

// DatasetJSON is a dataset plus its derived state.
type DatasetJSON struct {
	catalog.Dataset
	Status string `json:"status"`
	Active bool   `json:"active"`
}

func (s *Server) datasetJSON(d catalog.Dataset) DatasetJSON {
	return DatasetJSON{Dataset: d, Status: d.Status().String(), Active: s.orch.IsActive(d.Key)}
}

// handleListDatasets returns all datasets, optionally filtered by ?q=.
func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	var datasets []catalog.Dataset
	if q := r.URL.Query().Get("q"); q != "" {
		datasets = s.orch.Registry().Filter(q)
	} else {
		datasets = s.orch.Registry().List()
	}

	response := make([]DatasetJSON, 0, len(datasets))
	for _, d := range datasets {
		response = append(response, s.datasetJSON(d))
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	d, ok := s.orch.Registry().Get(r.PathValue("key"))
	if !ok {
		jsonError(w, http.StatusNotFound, "dataset not found")
		return
	}
	writeJSON(w, http.StatusOK, s.datasetJSON(d))
}

// handleDownload admits a download job. The job runs in the background;
// progress is reported on /api/events.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	jobID, err := s.orch.RequestDownload(key)
	if err != nil {
		s.logger.Warn("download request rejected", "key", key, "error", err)
		jsonError(w, downloadErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"key": key, "job_id": jobID})
}

func downloadErrorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownDataset):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrJobActive):
		return http.StatusConflict
	case errors.Is(err, engine.ErrIncompatible),
		errors.Is(err, engine.ErrInsufficientSpace),
		errors.Is(err, engine.ErrNoSource):
		return http.StatusUnprocessableEntity
	case errors.Is(err, download.ErrOffline), errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !s.orch.CancelDownload(key) {
		jsonError(w, http.StatusNotFound, "no active download for "+key)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"key": key, "status": "cancelling"})
}

// RemoveResponse is the response from DELETE /api/datasets/{key}.
type RemoveResponse struct {
	Key     string   `json:"key"`
	Deleted bool     `json:"deleted"`
	Errors  []string `json:"errors,omitempty"`
}

func (s *Server) handleRemoveDataset(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	deleted, errs := s.orch.Remove(key)
	if !deleted && len(errs) == 1 {
		switch err := errs[0]; {
		case errors.Is(err, engine.ErrUnknownDataset):
			jsonError(w, http.StatusNotFound, err.Error())
			return
		case errors.Is(err, engine.ErrBaseData):
			jsonError(w, http.StatusForbidden, err.Error())
			return
		case errors.Is(err, engine.ErrJobActive):
			jsonError(w, http.StatusConflict, err.Error())
			return
		}
	}

	resp := RemoveResponse{Key: key, Deleted: deleted}
	for _, err := range errs {
		resp.Errors = append(resp.Errors, err.Error())
	}
	code := http.StatusOK
	if len(errs) > 0 {
		s.logger.Warn("dataset removal incomplete", "key", key, "errors", len(errs))
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := s.orch.Enable(key, force); err != nil {
		jsonError(w, enableErrorStatus(err), err.Error())
		return
	}
	d, _ := s.orch.Registry().Get(key)
	writeJSON(w, http.StatusOK, s.datasetJSON(d))
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.orch.Disable(key); err != nil {
		jsonError(w, enableErrorStatus(err), err.Error())
		return
	}
	d, _ := s.orch.Registry().Get(key)
	writeJSON(w, http.StatusOK, s.datasetJSON(d))
}

func enableErrorStatus(err error) int {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, catalog.ErrNotEnableable):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleActiveDownloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Active())
}

// handleHistory lists recorded download runs, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, http.StatusServiceUnavailable, "history is not available")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	runs, err := s.store.ListDownloadRuns(r.URL.Query().Get("key"), limit)
	if err != nil {
		s.logger.Error("failed to list download runs", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.orch.CleanupTemp()
	if removed == nil {
		removed = []string{}
	}
	resp := map[string]any{"removed": removed}
	if err != nil {
		resp["error"] = err.Error()
		writeJSON(w, http.StatusMultiStatus, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSpeedTest(w http.ResponseWriter, r *http.Request) {
	type speedTestRequest struct {
		URLs []string `json:"urls"`
		TopN int      `json:"top_n"`
	}

	if s.ranker == nil {
		jsonError(w, http.StatusServiceUnavailable, "mirror ranking is not available")
		return
	}

	var req speedTestRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}
	if len(req.URLs) == 0 && s.config != nil {
		req.URLs = s.config.Data.Mirrors
	}
	if len(req.URLs) == 0 {
		jsonError(w, http.StatusBadRequest, "urls must not be empty")
		return
	}
	if req.TopN <= 0 {
		req.TopN = 10
	}

	writeJSON(w, http.StatusOK, s.ranker.SpeedTest(r.Context(), req.URLs, req.TopN))
}
