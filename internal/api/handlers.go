package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
	"github.com/JakeFAU/transparent-crawler/internal/module"
	"github.com/JakeFAU/transparent-crawler/internal/scheduler"
	"github.com/JakeFAU/transparent-crawler/internal/task"
)

type enqueueRequest struct {
	Type        string           `json:"type"`
	ModuleID    crawler.ModuleID `json:"module_id"`
	At          *time.Time       `json:"at"`
	Reschedules bool             `json:"reschedules"`
	Dummy       bool             `json:"dummy"`
}

func (s *Server) listTasks(w http.ResponseWriter, _ *http.Request) {
	queued, running := s.scheduler.Sizes()
	writeJSON(w, http.StatusOK, map[string]any{
		"queued":  queued,
		"running": running,
		"tasks":   s.scheduler.Snapshot(),
	})
}

func (s *Server) enqueueTask(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	kind, err := task.ParseKind(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := s.modules.Lookup(req.ModuleID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, module.ErrUnknownModule) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	at := s.clock.Now()
	if req.At != nil {
		at = *req.At
	}
	h, err := s.scheduler.Enqueue(r.Context(), task.New(kind, m, at, req.Reschedules, req.Dummy))
	if err != nil {
		// The task is queued in memory; only persisting failed.
		s.logger.Warn("unable to save tasks", zap.Stringer("handle", h), zap.Error(err))
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"handle": h.String()})
}

func (s *Server) stopTask(w http.ResponseWriter, r *http.Request) {
	h, err := scheduler.ParseHandle(chi.URLParam(r, "handle"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid handle")
		return
	}
	cancelReschedule := false
	if raw := r.URL.Query().Get("cancel_reschedule"); raw != "" {
		cancelReschedule, err = strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cancel_reschedule")
			return
		}
	}
	if err := s.scheduler.RequestStop(r.Context(), h, cancelReschedule); err != nil {
		if errors.Is(err, scheduler.ErrUnknownHandle) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Warn("unable to save tasks", zap.Stringer("handle", h), zap.Error(err))
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"handle":            h.String(),
		"status":            "stop_requested",
		"cancel_reschedule": cancelReschedule,
	})
}

func (s *Server) listModules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"modules": s.modules.All()})
}

func (s *Server) priceHistory(w http.ResponseWriter, r *http.Request) {
	moduleID, err := crawler.ParseModuleID(chi.URLParam(r, "module"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid module id")
		return
	}
	gid, err := strconv.ParseUint(chi.URLParam(r, "gid"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid gid")
		return
	}
	records, err := s.prices.History(r.Context(), moduleID, crawler.GroupID(gid))
	if err != nil {
		s.logger.Error("price history lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "price history unavailable")
		return
	}
	if records == nil {
		records = []crawler.PriceRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"module_id": moduleID,
		"gid":       crawler.GroupID(gid).String(),
		"history":   records,
	})
}
