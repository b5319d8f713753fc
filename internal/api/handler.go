package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/0xPuncker/taskwatch/internal/config"
	"github.com/0xPuncker/taskwatch/internal/scheduler"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	logger    *logrus.Logger
	config    *config.Config
	Scheduler *scheduler.Scheduler
	started   time.Time
}

type HealthResponse struct {
	Status           string `json:"status"`
	SchedulerRunning bool   `json:"scheduler_running"`
	Halted           string `json:"halted,omitempty"`
	Jobs             int    `json:"jobs"`
	JobsFile         string `json:"jobs_file"`
	Uptime           string `json:"uptime"`
}

func NewHandler(s *scheduler.Scheduler, logger *logrus.Logger, cfg *config.Config) *Handler {
	return &Handler{
		logger:    logger,
		config:    cfg,
		Scheduler: s,
		started:   time.Now(),
	}
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:           "ok",
		SchedulerRunning: h.Scheduler.IsRunning(),
		Jobs:             len(h.Scheduler.ListJobs()),
		JobsFile:         h.config.Jobs.File,
		Uptime:           time.Since(h.started).Round(time.Second).String(),
	}
	if err := h.Scheduler.Halted(); err != nil {
		resp.Status = "halted"
		resp.Halted = err.Error()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.Scheduler.ListJobs())
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Scheduler.GetJob(mux.Vars(r)["jobID"])
	if err != nil {
		h.handleError(w, err, statusFor(err))
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Scheduler.ListRuns(mux.Vars(r)["jobID"])
	if err != nil {
		h.handleError(w, err, statusFor(err))
		return
	}
	h.writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	run, err := h.Scheduler.Trigger(mux.Vars(r)["jobID"])
	if err != nil {
		h.handleError(w, err, statusFor(err))
		return
	}
	h.writeJSON(w, http.StatusAccepted, run)
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Scheduler.GetRun(mux.Vars(r)["runID"])
	if err != nil {
		h.handleError(w, err, statusFor(err))
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runID"]
	if err := h.Scheduler.CancelRun(runID); err != nil {
		h.handleError(w, err, statusFor(err))
		return
	}

	run, err := h.Scheduler.GetRun(runID)
	if err != nil {
		h.handleError(w, err, statusFor(err))
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

func (h *Handler) StartScheduler(w http.ResponseWriter, r *http.Request) {
	if err := h.Scheduler.Start(); err != nil {
		h.handleError(w, err, http.StatusConflict)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "scheduler started successfully",
	})
}

func (h *Handler) StopScheduler(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Stop()
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "scheduler stopped successfully",
	})
}

func (h *Handler) ResumeScheduler(w http.ResponseWriter, r *http.Request) {
	if err := h.Scheduler.Resume(); err != nil {
		h.handleError(w, err, statusFor(err))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "scheduler resumed",
	})
}

func statusFor(err error) int {
	var clockErr *scheduler.ClockError
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound), errors.Is(err, scheduler.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrRunTerminal), errors.Is(err, scheduler.ErrSchedulerHalted), errors.As(err, &clockErr):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Errorf("Failed to encode response: %v", err)
	}
}

func (h *Handler) handleError(w http.ResponseWriter, err error, code int) {
	if code >= http.StatusInternalServerError {
		h.logger.Error(err)
	} else {
		h.logger.Debug(err)
	}
	h.writeJSON(w, code, map[string]string{
		"error": err.Error(),
	})
}
