// Package api provides the HTTP handlers and routes for the transcoding
// module: submitting and canceling jobs, reading job history, and streaming
// job events over a websocket.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/engine"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/strategy"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/system"
	tcerrors "github.com/mantonx/reframe/internal/modules/transcodingmodule/errors"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/types"
)

// APIHandler translates HTTP requests into controller and history calls.
type APIHandler struct {
	logger     hclog.Logger
	controller JobController
	resolver   SinkResolver
	history    HistoryStore
	defaults   Defaults
	systemInfo func(ctx context.Context) (*system.SystemInfo, error)
}

// NewAPIHandler creates a handler. history may be nil, in which case the
// history endpoints answer 503.
func NewAPIHandler(logger hclog.Logger, ctrl JobController, resolver SinkResolver, history HistoryStore, defaults Defaults) *APIHandler {
	if defaults.FrameRate == 0 {
		defaults.FrameRate = strategy.DefaultFrameRate
	}
	if defaults.Container == "" {
		defaults.Container = engine.DefaultContainer
	}
	if defaults.Fit == "" {
		defaults.Fit = strategy.FitCrop
	}
	return &APIHandler{
		logger:     logger.Named("api"),
		controller: ctrl,
		resolver:   resolver,
		history:    history,
		defaults:   defaults,
		systemInfo: system.GetSystemInfo,
	}
}

// SubmitJob handles POST /api/v1/jobs
//
// Request body: see JobRequest. Responds 202 with a JobResponse, 400 when the
// body or strategy is invalid and 409 while another job is running.
func (h *APIHandler) SubmitJob(c *gin.Context) {
	var body JobRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	req, err := h.defaults.toTranscodeRequest(&body)
	if err != nil {
		h.respondError(c, err)
		return
	}

	out, err := h.resolver.Resolve(body.Destination)
	if err != nil {
		h.respondError(c, tcerrors.RequestError("submit", "destination", err.Error()))
		return
	}
	req.Sink = out

	handle, err := h.controller.Submit(req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := JobResponse{
		JobID:     handle.ID(),
		State:     string(types.JobStateRunning),
		Strategy:  req.Video.String(),
		StartedAt: handle.StartedAt(),
	}
	h.logger.Info("job accepted", "job_id", handle.ID(), "sources", len(body.Sources), "destination", out.Destination())
	c.JSON(http.StatusAccepted, resp)
}

// GetCurrentJob handles GET /api/v1/jobs/current
func (h *APIHandler) GetCurrentJob(c *gin.Context) {
	snap, ok := h.controller.Active()
	if !ok {
		resp := gin.H{"error": "No job is running", "state": h.controller.State()}
		if last, ok := h.controller.Last(); ok {
			resp["last_job_id"] = last.JobID
		}
		c.JSON(http.StatusNotFound, resp)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// CancelCurrentJob handles DELETE /api/v1/jobs/current. Canceling when idle
// is not an error.
func (h *APIHandler) CancelCurrentJob(c *gin.Context) {
	snap, ok := h.controller.Active()
	if !ok {
		c.JSON(http.StatusAccepted, gin.H{"canceled": false, "state": h.controller.State()})
		return
	}
	h.cancel(c, snap.JobID)
}

// CancelJob handles DELETE /api/v1/jobs/:id
func (h *APIHandler) CancelJob(c *gin.Context) {
	h.cancel(c, c.Param("id"))
}

func (h *APIHandler) cancel(c *gin.Context, jobID string) {
	acked, err := h.controller.Cancel(jobID)
	if errors.Is(err, tcerrors.ErrJobNotFound) {
		// already finished: cancel stays idempotent for the last job
		if last, ok := h.controller.Last(); ok && last.JobID == jobID {
			c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "canceled": false, "state": last.State})
			return
		}
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.logger.Info("cancel requested", "job_id", jobID, "acknowledged", acked)
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "canceled": acked})
}

// respondError maps the error taxonomy onto status codes.
func (h *APIHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tcerrors.ErrInvalidRequest), errors.Is(err, tcerrors.ErrInvalidConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, tcerrors.ErrJobInProgress):
		status = http.StatusConflict
	case errors.Is(err, tcerrors.ErrJobNotFound):
		status = http.StatusNotFound
	}

	resp := gin.H{"error": err.Error(), "type": tcerrors.GetType(err)}
	if details := tcerrors.GetDetails(err); len(details) > 0 {
		resp["details"] = details
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, resp)
}
