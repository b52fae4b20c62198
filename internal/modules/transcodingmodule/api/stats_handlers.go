package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mantonx/reframe/internal/database"
	tcerrors "github.com/mantonx/reframe/internal/modules/transcodingmodule/errors"
)

const maxListLimit = 500

// ListJobs handles GET /api/v1/jobs
//
// Query parameters:
//   - status: running, completed, canceled or failed (optional)
//   - limit:  maximum number of records, default 50
func (h *APIHandler) ListJobs(c *gin.Context) {
	if !h.requireHistory(c) {
		return
	}

	status := database.JobStatus(c.Query("status"))
	switch status {
	case "", database.JobStatusRunning, database.JobStatusCompleted, database.JobStatusCanceled, database.JobStatusFailed:
	default:
		h.respondError(c, tcerrors.RequestError("list_jobs", "status", "unknown status "+strconv.Quote(string(status))))
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.respondError(c, tcerrors.RequestError("list_jobs", "limit", "limit must be a positive integer"))
			return
		}
		limit = min(n, maxListLimit)
	}

	jobs, err := h.history.Recent(c.Request.Context(), status, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// GetJob handles GET /api/v1/jobs/:id
func (h *APIHandler) GetJob(c *gin.Context) {
	if !h.requireHistory(c) {
		return
	}

	job, err := h.history.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	sources, _ := job.GetSources()
	c.JSON(http.StatusOK, gin.H{"job": job, "sources": sources})
}

// GetStats handles GET /api/v1/jobs/stats
func (h *APIHandler) GetStats(c *gin.Context) {
	if !h.requireHistory(c) {
		return
	}

	stats, err := h.history.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Health handles GET /health
//
// Response:
//
//	{
//	  "status": "ok",            // "degraded" when the host is overloaded
//	  "state": "running",        // controller state
//	  "active_job": "...",       // present while a job runs
//	  "system": {...}
//	}
func (h *APIHandler) Health(c *gin.Context) {
	resp := gin.H{"status": "ok", "state": h.controller.State()}
	if snap, ok := h.controller.Active(); ok {
		resp["active_job"] = snap.JobID
		resp["progress"] = snap.Progress
	}

	info, err := h.systemInfo(c.Request.Context())
	if err != nil {
		h.logger.Warn("failed to read system info", "error", err)
	} else {
		resp["system"] = info
		if info.IsOverloaded() {
			resp["status"] = "degraded"
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandler) requireHistory(c *gin.Context) bool {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Job history is not enabled"})
		return false
	}
	return true
}
