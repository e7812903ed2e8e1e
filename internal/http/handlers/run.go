package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/guideforge-backend/internal/http/response"
	pkgerrors "github.com/yungbote/guideforge-backend/internal/pkg/errors"
	"github.com/yungbote/guideforge-backend/internal/services"
)

type RunHandler struct {
	runs services.RunService
}

func NewRunHandler(runs services.RunService) *RunHandler {
	return &RunHandler{runs: runs}
}

// POST /api/runs
func (h *RunHandler) StartRun(c *gin.Context) {
	var in services.StartRunInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	run, err := h.runs.StartRun(c.Request.Context(), in)
	if err != nil {
		response.RespondError(c, statusFor(err), "start_run_failed", err)
		return
	}
	response.RespondCreated(c, gin.H{"run": run})
}

// GET /api/runs
func (h *RunHandler) ListRuns(c *gin.Context) {
	runs, err := h.runs.ListRuns(c.Request.Context(), 100)
	if err != nil {
		response.RespondError(c, statusFor(err), "list_runs_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"runs": runs})
}

// GET /api/runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	run, err := h.runs.GetRun(c.Request.Context(), runID)
	if err != nil {
		response.RespondError(c, statusFor(err), "run_not_found", err)
		return
	}
	response.RespondOK(c, gin.H{"run": run})
}

// GET /api/runs/:id/files
func (h *RunHandler) ListFiles(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	files, err := h.runs.ListFiles(c.Request.Context(), runID)
	if err != nil {
		response.RespondError(c, statusFor(err), "list_files_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"files": files})
}

// GET /api/runs/:id/guides
func (h *RunHandler) ListGuides(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	guides, err := h.runs.ListGuides(c.Request.Context(), runID)
	if err != nil {
		response.RespondError(c, statusFor(err), "list_guides_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"guides": guides})
}

// GET /api/runs/:id/progress
func (h *RunHandler) GetProgress(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	prog, err := h.runs.Progress(c.Request.Context(), runID)
	if err != nil {
		response.RespondError(c, http.StatusBadGateway, "progress_unavailable", err)
		return
	}
	response.RespondOK(c, gin.H{"progress": prog})
}

// DELETE /api/runs/:id
func (h *RunHandler) DeleteRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	if err := h.runs.DeleteRun(c.Request.Context(), runID); err != nil {
		response.RespondError(c, statusFor(err), "delete_run_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": runID})
}

// POST /api/guides/:id/retry
func (h *RunHandler) RetryGuide(c *gin.Context) {
	guideID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_guide_id", err)
		return
	}
	g, err := h.runs.RetryGuide(c.Request.Context(), guideID)
	if err != nil {
		response.RespondError(c, statusFor(err), "retry_guide_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"guide": g})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pkgerrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pkgerrors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, pkgerrors.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
