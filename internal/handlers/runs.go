package handlers

import (
	"net/http"

	"github.com/alimgiray/repomailer/internal/workers"
	"github.com/gin-gonic/gin"
)

type RunHandler struct {
	workerManager *workers.WorkerManager
}

func NewRunHandler(workerManager *workers.WorkerManager) *RunHandler {
	return &RunHandler{workerManager: workerManager}
}

// ListRuns returns recent collection and dispatch runs, newest first
func (h *RunHandler) ListRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": h.workerManager.ListJobs()})
}

// GetRun returns one run
func (h *RunHandler) GetRun(c *gin.Context) {
	job, ok := h.workerManager.GetJob(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, errorBody("Run not found"))
		return
	}
	c.JSON(http.StatusOK, job)
}
