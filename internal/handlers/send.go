package handlers

import (
	"net/http"

	"github.com/alimgiray/repomailer/internal/models"
	"github.com/alimgiray/repomailer/internal/services"
	"github.com/alimgiray/repomailer/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type SendHandler struct {
	dispatcherService *services.DispatcherService
}

func NewSendHandler(dispatcherService *services.DispatcherService) *SendHandler {
	return &SendHandler{dispatcherService: dispatcherService}
}

// TestCredentials checks that the SMTP server accepts the given login
func (h *SendHandler) TestCredentials(c *gin.Context) {
	var cfg models.SMTPConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		respondBadRequest(c, "Invalid request body")
		return
	}

	result, err := h.dispatcherService.TestCredentials(c.Request.Context(), cfg)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type connectionRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// TestConnection checks that the SMTP port is reachable from this host
func (h *SendHandler) TestConnection(c *gin.Context) {
	var req connectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body")
		return
	}

	result, err := h.dispatcherService.TestPortReachable(c.Request.Context(), req.Host, req.Port)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// SendBulk starts a background dispatch
func (h *SendHandler) SendBulk(c *gin.Context) {
	var req models.BulkSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body")
		return
	}

	job, run, err := h.dispatcherService.SendBulk(&req)
	if err != nil {
		respondError(c, err)
		return
	}

	logger.WithFields(logrus.Fields{
		"run_id":     job.ID,
		"to_type":    run.ToType,
		"target":     job.Target,
		"batch_size": run.BatchSize,
		"delay_ms":   run.DelayMs,
	}).Info("Bulk send started")

	response := gin.H{
		"message": "Bulk email sending started",
		"runId":   job.ID,
	}
	if run.ToType == models.ToTypeCustom {
		response["total"] = len(run.Custom)
	}
	c.JSON(http.StatusAccepted, response)
}
