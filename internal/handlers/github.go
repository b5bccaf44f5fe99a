package handlers

import (
	"net/http"
	"strings"

	"github.com/alimgiray/repomailer/internal/models"
	"github.com/alimgiray/repomailer/internal/services"
	"github.com/alimgiray/repomailer/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// TokenHeader lets a caller check the budget of its own token
const TokenHeader = "X-GitHub-Token"

type GitHubHandler struct {
	collectorService *services.CollectorService
	clients          *services.GitHubClientFactory
}

func NewGitHubHandler(collectorService *services.CollectorService, clients *services.GitHubClientFactory) *GitHubHandler {
	return &GitHubHandler{
		collectorService: collectorService,
		clients:          clients,
	}
}

type collectRequest struct {
	Repository string                `json:"repository"`
	Options    models.CollectOptions `json:"options"`
	Token      string                `json:"token"`
}

// Collect starts a background collection run
func (h *GitHubHandler) Collect(c *gin.Context) {
	var req collectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body")
		return
	}

	job, err := h.collectorService.Collect(req.Repository, req.Options, req.Token)
	if err != nil {
		respondError(c, err)
		return
	}

	logger.WithFields(logrus.Fields{
		"run_id":     job.ID,
		"repository": job.Target,
	}).Info("Collection started")

	c.JSON(http.StatusAccepted, gin.H{
		"message":    "Email collection started",
		"runId":      job.ID,
		"repository": job.Target,
	})
}

// RateLimit returns the current GitHub budget, refreshed from the API when possible
func (h *GitHubHandler) RateLimit(c *gin.Context) {
	client := h.clients.Default()
	if token := strings.TrimSpace(c.GetHeader(TokenHeader)); token != "" {
		client = h.clients.ForToken(token)
	}

	status, err := client.RefreshRateLimit(c.Request.Context())
	if err != nil {
		// the cached view is still useful when the refresh fails
		logger.WithError(err).Warn("Failed to refresh GitHub rate limit")
	}
	c.JSON(http.StatusOK, status)
}
