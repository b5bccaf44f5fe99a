package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/alimgiray/repomailer/internal/services"
	"github.com/gin-gonic/gin"
)

type RepositoryHandler struct {
	emailService *services.EmailService
}

func NewRepositoryHandler(emailService *services.EmailService) *RepositoryHandler {
	return &RepositoryHandler{emailService: emailService}
}

// repositoryParam reads the owner/name catch-all segment
func repositoryParam(c *gin.Context) string {
	return strings.Trim(c.Param("name"), "/")
}

// GetRepository returns the summary of one repository's addresses
func (h *RepositoryHandler) GetRepository(c *gin.Context) {
	summary, err := h.emailService.GetRepositorySummary(c.Request.Context(), repositoryParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// DeleteRepository removes every address collected from a repository
func (h *RepositoryHandler) DeleteRepository(c *gin.Context) {
	repository := repositoryParam(c)
	deleted, err := h.emailService.DeleteRepository(c.Request.Context(), repository)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    fmt.Sprintf("Deleted %d emails from %s", deleted, repository),
		"repository": repository,
		"deleted":    deleted,
	})
}
