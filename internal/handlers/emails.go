package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alimgiray/repomailer/internal/models"
	"github.com/alimgiray/repomailer/internal/services"
	"github.com/alimgiray/repomailer/pkg/logger"
	"github.com/alimgiray/repomailer/pkg/pagination"
	"github.com/gin-gonic/gin"
)

const dateLayout = "2006-01-02"

type EmailHandler struct {
	emailService *services.EmailService
}

func NewEmailHandler(emailService *services.EmailService) *EmailHandler {
	return &EmailHandler{emailService: emailService}
}

// ListEmails returns one page of collected addresses
func (h *EmailHandler) ListEmails(c *gin.Context) {
	params := pagination.FromQuery(c.Request.URL.Query())

	filter := models.EmailFilter{
		Search:     c.Query("search"),
		Repository: c.Query("repository"),
		SentStatus: models.SentStatus(strings.ToLower(strings.TrimSpace(c.Query("sentStatus")))),
		Limit:      params.Limit,
		Offset:     params.Offset,
	}

	var err error
	if filter.CollectedFrom, err = parseDateParam(c.Query("collectedFrom"), false); err != nil {
		respondError(c, &models.ValidationError{Field: "collectedFrom", Message: err.Error()})
		return
	}
	if filter.CollectedTo, err = parseDateParam(c.Query("collectedTo"), true); err != nil {
		respondError(c, &models.ValidationError{Field: "collectedTo", Message: err.Error()})
		return
	}

	emails, total, err := h.emailService.ListEmails(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	if emails == nil {
		emails = []*models.EmailRecord{}
	}

	c.JSON(http.StatusOK, gin.H{
		"emails":     emails,
		"pagination": params.Describe(total),
	})
}

// GetStats returns aggregate counts
func (h *EmailHandler) GetStats(c *gin.Context) {
	stats, err := h.emailService.GetStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// CreateEmail adds an address by hand
func (h *EmailHandler) CreateEmail(c *gin.Context) {
	var input services.NewEmailInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBadRequest(c, "Invalid request body")
		return
	}

	record, err := h.emailService.AddEmail(c.Request.Context(), input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

// DeleteEmail removes one address
func (h *EmailHandler) DeleteEmail(c *gin.Context) {
	if err := h.emailService.DeleteEmail(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Email deleted",
	})
}

type deleteEmailsRequest struct {
	IDs []string `json:"ids"`
}

// DeleteEmails removes several addresses at once
func (h *EmailHandler) DeleteEmails(c *gin.Context) {
	var req deleteEmailsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body")
		return
	}

	deleted, err := h.emailService.DeleteEmails(c.Request.Context(), req.IDs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("%d emails deleted", deleted),
		"deleted": deleted,
	})
}

// ExportEmails streams a spreadsheet of the (optionally filtered) addresses
func (h *EmailHandler) ExportEmails(c *gin.Context) {
	repository := strings.TrimSpace(c.Query("repository"))

	name := "emails"
	if repository != "" {
		name = "emails-" + strings.ReplaceAll(repository, "/", "-")
	}
	filename := fmt.Sprintf("%s-%s.xlsx", name, time.Now().UTC().Format(dateLayout))

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Status(http.StatusOK)

	count, err := h.emailService.ExportEmails(c.Request.Context(), repository, c.Writer)
	if err != nil {
		// headers are already out, so the body cannot carry an error response
		logger.WithError(err).WithField("repository", repository).Error("Failed to export emails")
		_ = c.Error(err)
		return
	}
	logger.WithField("repository", repository).Infof("Exported %d emails", count)
}

// parseDateParam accepts a date or an RFC3339 timestamp; a bare end date covers the whole day
func parseDateParam(raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q", raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
