package handlers

import (
	"errors"
	"net/http"

	"github.com/alimgiray/repomailer/internal/models"
	"github.com/alimgiray/repomailer/pkg/logger"
	"github.com/gin-gonic/gin"
)

// errorBody is the JSON error shape; the web client reads "error", older callers "message"
func errorBody(message string) gin.H {
	return gin.H{
		"success": false,
		"message": message,
		"error":   message,
	}
}

// respondError maps service errors onto HTTP statuses
func respondError(c *gin.Context, err error) {
	var validationErr *models.ValidationError
	switch {
	case errors.As(err, &validationErr):
		body := errorBody(validationErr.Message)
		body["field"] = validationErr.Field
		c.JSON(http.StatusBadRequest, body)
	case errors.Is(err, models.ErrEmailNotFound), errors.Is(err, models.ErrRepositoryNotFound):
		c.JSON(http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, models.ErrDuplicateEmail):
		c.JSON(http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, models.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, errorBody(err.Error()))
	default:
		_ = c.Error(err)
		logger.WithError(err).WithField("path", c.Request.URL.Path).Error("Request failed")
		c.JSON(http.StatusInternalServerError, errorBody("Internal server error"))
	}
}

// respondBadRequest reports a body or query that could not be parsed
func respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, errorBody(message))
}
