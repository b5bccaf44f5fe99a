package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type NotFoundHandler struct{}

func NewNotFoundHandler() *NotFoundHandler {
	return &NotFoundHandler{}
}

// NotFound handles requests for routes that do not exist
func (h *NotFoundHandler) NotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"success": false,
		"message": "Route not found",
		"error":   "Route not found",
		"path":    c.Request.URL.Path,
	})
}
