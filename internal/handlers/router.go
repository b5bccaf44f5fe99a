package handlers

import (
	"github.com/alimgiray/repomailer/internal/events"
	"github.com/alimgiray/repomailer/internal/middleware"
	"github.com/alimgiray/repomailer/internal/services"
	"github.com/alimgiray/repomailer/internal/workers"
	"github.com/gin-gonic/gin"
)

// Dependencies are the services the HTTP surface delegates to
type Dependencies struct {
	Collector     *services.CollectorService
	Dispatcher    *services.DispatcherService
	Emails        *services.EmailService
	GitHubClients *services.GitHubClientFactory
	Hub           *events.Hub
	WorkerManager *workers.WorkerManager
}

// SetupRouter builds the gin engine with every route registered
func SetupRouter(deps Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())

	githubHandler := NewGitHubHandler(deps.Collector, deps.GitHubClients)
	emailHandler := NewEmailHandler(deps.Emails)
	repositoryHandler := NewRepositoryHandler(deps.Emails)
	sendHandler := NewSendHandler(deps.Dispatcher)
	eventsHandler := NewEventsHandler(deps.Hub)
	runHandler := NewRunHandler(deps.WorkerManager)
	healthHandler := NewHealthHandler()
	notFoundHandler := NewNotFoundHandler()

	api := router.Group("/api")
	{
		gh := api.Group("/github")
		gh.POST("/collect", githubHandler.Collect)
		gh.GET("/rate-limit", githubHandler.RateLimit)

		emails := api.Group("/emails")
		emails.GET("", emailHandler.ListEmails)
		emails.POST("", emailHandler.CreateEmail)
		emails.DELETE("", emailHandler.DeleteEmails)
		emails.GET("/stats", emailHandler.GetStats)
		emails.GET("/export", emailHandler.ExportEmails)
		emails.DELETE("/:id", emailHandler.DeleteEmail)

		// owner/name contains a slash, hence the catch-all
		api.GET("/repositories/*name", repositoryHandler.GetRepository)
		api.DELETE("/repositories/*name", repositoryHandler.DeleteRepository)

		send := api.Group("/send")
		send.POST("/test", sendHandler.TestCredentials)
		send.POST("/test-connection", sendHandler.TestConnection)
		send.POST("/bulk", sendHandler.SendBulk)

		api.GET("/runs", runHandler.ListRuns)
		api.GET("/runs/:id", runHandler.GetRun)

		api.GET("/events", eventsHandler.Stream)
	}

	// Health check endpoint
	router.GET("/health", healthHandler.HealthCheck)
	router.NoRoute(notFoundHandler.NotFound)

	return router
}
