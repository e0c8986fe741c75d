package server

import (
	"net/http"

	"backend/internal/config"
	"backend/internal/handler"
	"backend/internal/hub"
	"backend/internal/middleware"
	"backend/internal/models"
	"backend/internal/repository"
	"backend/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

type Server struct {
	router     *gin.Engine
	db         *sqlx.DB
	cfg        *config.Config
	logger     *zap.Logger
	hub        *hub.Hub
	dispatcher handler.Dispatcher
}

func NewServer(db *sqlx.DB, cfg *config.Config, logger *zap.Logger, notificationHub *hub.Hub, dispatcher handler.Dispatcher) *Server {
	router := gin.Default()

	s := &Server{
		router:     router,
		db:         db,
		cfg:        cfg,
		logger:     logger,
		hub:        notificationHub,
		dispatcher: dispatcher,
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	feedbackRepo := repository.NewFeedbackRepository(s.db, s.logger)
	authRepo := repository.NewAuthRepository(s.db, s.logger)

	authService := service.NewAuthService(authRepo, s.logger)
	authHandler := handler.NewAuthHandler(authService, s.logger)
	feedbackHandler := handler.NewFeedbackHandler(feedbackRepo, s.dispatcher, s.hub, s.cfg, s.logger)
	analyticsHandler := handler.NewAnalyticsHandler(feedbackRepo, s.logger)

	// Ping route for health check
	s.router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})

	// Realtime staff updates; admission is checked before the upgrade.
	s.router.GET("/ws", s.hub.ServeWS)

	authGroup := s.router.Group("/api/auth")
	authGroup.POST("/register", middleware.OptionalAuth(s.logger), authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.GET("/me", middleware.AuthMiddleware(s.logger), authHandler.Me)

	// Public submission endpoint.
	s.router.POST("/api/feedback", feedbackHandler.CreateFeedback)

	staff := s.router.Group("/api")
	staff.Use(middleware.AuthMiddleware(s.logger), middleware.RequireRole(models.RoleAdmin, models.RoleStaff))
	{
		staff.GET("/feedback/all", feedbackHandler.GetAllFeedback)
		staff.GET("/feedback/urgent", feedbackHandler.GetUrgentFeedback)
		staff.GET("/feedback/:id", feedbackHandler.GetFeedbackByID)
		staff.POST("/feedback/:id/update", feedbackHandler.UpdateFeedback)
		staff.POST("/feedback/:id/retry-analysis", feedbackHandler.RetryAnalysis)
		staff.GET("/analytics/summary", analyticsHandler.GetSummary)
		staff.GET("/analytics/trends", analyticsHandler.GetTrends)
	}
}

func (s *Server) Run(addr string) {
	s.logger.Info("Server starting", zap.String("addr", addr))
	if err := s.router.Run(addr); err != nil {
		s.logger.Fatal("Server failed to start", zap.Error(err))
	}
}
