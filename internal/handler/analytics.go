package handler

import (
	"net/http"
	"strconv"

	"backend/internal/repository"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type AnalyticsHandler interface {
	GetSummary(c *gin.Context)
	GetTrends(c *gin.Context)
}

type analyticsHandler struct {
	repo   repository.FeedbackRepository
	logger *zap.Logger
}

func NewAnalyticsHandler(repo repository.FeedbackRepository, logger *zap.Logger) AnalyticsHandler {
	return &analyticsHandler{repo: repo, logger: logger}
}

// GetSummary handles GET /api/analytics/summary
func (h *analyticsHandler) GetSummary(c *gin.Context) {
	summary, err := h.repo.GetAnalyticsSummary(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to build analytics summary", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve analytics"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetTrends handles GET /api/analytics/trends?days=N (default 30).
func (h *analyticsHandler) GetTrends(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days < 1 || days > 365 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid days"})
		return
	}

	trends, err := h.repo.GetAnalyticsTrends(c.Request.Context(), days)
	if err != nil {
		h.logger.Error("Failed to build analytics trends", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve analytics"})
		return
	}
	c.JSON(http.StatusOK, trends)
}
