package handler

import (
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"backend/internal/config"
	"backend/internal/models"
	"backend/internal/repository"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Dispatcher schedules background analysis jobs. The call returns
// immediately; outcomes surface only through the record's status.
type Dispatcher interface {
	Dispatch(feedbackID int64)
}

// FeedbackNotifier announces newly submitted records to staff subscribers.
type FeedbackNotifier interface {
	NewFeedback(f *models.Feedback)
}

type FeedbackHandler interface {
	CreateFeedback(c *gin.Context)
	GetAllFeedback(c *gin.Context)
	GetUrgentFeedback(c *gin.Context)
	GetFeedbackByID(c *gin.Context)
	UpdateFeedback(c *gin.Context)
	RetryAnalysis(c *gin.Context)
}

type feedbackHandler struct {
	repo       repository.FeedbackRepository
	dispatcher Dispatcher
	notifier   FeedbackNotifier
	cfg        *config.Config
	logger     *zap.Logger
}

func NewFeedbackHandler(repo repository.FeedbackRepository, dispatcher Dispatcher, notifier FeedbackNotifier, cfg *config.Config, logger *zap.Logger) FeedbackHandler {
	return &feedbackHandler{
		repo:       repo,
		dispatcher: dispatcher,
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger,
	}
}

type CreateFeedbackRequest struct {
	PatientName  *string   `json:"patient_name"`
	VisitDate    time.Time `json:"visit_date" binding:"required"`
	Department   string    `json:"department" binding:"required"`
	DoctorName   *string   `json:"doctor_name"`
	FeedbackText string    `json:"feedback_text" binding:"required,min=10"`
	Rating       int       `json:"rating" binding:"required,min=1,max=5"`
}

type UpdateFeedbackRequest struct {
	Status             string  `json:"status" binding:"required,oneof=reviewed in_progress resolved"`
	StaffNote          *string `json:"staff_note"`
	AssignedDepartment *string `json:"assigned_department"`
}

// CreateFeedback handles POST /api/feedback. Submission is public; the
// analysis job is dispatched after the record is committed.
func (h *feedbackHandler) CreateFeedback(c *gin.Context) {
	var req CreateFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	feedback := &models.Feedback{
		PatientName:  req.PatientName,
		VisitDate:    req.VisitDate,
		Department:   req.Department,
		DoctorName:   req.DoctorName,
		FeedbackText: req.FeedbackText,
		Rating:       req.Rating,
		Status:       models.StatusPendingAnalysis,
	}
	if err := h.repo.CreateFeedback(c.Request.Context(), feedback); err != nil {
		h.logger.Error("Failed to create feedback", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error creating feedback"})
		return
	}

	h.logger.Info("Feedback created",
		zap.Int64("feedback_id", feedback.ID),
		zap.String("department", feedback.Department))

	h.notifier.NewFeedback(feedback)
	h.dispatcher.Dispatch(feedback.ID)

	c.JSON(http.StatusCreated, feedback)
}

// GetAllFeedback handles GET /api/feedback/all with filters, pagination and
// an optional CSV projection (format=csv).
func (h *feedbackHandler) GetAllFeedback(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	items, total, err := h.repo.ListFeedback(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to fetch feedback", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error fetching feedback"})
		return
	}

	if c.DefaultQuery("format", "json") == "csv" {
		h.writeCSV(c, items)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":     total,
		"limit":     filter.Limit,
		"offset":    filter.Offset,
		"feedbacks": items,
	})
}

// GetUrgentFeedback handles GET /api/feedback/urgent.
func (h *feedbackHandler) GetUrgentFeedback(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	items, total, err := h.repo.ListFeedback(c.Request.Context(), repository.FeedbackFilter{
		Priority: models.UrgencyCritical,
		Limit:    limit,
	})
	if err != nil {
		h.logger.Error("Failed to fetch urgent feedback", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error fetching urgent feedback"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":            total,
		"urgent_feedbacks": items,
	})
}

// GetFeedbackByID handles GET /api/feedback/:id with the full analysis and
// action history.
func (h *feedbackHandler) GetFeedbackByID(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid feedback id"})
		return
	}

	ctx := c.Request.Context()
	feedback, err := h.repo.GetFeedbackByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Feedback not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get feedback", zap.Int64("feedback_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error fetching feedback"})
		return
	}

	analysis, err := h.repo.GetAnalysis(ctx, id)
	if err != nil {
		h.logger.Error("Failed to get analysis", zap.Int64("feedback_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error fetching feedback"})
		return
	}
	actions, err := h.repo.GetActions(ctx, id)
	if err != nil {
		h.logger.Error("Failed to get actions", zap.Int64("feedback_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error fetching feedback"})
		return
	}

	response := gin.H{
		"id":                feedback.ID,
		"patient_name":      feedback.PatientName,
		"visit_date":        feedback.VisitDate,
		"department":        feedback.Department,
		"doctor_name":       feedback.DoctorName,
		"feedback_text":     feedback.FeedbackText,
		"rating":            feedback.Rating,
		"status":            feedback.Status,
		"analysis_attempts": feedback.AnalysisAttempts,
		"created_at":        feedback.CreatedAt,
		"analysis":          analysis,
		"actions":           actions,
	}
	c.JSON(http.StatusOK, response)
}

// UpdateFeedback handles POST /api/feedback/:id/update. Each status change
// is recorded as a staff action.
func (h *feedbackHandler) UpdateFeedback(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid feedback id"})
		return
	}

	var req UpdateFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	feedback, err := h.repo.GetFeedbackByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Feedback not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get feedback", zap.Int64("feedback_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error updating feedback"})
		return
	}

	if err := h.repo.SetStatus(ctx, id, req.Status); err != nil {
		h.logger.Error("Failed to update status", zap.Int64("feedback_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error updating feedback"})
		return
	}
	action := &models.Action{
		FeedbackID:         id,
		Status:             req.Status,
		StaffNote:          req.StaffNote,
		AssignedDepartment: req.AssignedDepartment,
	}
	if err := h.repo.CreateAction(ctx, action); err != nil {
		h.logger.Error("Failed to record action", zap.Int64("feedback_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error updating feedback"})
		return
	}

	h.logger.Info("Feedback status updated",
		zap.Int64("feedback_id", id), zap.String("status", req.Status))

	feedback.Status = req.Status
	c.JSON(http.StatusOK, feedback)
}

// RetryAnalysis handles POST /api/feedback/:id/retry-analysis. Failed
// records re-enter pending_analysis; the number of manual retries is capped
// to bound external-service spend.
func (h *feedbackHandler) RetryAnalysis(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid feedback id"})
		return
	}

	ctx := c.Request.Context()
	feedback, err := h.repo.GetFeedbackByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Feedback not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get feedback", zap.Int64("feedback_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error retrying analysis"})
		return
	}

	if feedback.AnalysisAttempts >= h.cfg.Analysis.MaxManualRetries {
		c.JSON(http.StatusConflict, gin.H{"error": "Analysis retry limit reached"})
		return
	}

	if feedback.Status == models.StatusAnalysisFailed {
		if _, err := h.repo.ResetForRetry(ctx, id); err != nil {
			h.logger.Error("Failed to reset feedback for retry", zap.Int64("feedback_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Error retrying analysis"})
			return
		}
	}

	h.dispatcher.Dispatch(id)
	c.JSON(http.StatusOK, gin.H{"message": "Analysis retry initiated", "feedback_id": id})
}

func parseFilter(c *gin.Context) (repository.FeedbackFilter, error) {
	filter := repository.FeedbackFilter{
		Department: c.Query("department"),
		Status:     c.Query("status"),
		Priority:   c.Query("priority"),
		Sentiment:  c.Query("sentiment"),
		Category:   c.Query("category"),
	}

	var err error
	filter.Limit, err = strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || filter.Limit < 1 || filter.Limit > 1000 {
		return filter, fmt.Errorf("invalid limit")
	}
	filter.Offset, err = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || filter.Offset < 0 {
		return filter, fmt.Errorf("invalid offset")
	}

	if v := c.Query("start_date"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return filter, fmt.Errorf("invalid start_date")
		}
		filter.StartDate = &t
	}
	if v := c.Query("end_date"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return filter, fmt.Errorf("invalid end_date")
		}
		filter.EndDate = &t
	}
	return filter, nil
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

var csvHeader = []string{
	"id", "patient_name", "visit_date", "department", "doctor_name",
	"feedback_text", "rating", "status", "sentiment", "urgency",
	"primary_category", "created_at",
}

func (h *feedbackHandler) writeCSV(c *gin.Context, items []repository.FeedbackListItem) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=feedback_export.csv")

	w := csv.NewWriter(c.Writer)
	if err := w.Write(csvHeader); err != nil {
		h.logger.Error("Failed to write CSV header", zap.Error(err))
		return
	}
	for _, item := range items {
		row := []string{
			strconv.FormatInt(item.ID, 10),
			deref(item.PatientName),
			item.VisitDate.Format(time.RFC3339),
			item.Department,
			deref(item.DoctorName),
			item.FeedbackText,
			strconv.Itoa(item.Rating),
			item.Status,
			deref(item.Sentiment),
			deref(item.Urgency),
			deref(item.PrimaryCategory),
			item.CreatedAt.Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			h.logger.Error("Failed to write CSV row", zap.Int64("feedback_id", item.ID), zap.Error(err))
			return
		}
	}
	w.Flush()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
