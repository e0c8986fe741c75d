package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"backend/internal/config"
	"backend/internal/models"
	"backend/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRepo struct {
	feedback map[int64]*models.Feedback
	analyses map[int64]*models.Analysis
	actions  map[int64][]models.Action
	items    []repository.FeedbackListItem
	nextID   int64

	resetCalls []int64
	listErr    error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		feedback: make(map[int64]*models.Feedback),
		analyses: make(map[int64]*models.Analysis),
		actions:  make(map[int64][]models.Action),
		nextID:   1,
	}
}

func (r *fakeRepo) CreateFeedback(ctx context.Context, f *models.Feedback) error {
	f.ID = r.nextID
	r.nextID++
	f.CreatedAt = time.Now().UTC()
	r.feedback[f.ID] = f
	return nil
}

func (r *fakeRepo) GetFeedbackByID(ctx context.Context, id int64) (*models.Feedback, error) {
	f, ok := r.feedback[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return f, nil
}

func (r *fakeRepo) ListFeedback(ctx context.Context, filter repository.FeedbackFilter) ([]repository.FeedbackListItem, int, error) {
	if r.listErr != nil {
		return nil, 0, r.listErr
	}
	return r.items, len(r.items), nil
}

func (r *fakeRepo) HasAnalysis(ctx context.Context, feedbackID int64) (bool, error) {
	_, ok := r.analyses[feedbackID]
	return ok, nil
}

func (r *fakeRepo) GetAnalysis(ctx context.Context, feedbackID int64) (*models.Analysis, error) {
	return r.analyses[feedbackID], nil
}

func (r *fakeRepo) SaveAnalysis(ctx context.Context, a *models.Analysis) error {
	r.analyses[a.FeedbackID] = a
	return nil
}

func (r *fakeRepo) SetStatus(ctx context.Context, feedbackID int64, status string) error {
	if f, ok := r.feedback[feedbackID]; ok {
		f.Status = status
	}
	return nil
}

func (r *fakeRepo) MarkAnalysisFailed(ctx context.Context, feedbackID int64) error {
	if f, ok := r.feedback[feedbackID]; ok {
		f.Status = models.StatusAnalysisFailed
	}
	return nil
}

func (r *fakeRepo) ResetForRetry(ctx context.Context, feedbackID int64) (bool, error) {
	r.resetCalls = append(r.resetCalls, feedbackID)
	f, ok := r.feedback[feedbackID]
	if !ok || f.Status != models.StatusAnalysisFailed {
		return false, nil
	}
	f.Status = models.StatusPendingAnalysis
	return true, nil
}

func (r *fakeRepo) CreateAction(ctx context.Context, action *models.Action) error {
	r.actions[action.FeedbackID] = append(r.actions[action.FeedbackID], *action)
	return nil
}

func (r *fakeRepo) GetActions(ctx context.Context, feedbackID int64) ([]models.Action, error) {
	return r.actions[feedbackID], nil
}

func (r *fakeRepo) GetAnalyticsSummary(ctx context.Context) (*repository.AnalyticsSummary, error) {
	return &repository.AnalyticsSummary{}, nil
}

func (r *fakeRepo) GetAnalyticsTrends(ctx context.Context, days int) (*repository.AnalyticsTrends, error) {
	return &repository.AnalyticsTrends{}, nil
}

type fakeDispatcher struct {
	dispatched []int64
}

func (d *fakeDispatcher) Dispatch(feedbackID int64) {
	d.dispatched = append(d.dispatched, feedbackID)
}

type fakeFeedbackNotifier struct {
	announced []int64
}

func (n *fakeFeedbackNotifier) NewFeedback(f *models.Feedback) {
	n.announced = append(n.announced, f.ID)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Analysis.MaxManualRetries = 5
	return cfg
}

func setupFeedbackHandler(t *testing.T) (*fakeRepo, *fakeDispatcher, *fakeFeedbackNotifier, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := newFakeRepo()
	dispatcher := &fakeDispatcher{}
	notifier := &fakeFeedbackNotifier{}
	h := NewFeedbackHandler(repo, dispatcher, notifier, testConfig(), zap.NewNop())

	router := gin.New()
	router.POST("/api/feedback", h.CreateFeedback)
	router.GET("/api/feedback/all", h.GetAllFeedback)
	router.GET("/api/feedback/urgent", h.GetUrgentFeedback)
	router.GET("/api/feedback/:id", h.GetFeedbackByID)
	router.POST("/api/feedback/:id/update", h.UpdateFeedback)
	router.POST("/api/feedback/:id/retry-analysis", h.RetryAnalysis)
	return repo, dispatcher, notifier, router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func validSubmission() map[string]any {
	return map[string]any{
		"visit_date":    "2026-08-20T00:00:00Z",
		"department":    "Cardiology",
		"feedback_text": "The doctor listened carefully and explained the treatment plan.",
		"rating":        4,
	}
}

func TestCreateFeedback_DispatchesAnalysis(t *testing.T) {
	repo, dispatcher, notifier, router := setupFeedbackHandler(t)

	rec := doJSON(t, router, http.MethodPost, "/api/feedback", validSubmission())
	require.Equal(t, http.StatusCreated, rec.Code)

	var created models.Feedback
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, models.StatusPendingAnalysis, created.Status)
	assert.Contains(t, repo.feedback, created.ID)
	assert.Equal(t, []int64{created.ID}, dispatcher.dispatched)
	assert.Equal(t, []int64{created.ID}, notifier.announced)
}

func TestCreateFeedback_RejectsInvalidRating(t *testing.T) {
	_, dispatcher, _, router := setupFeedbackHandler(t)

	body := validSubmission()
	body["rating"] = 6
	rec := doJSON(t, router, http.MethodPost, "/api/feedback", body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, dispatcher.dispatched)
}

func TestCreateFeedback_RejectsShortText(t *testing.T) {
	_, dispatcher, _, router := setupFeedbackHandler(t)

	body := validSubmission()
	body["feedback_text"] = "too short"
	rec := doJSON(t, router, http.MethodPost, "/api/feedback", body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, dispatcher.dispatched)
}

func TestGetFeedbackByID_NotFound(t *testing.T) {
	_, _, _, router := setupFeedbackHandler(t)

	rec := doJSON(t, router, http.MethodGet, "/api/feedback/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetFeedbackByID_IncludesAnalysisAndActions(t *testing.T) {
	repo, _, _, router := setupFeedbackHandler(t)
	repo.feedback[1] = &models.Feedback{ID: 1, Department: "Emergency", FeedbackText: "long wait", Rating: 2, Status: models.StatusReviewed}
	repo.analyses[1] = &models.Analysis{FeedbackID: 1, Sentiment: "negative", Urgency: models.UrgencyHigh}
	note := "escalated to triage lead"
	repo.actions[1] = []models.Action{{FeedbackID: 1, Status: models.StatusInProgress, StaffNote: &note}}

	rec := doJSON(t, router, http.MethodGet, "/api/feedback/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotNil(t, resp["analysis"])
	assert.Len(t, resp["actions"], 1)
}

func TestUpdateFeedback_RecordsAction(t *testing.T) {
	repo, _, _, router := setupFeedbackHandler(t)
	repo.feedback[1] = &models.Feedback{ID: 1, Status: models.StatusReviewed}

	rec := doJSON(t, router, http.MethodPost, "/api/feedback/1/update", map[string]any{
		"status":     "in_progress",
		"staff_note": "assigned to ward manager",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, models.StatusInProgress, repo.feedback[1].Status)
	require.Len(t, repo.actions[1], 1)
	assert.Equal(t, models.StatusInProgress, repo.actions[1][0].Status)
}

func TestUpdateFeedback_RejectsUnknownStatus(t *testing.T) {
	repo, _, _, router := setupFeedbackHandler(t)
	repo.feedback[1] = &models.Feedback{ID: 1, Status: models.StatusReviewed}

	rec := doJSON(t, router, http.MethodPost, "/api/feedback/1/update", map[string]any{
		"status": "pending_analysis",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryAnalysis_ResetsFailedRecord(t *testing.T) {
	repo, dispatcher, _, router := setupFeedbackHandler(t)
	repo.feedback[3] = &models.Feedback{ID: 3, Status: models.StatusAnalysisFailed, AnalysisAttempts: 2}

	rec := doJSON(t, router, http.MethodPost, "/api/feedback/3/retry-analysis", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []int64{3}, repo.resetCalls)
	assert.Equal(t, models.StatusPendingAnalysis, repo.feedback[3].Status)
	assert.Equal(t, []int64{3}, dispatcher.dispatched)
}

func TestRetryAnalysis_EnforcesRetryLimit(t *testing.T) {
	repo, dispatcher, _, router := setupFeedbackHandler(t)
	repo.feedback[4] = &models.Feedback{ID: 4, Status: models.StatusAnalysisFailed, AnalysisAttempts: 5}

	rec := doJSON(t, router, http.MethodPost, "/api/feedback/4/retry-analysis", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, dispatcher.dispatched)
	assert.Empty(t, repo.resetCalls)
}

func TestRetryAnalysis_NotFound(t *testing.T) {
	_, dispatcher, _, router := setupFeedbackHandler(t)

	rec := doJSON(t, router, http.MethodPost, "/api/feedback/77/retry-analysis", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, dispatcher.dispatched)
}

func TestGetAllFeedback_RejectsBadLimit(t *testing.T) {
	_, _, _, router := setupFeedbackHandler(t)

	rec := doJSON(t, router, http.MethodGet, "/api/feedback/all?limit=5000", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAllFeedback_CSVExport(t *testing.T) {
	repo, _, _, router := setupFeedbackHandler(t)
	sentiment := "positive"
	repo.items = []repository.FeedbackListItem{
		{
			Feedback: models.Feedback{
				ID:           1,
				Department:   "Cardiology",
				FeedbackText: "Great visit, thank you",
				Rating:       5,
				Status:       models.StatusReviewed,
				VisitDate:    time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
			},
			Sentiment: &sentiment,
		},
	}

	rec := doJSON(t, router, http.MethodGet, "/api/feedback/all?format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "feedback_export.csv")

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "id,patient_name,visit_date"))
	assert.Contains(t, lines[1], "Cardiology")
	assert.Contains(t, lines[1], "positive")
}

func TestGetUrgentFeedback_ReturnsCriticalOnly(t *testing.T) {
	repo, _, _, router := setupFeedbackHandler(t)
	urgency := models.UrgencyCritical
	repo.items = []repository.FeedbackListItem{
		{Feedback: models.Feedback{ID: 9, Department: "Emergency"}, Urgency: &urgency},
	}

	rec := doJSON(t, router, http.MethodGet, "/api/feedback/urgent", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Total           int                           `json:"total"`
		UrgentFeedbacks []repository.FeedbackListItem `json:"urgent_feedbacks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)
	require.Len(t, resp.UrgentFeedbacks, 1)
	assert.Equal(t, int64(9), resp.UrgentFeedbacks[0].ID)
}
