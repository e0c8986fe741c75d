package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"backend/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ErrDuplicateAnalysis is returned when an analysis already exists for the
// feedback record. The unique constraint on analysis.feedback_id is the
// final arbiter when two jobs race past the existence check.
var ErrDuplicateAnalysis = errors.New("analysis already exists for feedback")

// Querier is the subset of sqlx handles the feedback repository runs on.
// Both *sqlx.DB (the shared pool) and *sqlx.Conn (a job's dedicated
// connection) satisfy it.
type Querier interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error)
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// FeedbackFilter narrows List results. Zero values mean "no filter".
type FeedbackFilter struct {
	Department string
	Status     string
	Priority   string
	Sentiment  string
	Category   string
	StartDate  *time.Time
	EndDate    *time.Time
	Limit      int
	Offset     int
}

// FeedbackListItem is a feedback row joined with the analysis columns the
// list views need.
type FeedbackListItem struct {
	models.Feedback
	Urgency         *string `db:"urgency" json:"urgency"`
	Sentiment       *string `db:"sentiment" json:"sentiment"`
	PrimaryCategory *string `db:"primary_category" json:"primary_category"`
}

// DepartmentRating aggregates ratings per department.
type DepartmentRating struct {
	Department    string  `db:"department" json:"department"`
	AverageRating float64 `db:"average_rating" json:"average_rating"`
	FeedbackCount int     `db:"feedback_count" json:"feedback_count"`
}

// CategoryCount counts analyses per primary category.
type CategoryCount struct {
	Category string `db:"category" json:"category"`
	Count    int    `db:"count" json:"count"`
}

// DepartmentPerformance aggregates per-department trend figures.
type DepartmentPerformance struct {
	Department            string  `db:"department" json:"department"`
	AverageRating         float64 `db:"average_rating" json:"average_rating"`
	TotalFeedback         int     `db:"total_feedback" json:"total_feedback"`
	CriticalFeedbackCount int     `db:"critical_count" json:"critical_feedback_count"`
}

// AnalyticsSummary is the dashboard summary payload.
type AnalyticsSummary struct {
	TotalFeedback      int                `json:"total_feedback"`
	SentimentBreakdown map[string]int     `json:"sentiment_breakdown"`
	DepartmentRatings  []DepartmentRating `json:"department_ratings"`
	TopIssues          []CategoryCount    `json:"top_issues"`
}

// AnalyticsTrends is the daily trends payload.
type AnalyticsTrends struct {
	SentimentTrends       map[string]map[string]int `json:"sentiment_trends"`
	CategoryTrends        map[string]map[string]int `json:"category_trends"`
	DepartmentPerformance []DepartmentPerformance   `json:"department_performance"`
}

type FeedbackRepository interface {
	CreateFeedback(ctx context.Context, f *models.Feedback) error
	GetFeedbackByID(ctx context.Context, id int64) (*models.Feedback, error)
	ListFeedback(ctx context.Context, filter FeedbackFilter) ([]FeedbackListItem, int, error)
	HasAnalysis(ctx context.Context, feedbackID int64) (bool, error)
	GetAnalysis(ctx context.Context, feedbackID int64) (*models.Analysis, error)
	SaveAnalysis(ctx context.Context, a *models.Analysis) error
	SetStatus(ctx context.Context, feedbackID int64, status string) error
	MarkAnalysisFailed(ctx context.Context, feedbackID int64) error
	ResetForRetry(ctx context.Context, feedbackID int64) (bool, error)
	CreateAction(ctx context.Context, action *models.Action) error
	GetActions(ctx context.Context, feedbackID int64) ([]models.Action, error)
	GetAnalyticsSummary(ctx context.Context) (*AnalyticsSummary, error)
	GetAnalyticsTrends(ctx context.Context, days int) (*AnalyticsTrends, error)
}

type feedbackRepository struct {
	db     Querier
	logger *zap.Logger
}

func NewFeedbackRepository(db Querier, logger *zap.Logger) FeedbackRepository {
	return &feedbackRepository{db: db, logger: logger}
}

// OpenJobStore checks a dedicated connection out of the pool and returns a
// feedback repository bound to it, plus the release function. Analysis jobs
// use this so they never share the handle of the request that scheduled them.
func OpenJobStore(ctx context.Context, db *sqlx.DB, logger *zap.Logger) (FeedbackRepository, func() error, error) {
	conn, err := db.Connx(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to acquire job connection: %w", err)
	}
	return &feedbackRepository{db: conn, logger: logger}, conn.Close, nil
}

func (r *feedbackRepository) CreateFeedback(ctx context.Context, f *models.Feedback) error {
	query := `INSERT INTO feedback (patient_name, visit_date, department, doctor_name, feedback_text, rating, status)
	          VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, analysis_attempts, created_at, updated_at`
	if f.Status == "" {
		f.Status = models.StatusPendingAnalysis
	}
	return r.db.QueryRowxContext(ctx, query, f.PatientName, f.VisitDate, f.Department, f.DoctorName,
		f.FeedbackText, f.Rating, f.Status).Scan(&f.ID, &f.AnalysisAttempts, &f.CreatedAt, &f.UpdatedAt)
}

func (r *feedbackRepository) GetFeedbackByID(ctx context.Context, id int64) (*models.Feedback, error) {
	var f models.Feedback
	query := `SELECT id, patient_name, visit_date, department, doctor_name, feedback_text, rating, status, analysis_attempts, created_at, updated_at
	          FROM feedback WHERE id = $1`
	if err := r.db.GetContext(ctx, &f, query, id); err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *feedbackRepository) ListFeedback(ctx context.Context, filter FeedbackFilter) ([]FeedbackListItem, int, error) {
	conditions := make([]string, 0)
	args := make([]interface{}, 0)

	add := func(clause string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if filter.Department != "" {
		add("f.department = $%d", filter.Department)
	}
	if filter.Status != "" {
		add("f.status = $%d", filter.Status)
	}
	if filter.StartDate != nil {
		add("f.visit_date >= $%d", *filter.StartDate)
	}
	if filter.EndDate != nil {
		add("f.visit_date <= $%d", *filter.EndDate)
	}
	if filter.Priority != "" {
		add("a.urgency = $%d", filter.Priority)
	}
	if filter.Sentiment != "" {
		add("a.sentiment = $%d", filter.Sentiment)
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		conditions = append(conditions, fmt.Sprintf("(a.primary_category = $%d OR $%d = ANY(a.subcategories))", len(args), len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM feedback f LEFT JOIN analysis a ON a.feedback_id = f.id` + where
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count feedback: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT f.id, f.patient_name, f.visit_date, f.department, f.doctor_name, f.feedback_text,
	       f.rating, f.status, f.analysis_attempts, f.created_at, f.updated_at,
	       a.urgency, a.sentiment, a.primary_category
	FROM feedback f
	LEFT JOIN analysis a ON a.feedback_id = f.id%s
	ORDER BY f.created_at DESC
	LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	var items []FeedbackListItem
	if err := r.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list feedback: %w", err)
	}
	return items, total, nil
}

func (r *feedbackRepository) HasAnalysis(ctx context.Context, feedbackID int64) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM analysis WHERE feedback_id = $1)`
	if err := r.db.GetContext(ctx, &exists, query, feedbackID); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *feedbackRepository) GetAnalysis(ctx context.Context, feedbackID int64) (*models.Analysis, error) {
	var a models.Analysis
	query := `SELECT id, feedback_id, sentiment, confidence_score, emotions, urgency, urgency_reason, urgency_flags,
	       primary_category, subcategories, medical_concerns, actionable_insights, key_points, analyzed_at
	FROM analysis WHERE feedback_id = $1`
	err := r.db.GetContext(ctx, &a, query, feedbackID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SaveAnalysis inserts the analysis row and moves the record to reviewed in
// a single transaction. A unique violation on feedback_id means a
// concurrent job already stored a result; that is surfaced as
// ErrDuplicateAnalysis, never as a partial write.
func (r *feedbackRepository) SaveAnalysis(ctx context.Context, a *models.Analysis) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin analysis transaction: %w", err)
	}
	defer tx.Rollback()

	insert := `INSERT INTO analysis (feedback_id, sentiment, confidence_score, emotions, urgency, urgency_reason,
	       urgency_flags, primary_category, subcategories, medical_concerns, actionable_insights, key_points, analyzed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING id`
	err = tx.QueryRowxContext(ctx, insert, a.FeedbackID, a.Sentiment, a.ConfidenceScore, a.Emotions, a.Urgency,
		a.UrgencyReason, a.UrgencyFlags, a.PrimaryCategory, a.Subcategories, a.MedicalConcerns,
		a.Insights, a.KeyPoints, a.AnalyzedAt).Scan(&a.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAnalysis
		}
		return fmt.Errorf("failed to insert analysis: %w", err)
	}

	update := `UPDATE feedback SET status = $1, analysis_attempts = analysis_attempts + 1, updated_at = NOW() WHERE id = $2`
	if _, err := tx.ExecContext(ctx, update, models.StatusReviewed, a.FeedbackID); err != nil {
		return fmt.Errorf("failed to update feedback status: %w", err)
	}

	return tx.Commit()
}

func (r *feedbackRepository) SetStatus(ctx context.Context, feedbackID int64, status string) error {
	query := `UPDATE feedback SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, status, feedbackID)
	return err
}

// MarkAnalysisFailed moves the record to analysis_failed and counts the
// spent job cycle in one atomic update.
func (r *feedbackRepository) MarkAnalysisFailed(ctx context.Context, feedbackID int64) error {
	query := `UPDATE feedback SET status = $1, analysis_attempts = analysis_attempts + 1, updated_at = NOW() WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, models.StatusAnalysisFailed, feedbackID)
	return err
}

// ResetForRetry moves an analysis_failed record back to pending_analysis.
// Returns false when the record was not in analysis_failed; the status
// predicate keeps a manual retry from clobbering a concurrent success.
func (r *feedbackRepository) ResetForRetry(ctx context.Context, feedbackID int64) (bool, error) {
	query := `UPDATE feedback SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`
	res, err := r.db.ExecContext(ctx, query, models.StatusPendingAnalysis, feedbackID, models.StatusAnalysisFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *feedbackRepository) CreateAction(ctx context.Context, action *models.Action) error {
	query := `INSERT INTO actions (feedback_id, status, staff_note, assigned_department) VALUES ($1, $2, $3, $4) RETURNING id, created_at`
	return r.db.QueryRowxContext(ctx, query, action.FeedbackID, action.Status, action.StaffNote,
		action.AssignedDepartment).Scan(&action.ID, &action.CreatedAt)
}

func (r *feedbackRepository) GetActions(ctx context.Context, feedbackID int64) ([]models.Action, error) {
	var actions []models.Action
	query := `SELECT id, feedback_id, status, staff_note, assigned_department, created_at FROM actions WHERE feedback_id = $1 ORDER BY created_at`
	if err := r.db.SelectContext(ctx, &actions, query, feedbackID); err != nil {
		return nil, err
	}
	return actions, nil
}

func (r *feedbackRepository) GetAnalyticsSummary(ctx context.Context) (*AnalyticsSummary, error) {
	summary := &AnalyticsSummary{SentimentBreakdown: make(map[string]int)}

	if err := r.db.GetContext(ctx, &summary.TotalFeedback, `SELECT COUNT(*) FROM feedback`); err != nil {
		return nil, fmt.Errorf("failed to count feedback: %w", err)
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT sentiment, COUNT(*) FROM analysis GROUP BY sentiment`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sentiment breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sentiment string
		var count int
		if err := rows.Scan(&sentiment, &count); err != nil {
			return nil, err
		}
		summary.SentimentBreakdown[sentiment] = count
	}

	ratingQuery := `SELECT department, AVG(rating) AS average_rating, COUNT(*) AS feedback_count
	FROM feedback GROUP BY department`
	if err := r.db.SelectContext(ctx, &summary.DepartmentRatings, ratingQuery); err != nil {
		return nil, fmt.Errorf("failed to query department ratings: %w", err)
	}

	issueQuery := `SELECT primary_category AS category, COUNT(*) AS count
	FROM analysis WHERE primary_category IS NOT NULL
	GROUP BY primary_category ORDER BY count DESC LIMIT 10`
	if err := r.db.SelectContext(ctx, &summary.TopIssues, issueQuery); err != nil {
		return nil, fmt.Errorf("failed to query top issues: %w", err)
	}

	return summary, nil
}

func (r *feedbackRepository) GetAnalyticsTrends(ctx context.Context, days int) (*AnalyticsTrends, error) {
	trends := &AnalyticsTrends{
		SentimentTrends: make(map[string]map[string]int),
		CategoryTrends:  make(map[string]map[string]int),
	}
	since := time.Now().AddDate(0, 0, -days)

	sentimentQuery := `SELECT DATE(f.created_at)::text, a.sentiment, COUNT(*)
	FROM feedback f JOIN analysis a ON a.feedback_id = f.id
	WHERE f.created_at >= $1
	GROUP BY DATE(f.created_at), a.sentiment ORDER BY DATE(f.created_at)`
	rows, err := r.db.QueryxContext(ctx, sentimentQuery, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query sentiment trends: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var date, sentiment string
		var count int
		if err := rows.Scan(&date, &sentiment, &count); err != nil {
			return nil, err
		}
		if trends.SentimentTrends[date] == nil {
			trends.SentimentTrends[date] = make(map[string]int)
		}
		trends.SentimentTrends[date][sentiment] = count
	}

	categoryQuery := `SELECT DATE(f.created_at)::text, a.primary_category, COUNT(*)
	FROM feedback f JOIN analysis a ON a.feedback_id = f.id
	WHERE f.created_at >= $1 AND a.primary_category IS NOT NULL
	GROUP BY DATE(f.created_at), a.primary_category ORDER BY DATE(f.created_at)`
	catRows, err := r.db.QueryxContext(ctx, categoryQuery, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query category trends: %w", err)
	}
	defer catRows.Close()
	for catRows.Next() {
		var date, category string
		var count int
		if err := catRows.Scan(&date, &category, &count); err != nil {
			return nil, err
		}
		if trends.CategoryTrends[date] == nil {
			trends.CategoryTrends[date] = make(map[string]int)
		}
		trends.CategoryTrends[date][category] = count
	}

	deptQuery := `SELECT f.department, COALESCE(AVG(f.rating), 0) AS average_rating, COUNT(f.id) AS total_feedback,
	       COALESCE(SUM(CASE WHEN a.urgency = 'critical' THEN 1 ELSE 0 END), 0) AS critical_count
	FROM feedback f LEFT JOIN analysis a ON a.feedback_id = f.id
	WHERE f.created_at >= $1
	GROUP BY f.department`
	if err := r.db.SelectContext(ctx, &trends.DepartmentPerformance, deptQuery, since); err != nil {
		return nil, fmt.Errorf("failed to query department performance: %w", err)
	}

	return trends, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
