package models

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// Feedback lifecycle statuses. A record starts in pending_analysis; the
// analysis worker moves it to reviewed or analysis_failed. Staff move
// reviewed records further through in_progress and resolved.
const (
	StatusPendingAnalysis = "pending_analysis"
	StatusReviewed        = "reviewed"
	StatusInProgress      = "in_progress"
	StatusResolved        = "resolved"
	StatusAnalysisFailed  = "analysis_failed"
)

// Urgency levels, ordered low < medium < high < critical.
const (
	UrgencyLow      = "low"
	UrgencyMedium   = "medium"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"
)

// Feedback represents a row in the 'feedback' table.
type Feedback struct {
	ID               int64     `db:"id" json:"id"`
	PatientName      *string   `db:"patient_name" json:"patient_name,omitempty"`
	VisitDate        time.Time `db:"visit_date" json:"visit_date"`
	Department       string    `db:"department" json:"department"`
	DoctorName       *string   `db:"doctor_name" json:"doctor_name,omitempty"`
	FeedbackText     string    `db:"feedback_text" json:"feedback_text"`
	Rating           int       `db:"rating" json:"rating"`
	Status           string    `db:"status" json:"status"`
	AnalysisAttempts int       `db:"analysis_attempts" json:"analysis_attempts"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Analysis represents a row in the 'analysis' table. At most one analysis
// exists per feedback record, enforced by a unique constraint on feedback_id.
type Analysis struct {
	ID              int64           `db:"id" json:"id"`
	FeedbackID      int64           `db:"feedback_id" json:"feedback_id"`
	Sentiment       string          `db:"sentiment" json:"sentiment"`
	ConfidenceScore float64         `db:"confidence_score" json:"confidence_score"`
	Emotions        pq.StringArray  `db:"emotions" json:"emotions"`
	Urgency         string          `db:"urgency" json:"urgency"`
	UrgencyReason   *string         `db:"urgency_reason" json:"urgency_reason,omitempty"`
	UrgencyFlags    pq.StringArray  `db:"urgency_flags" json:"urgency_flags"`
	PrimaryCategory *string         `db:"primary_category" json:"primary_category,omitempty"`
	Subcategories   pq.StringArray  `db:"subcategories" json:"subcategories"`
	MedicalConcerns json.RawMessage `db:"medical_concerns" json:"medical_concerns,omitempty"`
	Insights        *string         `db:"actionable_insights" json:"actionable_insights,omitempty"`
	KeyPoints       pq.StringArray  `db:"key_points" json:"key_points"`
	AnalyzedAt      time.Time       `db:"analyzed_at" json:"analyzed_at"`
}

// Action represents a staff action taken on a feedback record.
type Action struct {
	ID                 int64     `db:"id" json:"id"`
	FeedbackID         int64     `db:"feedback_id" json:"feedback_id"`
	Status             string    `db:"status" json:"status"`
	StaffNote          *string   `db:"staff_note" json:"staff_note,omitempty"`
	AssignedDepartment *string   `db:"assigned_department" json:"assigned_department,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
}
