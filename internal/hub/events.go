package hub

import (
	"backend/internal/models"
)

// Event kinds pushed to the staff audience.
const (
	EventConnected         = "connected"
	EventNewFeedback       = "new_feedback"
	EventAnalysisComplete  = "analysis_complete"
	EventUrgentAlert       = "urgent_alert"
	EventUpdatesEnabled    = "updates_enabled"
	EventStaffActionUpdate = "staff_action_update"
)

const (
	feedbackPreviewLimit = 100
	urgentPreviewLimit   = 200
)

// Event is the wire format pushed to subscribers.
type Event struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// truncate bounds free text before it leaves the process. The full feedback
// body is never broadcast.
func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}

func newFeedbackEvent(f *models.Feedback) Event {
	return Event{
		Event: EventNewFeedback,
		Data: map[string]any{
			"id":           f.ID,
			"patient_name": f.PatientName,
			"department":   f.Department,
			"rating":       f.Rating,
			"status":       f.Status,
			"created_at":   f.CreatedAt,
			"preview":      truncate(f.FeedbackText, feedbackPreviewLimit),
		},
	}
}

func analysisCompleteEvent(feedbackID int64, a *models.Analysis) Event {
	return Event{
		Event: EventAnalysisComplete,
		Data: map[string]any{
			"feedback_id":      feedbackID,
			"sentiment":        a.Sentiment,
			"urgency":          a.Urgency,
			"primary_category": a.PrimaryCategory,
			"confidence_score": a.ConfidenceScore,
		},
	}
}

func urgentAlertEvent(f *models.Feedback, a *models.Analysis) Event {
	return Event{
		Event: EventUrgentAlert,
		Data: map[string]any{
			"feedback_id":      f.ID,
			"patient_name":     f.PatientName,
			"department":       f.Department,
			"urgency":          a.Urgency,
			"urgency_reason":   a.UrgencyReason,
			"urgency_flags":    a.UrgencyFlags,
			"sentiment":        a.Sentiment,
			"primary_category": a.PrimaryCategory,
			"feedback_preview": truncate(f.FeedbackText, urgentPreviewLimit),
			"created_at":       f.CreatedAt,
		},
	}
}
