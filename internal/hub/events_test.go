package hub

import (
	"strings"
	"testing"

	"backend/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 100))
	assert.Equal(t, strings.Repeat("a", 100), truncate(strings.Repeat("a", 100), 100))

	long := strings.Repeat("b", 150)
	got := truncate(long, 100)
	assert.Equal(t, strings.Repeat("b", 100)+"...", got)

	// Rune-aware: multibyte text must not be cut mid-character.
	cyrillic := strings.Repeat("ж", 120)
	got = truncate(cyrillic, 100)
	assert.Equal(t, strings.Repeat("ж", 100)+"...", got)
}

func TestNewFeedbackEvent_BoundsPreview(t *testing.T) {
	f := &models.Feedback{
		ID:           1,
		Department:   "Cardiology",
		FeedbackText: strings.Repeat("x", 300),
		Rating:       3,
		Status:       models.StatusPendingAnalysis,
	}

	event := newFeedbackEvent(f)
	assert.Equal(t, EventNewFeedback, event.Event)
	preview := event.Data["preview"].(string)
	assert.Len(t, preview, feedbackPreviewLimit+3)
	assert.NotContains(t, event.Data, "feedback_text")
}

func TestAnalysisCompleteEvent_OmitsFeedbackBody(t *testing.T) {
	category := "Wait Time"
	a := &models.Analysis{
		Sentiment:       "negative",
		ConfidenceScore: 0.88,
		Urgency:         models.UrgencyHigh,
		PrimaryCategory: &category,
	}

	event := analysisCompleteEvent(42, a)
	assert.Equal(t, EventAnalysisComplete, event.Event)
	assert.Equal(t, int64(42), event.Data["feedback_id"])
	assert.Equal(t, "negative", event.Data["sentiment"])
	assert.NotContains(t, event.Data, "feedback_text")
	assert.NotContains(t, event.Data, "preview")
	assert.NotContains(t, event.Data, "feedback_preview")
}

func TestUrgentAlertEvent_TruncatesPreview(t *testing.T) {
	f := &models.Feedback{
		ID:           42,
		Department:   "Emergency",
		FeedbackText: strings.Repeat("y", 500),
	}
	a := &models.Analysis{Sentiment: "negative", Urgency: models.UrgencyCritical}

	event := urgentAlertEvent(f, a)
	assert.Equal(t, EventUrgentAlert, event.Event)
	preview := event.Data["feedback_preview"].(string)
	assert.Len(t, preview, urgentPreviewLimit+3)
	assert.Equal(t, models.UrgencyCritical, event.Data["urgency"])
}
