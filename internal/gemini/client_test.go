package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testInput() Input {
	return Input{
		FeedbackText: "The wait was far too long and nobody explained anything.",
		Department:   "Cardiology",
		DoctorName:   "Dr. House",
		VisitDate:    "2026-08-01",
		Rating:       2,
	}
}

// envelope wraps an analysis payload in the generateContent response shape.
func envelope(t *testing.T, text string) []byte {
	t.Helper()
	resp := map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"parts": []any{map[string]any{"text": text}},
				},
			},
		},
	}
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	return b
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewClient(server.URL, "gemini-2.5-flash", "test-key", 5*time.Second, zap.NewNop())
	return client, server
}

func TestAnalyze_Success(t *testing.T) {
	payload := `{
		"sentiment": "negative",
		"confidence_score": 0.92,
		"emotions": ["frustrated", "worried"],
		"urgency": {"level": "high", "reason": "long untreated wait", "flags": ["safety_concerns"]},
		"primary_category": "Wait Time",
		"subcategories": ["Staff Communication"],
		"actionable_insights": "Review triage staffing.",
		"key_points": ["long wait", "no communication"]
	}`

	var gotPath, gotKey string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		w.Write(envelope(t, payload))
	})

	result, err := client.Analyze(context.Background(), testInput())
	require.NoError(t, err)

	assert.Equal(t, "/models/gemini-2.5-flash:generateContent", gotPath)
	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "negative", result.Sentiment)
	assert.Equal(t, 0.92, result.ConfidenceScore)
	assert.Equal(t, []string{"frustrated", "worried"}, result.Emotions)
	assert.Equal(t, "high", result.Urgency)
	assert.Equal(t, "long untreated wait", result.UrgencyReason)
	assert.Equal(t, []string{"safety_concerns"}, result.UrgencyFlags)
	assert.Equal(t, "Wait Time", result.PrimaryCategory)
	assert.Equal(t, []string{"long wait", "no communication"}, result.KeyPoints)
}

func TestAnalyze_StripsCodeFences(t *testing.T) {
	fenced := "```json\n{\"sentiment\": \"positive\", \"confidence_score\": 0.8}\n```"
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(envelope(t, fenced))
	})

	result, err := client.Analyze(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, "positive", result.Sentiment)
	assert.Equal(t, 0.8, result.ConfidenceScore)
}

func TestAnalyze_DefaultsForMissingFields(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(envelope(t, `{"sentiment": ""}`))
	})

	result, err := client.Analyze(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, "neutral", result.Sentiment)
	assert.Equal(t, 0.5, result.ConfidenceScore)
	assert.Equal(t, "low", result.Urgency)
	assert.Empty(t, result.UrgencyReason)
	assert.Equal(t, []string{}, result.UrgencyFlags)
	assert.Equal(t, []string{}, result.Emotions)
	assert.Equal(t, []string{}, result.Subcategories)
	assert.Equal(t, []string{}, result.KeyPoints)
}

func TestAnalyze_PromptUsesPlaceholders(t *testing.T) {
	var prompt string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		prompt = req.Contents[0].Parts[0].Text
		w.Write(envelope(t, `{"sentiment": "neutral"}`))
	})

	in := Input{FeedbackText: "Everything was fine overall.", Department: "General"}
	_, err := client.Analyze(context.Background(), in)
	require.NoError(t, err)

	assert.Contains(t, prompt, "Everything was fine overall.")
	assert.Contains(t, prompt, "Doctor: Not specified")
	assert.Contains(t, prompt, "Visit date: Not specified")
	assert.Contains(t, prompt, "Rating (1-5): Not specified")
}

func TestAnalyze_RateLimitedWithHint(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Analyze(context.Background(), testInput())
	var attemptErr *AttemptError
	require.ErrorAs(t, err, &attemptErr)
	assert.True(t, attemptErr.Retryable)
	assert.Equal(t, http.StatusTooManyRequests, attemptErr.Status)
	assert.Equal(t, 5*time.Second, attemptErr.RetryAfter)
}

func TestAnalyze_RateLimitedWithoutHint(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Analyze(context.Background(), testInput())
	var attemptErr *AttemptError
	require.ErrorAs(t, err, &attemptErr)
	assert.True(t, attemptErr.Retryable)
	assert.Equal(t, defaultRetryAfter, attemptErr.RetryAfter)
}

func TestAnalyze_ServerErrorIsRetryable(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.Analyze(context.Background(), testInput())
	var attemptErr *AttemptError
	require.ErrorAs(t, err, &attemptErr)
	assert.True(t, attemptErr.Retryable)
	assert.Zero(t, attemptErr.RetryAfter)
}

func TestAnalyze_ClientErrorIsFatal(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := client.Analyze(context.Background(), testInput())
	var attemptErr *AttemptError
	require.ErrorAs(t, err, &attemptErr)
	assert.False(t, attemptErr.Retryable)
}

func TestAnalyze_EmptyResponseIsFatal(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": []}`))
	})

	_, err := client.Analyze(context.Background(), testInput())
	var attemptErr *AttemptError
	require.ErrorAs(t, err, &attemptErr)
	assert.False(t, attemptErr.Retryable)
	assert.Equal(t, "empty response", attemptErr.Reason)
}

func TestAnalyze_MalformedPayloadIsFatal(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(envelope(t, "sorry, I cannot help with that"))
	})

	_, err := client.Analyze(context.Background(), testInput())
	var attemptErr *AttemptError
	require.ErrorAs(t, err, &attemptErr)
	assert.False(t, attemptErr.Retryable)
	assert.Equal(t, "malformed response", attemptErr.Reason)
}

func TestAnalyze_TimeoutIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(server.Close)
	client := NewClient(server.URL, "gemini-2.5-flash", "test-key", 50*time.Millisecond, zap.NewNop())

	_, err := client.Analyze(context.Background(), testInput())
	var attemptErr *AttemptError
	require.ErrorAs(t, err, &attemptErr)
	assert.True(t, attemptErr.Retryable)
	assert.Contains(t, attemptErr.Reason, "timeout")
}

func TestAttemptError_Error(t *testing.T) {
	err := &AttemptError{Reason: "server error", Status: 502}
	assert.Contains(t, err.Error(), "server error")
	assert.Contains(t, err.Error(), "502")

	hintless := &AttemptError{Reason: "request failed: timeout"}
	assert.Equal(t, "gemini: request failed: timeout", hintless.Error())
}
