package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultRetryAfter = 60 * time.Second

// Input is the feedback snapshot sent for analysis. DoctorName and
// VisitDate are optional; Rating 0 means not provided.
type Input struct {
	FeedbackText string
	Department   string
	DoctorName   string
	VisitDate    string
	Rating       int
}

// Result is the parsed outcome of one successful analysis call.
type Result struct {
	Sentiment       string
	ConfidenceScore float64
	Emotions        []string
	Urgency         string
	UrgencyReason   string
	UrgencyFlags    []string
	PrimaryCategory string
	Subcategories   []string
	MedicalConcerns json.RawMessage
	Insights        string
	KeyPoints       []string
}

// AttemptError classifies a failed analysis attempt. Retryable failures may
// be attempted again within the same job; fatal ones end the job's attempts
// immediately. RetryAfter carries the service's suggested wait when it
// signalled throttling.
type AttemptError struct {
	Reason     string
	Status     int
	Retryable  bool
	RetryAfter time.Duration
}

func (e *AttemptError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("gemini: %s (status %d)", e.Reason, e.Status)
	}
	return "gemini: " + e.Reason
}

// Client is a client for the Gemini generateContent API.
type Client struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new Gemini client. A zero timeout defaults to 30s.
func NewClient(baseURL, model, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		model:   model,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

type generateRequest struct {
	Contents       []content `json:"contents"`
	SafetySettings []any     `json:"safetySettings"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// urgencyPayload is the nested urgency object of the analysis contract.
type urgencyPayload struct {
	Level  string   `json:"level"`
	Reason string   `json:"reason"`
	Flags  []string `json:"flags"`
}

// analysisPayload is the JSON contract the model is asked to produce.
type analysisPayload struct {
	Sentiment       string          `json:"sentiment"`
	ConfidenceScore *float64        `json:"confidence_score"`
	Emotions        []string        `json:"emotions"`
	Urgency         urgencyPayload  `json:"urgency"`
	PrimaryCategory string          `json:"primary_category"`
	Subcategories   []string        `json:"subcategories"`
	MedicalConcerns json.RawMessage `json:"medical_concerns"`
	Insights        string          `json:"actionable_insights"`
	KeyPoints       []string        `json:"key_points"`
}

// Analyze performs a single analysis attempt against the Gemini API.
// Failures come back as *AttemptError so the retrier can tell retryable
// faults from fatal ones.
func (c *Client) Analyze(ctx context.Context, in Input) (*Result, error) {
	prompt := buildPrompt(in)

	reqBody, err := json.Marshal(generateRequest{
		Contents:       []content{{Parts: []part{{Text: prompt}}}},
		SafetySettings: []any{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	c.logger.Debug("Calling Gemini API", zap.String("model", c.model))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and transport faults are worth another attempt.
		return nil, &AttemptError{Reason: "request failed: " + transportReason(err), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyStatus(resp)
	}

	var envelope generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, &AttemptError{Reason: "malformed response", Retryable: false}
	}

	text := extractText(&envelope)
	if text == "" {
		return nil, &AttemptError{Reason: "empty response", Retryable: false}
	}

	var payload analysisPayload
	if err := json.Unmarshal([]byte(cleanJSONResponse(text)), &payload); err != nil {
		c.logger.Warn("Failed to parse Gemini analysis payload", zap.Error(err))
		return nil, &AttemptError{Reason: "malformed response", Retryable: false}
	}

	result := payloadToResult(&payload)
	c.logger.Info("Gemini analysis complete",
		zap.String("sentiment", result.Sentiment),
		zap.String("urgency", result.Urgency))
	return result, nil
}

func (c *Client) classifyStatus(resp *http.Response) *AttemptError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	c.logger.Error("Gemini HTTP error",
		zap.Int("status", resp.StatusCode),
		zap.ByteString("body", body))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &AttemptError{
			Reason:     "rate limit exceeded",
			Status:     resp.StatusCode,
			Retryable:  true,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return &AttemptError{Reason: "server error", Status: resp.StatusCode, Retryable: true}
	default:
		return &AttemptError{Reason: "request rejected", Status: resp.StatusCode, Retryable: false}
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return defaultRetryAfter
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return defaultRetryAfter
	}
	return time.Duration(seconds) * time.Second
}

func transportReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return err.Error()
}

func extractText(resp *generateResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	parts := resp.Candidates[0].Content.Parts
	if len(parts) == 0 {
		return ""
	}
	return parts[0].Text
}

// cleanJSONResponse strips markdown code fences and any prose the model
// wraps around the JSON payload.
func cleanJSONResponse(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		content = content[start : end+1]
	}
	return content
}

func payloadToResult(p *analysisPayload) *Result {
	result := &Result{
		Sentiment:       p.Sentiment,
		ConfidenceScore: 0.5,
		Emotions:        p.Emotions,
		Urgency:         p.Urgency.Level,
		UrgencyReason:   p.Urgency.Reason,
		UrgencyFlags:    p.Urgency.Flags,
		PrimaryCategory: p.PrimaryCategory,
		Subcategories:   p.Subcategories,
		MedicalConcerns: p.MedicalConcerns,
		Insights:        p.Insights,
		KeyPoints:       p.KeyPoints,
	}
	if result.Sentiment == "" {
		result.Sentiment = "neutral"
	}
	if p.ConfidenceScore != nil {
		result.ConfidenceScore = *p.ConfidenceScore
	}
	if result.Urgency == "" {
		result.Urgency = "low"
	}
	if result.Emotions == nil {
		result.Emotions = []string{}
	}
	if result.UrgencyFlags == nil {
		result.UrgencyFlags = []string{}
	}
	if result.Subcategories == nil {
		result.Subcategories = []string{}
	}
	if result.KeyPoints == nil {
		result.KeyPoints = []string{}
	}
	return result
}
