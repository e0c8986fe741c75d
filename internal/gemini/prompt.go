package gemini

import (
	"fmt"
	"strconv"
)

const notSpecified = "Not specified"

const promptTemplate = `You are analyzing patient feedback for a hospital quality team.

Feedback text: %s
Department: %s
Doctor: %s
Visit date: %s
Rating (1-5): %s

Respond with a single JSON object, no surrounding text, matching exactly:
{
  "sentiment": "positive|negative|neutral|mixed",
  "confidence_score": 0.0,
  "emotions": ["..."],
  "urgency": {
    "level": "low|medium|high|critical",
    "reason": "...",
    "flags": ["medical_complications", "severe_pain", "safety_concerns", "harassment"]
  },
  "primary_category": "...",
  "subcategories": ["..."],
  "medical_concerns": {"symptoms": [], "complications": [], "medication_issues": []},
  "actionable_insights": "...",
  "key_points": ["...", "..."]
}

Use "critical" urgency only for situations needing immediate attention such as
ongoing medical complications, safety concerns, or harassment. Keep key_points
to 2-3 short bullet points.`

func buildPrompt(in Input) string {
	doctor := in.DoctorName
	if doctor == "" {
		doctor = notSpecified
	}
	visitDate := in.VisitDate
	if visitDate == "" {
		visitDate = notSpecified
	}
	rating := notSpecified
	if in.Rating > 0 {
		rating = strconv.Itoa(in.Rating)
	}
	return fmt.Sprintf(promptTemplate, in.FeedbackText, in.Department, doctor, visitDate, rating)
}
