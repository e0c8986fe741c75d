package worker

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"backend/internal/gemini"
	"backend/internal/models"
	"backend/internal/repository"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Store is the storage surface a single analysis job needs. Every operation
// is atomic on its own; the job never spans a transaction across two calls.
type Store interface {
	GetFeedbackByID(ctx context.Context, id int64) (*models.Feedback, error)
	HasAnalysis(ctx context.Context, feedbackID int64) (bool, error)
	SaveAnalysis(ctx context.Context, a *models.Analysis) error
	MarkAnalysisFailed(ctx context.Context, feedbackID int64) error
}

// StoreOpener hands each job its own storage handle. A job must never
// borrow the handle of the request that scheduled it, because that request
// has usually returned by the time the job runs. The release function is
// called on every exit path.
type StoreOpener func(ctx context.Context) (Store, func() error, error)

// Broadcaster pushes analysis events to subscribed staff clients. Delivery
// is best-effort; the worker does not wait for confirmation.
type Broadcaster interface {
	AnalysisComplete(feedbackID int64, analysis *models.Analysis)
	UrgentAlert(feedback *models.Feedback, analysis *models.Analysis)
}

// UrgentNotifier relays critical findings to an out-of-band alert channel.
type UrgentNotifier interface {
	NotifyUrgent(feedback *models.Feedback, analysis *models.Analysis) error
}

// Worker runs one complete analysis cycle per dispatched feedback record.
type Worker struct {
	openStore StoreOpener
	analyzer  gemini.Analyzer
	broadcast Broadcaster
	alerts    UrgentNotifier
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// New creates a Worker. alerts may be nil when the alert channel is disabled.
func New(openStore StoreOpener, analyzer gemini.Analyzer, broadcast Broadcaster, alerts UrgentNotifier, logger *zap.Logger) *Worker {
	return &Worker{
		openStore: openStore,
		analyzer:  analyzer,
		broadcast: broadcast,
		alerts:    alerts,
		logger:    logger,
	}
}

// Dispatch schedules an analysis job for the record and returns immediately.
// Nothing is surfaced to the caller: failures show up only as the record's
// status and in the logs.
func (w *Worker) Dispatch(feedbackID int64) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.Process(context.Background(), feedbackID)
	}()
}

// Wait blocks until all dispatched jobs have finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Process runs one analysis cycle end-to-end. It absorbs every failure: a
// background job must be invisible to the request that triggered it.
func (w *Worker) Process(ctx context.Context, feedbackID int64) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Analysis job panicked",
				zap.Int64("feedback_id", feedbackID), zap.Any("panic", r))
		}
	}()

	store, release, err := w.openStore(ctx)
	if err != nil {
		w.logger.Error("Failed to open job store", zap.Int64("feedback_id", feedbackID), zap.Error(err))
		return
	}
	defer func() {
		if err := release(); err != nil {
			w.logger.Warn("Failed to release job store", zap.Int64("feedback_id", feedbackID), zap.Error(err))
		}
	}()

	feedback, err := store.GetFeedbackByID(ctx, feedbackID)
	if errors.Is(err, sql.ErrNoRows) {
		w.logger.Warn("Feedback not found for analysis", zap.Int64("feedback_id", feedbackID))
		return
	}
	if err != nil {
		w.logger.Error("Failed to load feedback", zap.Int64("feedback_id", feedbackID), zap.Error(err))
		return
	}

	// Idempotency guard: a record that was already analyzed stays untouched
	// no matter how many times it is re-triggered.
	exists, err := store.HasAnalysis(ctx, feedbackID)
	if err != nil {
		w.logger.Error("Failed to check existing analysis", zap.Int64("feedback_id", feedbackID), zap.Error(err))
		return
	}
	if exists {
		w.logger.Debug("Feedback already analyzed, skipping", zap.Int64("feedback_id", feedbackID))
		return
	}

	w.logger.Info("Starting AI analysis", zap.Int64("feedback_id", feedbackID))
	result, err := w.analyzer.Analyze(ctx, analysisInput(feedback))
	if err != nil {
		w.logger.Error("Analysis failed", zap.Int64("feedback_id", feedbackID), zap.Error(err))
		if err := store.MarkAnalysisFailed(ctx, feedbackID); err != nil {
			w.logger.Error("Failed to mark analysis as failed", zap.Int64("feedback_id", feedbackID), zap.Error(err))
		}
		return
	}

	analysis := resultToAnalysis(feedbackID, result)
	if err := store.SaveAnalysis(ctx, analysis); err != nil {
		if errors.Is(err, repository.ErrDuplicateAnalysis) {
			// A concurrent job won the race; its result stands.
			w.logger.Info("Analysis already stored by a concurrent job", zap.Int64("feedback_id", feedbackID))
			return
		}
		w.logger.Error("Failed to save analysis", zap.Int64("feedback_id", feedbackID), zap.Error(err))
		if err := store.MarkAnalysisFailed(ctx, feedbackID); err != nil {
			w.logger.Error("Failed to mark analysis as failed", zap.Int64("feedback_id", feedbackID), zap.Error(err))
		}
		return
	}

	w.logger.Info("Analysis saved",
		zap.Int64("feedback_id", feedbackID),
		zap.String("sentiment", analysis.Sentiment),
		zap.String("urgency", analysis.Urgency))

	w.broadcast.AnalysisComplete(feedbackID, analysis)
	if analysis.Urgency == models.UrgencyCritical {
		w.broadcast.UrgentAlert(feedback, analysis)
		if w.alerts != nil {
			if err := w.alerts.NotifyUrgent(feedback, analysis); err != nil {
				w.logger.Error("Failed to relay urgent alert", zap.Int64("feedback_id", feedbackID), zap.Error(err))
			}
		}
	}
}

func analysisInput(f *models.Feedback) gemini.Input {
	in := gemini.Input{
		FeedbackText: f.FeedbackText,
		Department:   f.Department,
		VisitDate:    f.VisitDate.Format("2006-01-02"),
		Rating:       f.Rating,
	}
	if f.DoctorName != nil {
		in.DoctorName = *f.DoctorName
	}
	return in
}

func resultToAnalysis(feedbackID int64, r *gemini.Result) *models.Analysis {
	return &models.Analysis{
		FeedbackID:      feedbackID,
		Sentiment:       r.Sentiment,
		ConfidenceScore: r.ConfidenceScore,
		Emotions:        pq.StringArray(r.Emotions),
		Urgency:         r.Urgency,
		UrgencyReason:   optional(r.UrgencyReason),
		UrgencyFlags:    pq.StringArray(r.UrgencyFlags),
		PrimaryCategory: optional(r.PrimaryCategory),
		Subcategories:   pq.StringArray(r.Subcategories),
		MedicalConcerns: r.MedicalConcerns,
		Insights:        optional(r.Insights),
		KeyPoints:       pq.StringArray(r.KeyPoints),
		AnalyzedAt:      time.Now().UTC(),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
