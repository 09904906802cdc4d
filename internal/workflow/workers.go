package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"narrator/internal/library"
	"narrator/internal/logging"
	"narrator/internal/pipeline"
	"narrator/internal/queue"
	"narrator/internal/services"
	"narrator/internal/services/download"
	"narrator/internal/services/synthesis"
)

func (m *Manager) runDownloadWorker(ctx context.Context, workerID string) {
	defer m.wg.Done()
	logger := m.logger.With(logging.String(logging.FieldWorker, workerID))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := m.queue.DequeueNext(ctx, queue.KindDownload, workerID)
		if err != nil {
			m.handleQueueError(ctx, logger, err)
			continue
		}
		if job == nil {
			if !m.waitOrShutdown(ctx, m.pollInterval) {
				return
			}
			continue
		}

		if err := m.processDownload(ctx, logger, workerID, job); err != nil && errors.Is(err, context.Canceled) {
			return
		}
	}
}

func (m *Manager) processDownload(ctx context.Context, logger *slog.Logger, workerID string, job *queue.Job) error {
	payload, err := job.DownloadPayload()
	if err != nil {
		return m.queue.Fail(ctx, job.ID, workerID, err)
	}
	logger.Info("download started",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String("title", payload.Title),
	)

	result, err := m.downloads.Fetch(ctx, download.Request{
		Title:     payload.Title,
		Author:    payload.Author,
		SourceURL: payload.SourceURL,
		Query:     payload.Query,
	})
	if err != nil {
		return m.finishFailedJob(ctx, logger, workerID, job, err)
	}

	// Cancellation check before persisting: a cancelled pipeline discards
	// the downloaded result instead of creating a book.
	if job.PipelineID != "" && m.machine.CancelRequested(ctx, job.PipelineID) {
		logger.Info("discarding download for cancelled pipeline",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.String(logging.FieldPipelineID, job.PipelineID),
		)
		return m.queue.Complete(ctx, job.ID, workerID)
	}

	title := firstNonEmpty(result.Title, payload.Title)
	author := firstNonEmpty(result.Author, payload.Author)
	book, created, err := m.library.CreateBook(ctx, title, author, result.Format, result.FilePath)
	if err != nil {
		return m.finishFailedJob(ctx, logger, workerID, job, err)
	}
	if !created {
		logger.Info("download resolved to existing book",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.Int64("book_id", book.ID),
		)
	}
	if job.PipelineID != "" {
		if _, err := m.machine.AttachBook(ctx, job.PipelineID, pipeline.CreatedBook{
			Title:  book.Title,
			Author: book.Author,
			Format: book.Format,
			BookID: book.ID,
		}); err != nil {
			logger.Warn("attach book to pipeline",
				logging.String(logging.FieldPipelineID, job.PipelineID),
				logging.Error(err),
			)
		}
	}

	if err := m.queue.Complete(ctx, job.ID, workerID); err != nil {
		return err
	}
	logger.Info("download completed",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.Int64("book_id", book.ID),
		logging.String("file_path", result.FilePath),
	)
	return nil
}

func (m *Manager) runSynthesisWorker(ctx context.Context, workerID string) {
	defer m.wg.Done()
	logger := m.logger.With(logging.String(logging.FieldWorker, workerID))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := m.queue.DequeueNext(ctx, queue.KindSynthesis, workerID)
		if err != nil {
			m.handleQueueError(ctx, logger, err)
			continue
		}
		if job == nil {
			if !m.waitOrShutdown(ctx, m.pollInterval) {
				return
			}
			continue
		}

		if err := m.processSynthesis(ctx, logger, workerID, job); err != nil && errors.Is(err, context.Canceled) {
			return
		}
	}
}

func (m *Manager) processSynthesis(ctx context.Context, logger *slog.Logger, workerID string, job *queue.Job) error {
	payload, err := job.SynthesisPayload()
	if err != nil {
		return m.queue.Fail(ctx, job.ID, workerID, err)
	}

	chapter, err := m.library.GetChapter(ctx, payload.ChapterID)
	if err != nil {
		return m.finishFailedJob(ctx, logger, workerID, job, err)
	}
	if chapter == nil {
		return m.queue.Fail(ctx, job.ID, workerID, fmt.Errorf("chapter %d not found", payload.ChapterID))
	}
	if chapter.Status == library.ChapterSynthesized {
		// Already narrated, likely by a reclaimed attempt.
		return m.queue.Complete(ctx, job.ID, workerID)
	}

	result, err := m.synthesis.Synthesize(ctx, synthesis.Request{
		Text:    chapter.Text,
		Book:    strconv.FormatInt(payload.BookID, 10),
		Chapter: strconv.Itoa(payload.ChapterNumber),
	})
	if err != nil {
		return m.finishSynthesisFailure(ctx, logger, workerID, job, payload.ChapterID, err)
	}

	// Cancellation check before persisting the audio path.
	if job.PipelineID != "" && m.machine.CancelRequested(ctx, job.PipelineID) {
		logger.Info("discarding synthesis for cancelled pipeline",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.String(logging.FieldPipelineID, job.PipelineID),
		)
		return m.queue.Complete(ctx, job.ID, workerID)
	}

	if err := m.library.UpdateChapterAudioPath(ctx, payload.ChapterID, result.AudioPath); err != nil {
		return m.finishFailedJob(ctx, logger, workerID, job, err)
	}
	if err := m.queue.Complete(ctx, job.ID, workerID); err != nil {
		return err
	}
	logger.Info("chapter synthesized",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.Int64("chapter_id", payload.ChapterID),
		logging.String("audio_path", result.AudioPath),
	)
	return nil
}

// finishFailedJob routes a work failure: deferrable failures hand the attempt
// back, everything else consumes one.
func (m *Manager) finishFailedJob(ctx context.Context, logger *slog.Logger, workerID string, job *queue.Job, cause error) error {
	if services.ShouldDefer(cause) {
		logger.Info("deferring job, dependency unavailable",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.Error(cause),
		)
		return m.queue.Release(ctx, job.ID, workerID, cause.Error())
	}
	logger.Warn("job attempt failed",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.Int("attempt", job.Attempts),
		logging.Error(cause),
	)
	return m.queue.Fail(ctx, job.ID, workerID, cause)
}

// finishSynthesisFailure additionally marks the chapter failed once the job
// has no attempts left, so the tts step can settle instead of re-enqueueing
// the chapter forever.
func (m *Manager) finishSynthesisFailure(ctx context.Context, logger *slog.Logger, workerID string, job *queue.Job, chapterID int64, cause error) error {
	if services.ShouldDefer(cause) {
		return m.finishFailedJob(ctx, logger, workerID, job, cause)
	}
	if job.Attempts >= job.MaxAttempts {
		if err := m.library.MarkChapterFailed(ctx, chapterID); err != nil {
			logger.Error("mark chapter failed",
				logging.Int64("chapter_id", chapterID),
				logging.Error(err),
			)
		}
	}
	return m.finishFailedJob(ctx, logger, workerID, job, cause)
}

func (m *Manager) handleQueueError(ctx context.Context, logger *slog.Logger, err error) {
	m.setLastError(err)
	logger.Error("failed to fetch next queue job",
		logging.Error(err),
		logging.String(logging.FieldEventType, "queue_fetch_failed"),
		logging.String(logging.FieldErrorHint, "check queue database access"),
	)
	m.waitOrShutdown(ctx, m.errorRetry)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
