package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"narrator/internal/library"
	"narrator/internal/logging"
	"narrator/internal/pipeline"
	"narrator/internal/queue"
	"narrator/internal/services"
	"narrator/internal/textproc"
)

// runDriver moves active pipeline jobs forward one step per poll. Download
// and synthesis work goes through the queue; parsing runs inline because it
// touches only local files.
func (m *Manager) runDriver(ctx context.Context) {
	defer m.wg.Done()
	logger := m.logger.With(logging.String(logging.FieldComponent, "pipeline-driver"))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobs, err := m.machine.ListJobs(ctx, true)
		if err != nil {
			m.setLastError(err)
			logger.Error("list pipeline jobs", logging.Error(err))
			if !m.waitOrShutdown(ctx, m.errorRetry) {
				return
			}
			continue
		}

		for _, job := range jobs {
			if ctx.Err() != nil {
				return
			}
			if err := m.stepJob(ctx, logger, job); err != nil {
				m.setLastError(err)
				logger.Error("pipeline step",
					logging.String(logging.FieldPipelineID, job.ID),
					logging.String(logging.FieldStep, string(job.CurrentStep)),
					logging.Error(err),
				)
			}
		}

		if !m.waitOrShutdown(ctx, m.pollInterval) {
			return
		}
	}
}

func (m *Manager) stepJob(ctx context.Context, logger *slog.Logger, job *pipeline.Job) error {
	switch job.CurrentStep {
	case pipeline.StepSearch:
		return m.stepSearch(ctx, logger, job)
	case pipeline.StepDownload:
		return m.stepDownload(ctx, logger, job)
	case pipeline.StepParse:
		return m.stepParse(ctx, logger, job)
	case pipeline.StepTTS:
		return m.stepTTS(ctx, logger, job)
	}
	return nil
}

// stepSearch settles the query into a concrete title and author. Jobs created
// with an explicit title skip the catalog lookup.
func (m *Manager) stepSearch(ctx context.Context, logger *slog.Logger, job *pipeline.Job) error {
	started, err := m.machine.StartStep(ctx, job.ID, pipeline.StepSearch)
	if err != nil {
		return m.deferOrFail(ctx, logger, job, err)
	}
	if started == nil {
		return nil
	}

	title, author := started.BookTitle, started.BookAuthor
	if strings.TrimSpace(title) == "" {
		match, err := m.downloads.Search(ctx, started.SearchQuery)
		if err != nil {
			return m.deferOrFail(ctx, logger, job, err)
		}
		title, author = match.Title, match.Author
	}

	_, err = m.machine.ResolveSearch(ctx, job.ID, title, author)
	return err
}

// stepDownload hands the fetch to the download queue and waits for the worker
// to attach the resulting book. An already-present book short-circuits the
// step entirely.
func (m *Manager) stepDownload(ctx context.Context, logger *slog.Logger, job *pipeline.Job) error {
	started, err := m.machine.StartStep(ctx, job.ID, pipeline.StepDownload)
	if err != nil {
		return m.deferOrFail(ctx, logger, job, err)
	}
	if started == nil {
		return nil
	}

	if len(started.CreatedBooks) > 0 {
		_, err := m.machine.Advance(ctx, job.ID, pipeline.StepDownload)
		return err
	}

	queued, err := m.queue.JobsByPipeline(ctx, job.ID)
	if err != nil {
		return err
	}
	var failed *queue.Job
	for _, qj := range queued {
		if qj.Kind != queue.KindDownload {
			continue
		}
		switch qj.Status {
		case queue.StatusWaiting, queue.StatusActive:
			return nil
		case queue.StatusFailed:
			failed = qj
		}
	}
	if failed != nil {
		return m.failPipeline(ctx, job.ID, fmt.Errorf("download failed: %s", failed.LastError))
	}

	res, err := m.queue.EnqueueDownload(ctx, m.library, queue.DownloadPayload{
		Title:  started.BookTitle,
		Author: started.BookAuthor,
		Query:  started.SearchQuery,
	}, 0, job.ID)
	if err != nil {
		return err
	}
	if res.Status == queue.EnqueueExists {
		book, err := m.library.GetBook(ctx, res.BookID)
		if err != nil {
			return err
		}
		if book != nil {
			if _, err := m.machine.AttachBook(ctx, job.ID, pipeline.CreatedBook{
				Title:  book.Title,
				Author: book.Author,
				Format: book.Format,
				BookID: book.ID,
			}); err != nil {
				return err
			}
		}
		_, err = m.machine.Advance(ctx, job.ID, pipeline.StepDownload)
		return err
	}

	logger.Info("download enqueued",
		logging.String(logging.FieldPipelineID, job.ID),
		logging.String("enqueue_status", string(res.Status)),
		logging.Int64(logging.FieldJobID, res.JobID),
	)
	return nil
}

// stepParse extracts and segments the downloaded book into chapters. A book
// that already has chapters keeps them, so a restarted step does not
// re-segment.
func (m *Manager) stepParse(ctx context.Context, logger *slog.Logger, job *pipeline.Job) error {
	started, err := m.machine.StartStep(ctx, job.ID, pipeline.StepParse)
	if err != nil {
		return m.deferOrFail(ctx, logger, job, err)
	}
	if started == nil {
		return nil
	}

	book, err := m.pipelineBook(ctx, started)
	if err != nil {
		return m.failPipeline(ctx, job.ID, err)
	}

	counts, err := m.library.ChapterCounts(ctx, book.ID)
	if err != nil {
		return err
	}
	if counts.Total == 0 {
		doc, err := textproc.Extract(book.SourcePath)
		if err != nil {
			return m.failPipeline(ctx, job.ID, err)
		}
		chapters := textproc.Segment(doc, textproc.Options{
			MinChapterWords:  m.cfg.Segmentation.MinChapterWords,
			MaxChapterWords:  m.cfg.Segmentation.MaxChapterWords,
			TargetChunkWords: m.cfg.Segmentation.TargetChunkWords,
		})
		if len(chapters) == 0 {
			return m.failPipeline(ctx, job.ID, fmt.Errorf("no narratable text in %s", book.SourcePath))
		}
		fresh := make([]library.NewChapter, 0, len(chapters))
		for _, chapter := range chapters {
			fresh = append(fresh, library.NewChapter{
				Number:    chapter.Number,
				Title:     chapter.Title,
				Text:      chapter.Text,
				WordCount: chapter.WordCount,
			})
		}
		if err := m.library.CreateChapters(ctx, book.ID, fresh); err != nil {
			return err
		}
		logger.Info("book segmented",
			logging.String(logging.FieldPipelineID, job.ID),
			logging.Int64("book_id", book.ID),
			logging.Int("chapters", len(fresh)),
		)
	}

	if err := m.library.UpdateBookStatus(ctx, book.ID, library.BookSegmented); err != nil {
		return err
	}
	_, err = m.machine.Advance(ctx, job.ID, pipeline.StepParse)
	return err
}

// stepTTS fans each pending chapter out to the synthesis queue, then settles
// the job once every chapter is either synthesized or failed.
func (m *Manager) stepTTS(ctx context.Context, logger *slog.Logger, job *pipeline.Job) error {
	started, err := m.machine.StartStep(ctx, job.ID, pipeline.StepTTS)
	if err != nil {
		return m.deferOrFail(ctx, logger, job, err)
	}
	if started == nil {
		return nil
	}

	book, err := m.pipelineBook(ctx, started)
	if err != nil {
		return m.failPipeline(ctx, job.ID, err)
	}

	chapters, err := m.library.ChaptersByBook(ctx, book.ID)
	if err != nil {
		return err
	}
	pending := 0
	for _, chapter := range chapters {
		if chapter.Status != library.ChapterPending {
			continue
		}
		pending++
		// Dedup keyed on chapter id, so repeated polls cannot double-enqueue.
		if _, err := m.queue.EnqueueSynthesis(ctx, queue.SynthesisPayload{
			BookID:        book.ID,
			ChapterID:     chapter.ID,
			ChapterNumber: chapter.Number,
		}, 0, job.ID); err != nil {
			return err
		}
	}
	if pending > 0 {
		return nil
	}

	counts, err := m.library.ChapterCounts(ctx, book.ID)
	if err != nil {
		return err
	}
	switch {
	case counts.Synthesized == 0:
		return m.failPipeline(ctx, job.ID, fmt.Errorf("all %d chapters failed synthesis", counts.Total))
	case counts.Failed == 0:
		if err := m.library.UpdateBookStatus(ctx, book.ID, library.BookAudioReady); err != nil {
			return err
		}
		_, err := m.machine.Advance(ctx, job.ID, pipeline.StepTTS)
		return err
	default:
		if err := m.library.UpdateBookStatus(ctx, book.ID, library.BookAudioPartial); err != nil {
			return err
		}
		detail := fmt.Sprintf("%d of %d chapters failed synthesis", counts.Failed, counts.Total)
		_, err := m.machine.AdvancePartial(ctx, job.ID, detail)
		return err
	}
}

// pipelineBook resolves the book the download step attached to the job.
func (m *Manager) pipelineBook(ctx context.Context, job *pipeline.Job) (*library.Book, error) {
	if len(job.CreatedBooks) == 0 {
		return nil, errors.New("download step finished without a book")
	}
	bookID := job.CreatedBooks[len(job.CreatedBooks)-1].BookID
	book, err := m.library.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if book == nil {
		return nil, fmt.Errorf("book %d not found", bookID)
	}
	return book, nil
}

// deferOrFail leaves the job untouched when its dependency is down and fails
// it on genuine errors. Step conflicts mean another actor moved the job
// first; the next poll picks up the new state.
func (m *Manager) deferOrFail(ctx context.Context, logger *slog.Logger, job *pipeline.Job, cause error) error {
	if services.ShouldDefer(cause) {
		logger.Info("pipeline step deferred",
			logging.String(logging.FieldPipelineID, job.ID),
			logging.String(logging.FieldStep, string(job.CurrentStep)),
			logging.Error(cause),
		)
		return nil
	}
	if errors.Is(cause, services.ErrValidation) || errors.Is(cause, pipeline.ErrStepConflict) {
		return nil
	}
	return m.failPipeline(ctx, job.ID, cause)
}

func (m *Manager) failPipeline(ctx context.Context, id string, cause error) error {
	_, err := m.machine.FailJob(ctx, id, cause)
	return err
}
