// Package worker executes the scrape pipeline: claim, fetch, analyze, clean,
// persist, publish.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mstanton/webharvester/internal/clean"
	"github.com/mstanton/webharvester/internal/progress"
	"github.com/mstanton/webharvester/internal/queue"
	"github.com/mstanton/webharvester/internal/scraper"
)

// RecordStore is the slice of the job store a worker needs for results.
type RecordStore interface {
	PutRecord(ctx context.Context, rec scraper.Record) error
}

// Pacer throttles outbound fetches. delaySeconds carries the job's own
// politeness delay; implementations may tighten but never loosen per-domain
// limits because of it.
type Pacer interface {
	Wait(ctx context.Context, rawURL string, delaySeconds float64) error
}

// Config controls Worker behavior.
type Config struct {
	// PollInterval is the wait between claim attempts on an empty queue.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// HeartbeatInterval is how often the lease is renewed while processing.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// Topic is the completion-event topic; empty disables publishing.
	Topic string `mapstructure:"topic"`
	// BlobPrefix is prepended to raw-content object paths.
	BlobPrefix string `mapstructure:"blob_prefix"`
	// ContentType is the stored object content type.
	ContentType string `mapstructure:"content_type"`
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.ContentType == "" {
		c.ContentType = "text/html; charset=utf-8"
	}
}

// Worker claims jobs and runs them through the pipeline. Each worker owns its
// claims exclusively until the lease lapses.
type Worker struct {
	id        string
	queue     *queue.Queue
	records   RecordStore
	fetcher   scraper.PageFetcher
	analyzer  scraper.ContentAnalyzer
	cleaner   *clean.Cleaner
	blobs     scraper.BlobStore
	publisher scraper.Publisher
	clock     scraper.Clock
	ids       scraper.IDGenerator
	retry     *RetryPolicy
	breakers  *BreakerRegistry
	pacer     Pacer
	events    progress.Emitter
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	id string,
	q *queue.Queue,
	records RecordStore,
	fetcher scraper.PageFetcher,
	analyzer scraper.ContentAnalyzer,
	cleaner *clean.Cleaner,
	blobs scraper.BlobStore,
	publisher scraper.Publisher,
	clock scraper.Clock,
	ids scraper.IDGenerator,
	retry *RetryPolicy,
	breakers *BreakerRegistry,
	pacer Pacer,
	events progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Worker{
		id:        id,
		queue:     q,
		records:   records,
		fetcher:   fetcher,
		analyzer:  analyzer,
		cleaner:   cleaner,
		blobs:     blobs,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		retry:     retry,
		breakers:  breakers,
		pacer:     pacer,
		events:    events,
		cfg:       cfg,
		logger:    logger.With(zap.String("worker_id", id)),
	}
}

// ID returns the worker's claim identity.
func (w *Worker) ID() string { return w.id }

// Run blocks, claiming and processing jobs until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Claim(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, scraper.ErrNotFound) {
				w.logger.Error("claim failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		w.processJob(ctx, job)
	}
}

// processJob runs one claimed job to a terminal status (or back to pending
// for a retryable failure). A lost lease or a cancellation from the API side
// surfaces as a failed compare-and-set; the worker stops quietly.
func (w *Worker) processJob(ctx context.Context, job scraper.Job) {
	log := w.logger.With(zap.String("job_id", job.ID), zap.String("url", job.URL))
	log.Info("job started", zap.Int("attempt", job.RetryCount))

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.heartbeatLoop(jobCtx, cancel, job.ID)

	domain := jobDomain(job.URL)
	started := w.clock.Now()
	w.emit(progress.Event{
		JobID:   job.ID,
		Stage:   progress.StageJobStart,
		Site:    domain,
		URL:     job.URL,
		Attempt: job.RetryCount,
	})

	raw, attempts, err := w.fetchWithRetries(jobCtx, job, domain)
	attemptsUsed := job.RetryCount + attempts
	if err != nil {
		w.handleStageFailure(ctx, job, domain, attemptsUsed, "fetch", err, log)
		return
	}
	w.reportProgress(jobCtx, job.ID, 40)
	if jobCtx.Err() != nil {
		return
	}

	analysis, err := w.analyzer.Analyze(jobCtx, raw)
	if err != nil {
		w.handleStageFailure(ctx, job, domain, attemptsUsed, "content analysis", err, log)
		return
	}
	w.reportProgress(jobCtx, job.ID, 70)
	if jobCtx.Err() != nil {
		return
	}

	record, err := w.buildRecord(jobCtx, job, raw, analysis)
	if err != nil {
		w.failJob(ctx, job.ID, err.Error(), log)
		return
	}
	w.reportProgress(jobCtx, job.ID, 90)

	if err := w.records.PutRecord(jobCtx, record); err != nil {
		w.failJob(ctx, job.ID, fmt.Sprintf("persist record: %v", err), log)
		return
	}

	one := 1
	zero := 0
	done, err := w.queue.Complete(ctx, job.ID, w.id, queue.Progress{
		TotalPages:     &one,
		PagesCompleted: &one,
		PagesFailed:    &zero,
	})
	if err != nil {
		w.logLostJob(err, log)
		return
	}
	log.Info("job completed",
		zap.Float64("quality_score", record.QualityScore),
		zap.Bool("analysis_fallback", record.AIMetadata.Fallback),
	)
	w.emit(progress.Event{
		JobID:        job.ID,
		Stage:        progress.StageJobDone,
		Site:         domain,
		Dur:          w.clock.Now().Sub(started),
		QualityScore: record.QualityScore,
	})
	w.publishCompletion(ctx, done, record)
}

// fetchWithRetries runs the fetch attempt loop behind the domain breaker.
// The job's MaxRetries is the total attempt budget across every claim;
// job.RetryCount carries the attempts consumed by earlier claims. The second
// return value is the number of attempts this call consumed.
func (w *Worker) fetchWithRetries(ctx context.Context, job scraper.Job, domain string) (scraper.RawContent, int, error) {
	budget := attemptBudget(job)
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := w.breakers.Allow(domain); err != nil {
			return scraper.RawContent{}, attempt, err
		}
		if w.pacer != nil {
			if err := w.pacer.Wait(ctx, job.URL, job.Config.DelaySeconds); err != nil {
				return scraper.RawContent{}, attempt, err
			}
		}
		fetchStart := w.clock.Now()
		raw, err := w.fetcher.Fetch(ctx, job.URL, job.Config)
		if err == nil {
			w.breakers.Success(domain)
			w.emit(progress.Event{
				JobID:       job.ID,
				Stage:       progress.StageFetchDone,
				Site:        domain,
				URL:         job.URL,
				Bytes:       int64(len(raw.Body)),
				Attempt:     attempt + 1,
				StatusClass: progress.ClassifyStatus(raw.StatusCode),
				Dur:         w.clock.Now().Sub(fetchStart),
			})
			return raw, attempt + 1, nil
		}
		w.breakers.Failure(domain)
		w.emit(progress.Event{
			JobID:       job.ID,
			Stage:       progress.StageFetchDone,
			Site:        domain,
			URL:         job.URL,
			Attempt:     attempt + 1,
			StatusClass: progress.StatusOther,
			Dur:         w.clock.Now().Sub(fetchStart),
			Note:        err.Error(),
		})
		lastErr = err
		if job.RetryCount+attempt+1 >= budget || !w.retry.ShouldRetry(err, attempt+1) {
			return scraper.RawContent{}, attempt + 1, lastErr
		}
		backoff := w.retry.Backoff(attempt)
		w.logger.Warn("fetch attempt failed",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return scraper.RawContent{}, attempt + 1, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// handleStageFailure decides between requeue and terminal failure for a
// fetch or analysis error. attemptsUsed is the fetch attempts consumed so
// far across all claims; a requeue records it so a later claim resumes the
// same budget. Circuit-open failures requeue without consuming an attempt
// and wait out the breaker cooldown.
func (w *Worker) handleStageFailure(ctx context.Context, job scraper.Job, domain string, attemptsUsed int, stage string, err error, log *zap.Logger) {
	if ctx.Err() != nil {
		return
	}
	var open *scraper.CircuitOpenError
	circuitOpen := errors.As(err, &open)
	if circuitOpen {
		log.Warn("domain circuit open", zap.String("domain", domain), zap.Error(err))
	}
	if (circuitOpen || scraper.Retryable(err)) && attemptsUsed < attemptBudget(job) {
		if _, rerr := w.queue.Retry(ctx, job.ID, w.id, attemptsUsed); rerr != nil {
			w.logLostJob(rerr, log)
		} else {
			log.Info("job requeued",
				zap.String("stage", stage),
				zap.Int("attempts_used", attemptsUsed),
			)
			w.emit(progress.Event{
				JobID:   job.ID,
				Stage:   progress.StageJobRetry,
				Site:    domain,
				Attempt: attemptsUsed,
				Note:    err.Error(),
			})
		}
		return
	}
	w.failJob(ctx, job.ID, fmt.Sprintf("%s failed: %v", stage, err), log)
}

// attemptBudget is the job's total fetch attempt allowance.
func attemptBudget(job scraper.Job) int {
	if job.Config.MaxRetries < 1 {
		return 1
	}
	return job.Config.MaxRetries
}

// buildRecord analyzes, cleans, and stores the raw payload for one page.
func (w *Worker) buildRecord(ctx context.Context, job scraper.Job, raw scraper.RawContent, analysis scraper.Analysis) (scraper.Record, error) {
	id, err := w.ids.NewID()
	if err != nil {
		return scraper.Record{}, fmt.Errorf("generate record id: %w", err)
	}
	record := scraper.Record{
		ID:          id,
		JobID:       job.ID,
		URL:         raw.URL,
		Content:     analysis.Fields,
		ContentType: raw.ContentType,
		Confidence:  analysis.Confidence,
		AIMetadata:  analysis.Metadata,
		ExtractedAt: w.clock.Now(),
	}

	cleaned, metrics, err := w.cleaner.Clean(ctx, []scraper.Record{record})
	if err != nil {
		return scraper.Record{}, fmt.Errorf("clean record: %w", err)
	}
	if len(cleaned) == 1 {
		record = cleaned[0]
	}
	record.QualityScore = metrics.OverallScore
	processed := w.clock.Now()
	record.ProcessedAt = &processed

	if w.blobs != nil && len(raw.Body) > 0 {
		uri, err := w.blobs.PutObject(ctx, w.blobPath(job.ID, record.ID), w.cfg.ContentType, raw.Body)
		if err != nil {
			return scraper.Record{}, fmt.Errorf("store raw content: %w", err)
		}
		record.BlobURI = uri
	}
	return record, nil
}

// heartbeatLoop renews the lease until the job context ends. A rejected
// renewal means the lease was lost or the job was cancelled; the loop cancels
// the job context so in-flight stages stop at their next checkpoint.
func (w *Worker) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, jobID string) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.Heartbeat(ctx, jobID, w.id, nil); err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Warn("heartbeat rejected, abandoning job",
					zap.String("job_id", jobID),
					zap.Error(err),
				)
				cancel()
				return
			}
		}
	}
}

func (w *Worker) reportProgress(ctx context.Context, jobID string, percent float64) {
	if ctx.Err() != nil {
		return
	}
	if _, err := w.queue.Heartbeat(ctx, jobID, w.id, &queue.Progress{Percent: percent}); err != nil {
		w.logger.Debug("progress update rejected",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
}

func (w *Worker) failJob(ctx context.Context, jobID, reason string, log *zap.Logger) {
	if ctx.Err() != nil {
		return
	}
	if _, err := w.queue.Fail(ctx, jobID, w.id, reason); err != nil {
		w.logLostJob(err, log)
		return
	}
	log.Warn("job failed", zap.String("reason", reason))
	w.emit(progress.Event{
		JobID: jobID,
		Stage: progress.StageJobError,
		Note:  reason,
	})
}

// logLostJob classifies a rejected terminal update: cancellation and lease
// loss are expected outcomes, anything else is an error.
func (w *Worker) logLostJob(err error, log *zap.Logger) {
	var invalid *scraper.InvalidTransitionError
	switch {
	case errors.As(err, &invalid):
		log.Info("job was cancelled or finished elsewhere", zap.Error(err))
	case errors.Is(err, scraper.ErrAlreadyClaimed), errors.Is(err, scraper.ErrLeaseExpired):
		log.Warn("lease lost before final update", zap.Error(err))
	default:
		log.Error("final status update failed", zap.Error(err))
	}
}

func (w *Worker) publishCompletion(ctx context.Context, job scraper.Job, record scraper.Record) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	payload := map[string]any{
		"job_id":        job.ID,
		"url":           job.URL,
		"status":        job.Status,
		"record_id":     record.ID,
		"blob_uri":      record.BlobURI,
		"quality_score": record.QualityScore,
		"timestamp":     w.clock.Now().Format(time.RFC3339),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Warn("completion publish failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}

// emit forwards a lifecycle event when an emitter is configured. The hub
// never blocks, so emissions are safe on the hot path.
func (w *Worker) emit(evt progress.Event) {
	if w.events == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = w.clock.Now()
	}
	w.events.Emit(evt)
}

func (w *Worker) blobPath(jobID, recordID string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, recordID)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, recordID)
}

func jobDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
