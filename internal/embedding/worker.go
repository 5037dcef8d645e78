// Background worker for the embedding pipeline. Jobs are independent: each
// carries everything it needs, is retried with exponential backoff on its
// own schedule, and shares no mutable state with other jobs beyond the
// idempotent (source_id, content_hash) check inside the pipeline.
package embedding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lvasilev/loglens-backend/internal/domain"
	"github.com/lvasilev/loglens-backend/internal/repo"
)

// Job is one unit of deferred embedding work.
type Job struct {
	SourceType string
	SourceID   string
	OwnerID    string
	Text       string
}

// Enqueuer is the narrow surface services use to hand off embedding work.
type Enqueuer interface {
	Enqueue(job Job)
}

// Worker drains a bounded job queue with a fixed pool of goroutines and runs
// the reconciliation sweep on a ticker. Losing a job to a full queue or a
// crashed process is acceptable precisely because the sweep re-finds any
// source still missing its embedding.
type Worker struct {
	Pipeline *Pipeline

	// Workers is the goroutine pool size; <= 0 defaults to 2.
	Workers int
	// QueueSize bounds the job channel; <= 0 defaults to 256.
	QueueSize int
	// MaxRetries bounds per-job attempts; <= 0 defaults to 3.
	MaxRetries int
	// RetryBase is the first backoff delay, doubled per attempt.
	RetryBase time.Duration
	// ReconcileInterval schedules the sweep; <= 0 disables the ticker
	// (ReconcileOnce remains callable).
	ReconcileInterval time.Duration
	// ReconcileLag keeps the sweep from racing jobs still in the queue:
	// only sources older than this are considered missing.
	ReconcileLag time.Duration

	once sync.Once
	jobs chan Job
	wg   sync.WaitGroup
}

func (w *Worker) init() {
	w.once.Do(func() {
		size := w.QueueSize
		if size <= 0 {
			size = 256
		}
		w.jobs = make(chan Job, size)
	})
}

// Enqueue offers a job to the queue without blocking the request path. When
// the queue is full the job is dropped and left to the reconciliation sweep.
func (w *Worker) Enqueue(job Job) {
	w.init()
	select {
	case w.jobs <- job:
		jobsEnqueued.Inc()
		queueDepth.Set(float64(len(w.jobs)))
	default:
		jobsDropped.Inc()
		log.Warn().
			Str("source_type", job.SourceType).
			Str("source_id", job.SourceID).
			Msg("embed queue full; job left for reconciliation")
	}
}

// Run starts the worker pool and the reconciliation ticker, blocking until
// ctx is cancelled and all in-flight jobs have finished.
func (w *Worker) Run(ctx context.Context) {
	w.init()

	n := w.Workers
	if n <= 0 {
		n = 2
	}
	for i := 0; i < n; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-w.jobs:
					queueDepth.Set(float64(len(w.jobs)))
					w.process(ctx, job)
				}
			}
		}()
	}

	if w.ReconcileInterval > 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			ticker := time.NewTicker(w.ReconcileInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n, err := w.ReconcileOnce(ctx); err != nil {
						log.Warn().Err(err).Msg("embedding reconciliation sweep failed")
					} else if n > 0 {
						log.Info().Int("requeued", n).Msg("embedding reconciliation sweep")
					}
				}
			}
		}()
	}

	w.wg.Wait()
}

// process runs one job to completion or abandonment, with exponential
// backoff between attempts.
func (w *Worker) process(ctx context.Context, job Job) {
	maxRetries := w.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	base := w.RetryBase
	if base <= 0 {
		base = time.Second
	}

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			jobsRetried.Inc()
			select {
			case <-ctx.Done():
				return
			case <-time.After(base << (attempt - 1)):
			}
		}
		if _, err = w.Pipeline.EmbedAndStore(ctx, job.SourceType, job.SourceID, job.Text, job.OwnerID); err == nil {
			return
		}
	}

	jobsFailed.Inc()
	log.Error().Err(err).
		Str("source_type", job.SourceType).
		Str("source_id", job.SourceID).
		Msg("embedding job abandoned; reconciliation will retry")
}

// ReconcileOnce finds persisted messages and confirmed records lacking an
// embedding and re-enqueues them. Returns the number of jobs requeued.
func (w *Worker) ReconcileOnce(ctx context.Context) (int, error) {
	w.init()

	lag := w.ReconcileLag
	if lag <= 0 {
		lag = time.Minute
	}
	cutoff := time.Now().UTC().Add(-lag)
	const batch = 100

	msgs, err := repo.MessagesMissingEmbeddings(ctx, w.Pipeline.DB, cutoff, batch)
	if err != nil {
		return 0, err
	}
	recs, err := repo.RecordsMissingEmbeddings(ctx, w.Pipeline.DB, cutoff, batch)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, m := range msgs {
		owner, err := w.messageOwner(ctx, m)
		if err != nil {
			continue
		}
		w.Enqueue(Job{
			SourceType: domain.SourceConversationMessage,
			SourceID:   m.ID,
			OwnerID:    owner,
			Text:       m.Content,
		})
		requeued++
	}
	// A confirmed record embeds its rendered description, not the raw
	// JSON, so retrieval surfaces readable text.
	for _, r := range recs {
		w.Enqueue(Job{
			SourceType: domain.SourceDomainEvent,
			SourceID:   r.ID,
			OwnerID:    r.OwnerID,
			Text:       describeRecord(r),
		})
		requeued++
	}
	if requeued > 0 {
		jobsReconciled.Add(float64(requeued))
	}
	return requeued, nil
}

// messageOwner resolves the owner of a message via its conversation.
func (w *Worker) messageOwner(ctx context.Context, m domain.Message) (string, error) {
	var conv domain.Conversation
	err := w.Pipeline.DB.WithContext(ctx).
		Select("owner_id").
		Where("id = ?", m.ConversationID).
		First(&conv).Error
	if err != nil {
		return "", err
	}
	return conv.OwnerID, nil
}

// describeRecord renders a confirmed record as embeddable text.
func describeRecord(r domain.LogRecord) string {
	return fmt.Sprintf("%s record logged %s: %s", r.LogType, r.LoggedAt.Format("2006-01-02"), r.Fields)
}
