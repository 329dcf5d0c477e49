// Package grading runs LLM assessment of writing and speaking submissions
// on a bounded pool of background workers.
package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/ieltsprep/internal/model"
	"github.com/pavelanni/ieltsprep/internal/store"
)

// ErrQueueFull is returned by Enqueue when no buffer slot is free. The
// submission stays queued in the database and is picked up on the next
// restart sweep.
var ErrQueueFull = errors.New("grading queue is full")

// Grader produces feedback for a submission.
type Grader interface {
	Grade(ctx context.Context, sub model.Submission) (*model.Feedback, error)
}

// Notifier is told about submissions that finished grading.
type Notifier interface {
	Graded(ctx context.Context, sub model.Submission) error
}

// Config controls the worker pool.
type Config struct {
	Workers    int
	QueueSize  int
	Timeout    time.Duration
	MaxTries   int
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.MaxTries <= 0 {
		c.MaxTries = 3
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	return c
}

// Queue feeds submission IDs to grading workers.
type Queue struct {
	store    *store.Store
	grader   Grader
	notifier Notifier
	cfg      Config
	jobs     chan string
}

// New creates a Queue. notifier may be nil.
func New(st *store.Store, grader Grader, notifier Notifier, cfg Config) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		store:    st,
		grader:   grader,
		notifier: notifier,
		cfg:      cfg,
		jobs:     make(chan string, cfg.QueueSize),
	}
}

// Enqueue schedules a submission for grading without blocking.
func (q *Queue) Enqueue(id string) error {
	select {
	case q.jobs <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run re-enqueues submissions left over from a previous run and then
// processes jobs until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	ids, err := q.store.RequeueStale()
	if err != nil {
		return fmt.Errorf("requeue stale submissions: %w", err)
	}
	for i, id := range ids {
		if err := q.Enqueue(id); err != nil {
			slog.Warn("grading queue full on startup", "pending", len(ids)-i)
			break
		}
	}
	if len(ids) > 0 {
		slog.Info("resumed pending submissions", "count", len(ids))
	}

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < q.cfg.Workers; w++ {
		w := w
		g.Go(func() error {
			q.work(ctx, w)
			return nil
		})
	}
	slog.Info("grading workers started", "workers", q.cfg.Workers, "queue_size", q.cfg.QueueSize)
	return g.Wait()
}

func (q *Queue) work(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.jobs:
			q.process(ctx, worker, id)
		}
	}
}

func (q *Queue) process(ctx context.Context, worker int, id string) {
	claimed, err := q.store.ClaimSubmission(id)
	if err != nil {
		slog.Error("failed to claim submission", "id", id, "error", err)
		return
	}
	if !claimed {
		return
	}

	sub, err := q.store.GetSubmission(id)
	if err != nil || sub == nil {
		slog.Error("failed to load submission", "id", id, "error", err)
		if q.release(id) {
			time.AfterFunc(q.cfg.RetryDelay, func() {
				if err := q.Enqueue(id); err != nil {
					slog.Warn("retry not scheduled", "id", id, "error", err)
				}
			})
		}
		return
	}

	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	fb, err := q.grader.Grade(jobCtx, *sub)
	cancel()

	if err != nil {
		q.fail(ctx, sub, err)
		return
	}

	if err := q.store.CompleteSubmission(id, *fb); err != nil {
		slog.Error("failed to store feedback", "id", id, "error", err)
		return
	}
	slog.Info("graded submission", "id", id, "worker", worker, "skill", sub.Skill,
		"band", fb.OverallBand, "duration", time.Since(start))

	if q.notifier == nil {
		return
	}
	sub.Status = model.SubmissionDone
	sub.Feedback = fb
	if err := q.notifier.Graded(ctx, *sub); err != nil {
		slog.Warn("failed to send grading notification", "id", id, "error", err)
	}
}

func (q *Queue) fail(ctx context.Context, sub *model.Submission, gradeErr error) {
	// Shutdown interrupted the job; leave it for the restart sweep.
	if ctx.Err() != nil {
		q.release(sub.ID)
		return
	}

	retry := sub.Tries < q.cfg.MaxTries
	if err := q.store.FailSubmission(sub.ID, gradeErr.Error(), retry); err != nil {
		slog.Error("failed to record grading error", "id", sub.ID, "error", err)
		return
	}
	if !retry {
		slog.Error("grading failed", "id", sub.ID, "tries", sub.Tries, "error", gradeErr)
		return
	}

	slog.Warn("grading attempt failed, retrying", "id", sub.ID, "tries", sub.Tries, "error", gradeErr)
	delay := q.cfg.RetryDelay * time.Duration(sub.Tries)
	time.AfterFunc(delay, func() {
		if err := q.Enqueue(sub.ID); err != nil {
			slog.Warn("retry not scheduled", "id", sub.ID, "error", err)
		}
	})
}

// release hands a claimed submission back to the queue without counting
// the try against its budget.
func (q *Queue) release(id string) bool {
	if err := q.store.ReleaseSubmission(id); err != nil {
		slog.Error("failed to requeue submission", "id", id, "error", err)
		return false
	}
	return true
}
