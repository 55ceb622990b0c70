// internal/service/batch.go
package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"compensation-engine/internal/models"
	"compensation-engine/pkg/metrics"
)

// Outcome of one unit of a batch job
type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeActivated
	OutcomeDeactivated
	OutcomeRemoved
	OutcomeUpdated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeActivated:
		return "activated"
	case OutcomeDeactivated:
		return "deactivated"
	case OutcomeRemoved:
		return "removed"
	case OutcomeUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// batchRunner fans units out over a bounded pool and stops dispatching once the
// time budget is almost spent. Units already started always finish.
type batchRunner struct {
	job         string
	concurrency int
	deadline    time.Time
	margin      time.Duration
	now         func() time.Time
	logger      *zap.Logger

	mu      sync.Mutex
	summary models.BatchSummary
}

func newBatchRunner(job string, concurrency int, budget time.Duration, now func() time.Time, logger *zap.Logger) *batchRunner {
	if concurrency < 1 {
		concurrency = 1
	}
	margin := budget / 10
	if margin > 5*time.Second {
		margin = 5 * time.Second
	}
	start := now()
	return &batchRunner{
		job:         job,
		concurrency: concurrency,
		deadline:    start.Add(budget),
		margin:      margin,
		now:         now,
		logger:      logger,
		summary:     models.BatchSummary{Job: job, StartedAt: start},
	}
}

func (r *batchRunner) canDispatch(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	return r.now().Add(r.margin).Before(r.deadline)
}

func (r *batchRunner) record(o Outcome, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary.Processed++
	outcome := o.String()
	if err != nil {
		r.summary.Errors++
		outcome = "error"
	} else {
		switch o {
		case OutcomeActivated:
			r.summary.Activated++
		case OutcomeDeactivated:
			r.summary.Deactivated++
		case OutcomeRemoved:
			r.summary.Removed++
		case OutcomeUpdated:
			r.summary.LevelChanges++
		default:
			r.summary.Unchanged++
		}
	}
	metrics.BatchMembersTotal.WithLabelValues(r.job, outcome).Inc()
}

// Run calls fn once per id. Errors are counted and logged, never returned; ids that
// could not be dispatched before the deadline are counted as skipped.
func (r *batchRunner) Run(ctx context.Context, ids []string, fn func(ctx context.Context, id string) (Outcome, error)) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i, id := range ids {
		if !r.canDispatch(gctx) {
			r.mu.Lock()
			r.summary.Skipped += len(ids) - i
			r.summary.Partial = true
			r.mu.Unlock()
			break
		}
		id := id
		g.Go(func() error {
			o, err := fn(gctx, id)
			if err != nil {
				r.logger.Error("batch unit failed",
					zap.String("job", r.job),
					zap.String("member_id", id),
					zap.Error(err))
			}
			r.record(o, err)
			return nil
		})
	}
	_ = g.Wait()
}

// Summary closes the run and returns the counters
func (r *batchRunner) Summary() *models.BatchSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.summary
	s.FinishedAt = r.now()
	metrics.BatchDuration.WithLabelValues(r.job).Observe(s.FinishedAt.Sub(s.StartedAt).Seconds())
	return &s
}
