// internal/service/monthly_close.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"compensation-engine/internal/clock"
	"compensation-engine/internal/config"
	"compensation-engine/internal/models"
	"compensation-engine/internal/repository"
)

const (
	jobCloseMonth     = "close_month"
	jobCompression    = "compression"
	jobLevelRecompute = "level_recompute"
)

// JobService runs the scheduled batch jobs: month close and network compression
type JobService struct {
	store       repository.Store
	levels      *LevelEngine
	commissions *CommissionService
	cfg         config.EngineConfig
	clock       clock.Clock
	lock        JobLock
	notifier    Notifier
	logger      *zap.Logger
}

// NewJobService creates the service behind the monthly close and compression jobs
func NewJobService(
	store repository.Store,
	levels *LevelEngine,
	commissions *CommissionService,
	cfg config.EngineConfig,
	clk clock.Clock,
	lock JobLock,
	notifier Notifier,
	logger *zap.Logger,
) *JobService {
	if lock == nil {
		lock = NewLocalJobLock()
	}
	return &JobService{
		store:       store,
		levels:      levels,
		commissions: commissions,
		cfg:         cfg,
		clock:       clk,
		lock:        lock,
		notifier:    notifier,
		logger:      logger,
	}
}

// CloseMonth freezes prevTag for every member and opens newTag. Empty tags default to
// the previous and the current month. Running it again for the same month is harmless.
func (s *JobService) CloseMonth(ctx context.Context, prevTag, newTag string) (*models.BatchSummary, error) {
	now := s.clock.Now()
	if prevTag == "" {
		prevTag = clock.PreviousMonthTag(now)
	}
	if newTag == "" {
		newTag = clock.MonthTag(now)
	}
	for field, tag := range map[string]string{"prev_month": prevTag, "new_month": newTag} {
		if _, err := clock.ParseMonthTag(tag, now.Location()); err != nil {
			return nil, &ValidationError{Field: field, Message: "expected YYYY-MM"}
		}
	}
	if newTag <= prevTag {
		return nil, &ValidationError{Field: "new_month", Message: "must be after prev_month"}
	}

	release, err := s.lock.Acquire(ctx, jobCloseMonth+":"+prevTag, s.cfg.BatchTimeout+time.Minute)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
	defer cancel()

	ids, err := s.memberIDs(ctx)
	if err != nil {
		return nil, err
	}

	runner := newBatchRunner(jobCloseMonth, s.cfg.BatchConcurrency, s.cfg.BatchTimeout, s.clock.Now, s.logger)
	runner.Run(ctx, ids, func(ctx context.Context, id string) (Outcome, error) {
		return s.closeMember(ctx, id, prevTag, newTag)
	})
	summary := runner.Summary()

	if !summary.Partial {
		s.recomputeNetwork(ctx, summary, prevTag)
	}

	s.logger.Info("month closed",
		zap.String("prev_month", prevTag),
		zap.String("new_month", newTag),
		zap.Int("processed", summary.Processed),
		zap.Int("activated", summary.Activated),
		zap.Int("deactivated", summary.Deactivated),
		zap.Int("errors", summary.Errors),
		zap.Int("skipped", summary.Skipped),
		zap.Bool("partial", summary.Partial))
	return summary, nil
}

// closeMember is one member's unit of work. A summary that is already closed keeps its
// close timestamp and the member's status is left as the first run set it.
func (s *JobService) closeMember(ctx context.Context, id, prevTag, newTag string) (Outcome, error) {
	now := s.clock.Now()
	outcome := OutcomeUnchanged
	var change *MemberChange

	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		m, err := tx.LockMember(ctx, id)
		if err != nil {
			return notFound(err, "member", id)
		}
		if m.IsRemoved() {
			return nil
		}

		total, orders, err := tx.SumCV(ctx, id, prevTag)
		if err != nil {
			return fmt.Errorf("failed to sum ledger: %w", err)
		}
		existing, err := tx.GetMonthlySummary(ctx, id, prevTag)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		alreadyClosed := existing != nil && existing.IsClosed()

		qualified := total.GreaterThanOrEqual(s.cfg.ActivityThreshold)
		statusAtClose := models.MemberStatusInactive
		if qualified {
			statusAtClose = models.MemberStatusActive
		}
		closedAt := now
		if alreadyClosed {
			closedAt = *existing.ClosedAt
		}
		if err := tx.UpsertMonthlySummary(ctx, &models.MonthlySummary{
			MemberID:      id,
			MonthTag:      prevTag,
			TotalCV:       total,
			OrdersCount:   orders,
			StatusAtClose: &statusAtClose,
			ClosedAt:      &closedAt,
		}); err != nil {
			return fmt.Errorf("failed to upsert summary: %w", err)
		}

		running, _, err := tx.SumCV(ctx, id, newTag)
		if err != nil {
			return fmt.Errorf("failed to sum ledger: %w", err)
		}
		m.CurrentCVMonth = running
		m.CurrentCVMonthTag = newTag
		m.UpdatedAt = now

		if !alreadyClosed {
			// an activation earned in newTag before the close ran stands
			activeInNew := m.Status == models.MemberStatusActive &&
				(m.ActivatedMonthTag == newTag || running.GreaterThanOrEqual(s.cfg.ActivityThreshold))

			from := m.Status
			switch {
			case qualified && m.Status != models.MemberStatusActive:
				m.Status = models.MemberStatusActive
				m.ActivatedMonthTag = prevTag
				outcome = OutcomeActivated
			case qualified && m.ActivatedMonthTag == newTag:
				m.ActivatedMonthTag = prevTag
			case !qualified && m.Status == models.MemberStatusActive && !activeInNew:
				m.Status = models.MemberStatusInactive
				outcome = OutcomeDeactivated
			}
			if from != m.Status {
				change = &MemberChange{MemberID: id, Kind: ChangeStatus, From: string(from), To: string(m.Status), At: now}
			}

			if m.CounterMonthTag != prevTag {
				switch {
				case m.Status == models.MemberStatusInactive:
					m.InactiveMonthsCount++
				case qualified:
					m.InactiveMonthsCount = 0
				}
				m.CounterMonthTag = prevTag
			}

			if err := s.commissions.ReleasePending(ctx, tx, id); err != nil {
				return fmt.Errorf("failed to release pending commissions: %w", err)
			}
		}

		return tx.UpdateMember(ctx, m)
	})
	if err != nil {
		return OutcomeUnchanged, err
	}
	if change != nil {
		notifyAll(ctx, s.notifier, []MemberChange{*change})
	}
	return outcome, nil
}

// recomputeNetwork re-evaluates every level bottom-up against the closed month refMonth
// and folds the outcome into summary
func (s *JobService) recomputeNetwork(ctx context.Context, summary *models.BatchSummary, refMonth string) {
	now := s.clock.Now()
	var members []*models.Member
	cv := map[string]decimal.Decimal{}
	err := s.store.View(ctx, func(tx repository.Tx) error {
		var err error
		if members, err = tx.ListMembers(ctx); err != nil {
			return err
		}
		summaries, err := tx.ListSummariesByMonth(ctx, refMonth)
		if err != nil {
			return err
		}
		for _, sm := range summaries {
			cv[sm.MemberID] = sm.TotalCV
		}
		return nil
	})
	if err != nil {
		s.logger.Error("level recompute could not load the network", zap.Error(err))
		summary.Errors++
		return
	}

	tree := NewTree(members)
	decisions, unreachable := s.levels.PlanNetwork(tree, cv, refMonth, now, ModeFull)
	if len(unreachable) > 0 {
		s.logger.Error("members on a sponsor cycle were not evaluated",
			zap.Strings("member_ids", unreachable),
			zap.Error(ErrCycle))
		summary.Errors += len(unreachable)
	}

	byID := make(map[string]*levelDecision, len(decisions))
	ids := make([]string, 0, len(decisions))
	for _, d := range decisions {
		byID[d.member.ID] = d
		ids = append(ids, d.member.ID)
	}

	remaining := summary.StartedAt.Add(s.cfg.BatchTimeout).Sub(now)
	runner := newBatchRunner(jobLevelRecompute, s.cfg.BatchConcurrency, remaining, s.clock.Now, s.logger)
	runner.Run(ctx, ids, func(ctx context.Context, id string) (Outcome, error) {
		var change *MemberChange
		err := s.store.WithTx(ctx, func(tx repository.Tx) error {
			var err error
			change, err = s.levels.persist(ctx, tx, tree, byID[id])
			return err
		})
		if err != nil {
			return OutcomeUnchanged, err
		}
		if change != nil {
			notifyAll(ctx, s.notifier, []MemberChange{*change})
			return OutcomeUpdated, nil
		}
		return OutcomeUnchanged, nil
	})
	levels := runner.Summary()

	summary.LevelChanges += levels.LevelChanges
	summary.Errors += levels.Errors
	summary.Skipped += levels.Skipped
	summary.Partial = summary.Partial || levels.Partial
	summary.FinishedAt = levels.FinishedAt
}

func (s *JobService) memberIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.store.View(ctx, func(tx repository.Tx) error {
		members, err := tx.ListMembers(ctx)
		if err != nil {
			return err
		}
		for _, m := range members {
			if !m.IsRemoved() {
				ids = append(ids, m.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}
