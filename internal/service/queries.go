// internal/service/queries.go
package service

import (
	"context"

	"compensation-engine/internal/clock"
	"compensation-engine/internal/models"
	"compensation-engine/internal/repository"
)

func (s *LedgerService) GetMemberState(ctx context.Context, memberID string) (*models.MemberState, error) {
	now := s.clock.Now()
	state := &models.MemberState{MonthTag: clock.MonthTag(now)}
	err := s.store.View(ctx, func(tx repository.Tx) error {
		m, err := tx.GetMember(ctx, memberID)
		if err != nil {
			return notFound(err, "member", memberID)
		}
		children, err := tx.ListChildren(ctx, memberID)
		if err != nil {
			return err
		}
		balance, err := tx.GetBalance(ctx, memberID)
		if err != nil {
			return err
		}
		state.Member = m
		state.CurrentMonthCV = CurrentMonthlyCV(m, now)
		state.DirectRecruits = len(children)
		state.Balance = balance
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// GetCVHistory lists ledger entries; an empty month returns every month
func (s *LedgerService) GetCVHistory(ctx context.Context, memberID, month string) ([]*models.CVLedgerEntry, error) {
	var entries []*models.CVLedgerEntry
	err := s.withMember(ctx, memberID, func(tx repository.Tx) error {
		var err error
		entries, err = tx.ListCVEntries(ctx, memberID, month)
		return err
	})
	return entries, err
}

func (s *LedgerService) GetMonthlySummaries(ctx context.Context, memberID string) ([]*models.MonthlySummary, error) {
	var summaries []*models.MonthlySummary
	err := s.withMember(ctx, memberID, func(tx repository.Tx) error {
		var err error
		summaries, err = tx.ListMonthlySummaries(ctx, memberID)
		return err
	})
	return summaries, err
}

// GetLevelProgress evaluates the requirement table against the current month
func (s *LedgerService) GetLevelProgress(ctx context.Context, memberID string) (*models.LevelProgress, error) {
	now := s.clock.Now()
	var progress *models.LevelProgress
	err := s.store.View(ctx, func(tx repository.Tx) error {
		members, err := tx.ListSubtree(ctx, memberID)
		if err != nil {
			return err
		}
		tree := NewTree(members)
		m, ok := tree.Member(memberID)
		if !ok {
			return &NotFoundError{Entity: "member", ID: memberID}
		}
		totals := tree.SubtreeTotals(runningCV(tree, members, now))
		progress = s.levels.Progress(tree, m, totals[memberID], clock.MonthTag(now), now)
		return nil
	})
	return progress, err
}

func (s *LedgerService) GetLevelHistory(ctx context.Context, memberID string) ([]*models.LevelHistoryEntry, error) {
	var history []*models.LevelHistoryEntry
	err := s.withMember(ctx, memberID, func(tx repository.Tx) error {
		var err error
		history, err = tx.ListLevelHistory(ctx, memberID)
		return err
	})
	return history, err
}

func (s *LedgerService) GetCommissionHistory(ctx context.Context, memberID string) ([]*models.CommissionLedgerEntry, error) {
	var entries []*models.CommissionLedgerEntry
	err := s.withMember(ctx, memberID, func(tx repository.Tx) error {
		var err error
		entries, err = tx.ListCommissions(ctx, memberID)
		return err
	})
	return entries, err
}

func (s *LedgerService) GetBalance(ctx context.Context, memberID string) (*models.CommissionBalance, error) {
	var balance *models.CommissionBalance
	err := s.withMember(ctx, memberID, func(tx repository.Tx) error {
		var err error
		balance, err = tx.GetBalance(ctx, memberID)
		return err
	})
	return balance, err
}

func (s *LedgerService) GetCompressionLog(ctx context.Context) ([]*models.CompressionLogEntry, error) {
	var entries []*models.CompressionLogEntry
	err := s.store.View(ctx, func(tx repository.Tx) error {
		var err error
		entries, err = tx.ListCompressionLog(ctx)
		return err
	})
	return entries, err
}

// withMember runs fn after checking that memberID exists
func (s *LedgerService) withMember(ctx context.Context, memberID string, fn func(tx repository.Tx) error) error {
	return s.store.View(ctx, func(tx repository.Tx) error {
		if _, err := tx.GetMember(ctx, memberID); err != nil {
			return notFound(err, "member", memberID)
		}
		return fn(tx)
	})
}
