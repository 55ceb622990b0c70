// internal/service/reconciliation.go
package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"compensation-engine/internal/clock"
	"compensation-engine/internal/models"
	"compensation-engine/internal/repository"
)

const (
	DiscrepancySummaryMismatch = "summary_mismatch"
	DiscrepancyMissingSummary  = "missing_summary"
	DiscrepancyRemovedLinked   = "removed_member_linked"
	DiscrepancySponsorCycle    = "sponsor_cycle"
	DiscrepancyBalanceMismatch = "balance_mismatch"
)

// ReconciliationService checks the ledger invariants without changing anything
type ReconciliationService struct {
	store  repository.Store
	clock  clock.Clock
	logger *zap.Logger
}

// NewReconciliationService creates a new reconciliation service
func NewReconciliationService(store repository.Store, clk clock.Clock, logger *zap.Logger) *ReconciliationService {
	return &ReconciliationService{
		store:  store,
		clock:  clk,
		logger: logger,
	}
}

// ReconcileMonth compares every summary of monthTag with its ledger sum and checks
// the network shape and commission balances. An empty tag means the current month.
func (s *ReconciliationService) ReconcileMonth(ctx context.Context, monthTag string) (*models.ReconciliationReport, error) {
	now := s.clock.Now()
	if monthTag == "" {
		monthTag = clock.MonthTag(now)
	}
	if _, err := clock.ParseMonthTag(monthTag, now.Location()); err != nil {
		return nil, &ValidationError{Field: "month", Message: "expected YYYY-MM"}
	}

	s.logger.Info("starting reconciliation", zap.String("month", monthTag))

	report := &models.ReconciliationReport{
		ID:            uuid.New().String(),
		MonthTag:      monthTag,
		IsBalanced:    true,
		Discrepancies: []models.Discrepancy{},
		CreatedAt:     now,
	}
	add := func(d models.Discrepancy) {
		d.DetectedAt = now
		report.Discrepancies = append(report.Discrepancies, d)
		report.IsBalanced = false
	}

	err := s.store.View(ctx, func(tx repository.Tx) error {
		members, err := tx.ListMembers(ctx)
		if err != nil {
			return fmt.Errorf("failed to list members: %w", err)
		}
		report.MembersChecked = len(members)

		summaries, err := tx.ListSummariesByMonth(ctx, monthTag)
		if err != nil {
			return fmt.Errorf("failed to list summaries: %w", err)
		}
		byMember := make(map[string]*models.MonthlySummary, len(summaries))
		for _, sm := range summaries {
			byMember[sm.MemberID] = sm
		}

		for _, m := range members {
			total, _, err := tx.SumCV(ctx, m.ID, monthTag)
			if err != nil {
				return fmt.Errorf("failed to sum ledger for %s: %w", m.ID, err)
			}
			sm, ok := byMember[m.ID]
			switch {
			case !ok && !total.IsZero():
				add(models.Discrepancy{
					MemberID:    m.ID,
					Type:        DiscrepancyMissingSummary,
					Description: fmt.Sprintf("ledger holds %s CV but there is no summary", total),
					Amount:      total,
				})
			case ok && !sm.TotalCV.Equal(total):
				add(models.Discrepancy{
					MemberID:    m.ID,
					Type:        DiscrepancySummaryMismatch,
					Description: fmt.Sprintf("summary=%s ledger=%s", sm.TotalCV, total),
					Amount:      sm.TotalCV.Sub(total),
				})
			}

			if err := s.checkBalance(ctx, tx, m.ID, add); err != nil {
				return err
			}
		}

		for _, d := range checkNetwork(members) {
			add(d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if report.IsBalanced {
		s.logger.Info("reconciliation complete - BALANCED",
			zap.String("month", monthTag),
			zap.Int("members", report.MembersChecked))
	} else {
		s.logger.Warn("reconciliation complete - UNBALANCED",
			zap.String("month", monthTag),
			zap.Int("discrepancies", len(report.Discrepancies)),
			zap.Error(ErrInvariantViolation))
	}
	return report, nil
}

// checkBalance verifies earned = ledger sum and earned - withdrawn = available + pending
func (s *ReconciliationService) checkBalance(ctx context.Context, tx repository.Tx, memberID string, add func(models.Discrepancy)) error {
	entries, err := tx.ListCommissions(ctx, memberID)
	if err != nil {
		return fmt.Errorf("failed to list commissions for %s: %w", memberID, err)
	}
	balance, err := tx.GetBalance(ctx, memberID)
	if err != nil {
		return err
	}
	earned := decimal.Zero
	for _, e := range entries {
		earned = earned.Add(e.Amount)
	}
	if !earned.Equal(balance.TotalEarned) {
		add(models.Discrepancy{
			MemberID:    memberID,
			Type:        DiscrepancyBalanceMismatch,
			Description: fmt.Sprintf("total_earned=%s commission ledger=%s", balance.TotalEarned, earned),
			Amount:      balance.TotalEarned.Sub(earned),
		})
	}
	held := balance.AvailableBalance.Add(balance.PendingBalance)
	net := balance.TotalEarned.Sub(balance.TotalWithdrawn)
	if !held.Equal(net) {
		add(models.Discrepancy{
			MemberID:    memberID,
			Type:        DiscrepancyBalanceMismatch,
			Description: fmt.Sprintf("available+pending=%s earned-withdrawn=%s", held, net),
			Amount:      held.Sub(net),
		})
	}
	return nil
}

// checkNetwork reports removed members still attached to the tree and sponsor cycles
func checkNetwork(members []*models.Member) []models.Discrepancy {
	var out []models.Discrepancy
	tree := NewTree(members)
	for _, m := range members {
		if !m.IsRemoved() {
			continue
		}
		if m.SponsorID != nil {
			out = append(out, models.Discrepancy{
				MemberID:    m.ID,
				Type:        DiscrepancyRemovedLinked,
				Description: fmt.Sprintf("removed member still points to sponsor %s", *m.SponsorID),
			})
		}
		if n := len(tree.Children(m.ID)); n > 0 {
			out = append(out, models.Discrepancy{
				MemberID:    m.ID,
				Type:        DiscrepancyRemovedLinked,
				Description: fmt.Sprintf("removed member still sponsors %d members", n),
			})
		}
	}
	_, unreachable := tree.Layers()
	for _, id := range unreachable {
		out = append(out, models.Discrepancy{
			MemberID:    id,
			Type:        DiscrepancySponsorCycle,
			Description: "member is on a sponsor cycle",
		})
	}
	return out
}
