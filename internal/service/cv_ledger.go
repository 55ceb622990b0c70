// internal/service/cv_ledger.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"compensation-engine/internal/clock"
	"compensation-engine/internal/config"
	"compensation-engine/internal/models"
	"compensation-engine/internal/repository"
	"compensation-engine/pkg/metrics"
)

// LedgerService owns the CV ledger and the event-driven status and level updates
type LedgerService struct {
	store       repository.Store
	levels      *LevelEngine
	commissions *CommissionService
	cfg         config.EngineConfig
	clock       clock.Clock
	idempotency IdempotencyCache
	notifier    Notifier
	logger      *zap.Logger
}

// NewLedgerService wires the CV ledger. idempotency and notifier may be nil.
func NewLedgerService(
	store repository.Store,
	levels *LevelEngine,
	commissions *CommissionService,
	cfg config.EngineConfig,
	clk clock.Clock,
	idempotency IdempotencyCache,
	notifier Notifier,
	logger *zap.Logger,
) *LedgerService {
	return &LedgerService{
		store:       store,
		levels:      levels,
		commissions: commissions,
		cfg:         cfg,
		clock:       clk,
		idempotency: idempotency,
		notifier:    notifier,
		logger:      logger,
	}
}

// CurrentMonthlyCV is the running counter when it belongs to the month of now, zero otherwise
func CurrentMonthlyCV(m *models.Member, now time.Time) decimal.Decimal {
	if m.CurrentCVMonthTag != clock.MonthTag(now) {
		return decimal.Zero
	}
	return m.CurrentCVMonth
}

// runningCV collects every member's current-month counter for intra-month level checks
func runningCV(tree *Tree, members []*models.Member, now time.Time) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(members))
	for _, m := range members {
		if current, ok := tree.Member(m.ID); ok {
			out[m.ID] = CurrentMonthlyCV(current, now)
		}
	}
	return out
}

// applyRunning adds delta to the running counter of the current month, rolling it over
// lazily, and moves the status across the activity threshold. Regression is only allowed
// for a reversal or negative adjustment of a member activated in this very month.
func (s *LedgerService) applyRunning(m *models.Member, delta decimal.Decimal, regress bool, now time.Time) *MemberChange {
	tag := clock.MonthTag(now)
	if m.CurrentCVMonthTag != tag {
		m.CurrentCVMonth = decimal.Zero
		m.CurrentCVMonthTag = tag
	}
	m.CurrentCVMonth = m.CurrentCVMonth.Add(delta)
	m.UpdatedAt = now

	from := m.Status
	switch {
	case m.CurrentCVMonth.GreaterThanOrEqual(s.cfg.ActivityThreshold) &&
		(m.Status == models.MemberStatusPending || m.Status == models.MemberStatusInactive):
		m.Status = models.MemberStatusActive
		m.ActivatedMonthTag = tag
	case regress && m.CurrentCVMonth.LessThan(s.cfg.ActivityThreshold) &&
		m.Status == models.MemberStatusActive && m.ActivatedMonthTag == tag:
		m.Status = models.MemberStatusPending
		m.ActivatedMonthTag = ""
	}
	if from == m.Status {
		return nil
	}
	return &MemberChange{MemberID: m.ID, Kind: ChangeStatus, From: string(from), To: string(m.Status), At: now}
}

// RegisterMember adds a pending member under sponsorID
func (s *LedgerService) RegisterMember(ctx context.Context, req models.RegisterMemberRequest) (*models.Member, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if req.SponsorID == req.ID {
		return nil, fmt.Errorf("%w: %s cannot sponsor itself", ErrCycle, req.ID)
	}
	now := s.clock.Now()
	joined := now
	if req.JoinedAt != nil {
		joined = *req.JoinedAt
	}
	member := &models.Member{
		ID:        req.ID,
		SponsorID: models.StringPtr(req.SponsorID),
		Status:    models.MemberStatusPending,
		Level:     models.LevelMembro,
		JoinedAt:  joined,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		if req.SponsorID != "" {
			sponsor, err := tx.GetMember(ctx, req.SponsorID)
			if err != nil {
				return notFound(err, "sponsor", req.SponsorID)
			}
			if sponsor.IsRemoved() {
				return fmt.Errorf("sponsor %s: %w", sponsor.ID, ErrMemberRemoved)
			}
			chain, err := sponsorChain(ctx, tx, req.SponsorID)
			if err != nil && !errors.Is(err, ErrCycle) {
				return err
			}
			if err != nil || containsMember(chain, req.ID) {
				return fmt.Errorf("%w: %s cannot be sponsored by %s", ErrCycle, req.ID, req.SponsorID)
			}
		}
		if err := tx.CreateMember(ctx, member); err != nil {
			if errors.Is(err, repository.ErrAlreadyExists) {
				return &ValidationError{Field: "id", Message: "member already registered"}
			}
			return fmt.Errorf("failed to create member: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("member registered",
		zap.String("member_id", member.ID),
		zap.String("sponsor_id", req.SponsorID))
	return member, nil
}

// RecordOrderCV credits a paid order. Replays of a known order id succeed without effect.
func (s *LedgerService) RecordOrderCV(ctx context.Context, ev models.OrderPaidEvent) (*models.OrderResult, error) {
	if err := validateStruct(ev); err != nil {
		metrics.CVEventsTotal.WithLabelValues("order", "rejected").Inc()
		return nil, err
	}
	cv := decimal.Zero
	for i, item := range ev.LineItems {
		if item.Price.IsNegative() {
			metrics.CVEventsTotal.WithLabelValues("order", "rejected").Inc()
			return nil, &ValidationError{Field: fmt.Sprintf("line_items[%d].price", i), Message: "must not be negative"}
		}
		cv = cv.Add(s.lineCV(item))
	}

	result := &models.OrderResult{OrderID: ev.OrderID, CV: cv, Orphaned: ev.MemberID == ""}
	if s.seen(ctx, ev.OrderID) {
		result.Duplicate = true
		s.logger.Info("duplicate order event ignored", zap.String("order_id", ev.OrderID))
		metrics.CVEventsTotal.WithLabelValues("order", "duplicate").Inc()
		return result, nil
	}

	now := s.clock.Now()
	tag := clock.MonthTag(now)
	var changes []MemberChange

	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		order := &models.Order{
			ID:        ev.OrderID,
			MemberID:  models.StringPtr(ev.MemberID),
			TotalCV:   cv,
			Status:    models.OrderStatusPaid,
			MonthTag:  tag,
			PaidAt:    ev.PaidAt,
			CreatedAt: now,
		}

		if order.IsOrphaned() {
			order.TotalCV = decimal.Zero
			inserted, err := tx.InsertOrder(ctx, order)
			if err != nil {
				return fmt.Errorf("failed to store orphaned order: %w", err)
			}
			result.Duplicate = !inserted
			result.CV = decimal.Zero
			return nil
		}

		member, err := tx.LockMember(ctx, ev.MemberID)
		if err != nil {
			return notFound(err, "member", ev.MemberID)
		}
		if member.IsRemoved() {
			return fmt.Errorf("order %s for member %s: %w", ev.OrderID, member.ID, ErrMemberRemoved)
		}

		inserted, err := tx.InsertOrder(ctx, order)
		if err != nil {
			return fmt.Errorf("failed to store order: %w", err)
		}
		if !inserted {
			result.Duplicate = true
			return nil
		}

		entries := make([]*models.CVLedgerEntry, 0, len(ev.LineItems))
		for _, item := range ev.LineItems {
			entries = append(entries, &models.CVLedgerEntry{
				ID:          uuid.New().String(),
				MemberID:    member.ID,
				OrderID:     models.StringPtr(order.ID),
				CVAmount:    s.lineCV(item),
				CVType:      models.CVTypeOrder,
				MonthTag:    tag,
				Description: fmt.Sprintf("order %s: %s x%d", order.ID, item.ProductID, item.Quantity),
				CreatedAt:   now,
			})
		}
		if err := tx.InsertCVEntries(ctx, entries); err != nil {
			return fmt.Errorf("failed to insert cv entries: %w", err)
		}
		counted := 0
		if len(entries) > 0 {
			counted = 1
		}
		if err := tx.AddToMonthlySummary(ctx, member.ID, tag, cv, counted); err != nil {
			return fmt.Errorf("failed to update monthly summary: %w", err)
		}
		result.Entries = entries

		if change := s.applyRunning(member, cv, false, now); change != nil {
			changes = append(changes, *change)
		}
		if err := tx.UpdateMember(ctx, member); err != nil {
			return fmt.Errorf("failed to update member: %w", err)
		}

		tree, members, err := loadNetwork(ctx, tx, member.ID)
		if err != nil {
			return err
		}
		levelChanges, err := s.levels.RecomputeChain(ctx, tx, tree, member.ID, runningCV(tree, members, now), tag, now, ModeUpgradeOnly)
		if err != nil {
			return fmt.Errorf("failed to recompute levels: %w", err)
		}
		changes = append(changes, levelChanges...)

		purchaser, _ := tree.Member(member.ID)
		commissions, err := s.commissions.Apply(ctx, tx, tree, order, purchaser, now)
		if err != nil {
			return err
		}
		result.Commissions = commissions
		return nil
	})
	if err != nil {
		outcome := "failed"
		if errors.Is(err, ErrMemberRemoved) || errors.Is(err, ErrNotFound) {
			outcome = "rejected"
		}
		metrics.CVEventsTotal.WithLabelValues("order", outcome).Inc()
		s.logger.Warn("order event not applied",
			zap.String("order_id", ev.OrderID),
			zap.String("member_id", ev.MemberID),
			zap.Error(err))
		return nil, err
	}

	s.mark(ctx, ev.OrderID)
	if result.Duplicate {
		s.logger.Info("duplicate order event ignored", zap.String("order_id", ev.OrderID))
		metrics.CVEventsTotal.WithLabelValues("order", "duplicate").Inc()
		return result, nil
	}

	metrics.CVEventsTotal.WithLabelValues("order", "applied").Inc()
	notifyAll(ctx, s.notifier, changes)
	s.logger.Info("order cv recorded",
		zap.String("order_id", ev.OrderID),
		zap.String("member_id", ev.MemberID),
		zap.String("cv", cv.String()),
		zap.Bool("orphaned", result.Orphaned),
		zap.Int("commissions", len(result.Commissions)))
	return result, nil
}

// ReverseOrderCV mirrors a paid order's CV and commissions with negative entries
func (s *LedgerService) ReverseOrderCV(ctx context.Context, ev models.OrderReversedEvent) (*models.ReversalResult, error) {
	if err := validateStruct(ev); err != nil {
		metrics.CVEventsTotal.WithLabelValues("reversal", "rejected").Inc()
		return nil, err
	}

	now := s.clock.Now()
	result := &models.ReversalResult{OrderID: ev.OrderID}
	var changes []MemberChange

	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		order, err := tx.GetOrder(ctx, ev.OrderID)
		if err != nil {
			return notFound(err, "order", ev.OrderID)
		}
		if order.Status != models.OrderStatusPaid {
			result.AlreadyDone = true
			return nil
		}
		moved, err := tx.MarkOrderReversed(ctx, order.ID, ev.Reason, string(ev.Reason), now)
		if err != nil {
			return fmt.Errorf("failed to mark order reversed: %w", err)
		}
		if !moved {
			result.AlreadyDone = true
			return nil
		}
		if order.IsOrphaned() {
			return nil
		}

		member, err := tx.LockMember(ctx, *order.MemberID)
		if err != nil {
			return notFound(err, "member", *order.MemberID)
		}
		if member.IsRemoved() {
			// the purchaser's ledger is frozen; only live uplines give their commissions back
			s.logger.Info("reversal for removed member, cv left untouched",
				zap.String("order_id", order.ID),
				zap.String("member_id", member.ID))
			reversed, err := s.commissions.ReverseOrder(ctx, tx, order.ID, string(ev.Reason), now)
			if err != nil {
				return err
			}
			result.Commissions = reversed
			return nil
		}

		originals, err := tx.ListCVEntriesByOrder(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("failed to load order entries: %w", err)
		}
		total := decimal.Zero
		var mirrors []*models.CVLedgerEntry
		for _, o := range originals {
			if o.CVType != models.CVTypeOrder {
				continue
			}
			mirrors = append(mirrors, &models.CVLedgerEntry{
				ID:          uuid.New().String(),
				MemberID:    o.MemberID,
				OrderID:     o.OrderID,
				CVAmount:    o.CVAmount.Neg(),
				CVType:      models.CVTypeReversal,
				MonthTag:    o.MonthTag,
				Description: fmt.Sprintf("%s: reverses %s", ev.Reason, o.ID),
				CreatedAt:   now,
			})
			total = total.Add(o.CVAmount)
		}
		if len(mirrors) > 0 {
			if err := tx.InsertCVEntries(ctx, mirrors); err != nil {
				return fmt.Errorf("failed to insert reversal entries: %w", err)
			}
			if err := tx.AddToMonthlySummary(ctx, member.ID, order.MonthTag, total.Neg(), -1); err != nil {
				return fmt.Errorf("failed to update monthly summary: %w", err)
			}
		}
		result.Entries = mirrors

		if order.MonthTag == clock.MonthTag(now) {
			change := s.applyRunning(member, total.Neg(), true, now)
			if err := tx.UpdateMember(ctx, member); err != nil {
				return fmt.Errorf("failed to update member: %w", err)
			}
			if change != nil {
				levelChanges, err := s.recomputeAfterRegression(ctx, tx, member.ID, now)
				if err != nil {
					return err
				}
				changes = append(changes, *change)
				changes = append(changes, levelChanges...)
			}
		}

		reversed, err := s.commissions.ReverseOrder(ctx, tx, order.ID, string(ev.Reason), now)
		if err != nil {
			return err
		}
		result.Commissions = reversed
		return nil
	})
	if err != nil {
		metrics.CVEventsTotal.WithLabelValues("reversal", "failed").Inc()
		s.logger.Warn("reversal not applied", zap.String("order_id", ev.OrderID), zap.Error(err))
		return nil, err
	}

	if result.AlreadyDone {
		s.logger.Info("order already reversed", zap.String("order_id", ev.OrderID))
		metrics.CVEventsTotal.WithLabelValues("reversal", "duplicate").Inc()
		return result, nil
	}
	metrics.CVEventsTotal.WithLabelValues("reversal", "applied").Inc()
	notifyAll(ctx, s.notifier, changes)
	s.logger.Info("order cv reversed",
		zap.String("order_id", ev.OrderID),
		zap.String("reason", string(ev.Reason)),
		zap.Int("entries", len(result.Entries)),
		zap.Int("commissions", len(result.Commissions)))
	return result, nil
}

// recomputeAfterRegression re-evaluates the chain of a member that just fell back to
// pending, letting levels whose rules no longer hold for non-active members drop
func (s *LedgerService) recomputeAfterRegression(ctx context.Context, tx repository.Tx, memberID string, now time.Time) ([]MemberChange, error) {
	tree, members, err := loadNetwork(ctx, tx, memberID)
	if err != nil {
		return nil, err
	}
	changes, err := s.levels.RecomputeChain(ctx, tx, tree, memberID, runningCV(tree, members, now), clock.MonthTag(now), now, ModeStatusRegression)
	if err != nil {
		return nil, fmt.Errorf("failed to recompute levels: %w", err)
	}
	return changes, nil
}

// ApplyManualAdjustment posts a signed admin correction. Month defaults to the current month.
func (s *LedgerService) ApplyManualAdjustment(ctx context.Context, adj models.ManualAdjustment) (*models.CVLedgerEntry, error) {
	if err := validateStruct(adj); err != nil {
		return nil, err
	}
	if adj.Amount.IsZero() {
		return nil, &ValidationError{Field: "amount", Message: "must not be zero"}
	}

	now := s.clock.Now()
	current := clock.MonthTag(now)
	month := adj.Month
	if month == "" {
		month = current
	}
	if _, err := clock.ParseMonthTag(month, now.Location()); err != nil {
		return nil, &ValidationError{Field: "month", Message: "expected YYYY-MM"}
	}
	if month > current {
		return nil, &ValidationError{Field: "month", Message: "must not be in the future"}
	}

	entry := &models.CVLedgerEntry{
		ID:          uuid.New().String(),
		MemberID:    adj.MemberID,
		CVAmount:    adj.Amount,
		CVType:      models.CVTypeAdjustment,
		MonthTag:    month,
		Description: fmt.Sprintf("%s (by %s)", adj.Description, adj.ActingAdminID),
		CreatedAt:   now,
	}
	var changes []MemberChange

	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		member, err := tx.LockMember(ctx, adj.MemberID)
		if err != nil {
			return notFound(err, "member", adj.MemberID)
		}
		if member.IsRemoved() {
			return fmt.Errorf("adjustment for %s: %w", member.ID, ErrMemberRemoved)
		}
		if err := tx.InsertCVEntries(ctx, []*models.CVLedgerEntry{entry}); err != nil {
			return fmt.Errorf("failed to insert adjustment: %w", err)
		}
		if err := tx.AddToMonthlySummary(ctx, member.ID, month, adj.Amount, 0); err != nil {
			return fmt.Errorf("failed to update monthly summary: %w", err)
		}
		if month != current {
			return nil
		}

		change := s.applyRunning(member, adj.Amount, adj.Amount.IsNegative(), now)
		if err := tx.UpdateMember(ctx, member); err != nil {
			return fmt.Errorf("failed to update member: %w", err)
		}
		if change != nil {
			changes = append(changes, *change)
		}
		if adj.Amount.IsNegative() {
			if change == nil {
				return nil
			}
			levelChanges, err := s.recomputeAfterRegression(ctx, tx, member.ID, now)
			if err != nil {
				return err
			}
			changes = append(changes, levelChanges...)
			return nil
		}
		tree, members, err := loadNetwork(ctx, tx, member.ID)
		if err != nil {
			return err
		}
		levelChanges, err := s.levels.RecomputeChain(ctx, tx, tree, member.ID, runningCV(tree, members, now), current, now, ModeUpgradeOnly)
		if err != nil {
			return fmt.Errorf("failed to recompute levels: %w", err)
		}
		changes = append(changes, levelChanges...)
		return nil
	})
	if err != nil {
		metrics.CVEventsTotal.WithLabelValues("adjustment", "failed").Inc()
		return nil, err
	}

	metrics.CVEventsTotal.WithLabelValues("adjustment", "applied").Inc()
	notifyAll(ctx, s.notifier, changes)
	s.logger.Info("manual adjustment applied",
		zap.String("member_id", adj.MemberID),
		zap.String("amount", adj.Amount.String()),
		zap.String("month", month),
		zap.String("admin_id", adj.ActingAdminID))
	return entry, nil
}

// CurrentMonthlyCV reads a member's running counter for the current month
func (s *LedgerService) CurrentMonthlyCV(ctx context.Context, memberID string) (decimal.Decimal, error) {
	var cv decimal.Decimal
	err := s.store.View(ctx, func(tx repository.Tx) error {
		m, err := tx.GetMember(ctx, memberID)
		if err != nil {
			return notFound(err, "member", memberID)
		}
		cv = CurrentMonthlyCV(m, s.clock.Now())
		return nil
	})
	return cv, err
}

func (s *LedgerService) lineCV(item models.LineItem) decimal.Decimal {
	return item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))).Mul(s.cfg.CVRate)
}

func (s *LedgerService) seen(ctx context.Context, orderID string) bool {
	if s.idempotency == nil {
		return false
	}
	seen, err := s.idempotency.Seen(ctx, orderID)
	if err != nil {
		s.logger.Warn("idempotency cache unavailable", zap.Error(err))
		return false
	}
	return seen
}

func (s *LedgerService) mark(ctx context.Context, orderID string) {
	if s.idempotency == nil {
		return
	}
	if err := s.idempotency.Mark(ctx, orderID); err != nil {
		s.logger.Warn("failed to mark order as processed", zap.String("order_id", orderID), zap.Error(err))
	}
}
