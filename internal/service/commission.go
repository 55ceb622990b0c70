// internal/service/commission.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"compensation-engine/internal/clock"
	"compensation-engine/internal/models"
	"compensation-engine/internal/repository"
	"compensation-engine/pkg/metrics"
)

// CommissionPlan holds the rates of the compensation plan
type CommissionPlan struct {
	FastTrackPhase1Days int
	FastTrackPhase2Days int
	FastTrack30         decimal.Decimal
	FastTrack20         decimal.Decimal
	Cascade20           decimal.Decimal
	Cascade10           decimal.Decimal
	PerpetualRates      map[models.Level]decimal.Decimal
	LeadershipRates     map[models.Level]decimal.Decimal
	Bonus3Parceiras     int
	Bonus3Amounts       [3]decimal.Decimal
	RoyaltyRate         decimal.Decimal
	MaxPerpetualDepth   int
}

// DefaultCommissionPlan returns the production rates and bonus amounts
func DefaultCommissionPlan() CommissionPlan {
	return CommissionPlan{
		FastTrackPhase1Days: 30,
		FastTrackPhase2Days: 60,
		FastTrack30:         decimal.RequireFromString("0.30"),
		FastTrack20:         decimal.RequireFromString("0.20"),
		Cascade20:           decimal.RequireFromString("0.20"),
		Cascade10:           decimal.RequireFromString("0.10"),
		PerpetualRates: map[models.Level]decimal.Decimal{
			models.LevelParceira:      decimal.RequireFromString("0.05"),
			models.LevelLiderFormacao: decimal.RequireFromString("0.07"),
			models.LevelLider:         decimal.RequireFromString("0.07"),
			models.LevelDiretora:      decimal.RequireFromString("0.10"),
			models.LevelHead:          decimal.RequireFromString("0.15"),
		},
		LeadershipRates: map[models.Level]decimal.Decimal{
			models.LevelDiretora: decimal.RequireFromString("0.03"),
			models.LevelHead:     decimal.RequireFromString("0.04"),
		},
		Bonus3Parceiras: 3,
		Bonus3Amounts: [3]decimal.Decimal{
			decimal.NewFromInt(250),
			decimal.NewFromInt(1500),
			decimal.NewFromInt(8000),
		},
		RoyaltyRate: decimal.RequireFromString("0.03"),
	}
}

var bonus3Types = [3]models.CommissionType{
	models.CommissionBonus3Level1,
	models.CommissionBonus3Level2,
	models.CommissionBonus3Level3,
}

// CommissionInput is everything the calculator needs for one CV-posting event
type CommissionInput struct {
	OrderID   string
	MonthTag  string
	PaidAt    time.Time
	OrderCV   decimal.Decimal
	Purchaser *models.Member
	// Chain holds the purchaser's ancestors, direct sponsor first
	Chain     []*models.Member
	Tree      *Tree
	Royalties []*models.RoyaltyLink
	// Claimed marks milestone bonuses already paid, keyed by claimKey
	Claimed map[string]bool
}

func claimKey(memberID string, t models.CommissionType) string {
	return memberID + "|" + string(t)
}

func (in CommissionInput) entry(recipient *models.Member, t models.CommissionType, base, pct decimal.Decimal, depth int, desc string) *models.CommissionLedgerEntry {
	return &models.CommissionLedgerEntry{
		MemberID:       recipient.ID,
		CommissionType: t,
		Amount:         base.Mul(pct).Round(2),
		CVBase:         base,
		Percentage:     pct,
		SourceMemberID: in.Purchaser.ID,
		SourceOrderID:  models.StringPtr(in.OrderID),
		NetworkLevel:   depth,
		ReferenceMonth: in.MonthTag,
		Description:    desc,
	}
}

// fastTrackPhase is 1 for days 0-30, 2 for days 31-60 and 0 afterwards
func (p CommissionPlan) fastTrackPhase(joinedAt, paidAt time.Time) int {
	days := int(paidAt.Sub(joinedAt).Hours() / 24)
	if days < 0 {
		days = 0
	}
	switch {
	case days <= p.FastTrackPhase1Days:
		return 1
	case days <= p.FastTrackPhase2Days:
		return 2
	default:
		return 0
	}
}

// CalculateCommissions walks the chain and emits the commission entries for one order.
// Amounts are rounded half away from zero to 2 decimals.
func CalculateCommissions(in CommissionInput, p CommissionPlan) []*models.CommissionLedgerEntry {
	var out []*models.CommissionLedgerEntry
	if in.Purchaser == nil {
		return nil
	}

	if in.OrderCV.IsPositive() {
		out = append(out, p.percentageCommissions(in)...)
	}
	out = append(out, p.milestoneBonuses(in)...)
	return out
}

func (p CommissionPlan) percentageCommissions(in CommissionInput) []*models.CommissionLedgerEntry {
	var out []*models.CommissionLedgerEntry
	cv := in.OrderCV
	fastTracked := map[string]bool{}

	if phase := p.fastTrackPhase(in.Purchaser.JoinedAt, in.PaidAt); phase > 0 && len(in.Chain) > 0 {
		direct := in.Chain[0]
		rate, kind := p.FastTrack30, models.CommissionFastTrack30
		cascadeRate, cascadeKind := p.Cascade20, models.CommissionFastTrackCascade20
		if phase == 2 {
			rate, kind = p.FastTrack20, models.CommissionFastTrack20
			cascadeRate, cascadeKind = p.Cascade10, models.CommissionFastTrackCascade10
		}
		if direct.IsActive() && direct.Level.AtLeast(models.LevelParceira) {
			out = append(out, in.entry(direct, kind, cv, rate, 1,
				fmt.Sprintf("fast track %s%% on order %s", rate.Shift(2), in.OrderID)))
			fastTracked[direct.ID] = true
		}
		if direct.Level.AtLeast(models.LevelLider) && len(in.Chain) > 1 {
			second := in.Chain[1]
			if second.IsActive() && second.Level.AtLeast(models.LevelParceira) {
				out = append(out, in.entry(second, cascadeKind, cv, cascadeRate, 2,
					fmt.Sprintf("cascaded fast track %s%% on order %s", cascadeRate.Shift(2), in.OrderID)))
				fastTracked[second.ID] = true
			}
		}
	}

	// Perpetual goes to every qualifying ancestor except those already paid fast track or
	// cascade on this order: an ancestor takes one percentage of the same order, never two.
	for i, a := range in.Chain {
		depth := i + 1
		if p.MaxPerpetualDepth > 0 && depth > p.MaxPerpetualDepth {
			break
		}
		if fastTracked[a.ID] || !a.IsActive() {
			continue
		}
		if rate, ok := p.PerpetualRates[a.Level]; ok {
			out = append(out, in.entry(a, models.CommissionPerpetual, cv, rate, depth,
				fmt.Sprintf("perpetual %s%% (%s) on order %s", rate.Shift(2), a.Level, in.OrderID)))
		}
	}

	for i, a := range in.Chain {
		if !a.IsActive() {
			continue
		}
		if rate, ok := p.LeadershipRates[a.Level]; ok {
			out = append(out, in.entry(a, models.CommissionLeadership, cv, rate, i+1,
				fmt.Sprintf("leadership %s%% (%s) on order %s", rate.Shift(2), a.Level, in.OrderID)))
		}
	}

	depthOf := make(map[string]int, len(in.Chain))
	for i, a := range in.Chain {
		depthOf[a.ID] = i + 1
	}
	paidHolders := map[string]bool{}
	for _, link := range in.Royalties {
		holder, ok := in.Tree.Member(link.HolderID)
		if !ok || holder.IsRemoved() || paidHolders[holder.ID] {
			continue
		}
		paidHolders[holder.ID] = true
		out = append(out, in.entry(holder, models.CommissionRoyalty, cv, p.RoyaltyRate, depthOf[holder.ID],
			fmt.Sprintf("royalty %s%% via head %s on order %s", p.RoyaltyRate.Shift(2), link.HeadID, in.OrderID)))
	}

	return out
}

// milestoneBonuses pays bonus 3 to the first three ancestors. Several milestones reached
// by the same event are all paid, lowest depth first.
func (p CommissionPlan) milestoneBonuses(in CommissionInput) []*models.CommissionLedgerEntry {
	var out []*models.CommissionLedgerEntry
	if in.Tree == nil {
		return nil
	}
	for i := 0; i < len(in.Chain) && i < len(bonus3Types); i++ {
		a := in.Chain[i]
		if !a.IsActive() {
			continue
		}
		for n := 1; n <= len(bonus3Types); n++ {
			kind := bonus3Types[n-1]
			if in.Claimed[claimKey(a.ID, kind)] {
				continue
			}
			count := 0
			for _, d := range in.Tree.DescendantsAtDepth(a.ID, n) {
				if d.IsActive() && d.Level.AtLeast(models.LevelParceira) {
					count++
				}
			}
			if count < p.Bonus3Parceiras {
				continue
			}
			amount := p.Bonus3Amounts[n-1]
			e := in.entry(a, kind, decimal.Zero, decimal.Zero, n,
				fmt.Sprintf("bonus 3: %d active parceiras at N%d", count, n))
			e.Amount = amount
			out = append(out, e)
			if in.Claimed != nil {
				in.Claimed[claimKey(a.ID, kind)] = true
			}
		}
	}
	return out
}

// CommissionService books commissions, mirrors reversals and pays out balances
type CommissionService struct {
	store  repository.Store
	plan   CommissionPlan
	clock  clock.Clock
	logger *zap.Logger
}

// NewCommissionService creates a new commission service
func NewCommissionService(store repository.Store, plan CommissionPlan, clk clock.Clock, logger *zap.Logger) *CommissionService {
	return &CommissionService{store: store, plan: plan, clock: clk, logger: logger}
}

// Apply calculates and books the commissions of a freshly recorded order inside tx
func (s *CommissionService) Apply(ctx context.Context, tx repository.Tx, tree *Tree, order *models.Order, purchaser *models.Member, now time.Time) ([]*models.CommissionLedgerEntry, error) {
	chain, err := tree.Ancestors(purchaser.ID)
	if err != nil {
		s.logger.Error("sponsor chain is corrupt, paying the walked part only",
			zap.String("member_id", purchaser.ID),
			zap.Error(err))
	}

	headIDs := []string{purchaser.ID}
	for _, a := range chain {
		headIDs = append(headIDs, a.ID)
	}
	links, err := tx.ListRoyaltyLinks(ctx, headIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load royalty links: %w", err)
	}

	claimed := map[string]bool{}
	for i := 0; i < len(chain) && i < len(bonus3Types); i++ {
		for _, kind := range bonus3Types {
			total, err := tx.SumCommissions(ctx, chain[i].ID, kind)
			if err != nil {
				return nil, fmt.Errorf("failed to load milestone claims: %w", err)
			}
			if total.IsPositive() {
				claimed[claimKey(chain[i].ID, kind)] = true
			}
		}
	}

	entries := CalculateCommissions(CommissionInput{
		OrderID:   order.ID,
		MonthTag:  order.MonthTag,
		PaidAt:    order.PaidAt,
		OrderCV:   order.TotalCV,
		Purchaser: purchaser,
		Chain:     chain,
		Tree:      tree,
		Royalties: links,
		Claimed:   claimed,
	}, s.plan)

	if err := s.book(ctx, tx, entries, now); err != nil {
		return nil, err
	}
	return entries, nil
}

// ReverseOrder books a negative mirror of every commission paid on orderID.
// Recipients removed from the network keep their ledger as it was.
func (s *CommissionService) ReverseOrder(ctx context.Context, tx repository.Tx, orderID, reason string, now time.Time) ([]*models.CommissionLedgerEntry, error) {
	originals, err := tx.ListCommissionsByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load commissions for order: %w", err)
	}

	removed := map[string]bool{}
	checked := map[string]bool{}
	var mirrors []*models.CommissionLedgerEntry
	for _, o := range originals {
		if !o.Amount.IsPositive() {
			continue
		}
		if !checked[o.MemberID] {
			checked[o.MemberID] = true
			recipient, err := tx.GetMember(ctx, o.MemberID)
			if err != nil {
				return nil, notFound(err, "member", o.MemberID)
			}
			removed[o.MemberID] = recipient.IsRemoved()
		}
		if removed[o.MemberID] {
			s.logger.Info("commission reversal skipped for removed member",
				zap.String("member_id", o.MemberID),
				zap.String("order_id", orderID),
				zap.String("type", string(o.CommissionType)))
			continue
		}
		mirrors = append(mirrors, &models.CommissionLedgerEntry{
			MemberID:       o.MemberID,
			CommissionType: o.CommissionType,
			Amount:         o.Amount.Neg(),
			CVBase:         o.CVBase.Neg(),
			Percentage:     o.Percentage,
			SourceMemberID: o.SourceMemberID,
			SourceOrderID:  o.SourceOrderID,
			NetworkLevel:   o.NetworkLevel,
			ReferenceMonth: o.ReferenceMonth,
			Description:    fmt.Sprintf("reversal (%s) of %s", reason, o.ID),
		})
	}

	if err := s.book(ctx, tx, mirrors, now); err != nil {
		return nil, err
	}
	return mirrors, nil
}

func (s *CommissionService) book(ctx context.Context, tx repository.Tx, entries []*models.CommissionLedgerEntry, now time.Time) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		e.ID = uuid.New().String()
		e.CreatedAt = now
	}
	if err := tx.InsertCommissions(ctx, entries); err != nil {
		return fmt.Errorf("failed to insert commissions: %w", err)
	}
	for _, e := range entries {
		if err := tx.AdjustBalance(ctx, e.MemberID, repository.BalanceDelta{Earned: e.Amount, Pending: e.Amount}); err != nil {
			return fmt.Errorf("failed to update balance of %s: %w", e.MemberID, err)
		}
		metrics.CommissionEntriesTotal.WithLabelValues(string(e.CommissionType)).Inc()
	}
	return nil
}

// ReleasePending moves a member's pending commissions to the available balance
func (s *CommissionService) ReleasePending(ctx context.Context, tx repository.Tx, memberID string) error {
	balance, err := tx.GetBalance(ctx, memberID)
	if err != nil {
		return err
	}
	if balance.PendingBalance.IsZero() {
		return nil
	}
	return tx.AdjustBalance(ctx, memberID, repository.BalanceDelta{
		Pending:   balance.PendingBalance.Neg(),
		Available: balance.PendingBalance,
	})
}

// Withdraw books a payout against the available balance. The transfer itself happens elsewhere.
func (s *CommissionService) Withdraw(ctx context.Context, memberID string, amount decimal.Decimal) (*models.CommissionBalance, error) {
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	amount = amount.Round(2)

	var balance *models.CommissionBalance
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.LockMember(ctx, memberID); err != nil {
			return notFound(err, "member", memberID)
		}
		current, err := tx.GetBalance(ctx, memberID)
		if err != nil {
			return err
		}
		if current.AvailableBalance.LessThan(amount) {
			return &ValidationError{Field: "amount", Message: "exceeds available balance"}
		}
		if err := tx.AdjustBalance(ctx, memberID, repository.BalanceDelta{
			Withdrawn: amount,
			Available: amount.Neg(),
		}); err != nil {
			return err
		}
		balance, err = tx.GetBalance(ctx, memberID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("withdrawal booked",
		zap.String("member_id", memberID),
		zap.String("amount", amount.StringFixed(2)),
		zap.Time("at", s.clock.Now()))
	return balance, nil
}
