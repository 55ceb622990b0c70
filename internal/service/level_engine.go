// internal/service/level_engine.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"compensation-engine/internal/models"
	"compensation-engine/internal/repository"
	"compensation-engine/pkg/metrics"
)

// LevelPlan holds the thresholds of the leadership table
type LevelPlan struct {
	ParceiraNetworkCV    decimal.Decimal
	DiretoraNetworkCV    decimal.Decimal
	HeadNetworkCV        decimal.Decimal
	LiderParceiras       int
	DiretoraLideres      int
	HeadDiretoras        int
	FormacaoMinParceiras int
	FormacaoWindow       time.Duration
}

// DefaultLevelPlan returns the production level ladder
func DefaultLevelPlan() LevelPlan {
	return LevelPlan{
		ParceiraNetworkCV:    decimal.NewFromInt(500),
		DiretoraNetworkCV:    decimal.NewFromInt(80000),
		HeadNetworkCV:        decimal.NewFromInt(200000),
		LiderParceiras:       4,
		DiretoraLideres:      3,
		HeadDiretoras:        3,
		FormacaoMinParceiras: 1,
		FormacaoWindow:       90 * 24 * time.Hour,
	}
}

// Rule is one predicate of a level requirement
type Rule struct {
	Description string
	Check       func(models.LevelMetrics) bool
}

// LevelRequirement lists the rules a member must pass to hold Level
type LevelRequirement struct {
	Level models.Level
	Rules []Rule
}

// Met reports whether m passes every rule
func (r LevelRequirement) Met(m models.LevelMetrics) bool {
	for _, rule := range r.Rules {
		if !rule.Check(m) {
			return false
		}
	}
	return true
}

func isActive(m models.LevelMetrics) bool {
	return m.Status == models.MemberStatusActive
}

// formacaoAvailable is false once the window ran out or was used up
func (p LevelPlan) formacaoAvailable(m models.LevelMetrics) bool {
	if m.LiderFormacao.Exhausted {
		return false
	}
	if m.LiderFormacao.StartedAt == nil {
		return true
	}
	return m.Now.Sub(*m.LiderFormacao.StartedAt) < p.FormacaoWindow
}

// Requirements is the gate-down table, highest level first. Membro has no rules.
func (p LevelPlan) Requirements() []LevelRequirement {
	return []LevelRequirement{
		{
			Level: models.LevelHead,
			Rules: []Rule{
				{fmt.Sprintf("%d active diretoras at depth 1", p.HeadDiretoras), func(m models.LevelMetrics) bool {
					return m.ActiveDiretoraChildren >= p.HeadDiretoras
				}},
				{fmt.Sprintf("network CV >= %s", p.HeadNetworkCV), func(m models.LevelMetrics) bool {
					return m.NetworkCV.GreaterThanOrEqual(p.HeadNetworkCV)
				}},
			},
		},
		{
			Level: models.LevelDiretora,
			Rules: []Rule{
				{fmt.Sprintf("%d active lideres at depth 1", p.DiretoraLideres), func(m models.LevelMetrics) bool {
					return m.ActiveLiderChildren >= p.DiretoraLideres
				}},
				{fmt.Sprintf("network CV >= %s", p.DiretoraNetworkCV), func(m models.LevelMetrics) bool {
					return m.NetworkCV.GreaterThanOrEqual(p.DiretoraNetworkCV)
				}},
			},
		},
		{
			Level: models.LevelLider,
			Rules: []Rule{
				{"status active", isActive},
				{fmt.Sprintf("%d active parceiras at depth 1", p.LiderParceiras), func(m models.LevelMetrics) bool {
					return m.ActiveParceiraChildren >= p.LiderParceiras
				}},
			},
		},
		{
			Level: models.LevelLiderFormacao,
			Rules: []Rule{
				{"status active", isActive},
				{fmt.Sprintf("network CV >= %s", p.ParceiraNetworkCV), func(m models.LevelMetrics) bool {
					return m.NetworkCV.GreaterThanOrEqual(p.ParceiraNetworkCV)
				}},
				{fmt.Sprintf("between %d and %d active parceiras at depth 1", p.FormacaoMinParceiras, p.LiderParceiras-1), func(m models.LevelMetrics) bool {
					return m.ActiveParceiraChildren >= p.FormacaoMinParceiras && m.ActiveParceiraChildren < p.LiderParceiras
				}},
				{fmt.Sprintf("within %d days of entering lider_formacao", int(p.FormacaoWindow.Hours()/24)), p.formacaoAvailable},
			},
		},
		{
			Level: models.LevelParceira,
			Rules: []Rule{
				{"status active", isActive},
				{fmt.Sprintf("network CV >= %s", p.ParceiraNetworkCV), func(m models.LevelMetrics) bool {
					return m.NetworkCV.GreaterThanOrEqual(p.ParceiraNetworkCV)
				}},
			},
		},
	}
}

// DetermineLevel returns the highest level whose requirements are all met
func (p LevelPlan) DetermineLevel(m models.LevelMetrics) models.Level {
	for _, req := range p.Requirements() {
		if req.Met(m) {
			return req.Level
		}
	}
	return models.LevelMembro
}

// RecomputeMode controls whether a recompute may lower a level
type RecomputeMode int

const (
	// ModeUpgradeOnly is used for intra-month events
	ModeUpgradeOnly RecomputeMode = iota
	// ModeFull is used after a month is closed
	ModeFull
	// ModeStatusRegression follows a mid-month fall back to pending: members that are
	// no longer active may lose levels that require it, everyone else is upgrade-only
	ModeStatusRegression
)

func (m RecomputeMode) String() string {
	switch m {
	case ModeFull:
		return "month_close"
	case ModeStatusRegression:
		return "status_regression"
	default:
		return "event"
	}
}

// mayLower reports whether mode lets a member described by metrics drop a level
func (m RecomputeMode) mayLower(metrics models.LevelMetrics) bool {
	switch m {
	case ModeFull:
		return true
	case ModeStatusRegression:
		return !isActive(metrics)
	default:
		return false
	}
}

// LevelEngine decides level changes from network metrics
type LevelEngine struct {
	plan   LevelPlan
	logger *zap.Logger
}

// NewLevelEngine creates a level engine for plan
func NewLevelEngine(plan LevelPlan, logger *zap.Logger) *LevelEngine {
	return &LevelEngine{plan: plan, logger: logger}
}

// Plan returns the ladder the engine evaluates against
func (e *LevelEngine) Plan() LevelPlan {
	return e.plan
}

// BuildMetrics derives the classifier input for one member of the tree
func BuildMetrics(tree *Tree, m *models.Member, networkCV decimal.Decimal, refMonth string, now time.Time) models.LevelMetrics {
	metrics := models.LevelMetrics{
		Status:         m.Status,
		NetworkCV:      networkCV,
		LiderFormacao:  m.LiderFormacao,
		ReferenceMonth: refMonth,
		Now:            now,
	}
	for _, child := range tree.Children(m.ID) {
		if !child.IsActive() {
			continue
		}
		if child.Level.AtLeast(models.LevelParceira) {
			metrics.ActiveParceiraChildren++
		}
		if child.Level.AtLeast(models.LevelLider) {
			metrics.ActiveLiderChildren++
		}
		if child.Level.AtLeast(models.LevelDiretora) {
			metrics.ActiveDiretoraChildren++
		}
	}
	return metrics
}

type levelDecision struct {
	member  *models.Member
	from    models.Level
	to      models.Level
	reason  string
	metrics models.LevelMetrics
}

// decide applies the table and the lider_formacao sub-state transitions to a copy of m
func (e *LevelEngine) decide(m *models.Member, metrics models.LevelMetrics, mode RecomputeMode) (*levelDecision, bool) {
	if m.IsRemoved() {
		return nil, false
	}
	from := m.Level
	to := e.plan.DetermineLevel(metrics)

	expired := from == models.LevelLiderFormacao && !e.plan.formacaoAvailable(metrics)
	if to.Rank() < from.Rank() && !mode.mayLower(metrics) {
		if !expired {
			return nil, false
		}
		// mid-month expiry falls back to parceira, never lower
		if to.Rank() < models.LevelParceira.Rank() {
			to = models.LevelParceira
		}
	}
	if to == from {
		return nil, false
	}

	updated := m.Clone()
	updated.Level = to
	reason := "promotion"
	if to.Rank() < from.Rank() {
		reason = "demotion"
	}

	switch {
	case to == models.LevelLiderFormacao:
		started := metrics.Now
		updated.LiderFormacao.StartedAt = &started
	case from == models.LevelLiderFormacao:
		if expired && !to.AtLeast(models.LevelLider) {
			updated.LiderFormacao.Exhausted = true
			reason = "lider_formacao window expired"
		}
		updated.LiderFormacao.StartedAt = nil
	}

	return &levelDecision{
		member:  updated,
		from:    from,
		to:      to,
		reason:  fmt.Sprintf("%s (%s)", reason, mode),
		metrics: metrics,
	}, true
}

// persist writes a decision: level fields, audit entry and, on promotion to head, the royalty link
func (e *LevelEngine) persist(ctx context.Context, tx repository.Tx, tree *Tree, d *levelDecision) (*MemberChange, error) {
	current, err := tx.LockMember(ctx, d.member.ID)
	if err != nil {
		return nil, notFound(err, "member", d.member.ID)
	}
	if current.IsRemoved() {
		return nil, nil
	}
	current.Level = d.to
	current.LiderFormacao = d.member.LiderFormacao
	current.UpdatedAt = d.metrics.Now
	if err := tx.UpdateMember(ctx, current); err != nil {
		return nil, fmt.Errorf("failed to update level: %w", err)
	}

	entry := &models.LevelHistoryEntry{
		ID:               uuid.New().String(),
		MemberID:         current.ID,
		PreviousLevel:    d.from,
		NewLevel:         d.to,
		Reason:           d.reason,
		CriteriaSnapshot: d.metrics.Snapshot(),
		CreatedAt:        d.metrics.Now,
	}
	if err := tx.InsertLevelHistory(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to append level history: %w", err)
	}

	if d.to == models.LevelHead && d.from != models.LevelHead {
		if err := e.linkRoyalty(ctx, tx, tree, current, d.metrics.Now); err != nil {
			return nil, err
		}
	}

	metrics.LevelChangesTotal.WithLabelValues(string(d.to)).Inc()
	e.logger.Info("level changed",
		zap.String("member_id", current.ID),
		zap.String("from", string(d.from)),
		zap.String("to", string(d.to)),
		zap.String("reason", d.reason))

	return &MemberChange{
		MemberID: current.ID,
		Kind:     ChangeLevel,
		From:     string(d.from),
		To:       string(d.to),
		At:       d.metrics.Now,
	}, nil
}

// linkRoyalty grants the nearest head above a new head a standing override
func (e *LevelEngine) linkRoyalty(ctx context.Context, tx repository.Tx, tree *Tree, head *models.Member, now time.Time) error {
	ancestors, err := tree.Ancestors(head.ID)
	if err != nil {
		e.logger.Warn("royalty lookup stopped early", zap.String("member_id", head.ID), zap.Error(err))
	}
	for _, a := range ancestors {
		if a.Level != models.LevelHead || a.IsRemoved() {
			continue
		}
		created, err := tx.InsertRoyaltyLink(ctx, &models.RoyaltyLink{HolderID: a.ID, HeadID: head.ID, CreatedAt: now})
		if err != nil {
			return fmt.Errorf("failed to create royalty link: %w", err)
		}
		if created {
			e.logger.Info("royalty link created", zap.String("holder_id", a.ID), zap.String("head_id", head.ID))
		}
		return nil
	}
	return nil
}

// RecomputeChain re-evaluates a member and then every ancestor, bottom-up, inside tx
func (e *LevelEngine) RecomputeChain(ctx context.Context, tx repository.Tx, tree *Tree, memberID string, cv map[string]decimal.Decimal, refMonth string, now time.Time, mode RecomputeMode) ([]MemberChange, error) {
	member, ok := tree.Member(memberID)
	if !ok {
		return nil, &NotFoundError{Entity: "member", ID: memberID}
	}
	ancestors, err := tree.Ancestors(memberID)
	if err != nil {
		e.logger.Error("ancestor walk aborted", zap.String("member_id", memberID), zap.Error(err))
	}
	chain := append([]*models.Member{member}, ancestors...)
	totals := tree.SubtreeTotals(cv)

	var changes []MemberChange
	for _, m := range chain {
		m, _ = tree.Member(m.ID)
		d, changed := e.decide(m, BuildMetrics(tree, m, totals[m.ID], refMonth, now), mode)
		if !changed {
			continue
		}
		change, err := e.persist(ctx, tx, tree, d)
		if err != nil {
			return nil, err
		}
		tree.Update(d.member)
		if change != nil {
			changes = append(changes, *change)
		}
	}
	return changes, nil
}

// PlanNetwork evaluates every member bottom-up against the tree, updating the tree as it goes,
// and returns the decisions to persist. Members on a sponsor cycle are reported separately.
func (e *LevelEngine) PlanNetwork(tree *Tree, cv map[string]decimal.Decimal, refMonth string, now time.Time, mode RecomputeMode) ([]*levelDecision, []string) {
	layers, unreachable := tree.Layers()
	totals := tree.SubtreeTotals(cv)

	var decisions []*levelDecision
	for i := len(layers) - 1; i >= 0; i-- {
		for _, id := range layers[i] {
			m, _ := tree.Member(id)
			d, changed := e.decide(m, BuildMetrics(tree, m, totals[id], refMonth, now), mode)
			if !changed {
				continue
			}
			tree.Update(d.member)
			decisions = append(decisions, d)
		}
	}
	return decisions, unreachable
}

// Progress reports which rows of the table a member currently meets
func (e *LevelEngine) Progress(tree *Tree, m *models.Member, networkCV decimal.Decimal, refMonth string, now time.Time) *models.LevelProgress {
	metrics := BuildMetrics(tree, m, networkCV, refMonth, now)
	progress := &models.LevelProgress{
		MemberID:     m.ID,
		CurrentLevel: m.Level,
		Eligible:     e.plan.DetermineLevel(metrics),
		Metrics:      metrics,
	}
	for _, req := range e.plan.Requirements() {
		status := models.RequirementStatus{Level: req.Level, Met: req.Met(metrics)}
		for _, rule := range req.Rules {
			mark := "[ ] "
			if rule.Check(metrics) {
				mark = "[x] "
			}
			status.Description = append(status.Description, mark+rule.Description)
		}
		progress.Requirements = append(progress.Requirements, status)
	}
	if rank := m.Level.Rank(); rank >= 0 && rank+1 < len(models.Levels) {
		next := models.Levels[rank+1]
		progress.NextLevel = &next
	}
	return progress
}
