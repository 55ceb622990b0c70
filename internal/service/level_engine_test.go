// internal/service/level_engine_test.go
package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"compensation-engine/internal/models"
	"compensation-engine/internal/repository"
)

func TestDetermineLevel(t *testing.T) {
	plan := DefaultLevelPlan()
	started := march10.AddDate(0, 0, -10)
	expired := march10.AddDate(0, 0, -91)

	tests := []struct {
		name    string
		metrics models.LevelMetrics
		want    models.Level
	}{
		{
			name:    "pending member stays membro",
			metrics: models.LevelMetrics{Status: models.MemberStatusPending, NetworkCV: dec("5000")},
			want:    models.LevelMembro,
		},
		{
			name:    "active below network threshold",
			metrics: models.LevelMetrics{Status: models.MemberStatusActive, NetworkCV: dec("499.99")},
			want:    models.LevelMembro,
		},
		{
			name:    "active with 500 network CV",
			metrics: models.LevelMetrics{Status: models.MemberStatusActive, NetworkCV: dec("500")},
			want:    models.LevelParceira,
		},
		{
			name: "one active parceira enters formacao",
			metrics: models.LevelMetrics{
				Status: models.MemberStatusActive, NetworkCV: dec("900"), ActiveParceiraChildren: 1, Now: march10,
			},
			want: models.LevelLiderFormacao,
		},
		{
			name: "formacao inside the window",
			metrics: models.LevelMetrics{
				Status: models.MemberStatusActive, NetworkCV: dec("900"), ActiveParceiraChildren: 3, Now: march10,
				LiderFormacao: models.LiderFormacao{StartedAt: &started},
			},
			want: models.LevelLiderFormacao,
		},
		{
			name: "formacao window ran out",
			metrics: models.LevelMetrics{
				Status: models.MemberStatusActive, NetworkCV: dec("900"), ActiveParceiraChildren: 3, Now: march10,
				LiderFormacao: models.LiderFormacao{StartedAt: &expired},
			},
			want: models.LevelParceira,
		},
		{
			name: "formacao cannot be entered twice",
			metrics: models.LevelMetrics{
				Status: models.MemberStatusActive, NetworkCV: dec("900"), ActiveParceiraChildren: 2, Now: march10,
				LiderFormacao: models.LiderFormacao{Exhausted: true},
			},
			want: models.LevelParceira,
		},
		{
			name:    "four active parceiras make a lider",
			metrics: models.LevelMetrics{Status: models.MemberStatusActive, NetworkCV: dec("100"), ActiveParceiraChildren: 4},
			want:    models.LevelLider,
		},
		{
			name: "network of 81000 with three lideres",
			metrics: models.LevelMetrics{
				Status: models.MemberStatusActive, NetworkCV: dec("81000"),
				ActiveParceiraChildren: 3, ActiveLiderChildren: 3,
			},
			want: models.LevelDiretora,
		},
		{
			name: "diretora volume without enough lideres",
			metrics: models.LevelMetrics{
				Status: models.MemberStatusActive, NetworkCV: dec("81000"),
				ActiveParceiraChildren: 2, ActiveLiderChildren: 2,
			},
			want: models.LevelLiderFormacao,
		},
		{
			name: "head",
			metrics: models.LevelMetrics{
				Status: models.MemberStatusActive, NetworkCV: dec("200000"),
				ActiveParceiraChildren: 3, ActiveLiderChildren: 3, ActiveDiretoraChildren: 3,
			},
			want: models.LevelHead,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := plan.DetermineLevel(tt.metrics); got != tt.want {
				t.Errorf("DetermineLevel() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDetermineLevelNeverBelowDiretoraWhenQualified(t *testing.T) {
	plan := DefaultLevelPlan()
	for _, status := range []models.MemberStatus{
		models.MemberStatusPending, models.MemberStatusActive, models.MemberStatusInactive,
	} {
		for parceiras := 0; parceiras <= 6; parceiras++ {
			for diretoras := 0; diretoras <= 3; diretoras++ {
				m := models.LevelMetrics{
					Status:                 status,
					NetworkCV:              decimal.NewFromInt(int64(80000 + parceiras*10000)),
					ActiveParceiraChildren: parceiras,
					ActiveLiderChildren:    3,
					ActiveDiretoraChildren: diretoras,
					Now:                    march10,
					LiderFormacao:          models.LiderFormacao{Exhausted: parceiras%2 == 0},
				}
				if got := plan.DetermineLevel(m); !got.AtLeast(models.LevelDiretora) {
					t.Fatalf("DetermineLevel(%+v) = %s, want diretora or above", m, got)
				}
			}
		}
	}
}

func TestDecideUpgradeOnlyKeepsLevel(t *testing.T) {
	engine := NewLevelEngine(DefaultLevelPlan(), zap.NewNop())
	m := &models.Member{ID: "a", Status: models.MemberStatusActive, Level: models.LevelLider}

	if _, changed := engine.decide(m, models.LevelMetrics{Status: models.MemberStatusActive, Now: march10}, ModeUpgradeOnly); changed {
		t.Fatal("upgrade-only recompute lowered a level")
	}

	d, changed := engine.decide(m, models.LevelMetrics{Status: models.MemberStatusActive, Now: march10}, ModeFull)
	if !changed || d.to != models.LevelMembro {
		t.Fatalf("full recompute = %+v, want membro", d)
	}
}

func TestDecideFormacaoTransitions(t *testing.T) {
	engine := NewLevelEngine(DefaultLevelPlan(), zap.NewNop())

	m := &models.Member{ID: "a", Status: models.MemberStatusActive, Level: models.LevelParceira}
	metrics := models.LevelMetrics{Status: models.MemberStatusActive, NetworkCV: dec("600"), ActiveParceiraChildren: 1, Now: march10}
	d, changed := engine.decide(m, metrics, ModeUpgradeOnly)
	if !changed || d.to != models.LevelLiderFormacao {
		t.Fatalf("expected entry into lider_formacao, got %+v", d)
	}
	if d.member.LiderFormacao.StartedAt == nil || !d.member.LiderFormacao.StartedAt.Equal(march10) {
		t.Fatalf("started_at not set on entry: %+v", d.member.LiderFormacao)
	}

	// 91 days later, still one parceira: expiry applies even mid-month
	later := march10.Add(91 * 24 * time.Hour)
	in := d.member
	metrics.Now = later
	metrics.LiderFormacao = in.LiderFormacao
	d, changed = engine.decide(in, metrics, ModeUpgradeOnly)
	if !changed || d.to != models.LevelParceira {
		t.Fatalf("expected expiry to parceira, got %+v", d)
	}
	if d.member.LiderFormacao.StartedAt != nil || !d.member.LiderFormacao.Exhausted {
		t.Fatalf("exit by expiry must clear started_at and exhaust: %+v", d.member.LiderFormacao)
	}

	// promotion out of formacao clears started_at without exhausting
	metrics.Now = march10.AddDate(0, 0, 5)
	metrics.LiderFormacao = models.LiderFormacao{StartedAt: &march10}
	metrics.ActiveParceiraChildren = 4
	in = &models.Member{ID: "a", Status: models.MemberStatusActive, Level: models.LevelLiderFormacao, LiderFormacao: metrics.LiderFormacao}
	d, changed = engine.decide(in, metrics, ModeUpgradeOnly)
	if !changed || d.to != models.LevelLider {
		t.Fatalf("expected promotion to lider, got %+v", d)
	}
	if d.member.LiderFormacao.StartedAt != nil || d.member.LiderFormacao.Exhausted {
		t.Fatalf("promotion must clear started_at only: %+v", d.member.LiderFormacao)
	}
}

func TestRecomputeChainPromotesAncestorsAndLinksRoyalty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// top is a head; mid has 3 active diretoras and enough volume to become head too
	members := []*models.Member{
		{ID: "top", Status: models.MemberStatusActive, Level: models.LevelHead},
		{ID: "mid", SponsorID: sponsor("top"), Status: models.MemberStatusActive, Level: models.LevelDiretora},
	}
	for _, id := range []string{"d1", "d2", "d3"} {
		members = append(members, &models.Member{ID: id, SponsorID: sponsor("mid"), Status: models.MemberStatusActive, Level: models.LevelDiretora})
	}
	env.seed(t, members...)

	cv := map[string]decimal.Decimal{"d1": dec("70000"), "d2": dec("70000"), "d3": dec("70000")}
	var changes []MemberChange
	err := env.store.WithTx(ctx, func(tx repository.Tx) error {
		all, err := tx.ListMembers(ctx)
		if err != nil {
			return err
		}
		changes, err = env.levels.RecomputeChain(ctx, tx, NewTree(all), "d1", cv, "2024-03", march10, ModeUpgradeOnly)
		return err
	})
	if err != nil {
		t.Fatalf("RecomputeChain failed: %v", err)
	}

	if got := env.member(t, "mid").Level; got != models.LevelHead {
		t.Fatalf("mid level = %s, want head", got)
	}
	if len(changes) != 1 || changes[0].MemberID != "mid" || changes[0].Kind != ChangeLevel {
		t.Fatalf("changes = %+v", changes)
	}

	var links []*models.RoyaltyLink
	var history []*models.LevelHistoryEntry
	_ = env.store.View(ctx, func(tx repository.Tx) error {
		links, _ = tx.ListRoyaltyLinks(ctx, []string{"mid"})
		history, _ = tx.ListLevelHistory(ctx, "mid")
		return nil
	})
	if len(links) != 1 || links[0].HolderID != "top" {
		t.Fatalf("royalty links = %+v, want top holding mid", links)
	}
	if len(history) != 1 || history[0].PreviousLevel != models.LevelDiretora || len(history[0].CriteriaSnapshot) == 0 {
		t.Fatalf("history = %+v", history)
	}
}

func TestProgressMarksRules(t *testing.T) {
	engine := NewLevelEngine(DefaultLevelPlan(), zap.NewNop())
	m := &models.Member{ID: "a", Status: models.MemberStatusActive, Level: models.LevelMembro}
	tree := NewTree([]*models.Member{m})

	p := engine.Progress(tree, m, dec("500"), "2024-03", march10)
	if p.Eligible != models.LevelParceira {
		t.Errorf("eligible = %s, want parceira", p.Eligible)
	}
	if p.NextLevel == nil || *p.NextLevel != models.LevelParceira {
		t.Errorf("next level = %v, want parceira", p.NextLevel)
	}
	if len(p.Requirements) != len(DefaultLevelPlan().Requirements()) {
		t.Fatalf("requirements = %d rows", len(p.Requirements))
	}
	last := p.Requirements[len(p.Requirements)-1]
	if last.Level != models.LevelParceira || !last.Met {
		t.Errorf("parceira row = %+v, want met", last)
	}
}
