// internal/service/helpers_test.go
package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"compensation-engine/internal/clock"
	"compensation-engine/internal/config"
	"compensation-engine/internal/models"
	"compensation-engine/internal/repository"
)

var march10 = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	store       repository.Store
	clock       *clock.Manual
	cfg         config.EngineConfig
	levels      *LevelEngine
	commissions *CommissionService
	ledger      *LedgerService
	jobs        *JobService
	recon       *ReconciliationService
	changes     *recordingNotifier
}

type recordingNotifier struct {
	changes []MemberChange
}

func (r *recordingNotifier) MemberChanged(ctx context.Context, change MemberChange) {
	r.changes = append(r.changes, change)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, repository.NewMemoryStore())
}

func newTestEnvWithStore(t *testing.T, store repository.Store) *testEnv {
	t.Helper()
	log := zap.NewNop()
	clk := clock.NewManual(march10)
	cfg := config.DefaultEngineConfig()
	cfg.BatchConcurrency = 4
	notifier := &recordingNotifier{}

	levels := NewLevelEngine(DefaultLevelPlan(), log)
	commissions := NewCommissionService(store, DefaultCommissionPlan(), clk, log)
	return &testEnv{
		store:       store,
		clock:       clk,
		cfg:         cfg,
		levels:      levels,
		commissions: commissions,
		ledger:      NewLedgerService(store, levels, commissions, cfg, clk, nil, notifier, log),
		jobs:        NewJobService(store, levels, commissions, cfg, clk, NewLocalJobLock(), notifier, log),
		recon:       NewReconciliationService(store, clk, log),
		changes:     notifier,
	}
}

// seed writes members directly, bypassing registration rules
func (e *testEnv) seed(t *testing.T, members ...*models.Member) {
	t.Helper()
	err := e.store.WithTx(context.Background(), func(tx repository.Tx) error {
		for _, m := range members {
			if m.JoinedAt.IsZero() {
				m.JoinedAt = march10.AddDate(-1, 0, 0)
			}
			if m.Level == "" {
				m.Level = models.LevelMembro
			}
			if m.Status == "" {
				m.Status = models.MemberStatusPending
			}
			if err := tx.CreateMember(context.Background(), m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func (e *testEnv) member(t *testing.T, id string) *models.Member {
	t.Helper()
	var m *models.Member
	err := e.store.View(context.Background(), func(tx repository.Tx) error {
		var err error
		m, err = tx.GetMember(context.Background(), id)
		return err
	})
	if err != nil {
		t.Fatalf("member %s: %v", id, err)
	}
	return m
}

func (e *testEnv) pay(t *testing.T, orderID, memberID string, price int64) *models.OrderResult {
	t.Helper()
	res, err := e.ledger.RecordOrderCV(context.Background(), models.OrderPaidEvent{
		OrderID:  orderID,
		MemberID: memberID,
		LineItems: []models.LineItem{
			{ProductID: "kit", Price: decimal.NewFromInt(price), Quantity: 1},
		},
		PaidAt: e.clock.Now(),
	})
	if err != nil {
		t.Fatalf("RecordOrderCV(%s) failed: %v", orderID, err)
	}
	return res
}

func (e *testEnv) balance(t *testing.T, id string) *models.CommissionBalance {
	t.Helper()
	b, err := e.ledger.GetBalance(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBalance(%s): %v", id, err)
	}
	return b
}

func (e *testEnv) reconcile(t *testing.T, month string) {
	t.Helper()
	report, err := e.recon.ReconcileMonth(context.Background(), month)
	if err != nil {
		t.Fatalf("ReconcileMonth(%s): %v", month, err)
	}
	if !report.IsBalanced {
		t.Fatalf("ledger not balanced for %s: %+v", month, report.Discrepancies)
	}
}

func sponsor(id string) *string {
	return &id
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, name string, got, want decimal.Decimal) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("%s = %s, want %s", name, got, want)
	}
}

func findCommission(entries []*models.CommissionLedgerEntry, memberID string, kind models.CommissionType) *models.CommissionLedgerEntry {
	for _, e := range entries {
		if e.MemberID == memberID && e.CommissionType == kind {
			return e
		}
	}
	return nil
}

var errInjected = errors.New("injected failure")

// faultyStore fails selected writes to exercise rollback and partial batches
type faultyStore struct {
	repository.Store
	fail func(op, id string) bool
}

func (s *faultyStore) WithTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx repository.Tx) error {
		return fn(&faultyTx{Tx: tx, fail: s.fail})
	})
}

type faultyTx struct {
	repository.Tx
	fail func(op, id string) bool
}

func (t *faultyTx) UpdateMember(ctx context.Context, m *models.Member) error {
	if t.fail("UpdateMember", m.ID) {
		return errInjected
	}
	return t.Tx.UpdateMember(ctx, m)
}

func (t *faultyTx) InsertCompressionLog(ctx context.Context, e *models.CompressionLogEntry) error {
	if t.fail("InsertCompressionLog", e.MemberID) {
		return errInjected
	}
	return t.Tx.InsertCompressionLog(ctx, e)
}

func monthStart(year int, month time.Month) time.Time {
	return time.Date(year, month, 1, 0, 30, 0, 0, time.UTC)
}
