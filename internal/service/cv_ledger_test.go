// internal/service/cv_ledger_test.go
package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"compensation-engine/internal/models"
	"compensation-engine/internal/repository"
)

func TestRecordOrderCVIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t,
		&models.Member{ID: "b", Status: models.MemberStatusActive, Level: models.LevelParceira},
		&models.Member{ID: "a", SponsorID: sponsor("b"), JoinedAt: march10.AddDate(0, 0, -10)},
	)

	first := env.pay(t, "order-1", "a", 150)
	if first.Duplicate || len(first.Entries) != 1 {
		t.Fatalf("first delivery = %+v", first)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.ledger.RecordOrderCV(ctx, models.OrderPaidEvent{
				OrderID:   "order-1",
				MemberID:  "a",
				LineItems: []models.LineItem{{ProductID: "kit", Price: dec("150"), Quantity: 1}},
				PaidAt:    march10,
			})
			if err != nil || !res.Duplicate {
				t.Errorf("replay = %+v, %v; want duplicate", res, err)
			}
		}()
	}
	wg.Wait()

	cv, err := env.ledger.CurrentMonthlyCV(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	assertDecimal(t, "running cv", cv, dec("150"))

	entries, _ := env.ledger.GetCVHistory(ctx, "a", "")
	if len(entries) != 1 {
		t.Errorf("cv entries = %d, want 1", len(entries))
	}
	commissions, _ := env.ledger.GetCommissionHistory(ctx, "b")
	if len(commissions) != 1 {
		t.Errorf("commission entries = %d, want 1", len(commissions))
	}
	env.reconcile(t, "2024-03")
}

func TestRecordOrderCVLineItems(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.CVRate = dec("0.5")
	env.ledger.cfg.CVRate = dec("0.5")
	env.seed(t, &models.Member{ID: "a"})

	res, err := env.ledger.RecordOrderCV(context.Background(), models.OrderPaidEvent{
		OrderID:  "order-1",
		MemberID: "a",
		LineItems: []models.LineItem{
			{ProductID: "serum", Price: dec("80"), Quantity: 2},
			{ProductID: "cream", Price: dec("45.50"), Quantity: 1},
		},
		PaidAt: march10,
	})
	if err != nil {
		t.Fatalf("RecordOrderCV: %v", err)
	}
	assertDecimal(t, "order cv", res.CV, dec("102.75"))
	if len(res.Entries) != 2 {
		t.Fatalf("entries = %d, want one per line item", len(res.Entries))
	}
	assertDecimal(t, "first line", res.Entries[0].CVAmount, dec("80"))
	if a := env.member(t, "a"); a.Status != models.MemberStatusActive || a.ActivatedMonthTag != "2024-03" {
		t.Errorf("member = %s activated %q, want active in 2024-03", a.Status, a.ActivatedMonthTag)
	}
	if len(env.changes.changes) == 0 || env.changes.changes[0].Kind != ChangeStatus {
		t.Errorf("status change not notified: %+v", env.changes.changes)
	}
}

func TestRecordOrderCVRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, &models.Member{ID: "gone", Status: models.MemberStatusRemoved})

	tests := []struct {
		name  string
		event models.OrderPaidEvent
		check func(error) bool
	}{
		{
			name:  "missing order id",
			event: models.OrderPaidEvent{MemberID: "gone", PaidAt: march10},
			check: func(err error) bool { var v *ValidationError; return errors.As(err, &v) },
		},
		{
			name: "negative price",
			event: models.OrderPaidEvent{OrderID: "o1", MemberID: "gone", PaidAt: march10,
				LineItems: []models.LineItem{{ProductID: "x", Price: dec("-1"), Quantity: 1}}},
			check: func(err error) bool { var v *ValidationError; return errors.As(err, &v) },
		},
		{
			name:  "unknown member",
			event: models.OrderPaidEvent{OrderID: "o2", MemberID: "nobody", PaidAt: march10},
			check: func(err error) bool { return errors.Is(err, ErrNotFound) },
		},
		{
			name: "removed member",
			event: models.OrderPaidEvent{OrderID: "o3", MemberID: "gone", PaidAt: march10,
				LineItems: []models.LineItem{{ProductID: "x", Price: dec("10"), Quantity: 1}}},
			check: func(err error) bool { return errors.Is(err, ErrMemberRemoved) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.ledger.RecordOrderCV(ctx, tt.event)
			if !tt.check(err) {
				t.Fatalf("err = %v", err)
			}
		})
	}

	err := env.store.View(ctx, func(tx repository.Tx) error {
		_, err := tx.GetOrder(ctx, "o3")
		return err
	})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("order for removed member was stored: %v", err)
	}
}

func TestRecordOrderCVOrphaned(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ev := models.OrderPaidEvent{
		OrderID:   "guest-1",
		LineItems: []models.LineItem{{ProductID: "kit", Price: dec("99"), Quantity: 1}},
		PaidAt:    march10,
	}
	res, err := env.ledger.RecordOrderCV(ctx, ev)
	if err != nil {
		t.Fatalf("RecordOrderCV: %v", err)
	}
	if !res.Orphaned || res.Duplicate || !res.CV.IsZero() {
		t.Fatalf("result = %+v, want orphaned with no cv", res)
	}

	res, err = env.ledger.RecordOrderCV(ctx, ev)
	if err != nil || !res.Duplicate {
		t.Fatalf("replay = %+v, %v", res, err)
	}
}

func TestReverseOrderCV(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t,
		&models.Member{ID: "b", Status: models.MemberStatusActive, Level: models.LevelParceira},
		&models.Member{ID: "a", SponsorID: sponsor("b"), JoinedAt: march10.AddDate(0, 0, -10)},
	)
	env.pay(t, "order-1", "a", 150)
	if got := env.member(t, "a").Status; got != models.MemberStatusActive {
		t.Fatalf("a = %s after paying, want active", got)
	}

	env.clock.Advance(2 * 24 * time.Hour)
	res, err := env.ledger.ReverseOrderCV(ctx, models.OrderReversedEvent{OrderID: "order-1", Reason: models.OrderStatusRefunded})
	if err != nil {
		t.Fatalf("ReverseOrderCV: %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].CVType != models.CVTypeReversal {
		t.Fatalf("entries = %+v", res.Entries)
	}
	assertDecimal(t, "reversal", res.Entries[0].CVAmount, dec("-150"))

	var total decimal.Decimal
	_ = env.store.View(ctx, func(tx repository.Tx) error {
		entries, _ := tx.ListCVEntriesByOrder(ctx, "order-1")
		for _, e := range entries {
			total = total.Add(e.CVAmount)
		}
		return nil
	})
	assertDecimal(t, "order entries sum", total, decimal.Zero)

	a := env.member(t, "a")
	if a.Status != models.MemberStatusPending {
		t.Errorf("a = %s, want pending", a.Status)
	}
	assertDecimal(t, "running cv", a.CurrentCVMonth, decimal.Zero)

	if len(res.Commissions) != 1 {
		t.Fatalf("commission mirrors = %d, want 1", len(res.Commissions))
	}
	assertDecimal(t, "mirror", res.Commissions[0].Amount, dec("-45.00"))
	b := env.balance(t, "b")
	assertDecimal(t, "b earned", b.TotalEarned, decimal.Zero)
	assertDecimal(t, "b pending", b.PendingBalance, decimal.Zero)

	again, err := env.ledger.ReverseOrderCV(ctx, models.OrderReversedEvent{OrderID: "order-1", Reason: models.OrderStatusCancelled})
	if err != nil || !again.AlreadyDone {
		t.Fatalf("second reversal = %+v, %v", again, err)
	}
	env.reconcile(t, "2024-03")

	if _, err := env.ledger.ReverseOrderCV(ctx, models.OrderReversedEvent{OrderID: "missing", Reason: models.OrderStatusRefunded}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown order: err = %v", err)
	}
}

func TestReverseOrderFromClosedMonth(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, &models.Member{ID: "a"})
	env.pay(t, "order-1", "a", 120)

	env.clock.Set(time.Date(2024, 4, 3, 9, 0, 0, 0, time.UTC))
	if _, err := env.jobs.CloseMonth(ctx, "2024-03", "2024-04"); err != nil {
		t.Fatal(err)
	}
	env.pay(t, "order-2", "a", 40)

	if _, err := env.ledger.ReverseOrderCV(ctx, models.OrderReversedEvent{OrderID: "order-1", Reason: models.OrderStatusRefunded}); err != nil {
		t.Fatal(err)
	}

	summaries, _ := env.ledger.GetMonthlySummaries(ctx, "a")
	for _, s := range summaries {
		if s.MonthTag == "2024-03" {
			assertDecimal(t, "march total", s.TotalCV, decimal.Zero)
			if s.OrdersCount != 0 || !s.IsClosed() {
				t.Errorf("march summary = %+v", s)
			}
		}
	}
	a := env.member(t, "a")
	assertDecimal(t, "april running", a.CurrentCVMonth, dec("40"))
	if a.Status != models.MemberStatusActive {
		t.Errorf("status = %s, a past-month refund must not regress status", a.Status)
	}
	env.reconcile(t, "2024-03")
	env.reconcile(t, "2024-04")
}

func TestManualAdjustment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, &models.Member{ID: "h"})
	env.pay(t, "order-1", "h", 110)

	entry, err := env.ledger.ApplyManualAdjustment(ctx, models.ManualAdjustment{
		MemberID:      "h",
		Amount:        dec("-30"),
		Description:   "correção",
		ActingAdminID: "admin-1",
	})
	if err != nil {
		t.Fatalf("ApplyManualAdjustment: %v", err)
	}
	if entry.CVType != models.CVTypeAdjustment || entry.MonthTag != "2024-03" {
		t.Errorf("entry = %+v", entry)
	}

	h := env.member(t, "h")
	assertDecimal(t, "running cv", h.CurrentCVMonth, dec("80"))
	if h.Status != models.MemberStatusPending {
		t.Errorf("status = %s, want pending", h.Status)
	}
	summaries, _ := env.ledger.GetMonthlySummaries(ctx, "h")
	if len(summaries) != 1 {
		t.Fatalf("summaries = %d", len(summaries))
	}
	assertDecimal(t, "summary", summaries[0].TotalCV, dec("80"))
	env.reconcile(t, "2024-03")

	// a later positive correction re-activates
	if _, err := env.ledger.ApplyManualAdjustment(ctx, models.ManualAdjustment{
		MemberID: "h", Amount: dec("25"), Description: "bonus kit", ActingAdminID: "admin-1",
	}); err != nil {
		t.Fatal(err)
	}
	if got := env.member(t, "h").Status; got != models.MemberStatusActive {
		t.Errorf("status = %s, want active", got)
	}
}

func TestManualAdjustmentPastMonth(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, &models.Member{ID: "h"})
	env.pay(t, "order-1", "h", 50)

	if _, err := env.ledger.ApplyManualAdjustment(ctx, models.ManualAdjustment{
		MemberID: "h", Amount: dec("15"), Description: "late credit", ActingAdminID: "admin-1", Month: "2024-02",
	}); err != nil {
		t.Fatal(err)
	}
	assertDecimal(t, "running cv", env.member(t, "h").CurrentCVMonth, dec("50"))
	env.reconcile(t, "2024-02")

	feb, _ := env.ledger.GetCVHistory(ctx, "h", "2024-02")
	if len(feb) != 1 {
		t.Errorf("february entries = %d, want 1", len(feb))
	}
}

func TestManualAdjustmentValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, &models.Member{ID: "h"})

	tests := []struct {
		name  string
		adj   models.ManualAdjustment
		field string
	}{
		{"zero amount", models.ManualAdjustment{MemberID: "h", Description: "x", ActingAdminID: "a"}, "amount"},
		{"missing description", models.ManualAdjustment{MemberID: "h", Amount: dec("5"), ActingAdminID: "a"}, "ManualAdjustment.Description"},
		{"missing admin", models.ManualAdjustment{MemberID: "h", Amount: dec("5"), Description: "x"}, "ManualAdjustment.ActingAdminID"},
		{"bad month", models.ManualAdjustment{MemberID: "h", Amount: dec("5"), Description: "x", ActingAdminID: "a", Month: "March"}, "month"},
		{"future month", models.ManualAdjustment{MemberID: "h", Amount: dec("5"), Description: "x", ActingAdminID: "a", Month: "2024-05"}, "month"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.ledger.ApplyManualAdjustment(context.Background(), tt.adj)
			var v *ValidationError
			if !errors.As(err, &v) || v.Field != tt.field {
				t.Fatalf("err = %v, want ValidationError on %s", err, tt.field)
			}
		})
	}

	_, err := env.ledger.ApplyManualAdjustment(context.Background(), models.ManualAdjustment{
		MemberID: "nobody", Amount: dec("5"), Description: "x", ActingAdminID: "a",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown member: err = %v", err)
	}
}

func TestCurrentMonthlyCVRollsOverLazily(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, &models.Member{ID: "a"})
	env.pay(t, "order-1", "a", 70)

	env.clock.Set(time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC))
	cv, err := env.ledger.CurrentMonthlyCV(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	assertDecimal(t, "april cv before any order", cv, decimal.Zero)

	env.pay(t, "order-2", "a", 30)
	a := env.member(t, "a")
	assertDecimal(t, "april cv", a.CurrentCVMonth, dec("30"))
	if a.CurrentCVMonthTag != "2024-04" {
		t.Errorf("tag = %s", a.CurrentCVMonthTag)
	}
}

func TestRegisterMember(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t,
		&models.Member{ID: "root", Status: models.MemberStatusActive},
		&models.Member{ID: "gone", Status: models.MemberStatusRemoved},
	)

	m, err := env.ledger.RegisterMember(ctx, models.RegisterMemberRequest{ID: "new", SponsorID: "root"})
	if err != nil {
		t.Fatalf("RegisterMember: %v", err)
	}
	if m.Status != models.MemberStatusPending || m.Level != models.LevelMembro || !m.JoinedAt.Equal(march10) {
		t.Errorf("member = %+v", m)
	}

	tests := []struct {
		name  string
		req   models.RegisterMemberRequest
		check func(error) bool
	}{
		{"duplicate id", models.RegisterMemberRequest{ID: "new", SponsorID: "root"}, func(err error) bool { var v *ValidationError; return errors.As(err, &v) }},
		{"unknown sponsor", models.RegisterMemberRequest{ID: "x", SponsorID: "nobody"}, func(err error) bool { return errors.Is(err, ErrNotFound) }},
		{"removed sponsor", models.RegisterMemberRequest{ID: "y", SponsorID: "gone"}, func(err error) bool { return errors.Is(err, ErrMemberRemoved) }},
		{"self sponsor", models.RegisterMemberRequest{ID: "root", SponsorID: "root"}, func(err error) bool { return errors.Is(err, ErrCycle) }},
		{"missing id", models.RegisterMemberRequest{SponsorID: "root"}, func(err error) bool { var v *ValidationError; return errors.As(err, &v) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.ledger.RegisterMember(ctx, tt.req); !tt.check(err) {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

// retire pushes a member past the inactivity limit and runs compression
func retire(t *testing.T, env *testEnv, id string) {
	t.Helper()
	ctx := context.Background()
	err := env.store.WithTx(ctx, func(tx repository.Tx) error {
		m, err := tx.LockMember(ctx, id)
		if err != nil {
			return err
		}
		m.Status = models.MemberStatusInactive
		m.InactiveMonthsCount = 6
		return tx.UpdateMember(ctx, m)
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.jobs.RunCompression(ctx); err != nil {
		t.Fatal(err)
	}
	if got := env.member(t, id).Status; got != models.MemberStatusRemoved {
		t.Fatalf("%s = %s after compression, want removed", id, got)
	}
}

func TestReverseOrderLeavesRemovedMembersAlone(t *testing.T) {
	ctx := context.Background()

	t.Run("removed purchaser", func(t *testing.T) {
		env := newTestEnv(t)
		env.seed(t,
			&models.Member{ID: "b", Status: models.MemberStatusActive, Level: models.LevelParceira},
			&models.Member{ID: "a", SponsorID: sponsor("b"), JoinedAt: march10.AddDate(0, 0, -10)},
		)
		env.pay(t, "order-1", "a", 150)
		retire(t, env, "a")

		res, err := env.ledger.ReverseOrderCV(ctx, models.OrderReversedEvent{OrderID: "order-1", Reason: models.OrderStatusRefunded})
		if err != nil {
			t.Fatalf("ReverseOrderCV: %v", err)
		}
		if len(res.Entries) != 0 {
			t.Errorf("reversal entries for removed purchaser = %+v", res.Entries)
		}
		if len(res.Commissions) != 1 || res.Commissions[0].MemberID != "b" {
			t.Fatalf("commission mirrors = %+v, want b's fast track only", res.Commissions)
		}
		assertDecimal(t, "b earned", env.balance(t, "b").TotalEarned, decimal.Zero)

		history, err := env.ledger.GetCVHistory(ctx, "a", "")
		if err != nil {
			t.Fatal(err)
		}
		if len(history) != 1 || history[0].CVType != models.CVTypeOrder {
			t.Errorf("ledger of removed a = %+v, want the original order only", history)
		}
		summaries, _ := env.ledger.GetMonthlySummaries(ctx, "a")
		if len(summaries) != 1 {
			t.Fatalf("summaries = %+v", summaries)
		}
		assertDecimal(t, "a march summary", summaries[0].TotalCV, dec("150"))

		again, err := env.ledger.ReverseOrderCV(ctx, models.OrderReversedEvent{OrderID: "order-1", Reason: models.OrderStatusRefunded})
		if err != nil || !again.AlreadyDone {
			t.Errorf("repeat = %+v, %v", again, err)
		}
		env.reconcile(t, "2024-03")
	})

	t.Run("removed recipient", func(t *testing.T) {
		env := newTestEnv(t)
		env.seed(t,
			&models.Member{ID: "b", Status: models.MemberStatusActive, Level: models.LevelParceira},
			&models.Member{ID: "a", SponsorID: sponsor("b"), JoinedAt: march10.AddDate(0, 0, -10)},
		)
		env.pay(t, "order-1", "a", 150)
		assertDecimal(t, "b earned", env.balance(t, "b").TotalEarned, dec("45.00"))
		retire(t, env, "b")

		res, err := env.ledger.ReverseOrderCV(ctx, models.OrderReversedEvent{OrderID: "order-1", Reason: models.OrderStatusRefunded})
		if err != nil {
			t.Fatalf("ReverseOrderCV: %v", err)
		}
		if len(res.Entries) != 1 {
			t.Errorf("reversal entries = %d, want 1", len(res.Entries))
		}
		if len(res.Commissions) != 0 {
			t.Errorf("commission mirrors for removed b = %+v", res.Commissions)
		}
		b := env.balance(t, "b")
		assertDecimal(t, "b earned", b.TotalEarned, dec("45.00"))
		env.reconcile(t, "2024-03")
	})
}

func TestStatusRegressionLowersLevel(t *testing.T) {
	tests := []struct {
		name string
		undo func(env *testEnv) error
	}{
		{
			name: "refund",
			undo: func(env *testEnv) error {
				_, err := env.ledger.ReverseOrderCV(context.Background(), models.OrderReversedEvent{OrderID: "order-1", Reason: models.OrderStatusRefunded})
				return err
			},
		},
		{
			name: "negative adjustment",
			undo: func(env *testEnv) error {
				_, err := env.ledger.ApplyManualAdjustment(context.Background(), models.ManualAdjustment{
					MemberID: "a", Amount: dec("-550"), Description: "estorno parcial", ActingAdminID: "admin-1",
				})
				return err
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.seed(t,
				&models.Member{ID: "up", Status: models.MemberStatusActive},
				&models.Member{ID: "a", SponsorID: sponsor("up")},
			)
			env.pay(t, "order-1", "a", 600)
			if a := env.member(t, "a"); a.Status != models.MemberStatusActive || a.Level != models.LevelParceira {
				t.Fatalf("a = %s/%s after paying, want active/parceira", a.Status, a.Level)
			}
			if got := env.member(t, "up").Level; got != models.LevelLiderFormacao {
				t.Fatalf("up = %s, want lider_formacao", got)
			}

			env.changes.changes = nil
			if err := tt.undo(env); err != nil {
				t.Fatal(err)
			}

			a := env.member(t, "a")
			if a.Status != models.MemberStatusPending || a.Level != models.LevelMembro {
				t.Errorf("a = %s/%s, want pending/membro", a.Status, a.Level)
			}
			// up is still active, so its level waits for the close
			if got := env.member(t, "up").Level; got != models.LevelLiderFormacao {
				t.Errorf("up = %s, want lider_formacao until the month closes", got)
			}

			var sawLevel bool
			for _, c := range env.changes.changes {
				if c.MemberID == "a" && c.Kind == ChangeLevel && c.From == string(models.LevelParceira) && c.To == string(models.LevelMembro) {
					sawLevel = true
				}
			}
			if !sawLevel {
				t.Errorf("no level notification for a: %+v", env.changes.changes)
			}
			history, _ := env.ledger.GetLevelHistory(context.Background(), "a")
			if n := len(history); n != 2 || history[n-1].NewLevel != models.LevelMembro {
				t.Errorf("level history = %+v", history)
			}
		})
	}
}
