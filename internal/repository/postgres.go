// internal/repository/postgres.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"compensation-engine/internal/models"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresStore persists the ledger with lib/pq. Each unit of work is one transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over db
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return fn(&pgTx{q: s.db})
}

type pgTx struct {
	q queryer
}

const memberColumns = `id, sponsor_id, status, level, current_cv_month, current_cv_month_tag,
	activated_month_tag, inactive_months_count, counter_month_tag,
	lider_formacao_started_at, lider_formacao_exhausted, joined_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMember(row rowScanner) (*models.Member, error) {
	m := &models.Member{}
	var sponsor sql.NullString
	var started sql.NullTime
	err := row.Scan(
		&m.ID,
		&sponsor,
		&m.Status,
		&m.Level,
		&m.CurrentCVMonth,
		&m.CurrentCVMonthTag,
		&m.ActivatedMonthTag,
		&m.InactiveMonthsCount,
		&m.CounterMonthTag,
		&started,
		&m.LiderFormacao.Exhausted,
		&m.JoinedAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sponsor.Valid {
		m.SponsorID = &sponsor.String
	}
	if started.Valid {
		m.LiderFormacao.StartedAt = &started.Time
	}
	return m, nil
}

func (t *pgTx) queryMembers(ctx context.Context, query string, args ...interface{}) ([]*models.Member, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []*models.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (t *pgTx) getMember(ctx context.Context, query, id string) (*models.Member, error) {
	m, err := scanMember(t.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (t *pgTx) GetMember(ctx context.Context, id string) (*models.Member, error) {
	return t.getMember(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id)
}

func (t *pgTx) LockMember(ctx context.Context, id string) (*models.Member, error) {
	return t.getMember(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) ListMembers(ctx context.Context) ([]*models.Member, error) {
	return t.queryMembers(ctx, `SELECT `+memberColumns+` FROM members ORDER BY id`)
}

func (t *pgTx) ListChildren(ctx context.Context, sponsorID string) ([]*models.Member, error) {
	return t.queryMembers(ctx, `SELECT `+memberColumns+` FROM members WHERE sponsor_id = $1 ORDER BY id`, sponsorID)
}

func (t *pgTx) ListSubtree(ctx context.Context, rootID string) ([]*models.Member, error) {
	query := `
		WITH RECURSIVE network AS (
			SELECT id FROM members WHERE id = $1
			UNION
			SELECT m.id FROM members m JOIN network n ON m.sponsor_id = n.id
		)
		SELECT ` + memberColumns + ` FROM members WHERE id IN (SELECT id FROM network) ORDER BY id`
	return t.queryMembers(ctx, query, rootID)
}

func (t *pgTx) CreateMember(ctx context.Context, m *models.Member) error {
	query := `
		INSERT INTO members (` + memberColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := t.q.ExecContext(ctx, query,
		m.ID,
		m.SponsorID,
		m.Status,
		m.Level,
		m.CurrentCVMonth,
		m.CurrentCVMonthTag,
		m.ActivatedMonthTag,
		m.InactiveMonthsCount,
		m.CounterMonthTag,
		m.LiderFormacao.StartedAt,
		m.LiderFormacao.Exhausted,
		m.JoinedAt,
		m.CreatedAt,
		m.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (t *pgTx) UpdateMember(ctx context.Context, m *models.Member) error {
	query := `
		UPDATE members SET
			sponsor_id = $2, status = $3, level = $4, current_cv_month = $5, current_cv_month_tag = $6,
			activated_month_tag = $7, inactive_months_count = $8, counter_month_tag = $9,
			lider_formacao_started_at = $10, lider_formacao_exhausted = $11, updated_at = $12
		WHERE id = $1
	`
	res, err := t.q.ExecContext(ctx, query,
		m.ID,
		m.SponsorID,
		m.Status,
		m.Level,
		m.CurrentCVMonth,
		m.CurrentCVMonthTag,
		m.ActivatedMonthTag,
		m.InactiveMonthsCount,
		m.CounterMonthTag,
		m.LiderFormacao.StartedAt,
		m.LiderFormacao.Exhausted,
		m.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *models.Order) (bool, error) {
	query := `
		INSERT INTO orders (id, member_id, total_cv, status, month_tag, paid_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := t.q.ExecContext(ctx, query,
		o.ID,
		o.MemberID,
		o.TotalCV,
		o.Status,
		o.MonthTag,
		o.PaidAt,
		o.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	query := `
		SELECT id, member_id, total_cv, status, month_tag, paid_at, reversed_at, reversal_reason, created_at
		FROM orders WHERE id = $1
	`
	o := &models.Order{}
	var member sql.NullString
	var reversed sql.NullTime
	err := t.q.QueryRowContext(ctx, query, id).Scan(
		&o.ID,
		&member,
		&o.TotalCV,
		&o.Status,
		&o.MonthTag,
		&o.PaidAt,
		&reversed,
		&o.ReversalReason,
		&o.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if member.Valid {
		o.MemberID = &member.String
	}
	if reversed.Valid {
		o.ReversedAt = &reversed.Time
	}
	return o, nil
}

func (t *pgTx) MarkOrderReversed(ctx context.Context, id string, status models.OrderStatus, reason string, at time.Time) (bool, error) {
	query := `
		UPDATE orders SET status = $1, reversal_reason = $2, reversed_at = $3
		WHERE id = $4 AND status = $5
	`
	res, err := t.q.ExecContext(ctx, query, status, reason, at, id, models.OrderStatusPaid)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *pgTx) InsertCVEntries(ctx context.Context, entries []*models.CVLedgerEntry) error {
	query := `
		INSERT INTO cv_ledger_entries (id, member_id, order_id, cv_amount, cv_type, month_tag, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, e := range entries {
		_, err := t.q.ExecContext(ctx, query,
			e.ID,
			e.MemberID,
			e.OrderID,
			e.CVAmount,
			e.CVType,
			e.MonthTag,
			e.Description,
			e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert cv entry %s: %w", e.ID, err)
		}
	}
	return nil
}

func (t *pgTx) queryCVEntries(ctx context.Context, query string, args ...interface{}) ([]*models.CVLedgerEntry, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.CVLedgerEntry
	for rows.Next() {
		e := &models.CVLedgerEntry{}
		var order sql.NullString
		err := rows.Scan(
			&e.ID,
			&e.MemberID,
			&order,
			&e.CVAmount,
			&e.CVType,
			&e.MonthTag,
			&e.Description,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if order.Valid {
			e.OrderID = &order.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (t *pgTx) ListCVEntriesByOrder(ctx context.Context, orderID string) ([]*models.CVLedgerEntry, error) {
	return t.queryCVEntries(ctx, `
		SELECT id, member_id, order_id, cv_amount, cv_type, month_tag, description, created_at
		FROM cv_ledger_entries WHERE order_id = $1 ORDER BY created_at, id`, orderID)
}

func (t *pgTx) ListCVEntries(ctx context.Context, memberID, monthTag string) ([]*models.CVLedgerEntry, error) {
	return t.queryCVEntries(ctx, `
		SELECT id, member_id, order_id, cv_amount, cv_type, month_tag, description, created_at
		FROM cv_ledger_entries
		WHERE member_id = $1 AND ($2 = '' OR month_tag = $2)
		ORDER BY created_at DESC, id`, memberID, monthTag)
}

func (t *pgTx) SumCV(ctx context.Context, memberID, monthTag string) (decimal.Decimal, int, error) {
	query := `
		SELECT COALESCE(SUM(cv_amount), 0),
		       COUNT(DISTINCT order_id) FILTER (WHERE cv_type = 'order')
		     - COUNT(DISTINCT order_id) FILTER (WHERE cv_type = 'reversal')
		FROM cv_ledger_entries
		WHERE member_id = $1 AND month_tag = $2
	`
	var total decimal.Decimal
	var orders int
	if err := t.q.QueryRowContext(ctx, query, memberID, monthTag).Scan(&total, &orders); err != nil {
		return decimal.Zero, 0, err
	}
	return total, orders, nil
}

const summaryColumns = `member_id, month_tag, total_cv, orders_count, status_at_close, closed_at`

func scanSummary(row rowScanner) (*models.MonthlySummary, error) {
	s := &models.MonthlySummary{}
	var status sql.NullString
	var closed sql.NullTime
	if err := row.Scan(&s.MemberID, &s.MonthTag, &s.TotalCV, &s.OrdersCount, &status, &closed); err != nil {
		return nil, err
	}
	if status.Valid {
		st := models.MemberStatus(status.String)
		s.StatusAtClose = &st
	}
	if closed.Valid {
		s.ClosedAt = &closed.Time
	}
	return s, nil
}

func (t *pgTx) querySummaries(ctx context.Context, query string, args ...interface{}) ([]*models.MonthlySummary, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.MonthlySummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTx) GetMonthlySummary(ctx context.Context, memberID, monthTag string) (*models.MonthlySummary, error) {
	query := `SELECT ` + summaryColumns + ` FROM monthly_summaries WHERE member_id = $1 AND month_tag = $2`
	s, err := scanSummary(t.q.QueryRowContext(ctx, query, memberID, monthTag))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (t *pgTx) UpsertMonthlySummary(ctx context.Context, s *models.MonthlySummary) error {
	query := `
		INSERT INTO monthly_summaries (` + summaryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (member_id, month_tag) DO UPDATE SET
			total_cv = EXCLUDED.total_cv,
			orders_count = EXCLUDED.orders_count,
			status_at_close = EXCLUDED.status_at_close,
			closed_at = EXCLUDED.closed_at
	`
	_, err := t.q.ExecContext(ctx, query, s.MemberID, s.MonthTag, s.TotalCV, s.OrdersCount, s.StatusAtClose, s.ClosedAt)
	return err
}

func (t *pgTx) AddToMonthlySummary(ctx context.Context, memberID, monthTag string, cv decimal.Decimal, orders int) error {
	query := `
		INSERT INTO monthly_summaries (member_id, month_tag, total_cv, orders_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (member_id, month_tag) DO UPDATE SET
			total_cv = monthly_summaries.total_cv + EXCLUDED.total_cv,
			orders_count = monthly_summaries.orders_count + EXCLUDED.orders_count
	`
	_, err := t.q.ExecContext(ctx, query, memberID, monthTag, cv, orders)
	return err
}

func (t *pgTx) ListMonthlySummaries(ctx context.Context, memberID string) ([]*models.MonthlySummary, error) {
	return t.querySummaries(ctx, `SELECT `+summaryColumns+` FROM monthly_summaries WHERE member_id = $1 ORDER BY month_tag DESC`, memberID)
}

func (t *pgTx) ListSummariesByMonth(ctx context.Context, monthTag string) ([]*models.MonthlySummary, error) {
	return t.querySummaries(ctx, `SELECT `+summaryColumns+` FROM monthly_summaries WHERE month_tag = $1 ORDER BY member_id`, monthTag)
}

func (t *pgTx) InsertCommissions(ctx context.Context, entries []*models.CommissionLedgerEntry) error {
	query := `
		INSERT INTO commission_ledger_entries
		(id, member_id, commission_type, amount, cv_base, percentage, source_member_id, source_order_id,
		 network_level, reference_month, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	for _, e := range entries {
		_, err := t.q.ExecContext(ctx, query,
			e.ID,
			e.MemberID,
			e.CommissionType,
			e.Amount,
			e.CVBase,
			e.Percentage,
			e.SourceMemberID,
			e.SourceOrderID,
			e.NetworkLevel,
			e.ReferenceMonth,
			e.Description,
			e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert commission %s: %w", e.ID, err)
		}
	}
	return nil
}

func (t *pgTx) queryCommissions(ctx context.Context, query string, args ...interface{}) ([]*models.CommissionLedgerEntry, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.CommissionLedgerEntry
	for rows.Next() {
		e := &models.CommissionLedgerEntry{}
		var order sql.NullString
		err := rows.Scan(
			&e.ID,
			&e.MemberID,
			&e.CommissionType,
			&e.Amount,
			&e.CVBase,
			&e.Percentage,
			&e.SourceMemberID,
			&order,
			&e.NetworkLevel,
			&e.ReferenceMonth,
			&e.Description,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if order.Valid {
			e.SourceOrderID = &order.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const commissionColumns = `id, member_id, commission_type, amount, cv_base, percentage, source_member_id,
	source_order_id, network_level, reference_month, description, created_at`

func (t *pgTx) ListCommissionsByOrder(ctx context.Context, orderID string) ([]*models.CommissionLedgerEntry, error) {
	return t.queryCommissions(ctx, `SELECT `+commissionColumns+` FROM commission_ledger_entries WHERE source_order_id = $1 ORDER BY created_at, id`, orderID)
}

func (t *pgTx) ListCommissions(ctx context.Context, memberID string) ([]*models.CommissionLedgerEntry, error) {
	return t.queryCommissions(ctx, `SELECT `+commissionColumns+` FROM commission_ledger_entries WHERE member_id = $1 ORDER BY created_at DESC, id`, memberID)
}

func (t *pgTx) SumCommissions(ctx context.Context, memberID string, commissionType models.CommissionType) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := t.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM commission_ledger_entries
		WHERE member_id = $1 AND commission_type = $2`, memberID, commissionType).Scan(&total)
	return total, err
}

func (t *pgTx) GetBalance(ctx context.Context, memberID string) (*models.CommissionBalance, error) {
	query := `
		SELECT member_id, total_earned, total_withdrawn, available_balance, pending_balance, updated_at
		FROM commission_balances WHERE member_id = $1
	`
	b := &models.CommissionBalance{}
	err := t.q.QueryRowContext(ctx, query, memberID).Scan(
		&b.MemberID,
		&b.TotalEarned,
		&b.TotalWithdrawn,
		&b.AvailableBalance,
		&b.PendingBalance,
		&b.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.CommissionBalance{MemberID: memberID}, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (t *pgTx) AdjustBalance(ctx context.Context, memberID string, delta BalanceDelta) error {
	query := `
		INSERT INTO commission_balances (member_id, total_earned, total_withdrawn, available_balance, pending_balance, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (member_id) DO UPDATE SET
			total_earned = commission_balances.total_earned + EXCLUDED.total_earned,
			total_withdrawn = commission_balances.total_withdrawn + EXCLUDED.total_withdrawn,
			available_balance = commission_balances.available_balance + EXCLUDED.available_balance,
			pending_balance = commission_balances.pending_balance + EXCLUDED.pending_balance,
			updated_at = NOW()
	`
	_, err := t.q.ExecContext(ctx, query, memberID, delta.Earned, delta.Withdrawn, delta.Available, delta.Pending)
	return err
}

func (t *pgTx) InsertRoyaltyLink(ctx context.Context, link *models.RoyaltyLink) (bool, error) {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO royalty_links (head_id, holder_id, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (head_id) DO NOTHING`, link.HeadID, link.HolderID, link.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *pgTx) ListRoyaltyLinks(ctx context.Context, headIDs []string) ([]*models.RoyaltyLink, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT head_id, holder_id, created_at FROM royalty_links WHERE head_id = ANY($1)`, pq.Array(headIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.RoyaltyLink
	for rows.Next() {
		l := &models.RoyaltyLink{}
		if err := rows.Scan(&l.HeadID, &l.HolderID, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertLevelHistory(ctx context.Context, e *models.LevelHistoryEntry) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO level_history (id, member_id, previous_level, new_level, reason, criteria_snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.MemberID, e.PreviousLevel, e.NewLevel, e.Reason, []byte(e.CriteriaSnapshot), e.CreatedAt)
	return err
}

func (t *pgTx) ListLevelHistory(ctx context.Context, memberID string) ([]*models.LevelHistoryEntry, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, member_id, previous_level, new_level, reason, criteria_snapshot, created_at
		FROM level_history WHERE member_id = $1 ORDER BY created_at, id`, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.LevelHistoryEntry
	for rows.Next() {
		e := &models.LevelHistoryEntry{}
		var snapshot []byte
		if err := rows.Scan(&e.ID, &e.MemberID, &e.PreviousLevel, &e.NewLevel, &e.Reason, &snapshot, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CriteriaSnapshot = snapshot
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertCompressionLog(ctx context.Context, e *models.CompressionLogEntry) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO compression_log (id, member_id, original_sponsor_id, recruits_moved, inactive_months, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.MemberID, e.OriginalSponsorID, pq.Array(e.RecruitsMoved), e.InactiveMonths, e.CreatedAt)
	return err
}

func (t *pgTx) ListCompressionLog(ctx context.Context) ([]*models.CompressionLogEntry, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, member_id, original_sponsor_id, recruits_moved, inactive_months, created_at
		FROM compression_log ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.CompressionLogEntry
	for rows.Next() {
		e := &models.CompressionLogEntry{}
		var sponsor sql.NullString
		if err := rows.Scan(&e.ID, &e.MemberID, &sponsor, pq.Array(&e.RecruitsMoved), &e.InactiveMonths, &e.CreatedAt); err != nil {
			return nil, err
		}
		if sponsor.Valid {
			e.OriginalSponsorID = &sponsor.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
