// internal/repository/store.go
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"compensation-engine/internal/models"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

// Store runs units of work. Everything fn does inside WithTx commits or rolls back together.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
}

// BalanceDelta is added column-wise to a member's commission balance
type BalanceDelta struct {
	Earned    decimal.Decimal
	Withdrawn decimal.Decimal
	Available decimal.Decimal
	Pending   decimal.Decimal
}

// Tx is the set of ledger operations available inside a unit of work
type Tx interface {
	GetMember(ctx context.Context, id string) (*models.Member, error)
	// LockMember reads the member row and holds it until the unit of work ends
	LockMember(ctx context.Context, id string) (*models.Member, error)
	ListMembers(ctx context.Context) ([]*models.Member, error)
	ListChildren(ctx context.Context, sponsorID string) ([]*models.Member, error)
	// ListSubtree returns rootID and every member below it
	ListSubtree(ctx context.Context, rootID string) ([]*models.Member, error)
	CreateMember(ctx context.Context, m *models.Member) error
	UpdateMember(ctx context.Context, m *models.Member) error

	// InsertOrder returns false when the order id is already known
	InsertOrder(ctx context.Context, o *models.Order) (bool, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	// MarkOrderReversed moves a paid order to status; false when it was not paid anymore
	MarkOrderReversed(ctx context.Context, id string, status models.OrderStatus, reason string, at time.Time) (bool, error)

	InsertCVEntries(ctx context.Context, entries []*models.CVLedgerEntry) error
	ListCVEntriesByOrder(ctx context.Context, orderID string) ([]*models.CVLedgerEntry, error)
	ListCVEntries(ctx context.Context, memberID, monthTag string) ([]*models.CVLedgerEntry, error)
	// SumCV returns the ledger total and net order count for a member-month
	SumCV(ctx context.Context, memberID, monthTag string) (decimal.Decimal, int, error)

	GetMonthlySummary(ctx context.Context, memberID, monthTag string) (*models.MonthlySummary, error)
	UpsertMonthlySummary(ctx context.Context, s *models.MonthlySummary) error
	AddToMonthlySummary(ctx context.Context, memberID, monthTag string, cv decimal.Decimal, orders int) error
	ListMonthlySummaries(ctx context.Context, memberID string) ([]*models.MonthlySummary, error)
	ListSummariesByMonth(ctx context.Context, monthTag string) ([]*models.MonthlySummary, error)

	InsertCommissions(ctx context.Context, entries []*models.CommissionLedgerEntry) error
	ListCommissionsByOrder(ctx context.Context, orderID string) ([]*models.CommissionLedgerEntry, error)
	ListCommissions(ctx context.Context, memberID string) ([]*models.CommissionLedgerEntry, error)
	SumCommissions(ctx context.Context, memberID string, commissionType models.CommissionType) (decimal.Decimal, error)

	GetBalance(ctx context.Context, memberID string) (*models.CommissionBalance, error)
	AdjustBalance(ctx context.Context, memberID string, delta BalanceDelta) error

	InsertRoyaltyLink(ctx context.Context, link *models.RoyaltyLink) (bool, error)
	ListRoyaltyLinks(ctx context.Context, headIDs []string) ([]*models.RoyaltyLink, error)

	InsertLevelHistory(ctx context.Context, e *models.LevelHistoryEntry) error
	ListLevelHistory(ctx context.Context, memberID string) ([]*models.LevelHistoryEntry, error)

	InsertCompressionLog(ctx context.Context, e *models.CompressionLogEntry) error
	ListCompressionLog(ctx context.Context) ([]*models.CompressionLogEntry, error)
}
