// internal/models/ledger.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string
type CVType string

const (
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRefunded  OrderStatus = "refunded"

	CVTypeOrder      CVType = "order"
	CVTypeReversal   CVType = "reversal"
	CVTypeAdjustment CVType = "adjustment"
)

// Order is stored once per storefront order id; the id is the idempotency key for CV
type Order struct {
	ID             string          `json:"id" db:"id"`
	MemberID       *string         `json:"member_id,omitempty" db:"member_id"`
	TotalCV        decimal.Decimal `json:"total_cv" db:"total_cv"`
	Status         OrderStatus     `json:"status" db:"status"`
	MonthTag       string          `json:"month_tag" db:"month_tag"`
	PaidAt         time.Time       `json:"paid_at" db:"paid_at"`
	ReversedAt     *time.Time      `json:"reversed_at,omitempty" db:"reversed_at"`
	ReversalReason string          `json:"reversal_reason,omitempty" db:"reversal_reason"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// IsOrphaned reports whether the purchaser could not be resolved
func (o *Order) IsOrphaned() bool {
	return o.MemberID == nil
}

// CVLedgerEntry is append-only; corrections are new entries
type CVLedgerEntry struct {
	ID          string          `json:"id" db:"id"`
	MemberID    string          `json:"member_id" db:"member_id"`
	OrderID     *string         `json:"order_id,omitempty" db:"order_id"`
	CVAmount    decimal.Decimal `json:"cv_amount" db:"cv_amount"`
	CVType      CVType          `json:"cv_type" db:"cv_type"`
	MonthTag    string          `json:"month_tag" db:"month_tag"`
	Description string          `json:"description" db:"description"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// MonthlySummary is unique per (member, month). StatusAtClose and ClosedAt stay nil until closing.
type MonthlySummary struct {
	MemberID      string          `json:"member_id" db:"member_id"`
	MonthTag      string          `json:"month_tag" db:"month_tag"`
	TotalCV       decimal.Decimal `json:"total_cv" db:"total_cv"`
	OrdersCount   int             `json:"orders_count" db:"orders_count"`
	StatusAtClose *MemberStatus   `json:"status_at_close,omitempty" db:"status_at_close"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

func (s *MonthlySummary) IsClosed() bool {
	return s.ClosedAt != nil
}

func (s *MonthlySummary) Clone() *MonthlySummary {
	c := *s
	if s.StatusAtClose != nil {
		st := *s.StatusAtClose
		c.StatusAtClose = &st
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}
