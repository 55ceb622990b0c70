// internal/models/events.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type LineItem struct {
	ProductID string          `json:"product_id" validate:"required"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity" validate:"gte=1"`
}

// OrderPaidEvent arrives after signature verification and member resolution.
// MemberID is empty when the purchaser could not be resolved.
type OrderPaidEvent struct {
	OrderID   string     `json:"order_id" validate:"required"`
	MemberID  string     `json:"member_id"`
	LineItems []LineItem `json:"line_items" validate:"dive"`
	PaidAt    time.Time  `json:"paid_at" validate:"required"`
}

type OrderReversedEvent struct {
	OrderID string      `json:"order_id" validate:"required"`
	Reason  OrderStatus `json:"reason" validate:"required,oneof=cancelled refunded"`
}

// ManualAdjustment is posted by an admin. Month is optional and defaults to the current month.
type ManualAdjustment struct {
	MemberID      string          `json:"member_id" validate:"required"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description" validate:"required"`
	ActingAdminID string          `json:"acting_admin_id" validate:"required"`
	Month         string          `json:"month,omitempty"`
}

type RegisterMemberRequest struct {
	ID        string     `json:"id" validate:"required"`
	SponsorID string     `json:"sponsor_id"`
	JoinedAt  *time.Time `json:"joined_at,omitempty"`
}

type WithdrawalRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// OrderResult reports what RecordOrderCV did
type OrderResult struct {
	OrderID     string                   `json:"order_id"`
	Duplicate   bool                     `json:"duplicate"`
	Orphaned    bool                     `json:"orphaned"`
	CV          decimal.Decimal          `json:"cv"`
	Entries     []*CVLedgerEntry         `json:"entries,omitempty"`
	Commissions []*CommissionLedgerEntry `json:"commissions,omitempty"`
}

// ReversalResult reports what ReverseOrderCV did
type ReversalResult struct {
	OrderID     string                   `json:"order_id"`
	AlreadyDone bool                     `json:"already_reversed"`
	Entries     []*CVLedgerEntry         `json:"entries,omitempty"`
	Commissions []*CommissionLedgerEntry `json:"commissions,omitempty"`
}
