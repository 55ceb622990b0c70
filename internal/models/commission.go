// internal/models/commission.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CommissionType string

const (
	CommissionFastTrack30        CommissionType = "fast_track_30"
	CommissionFastTrack20        CommissionType = "fast_track_20"
	CommissionFastTrackCascade20 CommissionType = "fast_track_cascade_20"
	CommissionFastTrackCascade10 CommissionType = "fast_track_cascade_10"
	CommissionPerpetual          CommissionType = "perpetual"
	CommissionLeadership         CommissionType = "leadership"
	CommissionBonus3Level1       CommissionType = "bonus_3_level_1"
	CommissionBonus3Level2       CommissionType = "bonus_3_level_2"
	CommissionBonus3Level3       CommissionType = "bonus_3_level_3"
	CommissionRoyalty            CommissionType = "royalty"
)

// CommissionLedgerEntry is append-only; reversals are negative mirrors keyed by SourceOrderID
type CommissionLedgerEntry struct {
	ID             string          `json:"id" db:"id"`
	MemberID       string          `json:"member_id" db:"member_id"`
	CommissionType CommissionType  `json:"commission_type" db:"commission_type"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	CVBase         decimal.Decimal `json:"cv_base" db:"cv_base"`
	Percentage     decimal.Decimal `json:"percentage" db:"percentage"`
	SourceMemberID string          `json:"source_member_id" db:"source_member_id"`
	SourceOrderID  *string         `json:"source_order_id,omitempty" db:"source_order_id"`
	NetworkLevel   int             `json:"network_level" db:"network_level"`
	ReferenceMonth string          `json:"reference_month" db:"reference_month"`
	Description    string          `json:"description" db:"description"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// CommissionBalance is maintained incrementally from the commission ledger
type CommissionBalance struct {
	MemberID         string          `json:"member_id" db:"member_id"`
	TotalEarned      decimal.Decimal `json:"total_earned" db:"total_earned"`
	TotalWithdrawn   decimal.Decimal `json:"total_withdrawn" db:"total_withdrawn"`
	AvailableBalance decimal.Decimal `json:"available_balance" db:"available_balance"`
	PendingBalance   decimal.Decimal `json:"pending_balance" db:"pending_balance"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// RoyaltyLink is a standing override from Holder to every order in Head's subtree
type RoyaltyLink struct {
	HolderID  string    `json:"holder_id" db:"holder_id"`
	HeadID    string    `json:"head_id" db:"head_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
