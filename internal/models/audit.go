// internal/models/audit.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CompressionLogEntry records one removal by the compression job
type CompressionLogEntry struct {
	ID                string    `json:"id" db:"id"`
	MemberID          string    `json:"member_id" db:"member_id"`
	OriginalSponsorID *string   `json:"original_sponsor_id,omitempty" db:"original_sponsor_id"`
	RecruitsMoved     []string  `json:"recruits_moved" db:"recruits_moved"`
	InactiveMonths    int       `json:"inactive_months" db:"inactive_months"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// BatchSummary is returned to the scheduler for close and compression runs
type BatchSummary struct {
	Job         string `json:"job"`
	Processed   int    `json:"processed"`
	Activated   int    `json:"activated"`
	Deactivated int    `json:"deactivated"`
	Unchanged   int    `json:"unchanged"`
	Removed     int    `json:"removed,omitempty"`
	// LevelChanges counts levels rewritten by the network recompute that follows the job
	LevelChanges int       `json:"level_changes"`
	Errors       int       `json:"errors"`
	Skipped      int       `json:"skipped"`
	Partial      bool      `json:"partial"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Discrepancy is one broken invariant found by reconciliation
type Discrepancy struct {
	MemberID    string          `json:"member_id"`
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	DetectedAt  time.Time       `json:"detected_at"`
}

type ReconciliationReport struct {
	ID             string        `json:"id"`
	MonthTag       string        `json:"month_tag"`
	MembersChecked int           `json:"members_checked"`
	IsBalanced     bool          `json:"is_balanced"`
	Discrepancies  []Discrepancy `json:"discrepancies"`
	CreatedAt      time.Time     `json:"created_at"`
}
