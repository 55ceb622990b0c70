// internal/models/member.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type MemberStatus string

const (
	MemberStatusPending  MemberStatus = "pending"
	MemberStatusActive   MemberStatus = "active"
	MemberStatusInactive MemberStatus = "inactive"
	MemberStatusRemoved  MemberStatus = "removed"
)

// Member is a node of the sponsorship tree. SponsorID is the single parent pointer.
type Member struct {
	ID                  string          `json:"id" db:"id"`
	SponsorID           *string         `json:"sponsor_id,omitempty" db:"sponsor_id"`
	Status              MemberStatus    `json:"status" db:"status"`
	Level               Level           `json:"level" db:"level"`
	CurrentCVMonth      decimal.Decimal `json:"current_cv_month" db:"current_cv_month"`
	CurrentCVMonthTag   string          `json:"current_cv_month_tag" db:"current_cv_month_tag"`
	ActivatedMonthTag   string          `json:"activated_month_tag,omitempty" db:"activated_month_tag"`
	InactiveMonthsCount int             `json:"inactive_months_count" db:"inactive_months_count"`
	CounterMonthTag     string          `json:"-" db:"counter_month_tag"`
	LiderFormacao       LiderFormacao   `json:"lider_formacao"`
	JoinedAt            time.Time       `json:"joined_at" db:"joined_at"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at" db:"updated_at"`
}

// LiderFormacao is the transient-level sub-state. StartedAt is set on entry and
// cleared on exit; Exhausted is set when the window ran out without promotion.
type LiderFormacao struct {
	StartedAt *time.Time `json:"started_at,omitempty" db:"lider_formacao_started_at"`
	Exhausted bool       `json:"exhausted" db:"lider_formacao_exhausted"`
}

func (m *Member) IsRemoved() bool {
	return m.Status == MemberStatusRemoved
}

func (m *Member) IsActive() bool {
	return m.Status == MemberStatusActive
}

// Clone returns a copy that shares no pointers with m
func (m *Member) Clone() *Member {
	c := *m
	if m.SponsorID != nil {
		s := *m.SponsorID
		c.SponsorID = &s
	}
	if m.LiderFormacao.StartedAt != nil {
		t := *m.LiderFormacao.StartedAt
		c.LiderFormacao.StartedAt = &t
	}
	return &c
}

// SponsorOf dereferences a nullable sponsor id
func SponsorOf(m *Member) string {
	if m == nil || m.SponsorID == nil {
		return ""
	}
	return *m.SponsorID
}

// StringPtr is a helper for nullable id columns
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// MemberState is the member-facing view
type MemberState struct {
	Member         *Member            `json:"member"`
	CurrentMonthCV decimal.Decimal    `json:"current_month_cv"`
	MonthTag       string             `json:"month_tag"`
	DirectRecruits int                `json:"direct_recruits"`
	Balance        *CommissionBalance `json:"balance"`
}
