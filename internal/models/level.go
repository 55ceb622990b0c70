// internal/models/level.go
package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Level string

const (
	LevelMembro        Level = "membro"
	LevelParceira      Level = "parceira"
	LevelLiderFormacao Level = "lider_formacao"
	LevelLider         Level = "lider"
	LevelDiretora      Level = "diretora"
	LevelHead          Level = "head"
)

// Levels lists every level from lowest to highest
var Levels = []Level{
	LevelMembro,
	LevelParceira,
	LevelLiderFormacao,
	LevelLider,
	LevelDiretora,
	LevelHead,
}

// Rank is the position of l in Levels, -1 for unknown values
func (l Level) Rank() int {
	for i, lv := range Levels {
		if lv == l {
			return i
		}
	}
	return -1
}

func (l Level) Valid() bool {
	return l.Rank() >= 0
}

// AtLeast reports whether l ranks at or above other
func (l Level) AtLeast(other Level) bool {
	return l.Rank() >= other.Rank()
}

// LevelMetrics is the input of the level classifier
type LevelMetrics struct {
	Status                 MemberStatus    `json:"status"`
	NetworkCV              decimal.Decimal `json:"network_cv"`
	ActiveParceiraChildren int             `json:"active_parceira_children"`
	ActiveLiderChildren    int             `json:"active_lider_children"`
	ActiveDiretoraChildren int             `json:"active_diretora_children"`
	LiderFormacao          LiderFormacao   `json:"lider_formacao"`
	ReferenceMonth         string          `json:"reference_month"`
	Now                    time.Time       `json:"evaluated_at"`
}

// Snapshot serialises the metrics for the audit trail
func (m LevelMetrics) Snapshot() json.RawMessage {
	b, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// LevelHistoryEntry is append-only
type LevelHistoryEntry struct {
	ID               string          `json:"id" db:"id"`
	MemberID         string          `json:"member_id" db:"member_id"`
	PreviousLevel    Level           `json:"previous_level" db:"previous_level"`
	NewLevel         Level           `json:"new_level" db:"new_level"`
	Reason           string          `json:"reason" db:"reason"`
	CriteriaSnapshot json.RawMessage `json:"criteria_snapshot" db:"criteria_snapshot"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// RequirementStatus describes one row of the level table for a member
type RequirementStatus struct {
	Level       Level    `json:"level"`
	Met         bool     `json:"met"`
	Description []string `json:"requirements"`
}

// LevelProgress is the member-facing level view
type LevelProgress struct {
	MemberID     string              `json:"member_id"`
	CurrentLevel Level               `json:"current_level"`
	Eligible     Level               `json:"eligible_level"`
	NextLevel    *Level              `json:"next_level,omitempty"`
	Metrics      LevelMetrics        `json:"metrics"`
	Requirements []RequirementStatus `json:"requirements"`
}
