// internal/models/schema.go
package models

// Schema is applied in order on startup when STORE_DRIVER=postgres
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS members (
    id VARCHAR(64) PRIMARY KEY,
    sponsor_id VARCHAR(64) REFERENCES members(id),
    status VARCHAR(20) NOT NULL,
    level VARCHAR(20) NOT NULL,
    current_cv_month DECIMAL(19, 4) NOT NULL DEFAULT 0,
    current_cv_month_tag VARCHAR(7) NOT NULL DEFAULT '',
    activated_month_tag VARCHAR(7) NOT NULL DEFAULT '',
    inactive_months_count INT NOT NULL DEFAULT 0,
    counter_month_tag VARCHAR(7) NOT NULL DEFAULT '',
    lider_formacao_started_at TIMESTAMPTZ,
    lider_formacao_exhausted BOOLEAN NOT NULL DEFAULT FALSE,
    joined_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE INDEX IF NOT EXISTS idx_members_sponsor ON members (sponsor_id)`,
	`CREATE INDEX IF NOT EXISTS idx_members_status ON members (status)`,

	`CREATE TABLE IF NOT EXISTS orders (
    id VARCHAR(64) PRIMARY KEY,
    member_id VARCHAR(64) REFERENCES members(id),
    total_cv DECIMAL(19, 4) NOT NULL,
    status VARCHAR(20) NOT NULL,
    month_tag VARCHAR(7) NOT NULL,
    paid_at TIMESTAMPTZ NOT NULL,
    reversed_at TIMESTAMPTZ,
    reversal_reason VARCHAR(20) NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,

	`CREATE TABLE IF NOT EXISTS cv_ledger_entries (
    id VARCHAR(36) PRIMARY KEY,
    member_id VARCHAR(64) NOT NULL REFERENCES members(id),
    order_id VARCHAR(64) REFERENCES orders(id),
    cv_amount DECIMAL(19, 4) NOT NULL,
    cv_type VARCHAR(20) NOT NULL,
    month_tag VARCHAR(7) NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE INDEX IF NOT EXISTS idx_cv_ledger_member_month ON cv_ledger_entries (member_id, month_tag)`,
	`CREATE INDEX IF NOT EXISTS idx_cv_ledger_order ON cv_ledger_entries (order_id)`,

	`CREATE TABLE IF NOT EXISTS monthly_summaries (
    member_id VARCHAR(64) NOT NULL REFERENCES members(id),
    month_tag VARCHAR(7) NOT NULL,
    total_cv DECIMAL(19, 4) NOT NULL DEFAULT 0,
    orders_count INT NOT NULL DEFAULT 0,
    status_at_close VARCHAR(20),
    closed_at TIMESTAMPTZ,
    PRIMARY KEY (member_id, month_tag)
)`,

	`CREATE TABLE IF NOT EXISTS commission_ledger_entries (
    id VARCHAR(36) PRIMARY KEY,
    member_id VARCHAR(64) NOT NULL REFERENCES members(id),
    commission_type VARCHAR(32) NOT NULL,
    amount DECIMAL(19, 2) NOT NULL,
    cv_base DECIMAL(19, 4) NOT NULL DEFAULT 0,
    percentage DECIMAL(7, 4) NOT NULL DEFAULT 0,
    source_member_id VARCHAR(64) NOT NULL,
    source_order_id VARCHAR(64),
    network_level INT NOT NULL DEFAULT 0,
    reference_month VARCHAR(7) NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE INDEX IF NOT EXISTS idx_commission_member ON commission_ledger_entries (member_id, commission_type)`,
	`CREATE INDEX IF NOT EXISTS idx_commission_source_order ON commission_ledger_entries (source_order_id)`,

	`CREATE TABLE IF NOT EXISTS commission_balances (
    member_id VARCHAR(64) PRIMARY KEY REFERENCES members(id),
    total_earned DECIMAL(19, 2) NOT NULL DEFAULT 0,
    total_withdrawn DECIMAL(19, 2) NOT NULL DEFAULT 0,
    available_balance DECIMAL(19, 2) NOT NULL DEFAULT 0,
    pending_balance DECIMAL(19, 2) NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,

	`CREATE TABLE IF NOT EXISTS royalty_links (
    head_id VARCHAR(64) PRIMARY KEY REFERENCES members(id),
    holder_id VARCHAR(64) NOT NULL REFERENCES members(id),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,

	`CREATE TABLE IF NOT EXISTS level_history (
    id VARCHAR(36) PRIMARY KEY,
    member_id VARCHAR(64) NOT NULL REFERENCES members(id),
    previous_level VARCHAR(20) NOT NULL,
    new_level VARCHAR(20) NOT NULL,
    reason TEXT NOT NULL,
    criteria_snapshot JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE INDEX IF NOT EXISTS idx_level_history_member ON level_history (member_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS compression_log (
    id VARCHAR(36) PRIMARY KEY,
    member_id VARCHAR(64) NOT NULL REFERENCES members(id),
    original_sponsor_id VARCHAR(64),
    recruits_moved TEXT[] NOT NULL,
    inactive_months INT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
}
