package credit

import (
	"time"
)

// Kind is the stable storage code of a ledger movement.
type Kind string

const (
	KindDeduction Kind = "DEDUCTION"
	KindRefund    Kind = "REFUND"
	KindGrant     Kind = "GRANT"
)

// Signed returns amount with the sign this kind applies to a balance.
func (k Kind) Signed(amount int64) int64 {
	if k == KindDeduction {
		return -amount
	}
	return amount
}

type Account struct {
	ID             string    `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	OrganisationID string    `gorm:"column:organisation_id;uniqueIndex;type:varchar(32);not null" json:"organisation_id"`
	Balance        int64     `gorm:"column:balance;not null;default:0;check:chk_credit_accounts_balance,balance >= 0" json:"balance"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string { return "credit_accounts" }

// Transaction is an immutable ledger row. At most one row per (job_id, kind)
// exists, which makes a second refund of the same job fail at insert time.
type Transaction struct {
	ID             string    `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	OrganisationID string    `gorm:"column:organisation_id;index;type:varchar(32);not null" json:"organisation_id"`
	Amount         int64     `gorm:"column:amount;not null" json:"amount"`
	Kind           Kind      `gorm:"column:kind;type:varchar(16);not null;uniqueIndex:idx_credit_tx_job_kind,priority:2" json:"kind"`
	JobID          *string   `gorm:"column:job_id;type:varchar(32);uniqueIndex:idx_credit_tx_job_kind,priority:1" json:"job_id,omitempty"`
	Description    string    `gorm:"column:description;type:text" json:"description"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime;index" json:"created_at"`
}

func (Transaction) TableName() string { return "credit_transactions" }

type DeductRequest struct {
	OrganisationID string
	Amount         int64
	JobID          string
	Description    string
}

type RefundRequest struct {
	OrganisationID string
	Amount         int64
	JobID          string
	Description    string
}

// Reconciliation compares the stored balance with the signed sum of the
// transaction log.
type Reconciliation struct {
	OrganisationID string `json:"organisation_id"`
	Balance        int64  `json:"balance"`
	LedgerSum      int64  `json:"ledger_sum"`
}

func (r Reconciliation) Balanced() bool {
	return r.Balance == r.LedgerSum
}
