package models

import "time"

type TransactionType string

const (
	TxCredit TransactionType = "CREDIT"
	TxDebit  TransactionType = "DEBIT"
)

type TransactionCategory string

const (
	CategoryPayment    TransactionCategory = "PAYMENT"
	CategoryCommission TransactionCategory = "COMMISSION"
	CategoryPayout     TransactionCategory = "PAYOUT"
	CategoryAdjustment TransactionCategory = "ADJUSTMENT"
	CategoryRefund     TransactionCategory = "REFUND"
)

func (c TransactionCategory) IsValid() bool {
	switch c {
	case CategoryPayment, CategoryCommission, CategoryPayout, CategoryAdjustment, CategoryRefund:
		return true
	}
	return false
}

// Wallet balances are integer minor-currency units.
type Wallet struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OwnerID   string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"owner_id"`
	Balance   int64     `gorm:"not null;default:0" json:"balance"`
	Locked    int64     `gorm:"not null;default:0" json:"locked"`
	Version   int64     `gorm:"not null;default:0" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Wallet) TableName() string { return "wallets" }

func (w Wallet) Available() int64 { return w.Balance - w.Locked }

type WalletTransaction struct {
	ID             string              `gorm:"primaryKey;type:varchar(36)" json:"id"`
	WalletID       string              `gorm:"type:varchar(36);not null;index" json:"wallet_id"`
	Type           TransactionType     `gorm:"type:varchar(8);not null" json:"type"`
	Category       TransactionCategory `gorm:"type:varchar(16);not null" json:"category"`
	Amount         int64               `gorm:"not null" json:"amount"`
	BalanceAfter   int64               `gorm:"not null" json:"balance_after"`
	Description    string              `gorm:"type:text" json:"description,omitempty"`
	ReferenceID    *string             `gorm:"type:varchar(64);index" json:"reference_id,omitempty"`
	IdempotencyKey *string             `gorm:"type:varchar(128);uniqueIndex" json:"idempotency_key,omitempty"`
	Metadata       string              `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

func (WalletTransaction) TableName() string { return "wallet_transactions" }

type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "PENDING"
	PayoutCompleted PayoutStatus = "COMPLETED"
	PayoutFailed    PayoutStatus = "FAILED"
)

// Payout withdraws a driver's earnings to a bank account. While PENDING the
// amount is locked in the driver's wallet; settlement either debits it
// (COMPLETED) or releases it (FAILED).
type Payout struct {
	ID            string       `gorm:"primaryKey;type:varchar(36)" json:"id"`
	DriverID      string       `gorm:"type:varchar(64);not null;index" json:"driver_id"`
	Amount        int64        `gorm:"not null" json:"amount"`
	Status        PayoutStatus `gorm:"type:varchar(16);not null" json:"status"`
	AccountName   string       `gorm:"type:varchar(128);not null" json:"account_name"`
	AccountLast4  string       `gorm:"type:varchar(4);not null" json:"account_last4"`
	IFSC          string       `gorm:"type:varchar(16);not null" json:"ifsc"`
	GatewayRef    *string      `gorm:"type:varchar(64)" json:"gateway_ref,omitempty"`
	TransactionID *string      `gorm:"type:varchar(36)" json:"transaction_id,omitempty"`
	FailureReason string       `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	SettledAt     *time.Time   `json:"settled_at,omitempty"`
}

func (Payout) TableName() string { return "payouts" }
