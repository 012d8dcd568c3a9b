package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderFailed    OrderStatus = "failed"
)

type SigningMode string

const (
	ModeCustodial SigningMode = "custodial"
	ModeClient    SigningMode = "client"
)

type Order struct {
	OrderID           string
	OwnerID           string
	Mode              SigningMode
	InputAsset        string
	InputQuantity     decimal.Decimal
	OutputAsset       string
	OutputQuantity    decimal.Decimal
	SwapRate          decimal.Decimal
	USDValue          decimal.Decimal
	Status            OrderStatus
	FundsInSignature  *string
	FundsOutSignature *string
	FailureReason     *string
	// SubmittedAt is set once the first ledger transaction for the order is sent.
	SubmittedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type StakeStatus string

const (
	StakeActive    StakeStatus = "active"
	StakeCompleted StakeStatus = "completed"
	StakeCancelled StakeStatus = "cancelled"
)

type StakePlan struct {
	PlanID       string
	InterestRate decimal.Decimal
	LockMonths   int
	Active       bool
}

type Stake struct {
	StakeID          string
	OwnerID          string
	PlanID           string
	Sequence         uint64
	StakeAccount     string
	StakeSignature   string
	UnstakeSignature *string
	StakedQuantity   decimal.Decimal
	ClaimedQuantity  decimal.Decimal
	StartDate        time.Time
	EndDate          time.Time
	Status           StakeStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type RewardStatus string

const (
	RewardPending       RewardStatus = "pending"
	RewardPaid          RewardStatus = "paid"
	RewardFailed        RewardStatus = "failed"
	RewardAwaitingFunds RewardStatus = "awaiting_funds"
)

// RewardKind distinguishes the two rewards one order can produce.
type RewardKind string

const (
	RewardKindOutput   RewardKind = "output"
	RewardKindTransfer RewardKind = "transfer"
)

type ReferralReward struct {
	RewardID            string
	ReferrerID          string
	ReferredID          string
	OrderID             string
	Kind                RewardKind
	Asset               string
	Quantity            decimal.Decimal
	Status              RewardStatus
	SettlementSignature *string
	FailureReason       *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type Tier string

const (
	TierStandard Tier = "standard"
	TierElevated Tier = "elevated"
)

// Wallet is the account directory entry for an owner. EncryptedKey is empty for
// client-signing owners.
type Wallet struct {
	OwnerID      string
	Address      string
	EncryptedKey string
	ReferralCode string
	ReferredBy   *string
	Tier         Tier
	CreatedAt    time.Time
}

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxDone    OutboxStatus = "done"
)

const EventOrderCompleted = "order_completed"

type OutboxEvent struct {
	EventID     string
	Kind        string
	AggregateID string
	Payload     []byte
	Status      OutboxStatus
	Attempts    int
	LastError   *string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// PayoutGroup identifies the rewards settled together in one transfer.
type PayoutGroup struct {
	ReferrerID string
	Asset      string
}
