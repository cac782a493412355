package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is an incoming authorization request. It exists only for the
// duration of resolution; the resulting settlement is what persists.
type Transaction struct {
	// ID is the idempotency key for all side effects of this transaction.
	ID     string `json:"id"`
	CardID string `json:"card_id"`

	// Amount is the billing-currency amount in minor units, when the
	// caller already knows it; zero means derive it from the local leg.
	Amount int64 `json:"amount,omitempty"`

	// LocalAmount and LocalCurrency are the merchant-side leg, minor units.
	LocalAmount   int64  `json:"local_amount"`
	LocalCurrency string `json:"local_currency"`

	MCC string `json:"mcc"`
	// Wallet is the tokenization wallet name, when present (e.g. provided
	// by the network for Apple Pay / Google Pay transactions).
	Wallet string `json:"wallet,omitempty"`
}

// Movement is one debit (or, for refunds, credit) instruction against a
// pocket's ledger pool.
type Movement struct {
	PocketURN string `json:"pocket_urn"`
	LedgerID  string `json:"ledger_id"`
	Asset     Asset  `json:"asset"`
	Amount    int64  `json:"amount"`
}

// Resolution is the outcome of authorizing one transaction. It is immutable
// once computed and is handed verbatim to settlement execution and event
// notification.
type Resolution struct {
	TransactionID string     `json:"transaction_id"`
	CardID        string     `json:"card_id"`
	Approved      bool       `json:"approved"`
	Reason        ReasonCode `json:"reason"`

	Asset        Asset           `json:"asset,omitempty"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
	Spread       decimal.Decimal `json:"spread"`

	Debits []Movement       `json:"debits,omitempty"`
	Fees   []FeeInstruction `json:"fees,omitempty"`
}

// Declined builds a declined resolution for the given reason.
func Declined(tx Transaction, reason ReasonCode) *Resolution {
	return &Resolution{
		TransactionID: tx.ID,
		CardID:        tx.CardID,
		Approved:      false,
		Reason:        reason,
	}
}

type SettlementStatus string

const (
	SettlementSettled  SettlementStatus = "SETTLED"
	SettlementRefunded SettlementStatus = "REFUNDED"
)

// Settlement is the persisted, applied movement batch of an approved
// transaction, keyed by transaction ID.
type Settlement struct {
	TransactionID string           `json:"transaction_id"`
	CardID        string           `json:"card_id"`
	Status        SettlementStatus `json:"status"`
	Asset         Asset            `json:"asset"`
	ExchangeRate  decimal.Decimal  `json:"exchange_rate"`
	Spread        decimal.Decimal  `json:"spread"`
	Debits        []Movement       `json:"debits"`
	Fees          []FeeInstruction `json:"fees"`
	CreatedAt     time.Time        `json:"created_at"`
}

// DebitTotal sums the settlement's debit movements.
func (s *Settlement) DebitTotal() int64 {
	var total int64
	for _, d := range s.Debits {
		total += d.Amount
	}
	return total
}
