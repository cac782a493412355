package models

// Balance is the per-asset balance of one ledger pool, in integer minor
// units of the asset. All fields are non-negative.
type Balance struct {
	Current int64 `json:"current"`
	Pending int64 `json:"pending"`
	In      int64 `json:"in"`
	Out     int64 `json:"out"`
}

// Available is the spendable part of the balance: current minus pending
// reservations.
func (b Balance) Available() int64 {
	return b.Current - b.Pending
}

// Pocket is a virtual balance-holding account. Balance is keyed by LedgerID,
// not by URN: pockets sharing a LedgerID share one balance pool.
type Pocket struct {
	URN      string `json:"urn"`
	LedgerID string `json:"ledger_id"`
}

// Balances is the balance snapshot of one ledger pool.
type Balances map[Asset]Balance
