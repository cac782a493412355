package resolver

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgconn"
	"github.com/lib/pq"

	"github.com/pocketpay/spendflow/resolver/models"
)

// Repository stores cards, pockets, ledger balances and settlements. It runs
// against Postgres in production and fully in memory for tests; the in-memory
// backend is selected by constructing with NewRepository.
type Repository struct {
	db *sql.DB

	mu           sync.RWMutex
	pockets      map[string]*models.Pocket
	balances     map[string]models.Balances // keyed by ledger ID
	cards        map[string]*models.Card
	originFees   map[string]map[string]models.FeeDefinition
	settlements  map[string]*models.Settlement
	refunds      map[string][]models.Movement // refund ID -> applied credits
	refundTotals map[string]int64             // transaction ID -> refunded so far
}

func NewRepository() *Repository {
	return &Repository{
		pockets:      make(map[string]*models.Pocket),
		balances:     make(map[string]models.Balances),
		cards:        make(map[string]*models.Card),
		originFees:   make(map[string]map[string]models.FeeDefinition),
		settlements:  make(map[string]*models.Settlement),
		refunds:      make(map[string][]models.Movement),
		refundTotals: make(map[string]int64),
	}
}

// NewPGRepository constructs a db-backed repository.
func NewPGRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Ping(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	return r.db.PingContext(ctx)
}

// --- pockets and balances ---

func (r *Repository) CreatePocket(ctx context.Context, pocket *models.Pocket) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.pockets[pocket.URN]; ok {
			return fmt.Errorf("pocket %s exists: %w", pocket.URN, models.ErrConflict)
		}
		r.pockets[pocket.URN] = pocket
		if _, ok := r.balances[pocket.LedgerID]; !ok {
			r.balances[pocket.LedgerID] = models.Balances{}
		}
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO spendflow.pockets(urn, ledger_id) VALUES ($1,$2)
    `, pocket.URN, pocket.LedgerID)
	if isUniqueViolation(err) {
		return models.ErrConflict
	}
	return err
}

func (r *Repository) GetPocket(ctx context.Context, urn string) (*models.Pocket, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		p, ok := r.pockets[urn]
		if !ok {
			return nil, models.ErrNotFound
		}
		return p, nil
	}
	row := r.db.QueryRowContext(ctx, `SELECT urn, ledger_id FROM spendflow.pockets WHERE urn=$1`, urn)
	p := &models.Pocket{}
	if err := row.Scan(&p.URN, &p.LedgerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// GetPockets loads several pockets at once; a missing URN fails the lookup.
func (r *Repository) GetPockets(ctx context.Context, urns []string) (map[string]*models.Pocket, error) {
	out := make(map[string]*models.Pocket, len(urns))
	for _, urn := range urns {
		p, err := r.GetPocket(ctx, urn)
		if err != nil {
			return nil, fmt.Errorf("pocket %s: %w", urn, err)
		}
		out[urn] = p
	}
	return out, nil
}

// Fund credits the ledger pool's current balance. Provisioning and top-ups
// arrive through here; authorization never credits.
func (r *Repository) Fund(ctx context.Context, ledgerID string, asset models.Asset, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("funding amount must be positive: %w", models.ErrInvalidConfig)
	}
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		pool, ok := r.balances[ledgerID]
		if !ok {
			pool = models.Balances{}
			r.balances[ledgerID] = pool
		}
		b := pool[asset]
		b.Current += amount
		b.In += amount
		pool[asset] = b
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO spendflow.balances(ledger_id, asset, current, pending, bal_in, bal_out)
        VALUES ($1,$2,$3,0,$3,0)
        ON CONFLICT (ledger_id, asset)
        DO UPDATE SET current = spendflow.balances.current + $3,
                      bal_in  = spendflow.balances.bal_in  + $3,
                      updated_at = now()
    `, ledgerID, asset.String(), amount)
	return err
}

func (r *Repository) GetBalances(ctx context.Context, ledgerID string) (models.Balances, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		pool, ok := r.balances[ledgerID]
		if !ok {
			return models.Balances{}, nil
		}
		out := make(models.Balances, len(pool))
		for a, b := range pool {
			out[a] = b
		}
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `
        SELECT asset, current, pending, bal_in, bal_out
        FROM spendflow.balances WHERE ledger_id=$1
    `, ledgerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := models.Balances{}
	for rows.Next() {
		var asset string
		var b models.Balance
		if err := rows.Scan(&asset, &b.Current, &b.Pending, &b.In, &b.Out); err != nil {
			return nil, err
		}
		out[models.Asset(asset)] = b
	}
	return out, rows.Err()
}

// --- cards and fee configuration ---

func (r *Repository) CreateCard(ctx context.Context, card *models.Card) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.cards[card.ID]; ok {
			return fmt.Errorf("card %s exists: %w", card.ID, models.ErrConflict)
		}
		r.cards[card.ID] = card
		return nil
	}
	config, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("encoding card config: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
        INSERT INTO spendflow.cards(card_id, origin_id, pan_hash, pan_last4, expiry_yymm, config)
        VALUES ($1,$2,$3,$4,$5,$6)
    `, card.ID, card.OriginID, card.PANHash, card.PANLast4, card.Expiry, config)
	if isUniqueViolation(err) {
		return models.ErrConflict
	}
	return err
}

func (r *Repository) GetCard(ctx context.Context, cardID string) (*models.Card, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		c, ok := r.cards[cardID]
		if !ok {
			return nil, models.ErrNotFound
		}
		return c, nil
	}
	row := r.db.QueryRowContext(ctx, `SELECT config, pan_hash FROM spendflow.cards WHERE card_id=$1`, cardID)
	return scanCard(row)
}

// FindCardByPAN looks a card up by PAN hash and expiry, the ISO 8583 path.
func (r *Repository) FindCardByPAN(ctx context.Context, panHash []byte, expiry string) (*models.Card, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, c := range r.cards {
			if bytes.Equal(c.PANHash, panHash) && c.Expiry == expiry {
				return c, nil
			}
		}
		return nil, models.ErrNotFound
	}
	row := r.db.QueryRowContext(ctx, `
        SELECT config, pan_hash FROM spendflow.cards WHERE pan_hash=$1 AND expiry_yymm=$2
    `, panHash, expiry)
	return scanCard(row)
}

func scanCard(row *sql.Row) (*models.Card, error) {
	var config, hash []byte
	if err := row.Scan(&config, &hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	card := &models.Card{}
	if err := json.Unmarshal(config, card); err != nil {
		return nil, fmt.Errorf("decoding card config: %w", err)
	}
	card.PANHash = hash
	return card, nil
}

func (r *Repository) SetOriginFees(ctx context.Context, originID string, fees map[string]models.FeeDefinition) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.originFees[originID] = fees
		return nil
	}
	raw, err := json.Marshal(fees)
	if err != nil {
		return fmt.Errorf("encoding origin fees: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
        INSERT INTO spendflow.origin_fees(origin_id, fees) VALUES ($1,$2)
        ON CONFLICT (origin_id) DO UPDATE SET fees=$2, updated_at=now()
    `, originID, raw)
	return err
}

// GetOriginFees returns the fee overrides of an origin; an unknown origin has
// none, which is not an error.
func (r *Repository) GetOriginFees(ctx context.Context, originID string) (map[string]models.FeeDefinition, error) {
	if originID == "" {
		return nil, nil
	}
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.originFees[originID], nil
	}
	var raw []byte
	err := r.db.QueryRowContext(ctx, `SELECT fees FROM spendflow.origin_fees WHERE origin_id=$1`, originID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fees := map[string]models.FeeDefinition{}
	if err := json.Unmarshal(raw, &fees); err != nil {
		return nil, fmt.Errorf("decoding origin fees: %w", err)
	}
	return fees, nil
}

// --- settlement ---

// ApplySettlement applies the settlement's movement batch atomically: every
// pool debit succeeds or nothing is written. It is idempotent on the
// transaction ID; resubmitting a settled transaction returns dup=true and
// leaves balances untouched. Fee amounts are funded by the pool of the first
// debit movement (the winning pocket).
func (r *Repository) ApplySettlement(ctx context.Context, s *models.Settlement) (bool, error) {
	if len(s.Debits) == 0 {
		return false, fmt.Errorf("settlement has no debit movements: %w", models.ErrSettlementFailed)
	}
	totals := poolTotals(s)

	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.settlements[s.TransactionID]; ok {
			return true, nil
		}
		for key, amount := range totals {
			b := r.balances[key.ledger][key.asset]
			if b.Available() < amount {
				return false, fmt.Errorf("pool %s short by %d: %w", key.ledger, amount-b.Available(), models.ErrInsufficientFunds)
			}
		}
		for key, amount := range totals {
			pool := r.balances[key.ledger]
			if pool == nil {
				pool = models.Balances{}
				r.balances[key.ledger] = pool
			}
			b := pool[key.asset]
			b.Current -= amount
			b.Out += amount
			pool[key.asset] = b
		}
		stored := *s
		stored.CreatedAt = time.Now().UTC()
		r.settlements[s.TransactionID] = &stored
		return false, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `set local statement_timeout = '3s'`); err != nil {
		return false, err
	}

	debits, fees, err := encodeBatch(s)
	if err != nil {
		return false, err
	}
	var inserted string
	row := tx.QueryRowContext(ctx, `
        INSERT INTO spendflow.settlements(tx_id, card_id, status, asset, exchange_rate, spread, debits, fees)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (tx_id) DO NOTHING
        RETURNING tx_id
    `, s.TransactionID, s.CardID, string(s.Status), s.Asset.String(), s.ExchangeRate, s.Spread, debits, fees)
	_ = row.Scan(&inserted)
	if inserted == "" {
		// Duplicate submission: the original batch already applied.
		if err := tx.Commit(); err != nil {
			return false, err
		}
		return true, nil
	}

	for key, amount := range totals {
		res, err := tx.ExecContext(ctx, `
            UPDATE spendflow.balances
               SET current = current - $3,
                   bal_out = bal_out + $3,
                   updated_at = now()
             WHERE ledger_id=$1 AND asset=$2 AND current - pending >= $3
        `, key.ledger, key.asset.String(), amount)
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return false, fmt.Errorf("pool %s/%s: %w", key.ledger, key.asset, models.ErrInsufficientFunds)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%v: %w", err, models.ErrSettlementFailed)
	}
	return false, nil
}

func (r *Repository) GetSettlement(ctx context.Context, transactionID string) (*models.Settlement, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		s, ok := r.settlements[transactionID]
		if !ok {
			return nil, models.ErrNotFound
		}
		return s, nil
	}
	row := r.db.QueryRowContext(ctx, `
        SELECT tx_id, card_id, status, asset, exchange_rate, spread, debits, fees, created_at
        FROM spendflow.settlements WHERE tx_id=$1
    `, transactionID)
	return scanSettlement(row)
}

func (r *Repository) ListSettlements(ctx context.Context, cardID string) ([]*models.Settlement, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		var out []*models.Settlement
		for _, s := range r.settlements {
			if s.CardID == cardID {
				out = append(out, s)
			}
		}
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `
        SELECT tx_id, card_id, status, asset, exchange_rate, spread, debits, fees, created_at
        FROM spendflow.settlements WHERE card_id=$1 ORDER BY created_at DESC
    `, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Settlement
	for rows.Next() {
		s, err := scanSettlementRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ApplyRefund credits the given movements back to their pools, idempotent on
// the refund ID. The refunded total across all refund IDs can never exceed
// the original settled amount; when it reaches the full debit the settlement
// flips to REFUNDED.
func (r *Repository) ApplyRefund(ctx context.Context, refundID, transactionID string, credits []models.Movement) (bool, error) {
	if len(credits) == 0 {
		return false, fmt.Errorf("refund has no credit movements: %w", models.ErrSettlementFailed)
	}
	var total int64
	for _, c := range credits {
		total += c.Amount
	}

	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.refunds[refundID]; ok {
			return true, nil
		}
		s, ok := r.settlements[transactionID]
		if !ok {
			return false, models.ErrNotFound
		}
		if r.refundTotals[transactionID]+total > s.DebitTotal() {
			return false, fmt.Errorf("refund exceeds remaining settled amount: %w", models.ErrInvalidConfig)
		}
		for _, c := range credits {
			pool := r.balances[c.LedgerID]
			if pool == nil {
				pool = models.Balances{}
				r.balances[c.LedgerID] = pool
			}
			b := pool[c.Asset]
			b.Current += c.Amount
			b.In += c.Amount
			pool[c.Asset] = b
		}
		r.refundTotals[transactionID] += total
		if r.refundTotals[transactionID] >= s.DebitTotal() {
			s.Status = models.SettlementRefunded
		}
		r.refunds[refundID] = credits
		return false, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `set local statement_timeout = '3s'`); err != nil {
		return false, err
	}
	raw, err := json.Marshal(credits)
	if err != nil {
		return false, err
	}
	var inserted string
	row := tx.QueryRowContext(ctx, `
        INSERT INTO spendflow.refunds(refund_id, tx_id, amount, credits)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (refund_id) DO NOTHING
        RETURNING refund_id
    `, refundID, transactionID, total, raw)
	_ = row.Scan(&inserted)
	if inserted == "" {
		if err := tx.Commit(); err != nil {
			return false, err
		}
		return true, nil
	}
	var settled, refunded int64
	row = tx.QueryRowContext(ctx, `
        SELECT (SELECT COALESCE(SUM((d->>'amount')::bigint),0)
                  FROM spendflow.settlements, jsonb_array_elements(debits) d
                 WHERE tx_id=$1),
               (SELECT COALESCE(SUM(amount),0) FROM spendflow.refunds WHERE tx_id=$1)
    `, transactionID)
	if err := row.Scan(&settled, &refunded); err != nil {
		return false, err
	}
	if refunded > settled {
		return false, fmt.Errorf("refund exceeds remaining settled amount: %w", models.ErrInvalidConfig)
	}
	for _, c := range credits {
		if _, err := tx.ExecContext(ctx, `
            UPDATE spendflow.balances
               SET current = current + $3,
                   bal_in  = bal_in  + $3,
                   updated_at = now()
             WHERE ledger_id=$1 AND asset=$2
        `, c.LedgerID, c.Asset.String(), c.Amount); err != nil {
			return false, err
		}
	}
	if refunded >= settled {
		if _, err := tx.ExecContext(ctx, `
            UPDATE spendflow.settlements SET status='REFUNDED' WHERE tx_id=$1
        `, transactionID); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%v: %w", err, models.ErrSettlementFailed)
	}
	return false, nil
}

// GetRefund returns the credits applied by a prior refund.
func (r *Repository) GetRefund(ctx context.Context, refundID string) ([]models.Movement, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		credits, ok := r.refunds[refundID]
		if !ok {
			return nil, models.ErrNotFound
		}
		return credits, nil
	}
	var raw []byte
	row := r.db.QueryRowContext(ctx, `SELECT credits FROM spendflow.refunds WHERE refund_id=$1`, refundID)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	var credits []models.Movement
	if err := json.Unmarshal(raw, &credits); err != nil {
		return nil, fmt.Errorf("decoding refund credits: %w", err)
	}
	return credits, nil
}

// RefundedTotal sums the amounts already refunded against a transaction.
func (r *Repository) RefundedTotal(ctx context.Context, transactionID string) (int64, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.refundTotals[transactionID], nil
	}
	var total int64
	row := r.db.QueryRowContext(ctx, `
        SELECT COALESCE(SUM(amount),0) FROM spendflow.refunds WHERE tx_id=$1
    `, transactionID)
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// --- helpers ---

type poolKey struct {
	ledger string
	asset  models.Asset
}

func poolTotals(s *models.Settlement) map[poolKey]int64 {
	totals := make(map[poolKey]int64)
	for _, d := range s.Debits {
		totals[poolKey{d.LedgerID, d.Asset}] += d.Amount
	}
	feeKey := poolKey{s.Debits[0].LedgerID, s.Debits[0].Asset}
	for _, f := range s.Fees {
		totals[feeKey] += f.Amount
	}
	return totals
}

func encodeBatch(s *models.Settlement) ([]byte, []byte, error) {
	debits, err := json.Marshal(s.Debits)
	if err != nil {
		return nil, nil, err
	}
	fees, err := json.Marshal(s.Fees)
	if err != nil {
		return nil, nil, err
	}
	return debits, fees, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSettlement(row *sql.Row) (*models.Settlement, error) {
	s, err := scanSettlementRows(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

func scanSettlementRows(row rowScanner) (*models.Settlement, error) {
	s := &models.Settlement{}
	var status, asset string
	var debits, fees []byte
	if err := row.Scan(&s.TransactionID, &s.CardID, &status, &asset, &s.ExchangeRate, &s.Spread, &debits, &fees, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.Status = models.SettlementStatus(status)
	s.Asset = models.Asset(asset)
	if err := json.Unmarshal(debits, &s.Debits); err != nil {
		return nil, fmt.Errorf("decoding debits: %w", err)
	}
	if err := json.Unmarshal(fees, &s.Fees); err != nil {
		return nil, fmt.Errorf("decoding fees: %w", err)
	}
	return s, nil
}

func isUniqueViolation(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "23505" {
		return true
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == "23505" {
		return true
	}
	return false
}
