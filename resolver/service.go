package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"github.com/pocketpay/spendflow/internal/cardsec"
	"github.com/pocketpay/spendflow/internal/expiry"
	"github.com/pocketpay/spendflow/internal/mccfetch"
	"github.com/pocketpay/spendflow/internal/rates"
	"github.com/pocketpay/spendflow/resolver/models"
)

const defaultLockWait = 3 * time.Second

// Deps are the collaborators of the authorization service.
type Deps struct {
	Repo     *Repository
	Fetcher  *mccfetch.Fetcher
	Rates    rates.Provider
	Notifier Notifier
	Logger   *slog.Logger
}

// Service resolves spending authorizations: it routes a transaction to a
// funding pocket, prices the settlement leg, merges and applies fees, and
// executes the resulting movement batch atomically.
type Service struct {
	repo     *Repository
	fetcher  *mccfetch.Fetcher
	rates    rates.Provider
	notifier Notifier
	locks    *lockTable
	platform Platform
	logger   *slog.Logger

	lockWait time.Duration
	panKey   []byte
	now      func() time.Time
}

func NewService(deps Deps, platform Platform, lockWait time.Duration, panKey []byte) *Service {
	if deps.Fetcher == nil {
		deps.Fetcher = mccfetch.New(2*time.Second, nil, 0)
	}
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if lockWait <= 0 {
		lockWait = defaultLockWait
	}
	if platform.DefaultSpread.IsZero() {
		platform.DefaultSpread = DefaultSpread
	}
	return &Service{
		repo:     deps.Repo,
		fetcher:  deps.Fetcher,
		rates:    deps.Rates,
		notifier: deps.Notifier,
		locks:    newLockTable(),
		platform: platform,
		logger:   deps.Logger.With(slog.String("component", "resolver")),
		lockWait: lockWait,
		panKey:   panKey,
		now:      time.Now,
	}
}

// Authorize resolves one transaction. Business declines (insufficient funds,
// invalid configuration, unsupported currency, expired card) come back as a
// declined Resolution with a reason code and a nil error; an error is
// returned only for transient or infrastructure failures, of which
// models.ErrLockTimeout is safe to retry with a fresh attempt.
func (s *Service) Authorize(ctx context.Context, tx models.Transaction) (*models.Resolution, error) {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.LocalAmount <= 0 || tx.LocalCurrency == "" {
		return nil, fmt.Errorf("transaction requires a positive local amount and currency")
	}

	card, err := s.repo.GetCard(ctx, tx.CardID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return s.finish(ctx, models.Declined(tx, models.ReasonInvalidCard)), nil
		}
		return nil, fmt.Errorf("finding card: %w", err)
	}
	return s.authorizeCard(ctx, card, tx)
}

// AuthorizePAN authorizes a transaction arriving with a card number instead
// of a card ID (the ISO 8583 path). The card is looked up by PAN hash and
// expiry; expired cards decline.
func (s *Service) AuthorizePAN(ctx context.Context, pan, expiryYYMM string, tx models.Transaction) (*models.Resolution, error) {
	card, err := s.repo.FindCardByPAN(ctx, cardsec.HashPAN(pan, s.panKey), expiryYYMM)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return s.finish(ctx, models.Declined(tx, models.ReasonInvalidCard)), nil
		}
		return nil, fmt.Errorf("finding card by pan: %w", err)
	}
	tx.CardID = card.ID
	return s.authorizeCard(ctx, card, tx)
}

func (s *Service) authorizeCard(ctx context.Context, card *models.Card, tx models.Transaction) (*models.Resolution, error) {
	// Idempotency: a transaction that already settled returns its original
	// resolution, no matter how often it is resubmitted.
	if prior, err := s.repo.GetSettlement(ctx, tx.ID); err == nil {
		return resolutionFromSettlement(prior), nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("checking prior settlement: %w", err)
	}

	// Configuration problems decline before any lock is taken.
	if err := card.Validate(); err != nil {
		s.logger.Warn("card failed validation", slog.String("card_id", card.ID), slog.Any("err", err))
		return s.finish(ctx, models.Declined(tx, models.ReasonInvalidConfig)), nil
	}
	if card.Expiry != "" {
		expired, err := expiry.IsExpired(card.Expiry, s.now())
		if err != nil {
			return s.finish(ctx, models.Declined(tx, models.ReasonInvalidConfig)), nil
		}
		if expired {
			return s.finish(ctx, models.Declined(tx, models.ReasonExpiredCard)), nil
		}
	}

	// Whitelist fetches happen here, before locks are held.
	candidates := s.candidates(ctx, card, tx.MCC)
	pockets, err := s.repo.GetPockets(ctx, candidates)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return s.finish(ctx, models.Declined(tx, models.ReasonInvalidConfig)), nil
		}
		return nil, fmt.Errorf("loading pockets: %w", err)
	}

	originFees, err := s.repo.GetOriginFees(ctx, card.OriginID)
	if err != nil {
		return nil, fmt.Errorf("loading origin fees: %w", err)
	}
	merged := MergeFees(models.FeeSet{
		Defaults: s.platform.Fees,
		Origin:   originFees,
		Card:     card.FeeOverrides,
	})

	// Lock every pool the attempt list can touch, not just the winner:
	// routing fallback may walk several.
	release, err := s.locks.Acquire(ctx, ledgerIDs(candidates, pockets), s.lockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := s.attempt(ctx, card, tx, candidates, pockets, merged)
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, res), nil
}

// attempt walks the candidate pockets in routing order and settles against
// the first one that can fund amount plus fees in some acceptable asset.
func (s *Service) attempt(ctx context.Context, card *models.Card, tx models.Transaction, candidates []string, pockets map[string]*models.Pocket, merged map[string]models.FeeDefinition) (*models.Resolution, error) {
	balanceCache := make(map[string]models.Balances)
	quotable := false

	for _, urn := range candidates {
		pocket := pockets[urn]
		balances, ok := balanceCache[pocket.LedgerID]
		if !ok {
			var err error
			balances, err = s.repo.GetBalances(ctx, pocket.LedgerID)
			if err != nil {
				return nil, fmt.Errorf("loading balances for %s: %w", pocket.LedgerID, err)
			}
			balanceCache[pocket.LedgerID] = balances
		}

		for _, asset := range assetCandidates(card, tx.LocalCurrency) {
			quote, err := buildQuote(ctx, s.rates, s.platform, merged, asset, tx)
			if err != nil {
				continue
			}
			quotable = true

			fees := ApplyFees(merged, quote.Amount, asset, quote.RC)
			required := quote.Amount + FeeTotal(fees)
			if balances[asset].Available() < required {
				continue
			}

			settlement := &models.Settlement{
				TransactionID: tx.ID,
				CardID:        card.ID,
				Status:        models.SettlementSettled,
				Asset:         asset,
				ExchangeRate:  quote.Rate,
				Spread:        quote.Spread,
				Debits: []models.Movement{{
					PocketURN: pocket.URN,
					LedgerID:  pocket.LedgerID,
					Asset:     asset,
					Amount:    quote.Amount,
				}},
				Fees: fees,
			}
			dup, err := s.repo.ApplySettlement(ctx, settlement)
			if err != nil {
				if errors.Is(err, models.ErrInsufficientFunds) {
					// The store is the balance authority; our snapshot
					// was stale. Try the next candidate.
					continue
				}
				s.logger.Error("settlement batch rejected",
					slog.String("transaction_id", tx.ID), slog.Any("err", err))
				return models.Declined(tx, models.ReasonSettlementFailed), nil
			}
			if dup {
				prior, err := s.repo.GetSettlement(ctx, tx.ID)
				if err != nil {
					return nil, fmt.Errorf("loading prior settlement: %w", err)
				}
				return resolutionFromSettlement(prior), nil
			}

			return &models.Resolution{
				TransactionID: tx.ID,
				CardID:        card.ID,
				Approved:      true,
				Reason:        models.ReasonApproved,
				Asset:         asset,
				ExchangeRate:  quote.Rate,
				Spread:        quote.Spread,
				Debits:        settlement.Debits,
				Fees:          fees,
			}, nil
		}
	}

	if !quotable {
		return models.Declined(tx, models.ReasonUnsupportedCurrency), nil
	}
	return models.Declined(tx, models.ReasonInsufficientFunds), nil
}

// Refund returns funds for a settled transaction. Default-mode cards credit
// the bound pocket; smart-mode cards credit the originally debited pockets
// proportionally, with the rounding remainder going to the largest original
// debit. amount <= 0 means a full refund. Idempotent on refundID.
func (s *Service) Refund(ctx context.Context, refundID, transactionID string, amount int64) ([]models.Movement, error) {
	if refundID == "" {
		refundID = uuid.New().String()
	}
	// Replaying a refund ID returns the credits it originally applied
	// without moving funds again.
	if credits, err := s.repo.GetRefund(ctx, refundID); err == nil {
		return credits, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("checking prior refund: %w", err)
	}

	settlement, err := s.repo.GetSettlement(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("finding settlement: %w", err)
	}
	card, err := s.repo.GetCard(ctx, settlement.CardID)
	if err != nil {
		return nil, fmt.Errorf("finding card: %w", err)
	}

	refunded, err := s.repo.RefundedTotal(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("loading refunded total: %w", err)
	}
	remaining := settlement.DebitTotal() - refunded
	if remaining <= 0 {
		return nil, fmt.Errorf("transaction %s is already fully refunded: %w", transactionID, models.ErrInvalidConfig)
	}
	if amount <= 0 {
		amount = remaining
	}
	if amount > remaining {
		return nil, fmt.Errorf("refund %d exceeds remaining settled amount %d: %w", amount, remaining, models.ErrInvalidConfig)
	}

	credits, err := s.refundCredits(ctx, card, settlement, amount)
	if err != nil {
		return nil, err
	}

	release, err := s.locks.Acquire(ctx, movementLedgers(credits), s.lockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := s.repo.ApplyRefund(ctx, refundID, transactionID, credits); err != nil {
		return nil, fmt.Errorf("applying refund: %w", err)
	}
	return credits, nil
}

func (s *Service) refundCredits(ctx context.Context, card *models.Card, settlement *models.Settlement, amount int64) ([]models.Movement, error) {
	if card.Mode != models.ModeSmart {
		pocket, err := s.repo.GetPocket(ctx, card.PocketURN)
		if err != nil {
			return nil, fmt.Errorf("finding refund pocket: %w", err)
		}
		return []models.Movement{{
			PocketURN: pocket.URN,
			LedgerID:  pocket.LedgerID,
			Asset:     settlement.Asset,
			Amount:    amount,
		}}, nil
	}

	total := settlement.DebitTotal()
	credits := make([]models.Movement, len(settlement.Debits))
	var distributed int64
	largest := 0
	for i, d := range settlement.Debits {
		share := amount * d.Amount / total
		credits[i] = models.Movement{
			PocketURN: d.PocketURN,
			LedgerID:  d.LedgerID,
			Asset:     d.Asset,
			Amount:    share,
		}
		distributed += share
		if d.Amount > settlement.Debits[largest].Amount {
			largest = i
		}
	}
	credits[largest].Amount += amount - distributed
	return credits, nil
}

// finish publishes the resolution event and returns the resolution.
func (s *Service) finish(ctx context.Context, res *models.Resolution) *models.Resolution {
	s.notifier.ResolutionCompleted(ctx, res)
	return res
}

func resolutionFromSettlement(s *models.Settlement) *models.Resolution {
	return &models.Resolution{
		TransactionID: s.TransactionID,
		CardID:        s.CardID,
		Approved:      true,
		Reason:        models.ReasonApproved,
		Asset:         s.Asset,
		ExchangeRate:  s.ExchangeRate,
		Spread:        s.Spread,
		Debits:        s.Debits,
		Fees:          s.Fees,
	}
}

func ledgerIDs(candidates []string, pockets map[string]*models.Pocket) []string {
	out := make([]string, 0, len(candidates))
	for _, urn := range candidates {
		out = append(out, pockets[urn].LedgerID)
	}
	sort.Strings(out)
	return out
}

func movementLedgers(movements []models.Movement) []string {
	out := make([]string, 0, len(movements))
	for _, m := range movements {
		out = append(out, m.LedgerID)
	}
	return out
}
