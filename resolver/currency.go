package resolver

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pocketpay/spendflow/internal/rates"
	"github.com/pocketpay/spendflow/resolver/models"
)

// Platform carries the process-wide resolution defaults. It is explicit and
// injectable rather than ambient state so tests can substitute deterministic
// values.
type Platform struct {
	// Fees are the platform-default fee definitions, the lowest merge layer.
	Fees map[string]models.FeeDefinition
	// DefaultSpread applies to conversions when no fx-category fee matched.
	DefaultSpread decimal.Decimal
	// AssetCurrencies maps asset codes to their underlying ISO currency,
	// e.g. DUSD -> USD. Unmapped codes are taken as currencies themselves.
	AssetCurrencies map[string]string
	// BillingCurrency is the currency of amount-range fee rules.
	BillingCurrency string
}

func (p Platform) AssetCurrency(code string) string {
	if c, ok := p.AssetCurrencies[code]; ok {
		return c
	}
	return code
}

// Minor-unit digits for currencies that deviate from the usual two.
var currencyDecimals = map[string]int32{
	"JPY": 0, "KRW": 0, "VND": 0, "CLP": 0,
	"BHD": 3, "KWD": 3, "OMR": 3, "TND": 3,
}

func currencyScale(code string) int32 {
	if d, ok := currencyDecimals[code]; ok {
		return d
	}
	return 2
}

// Quote is the priced settlement leg for one candidate asset: the amount to
// debit in the asset's minor units, the applied exchange rate and spread,
// and the rule context derived for this pricing.
type Quote struct {
	Asset  models.Asset
	Rate   decimal.Decimal
	Spread decimal.Decimal
	Amount int64
	RC     RuleContext
}

// assetCandidates orders the card's settlement-asset preference chain for a
// local currency: currency-map entry first, then preferred, default and
// fallback assets. Duplicates and empty entries are dropped.
func assetCandidates(card *models.Card, localCurrency string) []models.Asset {
	var out []models.Asset
	seen := make(map[models.Asset]struct{})
	add := func(a models.Asset) {
		if a == "" {
			return
		}
		if _, ok := seen[a]; ok {
			return
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	for _, a := range card.CurrencyAssets[localCurrency] {
		add(a)
	}
	add(card.PreferredAsset)
	add(card.DefaultAsset)
	add(card.FallbackAsset)
	return out
}

// buildQuote prices the transaction in the given settlement asset. When the
// asset's currency equals the local currency no conversion occurs and the
// rate is 1. Otherwise the market rate is adjusted by the aggregate fx
// spread: rate * (1 - spread) on the debit side. All amount arithmetic is
// integer minor units with floor rounding; floats never enter.
func buildQuote(ctx context.Context, prov rates.Provider, platform Platform, merged map[string]models.FeeDefinition, asset models.Asset, tx models.Transaction) (Quote, error) {
	assetCurrency := platform.AssetCurrency(asset.Code())
	localScale := currencyScale(tx.LocalCurrency)

	if assetCurrency == tx.LocalCurrency {
		amount := decimal.NewFromInt(tx.LocalAmount).Shift(asset.Decimals() - localScale).Floor().IntPart()
		usd, err := usdEquivalent(ctx, prov, platform, tx, localScale)
		if err != nil {
			return Quote{}, err
		}
		return Quote{
			Asset:  asset,
			Rate:   decimal.NewFromInt(1),
			Spread: decimal.Zero,
			Amount: amount,
			RC:     RuleContext{Converted: false, USDAmount: usd, Wallet: tx.Wallet},
		}, nil
	}

	market, err := prov.Rate(ctx, tx.LocalCurrency, assetCurrency)
	if err != nil {
		return Quote{}, fmt.Errorf("rate %s/%s: %w", tx.LocalCurrency, assetCurrency, models.ErrUnsupportedCurrency)
	}
	usd, err := usdEquivalent(ctx, prov, platform, tx, localScale)
	if err != nil {
		return Quote{}, err
	}

	rc := RuleContext{Converted: true, USDAmount: usd, Wallet: tx.Wallet}
	spread := Spread(merged, platform.DefaultSpread, rc)
	effective := market.Mul(decimal.NewFromInt(1).Sub(spread))
	amount := decimal.NewFromInt(tx.LocalAmount).
		Mul(effective).
		Shift(asset.Decimals() - localScale).
		Floor().
		IntPart()

	return Quote{
		Asset:  asset,
		Rate:   effective,
		Spread: spread,
		Amount: amount,
		RC:     rc,
	}, nil
}

// usdEquivalent converts the local leg to billing-currency minor units at the
// unadjusted market rate. Callers that already know the billing amount skip
// the conversion.
func usdEquivalent(ctx context.Context, prov rates.Provider, platform Platform, tx models.Transaction, localScale int32) (int64, error) {
	if tx.Amount > 0 {
		return tx.Amount, nil
	}
	billing := platform.BillingCurrency
	if billing == "" {
		billing = "USD"
	}
	if tx.LocalCurrency == billing {
		return tx.LocalAmount, nil
	}
	rate, err := prov.Rate(ctx, tx.LocalCurrency, billing)
	if err != nil {
		return 0, fmt.Errorf("rate %s/%s: %w", tx.LocalCurrency, billing, models.ErrUnsupportedCurrency)
	}
	return decimal.NewFromInt(tx.LocalAmount).
		Mul(rate).
		Shift(currencyScale(billing) - localScale).
		Floor().
		IntPart(), nil
}
