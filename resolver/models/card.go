package models

import "fmt"

// SpendingMode selects how purchases on a card are routed to pockets.
type SpendingMode string

const (
	// ModeDefault routes every purchase to the card's bound pocket.
	ModeDefault SpendingMode = "default"
	// ModeSmart routes by MCC across the card's priority-ordered pockets.
	ModeSmart SpendingMode = "smart"
)

// WhitelistSource is the MCC whitelist of one candidate pocket: either an
// inline set of codes or a URL returning a JSON array of codes. An entry with
// neither is invalid; a pocket with no entry at all is a catch-all.
type WhitelistSource struct {
	Codes []string `json:"codes,omitempty" yaml:"codes,omitempty"`
	URL   string   `json:"url,omitempty" yaml:"url,omitempty"`
}

// Card is a spending medium bound to a funding pocket via ledger identifier.
type Card struct {
	ID        string `json:"id"`
	OriginID  string `json:"origin_id,omitempty"`
	PocketURN string `json:"pocket_urn"`

	// PANHash and PANLast4 support lookup by card number on the ISO 8583
	// path. The PAN itself is never stored.
	PANHash  []byte `json:"-"`
	PANLast4 string `json:"pan_last4,omitempty"`
	// Expiry is YYMM; empty means no expiry check.
	Expiry string `json:"expiry,omitempty"`

	Mode SpendingMode `json:"mode"`

	PreferredAsset Asset `json:"preferred_asset,omitempty"`
	DefaultAsset   Asset `json:"default_asset,omitempty"`
	FallbackAsset  Asset `json:"fallback_asset,omitempty"`

	// CurrencyAssets maps a local currency to the assets preferred for
	// settling transactions in that currency, most preferred first.
	CurrencyAssets map[string][]Asset `json:"currency_assets,omitempty"`

	// MCCWhitelist and PriorityMCC drive smart routing. Keys and entries
	// are pocket URNs.
	MCCWhitelist map[string]WhitelistSource `json:"mcc_whitelist,omitempty"`
	PriorityMCC  []string                   `json:"priority_mcc,omitempty"`

	FeeOverrides map[string]FeeDefinition `json:"fee_overrides,omitempty"`
}

// Validate checks the card's spending-control configuration. It runs before
// any lock is taken; a card failing here declines with invalid_config.
func (c *Card) Validate() error {
	switch c.Mode {
	case ModeDefault, "":
		if c.PocketURN == "" {
			return fmt.Errorf("default mode requires a bound pocket: %w", ErrInvalidConfig)
		}
	case ModeSmart:
		if len(c.PriorityMCC) == 0 {
			return fmt.Errorf("smart mode requires a non-empty priority_mcc: %w", ErrInvalidConfig)
		}
		prio := make(map[string]struct{}, len(c.PriorityMCC))
		for _, urn := range c.PriorityMCC {
			prio[urn] = struct{}{}
		}
		for urn, src := range c.MCCWhitelist {
			if _, ok := prio[urn]; !ok {
				return fmt.Errorf("whitelist pocket %s is not in priority_mcc: %w", urn, ErrInvalidConfig)
			}
			if len(src.Codes) == 0 && src.URL == "" {
				return fmt.Errorf("whitelist for %s has neither codes nor url: %w", urn, ErrInvalidConfig)
			}
		}
	default:
		return fmt.Errorf("unknown spending mode %q: %w", c.Mode, ErrInvalidConfig)
	}
	for name, fee := range c.FeeOverrides {
		if err := fee.Validate(); err != nil {
			return fmt.Errorf("fee override %q: %w", name, err)
		}
	}
	for _, a := range []Asset{c.PreferredAsset, c.DefaultAsset, c.FallbackAsset} {
		if a != "" {
			if err := a.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}
