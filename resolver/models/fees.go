package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type FeeKind string

const (
	FeePercentage FeeKind = "percentage"
	FeeFlat       FeeKind = "flat"
)

type FeeCategory string

const (
	FeeCategoryFX          FeeCategory = "fx"
	FeeCategoryInterchange FeeCategory = "interchange"
	FeeCategoryCustom      FeeCategory = "custom"
)

// Conditional rule names understood by the rule evaluator. The set is closed:
// a fee carrying any other rule name never applies.
const (
	RuleFXConversion   = "fx_conversion"
	RuleAmountRangeUSD = "amount_range_usd"
	RuleWallet         = "wallet"
)

// RuleParams carries the parameters of a conditional fee rule. Min and Max
// are USD-equivalent amounts in minor units (cents); either may be nil for
// an open-ended bound.
type RuleParams struct {
	Min        *int64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max        *int64 `json:"max,omitempty" yaml:"max,omitempty"`
	WalletName string `json:"wallet_name,omitempty" yaml:"wallet_name,omitempty"`
}

// FeeRule makes a fee conditional on the transaction context.
type FeeRule struct {
	Name   string     `json:"name" yaml:"name"`
	Params RuleParams `json:"params,omitempty" yaml:"params,omitempty"`
}

// FeeDefinition describes one fee. It is identified by its name, which is
// the key of the map it lives in; definitions carry no name of their own.
// Value is a fraction for percentage fees and an integer amount in the
// settlement asset's minor units for flat fees.
type FeeDefinition struct {
	Target   string          `json:"target" yaml:"target"`
	Kind     FeeKind         `json:"kind" yaml:"kind"`
	Value    decimal.Decimal `json:"value" yaml:"value"`
	Category FeeCategory     `json:"category" yaml:"category"`
	Rule     *FeeRule        `json:"rule,omitempty" yaml:"rule,omitempty"`
}

// Validate rejects structurally broken definitions. Percentage values above 1
// are stored as given; only negatives are refused.
func (f FeeDefinition) Validate() error {
	switch f.Kind {
	case FeePercentage, FeeFlat:
	default:
		return fmt.Errorf("fee kind %q: %w", f.Kind, ErrInvalidConfig)
	}
	switch f.Category {
	case FeeCategoryFX, FeeCategoryInterchange, FeeCategoryCustom:
	default:
		return fmt.Errorf("fee category %q: %w", f.Category, ErrInvalidConfig)
	}
	if f.Value.IsNegative() {
		return fmt.Errorf("fee value is negative: %w", ErrInvalidConfig)
	}
	if f.Kind == FeeFlat && !f.Value.Equal(f.Value.Truncate(0)) {
		return fmt.Errorf("flat fee value must be an integer amount: %w", ErrInvalidConfig)
	}
	return nil
}

// FeeSet is the three-layer fee configuration. Defaults come from the
// platform, Origin from the card's issuing origin, Card from the card itself.
// Higher layers replace lower layers by name; no layer can delete a name.
type FeeSet struct {
	Defaults map[string]FeeDefinition
	Origin   map[string]FeeDefinition
	Card     map[string]FeeDefinition
}

// FeeInstruction is one resolved fee in the settlement batch.
type FeeInstruction struct {
	Name   string          `json:"name"`
	Target string          `json:"target"`
	Asset  Asset           `json:"asset"`
	Amount int64           `json:"amount"`
	Rate   decimal.Decimal `json:"rate"`
}
