// Package rates supplies market exchange rates to the currency resolver.
package rates

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Provider returns the market rate from one currency to another: one major
// unit of from buys Rate major units of to.
type Provider interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// Static serves rates from a fixed table, keyed "FROM/TO". The inverse pair
// is derived when only one direction is configured. Same-currency requests
// always return 1.
type Static struct {
	table map[string]decimal.Decimal
}

func NewStatic(pairs map[string]decimal.Decimal) *Static {
	table := make(map[string]decimal.Decimal, len(pairs))
	for k, v := range pairs {
		table[k] = v
	}
	return &Static{table: table}
}

func (s *Static) Rate(_ context.Context, from, to string) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	if r, ok := s.table[from+"/"+to]; ok {
		return r, nil
	}
	if r, ok := s.table[to+"/"+from]; ok && !r.IsZero() {
		return decimal.NewFromInt(1).Div(r), nil
	}
	return decimal.Decimal{}, fmt.Errorf("no rate for %s/%s", from, to)
}
