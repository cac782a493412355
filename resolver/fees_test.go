package resolver_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pocketpay/spendflow/resolver"
	"github.com/pocketpay/spendflow/resolver/models"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func i64(v int64) *int64 {
	return &v
}

func TestMergeFees_ThreeLayers(t *testing.T) {
	set := models.FeeSet{
		Defaults: map[string]models.FeeDefinition{
			"interchange": {Target: "acc-interchange", Kind: models.FeePercentage, Value: dec("0.0144"), Category: models.FeeCategoryInterchange},
			"fx":          {Target: "acc-fx", Kind: models.FeePercentage, Value: dec("0.02"), Category: models.FeeCategoryFX},
		},
		Origin: map[string]models.FeeDefinition{
			"premium": {Target: "acc-premium", Kind: models.FeeFlat, Value: dec("50000"), Category: models.FeeCategoryCustom},
		},
		Card: map[string]models.FeeDefinition{
			"fx": {Target: "acc-fx", Kind: models.FeePercentage, Value: dec("0.015"), Category: models.FeeCategoryFX},
		},
	}

	merged := resolver.MergeFees(set)

	require.Len(t, merged, 3)
	require.True(t, merged["interchange"].Value.Equal(dec("0.0144")), "interchange stays from defaults")
	require.True(t, merged["fx"].Value.Equal(dec("0.015")), "fx replaced by card layer")
	require.True(t, merged["premium"].Value.Equal(dec("50000")), "premium added by origin layer")
}

func TestMergeFees_NeverDropsNames(t *testing.T) {
	set := models.FeeSet{
		Defaults: map[string]models.FeeDefinition{
			"a": {Kind: models.FeeFlat, Value: dec("1"), Category: models.FeeCategoryCustom},
			"b": {Kind: models.FeeFlat, Value: dec("2"), Category: models.FeeCategoryCustom},
		},
		Origin: map[string]models.FeeDefinition{
			"b": {Kind: models.FeeFlat, Value: dec("20"), Category: models.FeeCategoryCustom},
		},
		Card: map[string]models.FeeDefinition{
			"c": {Kind: models.FeeFlat, Value: dec("30"), Category: models.FeeCategoryCustom},
		},
	}

	merged := resolver.MergeFees(set)
	require.Len(t, merged, 3)
	for _, name := range []string{"a", "b", "c"} {
		require.Contains(t, merged, name)
	}

	// Applying origin then card yields the same result as one merge pass:
	// replacement is keyed by name, not positional.
	step1 := resolver.MergeFees(models.FeeSet{Defaults: set.Defaults, Origin: set.Origin})
	step2 := resolver.MergeFees(models.FeeSet{Defaults: step1, Origin: set.Card})
	require.Equal(t, merged, step2)
}

func TestApplyFees_PercentageFloorsMinorUnits(t *testing.T) {
	merged := map[string]models.FeeDefinition{
		"interchange": {Target: "acc", Kind: models.FeePercentage, Value: dec("0.0144"), Category: models.FeeCategoryInterchange},
	}

	fees := resolver.ApplyFees(merged, 999, "DUSD/6", resolver.RuleContext{})
	require.Len(t, fees, 1)
	require.Equal(t, int64(14), fees[0].Amount, "floor(999 * 0.0144) = 14")
}

func TestApplyFees_FXCategoryExcluded(t *testing.T) {
	merged := map[string]models.FeeDefinition{
		"fx":   {Target: "acc-fx", Kind: models.FeePercentage, Value: dec("0.02"), Category: models.FeeCategoryFX},
		"flat": {Target: "acc", Kind: models.FeeFlat, Value: dec("100"), Category: models.FeeCategoryCustom},
	}

	fees := resolver.ApplyFees(merged, 10_000, "DUSD/6", resolver.RuleContext{Converted: true})
	require.Len(t, fees, 1)
	require.Equal(t, "flat", fees[0].Name, "fx fees act as spread, not instructions")
}

func TestApplyFees_AmountRangeUSDBoundsInclusive(t *testing.T) {
	merged := map[string]models.FeeDefinition{
		"ranged": {
			Target: "acc", Kind: models.FeeFlat, Value: dec("100"), Category: models.FeeCategoryCustom,
			Rule: &models.FeeRule{Name: models.RuleAmountRangeUSD, Params: models.RuleParams{Min: i64(500), Max: i64(5000)}},
		},
	}

	cases := []struct {
		usd     int64
		applies bool
	}{
		{499, false},
		{500, true},
		{2500, true},
		{5000, true},
		{5001, false},
	}
	for _, tc := range cases {
		fees := resolver.ApplyFees(merged, 10_000, "DUSD/6", resolver.RuleContext{USDAmount: tc.usd})
		if tc.applies {
			require.Len(t, fees, 1, "usd=%d", tc.usd)
		} else {
			require.Empty(t, fees, "usd=%d", tc.usd)
		}
	}
}

func TestApplyFees_AmountRangeOpenEnded(t *testing.T) {
	merged := map[string]models.FeeDefinition{
		"min-only": {
			Target: "acc", Kind: models.FeeFlat, Value: dec("100"), Category: models.FeeCategoryCustom,
			Rule: &models.FeeRule{Name: models.RuleAmountRangeUSD, Params: models.RuleParams{Min: i64(1000)}},
		},
	}

	require.Empty(t, resolver.ApplyFees(merged, 10, "DUSD/6", resolver.RuleContext{USDAmount: 999}))
	require.Len(t, resolver.ApplyFees(merged, 10, "DUSD/6", resolver.RuleContext{USDAmount: 1_000_000}), 1)
}

func TestApplyFees_WalletRuleSubstringCaseInsensitive(t *testing.T) {
	merged := map[string]models.FeeDefinition{
		"token": {
			Target: "acc", Kind: models.FeeFlat, Value: dec("50"), Category: models.FeeCategoryCustom,
			Rule: &models.FeeRule{Name: models.RuleWallet, Params: models.RuleParams{WalletName: "apple"}},
		},
	}

	require.Len(t, resolver.ApplyFees(merged, 10, "DUSD/6", resolver.RuleContext{Wallet: "Apple Pay"}), 1)
	require.Empty(t, resolver.ApplyFees(merged, 10, "DUSD/6", resolver.RuleContext{Wallet: "Google Pay"}))
	require.Empty(t, resolver.ApplyFees(merged, 10, "DUSD/6", resolver.RuleContext{}))
}

func TestApplyFees_FXConversionRule(t *testing.T) {
	merged := map[string]models.FeeDefinition{
		"conv": {
			Target: "acc", Kind: models.FeeFlat, Value: dec("75"), Category: models.FeeCategoryCustom,
			Rule: &models.FeeRule{Name: models.RuleFXConversion},
		},
	}

	require.Len(t, resolver.ApplyFees(merged, 10, "DUSD/6", resolver.RuleContext{Converted: true}), 1)
	require.Empty(t, resolver.ApplyFees(merged, 10, "DUSD/6", resolver.RuleContext{Converted: false}))
}

func TestApplyFees_UnknownRuleFailSafe(t *testing.T) {
	merged := map[string]models.FeeDefinition{
		"mystery": {
			Target: "acc", Kind: models.FeeFlat, Value: dec("10"), Category: models.FeeCategoryCustom,
			Rule: &models.FeeRule{Name: "loyalty_tier"},
		},
	}

	require.Empty(t, resolver.ApplyFees(merged, 10, "DUSD/6", resolver.RuleContext{Converted: true, USDAmount: 100, Wallet: "x"}))
}

func TestSpread_SumsApplicableFXFees(t *testing.T) {
	merged := map[string]models.FeeDefinition{
		"fx-base": {Kind: models.FeePercentage, Value: dec("0.01"), Category: models.FeeCategoryFX},
		"fx-conditional": {
			Kind: models.FeePercentage, Value: dec("0.005"), Category: models.FeeCategoryFX,
			Rule: &models.FeeRule{Name: models.RuleFXConversion},
		},
	}

	spread := resolver.Spread(merged, dec("0.02"), resolver.RuleContext{Converted: true})
	require.True(t, spread.Equal(dec("0.015")), "got %s", spread)
}

func TestSpread_DefaultWhenNoneApplicable(t *testing.T) {
	spread := resolver.Spread(nil, dec("0.02"), resolver.RuleContext{Converted: true})
	require.True(t, spread.Equal(dec("0.02")))
}
