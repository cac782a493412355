package resolver

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pocketpay/spendflow/resolver/models"
)

// DefaultSpread is the conversion spread applied when no fx-category fee is
// configured for a transaction that needs conversion.
var DefaultSpread = decimal.RequireFromString("0.02")

// MergeFees flattens the three-layer fee configuration into a final
// name-keyed set. Each higher layer fully replaces same-named definitions
// from lower layers; names never disappear. The merge is deterministic and
// order-independent across layers because replacement is keyed by name.
func MergeFees(set models.FeeSet) map[string]models.FeeDefinition {
	merged := make(map[string]models.FeeDefinition, len(set.Defaults)+len(set.Origin)+len(set.Card))
	for _, layer := range []map[string]models.FeeDefinition{set.Defaults, set.Origin, set.Card} {
		for name, def := range layer {
			merged[name] = def
		}
	}
	return merged
}

// RuleContext is the transaction-side input to conditional fee rules.
type RuleContext struct {
	// Converted is true when the settlement asset's currency differs from
	// the transaction's local currency.
	Converted bool
	// USDAmount is the USD-equivalent settlement amount in minor units.
	USDAmount int64
	// Wallet is the tokenization wallet name, empty when not tokenized.
	Wallet string
}

// ruleApplies decides whether a conditional fee applies to this transaction.
// Unknown rule names never apply (fail-safe). A nil rule always applies.
func ruleApplies(rule *models.FeeRule, rc RuleContext) bool {
	if rule == nil {
		return true
	}
	switch rule.Name {
	case models.RuleFXConversion:
		return rc.Converted
	case models.RuleAmountRangeUSD:
		if rule.Params.Min != nil && rc.USDAmount < *rule.Params.Min {
			return false
		}
		if rule.Params.Max != nil && rc.USDAmount > *rule.Params.Max {
			return false
		}
		return true
	case models.RuleWallet:
		if rule.Params.WalletName == "" {
			return false
		}
		return strings.Contains(strings.ToLower(rc.Wallet), strings.ToLower(rule.Params.WalletName))
	default:
		return false
	}
}

// Spread sums the values of all applicable fx-category fees into one spread
// fraction. With none applicable the platform default applies. The spread
// adjusts the exchange rate on the debit side; fx fees never produce
// separate fee instructions.
func Spread(merged map[string]models.FeeDefinition, defaultSpread decimal.Decimal, rc RuleContext) decimal.Decimal {
	spread := decimal.Zero
	found := false
	for _, def := range merged {
		if def.Category != models.FeeCategoryFX {
			continue
		}
		if !ruleApplies(def.Rule, rc) {
			continue
		}
		spread = spread.Add(def.Value)
		found = true
	}
	if !found {
		return defaultSpread
	}
	return spread
}

// ApplyFees resolves the applicable non-fx fees against the settlement
// amount. Percentage amounts are floor(amount * value) in integer minor
// units; flat amounts are the stored value. Output is ordered by fee name
// so the breakdown is deterministic.
func ApplyFees(merged map[string]models.FeeDefinition, amount int64, asset models.Asset, rc RuleContext) []models.FeeInstruction {
	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []models.FeeInstruction
	for _, name := range names {
		def := merged[name]
		if def.Category == models.FeeCategoryFX {
			continue
		}
		if !ruleApplies(def.Rule, rc) {
			continue
		}
		inst := models.FeeInstruction{
			Name:   name,
			Target: def.Target,
			Asset:  asset,
			Rate:   def.Value,
		}
		switch def.Kind {
		case models.FeePercentage:
			inst.Amount = decimal.NewFromInt(amount).Mul(def.Value).Floor().IntPart()
		case models.FeeFlat:
			inst.Amount = def.Value.IntPart()
		}
		if inst.Amount == 0 {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// FeeTotal sums fee instruction amounts.
func FeeTotal(fees []models.FeeInstruction) int64 {
	var total int64
	for _, f := range fees {
		total += f.Amount
	}
	return total
}
