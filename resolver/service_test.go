package resolver_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pocketpay/spendflow/internal/cardsec"
	"github.com/pocketpay/spendflow/internal/rates"
	"github.com/pocketpay/spendflow/resolver"
	"github.com/pocketpay/spendflow/resolver/models"
)

const testPANKey = "test-pepper"

func newTestService(t *testing.T, platform resolver.Platform, table map[string]decimal.Decimal) (*resolver.Service, *resolver.Repository) {
	t.Helper()
	repo := resolver.NewRepository()
	svc := resolver.NewService(resolver.Deps{
		Repo:  repo,
		Rates: rates.NewStatic(table),
	}, platform, time.Second, []byte(testPANKey))
	return svc, repo
}

func mustPocket(t *testing.T, repo *resolver.Repository, urn, ledger string) {
	t.Helper()
	require.NoError(t, repo.CreatePocket(context.Background(), &models.Pocket{URN: urn, LedgerID: ledger}))
}

func mustFund(t *testing.T, repo *resolver.Repository, ledger string, asset models.Asset, amount int64) {
	t.Helper()
	require.NoError(t, repo.Fund(context.Background(), ledger, asset, amount))
}

func mustCard(t *testing.T, repo *resolver.Repository, card *models.Card) {
	t.Helper()
	require.NoError(t, repo.CreateCard(context.Background(), card))
}

func TestAuthorize_DefaultModeIgnoresMCC(t *testing.T) {
	svc, repo := newTestService(t, resolver.Platform{}, nil)
	mustPocket(t, repo, "urn:pocket:main", "ledger-main")
	mustFund(t, repo, "ledger-main", "USD/2", 10_000)
	mustCard(t, repo, &models.Card{
		ID:           "card-1",
		PocketURN:    "urn:pocket:main",
		Mode:         models.ModeDefault,
		DefaultAsset: "USD/2",
	})

	for _, mcc := range []string{"5411", "5999", ""} {
		res, err := svc.Authorize(context.Background(), models.Transaction{
			ID: "tx-" + mcc, CardID: "card-1", LocalAmount: 1_00, LocalCurrency: "USD", MCC: mcc,
		})
		require.NoError(t, err)
		require.True(t, res.Approved, "mcc=%q reason=%s", mcc, res.Reason)
		require.Len(t, res.Debits, 1)
		require.Equal(t, "urn:pocket:main", res.Debits[0].PocketURN)
	}
}

func smartCard(food, main string) *models.Card {
	return &models.Card{
		ID:           "card-smart",
		PocketURN:    main,
		Mode:         models.ModeSmart,
		DefaultAsset: "USD/2",
		MCCWhitelist: map[string]models.WhitelistSource{
			food: {Codes: []string{"5411"}},
		},
		PriorityMCC: []string{food, main},
	}
}

func TestAuthorize_SmartModeMCCMatch(t *testing.T) {
	svc, repo := newTestService(t, resolver.Platform{}, nil)
	mustPocket(t, repo, "urn:pocket:food", "ledger-food")
	mustPocket(t, repo, "urn:pocket:main", "ledger-main")
	mustFund(t, repo, "ledger-food", "USD/2", 10_000)
	mustFund(t, repo, "ledger-main", "USD/2", 10_000)
	mustCard(t, repo, smartCard("urn:pocket:food", "urn:pocket:main"))

	res, err := svc.Authorize(context.Background(), models.Transaction{
		ID: "tx-1", CardID: "card-smart", LocalAmount: 5_00, LocalCurrency: "USD", MCC: "5411",
	})
	require.NoError(t, err)
	require.True(t, res.Approved)
	require.Equal(t, "urn:pocket:food", res.Debits[0].PocketURN)
}

func TestAuthorize_SmartModeCatchAllFallback(t *testing.T) {
	svc, repo := newTestService(t, resolver.Platform{}, nil)
	mustPocket(t, repo, "urn:pocket:food", "ledger-food")
	mustPocket(t, repo, "urn:pocket:main", "ledger-main")
	mustFund(t, repo, "ledger-food", "USD/2", 10_000)
	mustFund(t, repo, "ledger-main", "USD/2", 10_000)
	mustCard(t, repo, smartCard("urn:pocket:food", "urn:pocket:main"))

	// No whitelist matches this MCC: the last pocket in priority order wins.
	res, err := svc.Authorize(context.Background(), models.Transaction{
		ID: "tx-2", CardID: "card-smart", LocalAmount: 5_00, LocalCurrency: "USD", MCC: "5999",
	})
	require.NoError(t, err)
	require.True(t, res.Approved)
	require.Equal(t, "urn:pocket:main", res.Debits[0].PocketURN)
}

func TestAuthorize_SmartModeInsufficientFundsFallsThrough(t *testing.T) {
	svc, repo := newTestService(t, resolver.Platform{}, nil)
	mustPocket(t, repo, "urn:pocket:food", "ledger-food")
	mustPocket(t, repo, "urn:pocket:main", "ledger-main")
	// foodPocket matches MCC 5411 but holds nothing.
	mustFund(t, repo, "ledger-main", "USD/2", 10_000)
	mustCard(t, repo, smartCard("urn:pocket:food", "urn:pocket:main"))

	res, err := svc.Authorize(context.Background(), models.Transaction{
		ID: "tx-3", CardID: "card-smart", LocalAmount: 5_00, LocalCurrency: "USD", MCC: "5411",
	})
	require.NoError(t, err)
	require.True(t, res.Approved)
	require.Equal(t, "urn:pocket:main", res.Debits[0].PocketURN)
}

func TestAuthorize_AllPocketsExhausted(t *testing.T) {
	svc, repo := newTestService(t, resolver.Platform{}, nil)
	mustPocket(t, repo, "urn:pocket:food", "ledger-food")
	mustPocket(t, repo, "urn:pocket:main", "ledger-main")
	mustCard(t, repo, smartCard("urn:pocket:food", "urn:pocket:main"))

	res, err := svc.Authorize(context.Background(), models.Transaction{
		ID: "tx-4", CardID: "card-smart", LocalAmount: 5_00, LocalCurrency: "USD", MCC: "5411",
	})
	require.NoError(t, err)
	require.False(t, res.Approved)
	require.Equal(t, models.ReasonInsufficientFunds, res.Reason)
}

func TestAuthorize_ConversionFallbackWithDefaultSpread(t *testing.T) {
	platform := resolver.Platform{
		AssetCurrencies: map[string]string{"DUSD": "USD"},
		DefaultSpread:   dec("0.02"),
	}
	table := map[string]decimal.Decimal{"COP/USD": dec("0.00025")}
	svc, repo := newTestService(t, platform, table)
	mustPocket(t, repo, "urn:pocket:main", "ledger-main")
	mustFund(t, repo, "ledger-main", "DUSD/6", 1_000_000)
	mustCard(t, repo, &models.Card{
		ID:           "card-cop",
		PocketURN:    "urn:pocket:main",
		Mode:         models.ModeDefault,
		DefaultAsset: "DUSD/6",
	})

	// 1000.00 COP at 0.00025 USD/COP with the default 2% spread:
	// 100000 * 0.00025 * 0.98 = 24.5 USD = 245000 in DUSD/6 minor units.
	res, err := svc.Authorize(context.Background(), models.Transaction{
		ID: "tx-cop", CardID: "card-cop", LocalAmount: 100_000, LocalCurrency: "COP",
	})
	require.NoError(t, err)
	require.True(t, res.Approved, "reason=%s", res.Reason)
	require.Equal(t, models.Asset("DUSD/6"), res.Asset)
	require.True(t, res.Spread.Equal(dec("0.02")))
	require.Equal(t, int64(245_000), res.Debits[0].Amount)

	// A resubmission replays the settled resolution, rate and spread
	// included.
	replay, err := svc.Authorize(context.Background(), models.Transaction{
		ID: "tx-cop", CardID: "card-cop", LocalAmount: 100_000, LocalCurrency: "COP",
	})
	require.NoError(t, err)
	require.True(t, replay.Approved)
	require.True(t, replay.ExchangeRate.Equal(res.ExchangeRate), "rate=%s", replay.ExchangeRate)
	require.True(t, replay.Spread.Equal(res.Spread), "spread=%s", replay.Spread)
	require.Equal(t, res.Debits, replay.Debits)
}

func TestAuthorize_MergedFeesAppliedOnConversion(t *testing.T) {
	platform := resolver.Platform{
		AssetCurrencies: map[string]string{"DUSD": "USD"},
		DefaultSpread:   dec("0.02"),
		Fees: map[string]models.FeeDefinition{
			"interchange": {Target: "acc-interchange", Kind: models.FeePercentage, Value: dec("0.0144"), Category: models.FeeCategoryInterchange},
			"fx":          {Target: "acc-fx", Kind: models.FeePercentage, Value: dec("0.02"), Category: models.FeeCategoryFX},
		},
	}
	table := map[string]decimal.Decimal{"COP/USD": dec("0.00025")}
	svc, repo := newTestService(t, platform, table)
	mustPocket(t, repo, "urn:pocket:main", "ledger-main")
	mustFund(t, repo, "ledger-main", "DUSD/6", 1_000_000)
	require.NoError(t, repo.SetOriginFees(context.Background(), "origin-1", map[string]models.FeeDefinition{
		"premium": {Target: "acc-premium", Kind: models.FeeFlat, Value: dec("50000"), Category: models.FeeCategoryCustom},
	}))
	mustCard(t, repo, &models.Card{
		ID:           "card-fees",
		OriginID:     "origin-1",
		PocketURN:    "urn:pocket:main",
		Mode:         models.ModeDefault,
		DefaultAsset: "DUSD/6",
		FeeOverrides: map[string]models.FeeDefinition{
			"fx": {Target: "acc-fx", Kind: models.FeePercentage, Value: dec("0.015"), Category: models.FeeCategoryFX},
		},
	})

	res, err := svc.Authorize(context.Background(), models.Transaction{
		ID: "tx-fees", CardID: "card-fees", LocalAmount: 100_000, LocalCurrency: "COP",
	})
	require.NoError(t, err)
	require.True(t, res.Approved, "reason=%s", res.Reason)

	// Card override wins for the fx spread: 1.5%, not the platform 2%.
	require.True(t, res.Spread.Equal(dec("0.015")), "spread=%s", res.Spread)
	// 100000 * 0.00025 * 0.985 = 24.625 USD -> 246250 DUSD/6 minor units.
	require.Equal(t, int64(246_250), res.Debits[0].Amount)

	byName := map[string]models.FeeInstruction{}
	for _, f := range res.Fees {
		byName[f.Name] = f
	}
	require.Contains(t, byName, "interchange")
	require.Contains(t, byName, "premium")
	require.NotContains(t, byName, "fx")
	require.Equal(t, int64(3_546), byName["interchange"].Amount, "floor(246250 * 0.0144)")
	require.Equal(t, int64(50_000), byName["premium"].Amount)
}

func TestAuthorize_UnsupportedCurrency(t *testing.T) {
	svc, repo := newTestService(t, resolver.Platform{}, nil)
	mustPocket(t, repo, "urn:pocket:main", "ledger-main")
	mustFund(t, repo, "ledger-main", "USD/2", 10_000)
	mustCard(t, repo, &models.Card{
		ID: "card-x", PocketURN: "urn:pocket:main", Mode: models.ModeDefault, DefaultAsset: "USD/2",
	})

	res, err := svc.Authorize(context.Background(), models.Transaction{
		ID: "tx-xxx", CardID: "card-x", LocalAmount: 1_00, LocalCurrency: "XXX",
	})
	require.NoError(t, err)
	require.False(t, res.Approved)
	require.Equal(t, models.ReasonUnsupportedCurrency, res.Reason)
}

func TestAuthorize_InvalidCardAndConfig(t *testing.T) {
	svc, repo := newTestService(t, resolver.Platform{}, nil)

	res, err := svc.Authorize(context.Background(), models.Transaction{
		ID: "tx-a", CardID: "nope", LocalAmount: 1_00, LocalCurrency: "USD",
	})
	require.NoError(t, err)
	require.Equal(t, models.ReasonInvalidCard, res.Reason)

	// Whitelist names a pocket missing from priority_mcc.
	mustCard(t, repo, &models.Card{
		ID:   "card-bad",
		Mode: models.ModeSmart,
		MCCWhitelist: map[string]models.WhitelistSource{
			"urn:pocket:ghost": {Codes: []string{"5411"}},
		},
		PriorityMCC: []string{"urn:pocket:main"},
	})
	res, err = svc.Authorize(context.Background(), models.Transaction{
		ID: "tx-b", CardID: "card-bad", LocalAmount: 1_00, LocalCurrency: "USD",
	})
	require.NoError(t, err)
	require.Equal(t, models.ReasonInvalidConfig, res.Reason)
}

func TestAuthorize_ExpiredCardDeclines(t *testing.T) {
	svc, repo := newTestService(t, resolver.Platform{}, nil)
	mustPocket(t, repo, "urn:pocket:main", "ledger-main")
	mustFund(t, repo, "ledger-main", "USD/2", 10_000)
	mustCard(t, repo, &models.Card{
		ID: "card-old", PocketURN: "urn:pocket:main", Mode: models.ModeDefault,
		DefaultAsset: "USD/2", Expiry: "2101",
	})

	res, err := svc.Authorize(context.Background(), models.Transaction{
		ID: "tx-old", CardID: "card-old", LocalAmount: 1_00, LocalCurrency: "USD",
	})
	require.NoError(t, err)
	require.Equal(t, models.ReasonExpiredCard, res.Reason)
}

func TestAuthorize_WhitelistURLFetchedAndFailClosed(t *testing.T) {
	hits := 0
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`["5411","5412"]`))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer bad.Close()

	svc, repo := newTestService(t, resolver.Platform{}, nil)
	mustPocket(t, repo, "urn:pocket:food", "ledger-food")
	mustPocket(t, repo, "urn:pocket:main", "ledger-main")
	mustFund(t, repo, "ledger-food", "USD/2", 10_000)
	mustFund(t, repo, "ledger-main", "USD/2", 10_000)

	card := smartCard("urn:pocket:food", "urn:pocket:main")
	card.ID = "card-url"
	card.MCCWhitelist["urn:pocket:food"] = models.WhitelistSource{URL: good.URL}
	mustCard(t, repo, card)

	res, err := svc.Authorize(context.Background(), models.Transaction{
		ID: "tx-url", CardID: "card-url", LocalAmount: 5_00, LocalCurrency: "USD", MCC: "5412",
	})
	require.NoError(t, err)
	require.True(t, res.Approved)
	require.Equal(t, "urn:pocket:food", res.Debits[0].PocketURN)
	require.Equal(t, 1, hits, "whitelist fetched once per resolution")

	// A failing whitelist degrades the pocket to non-matching, never to
	// catch-all: the matched MCC routes to the wallet of last resort.
	badCard := smartCard("urn:pocket:food", "urn:pocket:main")
	badCard.ID = "card-badurl"
	badCard.MCCWhitelist["urn:pocket:food"] = models.WhitelistSource{URL: bad.URL}
	mustCard(t, repo, badCard)

	res, err = svc.Authorize(context.Background(), models.Transaction{
		ID: "tx-badurl", CardID: "card-badurl", LocalAmount: 5_00, LocalCurrency: "USD", MCC: "5411",
	})
	require.NoError(t, err)
	require.True(t, res.Approved)
	require.Equal(t, "urn:pocket:main", res.Debits[0].PocketURN)
}

func TestAuthorize_IdempotentOnTransactionID(t *testing.T) {
	svc, repo := newTestService(t, resolver.Platform{}, nil)
	mustPocket(t, repo, "urn:pocket:main", "ledger-main")
	mustFund(t, repo, "ledger-main", "USD/2", 10_000)
	mustCard(t, repo, &models.Card{
		ID: "card-1", PocketURN: "urn:pocket:main", Mode: models.ModeDefault, DefaultAsset: "USD/2",
	})

	tx := models.Transaction{ID: "tx-same", CardID: "card-1", LocalAmount: 30_00, LocalCurrency: "USD"}
	first, err := svc.Authorize(context.Background(), tx)
	require.NoError(t, err)
	require.True(t, first.Approved)

	second, err := svc.Authorize(context.Background(), tx)
	require.NoError(t, err)
	require.True(t, second.Approved)
	require.Equal(t, first.Debits, second.Debits)

	// Debited exactly once.
	balances, err := repo.GetBalances(context.Background(), "ledger-main")
	require.NoError(t, err)
	require.Equal(t, int64(10_000-30_00), balances["USD/2"].Available())
}

func TestAuthorize_ConcurrentNoDoubleSpend(t *testing.T) {
	svc, repo := newTestService(t, resolver.Platform{}, nil)
	mustPocket(t, repo, "urn:pocket:main", "ledger-main")
	mustFund(t, repo, "ledger-main", "USD/2", 100)
	mustCard(t, repo, &models.Card{
		ID: "card-1", PocketURN: "urn:pocket:main", Mode: models.ModeDefault, DefaultAsset: "USD/2",
	})

	var wg sync.WaitGroup
	results := make([]*models.Resolution, 2)
	errs := make([]error, 2)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = svc.Authorize(context.Background(), models.Transaction{
				ID: "tx-race-" + string(rune('a'+i)), CardID: "card-1",
				LocalAmount: 60, LocalCurrency: "USD",
			})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	approved := 0
	for _, res := range results {
		if res.Approved {
			approved++
		}
	}
	require.Equal(t, 1, approved, "combined amounts exceed the pool; exactly one wins")

	balances, err := repo.GetBalances(context.Background(), "ledger-main")
	require.NoError(t, err)
	require.GreaterOrEqual(t, balances["USD/2"].Available(), int64(0), "never negative")
}

func TestRefund_DefaultModeCreditsBoundPocket(t *testing.T) {
	svc, repo := newTestService(t, resolver.Platform{}, nil)
	mustPocket(t, repo, "urn:pocket:main", "ledger-main")
	mustFund(t, repo, "ledger-main", "USD/2", 10_000)
	mustCard(t, repo, &models.Card{
		ID: "card-1", PocketURN: "urn:pocket:main", Mode: models.ModeDefault, DefaultAsset: "USD/2",
	})

	_, err := svc.Authorize(context.Background(), models.Transaction{
		ID: "tx-r", CardID: "card-1", LocalAmount: 40_00, LocalCurrency: "USD",
	})
	require.NoError(t, err)

	credits, err := svc.Refund(context.Background(), "refund-1", "tx-r", 0)
	require.NoError(t, err)
	require.Len(t, credits, 1)
	require.Equal(t, "urn:pocket:main", credits[0].PocketURN)
	require.Equal(t, int64(40_00), credits[0].Amount)

	balances, err := repo.GetBalances(context.Background(), "ledger-main")
	require.NoError(t, err)
	require.Equal(t, int64(10_000), balances["USD/2"].Available())

	// Refund idempotency: replaying the same refund ID changes nothing.
	_, err = svc.Refund(context.Background(), "refund-1", "tx-r", 0)
	require.NoError(t, err)
	balances, err = repo.GetBalances(context.Background(), "ledger-main")
	require.NoError(t, err)
	require.Equal(t, int64(10_000), balances["USD/2"].Available())
}

func TestRefund_NeverExceedsSettledAmount(t *testing.T) {
	svc, repo := newTestService(t, resolver.Platform{}, nil)
	mustPocket(t, repo, "urn:pocket:main", "ledger-main")
	mustFund(t, repo, "ledger-main", "USD/2", 100_00)
	mustCard(t, repo, &models.Card{
		ID: "card-1", PocketURN: "urn:pocket:main", Mode: models.ModeDefault, DefaultAsset: "USD/2",
	})

	_, err := svc.Authorize(context.Background(), models.Transaction{
		ID: "tx-over", CardID: "card-1", LocalAmount: 40_00, LocalCurrency: "USD",
	})
	require.NoError(t, err)

	// A second full refund under a fresh refund ID must not credit again.
	_, err = svc.Refund(context.Background(), "refund-a", "tx-over", 0)
	require.NoError(t, err)
	_, err = svc.Refund(context.Background(), "refund-b", "tx-over", 0)
	require.ErrorIs(t, err, models.ErrInvalidConfig)

	balances, err := repo.GetBalances(context.Background(), "ledger-main")
	require.NoError(t, err)
	require.Equal(t, int64(100_00), balances["USD/2"].Available())

	// Partial refunds are capped by the amount remaining, not the
	// original settled total.
	_, err = svc.Authorize(context.Background(), models.Transaction{
		ID: "tx-partial", CardID: "card-1", LocalAmount: 40_00, LocalCurrency: "USD",
	})
	require.NoError(t, err)

	_, err = svc.Refund(context.Background(), "refund-c", "tx-partial", 30_00)
	require.NoError(t, err)
	_, err = svc.Refund(context.Background(), "refund-d", "tx-partial", 15_00)
	require.ErrorIs(t, err, models.ErrInvalidConfig)
	_, err = svc.Refund(context.Background(), "refund-e", "tx-partial", 10_00)
	require.NoError(t, err)
	_, err = svc.Refund(context.Background(), "refund-f", "tx-partial", 1)
	require.ErrorIs(t, err, models.ErrInvalidConfig)

	balances, err = repo.GetBalances(context.Background(), "ledger-main")
	require.NoError(t, err)
	require.Equal(t, int64(100_00), balances["USD/2"].Available())

	settlement, err := repo.GetSettlement(context.Background(), "tx-partial")
	require.NoError(t, err)
	require.Equal(t, models.SettlementRefunded, settlement.Status)
}

func TestRefund_SmartModeReturnsToDebitedPocket(t *testing.T) {
	svc, repo := newTestService(t, resolver.Platform{}, nil)
	mustPocket(t, repo, "urn:pocket:food", "ledger-food")
	mustPocket(t, repo, "urn:pocket:main", "ledger-main")
	mustFund(t, repo, "ledger-food", "USD/2", 10_000)
	mustFund(t, repo, "ledger-main", "USD/2", 10_000)
	mustCard(t, repo, smartCard("urn:pocket:food", "urn:pocket:main"))

	_, err := svc.Authorize(context.Background(), models.Transaction{
		ID: "tx-s", CardID: "card-smart", LocalAmount: 20_00, LocalCurrency: "USD", MCC: "5411",
	})
	require.NoError(t, err)

	// Partial refund returns to the pocket that funded the purchase, not
	// to the main wallet.
	credits, err := svc.Refund(context.Background(), "refund-s", "tx-s", 5_00)
	require.NoError(t, err)
	require.Len(t, credits, 1)
	require.Equal(t, "urn:pocket:food", credits[0].PocketURN)
	require.Equal(t, int64(5_00), credits[0].Amount)
}

func TestAuthorizePAN_LooksUpCardByHash(t *testing.T) {
	svc, repo := newTestService(t, resolver.Platform{}, nil)
	mustPocket(t, repo, "urn:pocket:main", "ledger-main")
	mustFund(t, repo, "ledger-main", "USD/2", 10_000)

	pan := "4242424242424242"
	mustCard(t, repo, &models.Card{
		ID:        "card-pan",
		PocketURN: "urn:pocket:main",
		Mode:      models.ModeDefault, DefaultAsset: "USD/2",
		PANHash:  cardsec.HashPAN(pan, []byte(testPANKey)),
		PANLast4: cardsec.LastN(pan, 4),
		Expiry:   "9912",
	})

	res, err := svc.AuthorizePAN(context.Background(), pan, "9912", models.Transaction{
		ID: "tx-pan", LocalAmount: 1_00, LocalCurrency: "USD",
	})
	require.NoError(t, err)
	require.True(t, res.Approved)

	res, err = svc.AuthorizePAN(context.Background(), "4000000000000000", "9912", models.Transaction{
		ID: "tx-pan2", LocalAmount: 1_00, LocalCurrency: "USD",
	})
	require.NoError(t, err)
	require.Equal(t, models.ReasonInvalidCard, res.Reason)
}
