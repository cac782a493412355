package resolver

import (
	"context"

	"golang.org/x/exp/slog"

	"github.com/pocketpay/spendflow/resolver/models"
)

// candidates maps the transaction MCC to the ordered list of pocket URNs to
// attempt, most preferred first.
//
// Default mode ignores the MCC and yields exactly the bound pocket. Smart
// mode walks priority_mcc: a pocket is eligible when its whitelist contains
// the MCC or when it has no whitelist entry (catch-all). A whitelist served
// from a URL that cannot be fetched or validated degrades that pocket to
// non-matching, never to catch-all. The last pocket in priority order is the
// wallet of last resort and stays in the attempt list regardless of its
// whitelist.
func (s *Service) candidates(ctx context.Context, card *models.Card, mcc string) []string {
	if card.Mode != models.ModeSmart {
		return []string{card.PocketURN}
	}

	// Whitelist URLs are fetched at most once per resolution.
	memo := make(map[string][]string)

	var out []string
	last := card.PriorityMCC[len(card.PriorityMCC)-1]
	for _, urn := range card.PriorityMCC {
		src, hasWhitelist := card.MCCWhitelist[urn]
		if !hasWhitelist {
			out = append(out, urn)
			continue
		}
		codes := src.Codes
		if len(codes) == 0 && src.URL != "" {
			cached, ok := memo[src.URL]
			if !ok {
				fetched, err := s.fetcher.Fetch(ctx, src.URL)
				if err != nil {
					// Fail-closed: the pocket does not match.
					s.logger.Warn("whitelist fetch failed",
						slog.String("pocket", urn),
						slog.String("url", src.URL),
						slog.Any("err", err))
					fetched = nil
				}
				memo[src.URL] = fetched
				cached = fetched
			}
			codes = cached
		}
		if containsMCC(codes, mcc) {
			out = append(out, urn)
		}
	}

	if len(out) == 0 || out[len(out)-1] != last {
		out = append(out, last)
	}
	return out
}

func containsMCC(codes []string, mcc string) bool {
	for _, c := range codes {
		if c == mcc {
			return true
		}
	}
	return false
}
