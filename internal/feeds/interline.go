package feeds

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/revledger/internal/config"
	"github.com/sells-group/revledger/internal/fetcher"
	"github.com/sells-group/revledger/internal/model"
	"github.com/sells-group/revledger/internal/resilience"
)

const InterlineFile = "interline_claims.json"

// Interline ingests billing claims from partner carriers. Partner APIs are
// the least reliable channel, so the client sits behind a circuit breaker
// and an adaptive rate limiter that backs off when the partner returns 429s.
type Interline struct {
	httpf   *fetcher.HTTPFetcher
	baseURL string
	dataDir string
	breaker *resilience.CircuitBreaker
}

func NewInterline(cfg config.InterlineConfig, dataDir string, breaker *resilience.CircuitBreaker) *Interline {
	opts := fetcher.HTTPOptions{}
	if cfg.BaseURL != "" {
		if u, err := url.Parse(cfg.BaseURL); err == nil && u.Host != "" {
			limit := rate.Limit(cfg.RateLimit)
			if limit <= 0 {
				limit = 5
			}
			burst := cfg.Burst
			if burst <= 0 {
				burst = 10
			}
			opts.AdaptiveLimiters = map[string]*fetcher.AdaptiveLimiter{
				u.Host: fetcher.NewAdaptiveLimiter(limit, burst),
			}
		}
	}
	return &Interline{
		httpf:   fetcher.NewHTTPFetcher(opts),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		dataDir: dataDir,
		breaker: breaker,
	}
}

func (i *Interline) Name() string               { return "interline_partners" }
func (i *Interline) DisplayName() string        { return "Interline Partners" }
func (i *Interline) System() model.SourceSystem { return model.SourceInterline }
func (i *Interline) Protocol() string           { return "rest" }
func (i *Interline) Format() string             { return "json" }

func (i *Interline) Fetch(ctx context.Context) ([]byte, error) {
	if i.baseURL == "" {
		return readChannelFile(i.dataDir, InterlineFile)
	}
	return resilience.ExecuteVal(ctx, i.breaker, func(ctx context.Context) ([]byte, error) {
		rc, err := i.httpf.Download(ctx, i.baseURL+"/claims")
		if err != nil {
			return nil, err
		}
		return drain(rc)
	})
}

type interlineClaim struct {
	TicketNumber   string   `json:"ticket_number"`
	CouponNumber   int      `json:"coupon_number"`
	Currency       string   `json:"currency"`
	ClaimAmount    *float64 `json:"claim_amount"`
	PartnerCarrier string   `json:"partner_carrier"`
	ClaimID        string   `json:"claim_id"`
	ClaimStatus    string   `json:"claim_status"`
}

// Parse normalizes the claim list. Payloads wrap the claims under a "claims"
// key but a bare array is accepted too.
func (i *Interline) Parse(payload []byte) ([]model.CanonicalEvent, []Reject, error) {
	records, err := rawRecords(payload, "claims")
	if err != nil {
		return nil, nil, err
	}

	var events []model.CanonicalEvent
	var rejects []Reject
	for _, raw := range records {
		var claim interlineClaim
		if err := json.Unmarshal(raw, &claim); err != nil {
			rejects = append(rejects, Reject{Record: raw, Err: eris.Wrap(err, "feeds: decode interline claim")})
			continue
		}
		if claim.TicketNumber == "" {
			rejects = append(rejects, Reject{Record: raw, Err: eris.New("feeds: claim has no ticket_number")})
			continue
		}
		coupon := claim.CouponNumber
		if coupon < 1 {
			coupon = 1
		}

		ev := model.NewEvent(model.SourceInterline, model.EventInterlineClaim, claim.TicketNumber)
		if claim.ClaimID != "" {
			// Partners resend claims verbatim; those replays must dedup. A
			// status change on the same claim is a new fact and lands fresh.
			ev.EventID = eventID(i.Name(), []byte(claim.ClaimID+"\x1f"+claim.ClaimStatus))
		} else {
			ev.EventID = eventID(i.Name(), raw)
		}
		ev.CouponNumber = coupon
		ev.Currency = claim.Currency
		ev.GrossAmount = claim.ClaimAmount
		ev.Metadata = map[string]any{"source_record_type": "interline_rest_json"}
		if claim.PartnerCarrier != "" {
			ev.Metadata["partner_carrier"] = claim.PartnerCarrier
		}
		if claim.ClaimID != "" {
			ev.Metadata["claim_id"] = claim.ClaimID
		}
		if claim.ClaimStatus != "" {
			ev.Metadata["claim_status"] = claim.ClaimStatus
		}
		events = append(events, ev)
	}
	return events, rejects, nil
}
