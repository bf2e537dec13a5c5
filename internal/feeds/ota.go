package feeds

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/revledger/internal/fetcher"
	"github.com/sells-group/revledger/internal/model"
)

const OTAFile = "ota_webhook.json"

// OTA ingests booking notifications from online travel agency partners. The
// same payload shape arrives two ways: pulled from the partner's queue
// endpoint in batch, or pushed one at a time to the webhook route, which
// feeds the body straight into Parse.
type OTA struct {
	httpf   *fetcher.HTTPFetcher
	url     string
	dataDir string
}

func NewOTA(httpf *fetcher.HTTPFetcher, url, dataDir string) *OTA {
	return &OTA{httpf: httpf, url: url, dataDir: dataDir}
}

func (o *OTA) Name() string               { return "ota_partners" }
func (o *OTA) DisplayName() string        { return "OTA Partners" }
func (o *OTA) System() model.SourceSystem { return model.SourceOTA }
func (o *OTA) Protocol() string           { return "rest_webhook" }
func (o *OTA) Format() string             { return "json" }

func (o *OTA) Fetch(ctx context.Context) ([]byte, error) {
	if o.url == "" {
		return readChannelFile(o.dataDir, OTAFile)
	}
	rc, err := o.httpf.Download(ctx, o.url)
	if err != nil {
		return nil, err
	}
	return drain(rc)
}

type otaRecord struct {
	EventType     string   `json:"event_type"`
	TicketNumber  string   `json:"ticket_number"`
	CouponNumber  int      `json:"coupon_number"`
	PNR           string   `json:"pnr"`
	PassengerName string   `json:"passenger_name"`
	GrossAmount   *float64 `json:"gross_amount"`
	NetAmount     *float64 `json:"net_amount"`
	Currency      string   `json:"currency"`
	OTA           string   `json:"ota"`
	Status        string   `json:"status"`
	ModifiedAt    string   `json:"modified_at"`
}

func (o *OTA) Parse(payload []byte) ([]model.CanonicalEvent, []Reject, error) {
	records, err := rawRecords(payload, "")
	if err != nil {
		return nil, nil, err
	}

	var events []model.CanonicalEvent
	var rejects []Reject
	for _, raw := range records {
		var rec otaRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			rejects = append(rejects, Reject{Record: raw, Err: eris.Wrap(err, "feeds: decode ota record")})
			continue
		}
		if rec.TicketNumber == "" {
			rejects = append(rejects, Reject{Record: raw, Err: eris.New("feeds: ota record has no ticket_number")})
			continue
		}
		eventType := model.EventType(rec.EventType)
		if eventType == "" {
			eventType = model.EventBookingModified
		}
		if !eventType.Valid() {
			rejects = append(rejects, Reject{Record: raw, Err: eris.Errorf("feeds: unknown event_type %q", rec.EventType)})
			continue
		}
		coupon := rec.CouponNumber
		if coupon < 1 {
			coupon = 1
		}

		ev := model.NewEvent(model.SourceOTA, eventType, rec.TicketNumber)
		ev.EventID = eventID(o.Name(), raw)
		ev.CouponNumber = coupon
		ev.PNR = rec.PNR
		ev.PassengerName = rec.PassengerName
		ev.GrossAmount = rec.GrossAmount
		ev.NetAmount = rec.NetAmount
		ev.Currency = rec.Currency
		if when, ok := parseWhen(rec.ModifiedAt); ok {
			ev.OccurredAt = when
		}
		ev.Metadata = map[string]any{"source_record_type": "ota_webhook_json"}
		if rec.OTA != "" {
			ev.Metadata["ota"] = rec.OTA
		}
		if rec.Status != "" {
			ev.Metadata["status"] = rec.Status
		}
		events = append(events, ev)
	}
	return events, rejects, nil
}
