package feeds

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/revledger/internal/fetcher"
	"github.com/sells-group/revledger/internal/model"
)

const DCSFile = "dcs_coupon_flown.json"

// DCS ingests departure control lift messages. The stream gateway batches
// boarding records into a JSON document, either an array or a single record.
// Every record is a coupon_flown fact.
type DCS struct {
	httpf   *fetcher.HTTPFetcher
	url     string
	dataDir string
}

func NewDCS(httpf *fetcher.HTTPFetcher, url, dataDir string) *DCS {
	return &DCS{httpf: httpf, url: url, dataDir: dataDir}
}

func (d *DCS) Name() string               { return "departure_control_dcs" }
func (d *DCS) DisplayName() string        { return "Departure Control (DCS)" }
func (d *DCS) System() model.SourceSystem { return model.SourceDCS }
func (d *DCS) Protocol() string           { return "http_stream" }
func (d *DCS) Format() string             { return "json" }

func (d *DCS) Fetch(ctx context.Context) ([]byte, error) {
	if d.url == "" {
		return readChannelFile(d.dataDir, DCSFile)
	}
	rc, err := d.httpf.Download(ctx, d.url)
	if err != nil {
		return nil, err
	}
	return drain(rc)
}

type dcsRecord struct {
	TicketNumber string `json:"ticket_number"`
	CouponNumber int    `json:"coupon_number"`
	PNR          string `json:"pnr"`
	FlightNumber string `json:"flight_number"`
	FlightDate   string `json:"flight_date"`
	Origin       string `json:"origin"`
	Destination  string `json:"destination"`
	BoardedAt    string `json:"boarded_at"`
	Gate         string `json:"gate"`
}

func (d *DCS) Parse(payload []byte) ([]model.CanonicalEvent, []Reject, error) {
	records, err := rawRecords(payload, "")
	if err != nil {
		return nil, nil, err
	}

	var events []model.CanonicalEvent
	var rejects []Reject
	for _, raw := range records {
		var rec dcsRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			rejects = append(rejects, Reject{Record: raw, Err: eris.Wrap(err, "feeds: decode dcs record")})
			continue
		}
		if rec.TicketNumber == "" {
			rejects = append(rejects, Reject{Record: raw, Err: eris.New("feeds: dcs record has no ticket_number")})
			continue
		}
		coupon := rec.CouponNumber
		if coupon < 1 {
			coupon = 1
		}

		ev := model.NewEvent(model.SourceDCS, model.EventCouponFlown, rec.TicketNumber)
		ev.EventID = eventID(d.Name(), raw)
		ev.CouponNumber = coupon
		ev.PNR = rec.PNR
		ev.FlightNumber = rec.FlightNumber
		ev.FlightDate = rec.FlightDate
		ev.Origin = rec.Origin
		ev.Destination = rec.Destination
		ev.Metadata = map[string]any{"source_record_type": "dcs_json"}
		if rec.BoardedAt != "" {
			ev.Metadata["boarded_at"] = rec.BoardedAt
		}
		if rec.Gate != "" {
			ev.Metadata["gate"] = rec.Gate
		}
		// The lift itself is the business moment; the batch lands later.
		if when, ok := parseWhen(rec.BoardedAt); ok {
			ev.OccurredAt = when
		}
		events = append(events, ev)
	}
	return events, rejects, nil
}
