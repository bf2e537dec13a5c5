package feeds

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/revledger/internal/fetcher"
	"github.com/sells-group/revledger/internal/model"
)

const GDSFile = "gds_settlements.xml"

// GDS ingests agency settlement files from the distribution systems. Each
// <record> element reports what an agency remitted for one coupon in the
// weekly cycle and becomes a settlement_due event.
type GDS struct {
	httpf   *fetcher.HTTPFetcher
	url     string
	dataDir string
}

func NewGDS(httpf *fetcher.HTTPFetcher, url, dataDir string) *GDS {
	return &GDS{httpf: httpf, url: url, dataDir: dataDir}
}

func (g *GDS) Name() string               { return "gds_agent_settlement" }
func (g *GDS) DisplayName() string        { return "GDS/Agent Settlements" }
func (g *GDS) System() model.SourceSystem { return model.SourceGDS }
func (g *GDS) Protocol() string           { return "http_batch" }
func (g *GDS) Format() string             { return "xml" }

func (g *GDS) Fetch(ctx context.Context) ([]byte, error) {
	if g.url == "" {
		return readChannelFile(g.dataDir, GDSFile)
	}
	rc, err := g.httpf.Download(ctx, g.url)
	if err != nil {
		return nil, err
	}
	return drain(rc)
}

type gdsRecord struct {
	TicketNumber   string `xml:"ticket_number" json:"ticket_number"`
	CouponNumber   string `xml:"coupon_number" json:"coupon_number"`
	Currency       string `xml:"currency" json:"currency"`
	GrossAmount    string `xml:"gross_amount" json:"gross_amount"`
	NetAmount      string `xml:"net_amount" json:"net_amount"`
	GDS            string `xml:"gds" json:"gds"`
	SettlementWeek string `xml:"settlement_week" json:"settlement_week"`
}

func (g *GDS) Parse(payload []byte) ([]model.CanonicalEvent, []Reject, error) {
	recCh, errCh := fetcher.StreamXML[gdsRecord](context.Background(), bytes.NewReader(payload), "record")

	var events []model.CanonicalEvent
	var rejects []Reject
	for rec := range recCh {
		ev, err := g.recordEvent(rec)
		if err != nil {
			raw, _ := json.Marshal(rec)
			rejects = append(rejects, Reject{Record: raw, Err: err})
			continue
		}
		events = append(events, ev)
	}
	if err := <-errCh; err != nil {
		return nil, nil, err
	}
	return events, rejects, nil
}

func (g *GDS) recordEvent(rec gdsRecord) (model.CanonicalEvent, error) {
	ticket := strings.TrimSpace(rec.TicketNumber)
	if ticket == "" {
		return model.CanonicalEvent{}, eris.New("feeds: gds record has no ticket_number")
	}
	coupon, err := parseCoupon(rec.CouponNumber)
	if err != nil {
		return model.CanonicalEvent{}, err
	}
	gross, err := parseAmount("gross_amount", rec.GrossAmount)
	if err != nil {
		return model.CanonicalEvent{}, err
	}
	net, err := parseAmount("net_amount", rec.NetAmount)
	if err != nil {
		return model.CanonicalEvent{}, err
	}

	ev := model.NewEvent(model.SourceGDS, model.EventSettlementDue, ticket)
	raw, _ := json.Marshal(rec)
	ev.EventID = eventID(g.Name(), raw)
	ev.CouponNumber = coupon
	ev.Currency = strings.TrimSpace(rec.Currency)
	ev.GrossAmount = gross
	ev.NetAmount = net
	ev.Metadata = map[string]any{"source_record_type": "gds_xml"}
	if v := strings.TrimSpace(rec.GDS); v != "" {
		ev.Metadata["gds"] = v
	}
	if v := strings.TrimSpace(rec.SettlementWeek); v != "" {
		ev.Metadata["settlement_week"] = v
	}
	return ev, nil
}
