package feeds

import (
	"bytes"
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/revledger/internal/fetcher"
	"github.com/sells-group/revledger/internal/model"
)

// PSSFile is the batch drop filename under the data directory.
const PSSFile = "pss_tickets.csv"

// PSS ingests the reservation system's ticketing batch: a CSV drop pulled
// over FTP, or read from the data directory when no FTP endpoint is
// configured. Drops sometimes arrive zipped; both forms are accepted.
type PSS struct {
	ftp     *fetcher.FTPFetcher
	ftpURL  string
	dataDir string
}

func NewPSS(ftp *fetcher.FTPFetcher, ftpURL, dataDir string) *PSS {
	return &PSS{ftp: ftp, ftpURL: ftpURL, dataDir: dataDir}
}

func (p *PSS) Name() string               { return "reservation_pss" }
func (p *PSS) DisplayName() string        { return "Reservation (PSS)" }
func (p *PSS) System() model.SourceSystem { return model.SourcePSS }
func (p *PSS) Protocol() string           { return "ftp_batch" }
func (p *PSS) Format() string             { return "csv" }

func (p *PSS) Fetch(ctx context.Context) ([]byte, error) {
	if p.ftpURL == "" {
		data, err := readChannelFile(p.dataDir, PSSFile)
		if err != nil {
			return nil, err
		}
		return maybeUnzip(data)
	}
	rc, err := p.ftp.Download(ctx, p.ftpURL)
	if err != nil {
		return nil, err
	}
	data, err := drain(rc)
	if err != nil {
		return nil, err
	}
	return maybeUnzip(data)
}

// Parse normalizes the batch rows. Column positions come from the header row,
// so reordered exports keep working.
func (p *PSS) Parse(payload []byte) ([]model.CanonicalEvent, []Reject, error) {
	headerCh := make(chan []string, 1)
	rowCh, errCh := fetcher.StreamCSV(context.Background(), bytes.NewReader(payload), fetcher.CSVOptions{
		HasHeader: true,
		HeaderCh:  headerCh,
		TrimSpace: true,
	})

	var rows [][]string
	for row := range rowCh {
		rows = append(rows, row)
	}
	if err := <-errCh; err != nil {
		return nil, nil, err
	}

	var header []string
	select {
	case header = <-headerCh:
	default:
		return nil, nil, eris.New("feeds: pss batch has no header row")
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(name)] = i
	}
	if _, ok := col["ticket_number"]; !ok {
		return nil, nil, eris.New("feeds: pss batch missing ticket_number column")
	}

	var events []model.CanonicalEvent
	var rejects []Reject
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		ev, err := p.rowEvent(col, row)
		if err != nil {
			rejects = append(rejects, Reject{Record: []byte(strings.Join(row, ",")), Err: err})
			continue
		}
		events = append(events, ev)
	}
	return events, rejects, nil
}

func (p *PSS) rowEvent(col map[string]int, row []string) (model.CanonicalEvent, error) {
	field := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	eventType := model.EventType(field("event_type"))
	if eventType == "" {
		eventType = model.EventTicketIssued
	}
	if !eventType.Valid() {
		return model.CanonicalEvent{}, eris.Errorf("feeds: unknown event_type %q", field("event_type"))
	}
	ticket := field("ticket_number")
	if ticket == "" {
		return model.CanonicalEvent{}, eris.New("feeds: row has no ticket_number")
	}
	coupon, err := parseCoupon(field("coupon_number"))
	if err != nil {
		return model.CanonicalEvent{}, err
	}
	gross, err := parseAmount("gross_amount", field("gross_amount"))
	if err != nil {
		return model.CanonicalEvent{}, err
	}
	net, err := parseAmount("net_amount", field("net_amount"))
	if err != nil {
		return model.CanonicalEvent{}, err
	}

	ev := model.NewEvent(model.SourcePSS, eventType, ticket)
	ev.EventID = eventID(p.Name(), []byte(strings.Join(row, "\x1f")))
	ev.CouponNumber = coupon
	ev.PNR = field("pnr")
	ev.PassengerName = field("passenger_name")
	ev.MarketingCarrier = field("marketing_carrier")
	ev.OperatingCarrier = field("operating_carrier")
	ev.FlightNumber = field("flight_number")
	ev.FlightDate = field("flight_date")
	ev.Origin = field("origin")
	ev.Destination = field("destination")
	ev.Currency = field("currency")
	ev.GrossAmount = gross
	ev.NetAmount = net
	if when, ok := parseWhen(field("issued_at")); ok {
		ev.OccurredAt = when
	}
	ev.Metadata = map[string]any{"source_record_type": "pss_csv"}
	if sc := field("sales_channel"); sc != "" {
		ev.Metadata["sales_channel"] = sc
	}
	return ev, nil
}
