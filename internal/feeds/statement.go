package feeds

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/revledger/internal/fetcher"
	"github.com/sells-group/revledger/internal/model"
)

// StatementFile is the conventional workbook name under the data directory.
const StatementFile = "counterparty_statement.xlsx"

// Statement imports counterparty settlement statements delivered ad hoc as
// XLSX workbooks outside the scheduled channels. A ZIP archive of workbooks
// is accepted too. Every row becomes a settlement_due event attributed to
// the counterparty_statement source.
//
// Expected columns, matched by header name: ticket_number, coupon_number,
// amount, currency, counterparty, statement_ref.
type Statement struct{}

func (s Statement) ImportFile(path string) ([]model.CanonicalEvent, []Reject, error) {
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		return s.importArchive(path)
	}

	headerCh := make(chan []string, 1)
	rows, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{SkipRows: 1, HeaderCh: headerCh})
	if err != nil {
		return nil, nil, err
	}
	var header []string
	select {
	case header = <-headerCh:
	default:
		return nil, nil, eris.Errorf("feeds: statement %s has no header row", filepath.Base(path))
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := col["ticket_number"]; !ok {
		return nil, nil, eris.Errorf("feeds: statement %s missing ticket_number column", filepath.Base(path))
	}

	var events []model.CanonicalEvent
	var rejects []Reject
	for _, row := range rows {
		if blankRow(row) {
			continue
		}
		ev, err := s.rowEvent(col, row)
		if err != nil {
			rejects = append(rejects, Reject{Record: []byte(strings.Join(row, ",")), Err: err})
			continue
		}
		events = append(events, ev)
	}
	return events, rejects, nil
}

func (s Statement) importArchive(path string) ([]model.CanonicalEvent, []Reject, error) {
	dir, err := os.MkdirTemp("", "revledger-statement-*")
	if err != nil {
		return nil, nil, eris.Wrap(err, "feeds: temp dir")
	}
	defer os.RemoveAll(dir)

	extracted, err := fetcher.ExtractZIP(path, dir)
	if err != nil {
		return nil, nil, err
	}

	var events []model.CanonicalEvent
	var rejects []Reject
	imported := 0
	for _, inner := range extracted {
		if !strings.EqualFold(filepath.Ext(inner), ".xlsx") {
			continue
		}
		evs, rejs, err := s.ImportFile(inner)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "feeds: statement archive entry %s", filepath.Base(inner))
		}
		events = append(events, evs...)
		rejects = append(rejects, rejs...)
		imported++
	}
	if imported == 0 {
		return nil, nil, eris.Errorf("feeds: archive %s contains no xlsx workbooks", filepath.Base(path))
	}
	return events, rejects, nil
}

func (s Statement) rowEvent(col map[string]int, row []string) (model.CanonicalEvent, error) {
	field := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	ticket := field("ticket_number")
	if ticket == "" {
		return model.CanonicalEvent{}, eris.New("feeds: statement row has no ticket_number")
	}
	coupon, err := parseCoupon(field("coupon_number"))
	if err != nil {
		return model.CanonicalEvent{}, err
	}
	amount, err := parseAmount("amount", field("amount"))
	if err != nil {
		return model.CanonicalEvent{}, err
	}

	ev := model.NewEvent(model.SourceStatement, model.EventSettlementDue, ticket)
	ev.EventID = eventID(string(model.SourceStatement), []byte(strings.Join(row, "\x1f")))
	ev.CouponNumber = coupon
	ev.Currency = field("currency")
	ev.GrossAmount = amount
	ev.Metadata = map[string]any{"source_record_type": "statement_xlsx"}
	if v := field("counterparty"); v != "" {
		ev.Metadata["counterparty"] = v
	}
	if v := field("statement_ref"); v != "" {
		ev.Metadata["statement_ref"] = v
	}
	return ev, nil
}

func blankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
