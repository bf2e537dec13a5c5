package sim

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/revledger/internal/feeds"
)

type dcsDrop struct {
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

type gdsDrop struct {
	XMLName        xml.Name `xml:"record"`
	TicketNumber   string   `xml:"ticket_number"`
	CouponNumber   string   `xml:"coupon_number"`
	Currency       string   `xml:"currency"`
	GrossAmount    string   `xml:"gross_amount"`
	NetAmount      string   `xml:"net_amount"`
	GDS            string   `xml:"gds"`
	SettlementWeek string   `xml:"settlement_week"`
}

type gdsBatch struct {
	XMLName xml.Name  `xml:"records"`
	Records []gdsDrop `xml:"record"`
}

type otaDrop struct {
	EventType    string  `json:"event_type"`
	TicketNumber string  `json:"ticket_number"`
	CouponNumber int     `json:"coupon_number"`
	PNR          string  `json:"pnr"`
	GrossAmount  float64 `json:"gross_amount"`
	Currency     string  `json:"currency"`
	OTA          string  `json:"ota"`
	Status       string  `json:"status"`
	ModifiedAt   string  `json:"modified_at"`
}

type interlineDrop struct {
	TicketNumber   string  `json:"ticket_number"`
	CouponNumber   int     `json:"coupon_number"`
	Currency       string  `json:"currency"`
	ClaimAmount    float64 `json:"claim_amount"`
	PartnerCarrier string  `json:"partner_carrier"`
	ClaimID        string  `json:"claim_id"`
	ClaimStatus    string  `json:"claim_status"`
}

type interlineBatch struct {
	Claims []interlineDrop `json:"claims"`
}

// WritePayloads renders the batch as the raw drops each channel would have
// delivered, under the filenames the feed registry reads from its data
// directory. Every ticket's issuance lands in the PSS batch (the system of
// record, with the sales channel on the row); lifts land in the DCS stream;
// the counterparty report goes out through the channel that sold the
// ticket, with direct sales reported on the statement workbook instead.
func (e *Engine) WritePayloads(dir string, batch *Batch) error {
	if err := e.writePSS(dir, batch); err != nil {
		return err
	}
	if err := e.writeDCS(dir, batch); err != nil {
		return err
	}
	if err := e.writeGDS(dir, batch); err != nil {
		return err
	}
	if err := e.writeOTA(dir, batch); err != nil {
		return err
	}
	if err := e.writeInterline(dir, batch); err != nil {
		return err
	}
	if err := e.writeStatement(dir, batch); err != nil {
		return err
	}
	zap.L().Info("sim: payloads written",
		zap.String("simulation_id", batch.SimulationID),
		zap.String("dir", dir))
	return nil
}

func (e *Engine) writePSS(dir string, batch *Batch) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{
		"ticket_number", "event_type", "coupon_number", "pnr", "passenger_name",
		"marketing_carrier", "operating_carrier", "flight_number", "flight_date",
		"origin", "destination", "currency", "gross_amount", "net_amount",
		"issued_at", "sales_channel",
	}
	if err := w.Write(header); err != nil {
		return eris.Wrap(err, "sim: render pss batch")
	}
	issuedAt := batch.GeneratedAt.Format(time.RFC3339)
	for _, ticket := range batch.Tickets {
		for _, leg := range ticket.Legs {
			row := []string{
				ticket.TicketNumber, "ticket_issued", fmt.Sprint(leg.CouponNumber),
				ticket.PNR, ticket.PassengerName,
				leg.MarketingCarrier, leg.OperatingCarrier, leg.FlightNumber, leg.FlightDate,
				leg.Origin, leg.Destination, ticket.Currency,
				fmt.Sprintf("%.2f", leg.Amount),
				fmt.Sprintf("%.2f", round2(leg.Amount*e.scenario.NetFactor)),
				issuedAt, ticket.Source,
			}
			if err := w.Write(row); err != nil {
				return eris.Wrap(err, "sim: render pss batch")
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return eris.Wrap(err, "sim: render pss batch")
	}
	return writeDrop(dir, feeds.PSSFile, buf.Bytes())
}

func (e *Engine) writeDCS(dir string, batch *Batch) error {
	drops := make([]dcsDrop, 0)
	for _, ticket := range batch.Tickets {
		for _, leg := range ticket.Legs {
			if !leg.Flown {
				continue
			}
			drops = append(drops, dcsDrop{
				TicketNumber: ticket.TicketNumber,
				CouponNumber: leg.CouponNumber,
				PNR:          ticket.PNR,
				FlightNumber: leg.FlightNumber,
				FlightDate:   leg.FlightDate,
				Origin:       leg.Origin,
				Destination:  leg.Destination,
				BoardedAt:    leg.DepartureTime.Format(time.RFC3339),
				Gate:         e.gate(),
			})
		}
	}
	data, err := json.MarshalIndent(drops, "", "  ")
	if err != nil {
		return eris.Wrap(err, "sim: render dcs stream")
	}
	return writeDrop(dir, feeds.DCSFile, data)
}

func (e *Engine) writeGDS(dir string, batch *Batch) error {
	year, week := batch.DepartureTime.ISOWeek()
	out := gdsBatch{Records: make([]gdsDrop, 0)}
	for _, ticket := range batch.Tickets {
		if ticket.Source != "gds" {
			continue
		}
		for _, leg := range ticket.Legs {
			amount := externalLegAmount(ticket, leg)
			out.Records = append(out.Records, gdsDrop{
				TicketNumber:   ticket.TicketNumber,
				CouponNumber:   fmt.Sprint(leg.CouponNumber),
				Currency:       ticket.Currency,
				GrossAmount:    fmt.Sprintf("%.2f", amount),
				NetAmount:      fmt.Sprintf("%.2f", round2(amount*e.scenario.NetFactor)),
				GDS:            ticket.Vendor,
				SettlementWeek: fmt.Sprintf("%d-W%02d", year, week),
			})
		}
	}
	data, err := xml.MarshalIndent(out, "", "  ")
	if err != nil {
		return eris.Wrap(err, "sim: render gds batch")
	}
	return writeDrop(dir, feeds.GDSFile, append([]byte(xml.Header), data...))
}

func (e *Engine) writeOTA(dir string, batch *Batch) error {
	drops := make([]otaDrop, 0)
	for _, ticket := range batch.Tickets {
		if ticket.Source != "ota" {
			continue
		}
		for _, leg := range ticket.Legs {
			drops = append(drops, otaDrop{
				EventType:    "settlement_due",
				TicketNumber: ticket.TicketNumber,
				CouponNumber: leg.CouponNumber,
				PNR:          ticket.PNR,
				GrossAmount:  externalLegAmount(ticket, leg),
				Currency:     ticket.Currency,
				OTA:          ticket.Vendor,
				Status:       "confirmed",
				ModifiedAt:   leg.DepartureTime.Add(24 * time.Hour).Format(time.RFC3339),
			})
		}
	}
	data, err := json.MarshalIndent(drops, "", "  ")
	if err != nil {
		return eris.Wrap(err, "sim: render ota webhook")
	}
	return writeDrop(dir, feeds.OTAFile, data)
}

func (e *Engine) writeInterline(dir string, batch *Batch) error {
	out := interlineBatch{Claims: make([]interlineDrop, 0)}
	for _, ticket := range batch.Tickets {
		if ticket.Source != "interline" {
			continue
		}
		for _, leg := range ticket.Legs {
			out.Claims = append(out.Claims, interlineDrop{
				TicketNumber:   ticket.TicketNumber,
				CouponNumber:   leg.CouponNumber,
				Currency:       ticket.Currency,
				ClaimAmount:    externalLegAmount(ticket, leg),
				PartnerCarrier: ticket.Vendor,
				ClaimID:        fmt.Sprintf("CLM-%s-%d", ticket.TicketNumber, leg.CouponNumber),
				ClaimStatus:    "filed",
			})
		}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return eris.Wrap(err, "sim: render interline claims")
	}
	return writeDrop(dir, feeds.InterlineFile, data)
}

func (e *Engine) writeStatement(dir string, batch *Batch) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Statement")
	if err != nil {
		return eris.Wrap(err, "sim: render statement")
	}
	header := sheet.AddRow()
	for _, name := range []string{"ticket_number", "coupon_number", "amount", "currency", "counterparty", "statement_ref"} {
		header.AddCell().SetString(name)
	}
	ref := "STMT-" + batch.GeneratedAt.Format("200601")
	for _, ticket := range batch.Tickets {
		if ticket.Source != "pss_direct" {
			continue
		}
		for _, leg := range ticket.Legs {
			row := sheet.AddRow()
			row.AddCell().SetString(ticket.TicketNumber)
			row.AddCell().SetString(fmt.Sprint(leg.CouponNumber))
			row.AddCell().SetString(fmt.Sprintf("%.2f", externalLegAmount(ticket, leg)))
			row.AddCell().SetString(ticket.Currency)
			row.AddCell().SetString("BSP-UK")
			row.AddCell().SetString(ref)
		}
	}
	if err := f.Save(filepath.Join(dir, feeds.StatementFile)); err != nil {
		return eris.Wrapf(err, "sim: write %s", feeds.StatementFile)
	}
	return nil
}

func writeDrop(dir, name string, data []byte) error {
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return eris.Wrapf(err, "sim: write %s", name)
	}
	return nil
}
