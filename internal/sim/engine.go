// Package sim generates seeded, realistic revenue traffic for demos and
// end-to-end tests: a flight, a handful of tickets with cabin-weighted
// fares and a planted discrepancy or two, spread across the sales channels.
// A batch can be appended straight to the ledger or rendered as the raw
// drops each feed channel would have delivered.
package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/revledger/internal/audit"
	"github.com/sells-group/revledger/internal/ledger"
	"github.com/sells-group/revledger/internal/model"
)

// TicketPrefix marks simulated tickets so they are distinguishable from
// real traffic in every table.
const TicketPrefix = "SIM-"

const pnrAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var (
	firstNames = []string{"Ava", "Noah", "Mia", "Liam", "Zoe", "Omar", "Ethan", "Ivy", "Lucas", "Sofia"}
	lastNames  = []string{"Morgan", "Patel", "Chen", "Rossi", "Kim", "Ali", "Nguyen", "Ward", "Garcia", "Hughes"}
)

// Leg is one coupon's flight segment.
type Leg struct {
	CouponNumber     int       `json:"coupon_number"`
	FlightNumber     string    `json:"flight_number"`
	MarketingCarrier string    `json:"marketing_carrier"`
	OperatingCarrier string    `json:"operating_carrier"`
	Origin           string    `json:"origin"`
	Destination      string    `json:"destination"`
	FlightDate       string    `json:"flight_date"`
	DepartureTime    time.Time `json:"departure_time"`
	Amount           float64   `json:"amount"`
	Flown            bool      `json:"flown"`
}

// Ticket is one simulated sale. InternalTotal is what our books carry;
// ExternalTotal is what the counterparty will report, differing by
// Discrepancy on planted tickets.
type Ticket struct {
	TicketNumber  string  `json:"ticket_number"`
	PNR           string  `json:"pnr"`
	PassengerName string  `json:"passenger_name"`
	Source        string  `json:"source"`
	Vendor        string  `json:"vendor"`
	Cabin         string  `json:"cabin"`
	Currency      string  `json:"currency"`
	InternalTotal float64 `json:"internal_total"`
	ExternalTotal float64 `json:"external_total"`
	Discrepancy   float64 `json:"discrepancy"`
	Legs          []Leg   `json:"legs"`
}

// Batch is one generated flight's worth of traffic.
type Batch struct {
	SimulationID  string    `json:"simulation_id"`
	GeneratedAt   time.Time `json:"generated_at"`
	Flight        Flight    `json:"flight"`
	DepartureTime time.Time `json:"departure_time"`
	Tickets       []Ticket  `json:"tickets"`
}

// Coupons counts every leg across the batch.
func (b *Batch) Coupons() int {
	n := 0
	for _, t := range b.Tickets {
		n += len(t.Legs)
	}
	return n
}

// GrossRevenue sums the internal totals.
func (b *Batch) GrossRevenue() float64 {
	var total float64
	for _, t := range b.Tickets {
		total += t.InternalTotal
	}
	return round2(total)
}

// Discrepancies counts tickets whose external report will disagree.
func (b *Batch) Discrepancies() int {
	n := 0
	for _, t := range b.Tickets {
		if t.Discrepancy != 0 {
			n++
		}
	}
	return n
}

// Engine generates batches from a scenario and a seedable RNG.
type Engine struct {
	ledger   *ledger.Ledger
	audit    *audit.Recorder
	scenario Scenario
	rng      *rand.Rand
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSeed fixes the RNG so runs reproduce.
func WithSeed(seed int64) Option {
	return func(e *Engine) { e.rng = rand.New(rand.NewSource(seed)) }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine. Without WithSeed each run draws fresh traffic.
func New(led *ledger.Ledger, rec *audit.Recorder, sc Scenario, opts ...Option) *Engine {
	e := &Engine{
		ledger:   led,
		audit:    rec,
		scenario: sc,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Generate builds one batch in memory: a flight six hours out, 3 to 5
// tickets (per scenario bounds), and a planted discrepancy on a rate-driven
// subset so downstream reconciliation always has something to find.
func (e *Engine) Generate() *Batch {
	now := e.now()
	flight := e.scenario.Flights[e.rng.Intn(len(e.scenario.Flights))]
	departure := now.Add(6 * time.Hour)

	count := e.scenario.TicketsMin
	if spread := e.scenario.TicketsMax - e.scenario.TicketsMin; spread > 0 {
		count += e.rng.Intn(spread + 1)
	}

	flagged := map[int]bool{}
	for _, i := range e.rng.Perm(count)[:discrepancyTarget(count, e.scenario.DiscrepancyRate)] {
		flagged[i] = true
	}

	batch := &Batch{
		SimulationID:  "sim-" + uuid.NewString(),
		GeneratedAt:   now,
		Flight:        flight,
		DepartureTime: departure,
	}
	for i := 0; i < count; i++ {
		batch.Tickets = append(batch.Tickets, e.ticket(flight, departure, now, flagged[i]))
	}

	zap.L().Info("sim: flight generated",
		zap.String("simulation_id", batch.SimulationID),
		zap.String("flight", flight.Number),
		zap.Int("tickets", count),
		zap.Int("coupons", batch.Coupons()),
		zap.Int("discrepancies", batch.Discrepancies()))
	return batch
}

func (e *Engine) ticket(flight Flight, departure, now time.Time, withDiscrepancy bool) Ticket {
	source := e.pickSource()
	cabin := e.pickCabin()
	base := e.price(cabin)

	var discrepancy float64
	if withDiscrepancy {
		discrepancy = float64(e.scenario.DiscrepancyMin + e.rng.Intn(e.scenario.DiscrepancyMax-e.scenario.DiscrepancyMin+1))
		if e.rng.Float64() < 0.5 {
			discrepancy = -discrepancy
		}
	}
	vendor := e.vendorFor(source)

	legs := []Leg{e.leg(flight, 1, base, departure)}
	if e.rng.Float64() < e.scenario.SecondLegChance {
		legs = append(legs, e.leg(e.connection(flight), 2, round2(base*0.55), departure.Add(8*time.Hour)))
	}
	for i := range legs {
		legs[i].Flown = e.rng.Float64() < e.scenario.LiftRate
	}

	var internal float64
	for _, leg := range legs {
		internal += leg.Amount
	}
	internal = round2(internal)

	return Ticket{
		TicketNumber:  fmt.Sprintf("%s%s%d", TicketPrefix, now.Format("0102"), 100000+e.rng.Intn(900000)),
		PNR:           e.pnr(),
		PassengerName: firstNames[e.rng.Intn(len(firstNames))] + " " + lastNames[e.rng.Intn(len(lastNames))],
		Source:        source,
		Vendor:        vendor,
		Cabin:         cabin.Name,
		Currency:      e.scenario.Currency,
		InternalTotal: internal,
		ExternalTotal: round2(internal + discrepancy),
		Discrepancy:   discrepancy,
		Legs:          legs,
	}
}

func (e *Engine) leg(flight Flight, coupon int, amount float64, departure time.Time) Leg {
	return Leg{
		CouponNumber:     coupon,
		FlightNumber:     flight.Number,
		MarketingCarrier: flight.Carrier,
		OperatingCarrier: flight.Carrier,
		Origin:           flight.Origin,
		Destination:      flight.Destination,
		FlightDate:       departure.Format("2006-01-02"),
		DepartureTime:    departure,
		Amount:           round2(amount),
	}
}

// connection picks the onward flight for a second coupon: one departing
// where the first leg lands, else the last flight in the fleet.
func (e *Engine) connection(first Flight) Flight {
	for _, f := range e.scenario.Flights {
		if f.Origin == first.Destination {
			return f
		}
	}
	return e.scenario.Flights[len(e.scenario.Flights)-1]
}

func (e *Engine) pickSource() string {
	roll := e.rng.Float64()
	cumulative := 0.0
	for _, src := range e.scenario.Sources {
		cumulative += src.Weight
		if roll <= cumulative {
			return src.Name
		}
	}
	return e.scenario.Sources[len(e.scenario.Sources)-1].Name
}

func (e *Engine) pickCabin() CabinBand {
	roll := e.rng.Float64()
	cumulative := 0.0
	for _, cabin := range e.scenario.Cabins {
		cumulative += cabin.Weight
		if roll <= cumulative {
			return cabin
		}
	}
	return e.scenario.Cabins[len(e.scenario.Cabins)-1]
}

func (e *Engine) price(cabin CabinBand) float64 {
	sampled := cabin.Mean + e.rng.NormFloat64()*cabin.StdDev
	return round2(math.Max(cabin.Floor, math.Min(cabin.Ceil, sampled)))
}

func (e *Engine) vendorFor(source string) string {
	switch source {
	case "pss_direct":
		return "ba.com"
	case "gds":
		return []string{"amadeus", "sabre"}[e.rng.Intn(2)]
	case "ota":
		return []string{"expedia", "booking.com"}[e.rng.Intn(2)]
	default:
		return []string{"AA", "IB", "QR"}[e.rng.Intn(3)]
	}
}

func (e *Engine) pnr() string {
	buf := make([]byte, 6)
	for i := range buf {
		buf[i] = pnrAlphabet[e.rng.Intn(len(pnrAlphabet))]
	}
	return string(buf)
}

func (e *Engine) gate() string {
	return fmt.Sprintf("%c%d", 'A'+rune(e.rng.Intn(3)), 1+e.rng.Intn(40))
}

// SeedLedger appends the batch's whole lifecycle to the ledger: an issuance
// per leg, a lift per flown leg, and a counterparty report per leg at the
// externally stated amount. Returns the number of events appended.
func (e *Engine) SeedLedger(ctx context.Context, batch *Batch) (int, error) {
	appended := 0
	for _, ticket := range batch.Tickets {
		for _, leg := range ticket.Legs {
			ev := e.issuanceEvent(batch, ticket, leg)
			if _, err := e.ledger.Append(ctx, ev); err != nil {
				return appended, eris.Wrapf(err, "sim: issuance %s coupon %d", ticket.TicketNumber, leg.CouponNumber)
			}
			appended++
			e.audit.Record(ctx, model.AuditRecord{
				Action:          "simulation_booking_processed",
				Component:       "simulation_engine",
				TicketNumber:    ticket.TicketNumber,
				InputEventIDs:   []string{ev.EventID},
				OutputReference: batch.SimulationID,
				Detail: map[string]any{
					"phase":         "booking",
					"coupon_number": leg.CouponNumber,
					"source_system": string(ev.SourceSystem),
				},
			})
		}
		for _, leg := range ticket.Legs {
			if !leg.Flown {
				continue
			}
			if _, err := e.ledger.Append(ctx, e.liftEvent(batch, ticket, leg)); err != nil {
				return appended, eris.Wrapf(err, "sim: lift %s coupon %d", ticket.TicketNumber, leg.CouponNumber)
			}
			appended++
		}
		for _, leg := range ticket.Legs {
			if _, err := e.ledger.Append(ctx, e.reportEvent(batch, ticket, leg)); err != nil {
				return appended, eris.Wrapf(err, "sim: report %s coupon %d", ticket.TicketNumber, leg.CouponNumber)
			}
			appended++
		}
	}

	e.audit.Record(ctx, model.AuditRecord{
		Action:          "simulation_seeded",
		Component:       "simulation_engine",
		OutputReference: batch.SimulationID,
		Detail: map[string]any{
			"tickets":       len(batch.Tickets),
			"coupons":       batch.Coupons(),
			"events":        appended,
			"discrepancies": batch.Discrepancies(),
		},
	})
	zap.L().Info("sim: ledger seeded",
		zap.String("simulation_id", batch.SimulationID),
		zap.Int("events", appended))
	return appended, nil
}

func (e *Engine) issuanceEvent(batch *Batch, ticket Ticket, leg Leg) model.CanonicalEvent {
	ev := model.NewEvent(sourceSystem(ticket.Source), model.EventTicketIssued, ticket.TicketNumber)
	ev.CouponNumber = leg.CouponNumber
	ev.PNR = ticket.PNR
	ev.PassengerName = ticket.PassengerName
	ev.MarketingCarrier = leg.MarketingCarrier
	ev.OperatingCarrier = leg.OperatingCarrier
	ev.FlightNumber = leg.FlightNumber
	ev.FlightDate = leg.FlightDate
	ev.Origin = leg.Origin
	ev.Destination = leg.Destination
	ev.Currency = ticket.Currency
	ev.GrossAmount = model.Float(leg.Amount)
	ev.NetAmount = model.Float(round2(leg.Amount * e.scenario.NetFactor))
	ev.OccurredAt = batch.GeneratedAt
	ev.Metadata = map[string]any{
		"simulation_id":    batch.SimulationID,
		"simulation_phase": "booking",
		"source_vendor":    ticket.Vendor,
		"sales_channel":    ticket.Source,
	}
	return ev
}

func (e *Engine) liftEvent(batch *Batch, ticket Ticket, leg Leg) model.CanonicalEvent {
	ev := model.NewEvent(model.SourceDCS, model.EventCouponFlown, ticket.TicketNumber)
	ev.CouponNumber = leg.CouponNumber
	ev.FlightNumber = leg.FlightNumber
	ev.FlightDate = leg.FlightDate
	ev.Origin = leg.Origin
	ev.Destination = leg.Destination
	ev.OccurredAt = leg.DepartureTime
	ev.Metadata = map[string]any{
		"simulation_id":    batch.SimulationID,
		"simulation_phase": "lift",
		"boarded_at":       leg.DepartureTime.Format(time.RFC3339),
		"gate":             e.gate(),
	}
	return ev
}

// reportEvent is the counterparty's side of one coupon, carrying the
// external amount; the planted discrepancy rides on coupon 1.
func (e *Engine) reportEvent(batch *Batch, ticket Ticket, leg Leg) model.CanonicalEvent {
	eventType := model.EventSettlementDue
	source := model.SourceStatement
	md := map[string]any{
		"simulation_id":    batch.SimulationID,
		"simulation_phase": "settlement",
	}
	switch ticket.Source {
	case "gds":
		source = model.SourceGDS
		md["gds"] = ticket.Vendor
	case "ota":
		source = model.SourceOTA
		md["ota"] = ticket.Vendor
	case "interline":
		eventType = model.EventInterlineClaim
		source = model.SourceInterline
		md["partner_carrier"] = ticket.Vendor
		md["claim_id"] = fmt.Sprintf("CLM-%s-%d", ticket.TicketNumber, leg.CouponNumber)
		md["claim_status"] = "filed"
	default:
		md["counterparty"] = "BSP-UK"
		md["statement_ref"] = "STMT-" + batch.GeneratedAt.Format("200601")
	}

	ev := model.NewEvent(source, eventType, ticket.TicketNumber)
	ev.CouponNumber = leg.CouponNumber
	ev.Currency = ticket.Currency
	ev.GrossAmount = model.Float(externalLegAmount(ticket, leg))
	ev.OccurredAt = leg.DepartureTime.Add(24 * time.Hour)
	ev.Metadata = md
	return ev
}

// externalLegAmount applies the ticket's discrepancy to coupon 1 so the
// mismatch lands on exactly one reconciliation row.
func externalLegAmount(ticket Ticket, leg Leg) float64 {
	if leg.CouponNumber == 1 {
		return round2(leg.Amount + ticket.Discrepancy)
	}
	return leg.Amount
}

func sourceSystem(source string) model.SourceSystem {
	switch source {
	case "pss_direct":
		return model.SourcePSS
	case "gds":
		return model.SourceGDS
	case "ota":
		return model.SourceOTA
	default:
		return model.SourceInterline
	}
}

// discrepancyTarget converts the rate into a ticket count: at least one
// planted discrepancy whenever the rate is positive, never more than the
// batch holds.
func discrepancyTarget(n int, rate float64) int {
	if n <= 0 || rate <= 0 {
		return 0
	}
	target := int(math.Round(float64(n) * rate))
	if target < 1 {
		target = 1
	}
	if target > n {
		target = n
	}
	return target
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
