package sim

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Flight is one schedulable flight in a scenario's fleet.
type Flight struct {
	Carrier     string `yaml:"carrier" json:"carrier"`
	Number      string `yaml:"number" json:"number"`
	Origin      string `yaml:"origin" json:"origin"`
	Destination string `yaml:"destination" json:"destination"`
}

// SourceWeight weights one sales channel in the ticket mix.
type SourceWeight struct {
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight"`
}

// CabinBand is a cabin class with its share of tickets and fare
// distribution (normal, clamped to [Floor, Ceil]).
type CabinBand struct {
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight"`
	Mean   float64 `yaml:"mean"`
	StdDev float64 `yaml:"std_dev"`
	Floor  float64 `yaml:"floor"`
	Ceil   float64 `yaml:"ceil"`
}

// Scenario describes the shape of a simulated sales batch. The zero value
// is not usable; start from DefaultScenario or LoadScenario.
type Scenario struct {
	Flights         []Flight       `yaml:"flights"`
	TicketsMin      int            `yaml:"tickets_min"`
	TicketsMax      int            `yaml:"tickets_max"`
	DiscrepancyRate float64        `yaml:"discrepancy_rate"`
	DiscrepancyMin  int            `yaml:"discrepancy_min"`
	DiscrepancyMax  int            `yaml:"discrepancy_max"`
	SecondLegChance float64        `yaml:"second_leg_chance"`
	LiftRate        float64        `yaml:"lift_rate"`
	Currency        string         `yaml:"currency"`
	NetFactor       float64        `yaml:"net_factor"`
	Sources         []SourceWeight `yaml:"sources"`
	Cabins          []CabinBand    `yaml:"cabins"`
}

// DefaultScenario returns the built-in transatlantic demo scenario.
func DefaultScenario() Scenario {
	return Scenario{
		Flights: []Flight{
			{Carrier: "BA", Number: "BA117", Origin: "LHR", Destination: "JFK"},
			{Carrier: "BA", Number: "BA287", Origin: "LHR", Destination: "SFO"},
			{Carrier: "AA", Number: "AA100", Origin: "JFK", Destination: "SFO"},
		},
		TicketsMin:      3,
		TicketsMax:      5,
		DiscrepancyRate: 0.3,
		DiscrepancyMin:  2,
		DiscrepancyMax:  15,
		SecondLegChance: 0.35,
		LiftRate:        0.8,
		Currency:        "GBP",
		NetFactor:       0.95,
		Sources: []SourceWeight{
			{Name: "pss_direct", Weight: 0.4},
			{Name: "gds", Weight: 0.3},
			{Name: "ota", Weight: 0.2},
			{Name: "interline", Weight: 0.1},
		},
		Cabins: []CabinBand{
			{Name: "economy", Weight: 0.6, Mean: 600, StdDev: 120, Floor: 400, Ceil: 800},
			{Name: "premium", Weight: 0.25, Mean: 1800, StdDev: 400, Floor: 1200, Ceil: 2500},
			{Name: "business", Weight: 0.15, Mean: 4500, StdDev: 900, Floor: 3000, Ceil: 6000},
		},
	}
}

// LoadScenario reads a scenario from a YAML file. Omitted fields fall back
// to the defaults, so a file only has to name what it changes.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, eris.Wrapf(err, "sim: read scenario %s", path)
	}

	// The YAML has a top-level "simulation" key.
	var wrapper struct {
		Simulation Scenario `yaml:"simulation"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return Scenario{}, eris.Wrap(err, "sim: parse scenario")
	}

	sc := wrapper.Simulation
	def := DefaultScenario()
	if len(sc.Flights) == 0 {
		sc.Flights = def.Flights
	}
	if sc.TicketsMin <= 0 {
		sc.TicketsMin = def.TicketsMin
	}
	if sc.TicketsMax <= 0 {
		sc.TicketsMax = def.TicketsMax
	}
	if sc.DiscrepancyRate < 0 {
		sc.DiscrepancyRate = def.DiscrepancyRate
	}
	if sc.DiscrepancyMin <= 0 {
		sc.DiscrepancyMin = def.DiscrepancyMin
	}
	if sc.DiscrepancyMax <= 0 {
		sc.DiscrepancyMax = def.DiscrepancyMax
	}
	if sc.SecondLegChance < 0 {
		sc.SecondLegChance = def.SecondLegChance
	}
	if sc.LiftRate <= 0 {
		sc.LiftRate = def.LiftRate
	}
	if sc.Currency == "" {
		sc.Currency = def.Currency
	}
	if sc.NetFactor <= 0 {
		sc.NetFactor = def.NetFactor
	}
	if len(sc.Sources) == 0 {
		sc.Sources = def.Sources
	}
	if len(sc.Cabins) == 0 {
		sc.Cabins = def.Cabins
	}

	if err := sc.validate(); err != nil {
		return Scenario{}, err
	}
	return sc, nil
}

func (s Scenario) validate() error {
	if s.TicketsMax < s.TicketsMin {
		return eris.Errorf("sim: tickets_max %d below tickets_min %d", s.TicketsMax, s.TicketsMin)
	}
	if s.DiscrepancyMax < s.DiscrepancyMin {
		return eris.Errorf("sim: discrepancy_max %d below discrepancy_min %d", s.DiscrepancyMax, s.DiscrepancyMin)
	}
	for _, src := range s.Sources {
		if src.Name == "" || src.Weight <= 0 {
			return eris.Errorf("sim: source %q needs a name and a positive weight", src.Name)
		}
	}
	for _, cabin := range s.Cabins {
		if cabin.Name == "" || cabin.Weight <= 0 {
			return eris.Errorf("sim: cabin %q needs a name and a positive weight", cabin.Name)
		}
		if cabin.Ceil < cabin.Floor {
			return eris.Errorf("sim: cabin %s ceil %.2f below floor %.2f", cabin.Name, cabin.Ceil, cabin.Floor)
		}
	}
	return nil
}
