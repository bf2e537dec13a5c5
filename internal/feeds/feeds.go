// Package feeds pulls raw payloads from the airline's revenue data channels
// and normalizes them into canonical events. Each Source wraps one channel:
// PSS ticketing batches over FTP, DCS lift messages, GDS settlement files,
// OTA booking webhooks, and interline claim feeds. The Engine fans ingestion
// out across channels and parks malformed records on the dead letter queue
// instead of aborting the run.
package feeds

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/revledger/internal/config"
	"github.com/sells-group/revledger/internal/fetcher"
	"github.com/sells-group/revledger/internal/model"
	"github.com/sells-group/revledger/internal/resilience"
)

// A Source fetches one channel's raw payload and parses it into canonical
// events. Parse keeps going past malformed records and returns them as
// rejects; a non-nil error means the payload as a whole is unusable.
type Source interface {
	// Name is the stable channel id, e.g. "reservation_pss".
	Name() string

	// DisplayName is the human-readable channel label for logs and summaries.
	DisplayName() string

	// System is the source system stamped on events from this channel.
	System() model.SourceSystem

	// Protocol and Format describe how the channel delivers data.
	Protocol() string
	Format() string

	// Fetch retrieves the channel's current raw payload.
	Fetch(ctx context.Context) ([]byte, error)

	// Parse normalizes the payload into canonical events.
	Parse(payload []byte) ([]model.CanonicalEvent, []Reject, error)
}

// Reject is a single malformed record inside an otherwise parseable payload.
// Record holds the raw bytes of the offending record for the dead letter
// queue.
type Reject struct {
	Record []byte
	Err    error
}

// Registry holds the configured sources in registration order.
type Registry struct {
	sources []Source
	byName  map[string]Source
}

// NewRegistry wires up the five standard channels from config. Channels fall
// back to files under cfg.DataDir when no remote endpoint is configured, so a
// local directory of drops is enough to run a full ingest.
func NewRegistry(cfg config.FeedsConfig, circuit config.CircuitConfig) *Registry {
	httpf := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		Timeout: cfg.HTTPTimeout(),
	})
	ftpf := fetcher.NewFTPFetcher(fetcher.FTPOptions{
		Timeout:  cfg.HTTPTimeout(),
		User:     cfg.PSS.FTPUser,
		Password: cfg.PSS.FTPPassword,
	})
	breaker := resilience.NewCircuitBreaker("interline_rest",
		resilience.FromCircuitConfig(circuit.FailureThreshold, circuit.ResetTimeoutSecs))

	r := &Registry{byName: make(map[string]Source)}
	r.register(NewPSS(ftpf, cfg.PSS.FTPURL, cfg.DataDir))
	r.register(NewDCS(httpf, cfg.DCS.URL, cfg.DataDir))
	r.register(NewGDS(httpf, cfg.GDS.URL, cfg.DataDir))
	r.register(NewOTA(httpf, cfg.OTA.URL, cfg.DataDir))
	r.register(NewInterline(cfg.Interline, cfg.DataDir, breaker))
	return r
}

// NewEmptyRegistry creates a registry with no sources, for callers that
// register their own.
func NewEmptyRegistry() *Registry {
	return &Registry{byName: make(map[string]Source)}
}

func (r *Registry) register(s Source) {
	if _, dup := r.byName[s.Name()]; dup {
		return
	}
	r.sources = append(r.sources, s)
	r.byName[s.Name()] = s
}

// Register adds a source. Registering a name twice keeps the first.
func (r *Registry) Register(s Source) { r.register(s) }

// Get returns the source with the given channel id.
func (r *Registry) Get(name string) (Source, error) {
	s, ok := r.byName[name]
	if !ok {
		return nil, eris.Errorf("feeds: unknown channel %q", name)
	}
	return s, nil
}

// All returns the sources in registration order.
func (r *Registry) All() []Source {
	out := make([]Source, len(r.sources))
	copy(out, r.sources)
	return out
}

// Names returns the channel ids in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.sources))
	for i, s := range r.sources {
		names[i] = s.Name()
	}
	return names
}
