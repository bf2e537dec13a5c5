package feeds

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/revledger/internal/audit"
	"github.com/sells-group/revledger/internal/ledger"
	"github.com/sells-group/revledger/internal/model"
	"github.com/sells-group/revledger/internal/resilience"
	"github.com/sells-group/revledger/internal/store"
)

// replayDelay is the base backoff before a parked record is retried.
const replayDelay = 15 * time.Minute

// ChannelResult summarizes one channel's ingest.
type ChannelResult struct {
	Channel    string `json:"channel"`
	Events     int    `json:"events"`
	Appended   int    `json:"appended"`
	Duplicates int    `json:"duplicates"`
	Rejected   int    `json:"rejected"`
	Error      string `json:"error,omitempty"`
}

// Summary aggregates an ingest run across channels.
type Summary struct {
	Channels   []ChannelResult `json:"channels"`
	Events     int             `json:"events"`
	Appended   int             `json:"appended"`
	Duplicates int             `json:"duplicates"`
	Rejected   int             `json:"rejected"`
	Failed     int             `json:"failed"`
}

// Engine pulls the registered channels and appends the normalized events to
// the ticket ledger. Channel failures are contained: one channel erroring
// never blocks the others, it is reported in the summary instead. Malformed
// records are parked on the dead letter queue rather than dropped.
type Engine struct {
	reg      *Registry
	ledger   *ledger.Ledger
	store    store.Store
	audit    *audit.Recorder
	retry    resilience.RetryConfig
	parallel int
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetry overrides the fetch retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(e *Engine) { e.retry = cfg }
}

// WithParallelism caps how many channels ingest at once.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallel = n
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an ingest engine over the given channel registry.
func NewEngine(reg *Registry, led *ledger.Ledger, s store.Store, rec *audit.Recorder, opts ...Option) *Engine {
	e := &Engine{
		reg:      reg,
		ledger:   led,
		store:    s,
		audit:    rec,
		retry:    resilience.DefaultRetryConfig(),
		parallel: 4,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IngestAll pulls every registered channel concurrently and returns the
// combined summary. The error is reserved for infrastructure problems;
// per-channel failures land in the summary.
func (e *Engine) IngestAll(ctx context.Context) (*Summary, error) {
	sources := e.reg.All()
	results := make([]ChannelResult, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)
	for i, src := range sources {
		g.Go(func() error {
			results[i] = e.ingest(gctx, src)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sum := &Summary{Channels: results}
	for _, res := range results {
		sum.Events += res.Events
		sum.Appended += res.Appended
		sum.Duplicates += res.Duplicates
		sum.Rejected += res.Rejected
		if res.Error != "" {
			sum.Failed++
		}
	}
	zap.L().Info("feeds: ingest finished",
		zap.Int("channels", len(results)),
		zap.Int("appended", sum.Appended),
		zap.Int("duplicates", sum.Duplicates),
		zap.Int("rejected", sum.Rejected),
		zap.Int("failed", sum.Failed),
	)
	return sum, nil
}

// IngestOne pulls a single channel by id. Unlike IngestAll, a channel
// failure comes back as an error.
func (e *Engine) IngestOne(ctx context.Context, name string) (*ChannelResult, error) {
	src, err := e.reg.Get(name)
	if err != nil {
		return nil, err
	}
	res := e.ingest(ctx, src)
	if res.Error != "" {
		return &res, eris.Errorf("feeds: channel %s: %s", name, res.Error)
	}
	return &res, nil
}

// IngestPayload runs a payload pushed to us through a channel's pipeline.
// It backs the webhook route: delivery skips Fetch and goes straight to
// audit, parse, dedup, and append.
func (e *Engine) IngestPayload(ctx context.Context, name string, payload []byte) (*ChannelResult, error) {
	src, err := e.reg.Get(name)
	if err != nil {
		return nil, err
	}
	res := e.process(ctx, src, payload)
	if res.Error != "" {
		return &res, eris.Errorf("feeds: channel %s: %s", name, res.Error)
	}
	return &res, nil
}

func (e *Engine) ingest(ctx context.Context, src Source) ChannelResult {
	retryCfg := e.retry
	retryCfg.OnRetry = resilience.RetryLogger(src.Name(), "fetch")
	payload, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) ([]byte, error) {
		return src.Fetch(ctx)
	})
	if err != nil {
		zap.L().Error("feeds: channel fetch failed",
			zap.String("channel", src.Name()), zap.Error(err))
		return ChannelResult{Channel: src.Name(), Error: err.Error()}
	}
	return e.process(ctx, src, payload)
}

func (e *Engine) process(ctx context.Context, src Source, payload []byte) ChannelResult {
	res := ChannelResult{Channel: src.Name()}

	rawHash := payloadHash(payload)
	e.audit.Record(ctx, model.AuditRecord{
		Action:        "source_ingested",
		Component:     "adapter",
		RawSourceHash: rawHash,
		Detail: map[string]any{
			"channel_id":  src.Name(),
			"source_name": src.DisplayName(),
			"protocol":    src.Protocol(),
			"format":      src.Format(),
		},
	})

	events, rejects, err := src.Parse(payload)
	if err != nil {
		res.Error = err.Error()
		e.deadLetter(ctx, src.System(), payload, err, "parse")
		zap.L().Error("feeds: channel parse failed",
			zap.String("channel", src.Name()), zap.Error(err))
		return res
	}
	res.Events = len(events)
	res.Rejected = len(rejects)
	for _, rej := range rejects {
		e.deadLetter(ctx, src.System(), rej.Record, rej.Err, "parse")
	}

	for _, ev := range events {
		seen, err := e.store.HasTicketEvent(ctx, ev.EventID)
		if err == nil && seen {
			res.Duplicates++
			continue
		}
		if _, err := e.ledger.AppendFromSource(ctx, ev, rawHash); err != nil {
			raw, _ := json.Marshal(ev)
			e.deadLetter(ctx, src.System(), raw, err, "append")
			res.Rejected++
			continue
		}
		res.Appended++
	}

	zap.L().Info("feeds: channel ingested",
		zap.String("channel", src.Name()),
		zap.Int("events", res.Events),
		zap.Int("appended", res.Appended),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("rejected", res.Rejected),
	)
	return res
}

// deadLetter parks a failed record. Transient failures get retry budget and
// a backoff window; permanent ones stay parked for inspection.
func (e *Engine) deadLetter(ctx context.Context, system model.SourceSystem, record []byte, cause error, stage string) {
	now := e.now()
	dl := resilience.DeadLetter{
		SourceSystem: system,
		Record:       record,
		Error:        cause.Error(),
		ErrorType:    resilience.ClassifyError(cause),
		FailedStage:  stage,
		NextRetryAt:  now,
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if dl.ErrorType == "transient" {
		dl.MaxRetries = e.retry.MaxAttempts
		dl.NextRetryAt = now.Add(replayDelay)
	}
	if err := e.store.EnqueueDeadLetter(ctx, dl); err != nil {
		zap.L().Error("feeds: dead letter write failed",
			zap.String("source", string(system)), zap.Error(err))
	}
}

// ReplayDeadLetters retries parked records whose backoff has elapsed. Only
// append-stage records carry a replayable canonical event; anything else
// burns a retry and stays parked.
func (e *Engine) ReplayDeadLetters(ctx context.Context, limit int) (replayed, failed int, err error) {
	letters, err := e.store.DequeueDeadLetters(ctx, resilience.DeadLetterFilter{Limit: limit})
	if err != nil {
		return 0, 0, err
	}
	for _, dl := range letters {
		var ev model.CanonicalEvent
		if uerr := json.Unmarshal(dl.Record, &ev); uerr != nil || ev.TicketNumber == "" || ev.EventID == "" {
			e.failReplay(ctx, dl, eris.New("record is not a canonical event"))
			failed++
			continue
		}
		if _, aerr := e.ledger.Append(ctx, ev); aerr != nil {
			e.failReplay(ctx, dl, aerr)
			failed++
			continue
		}
		if rerr := e.store.RemoveDeadLetter(ctx, dl.ID); rerr != nil {
			return replayed, failed, rerr
		}
		replayed++
	}
	if replayed > 0 || failed > 0 {
		zap.L().Info("feeds: dead letter replay",
			zap.Int("replayed", replayed), zap.Int("failed", failed))
	}
	return replayed, failed, nil
}

func (e *Engine) failReplay(ctx context.Context, dl resilience.DeadLetter, cause error) {
	backoff := replayDelay * time.Duration(dl.RetryCount+1)
	if err := e.store.IncrementDeadLetterRetry(ctx, dl.ID, e.now().Add(backoff), cause.Error()); err != nil {
		zap.L().Error("feeds: dead letter update failed",
			zap.String("id", dl.ID), zap.Error(err))
	}
}

func payloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
