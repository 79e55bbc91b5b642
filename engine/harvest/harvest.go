// Package harvest drives an OAI-PMH record sequence through normalization
// into sharded output files, counting successes, failures and skips.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"time"

	"github.com/WessleyAI/dhxiv/engine/record"
	"github.com/WessleyAI/dhxiv/engine/shard"
	"github.com/WessleyAI/dhxiv/pkg/fn"
	"github.com/WessleyAI/dhxiv/pkg/metrics"
	"github.com/WessleyAI/dhxiv/pkg/oaipmh"
)

// DefaultProgressEvery is how often (in harvested records) progress is logged.
const DefaultProgressEvery = 1000

// Source produces the raw records matching a query.
type Source interface {
	ListRecords(ctx context.Context, p oaipmh.Params) iter.Seq2[oaipmh.Record, error]
}

// RecordWriter persists one normalized record.
type RecordWriter interface {
	Write(v any) error
}

// Options configures a harvest run.
type Options struct {
	OutputDir      string
	Years          int
	Field          string
	ShardSize      int
	Prefix         string
	MetadataPrefix string

	// Now defaults to time.Now.
	Now           func() time.Time
	Logger        *slog.Logger
	Metrics       *metrics.Registry
	OnShardClosed func(shard.Info)
	// Normalize defaults to record.Normalize.
	Normalize     func(record.Metadata) (record.Record, error)
	ProgressEvery int
}

// Stats summarizes a run.
type Stats struct {
	Window    Window `json:"window"`
	Harvested int    `json:"harvested"`
	Errors    int    `json:"errors"`
	Skipped   int    `json:"skipped"`
}

// Harvester runs harvests with fixed options.
type Harvester struct {
	opts Options
	log  *slog.Logger

	harvested    *metrics.Counter
	failed       *metrics.Counter
	skipped      *metrics.Counter
	shardsClosed *metrics.Counter
}

// New creates a Harvester, filling in defaults.
func New(opts Options) *Harvester {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Normalize == nil {
		opts.Normalize = func(m record.Metadata) (record.Record, error) { return record.Normalize(m), nil }
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = DefaultProgressEvery
	}
	if opts.Prefix == "" {
		opts.Prefix = "records"
	}
	if opts.MetadataPrefix == "" {
		opts.MetadataPrefix = "arXiv"
	}
	reg := opts.Metrics
	return &Harvester{
		opts:         opts,
		log:          opts.Logger,
		harvested:    reg.Counter("dhxiv_records_harvested_total", "Records normalized and written."),
		failed:       reg.Counter("dhxiv_records_errors_total", "Records that failed normalization or writing."),
		skipped:      reg.Counter("dhxiv_records_skipped_total", "Records without a metadata payload."),
		shardsClosed: reg.Counter("dhxiv_shards_closed_total", "Shard files flushed and closed."),
	}
}

// Run is shorthand for New(opts).Run(ctx, src).
func Run(ctx context.Context, src Source, opts Options) (Stats, error) {
	return New(opts).Run(ctx, src)
}

// Run validates the options, computes the date window, opens the shard
// writer and consumes the source. The writer is always closed, so shards
// flushed before a source error remain readable.
func (h *Harvester) Run(ctx context.Context, src Source) (stats Stats, err error) {
	o := h.opts
	if err := ValidateField(o.Field); err != nil {
		return stats, err
	}
	if o.ShardSize <= 0 {
		return stats, NewArgError("size", strconv.Itoa(o.ShardSize), "must be positive")
	}
	win, err := DateRange(o.Years, o.Now())
	if err != nil {
		return stats, err
	}
	stats.Window = win

	h.log.Info("harvesting arXiv paper records",
		"field", o.Field,
		"from", win.From,
		"until", win.Until,
		"output", o.OutputDir,
	)

	w, err := shard.New(shard.Config{
		Dir:     o.OutputDir,
		Size:    o.ShardSize,
		Prefix:  o.Prefix,
		Logger:  h.log,
		OnClose: h.shardClosed,
	})
	if err != nil {
		return stats, fmt.Errorf("harvest: %w", err)
	}
	defer func() {
		if cerr := w.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	params := oaipmh.Params{
		MetadataPrefix: o.MetadataPrefix,
		Set:            o.Field,
		From:           win.From,
		Until:          win.Until,
	}
	stats, err = h.Consume(ctx, src.ListRecords(ctx, params), w)
	stats.Window = win
	return stats, err
}

func (h *Harvester) shardClosed(info shard.Info) {
	h.shardsClosed.Inc()
	if h.opts.OnShardClosed != nil {
		h.opts.OnShardClosed(info)
	}
}

// Consume pulls seq to exhaustion, writing each normalized record to w.
// Records without metadata are skipped. A record that fails normalization
// or writing is logged and counted, and the harvest moves on. An error
// from seq itself, or a shard that could not be finalized, ends the
// harvest and is returned.
func (h *Harvester) Consume(ctx context.Context, seq iter.Seq2[oaipmh.Record, error], w RecordWriter) (stats Stats, err error) {
	defer func() {
		h.log.Info("harvest finished",
			"harvested", stats.Harvested,
			"errors", stats.Errors,
			"skipped", stats.Skipped,
		)
	}()

	pipeline := fn.Then(
		fn.TracedStage("harvest.normalize", h.normalizeStage()),
		fn.TracedStage("harvest.write", writeStage(w)),
	)

	for rec, serr := range seq {
		if serr != nil {
			return stats, fmt.Errorf("harvest: source: %w", serr)
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if len(rec.Metadata) == 0 {
			stats.Skipped++
			h.skipped.Inc()
			h.log.Debug("skipping record without metadata",
				"identifier", rec.Header.Identifier,
				"deleted", rec.Header.Deleted,
			)
			continue
		}

		perr := process(ctx, pipeline, rec)
		if errors.Is(perr, shard.ErrRotate) {
			// The record is in the shard; the shard itself is not trustworthy.
			stats.Harvested++
			h.harvested.Inc()
			return stats, fmt.Errorf("harvest: %w", perr)
		}
		if perr != nil {
			stats.Errors++
			h.failed.Inc()
			h.log.Warn("error processing record",
				"identifier", rec.Header.Identifier,
				"id", firstValue(rec.Metadata, "id"),
				"error", perr,
			)
			continue
		}

		stats.Harvested++
		h.harvested.Inc()
		if stats.Harvested%h.opts.ProgressEvery == 0 {
			h.log.Info("harvest progress", "harvested", stats.Harvested, "errors", stats.Errors)
		}
	}
	return stats, ctx.Err()
}

func (h *Harvester) normalizeStage() fn.Stage[oaipmh.Record, record.Record] {
	return func(_ context.Context, rec oaipmh.Record) fn.Result[record.Record] {
		r, err := h.opts.Normalize(record.Metadata(rec.Metadata))
		return fn.FromPair(r, err)
	}
}

func writeStage(w RecordWriter) fn.Stage[record.Record, record.Record] {
	return func(_ context.Context, r record.Record) fn.Result[record.Record] {
		if err := w.Write(r); err != nil {
			return fn.Err[record.Record](err)
		}
		return fn.Ok(r)
	}
}

// process runs one record through the pipeline, turning a panic into an error.
func process(ctx context.Context, pipeline fn.Stage[oaipmh.Record, record.Record], rec oaipmh.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	_, err = pipeline(ctx, rec).Unwrap()
	return err
}

func firstValue(m map[string][]string, key string) string {
	if v := m[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}
