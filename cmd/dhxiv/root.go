package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/dhxiv/engine/harvest"
	"github.com/WessleyAI/dhxiv/engine/shard"
	"github.com/WessleyAI/dhxiv/pkg/metrics"
	"github.com/WessleyAI/dhxiv/pkg/natsutil"
	"github.com/WessleyAI/dhxiv/pkg/oaipmh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type harvestFlags struct {
	output  string
	years   int
	field   string
	size    int
	prefix  string
	config  string
	verbose bool
}

// shardEvent is published for every closed shard when NATS is configured.
type shardEvent struct {
	RunID   string `json:"run_id"`
	Shard   int    `json:"shard"`
	File    string `json:"file"`
	Records int    `json:"records"`
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	f := &harvestFlags{}
	cmd := &cobra.Command{
		Use:           "dhxiv -o DIR [flags]",
		Short:         "Harvest arXiv metadata into gzip-compressed JSONL shards",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := f.validate(); err != nil {
				return &usageError{cmd: cmd, err: err}
			}
			cfg, err := harvest.LoadConfig(f.config)
			if err != nil {
				return &usageError{cmd: cmd, err: fmt.Errorf("config %s: %w", f.config, err)}
			}
			return runHarvest(cmd.Context(), f, cfg, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return &usageError{cmd: c, err: err}
	})

	fl := cmd.Flags()
	fl.StringVarP(&f.output, "output", "o", "", "output directory for shard files (required)")
	fl.IntVarP(&f.years, "years", "y", 5, "number of years back to harvest")
	fl.StringVarP(&f.field, "field", "f", "cs", "arXiv set to harvest: "+strings.Join(harvest.Fields, ", "))
	fl.IntVarP(&f.size, "size", "s", 10000, "maximum records per shard")
	fl.StringVarP(&f.prefix, "prefix", "p", "records", "shard file name prefix")
	fl.StringVar(&f.config, "config", "", "YAML file with repository and transport settings")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newInspectCmd(stdout))
	return cmd
}

func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return &usageError{cmd: cmd, err: err}
		}
		return nil
	}
}

// validate rejects bad flags before anything touches the filesystem.
func (f *harvestFlags) validate() error {
	if f.output == "" {
		return errors.New(`required flag "output" not set`)
	}
	if _, err := harvest.DateRange(f.years, time.Now()); err != nil {
		return err
	}
	if f.size <= 0 {
		return harvest.NewArgError("size", strconv.Itoa(f.size), "must be positive")
	}
	if err := harvest.ValidateField(f.field); err != nil {
		return err
	}
	if f.prefix == "" || strings.ContainsRune(f.prefix, os.PathSeparator) {
		return harvest.NewArgError("prefix", f.prefix, "must be a non-empty file name")
	}
	if st, err := os.Stat(f.output); err == nil && !st.IsDir() {
		return harvest.NewArgError("output", f.output, "exists and is not a directory")
	}
	return nil
}

func runHarvest(ctx context.Context, f *harvestFlags, cfg harvest.Config, stderr io.Writer) error {
	runID := uuid.NewString()
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})).With("run_id", runID)

	reg := metrics.New()
	if cfg.Metrics.Port > 0 {
		srv := reg.ServeAsync(cfg.Metrics.Port, log)
		defer srv.Close()
	}

	var onClosed func(shard.Info)
	if cfg.NATS.URL != "" {
		pub, err := natsutil.Connect(cfg.NATS.URL, cfg.NATS.Subject, "dhxiv")
		if err != nil {
			return err
		}
		defer func() {
			if err := pub.Close(); err != nil {
				log.Warn("closing nats publisher", "error", err)
			}
		}()
		log.Info("publishing shard events", "url", cfg.NATS.URL, "subject", pub.Subject())
		onClosed = func(info shard.Info) {
			ev := shardEvent{RunID: runID, Shard: info.Number, File: info.Path, Records: info.Records}
			if err := pub.Publish(ctx, ev); err != nil {
				log.Warn("publishing shard event", "shard", info.Number, "error", err)
			}
		}
	}

	copts := cfg.ClientOptions()
	copts.Logger = log
	copts.Metrics = reg
	client := oaipmh.New(copts)
	log.Info("using repository",
		"endpoint", client.Endpoint(),
		"metadata_prefix", cfg.MetadataPrefix,
		"max_retries", cfg.MaxRetries,
	)

	stats, err := harvest.Run(ctx, client, harvest.Options{
		OutputDir:      f.output,
		Years:          f.years,
		Field:          f.field,
		ShardSize:      f.size,
		Prefix:         f.prefix,
		MetadataPrefix: cfg.MetadataPrefix,
		Logger:         log,
		Metrics:        reg,
		OnShardClosed:  onClosed,
	})
	if err != nil {
		return fmt.Errorf("harvest stopped after %d records: %w", stats.Harvested, err)
	}
	return nil
}
