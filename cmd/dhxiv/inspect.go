package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/WessleyAI/dhxiv/engine/record"
	"github.com/WessleyAI/dhxiv/engine/shard"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newInspectCmd(stdout io.Writer) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "inspect DIR",
		Short: "List shard files with their record counts",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(stdout, args[0], prefix)
		},
	}
	cmd.Flags().StringVarP(&prefix, "prefix", "p", "records", "shard file name prefix")
	return cmd
}

func inspect(out io.Writer, dir, prefix string) error {
	invalid := make(map[int]int)
	shards, err := shard.Scan(dir, prefix, func(info shard.Info, line []byte) error {
		var r record.Record
		if json.Unmarshal(line, &r) != nil {
			invalid[info.Number]++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(shards) == 0 {
		return fmt.Errorf("no %s_*%s shards in %s", prefix, shard.Ext, dir)
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Shard", "File", "Records", "Invalid"})

	var total, bad int
	for _, s := range shards {
		t.AppendRow(table.Row{s.Number, filepath.Base(s.Path), s.Records, invalid[s.Number]})
		total += s.Records
		bad += invalid[s.Number]
	}
	t.AppendFooter(table.Row{"", "Total", total, bad})
	t.Render()

	if bad > 0 {
		return fmt.Errorf("%d lines are not valid records", bad)
	}
	return nil
}
