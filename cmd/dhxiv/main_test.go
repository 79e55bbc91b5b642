package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/WessleyAI/dhxiv/engine/record"
	"github.com/WessleyAI/dhxiv/engine/shard"
	"github.com/WessleyAI/dhxiv/pkg/natsutil"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsageErrors(t *testing.T) {
	base := t.TempDir()
	file := filepath.Join(base, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(base, "out")

	tests := []struct {
		name string
		args []string
		msg  string
	}{
		{"missing output", []string{"-y", "3"}, `required flag "output"`},
		{"zero years", []string{"-o", out, "--years=0"}, "years must be positive"},
		{"negative size", []string{"-o", out, "--size=-1"}, "size must be positive"},
		{"unknown field", []string{"-o", out, "-f", "physics"}, "field must be one of cs, math, stat"},
		{"output is a file", []string{"-o", file}, "exists and is not a directory"},
		{"bad integer", []string{"-o", out, "-y", "five"}, "invalid argument"},
		{"unknown flag", []string{"-o", out, "--bogus"}, "unknown flag"},
		{"positional argument", []string{"-o", out, "extra"}, "unknown command"},
		{"years before year one", []string{"-o", out, "-y", "3000"}, "years reaches before year 1"},
		{"empty prefix", []string{"-o", out, "--prefix="}, "prefix must be a non-empty file name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := runCLI(t, tt.args...)
			if code != exitUsage {
				t.Fatalf("exit code = %d, want %d; stderr:\n%s", code, exitUsage, stderr)
			}
			if !strings.HasPrefix(stderr, "Error: ") || !strings.Contains(stderr, tt.msg) {
				t.Fatalf("stderr missing %q:\n%s", tt.msg, stderr)
			}
			if !strings.Contains(stderr, "Usage:") {
				t.Fatalf("usage not printed:\n%s", stderr)
			}
			if _, err := os.Stat(out); !os.IsNotExist(err) {
				t.Fatalf("output dir created on usage error")
			}
		})
	}
}

func TestInvalidConfigIsUsageError(t *testing.T) {
	cfg := writeConfig(t, "endpoint: not-a-url\n")
	out := filepath.Join(t.TempDir(), "out")
	code, _, stderr := runCLI(t, "-o", out, "--config", cfg)
	if code != exitUsage {
		t.Fatalf("exit code = %d; stderr:\n%s", code, stderr)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatal("output dir created on config error")
	}
}

func TestMissingConfigIsUsageError(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	code, _, stderr := runCLI(t, "-o", out, "--config", missing)
	if code != exitUsage {
		t.Fatalf("exit code = %d; stderr:\n%s", code, stderr)
	}
	if !strings.Contains(stderr, "nope.yaml") {
		t.Fatalf("stderr does not name the config file:\n%s", stderr)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatal("output dir created on config error")
	}
}

const oaiPage = `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/"><ListRecords>%s</ListRecords></OAI-PMH>`

func oaiRecord(id string) string {
	return `<record><header><identifier>oai:arXiv.org:` + id + `</identifier><datestamp>2024-01-01</datestamp></header>
<metadata><arXiv xmlns="http://arxiv.org/OAI/arXiv/"><id>` + id + `</id><created>2024-01-01</created>
<authors><author><keyname>Smith</keyname><forenames>Ada</forenames></author><author><keyname>Lee</keyname></author></authors>
<title>On ` + id + `</title><categories>cs.LG</categories><abstract>Text.</abstract></arXiv></metadata></record>`
}

func newOAIServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("resumptionToken") == "page2":
			fmt.Fprintf(w, oaiPage, oaiRecord("3")+
				`<record><header status="deleted"><identifier>oai:arXiv.org:4</identifier><datestamp>2024-01-01</datestamp></header></record>`)
		case q.Get("set") == "cs" && q.Get("metadataPrefix") == "arXiv" && q.Get("from") != "":
			fmt.Fprintf(w, oaiPage, oaiRecord("1")+oaiRecord("2")+`<resumptionToken>page2</resumptionToken>`)
		default:
			http.Error(w, "unexpected query "+r.URL.RawQuery, http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dhxiv.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readRecords(t *testing.T, path string) []record.Record {
	t.Helper()
	var out []record.Record
	_, err := shard.ReadFile(path, func(line []byte) error {
		var r record.Record
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestHarvestEndToEnd(t *testing.T) {
	srv := newOAIServer(t)
	cfg := writeConfig(t, "endpoint: "+srv.URL+"\n")
	out := filepath.Join(t.TempDir(), "nested", "out")

	code, _, stderr := runCLI(t, "-o", out, "-s", "2", "-p", "cs", "--config", cfg)
	if code != exitOK {
		t.Fatalf("exit code = %d; stderr:\n%s", code, stderr)
	}

	first := readRecords(t, filepath.Join(out, "cs_001.jsonl.gz"))
	second := readRecords(t, filepath.Join(out, "cs_002.jsonl.gz"))
	if len(first) != 2 || len(second) != 1 {
		t.Fatalf("shard sizes = %d, %d", len(first), len(second))
	}
	r := first[0]
	if *r.ID != "1" || *r.Title != "On 1" || r.Updated != nil {
		t.Fatalf("unexpected record %+v", r)
	}
	if strings.Join(r.Authors, "|") != "Ada Smith|Lee" {
		t.Fatalf("authors = %v", r.Authors)
	}
	if _, err := os.Stat(filepath.Join(out, "cs_003.jsonl.gz")); !os.IsNotExist(err) {
		t.Fatal("unexpected third shard")
	}
	for _, want := range []string{"run_id=", "endpoint=" + srv.URL, "harvesting arXiv paper records", "harvested=3", "skipped=1"} {
		if !strings.Contains(stderr, want) {
			t.Errorf("log missing %q:\n%s", want, stderr)
		}
	}
}

func TestRuntimeErrorExitCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()
	cfg := writeConfig(t, "endpoint: "+srv.URL+"\n")
	out := t.TempDir()

	code, _, stderr := runCLI(t, "-o", out, "--config", cfg)
	if code != exitRuntime {
		t.Fatalf("exit code = %d; stderr:\n%s", code, stderr)
	}
	if !strings.Contains(stderr, "unexpected status 500") {
		t.Fatalf("stderr:\n%s", stderr)
	}
	if recs := readRecords(t, filepath.Join(out, "records_001.jsonl.gz")); len(recs) != 0 {
		t.Fatalf("expected empty first shard, got %d records", len(recs))
	}
}

func TestHarvestPublishesShardEvents(t *testing.T) {
	ns, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	ns.Start()
	defer ns.Shutdown()
	if !ns.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	events := make(chan shardEvent, 4)
	sub, err := natsutil.Subscribe(nc, "test.shards", func(_ context.Context, ev shardEvent) { events <- ev })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}

	srv := newOAIServer(t)
	cfg := writeConfig(t, fmt.Sprintf("endpoint: %s\nnats:\n  url: %s\n  subject: test.shards\n", srv.URL, ns.ClientURL()))
	out := t.TempDir()

	code, _, stderr := runCLI(t, "-o", out, "-s", "2", "--config", cfg)
	if code != exitOK {
		t.Fatalf("exit code = %d; stderr:\n%s", code, stderr)
	}

	var got []shardEvent
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out, got %+v", got)
		}
	}
	if got[0].Shard != 1 || got[0].Records != 2 || got[1].Shard != 2 || got[1].Records != 1 {
		t.Fatalf("unexpected events %+v", got)
	}
	if got[0].RunID == "" || got[0].RunID != got[1].RunID {
		t.Fatalf("run ids not set consistently: %+v", got)
	}
	if filepath.Base(got[1].File) != "records_002.jsonl.gz" {
		t.Fatalf("file = %q", got[1].File)
	}
}

func TestInspect(t *testing.T) {
	srv := newOAIServer(t)
	cfg := writeConfig(t, "endpoint: "+srv.URL+"\n")
	out := t.TempDir()
	if code, _, stderr := runCLI(t, "-o", out, "-s", "2", "--config", cfg); code != exitOK {
		t.Fatalf("harvest failed: %s", stderr)
	}

	code, stdout, stderr := runCLI(t, "inspect", out)
	if code != exitOK {
		t.Fatalf("exit code = %d; stderr:\n%s", code, stderr)
	}
	for _, want := range []string{"records_001.jsonl.gz", "records_002.jsonl.gz"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("inspect output missing %q:\n%s", want, stdout)
		}
	}
	if i, j := strings.Index(stdout, "records_001"), strings.Index(stdout, "records_002"); i > j {
		t.Errorf("shards out of order:\n%s", stdout)
	}
}

func TestInspectFlagsInvalidLines(t *testing.T) {
	dir := t.TempDir()
	w, err := shard.New(shard.Config{Dir: dir, Size: 10, Prefix: "records"})
	if err != nil {
		t.Fatal(err)
	}
	_ = w.Write(map[string]any{"id": "1"})
	_ = w.Write("not a record")
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	code, stdout, stderr := runCLI(t, "inspect", dir)
	if code != exitRuntime {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stdout, "records_001.jsonl.gz") || !strings.Contains(stderr, "1 lines are not valid records") {
		t.Fatalf("stdout:\n%s\nstderr:\n%s", stdout, stderr)
	}
}

func TestInspectUsage(t *testing.T) {
	if code, _, _ := runCLI(t, "inspect"); code != exitUsage {
		t.Fatalf("exit code = %d, want %d", code, exitUsage)
	}
	if code, _, _ := runCLI(t, "inspect", t.TempDir()); code != exitRuntime {
		t.Fatalf("empty dir exit code = %d, want %d", code, exitRuntime)
	}
}
