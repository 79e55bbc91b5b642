// Package shard writes newline-delimited JSON records into gzip-compressed,
// size-bounded, sequentially numbered files and reads them back.
package shard

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// Ext is the file extension of every shard.
const Ext = ".jsonl.gz"

var (
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("shard: writer closed")
	// ErrInvalidSize is returned by New when the shard bound is not positive.
	ErrInvalidSize = errors.New("shard: size must be positive")
	// ErrRotate is returned by Write when the record was accepted but the
	// shard it filled could not be finalized. The record is counted in that
	// shard; the shard file may be incomplete.
	ErrRotate = errors.New("shard: rotate")
)

// State is the lifecycle state of a Writer.
type State int

const (
	// StateOpen means a shard file is open and accepting records.
	StateOpen State = iota
	// StateRotating means the last shard filled up and was closed; the next
	// shard is opened by the following Write.
	StateRotating
	// StateClosed means Close has been called.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateRotating:
		return "rotating"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Info describes one shard file.
type Info struct {
	Number  int    `json:"shard"`
	Path    string `json:"file"`
	Records int    `json:"records"`
}

// Name returns the file name of shard n, e.g. records_001.jsonl.gz.
func Name(prefix string, n int) string {
	return fmt.Sprintf("%s_%03d%s", prefix, n, Ext)
}

// Config configures a Writer.
type Config struct {
	Dir    string
	Size   int
	Prefix string
	Logger *slog.Logger
	// OnClose, if set, is called after each shard is flushed and closed.
	OnClose func(Info)
}

// Writer appends records to the current shard and rotates to a new file
// once Size records have been written to it. A Writer is not safe for
// concurrent use.
type Writer struct {
	cfg   Config
	log   *slog.Logger
	state State

	num   int
	count int
	path  string

	file *os.File
	buf  *bufio.Writer
	gz   *gzip.Writer

	line bytes.Buffer
	enc  *json.Encoder
}

// New creates the output directory and eagerly opens shard 1, so an empty
// run still leaves one (empty) shard on disk.
func New(cfg Config) (*Writer, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, cfg.Size)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "records"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("shard: create %s: %w", cfg.Dir, err)
	}

	w := &Writer{cfg: cfg, log: log}
	w.enc = json.NewEncoder(&w.line)
	w.enc.SetEscapeHTML(false)
	if err := w.open(1); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) open(n int) error {
	path := filepath.Join(w.cfg.Dir, Name(w.cfg.Prefix, n))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("shard: open %s: %w", path, err)
	}
	w.file = f
	w.buf = bufio.NewWriterSize(f, 64*1024)
	w.gz = gzip.NewWriter(w.buf)
	w.num = n
	w.count = 0
	w.path = path
	w.state = StateOpen
	w.log.Info("opened shard", "shard", n, "file", filepath.Base(path))
	return nil
}

// closeCurrent finalizes the gzip stream and releases the file handle.
func (w *Writer) closeCurrent() error {
	var errs []error
	if err := w.gz.Close(); err != nil {
		errs = append(errs, fmt.Errorf("gzip: %w", err))
	}
	if err := w.buf.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	info := w.Current()
	w.file, w.buf, w.gz = nil, nil, nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shard: close %s: %w", info.Path, err)
	}
	if w.cfg.OnClose != nil {
		w.cfg.OnClose(info)
	}
	return nil
}

// Write appends v as one JSON line. When the shard reaches Size records it
// is closed before Write returns; a failure to close is reported as ErrRotate.
func (w *Writer) Write(v any) error {
	switch w.state {
	case StateClosed:
		return ErrClosed
	case StateRotating:
		if err := w.open(w.num + 1); err != nil {
			return err
		}
	}

	// Encode appends the trailing newline.
	w.line.Reset()
	if err := w.enc.Encode(v); err != nil {
		return fmt.Errorf("shard: encode record: %w", err)
	}
	if _, err := w.gz.Write(w.line.Bytes()); err != nil {
		return fmt.Errorf("shard: write %s: %w", w.path, err)
	}
	w.count++

	if w.count >= w.cfg.Size {
		w.log.Info("shard full, rotating", "shard", w.num, "records", w.count, "file", filepath.Base(w.path))
		w.state = StateRotating
		if err := w.closeCurrent(); err != nil {
			return fmt.Errorf("%w: %w", ErrRotate, err)
		}
	}
	return nil
}

// Close flushes and closes the open shard. It is safe to call more than once.
func (w *Writer) Close() error {
	prev := w.state
	w.state = StateClosed
	if prev != StateOpen {
		return nil
	}
	return w.closeCurrent()
}

// State reports the writer's lifecycle state.
func (w *Writer) State() State { return w.state }

// Current describes the most recently opened shard.
func (w *Writer) Current() Info {
	return Info{Number: w.num, Path: w.path, Records: w.count}
}
