package shard

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// List returns the shards for prefix in dir, ordered by shard number.
// Records is left at zero; Scan fills it in.
func List(dir, prefix string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("shard: list %s: %w", dir, err)
	}
	var out []Info
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, ok := parseName(prefix, e.Name())
		if !ok {
			continue
		}
		out = append(out, Info{Number: n, Path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// parseName extracts n from "<prefix>_<n>.jsonl.gz".
func parseName(prefix, name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, prefix+"_")
	if !ok {
		return 0, false
	}
	digits, ok := strings.CutSuffix(rest, Ext)
	if !ok || len(digits) < 3 {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// ReadFile decompresses the shard at path and calls fn with each line,
// without the trailing newline. It returns the number of lines read.
func ReadFile(path string, fn func(line []byte) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("shard: open %s: %w", path, err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		return 0, fmt.Errorf("shard: gzip %s: %w", path, err)
	}
	defer zr.Close()

	br := bufio.NewReader(zr)
	n := 0
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimSuffix(line, []byte{'\n'})
			n++
			if ferr := fn(line); ferr != nil {
				return n, ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("shard: read %s: %w", path, err)
		}
	}
}

// Scan reads every shard for prefix in dir in order, calling fn for each
// line. It returns the shards with their record counts.
func Scan(dir, prefix string, fn func(Info, []byte) error) ([]Info, error) {
	shards, err := List(dir, prefix)
	if err != nil {
		return nil, err
	}
	for i := range shards {
		info := shards[i]
		n, err := ReadFile(info.Path, func(line []byte) error {
			if fn == nil {
				return nil
			}
			return fn(info, line)
		})
		shards[i].Records = n
		if err != nil {
			return shards[:i+1], err
		}
	}
	return shards, nil
}
