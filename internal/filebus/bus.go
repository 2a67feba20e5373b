// Package filebus implements the atomic temp-file+rename write path,
// BOM-tolerant bounded-retry reads, and append-only NDJSON writes that back
// every other component's persisted state.
package filebus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/cryptoquant-io/coretrader/infrastructure/logging"
)

// Bus performs atomic writes and tolerant reads under a single repo root.
// The zero value is usable; Logger is optional.
type Bus struct {
	Logger *logging.Logger

	bomWarnCount   int
	bomMaxWarnings int
}

// New returns a Bus that logs through the given logger (may be nil).
func New(logger *logging.Logger) *Bus {
	return &Bus{Logger: logger, bomMaxWarnings: 3}
}

const (
	writeRetries  = 3
	writeRetryGap = 100 * time.Millisecond
	readRetries   = 5
)

// WriteAtomic writes payload to target via a temp file in the same
// directory followed by an atomic rename. It never writes directly to the
// target path. Transient EACCES/EBUSY-class errors are retried up to
// writeRetries times with a fixed delay.
func (b *Bus) WriteAtomic(target string, payload []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("filebus: ensure dir %q: %w", dir, err)
	}

	var lastErr error
	for attempt := 0; attempt <= writeRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(writeRetryGap)
		}
		if err := b.writeAtomicOnce(target, payload); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("filebus: write_atomic %q failed after %d attempts: %w", target, writeRetries+1, lastErr)
}

func (b *Bus) writeAtomicOnce(target string, payload []byte) error {
	dir := filepath.Dir(target)
	tmp := filepath.Join(dir, fmt.Sprintf("%s.%d-%08x.tmp", filepath.Base(target), os.Getpid(), rand.Uint32()))

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// WriteAtomicJSON marshals v and writes it via WriteAtomic.
func (b *Bus) WriteAtomicJSON(target string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("filebus: marshal for %q: %w", target, err)
	}
	return b.WriteAtomic(target, payload)
}

// ReadJSONTolerant reads and parses JSON at path into v, tolerating a
// leading UTF-8 BOM and retrying a bounded number of times when the file
// looks like it is mid-write (very fresh mtime) or parsing fails.
func (b *Bus) ReadJSONTolerant(path string, v interface{}) error {
	var lastErr error
	for attempt := 0; attempt < readRetries; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(20+rand.Intn(20)) * time.Millisecond
			time.Sleep(jitter)
		}

		info, statErr := os.Stat(path)
		if statErr != nil {
			return statErr
		}

		freshlyWritten := attempt == 0 && time.Since(info.ModTime()) < 100*time.Millisecond
		if freshlyWritten {
			continue
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}

		raw = b.stripBOM(raw, path)

		if err := json.Unmarshal(raw, v); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("filebus: read_json_tolerant %q: exhausted retries", path)
	}
	return lastErr
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func (b *Bus) stripBOM(raw []byte, path string) []byte {
	if !bytes.HasPrefix(raw, utf8BOM) {
		return raw
	}
	if b.Logger != nil && b.bomWarnCount < b.bomMaxWarnings {
		b.Logger.WithFields(map[string]interface{}{"path": path}).Info("filebus: utf8 BOM stripped")
		b.bomWarnCount++
	}
	return raw[len(utf8BOM):]
}

// AppendNDJSON serializes record as a single-line JSON object and appends
// it, followed by a newline, to path. No temp file is used: a single
// append-mode write() call is inherently append-safe for one line.
func (b *Bus) AppendNDJSON(path string, record interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("filebus: ensure dir %q: %w", dir, err)
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("filebus: marshal ndjson for %q: %w", path, err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("filebus: open %q for append: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("filebus: append to %q: %w", path, err)
	}
	return f.Sync()
}
