package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/cryptoquant-io/coretrader/internal/filebus"
)

// Writer emits this process's own heartbeat record at its configured
// interval, enforcing invariant I4 (a written ts is never less than the
// previously written ts for the same service).
type Writer struct {
	Service  string
	Path     string
	Version  string
	Producer string

	bus *filebus.Bus

	mu     sync.Mutex
	lastTs int64
}

// NewWriter builds a Writer for one service's heartbeat file.
func NewWriter(service, path, producer, version string, bus *filebus.Bus) *Writer {
	return &Writer{Service: service, Path: path, Producer: producer, Version: version, bus: bus}
}

// Write emits one heartbeat record with the given status and payload.
func (w *Writer) Write(status Status, payload map[string]interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ts := time.Now().UnixMilli()
	if ts < w.lastTs {
		ts = w.lastTs
	}
	w.lastTs = ts

	rec := HeartbeatRecord{
		Service:  w.Service,
		Status:   status,
		TsMs:     ts,
		Producer: w.Producer,
		Version:  w.Version,
		Payload:  payload,
	}

	if err := w.bus.WriteAtomicJSON(w.Path, rec); err != nil {
		return fmt.Errorf("health: write heartbeat for %s: %w", w.Service, err)
	}
	return nil
}

// Run emits a heartbeat every interval until ctx-style stop channel closes.
// statusFn is polled each tick so callers can report their own derived
// status without the writer needing to know their internals.
func (w *Writer) Run(interval time.Duration, stop <-chan struct{}, statusFn func() (Status, map[string]interface{})) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	status, payload := statusFn()
	_ = w.Write(status, payload)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			status, payload := statusFn()
			_ = w.Write(status, payload)
		}
	}
}
