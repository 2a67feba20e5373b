// Package memory implements the append-only event chain, point-in-time
// snapshot store, and Merkle-linked hash chain of §4.G.
package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cryptoquant-io/coretrader/internal/filebus"
	"github.com/cryptoquant-io/coretrader/internal/ssot"
)

const schemaVersion = 1

// Event is one append-only record in events.jsonl.
type Event struct {
	Ts            float64                `json:"ts"`
	SchemaVersion int                    `json:"schema_version"`
	EventType     string                 `json:"event_type"`
	Source        string                 `json:"source"`
	Data          map[string]interface{} `json:"data"`
}

// EventChain appends and scans events.jsonl. It never rewrites the file.
type EventChain struct {
	Paths *ssot.Paths
	Bus   *filebus.Bus

	malformedLines int
}

// NewEventChain builds an EventChain rooted at paths.
func NewEventChain(paths *ssot.Paths, bus *filebus.Bus) *EventChain {
	return &EventChain{Paths: paths, Bus: bus}
}

// AppendEvent builds the envelope and appends one NDJSON line.
func (c *EventChain) AppendEvent(eventType, source string, data map[string]interface{}) error {
	ev := Event{
		Ts:            float64(time.Now().UnixNano()) / 1e9,
		SchemaVersion: schemaVersion,
		EventType:     eventType,
		Source:        source,
		Data:          data,
	}
	if err := c.Bus.AppendNDJSON(c.Paths.EventsPath(), ev); err != nil {
		return fmt.Errorf("memory: append event: %w", err)
	}
	return nil
}

// EventFilter narrows GetEvents to a type and/or a minimum timestamp.
type EventFilter struct {
	EventType string
	SinceTs   float64
}

// GetEvents scans events.jsonl top to bottom, returning events matching
// filter in file order. Malformed lines are skipped silently but counted
// in MalformedLineCount.
func (c *EventChain) GetEvents(filter EventFilter) ([]Event, error) {
	f, err := os.Open(c.Paths.EventsPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: open events file: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			c.malformedLines++
			continue
		}

		if filter.EventType != "" && ev.EventType != filter.EventType {
			continue
		}
		if filter.SinceTs > 0 && ev.Ts < filter.SinceTs {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return events, fmt.Errorf("memory: scan events file: %w", err)
	}

	return events, nil
}

// MalformedLineCount reports how many lines GetEvents has skipped across
// its lifetime.
func (c *EventChain) MalformedLineCount() int { return c.malformedLines }
