package filebus

import (
	"os"
	"path/filepath"
	"testing"
)

type samplePayload struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

func TestWriteAtomicJSONThenReadJSONTolerant(t *testing.T) {
	bus := New(nil)
	path := filepath.Join(t.TempDir(), "sample.json")

	want := samplePayload{Name: "feeder", N: 42}
	if err := bus.WriteAtomicJSON(path, want); err != nil {
		t.Fatalf("WriteAtomicJSON: %v", err)
	}

	var got samplePayload
	if err := bus.ReadJSONTolerant(path, &got); err != nil {
		t.Fatalf("ReadJSONTolerant: %v", err)
	}
	if got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("expected no leftover .tmp file, found %q", e.Name())
		}
	}
}

func TestReadJSONTolerantMissingFile(t *testing.T) {
	bus := New(nil)
	path := filepath.Join(t.TempDir(), "missing.json")

	if err := bus.ReadJSONTolerant(path, &samplePayload{}); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestReadJSONTolerantStripsBOM(t *testing.T) {
	bus := New(nil)
	path := filepath.Join(t.TempDir(), "bom.json")

	payload := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"name":"ares","n":7}`)...)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	var got samplePayload
	if err := bus.ReadJSONTolerant(path, &got); err != nil {
		t.Fatalf("ReadJSONTolerant: %v", err)
	}
	if got.Name != "ares" || got.N != 7 {
		t.Errorf("expected decoded payload, got %+v", got)
	}
}

func TestAppendNDJSONAppendsLines(t *testing.T) {
	bus := New(nil)
	path := filepath.Join(t.TempDir(), "events.jsonl")

	if err := bus.AppendNDJSON(path, samplePayload{Name: "a", N: 1}); err != nil {
		t.Fatalf("AppendNDJSON: %v", err)
	}
	if err := bus.AppendNDJSON(path, samplePayload{Name: "b", N: 2}); err != nil {
		t.Fatalf("AppendNDJSON: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := splitLines(string(raw))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), raw)
	}
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func TestWriteAtomicOverwritesExistingTarget(t *testing.T) {
	bus := New(nil)
	path := filepath.Join(t.TempDir(), "target.json")

	if err := bus.WriteAtomicJSON(path, samplePayload{Name: "first", N: 1}); err != nil {
		t.Fatal(err)
	}
	if err := bus.WriteAtomicJSON(path, samplePayload{Name: "second", N: 2}); err != nil {
		t.Fatal(err)
	}

	var got samplePayload
	if err := bus.ReadJSONTolerant(path, &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "second" {
		t.Errorf("expected overwritten value, got %+v", got)
	}
}
