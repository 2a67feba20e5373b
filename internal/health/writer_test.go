package health

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cryptoquant-io/coretrader/internal/filebus"
)

func TestWriterWriteProducesReadableRecord(t *testing.T) {
	bus := filebus.New(nil)
	path := filepath.Join(t.TempDir(), "feeder.json")
	w := NewWriter("feeder", path, "feeder-main", "1.0", bus)

	if err := w.Write(Green, map[string]interface{}{"symbols": 3}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var rec HeartbeatRecord
	if err := bus.ReadJSONTolerant(path, &rec); err != nil {
		t.Fatalf("ReadJSONTolerant: %v", err)
	}
	if rec.Service != "feeder" || rec.Status != Green || rec.Producer != "feeder-main" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestWriterNeverDecreasesTimestamp(t *testing.T) {
	bus := filebus.New(nil)
	path := filepath.Join(t.TempDir(), "trader.json")
	w := NewWriter("trader", path, "trader-main", "1.0", bus)

	future := time.Now().Add(time.Hour).UnixMilli()
	w.lastTs = future

	if err := w.Write(Green, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var rec HeartbeatRecord
	if err := bus.ReadJSONTolerant(path, &rec); err != nil {
		t.Fatalf("ReadJSONTolerant: %v", err)
	}
	if rec.TsMs < future {
		t.Errorf("expected ts to never regress below %d, got %d", future, rec.TsMs)
	}
}

func TestWriterRunEmitsOnStartAndTick(t *testing.T) {
	bus := filebus.New(nil)
	path := filepath.Join(t.TempDir(), "ares.json")
	w := NewWriter("ares", path, "ares-main", "1.0", bus)

	stop := make(chan struct{})
	calls := 0
	statusFn := func() (Status, map[string]interface{}) {
		calls++
		return Green, map[string]interface{}{"call": calls}
	}

	done := make(chan struct{})
	go func() {
		w.Run(20*time.Millisecond, stop, statusFn)
		close(done)
	}()

	time.Sleep(80 * time.Millisecond)
	close(stop)
	<-done

	if calls < 2 {
		t.Errorf("expected statusFn to be called at least twice, got %d", calls)
	}
}
