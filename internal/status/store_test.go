package status

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(3, logrus.InfoLevel)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "mirror upload failed"
	entry.Data = logrus.Fields{
		"component": "pipeline",
		"cycle_id":  "abc",
		"error":     errors.New("denied"),
		"path":      "data/nifty.csv",
	}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("store.Fire returned error: %v", err)
	}

	snapshot := store.snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(snapshot))
	}
	got := snapshot[0]
	if got.Component != "pipeline" || got.CycleID != "abc" {
		t.Fatalf("unexpected snapshot data: %#v", got)
	}
	if got.Fields["error"] != "denied" || got.Fields["path"] != "data/nifty.csv" {
		t.Fatalf("unexpected fields: %#v", got.Fields)
	}
	if _, ok := got.Fields["component"]; ok {
		t.Fatal("component should not be duplicated in fields")
	}
}

func TestLogStoreRespectsLimitAndClose(t *testing.T) {
	store := newLogStore(2, logrus.InfoLevel)
	for i := 0; i < 4; i++ {
		entry := logrus.NewEntry(logrus.New())
		entry.Message = "msg"
		entry.Level = logrus.InfoLevel
		entry.Data = logrus.Fields{"index": i}
		if err := store.Fire(entry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	snapshot := store.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 entries after pruning, got %d", len(snapshot))
	}
	if snapshot[0].Fields["index"] != 2 || snapshot[1].Fields["index"] != 3 {
		t.Fatalf("unexpected entries retained: %#v", snapshot)
	}

	store.close()
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "ignored"
	if err := store.Fire(entry); err != nil {
		t.Fatalf("unexpected error after close: %v", err)
	}

	if snapshot = store.snapshot(); len(snapshot) != 2 {
		t.Fatalf("store accepted entries after close")
	}
}

func TestLogStoreLevels(t *testing.T) {
	store := newLogStore(0, logrus.WarnLevel)
	if store.limit != 200 {
		t.Fatalf("default limit = %d, want 200", store.limit)
	}
	for _, l := range store.Levels() {
		if l > logrus.WarnLevel {
			t.Fatalf("level %s should not be captured", l)
		}
	}
	if len(store.Levels()) != 4 {
		t.Fatalf("expected panic, fatal, error, warn; got %v", store.Levels())
	}
}
