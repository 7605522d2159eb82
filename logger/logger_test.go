package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "optionflow.log")
	log := Logger()
	if err := log.Configure("debug", "text", path, 7); err != nil {
		t.Fatalf("configure: %v", err)
	}
}

func TestJSONOutputFields(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	var buf bytes.Buffer
	log := Logger()
	if err := log.Configure("info", "json", "stdout", 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	log.SetOutput(&buf)
	log.WithComponent("scheduler").WithFields(Fields{"cycle_id": "abc"}).Info("cycle finished")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["message"] != "cycle finished" || line["component"] != "scheduler" || line["cycle_id"] != "abc" {
		t.Errorf("unexpected log line: %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Errorf("timestamp missing: %v", line)
	}
	if file, _ := line["file"].(string); !strings.HasPrefix(file, "logger_test.go:") {
		t.Errorf("caller should point at the test, got %q", file)
	}
}

func TestWarnAndErrorAreCounted(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)

	before := Snapshot()
	log.WithComponent("test").Warn("careful")
	log.WithComponent("test").Error("broken")
	after := Snapshot()

	if after.Warns-before.Warns != 1 {
		t.Errorf("warns delta = %d, want 1", after.Warns-before.Warns)
	}
	if after.Errors-before.Errors != 1 {
		t.Errorf("errors delta = %d, want 1", after.Errors-before.Errors)
	}
}

func TestRecordCycle(t *testing.T) {
	before := Snapshot()
	RecordCycle(true, 10, 2048)
	RecordCycle(false, 0, 0)
	RecordUpload(false)
	after := Snapshot()

	if after.Cycles-before.Cycles != 2 {
		t.Errorf("cycles delta = %d", after.Cycles-before.Cycles)
	}
	if after.CycleFailures-before.CycleFailures != 1 {
		t.Errorf("failures delta = %d", after.CycleFailures-before.CycleFailures)
	}
	if after.RecordsWritten-before.RecordsWritten != 10 || after.BytesWritten-before.BytesWritten != 2048 {
		t.Errorf("unexpected written deltas: %+v -> %+v", before, after)
	}
	if after.UploadFailures-before.UploadFailures != 1 {
		t.Errorf("upload failures delta = %d", after.UploadFailures-before.UploadFailures)
	}
}

func TestIsReportLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	if !IsReportLevel("Report") {
		t.Error("expected report level")
	}
	if IsReportLevel("info") {
		t.Error("info is not report level")
	}
}
