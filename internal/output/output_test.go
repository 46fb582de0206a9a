package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fastjson"

	"github.com/marloson/macos-UnifiedLogs/internal/types"
)

func sampleRecord() *types.LogRecord {
	ts := time.Unix(0, 1_000_000_000).UTC()
	return &types.LogRecord{
		Time:       &ts,
		PID:        42,
		EUID:       501,
		Level:      types.LevelError,
		Process:    "/usr/bin/testapp",
		Sender:     "/usr/lib/libfoo.dylib",
		Subsystem:  "com.example.foo",
		Category:   "network",
		Message:    "connection failed",
		BootUUID:   uuid.New(),
		ActivityID: 7,
	}
}

func TestJSONLWriterRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)
	rec := sampleRecord()

	if err := w.Write(rec); err != nil {
		t.Fatalf("Write: %v", err)
	}

	line := strings.TrimSuffix(buf.String(), "\n")
	v, err := fastjson.Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if string(v.GetStringBytes("message")) != "connection failed" {
		t.Fatalf("unexpected message: %s", v.Get("message"))
	}
	if string(v.GetStringBytes("level")) != "Error" {
		t.Fatalf("unexpected level: %s", v.Get("level"))
	}
	if v.GetInt("pid") != 42 {
		t.Fatalf("unexpected pid: %d", v.GetInt("pid"))
	}
}

func TestJSONLWriterMultipleRecordsOneLineEach(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)
	if err := w.Write(sampleRecord()); err != nil {
		t.Fatalf("Write 1: %v", err)
	}
	if err := w.Write(sampleRecord()); err != nil {
		t.Fatalf("Write 2: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
}

func TestCSVWriterWritesHeaderOnce(t *testing.T) {
	var buf bytes.Buffer
	w := NewCSVWriter(&buf)
	if err := w.Write(sampleRecord()); err != nil {
		t.Fatalf("Write 1: %v", err)
	}
	if err := w.Write(sampleRecord()); err != nil {
		t.Fatalf("Write 2: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d: %q", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "time,continuous_time") {
		t.Fatalf("unexpected header: %q", lines[0])
	}
	if !strings.Contains(lines[1], "connection failed") {
		t.Fatalf("expected message in data row: %q", lines[1])
	}
}
