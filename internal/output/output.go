// Package output serializes reconstructed LogRecords to the two formats the
// CLI driver offers: JSON Lines and CSV. Both writers are thin over the
// core record set.
package output

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/valyala/fastjson"

	"github.com/marloson/macos-UnifiedLogs/internal/types"
)

// JSONLWriter renders one LogRecord per line as a JSON object, built with a
// reused fastjson.Arena — the write-side counterpart of the parser's
// fastjson.ParserPool, avoiding an allocation per record the way the parser
// avoids one per parse.
type JSONLWriter struct {
	w     io.Writer
	arena fastjson.Arena
}

// NewJSONLWriter wraps w.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{w: w}
}

// Write appends one JSON-encoded record followed by a newline.
func (jw *JSONLWriter) Write(r *types.LogRecord) error {
	jw.arena.Reset()
	obj := jw.arena.NewObject()

	if r.Time != nil {
		obj.Set("time", jw.arena.NewString(r.Time.Format("2006-01-02 15:04:05.000000-0700")))
	} else {
		obj.Set("time", jw.arena.NewNull())
	}
	obj.Set("continuous_time", jw.arena.NewNumberString(strconv.FormatUint(r.ContinuousTime, 10)))
	obj.Set("thread_id", jw.arena.NewNumberString(strconv.FormatUint(r.ThreadID, 10)))
	obj.Set("pid", jw.arena.NewNumberInt(int(r.PID)))
	obj.Set("euid", jw.arena.NewNumberInt(int(r.EUID)))
	obj.Set("level", jw.arena.NewString(r.Level.String()))
	obj.Set("process", jw.arena.NewString(r.Process))
	obj.Set("sender", jw.arena.NewString(r.Sender))
	obj.Set("subsystem", jw.arena.NewString(r.Subsystem))
	obj.Set("category", jw.arena.NewString(r.Category))
	obj.Set("message", jw.arena.NewString(r.Message))
	obj.Set("activity_id", jw.arena.NewNumberString(strconv.FormatUint(r.ActivityID, 10)))
	obj.Set("parent_activity_id", jw.arena.NewNumberString(strconv.FormatUint(r.ParentActivityID, 10)))
	obj.Set("boot_uuid", jw.arena.NewString(r.BootUUID.String()))

	if r.SignpostName != "" {
		obj.Set("signpost_name", jw.arena.NewString(r.SignpostName))
		obj.Set("signpost_id", jw.arena.NewNumberString(strconv.FormatUint(r.SignpostID, 10)))
		obj.Set("signpost_scope", jw.arena.NewString(r.SignpostScope.String()))
		obj.Set("signpost_kind", jw.arena.NewString(r.SignpostKind.String()))
	}

	if len(r.RawData) > 0 {
		arr := jw.arena.NewArray()
		for i, item := range r.RawData {
			el := jw.arena.NewObject()
			el.Set("type", jw.arena.NewNumberInt(int(item.Type)))
			el.Set("value", jw.arena.NewString(item.Value))
			arr.SetArrayItem(i, el)
		}
		obj.Set("raw_data", arr)
	}

	if _, err := jw.w.Write(obj.MarshalTo(nil)); err != nil {
		return fmt.Errorf("output: writing jsonl record: %w", err)
	}
	if _, err := jw.w.Write([]byte("\n")); err != nil {
		return fmt.Errorf("output: writing jsonl newline: %w", err)
	}
	return nil
}

// csvHeader is the fixed column order for CSVWriter, matching the JSONL
// field set minus raw_data (too irregular in shape for a flat column).
var csvHeader = []string{
	"time", "continuous_time", "thread_id", "pid", "euid", "level",
	"process", "sender", "subsystem", "category", "message",
	"activity_id", "parent_activity_id", "boot_uuid",
	"signpost_name", "signpost_id", "signpost_scope", "signpost_kind",
}

// CSVWriter renders records as CSV rows via the standard encoding/csv
// writer, appropriate for structured tabular output where no nested shape
// is needed.
type CSVWriter struct {
	w           *csv.Writer
	wroteHeader bool
}

// NewCSVWriter wraps w.
func NewCSVWriter(w io.Writer) *CSVWriter {
	return &CSVWriter{w: csv.NewWriter(w)}
}

// Write appends one record as a CSV row, writing the header row first if it
// hasn't been written yet.
func (cw *CSVWriter) Write(r *types.LogRecord) error {
	if !cw.wroteHeader {
		if err := cw.w.Write(csvHeader); err != nil {
			return fmt.Errorf("output: writing csv header: %w", err)
		}
		cw.wroteHeader = true
	}

	timeField := ""
	if r.Time != nil {
		timeField = r.Time.Format("2006-01-02 15:04:05.000000-0700")
	}

	row := []string{
		timeField,
		strconv.FormatUint(r.ContinuousTime, 10),
		strconv.FormatUint(r.ThreadID, 10),
		strconv.FormatInt(int64(r.PID), 10),
		strconv.FormatUint(uint64(r.EUID), 10),
		r.Level.String(),
		r.Process,
		r.Sender,
		r.Subsystem,
		r.Category,
		r.Message,
		strconv.FormatUint(r.ActivityID, 10),
		strconv.FormatUint(r.ParentActivityID, 10),
		r.BootUUID.String(),
		r.SignpostName,
		signpostIDField(r),
		r.SignpostScope.String(),
		r.SignpostKind.String(),
	}
	if err := cw.w.Write(row); err != nil {
		return fmt.Errorf("output: writing csv row: %w", err)
	}
	return nil
}

func signpostIDField(r *types.LogRecord) string {
	if r.SignpostName == "" {
		return ""
	}
	return strconv.FormatUint(r.SignpostID, 10)
}

// Flush flushes any buffered CSV output. JSONLWriter needs no equivalent —
// every Write call is already a completed line.
func (cw *CSVWriter) Flush() error {
	cw.w.Flush()
	return cw.w.Error()
}
