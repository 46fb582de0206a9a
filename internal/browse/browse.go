// Package browse serves a read-only local HTTP query/stats/histogram
// interface over an already-parsed set of LogRecords. There is no ingest
// endpoint and no user/session/token management — no multi-tenant concern
// exists when the data source is a single local archive.
package browse

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/marloson/macos-UnifiedLogs/internal/browse/query"
	"github.com/marloson/macos-UnifiedLogs/internal/types"
)

// Filter narrows a scan over the record set.
type Filter struct {
	MinTime   int64 // unix nanoseconds, 0 = unbounded
	MaxTime   int64 // unix nanoseconds, 0 = unbounded
	Level     string
	Subsystem string
	Process   string
	Query     string // the key:value AND/OR/NOT query language
}

// Server holds the parsed record set and serves it over HTTP.
type Server struct {
	mu      sync.RWMutex
	records []*types.LogRecord
	srv     *http.Server
}

// NewServer returns a Server over records. records is never mutated.
func NewServer(records []*types.LogRecord) *Server {
	return &Server{records: records}
}

// Start runs the HTTP server on addr, blocking until it stops.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/query", s.handleQuery)
	mux.HandleFunc("/histogram", s.handleHistogram)
	mux.HandleFunc("/stats", s.handleStats)

	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	filter := Filter{
		Level:     q.Get("level"),
		Subsystem: q.Get("subsystem"),
		Process:   q.Get("process"),
		Query:     q.Get("q"),
	}
	if v := q.Get("min_time"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.MinTime = parsed
		}
	}
	if v := q.Get("max_time"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.MaxTime = parsed
		}
	}

	limit := 100
	if v := q.Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	matches, err := s.Scan(filter, limit)
	if err != nil {
		log.Printf("browse: query error: %v", err)
		http.Error(w, "query failed", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(matches); err != nil {
		log.Printf("browse: encode error: %v", err)
	}
}

func (s *Server) handleHistogram(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	var start, end int64
	interval := int64(60) * 1_000_000_000 // default 1 minute, in nanoseconds

	if v := q.Get("start"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			start = parsed * 1_000_000 // ms -> ns
		}
	}
	if v := q.Get("end"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			end = parsed * 1_000_000
		}
	}
	if v := q.Get("interval"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
			interval = parsed * 1_000_000_000 // s -> ns
		}
	}

	filter := Filter{
		MinTime:   start,
		MaxTime:   end,
		Level:     q.Get("level"),
		Subsystem: q.Get("subsystem"),
		Process:   q.Get("process"),
		Query:     q.Get("q"),
	}

	points, err := s.Histogram(filter, interval)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(points); err != nil {
		log.Printf("browse: encode error: %v", err)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Stats()); err != nil {
		log.Printf("browse: encode error: %v", err)
	}
}

// recordAdapter implements query.Record over a *types.LogRecord, decoupling
// the query package from internal/types.
type recordAdapter struct{ r *types.LogRecord }

func (a recordAdapter) GetTime() string {
	if a.r.Time == nil {
		return ""
	}
	return a.r.Time.Format("2006-01-02T15:04:05.000000Z07:00")
}
func (a recordAdapter) GetLevel() string     { return a.r.Level.String() }
func (a recordAdapter) GetProcess() string   { return a.r.Process }
func (a recordAdapter) GetSender() string    { return a.r.Sender }
func (a recordAdapter) GetSubsystem() string { return a.r.Subsystem }
func (a recordAdapter) GetCategory() string  { return a.r.Category }
func (a recordAdapter) GetMessage() string   { return a.r.Message }
func (a recordAdapter) GetPID() string       { return strconv.FormatInt(int64(a.r.PID), 10) }

func matchesFilter(r *types.LogRecord, filter Filter, node query.Node) bool {
	if filter.MinTime != 0 && (r.Time == nil || r.Time.UnixNano() < filter.MinTime) {
		return false
	}
	if filter.MaxTime != 0 && (r.Time == nil || r.Time.UnixNano() > filter.MaxTime) {
		return false
	}
	if filter.Level != "" && !strings.EqualFold(r.Level.String(), filter.Level) {
		return false
	}
	if filter.Subsystem != "" && !strings.EqualFold(r.Subsystem, filter.Subsystem) {
		return false
	}
	if filter.Process != "" && !strings.EqualFold(r.Process, filter.Process) {
		return false
	}
	return query.Match(node, recordAdapter{r})
}

// Scan returns up to limit records matching filter, in the underlying
// record set's order (the pipeline driver's own order; no global
// timestamp sort is performed, and browse doesn't impose one either).
func (s *Server) Scan(filter Filter, limit int) ([]*types.LogRecord, error) {
	node, err := query.Parse(filter.Query)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.LogRecord
	for _, r := range s.records {
		if !matchesFilter(r, filter, node) {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// HistogramPoint is one time bucket's record count.
type HistogramPoint struct {
	Time  int64 `json:"time"`
	Count int   `json:"count"`
}

// Histogram buckets matching records into interval-nanosecond-wide buckets.
func (s *Server) Histogram(filter Filter, interval int64) ([]HistogramPoint, error) {
	node, err := query.Parse(filter.Query)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 1
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	buckets := make(map[int64]int)
	for _, r := range s.records {
		if r.Time == nil || !matchesFilter(r, filter, node) {
			continue
		}
		ts := r.Time.UnixNano()
		bucket := (ts / interval) * interval
		buckets[bucket]++
	}

	points := make([]HistogramPoint, 0, len(buckets))
	for t, c := range buckets {
		points = append(points, HistogramPoint{Time: t, Count: c})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Time < points[j].Time })
	return points, nil
}

// Stats is a snapshot summary of the whole record set.
type Stats struct {
	TotalRecords    int            `json:"total_records"`
	LevelCounts     map[string]int `json:"level_counts"`
	SubsystemCounts map[string]int `json:"subsystem_counts"`
	MinTime         int64          `json:"min_time"`
	MaxTime         int64          `json:"max_time"`
}

// Stats summarizes the whole record set.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		LevelCounts:     make(map[string]int),
		SubsystemCounts: make(map[string]int),
	}
	for _, r := range s.records {
		st.TotalRecords++
		st.LevelCounts[r.Level.String()]++
		if r.Subsystem != "" {
			st.SubsystemCounts[r.Subsystem]++
		}
		if r.Time != nil {
			ts := r.Time.UnixNano()
			if st.MinTime == 0 || ts < st.MinTime {
				st.MinTime = ts
			}
			if ts > st.MaxTime {
				st.MaxTime = ts
			}
		}
	}
	return st
}
