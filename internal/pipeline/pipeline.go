// Package pipeline drives the rest of the core: it walks tracev3 byte runs
// through the chunk framer, scopes each firehose page against the most
// recent catalog that covers its proc ids (falling back to the current
// catalog), resolves format strings and timestamps, and assembles the final
// LogRecord stream.
package pipeline

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marloson/macos-UnifiedLogs/internal/assemble"
	"github.com/marloson/macos-UnifiedLogs/internal/catalog"
	"github.com/marloson/macos-UnifiedLogs/internal/chunk"
	"github.com/marloson/macos-UnifiedLogs/internal/chunkset"
	"github.com/marloson/macos-UnifiedLogs/internal/firehose"
	"github.com/marloson/macos-UnifiedLogs/internal/sidecar"
	"github.com/marloson/macos-UnifiedLogs/internal/stringtable"
	"github.com/marloson/macos-UnifiedLogs/internal/timesync"
	"github.com/marloson/macos-UnifiedLogs/internal/types"
)

// Source is one input tracev3 file's name and bytes.
type Source struct {
	Name string
	Data []byte
}

// DeferredEntry carries everything needed to re-render a record whose
// message referenced an oversize payload not yet observed,
// without re-parsing the owning page.
type DeferredEntry struct {
	Record         *types.LogRecord
	FormatString   string
	Items          []firehose.DataItem
	TrailingBlob   []byte
	FirstProcID    uint64
	SecondProcID   uint32
	ContinuousTime uint64
}

// Driver produces a lazy, single-pass sequence of LogRecords from a set of
// tracev3 sources. Call Next repeatedly until it returns
// io.EOF.
type Driver struct {
	sources []Source
	srcIdx  int

	curFramer  *chunk.Framer
	curCatalog *catalog.Catalog
	catalogs   []*catalog.Catalog
	curBoot    uuid.UUID

	uuidStore *stringtable.UUIDTextStore
	dscStore  *stringtable.DscStore
	tsStore   *timesync.Store

	queue    []*types.LogRecord
	deferred []*DeferredEntry

	oversize map[sidecar.OversizeKey]*sidecar.Oversize

	MissingFormatCount    int
	MissingDataCount      int
	MissingOversizeCount  int
	ResidualOversizeCount int

	phase int // 0 = scanning sources, 1 = deferred resolution yielded, 2 = done
}

// NewDriver builds a driver over sources, sharing the given read-only
// string tables and timesync store.
func NewDriver(sources []Source, uuidStore *stringtable.UUIDTextStore, dscStore *stringtable.DscStore, tsStore *timesync.Store) *Driver {
	return &Driver{
		sources:   sources,
		uuidStore: uuidStore,
		dscStore:  dscStore,
		tsStore:   tsStore,
		oversize:  make(map[sidecar.OversizeKey]*sidecar.Oversize),
	}
}

// Next returns the next reconstructed record, or io.EOF once every source
// has been scanned and the deferred-resolution pass has run.
func (d *Driver) Next() (*types.LogRecord, error) {
	for {
		if len(d.queue) > 0 {
			rec := d.queue[0]
			d.queue = d.queue[1:]
			return rec, nil
		}

		switch d.phase {
		case 0:
			if err := d.advance(); err != nil { // always io.EOF: sources exhausted
				d.phase = 1
				d.queue, d.ResidualOversizeCount = ResolveDeferred(d.deferred, d.oversize)
				d.deferred = nil
				continue
			}
		case 1:
			d.phase = 2
			continue
		default:
			return nil, io.EOF
		}
	}
}

// DrainScan runs phase 0 only — scanning every source to completion and
// returning the records produced, without running the deferred-resolution
// pass. RunParallel uses this so it can merge oversize maps across workers
// before any worker resolves its deferred records.
func (d *Driver) DrainScan() []*types.LogRecord {
	var out []*types.LogRecord
	for {
		if len(d.queue) > 0 {
			out = append(out, d.queue[0])
			d.queue = d.queue[1:]
			continue
		}
		if err := d.advance(); err != nil { // always io.EOF here
			return out
		}
	}
}

// OversizeMap exposes the driver's accumulated oversize payloads, used by
// RunParallel to merge per-worker maps before the deferred pass.
func (d *Driver) OversizeMap() map[sidecar.OversizeKey]*sidecar.Oversize { return d.oversize }

// Deferred exposes records not yet resolved against the oversize map.
func (d *Driver) Deferred() []*DeferredEntry { return d.deferred }

// advance processes chunks from the current source, moving on to the next
// source as each is exhausted, until at least one record has been appended
// to d.queue. It returns io.EOF only once every source is exhausted.
func (d *Driver) advance() error {
	for {
		if d.curFramer == nil {
			if d.srcIdx >= len(d.sources) {
				return io.EOF
			}
			d.curFramer = chunk.New(d.sources[d.srcIdx].Data)
			d.curCatalog = nil
			d.catalogs = nil
			d.curBoot = uuid.Nil
		}

		ch, err := d.curFramer.Next()
		if err != nil {
			// Truncation/bad-length and ordinary end-of-file both move on
			// to the next source.
			d.srcIdx++
			d.curFramer = nil
			continue
		}

		switch ch.Tag {
		case chunk.TagHeader:
			if len(ch.Payload) >= 16 {
				var raw [16]byte
				copy(raw[:], ch.Payload[:16])
				d.curBoot = uuid.UUID(raw)
			}
			continue

		case chunk.TagCatalog:
			if cat, err := catalog.Parse(ch.Payload); err == nil {
				d.curCatalog = cat
				d.catalogs = append(d.catalogs, cat)
			}
			continue

		case chunk.TagChunkset:
			raw, err := chunkset.Decompress(ch.Payload)
			if err != nil {
				continue
			}
			pages, _ := firehose.ParsePages(raw)
			for _, page := range pages {
				d.emitPage(page)
			}
			if len(d.queue) > 0 {
				return nil
			}
			continue

		case chunk.TagFirehose:
			if page, err := firehose.ParsePage(ch.Payload); err == nil {
				d.emitPage(page)
			}
			if len(d.queue) > 0 {
				return nil
			}
			continue

		case chunk.TagOversize:
			if o, err := sidecar.ParseOversize(ch.Payload); err == nil {
				d.oversize[o.Key] = o
			}
			continue

		case chunk.TagStatedump:
			if sd, err := sidecar.ParseStatedump(ch.Payload); err == nil {
				d.queue = append(d.queue, statedumpRecord(sd, d.curBoot))
			}
			if len(d.queue) > 0 {
				return nil
			}
			continue

		case chunk.TagSimpledump:
			if sd, err := sidecar.ParseSimpledump(ch.Payload); err == nil {
				d.queue = append(d.queue, simpledumpRecord(sd, d.curBoot))
			}
			if len(d.queue) > 0 {
				return nil
			}
			continue

		default:
			continue
		}
	}
}

// catalogFor returns the most recent catalog seen so far whose proc-id
// ranges include (procID1, procID2), falling back to the most recent
// catalog overall when none of them claim to cover it — a tracev3 file
// can carry more than one catalog chunk, and the one currently in effect
// is not necessarily the one whose sub-chunks actually list this page's
// process.
func (d *Driver) catalogFor(procID1 uint64, procID2 uint32) *catalog.Catalog {
	for i := len(d.catalogs) - 1; i >= 0; i-- {
		if d.catalogs[i].Covers(procID1, procID2) {
			return d.catalogs[i]
		}
	}
	return d.curCatalog
}

func (d *Driver) emitPage(page *firehose.Page) {
	for _, rec := range page.Records {
		lr, entry := d.renderRecord(page, rec)
		d.queue = append(d.queue, lr)
		if entry != nil {
			d.deferred = append(d.deferred, entry)
			d.MissingOversizeCount++
		}
	}
}

func statedumpRecord(sd *sidecar.Statedump, boot uuid.UUID) *types.LogRecord {
	return &types.LogRecord{
		ContinuousTime: sd.ContinuousTime,
		PID:            int32(sd.FirstProcID),
		Level:          types.LevelStatedump,
		BootUUID:       boot,
		ActivityID:     sd.ActivityID,
		Message:        fmt.Sprintf("statedump: %s (%d bytes)", sd.TypeName, len(sd.Data)),
	}
}

func simpledumpRecord(sd *sidecar.Simpledump, boot uuid.UUID) *types.LogRecord {
	return &types.LogRecord{
		ContinuousTime: sd.ContinuousTime,
		ThreadID:       sd.ThreadID,
		Level:          types.LevelSimpledump,
		BootUUID:       boot,
		Subsystem:      sd.Subsystem,
		Message:        sd.Message,
	}
}

// renderRecord resolves one firehose record against the current catalog,
// string tables, and timesync store, returning the LogRecord and — when an
// oversize reference is still unresolved — a DeferredEntry for the final
// pass.
func (d *Driver) renderRecord(page *firehose.Page, rec firehose.Record) (*types.LogRecord, *DeferredEntry) {
	lr := &types.LogRecord{
		ContinuousTime:   rec.ContinuousTime,
		ThreadID:         rec.ThreadID,
		Level:            rec.Level(),
		ActivityID:       rec.ActivityID,
		ParentActivityID: rec.ParentActivityID,
		BootUUID:         d.curBoot,
		TTL:              rec.TTL,
	}

	if wallNS, ok := d.tsStore.Resolve(d.curBoot, rec.ContinuousTime); ok {
		t := time.Unix(0, int64(wallNS)).UTC()
		lr.Time = &t
	}

	cat := d.catalogFor(page.FirstProcID1, page.FirstProcID2)
	var procInfo *catalog.ProcInfo
	if cat != nil {
		procInfo, _ = cat.ProcInfoFor(page.FirstProcID1, page.FirstProcID2)
	}
	if procInfo != nil {
		lr.PID = procInfo.PID
		lr.EUID = procInfo.EUID
		if mainUUID, ok := cat.UUIDAt(procInfo.MainUUIDIndex); ok {
			if ut, err := d.uuidStore.Get(uuid.UUID(mainUUID)); err == nil {
				lr.Process = ut.Path
			}
		}
		if rec.HasSubsystem {
			for _, ref := range procInfo.SubsystemRefs {
				if ref.Identifier == rec.SubsystemID {
					lr.Subsystem, lr.Category = cat.ResolveSubsystemCategory(ref)
					break
				}
			}
		}
	}

	if rec.Kind == firehose.KindLoss {
		lr.Message = fmt.Sprintf("lost %d messages between continuous time %d and %d",
			rec.LossCount, rec.LossStartContinuousTime, rec.LossEndContinuousTime)
		return lr, nil
	}

	if rec.Kind == firehose.KindSignpost {
		lr.SignpostID = rec.SignpostID
		lr.SignpostScope = rec.SignpostScope()
		lr.SignpostKind = rec.SignpostKind()
		if rec.HasSignpostName {
			if name, _, ok := d.resolveFormatRef(rec.SignpostNameRef, procInfo, cat); ok {
				lr.SignpostName = name
			}
		}
	}

	formatString, sender, ok := d.resolveFormatRef(rec.FormatRef, procInfo, cat)
	if !ok {
		lr.Message = fmt.Sprintf("<missing format string: flags=%#04x>", rec.Flags)
		d.MissingFormatCount++
		return lr, nil
	}
	lr.Sender = sender

	resolveOversize := oversizeResolver(d.oversize, page.FirstProcID1, page.FirstProcID2, rec.ContinuousTime)
	result := assemble.Assemble(formatString, rec.Items, rec.TrailingBlob, resolveOversize)
	lr.Message = result.Message
	d.MissingDataCount += result.MissingCount
	lr.RawData = rawDataItems(rec.Items, rec.TrailingBlob)

	if key, missing := firstMissingOversizeKey(rec.Items, page.FirstProcID1, page.FirstProcID2, rec.ContinuousTime, d.oversize); missing {
		lr.MissingOversizeRef = formatOversizeKey(key)
		return lr, &DeferredEntry{
			Record:         lr,
			FormatString:   formatString,
			Items:          rec.Items,
			TrailingBlob:   rec.TrailingBlob,
			FirstProcID:    page.FirstProcID1,
			SecondProcID:   page.FirstProcID2,
			ContinuousTime: rec.ContinuousTime,
		}
	}

	return lr, nil
}

// resolveFormatRef resolves a format-string reference using the firehose
// flag-driven dispatch, returning the format string and the owning
// binary's path (used for LogRecord.Sender). cat must be the same catalog
// procInfo was looked up against, since UUID-table indices are only
// meaningful relative to the catalog that owns them.
func (d *Driver) resolveFormatRef(ref firehose.FormatStringRef, procInfo *catalog.ProcInfo, cat *catalog.Catalog) (formatString, path string, ok bool) {
	switch ref.Kind {
	case firehose.FormatRefMainExe:
		if procInfo == nil || cat == nil {
			return "", "", false
		}
		mainUUID, found := cat.UUIDAt(procInfo.MainUUIDIndex)
		if !found {
			return "", "", false
		}
		fs, p, err := d.uuidStore.Resolve(uuid.UUID(mainUUID), ref.Offset)
		return fs, p, err == nil

	case firehose.FormatRefAbsolute:
		fs, p, err := d.uuidStore.Resolve(uuid.UUID(ref.UUID), ref.Offset)
		return fs, p, err == nil

	case firehose.FormatRefUUIDRelative:
		if cat == nil {
			return "", "", false
		}
		altUUID, found := cat.UUIDAt(ref.UUIDIndex)
		if !found {
			return "", "", false
		}
		fs, p, err := d.uuidStore.Resolve(uuid.UUID(altUUID), ref.Offset)
		return fs, p, err == nil

	case firehose.FormatRefSharedCache:
		if procInfo == nil || cat == nil {
			return "", "", false
		}
		dscUUID, found := cat.UUIDAt(procInfo.DSCUUIDIndex)
		if !found {
			return "", "", false
		}
		fs, p, err := d.dscStore.Resolve(uuid.UUID(dscUUID), ref.Offset)
		return fs, p, err == nil

	default:
		return "", "", false
	}
}

func oversizeResolver(m map[sidecar.OversizeKey]*sidecar.Oversize, firstProcID uint64, secondProcID uint32, continuousTime uint64) assemble.ResolveOversizeFunc {
	return func(refIndex uint16) ([]byte, bool) {
		key := sidecar.OversizeKey{
			FirstProcID:    firstProcID,
			SecondProcID:   secondProcID,
			ContinuousTime: continuousTime,
			DataRefIndex:   uint32(refIndex),
		}
		o, ok := m[key]
		if !ok {
			return nil, false
		}
		var out []byte
		for _, b := range o.RenderedItems() {
			out = append(out, b...)
		}
		return out, true
	}
}

func firstMissingOversizeKey(items []firehose.DataItem, firstProcID uint64, secondProcID uint32, continuousTime uint64, m map[sidecar.OversizeKey]*sidecar.Oversize) (sidecar.OversizeKey, bool) {
	for _, item := range items {
		if !firehose.IsOversizeRef(item.Type) {
			continue
		}
		key := sidecar.OversizeKey{
			FirstProcID:    firstProcID,
			SecondProcID:   secondProcID,
			ContinuousTime: continuousTime,
			DataRefIndex:   uint32(item.OversizeRefIndex),
		}
		if _, ok := m[key]; !ok {
			return key, true
		}
	}
	return sidecar.OversizeKey{}, false
}

// formatOversizeKey renders an OversizeKey for LogRecord.MissingOversizeRef
// diagnostics.
func formatOversizeKey(k sidecar.OversizeKey) string {
	return fmt.Sprintf("%d/%d/%d/%d", k.FirstProcID, k.SecondProcID, k.ContinuousTime, k.DataRefIndex)
}

func rawDataItems(items []firehose.DataItem, trailingBlob []byte) []types.RawDataItem {
	out := make([]types.RawDataItem, 0, len(items))
	for _, item := range items {
		var value string
		if b, ok := item.Resolve(trailingBlob); ok {
			value = fmt.Sprintf("%X", b)
		} else if firehose.IsOversizeRef(item.Type) {
			value = fmt.Sprintf("<oversize ref %d>", item.OversizeRefIndex)
		} else {
			value = "<unresolved>"
		}
		out = append(out, types.RawDataItem{Type: item.Type, Value: value})
	}
	return out
}

// ResolveDeferred re-renders every deferred entry against the fully merged
// oversize map, returning the updated records
// to yield and the count still missing afterward.
func ResolveDeferred(entries []*DeferredEntry, oversize map[sidecar.OversizeKey]*sidecar.Oversize) ([]*types.LogRecord, int) {
	out := make([]*types.LogRecord, 0, len(entries))
	residual := 0
	for _, e := range entries {
		resolver := oversizeResolver(oversize, e.FirstProcID, e.SecondProcID, e.ContinuousTime)
		result := assemble.Assemble(e.FormatString, e.Items, e.TrailingBlob, resolver)
		e.Record.Message = result.Message

		if _, missing := firstMissingOversizeKey(e.Items, e.FirstProcID, e.SecondProcID, e.ContinuousTime, oversize); missing {
			residual++
		} else {
			e.Record.MissingOversizeRef = ""
		}
		out = append(out, e.Record)
	}
	return out, residual
}

// RunParallel runs one Driver per source concurrently, sharing the given
// read-only string tables and timesync store, then merges every worker's
// oversize map before a single combined deferred-resolution pass. It is a scatter-gather over local sources rather
// than over network nodes, grounded on the same WaitGroup+mutex fan-out the
// distributed query aggregator uses for its own scatter-gather calls.
func RunParallel(sources []Source, uuidStore *stringtable.UUIDTextStore, dscStore *stringtable.DscStore, tsStore *timesync.Store) ([]*types.LogRecord, error) {
	type workerResult struct {
		records  []*types.LogRecord
		deferred []*DeferredEntry
		oversize map[sidecar.OversizeKey]*sidecar.Oversize
	}

	results := make([]workerResult, len(sources))

	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			d := NewDriver([]Source{src}, uuidStore, dscStore, tsStore)
			recs := d.DrainScan()
			results[i] = workerResult{records: recs, deferred: d.Deferred(), oversize: d.OversizeMap()}
		}(i, src)
	}
	wg.Wait()

	merged := make(map[sidecar.OversizeKey]*sidecar.Oversize)
	var allRecords []*types.LogRecord
	var allDeferred []*DeferredEntry
	for _, r := range results {
		allRecords = append(allRecords, r.records...)
		allDeferred = append(allDeferred, r.deferred...)
		for k, v := range r.oversize {
			merged[k] = v
		}
	}

	resolved, _ := ResolveDeferred(allDeferred, merged)
	allRecords = append(allRecords, resolved...)

	return allRecords, nil
}
