package pipeline

import (
	"io"
	"testing"

	"github.com/google/uuid"

	"github.com/marloson/macos-UnifiedLogs/internal/stringtable"
	"github.com/marloson/macos-UnifiedLogs/internal/timesync"
)

func le16(v uint16) []byte { return []byte{byte(v), byte(v >> 8)} }
func le32(v uint32) []byte { return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)} }
func le64(v uint64) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(v >> (8 * i))
	}
	return out
}

// appendChunk writes one tracev3 chunk (preamble + payload + alignment pad)
// matching internal/chunk's framing (tag, subtag, u64 length, then the
// preamble+payload padded to the next 8-byte boundary).
func appendChunk(buf []byte, tag, subtag uint32, payload []byte) []byte {
	buf = append(buf, le32(tag)...)
	buf = append(buf, le32(subtag)...)
	buf = append(buf, le64(uint64(len(payload)))...)
	buf = append(buf, payload...)
	total := 16 + len(payload)
	if pad := (8 - total%8) % 8; pad > 0 {
		buf = append(buf, make([]byte, pad)...)
	}
	return buf
}

func buildCatalogPayload(mainUUID [16]byte, procID1 uint64, procID2 uint32, pid int32, euid uint32) []byte {
	header := make([]byte, 0, 10)
	header = append(header, le16(10)...) // subOff: string table starts right after this header
	header = append(header, le16(0)...)  // subSize: no subsystem strings in this test
	header = append(header, le16(1)...)  // uuidCount
	header = append(header, le16(1)...)  // procCount
	header = append(header, le16(0)...)  // subChunkCount

	body := make([]byte, 0)
	body = append(body, mainUUID[:]...)

	// ProcInfo: mainUUIDIndex, dscUUIDIndex, pid, euid, procID1, procID2,
	// numUUIDRefs=0, numSubCatPairs=0.
	body = append(body, le16(0)...)
	body = append(body, le16(0)...)
	body = append(body, le32(uint32(pid))...)
	body = append(body, le32(euid)...)
	body = append(body, le64(procID1)...)
	body = append(body, le32(procID2)...)
	body = append(body, le16(0)...)
	body = append(body, le16(0)...)

	return append(header, body...)
}

// buildCatalogPayloadWithSubChunk is like buildCatalogPayload but adds one
// sub-chunk whose proc-id list is exactly subChunkProcKeys (each key is
// procID1<<32|procID2), letting tests control which pages a catalog claims
// to cover.
func buildCatalogPayloadWithSubChunk(mainUUID [16]byte, procID1 uint64, procID2 uint32, pid int32, euid uint32, subChunkProcKeys []uint64) []byte {
	header := make([]byte, 0, 10)
	header = append(header, le16(10)...)
	header = append(header, le16(0)...)
	header = append(header, le16(1)...) // uuidCount
	header = append(header, le16(1)...) // procCount
	header = append(header, le16(1)...) // subChunkCount

	body := make([]byte, 0)
	body = append(body, mainUUID[:]...)
	body = append(body, le16(0)...)
	body = append(body, le16(0)...)
	body = append(body, le32(uint32(pid))...)
	body = append(body, le32(euid)...)
	body = append(body, le64(procID1)...)
	body = append(body, le32(procID2)...)
	body = append(body, le16(0)...)
	body = append(body, le16(0)...)

	body = append(body, le64(0)...)            // sub-chunk continuous time start
	body = append(body, le64(^uint64(0))...)   // sub-chunk continuous time end
	body = append(body, le16(uint16(len(subChunkProcKeys)))...)
	for _, k := range subChunkProcKeys {
		body = append(body, le64(k)...)
	}

	return append(header, body...)
}

func buildFirehosePayload(baseCT uint64, procID1 uint64, procID2 uint32, records []byte) []byte {
	p := make([]byte, 0, 44+len(records))
	p = append(p, le16(0)...)                      // SubTag
	p = append(p, le16(0)...)                      // CollapsedFlag
	p = append(p, 0, 0)                             // TTL, reserved
	p = append(p, le16(uint16(44+len(records)))...) // PublicDataOffset: end of record stream
	p = append(p, le16(0)...)                       // PrivateDataVirtualOffset
	p = append(p, le16(0)...)                       // PrivateDataSize
	p = append(p, le64(baseCT)...)
	p = append(p, le64(procID1)...)
	p = append(p, le32(procID2)...)
	p = append(p, le64(procID1)...)
	p = append(p, le32(procID2)...)
	p = append(p, records...)
	return p
}

// nonActivityMainExeRecord builds a non-activity record whose format string
// resolves via the "main executable UUID" selector, carrying one inline
// numeric data item.
func nonActivityMainExeRecord(delta uint32, formatOffset uint32, value byte) []byte {
	r := make([]byte, 0, 32)
	r = append(r, 0x02)          // TypeNonActivity
	r = append(r, le16(0x01)...) // subtag -> Info
	r = append(r, le16(0x0002)...) // flags: FlagMainExeUUID
	r = append(r, le64(0)...)       // thread id
	r = append(r, le32(delta)...)
	r = append(r, le32(formatOffset)...) // format ref offset

	r = append(r, le16(1)...) // itemCount
	r = append(r, le16(4)...) // itemsDataSize: one 4-byte inline descriptor
	r = append(r, 0x00, 0x01, value, 0x00) // type=numeric, size=1, value=[v,0]
	return r
}

// nonActivityOversizeRecord builds a non-activity record whose single data
// item is an oversize reference.
func nonActivityOversizeRecord(delta uint32, formatOffset uint32, dataRefIndex uint16) []byte {
	r := make([]byte, 0, 32)
	r = append(r, 0x02)
	r = append(r, le16(0x01)...)
	r = append(r, le16(0x0002)...) // FlagMainExeUUID
	r = append(r, le64(0)...)
	r = append(r, le32(delta)...)
	r = append(r, le32(formatOffset)...)

	r = append(r, le16(1)...)
	r = append(r, le16(4)...)
	r = append(r, 0xf2, 0x00, byte(dataRefIndex), byte(dataRefIndex>>8))
	return r
}

func buildUUIDTextPayload(blob []byte, path string) []byte {
	p := make([]byte, 0)
	p = append(p, le32(0x66778899)...) // magic
	p = append(p, le32(0)...)          // unknown1
	p = append(p, le32(1)...)          // entryCount
	p = append(p, le32(0)...)          // unknown2
	p = append(p, le32(0)...)          // entry 0: rangeStart
	p = append(p, le32(uint32(len(blob)))...)
	p = append(p, blob...)
	p = append(p, []byte(path)...)
	p = append(p, 0)
	return p
}

func buildOversizePayload(firstProcID uint64, secondProcID uint32, continuousTime uint64, dataRefIndex uint32, text string) []byte {
	p := make([]byte, 0)
	p = append(p, le64(firstProcID)...)
	p = append(p, le32(secondProcID)...)
	p = append(p, le64(continuousTime)...)
	p = append(p, le32(dataRefIndex)...)
	p = append(p, le16(1)...)                    // itemCount
	p = append(p, le16(uint16(4+len(text)))...)  // itemsDataSize
	p = append(p, 0x01, byte(len(text)), 0x00, byte(len(text)))
	p = append(p, []byte(text)...)
	return p
}

func buildBootBlock(boot uuid.UUID, wallNS uint64, ct uint64) []byte {
	b := make([]byte, 0)
	b = append(b, boot[:]...)
	b = append(b, le32(1)...) // timebase numerator
	b = append(b, le32(1)...) // timebase denominator
	b = append(b, le64(wallNS)...)
	b = append(b, le32(1)...) // numRecords
	rec := make([]byte, 48)
	copy(rec[0:8], le64(ct))
	copy(rec[8:16], le64(wallNS))
	b = append(b, rec...)
	return b
}

func TestDriverEndToEndWithDeferredOversize(t *testing.T) {
	boot := uuid.New()
	mainUUID := [16]byte(uuid.New())

	const procID1 = uint64(100)
	const procID2 = uint32(5)
	const pid = int32(42)
	const euid = uint32(501)
	const baseCT = uint64(1000)

	formatBlob := []byte("count=%d\x00data=%s\x00")
	const countOffset = 0
	const dataOffset = 9 // len("count=%d\x00")

	recA := nonActivityMainExeRecord(0, countOffset, 42)
	recB := nonActivityOversizeRecord(50, dataOffset, 7)

	var tracev3 []byte
	tracev3 = appendChunk(tracev3, 0x1000, 0, boot[:])
	tracev3 = appendChunk(tracev3, 0x600b, 0, buildCatalogPayload(mainUUID, procID1, procID2, pid, euid))
	tracev3 = appendChunk(tracev3, 0x6001, 0, buildFirehosePayload(baseCT, procID1, procID2, append(recA, recB...)))
	tracev3 = appendChunk(tracev3, 0x6002, 0, buildOversizePayload(procID1, procID2, baseCT+50, 7, "big payload"))

	uuidStore := stringtable.NewUUIDTextStore(func(u uuid.UUID) ([]byte, error) {
		return buildUUIDTextPayload(formatBlob, "/usr/bin/testapp"), nil
	})
	dscStore := stringtable.NewDscStore(func(u uuid.UUID) ([]byte, error) {
		return nil, io.ErrUnexpectedEOF
	})
	tsStore := timesync.NewStore()
	if err := tsStore.LoadFile(buildBootBlock(boot, 5_000_000, baseCT)); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	d := NewDriver([]Source{{Name: "test.tracev3", Data: tracev3}}, uuidStore, dscStore, tsStore)

	recA1, err := d.Next()
	if err != nil {
		t.Fatalf("Next (A): %v", err)
	}
	if recA1.Message != "count=42" {
		t.Fatalf("unexpected message for A: %q", recA1.Message)
	}
	if recA1.PID != pid || recA1.EUID != euid {
		t.Fatalf("unexpected proc scoping: pid=%d euid=%d", recA1.PID, recA1.EUID)
	}
	if recA1.Process != "/usr/bin/testapp" {
		t.Fatalf("unexpected process path: %q", recA1.Process)
	}
	if recA1.Time == nil || recA1.Time.UnixNano() != 5_000_000 {
		t.Fatalf("unexpected time: %v", recA1.Time)
	}

	recB1, err := d.Next()
	if err != nil {
		t.Fatalf("Next (B placeholder): %v", err)
	}
	if recB1.MissingOversizeRef == "" {
		t.Fatalf("expected B's first pass to record a missing oversize ref")
	}

	recB2, err := d.Next()
	if err != nil {
		t.Fatalf("Next (B resolved): %v", err)
	}
	if recB2.Message != "data=big payload" {
		t.Fatalf("unexpected resolved message for B: %q", recB2.Message)
	}
	if recB2.MissingOversizeRef != "" {
		t.Fatalf("expected B's missing ref cleared after deferred resolution, got %q", recB2.MissingOversizeRef)
	}
	if recB2 != recB1 {
		t.Fatalf("expected the deferred pass to re-render the same record pointer")
	}

	if _, err := d.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF after deferred pass, got %v", err)
	}
}

func TestRunParallelMergesOversizeAcrossSources(t *testing.T) {
	boot := uuid.New()
	mainUUID := [16]byte(uuid.New())

	const procID1 = uint64(200)
	const procID2 = uint32(9)
	const baseCT = uint64(2000)

	formatBlob := []byte("v=%s\x00")
	recB := nonActivityOversizeRecord(0, 0, 3)

	var fileA []byte
	fileA = appendChunk(fileA, 0x1000, 0, boot[:])
	fileA = appendChunk(fileA, 0x600b, 0, buildCatalogPayload(mainUUID, procID1, procID2, 1, 1))
	fileA = appendChunk(fileA, 0x6001, 0, buildFirehosePayload(baseCT, procID1, procID2, recB))

	var fileB []byte
	fileB = appendChunk(fileB, 0x1000, 0, boot[:])
	fileB = appendChunk(fileB, 0x6002, 0, buildOversizePayload(procID1, procID2, baseCT, 3, "shared"))

	uuidStore := stringtable.NewUUIDTextStore(func(u uuid.UUID) ([]byte, error) {
		return buildUUIDTextPayload(formatBlob, "/bin/app"), nil
	})
	dscStore := stringtable.NewDscStore(func(u uuid.UUID) ([]byte, error) {
		return nil, io.ErrUnexpectedEOF
	})
	tsStore := timesync.NewStore()

	records, err := RunParallel([]Source{{Name: "a", Data: fileA}, {Name: "b", Data: fileB}}, uuidStore, dscStore, tsStore)
	if err != nil {
		t.Fatalf("RunParallel: %v", err)
	}

	var resolved bool
	for _, r := range records {
		if r.Message == "v=shared" {
			resolved = true
		}
	}
	if !resolved {
		t.Fatalf("expected the oversize payload from the second file to resolve the first file's record, got %+v", records)
	}
}

// TestDriverUsesCoveringCatalogNotJustMostRecent checks that a page is
// scoped against the most recent catalog whose sub-chunks actually list its
// proc-id pair, not unconditionally against whichever catalog chunk was
// seen last. A second catalog that covers a different process must not
// blank out scoping for a process the first catalog already covered.
func TestDriverUsesCoveringCatalogNotJustMostRecent(t *testing.T) {
	boot := uuid.New()
	mainUUID := [16]byte(uuid.New())

	const procID1 = uint64(100)
	const procID2 = uint32(5)
	const otherProcID1 = uint64(200)
	const otherProcID2 = uint32(9)

	formatBlob := []byte("pid seen\x00")
	rec := nonActivityMainExeRecord(0, 0, 0)

	catalog1 := buildCatalogPayloadWithSubChunk(mainUUID, procID1, procID2, 42, 501,
		[]uint64{procID1<<32 | uint64(procID2)})
	catalog2 := buildCatalogPayloadWithSubChunk(mainUUID, otherProcID1, otherProcID2, 99, 600,
		[]uint64{otherProcID1<<32 | uint64(otherProcID2)})

	var tracev3 []byte
	tracev3 = appendChunk(tracev3, 0x1000, 0, boot[:])
	tracev3 = appendChunk(tracev3, 0x600b, 0, catalog1)
	tracev3 = appendChunk(tracev3, 0x6001, 0, buildFirehosePayload(1000, procID1, procID2, rec))
	tracev3 = appendChunk(tracev3, 0x600b, 0, catalog2)
	tracev3 = appendChunk(tracev3, 0x6001, 0, buildFirehosePayload(2000, procID1, procID2, rec))

	uuidStore := stringtable.NewUUIDTextStore(func(u uuid.UUID) ([]byte, error) {
		return buildUUIDTextPayload(formatBlob, "/usr/bin/testapp"), nil
	})
	dscStore := stringtable.NewDscStore(func(u uuid.UUID) ([]byte, error) {
		return nil, io.ErrUnexpectedEOF
	})
	tsStore := timesync.NewStore()

	d := NewDriver([]Source{{Name: "test.tracev3", Data: tracev3}}, uuidStore, dscStore, tsStore)

	rec1, err := d.Next()
	if err != nil {
		t.Fatalf("Next (first page): %v", err)
	}
	if rec1.PID != 42 || rec1.EUID != 501 {
		t.Fatalf("unexpected scoping for first page: pid=%d euid=%d", rec1.PID, rec1.EUID)
	}

	rec2, err := d.Next()
	if err != nil {
		t.Fatalf("Next (second page): %v", err)
	}
	if rec2.PID != 42 || rec2.EUID != 501 {
		t.Fatalf("expected the second page (still proc %d/%d) to resolve against the catalog that covers it (pid 42), got pid=%d euid=%d",
			procID1, procID2, rec2.PID, rec2.EUID)
	}
}
