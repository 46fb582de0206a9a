// Package catalog decodes a tracev3 catalog chunk (tag 0x600b): the
// process/subsystem/UUID metadata block that scopes every firehose page
// until the next catalog chunk supersedes it.
package catalog

import (
	"fmt"

	"github.com/marloson/macos-UnifiedLogs/internal/breader"
)

// UUIDRef is an alternate-UUID reference a process entry carries, used to
// resolve format strings flagged "UUID relative" (firehose flag 0x000a).
type UUIDRef struct {
	UUIDIndex uint16
	DataSize  uint32
}

// SubsystemRef ties a (subsystem, category) pair visible to a process to
// their offsets in the catalog's string blob.
type SubsystemRef struct {
	Identifier      uint16
	SubsystemOffset uint16
	CategoryOffset  uint16
}

// ProcInfo is one process-info entry: the scoping metadata for every
// firehose record whose page matches its proc-id pair.
type ProcInfo struct {
	MainUUIDIndex uint16
	DSCUUIDIndex  uint16
	PID           int32
	EUID          uint32
	ProcID1       uint64
	ProcID2       uint32
	UUIDRefs      []UUIDRef
	SubsystemRefs []SubsystemRef
}

// Key returns the (proc-id1, proc-id2) pair used to match this entry
// against a firehose page's proc ids.
func (p ProcInfo) Key() (uint64, uint32) { return p.ProcID1, p.ProcID2 }

// SubChunk covers a continuous-time range and the set of proc-id pairs
// (encoded as proc-id1<<32|proc-id2) active within it.
type SubChunk struct {
	ContinuousTimeStart uint64
	ContinuousTimeEnd   uint64
	ProcIDs             []uint64
}

func procKey(procID1 uint64, procID2 uint32) uint64 {
	return procID1<<32 | uint64(procID2)
}

// Catalog is one parsed catalog chunk.
type Catalog struct {
	strings   []byte
	UUIDs     [][16]byte
	ProcInfos []ProcInfo
	SubChunks []SubChunk
}

// ErrTruncated is returned when the catalog payload ends before a declared
// field or table is fully present.
var ErrTruncated = fmt.Errorf("catalog: truncated payload")

// Parse decodes a catalog chunk payload.
func Parse(payload []byte) (*Catalog, error) {
	r := breader.New(payload)

	subOff, err := r.U16()
	if err != nil {
		return nil, ErrTruncated
	}
	subSize, err := r.U16()
	if err != nil {
		return nil, ErrTruncated
	}
	uuidCount, err := r.U16()
	if err != nil {
		return nil, ErrTruncated
	}
	procCount, err := r.U16()
	if err != nil {
		return nil, ErrTruncated
	}
	subChunkCount, err := r.U16()
	if err != nil {
		return nil, ErrTruncated
	}

	c := &Catalog{}

	if err := r.SeekTo(int(subOff)); err != nil {
		return nil, fmt.Errorf("catalog: subsystem string table offset: %w", err)
	}
	c.strings, err = r.Bytes(int(subSize))
	if err != nil {
		return nil, fmt.Errorf("catalog: reading subsystem string table: %w", err)
	}

	c.UUIDs = make([][16]byte, 0, uuidCount)
	for i := uint16(0); i < uuidCount; i++ {
		u, err := r.UUID()
		if err != nil {
			return nil, fmt.Errorf("catalog: reading UUID %d: %w", i, err)
		}
		c.UUIDs = append(c.UUIDs, u)
	}

	c.ProcInfos = make([]ProcInfo, 0, procCount)
	for i := uint16(0); i < procCount; i++ {
		pi, err := parseProcInfo(r)
		if err != nil {
			return nil, fmt.Errorf("catalog: reading proc-info %d: %w", i, err)
		}
		c.ProcInfos = append(c.ProcInfos, pi)
	}

	c.SubChunks = make([]SubChunk, 0, subChunkCount)
	for i := uint16(0); i < subChunkCount; i++ {
		sc, err := parseSubChunk(r)
		if err != nil {
			return nil, fmt.Errorf("catalog: reading sub-chunk %d: %w", i, err)
		}
		c.SubChunks = append(c.SubChunks, sc)
	}

	return c, nil
}

func parseProcInfo(r *breader.Reader) (ProcInfo, error) {
	var pi ProcInfo
	var err error

	if pi.MainUUIDIndex, err = r.U16(); err != nil {
		return pi, err
	}
	if pi.DSCUUIDIndex, err = r.U16(); err != nil {
		return pi, err
	}
	if pi.PID, err = r.I32(); err != nil {
		return pi, err
	}
	if pi.EUID, err = r.U32(); err != nil {
		return pi, err
	}
	if pi.ProcID1, err = r.U64(); err != nil {
		return pi, err
	}
	if pi.ProcID2, err = r.U32(); err != nil {
		return pi, err
	}

	numUUIDRefs, err := r.U16()
	if err != nil {
		return pi, err
	}
	numSubCatPairs, err := r.U16()
	if err != nil {
		return pi, err
	}

	pi.UUIDRefs = make([]UUIDRef, 0, numUUIDRefs)
	for i := uint16(0); i < numUUIDRefs; i++ {
		idx, err := r.U16()
		if err != nil {
			return pi, err
		}
		size, err := r.U32()
		if err != nil {
			return pi, err
		}
		pi.UUIDRefs = append(pi.UUIDRefs, UUIDRef{UUIDIndex: idx, DataSize: size})
	}

	pi.SubsystemRefs = make([]SubsystemRef, 0, numSubCatPairs)
	for i := uint16(0); i < numSubCatPairs; i++ {
		id, err := r.U16()
		if err != nil {
			return pi, err
		}
		subOff, err := r.U16()
		if err != nil {
			return pi, err
		}
		catOff, err := r.U16()
		if err != nil {
			return pi, err
		}
		pi.SubsystemRefs = append(pi.SubsystemRefs, SubsystemRef{Identifier: id, SubsystemOffset: subOff, CategoryOffset: catOff})
	}

	return pi, nil
}

func parseSubChunk(r *breader.Reader) (SubChunk, error) {
	var sc SubChunk
	var err error

	if sc.ContinuousTimeStart, err = r.U64(); err != nil {
		return sc, err
	}
	if sc.ContinuousTimeEnd, err = r.U64(); err != nil {
		return sc, err
	}
	count, err := r.U16()
	if err != nil {
		return sc, err
	}
	sc.ProcIDs = make([]uint64, 0, count)
	for i := uint16(0); i < count; i++ {
		id, err := r.U64()
		if err != nil {
			return sc, err
		}
		sc.ProcIDs = append(sc.ProcIDs, id)
	}
	return sc, nil
}

// ProcInfoFor finds the process-info entry matching a firehose record's
// proc-id pair.
func (c *Catalog) ProcInfoFor(procID1 uint64, procID2 uint32) (*ProcInfo, bool) {
	for i := range c.ProcInfos {
		if c.ProcInfos[i].ProcID1 == procID1 && c.ProcInfos[i].ProcID2 == procID2 {
			return &c.ProcInfos[i], true
		}
	}
	return nil, false
}

// Covers reports whether this catalog's sub-chunks include the given
// (proc-id1, proc-id2) pair — the catalog whose proc-id range contains
// the page's IDs. A catalog with no
// sub-chunk data (e.g. synthesized for tests) is treated as covering
// everything, since the format does not guarantee sub-chunks are present.
func (c *Catalog) Covers(procID1 uint64, procID2 uint32) bool {
	if len(c.SubChunks) == 0 {
		return true
	}
	key := procKey(procID1, procID2)
	for _, sc := range c.SubChunks {
		for _, id := range sc.ProcIDs {
			if id == key {
				return true
			}
		}
	}
	return false
}

// ResolveSubsystemCategory reads the (subsystem, category) strings for a
// SubsystemRef out of the catalog's string blob.
func (c *Catalog) ResolveSubsystemCategory(ref SubsystemRef) (subsystem, category string) {
	subsystem = readCString(c.strings, int(ref.SubsystemOffset))
	category = readCString(c.strings, int(ref.CategoryOffset))
	return
}

// UUIDAt returns the UUID at index i in the catalog's UUID list.
func (c *Catalog) UUIDAt(i uint16) ([16]byte, bool) {
	if int(i) >= len(c.UUIDs) {
		return [16]byte{}, false
	}
	return c.UUIDs[i], true
}

func readCString(blob []byte, offset int) string {
	if offset < 0 || offset >= len(blob) {
		return ""
	}
	end := offset
	for end < len(blob) && blob[end] != 0 {
		end++
	}
	return string(blob[offset:end])
}
