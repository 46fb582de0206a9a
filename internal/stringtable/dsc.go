package stringtable

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/marloson/macos-UnifiedLogs/internal/breader"
)

// dscMagic is the DSC file signature "dsc\0".
var dscMagic = [4]byte{0x64, 0x73, 0x63, 0x00}

type dscRange struct {
	rangeStart   uint64
	size         uint32
	uuidIndex    uint32
	stringOffset uint32
}

type dscUUIDEntry struct {
	uuid       [16]byte
	pathOffset uint32
}

// Dsc is one parsed shared-cache string table.
type Dsc struct {
	ranges     []dscRange
	uuids      []dscUUIDEntry
	pathsBlob  []byte
	stringBlob []byte
}

// ErrUUIDIndexOutOfRange is returned when a range table entry names a UUID
// index beyond the UUID table's bounds — a malformed DSC file.
var ErrUUIDIndexOutOfRange = errors.New("stringtable: dsc uuid index out of range")

// ParseDsc decodes a DSC file.
func ParseDsc(data []byte) (*Dsc, error) {
	r := breader.New(data)

	magicBytes, err := r.Bytes(4)
	if err != nil {
		return nil, fmt.Errorf("stringtable: reading dsc magic: %w", err)
	}
	var magic [4]byte
	copy(magic[:], magicBytes)
	if magic != dscMagic {
		return nil, ErrBadMagic
	}

	if _, err := r.U32(); err != nil { // version
		return nil, fmt.Errorf("stringtable: reading dsc header: %w", err)
	}
	rangeCount, err := r.U32()
	if err != nil {
		return nil, fmt.Errorf("stringtable: reading range count: %w", err)
	}
	uuidCount, err := r.U32()
	if err != nil {
		return nil, fmt.Errorf("stringtable: reading uuid count: %w", err)
	}

	ranges := make([]dscRange, 0, rangeCount)
	for i := uint32(0); i < rangeCount; i++ {
		start, err := r.U64()
		if err != nil {
			return nil, fmt.Errorf("stringtable: reading range %d: %w", i, err)
		}
		size, err := r.U32()
		if err != nil {
			return nil, fmt.Errorf("stringtable: reading range %d: %w", i, err)
		}
		uuidIdx, err := r.U32()
		if err != nil {
			return nil, fmt.Errorf("stringtable: reading range %d: %w", i, err)
		}
		strOff, err := r.U32()
		if err != nil {
			return nil, fmt.Errorf("stringtable: reading range %d: %w", i, err)
		}
		if uuidIdx >= uuidCount {
			return nil, ErrUUIDIndexOutOfRange
		}
		ranges = append(ranges, dscRange{rangeStart: start, size: size, uuidIndex: uuidIdx, stringOffset: strOff})
	}

	uuids := make([]dscUUIDEntry, 0, uuidCount)
	for i := uint32(0); i < uuidCount; i++ {
		u, err := r.UUID()
		if err != nil {
			return nil, fmt.Errorf("stringtable: reading dsc uuid %d: %w", i, err)
		}
		pathOff, err := r.U32()
		if err != nil {
			return nil, fmt.Errorf("stringtable: reading dsc uuid %d path offset: %w", i, err)
		}
		uuids = append(uuids, dscUUIDEntry{uuid: u, pathOffset: pathOff})
	}

	// Paths blob: uuidCount NUL-terminated strings back to back.
	pathsStart := r.Pos()
	for i := uint32(0); i < uuidCount; i++ {
		if _, err := r.CString(); err != nil {
			return nil, fmt.Errorf("stringtable: reading dsc path %d: %w", i, err)
		}
	}
	pathsEnd := r.Pos()
	pathsBlob := data[pathsStart:pathsEnd]

	stringBlob, err := r.Bytes(r.Remaining())
	if err != nil {
		return nil, fmt.Errorf("stringtable: reading dsc string blob: %w", err)
	}

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].rangeStart < ranges[j].rangeStart })

	return &Dsc{ranges: ranges, uuids: uuids, pathsBlob: pathsBlob, stringBlob: stringBlob}, nil
}

// Resolve mirrors UUIDText.Resolve but with the extra UUID indirection
// DSC files carry: the format string lives in this DSC's
// string blob, the owning binary path in its path table via the range's
// UUID index.
func (d *Dsc) Resolve(offset uint32) (formatString, binaryPath string, err error) {
	i := sort.Search(len(d.ranges), func(i int) bool {
		return uint64(d.ranges[i].rangeStart)+uint64(d.ranges[i].size) > uint64(offset)
	})
	if i >= len(d.ranges) || d.ranges[i].rangeStart > uint64(offset) {
		return "", "", ErrOffsetNotFound
	}
	rg := d.ranges[i]

	strPos := int(rg.stringOffset) + int(uint64(offset)-rg.rangeStart)
	if strPos < 0 || strPos >= len(d.stringBlob) {
		return "", "", ErrOffsetNotFound
	}
	formatString, err = breader.New(d.stringBlob[strPos:]).CString()
	if err != nil {
		return "", "", err
	}

	if int(rg.uuidIndex) >= len(d.uuids) {
		return formatString, "", ErrUUIDIndexOutOfRange
	}
	entry := d.uuids[rg.uuidIndex]
	if int(entry.pathOffset) >= len(d.pathsBlob) {
		return formatString, "", nil
	}
	binaryPath, err = breader.New(d.pathsBlob[entry.pathOffset:]).CString()
	if err != nil {
		return formatString, "", err
	}
	return formatString, binaryPath, nil
}

// UUIDAt returns the UUID at index i in the DSC's UUID table, or false when
// i is out of range.
func (d *Dsc) UUIDAt(i uint32) ([16]byte, bool) {
	if int(i) >= len(d.uuids) {
		return [16]byte{}, false
	}
	return d.uuids[i].uuid, true
}

// DscStore lazily parses and memoizes DSC files by UUID.
type DscStore struct {
	open func(u uuid.UUID) ([]byte, error)

	mu    sync.Mutex
	cache map[uuid.UUID]*Dsc
	errs  map[uuid.UUID]error
}

// NewDscStore builds a store that opens DSC files on demand via open.
func NewDscStore(open func(uuid.UUID) ([]byte, error)) *DscStore {
	return &DscStore{
		open:  open,
		cache: make(map[uuid.UUID]*Dsc),
		errs:  make(map[uuid.UUID]error),
	}
}

// Get returns the parsed DSC file for u, parsing and caching it on first
// access.
func (s *DscStore) Get(u uuid.UUID) (*Dsc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.cache[u]; ok {
		return d, nil
	}
	if err, ok := s.errs[u]; ok {
		return nil, err
	}

	data, err := s.open(u)
	if err != nil {
		s.errs[u] = err
		return nil, err
	}
	d, err := ParseDsc(data)
	if err != nil {
		s.errs[u] = err
		return nil, err
	}
	s.cache[u] = d
	return d, nil
}

// Resolve looks up (u, offset) → (format string, owning binary path).
func (s *DscStore) Resolve(u uuid.UUID, offset uint32) (formatString, path string, err error) {
	d, err := s.Get(u)
	if err != nil {
		return "", "", err
	}
	return d.Resolve(offset)
}
