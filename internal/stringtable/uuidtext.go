// Package stringtable decodes the two format-string tables the message
// assembler resolves against: per-binary UUID-text files and the shared
// DSC (dyld shared cache) string table.
package stringtable

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/marloson/macos-UnifiedLogs/internal/breader"
)

// uuidTextMagic is the UUID-text file signature.
const uuidTextMagic uint32 = 0x66778899

// ErrBadMagic is returned when a file's signature doesn't match what this
// module expects.
var ErrBadMagic = errors.New("stringtable: bad magic")

// ErrOffsetNotFound is returned when an offset falls outside every entry's
// range.
var ErrOffsetNotFound = errors.New("stringtable: offset not covered by any range entry")

type uuidTextEntry struct {
	rangeStart uint32
	size       uint32
	blobBase   int // precomputed offset into blob
}

// UUIDText is one parsed per-binary format-string table.
type UUIDText struct {
	Path    string
	entries []uuidTextEntry
	blob    []byte
}

// ParseUUIDText decodes a UUID-text file.
func ParseUUIDText(data []byte) (*UUIDText, error) {
	r := breader.New(data)

	magic, err := r.U32()
	if err != nil {
		return nil, fmt.Errorf("stringtable: reading magic: %w", err)
	}
	if magic != uuidTextMagic {
		return nil, ErrBadMagic
	}
	if _, err := r.U32(); err != nil { // unknown1
		return nil, fmt.Errorf("stringtable: reading header: %w", err)
	}
	entryCount, err := r.U32()
	if err != nil {
		return nil, fmt.Errorf("stringtable: reading entry count: %w", err)
	}
	if _, err := r.U32(); err != nil { // unknown2
		return nil, fmt.Errorf("stringtable: reading header: %w", err)
	}

	rawEntries := make([]uuidTextEntry, 0, entryCount)
	var totalBlob int
	for i := uint32(0); i < entryCount; i++ {
		start, err := r.U32()
		if err != nil {
			return nil, fmt.Errorf("stringtable: reading entry %d: %w", i, err)
		}
		size, err := r.U32()
		if err != nil {
			return nil, fmt.Errorf("stringtable: reading entry %d: %w", i, err)
		}
		rawEntries = append(rawEntries, uuidTextEntry{rangeStart: start, size: size, blobBase: totalBlob})
		totalBlob += int(size)
	}

	blob, err := r.Bytes(totalBlob)
	if err != nil {
		return nil, fmt.Errorf("stringtable: reading string blob: %w", err)
	}

	path, err := r.CString()
	if err != nil {
		return nil, fmt.Errorf("stringtable: reading owning path: %w", err)
	}

	sort.Slice(rawEntries, func(i, j int) bool { return rawEntries[i].rangeStart < rawEntries[j].rangeStart })

	return &UUIDText{Path: path, entries: rawEntries, blob: blob}, nil
}

// Resolve returns the format string at offset O: find the
// entry whose range contains O, index into the string blob at
// (O − range-start) + entry_string_base.
func (u *UUIDText) Resolve(offset uint32) (string, error) {
	entries := u.entries
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].rangeStart+entries[i].size > offset
	})
	if i >= len(entries) || entries[i].rangeStart > offset {
		return "", ErrOffsetNotFound
	}
	e := entries[i]
	pos := e.blobBase + int(offset-e.rangeStart)
	if pos < 0 || pos >= len(u.blob) {
		return "", ErrOffsetNotFound
	}
	sub := breader.New(u.blob[pos:])
	return sub.CString()
}

// UUIDTextStore lazily parses and memoizes UUID-text files by UUID.
// Resolving the same (UUID, offset) twice returns identical bytes because
// the underlying *UUIDText is cached and never mutated after Parse.
type UUIDTextStore struct {
	open func(u uuid.UUID) ([]byte, error)

	mu    sync.Mutex
	cache map[uuid.UUID]*UUIDText
	errs  map[uuid.UUID]error
}

// NewUUIDTextStore builds a store that opens UUID-text files on demand via
// open (typically backed by a file provider's two-hex-char directory
// convention).
func NewUUIDTextStore(open func(uuid.UUID) ([]byte, error)) *UUIDTextStore {
	return &UUIDTextStore{
		open:  open,
		cache: make(map[uuid.UUID]*UUIDText),
		errs:  make(map[uuid.UUID]error),
	}
}

// Get returns the parsed UUID-text file for u, parsing and caching it on
// first access.
func (s *UUIDTextStore) Get(u uuid.UUID) (*UUIDText, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.cache[u]; ok {
		return t, nil
	}
	if err, ok := s.errs[u]; ok {
		return nil, err
	}

	data, err := s.open(u)
	if err != nil {
		s.errs[u] = err
		return nil, err
	}
	t, err := ParseUUIDText(data)
	if err != nil {
		s.errs[u] = err
		return nil, err
	}
	s.cache[u] = t
	return t, nil
}

// Resolve looks up (u, offset) → (format string, owning binary path).
func (s *UUIDTextStore) Resolve(u uuid.UUID, offset uint32) (formatString, path string, err error) {
	t, err := s.Get(u)
	if err != nil {
		return "", "", err
	}
	fs, err := t.Resolve(offset)
	if err != nil {
		return "", t.Path, err
	}
	return fs, t.Path, nil
}
