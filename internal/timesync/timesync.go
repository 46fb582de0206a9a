// Package timesync decodes .timesync files and reconstructs wall-clock
// timestamps from continuous-time ticks.
package timesync

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/marloson/macos-UnifiedLogs/internal/breader"
)

// bootHeaderSize and syncRecordSize give exact byte widths to the
// per-boot-header-plus-sync-records layout.
const (
	bootHeaderSize = 16 + 4 + 4 + 8 + 4 // BootUUID, timebaseNum, timebaseDenom, wallNS, numRecords
	syncRecordSize = 48
)

// SyncRecord is one (continuous time, wall-clock ns) correlation point
// within a boot.
type SyncRecord struct {
	ContinuousTime uint64
	WallNS         uint64
}

// Boot is one boot session's timebase and sync-record table.
type Boot struct {
	BootUUID      uuid.UUID
	TimebaseNum   uint32
	TimebaseDenom uint32
	WallNS        uint64 // wall-clock ns at continuous time 0
	Records       []SyncRecord
}

// ParseFile decodes a .timesync file's concatenated boot blocks.
func ParseFile(data []byte) ([]Boot, error) {
	r := breader.New(data)
	var boots []Boot
	for r.Remaining() > 0 {
		if r.Remaining() < bootHeaderSize {
			return nil, fmt.Errorf("timesync: truncated boot header")
		}
		b, err := parseBoot(r)
		if err != nil {
			return nil, err
		}
		boots = append(boots, b)
	}
	return boots, nil
}

func parseBoot(r *breader.Reader) (Boot, error) {
	var b Boot

	rawUUID, err := r.UUID()
	if err != nil {
		return b, fmt.Errorf("timesync: reading boot uuid: %w", err)
	}
	b.BootUUID = uuid.UUID(rawUUID)

	if b.TimebaseNum, err = r.U32(); err != nil {
		return b, fmt.Errorf("timesync: reading timebase numerator: %w", err)
	}
	if b.TimebaseDenom, err = r.U32(); err != nil {
		return b, fmt.Errorf("timesync: reading timebase denominator: %w", err)
	}
	if b.WallNS, err = r.U64(); err != nil {
		return b, fmt.Errorf("timesync: reading boot wall time: %w", err)
	}
	numRecords, err := r.U32()
	if err != nil {
		return b, fmt.Errorf("timesync: reading record count: %w", err)
	}

	b.Records = make([]SyncRecord, 0, numRecords)
	for i := uint32(0); i < numRecords; i++ {
		sub, err := r.SubReader(syncRecordSize)
		if err != nil {
			return b, fmt.Errorf("timesync: reading sync record %d: %w", i, err)
		}
		ct, err := sub.U64()
		if err != nil {
			return b, fmt.Errorf("timesync: reading sync record %d continuous time: %w", i, err)
		}
		wall, err := sub.U64()
		if err != nil {
			return b, fmt.Errorf("timesync: reading sync record %d wall time: %w", i, err)
		}
		b.Records = append(b.Records, SyncRecord{ContinuousTime: ct, WallNS: wall})
	}

	sort.Slice(b.Records, func(i, j int) bool { return b.Records[i].ContinuousTime < b.Records[j].ContinuousTime })

	return b, nil
}

// Resolve converts a continuous-time tick to wall-clock nanoseconds: pick
// the sync record with the greatest continuous time not exceeding c, and
// extrapolate via the boot's timebase; fall back to the boot header itself
// (continuous time 0) when no record precedes c.
func (b *Boot) Resolve(c uint64) uint64 {
	i := sort.Search(len(b.Records), func(i int) bool { return b.Records[i].ContinuousTime > c })
	i--

	baseCT, baseWall := uint64(0), b.WallNS
	if i >= 0 {
		baseCT, baseWall = b.Records[i].ContinuousTime, b.Records[i].WallNS
	}

	delta := c - baseCT
	denom := uint64(b.TimebaseDenom)
	if denom == 0 {
		denom = 1
	}
	return baseWall + delta*uint64(b.TimebaseNum)/denom
}

// Store is the write-once-then-read-only set of boots loaded
// from every .timesync file in an archive.
type Store struct {
	mu    sync.RWMutex
	boots map[uuid.UUID]*Boot
}

// NewStore returns an empty timesync store.
func NewStore() *Store {
	return &Store{boots: make(map[uuid.UUID]*Boot)}
}

// LoadFile parses data as a .timesync file and adds its boots to the store.
func (s *Store) LoadFile(data []byte) error {
	boots, err := ParseFile(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range boots {
		b := boots[i]
		s.boots[b.BootUUID] = &b
	}
	return nil
}

// Resolve converts (boot, continuousTime) to wall-clock nanoseconds. ok is
// false when boot is unknown, in which case the caller should record a
// null timestamp and mark the record as missing.
func (s *Store) Resolve(boot uuid.UUID, continuousTime uint64) (wallNS uint64, ok bool) {
	s.mu.RLock()
	b, found := s.boots[boot]
	s.mu.RUnlock()
	if !found {
		return 0, false
	}
	return b.Resolve(continuousTime), true
}

// Merge folds other's boots into s. Boots already present in s win
// — timesync data is write-once.
func (s *Store) Merge(other *Store) {
	other.mu.RLock()
	defer other.mu.RUnlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range other.boots {
		if _, exists := s.boots[k]; !exists {
			s.boots[k] = v
		}
	}
}
