// Package firehose decodes a firehose page (the decompressed payload of a
// tracev3 chunkset, or an unwrapped firehose chunk) into its preamble and
// record stream. It resolves nothing — format-string and
// subsystem/category resolution are the pipeline's job, combining a page's
// raw records with the owning catalog, string tables, and timesync.
package firehose

import (
	"errors"
	"fmt"

	"github.com/marloson/macos-UnifiedLogs/internal/breader"
	"github.com/marloson/macos-UnifiedLogs/internal/types"
)

// Record type bytes.
const (
	TypeNonActivity uint8 = 0x2
	TypeActivity    uint8 = 0x3
	TypeTrace       uint8 = 0x4
	TypeSignpost    uint8 = 0x6
	TypeLoss        uint8 = 0x7
)

// Flag bits. The low nibble (masked by flagFormatRefMask) is a mutually
// exclusive selector for how the format-string reference is encoded; the
// higher bits are independent presence flags. Unrecognized selector values
// fall through to "no reference" rather than being guessed at.
const (
	flagFormatRefMask   uint16 = 0x000e
	FlagMainExeUUID     uint16 = 0x0002
	FlagAbsolute        uint16 = 0x0008
	FlagUUIDRelative    uint16 = 0x000a
	FlagSharedCache     uint16 = 0x000c

	FlagHasActivity     uint16 = 0x0010
	FlagHasSubsystem    uint16 = 0x0020
	FlagHasPrivateData  uint16 = 0x0040
	FlagHasTTL          uint16 = 0x0080
	FlagHasSignpostName uint16 = 0x0100
)

// FormatRefKind identifies how a record's format-string reference resolves.
type FormatRefKind int

const (
	FormatRefNone FormatRefKind = iota
	FormatRefMainExe
	FormatRefAbsolute
	FormatRefUUIDRelative
	FormatRefSharedCache
)

// FormatStringRef is a record's unresolved pointer to its format string.
type FormatStringRef struct {
	Kind      FormatRefKind
	Offset    uint32
	UUID      [16]byte // set when Kind == FormatRefAbsolute
	UUIDIndex uint16   // set when Kind == FormatRefUUIDRelative (index into the catalog's UUID list)
}

// Data-item type tags. Any tag with the high nibble 0xf is
// treated as an oversize-reference variant (the spec names 0xf2/0xf4 "etc").
const (
	ItemTypeNumeric            uint8 = 0x00
	ItemTypeString             uint8 = 0x01
	ItemTypePrecision          uint8 = 0x02
	ItemTypePrecisionQualifier uint8 = 0x12
	ItemTypePrivateString      uint8 = 0x21
	ItemTypeSensitiveString    uint8 = 0x31
	ItemTypeArbitraryBytes     uint8 = 0x40
)

// IsOversizeRef reports whether t names an oversize-reference item.
func IsOversizeRef(t uint8) bool { return t&0xf0 == 0xf0 }

// DataItem is one decoded-but-unresolved argument descriptor: "count/size header followed by that many descriptors, each a
// 1-byte type tag + 1-byte size + 2-byte value". The value is inline
// when Size fits in the 2-byte slot; otherwise it names a (offset, length)
// span into the record's trailing blob, or — for oversize-reference items —
// the data-ref index used to look the payload up in the cross-file
// accumulator.
type DataItem struct {
	Type uint8
	Size uint8

	IsInline bool
	Inline   []byte // len(Inline) == Size, when IsInline

	BlobOffset uint8 // valid when !IsInline and !IsOversizeRef(Type)
	BlobLength uint8

	OversizeRefIndex uint16 // valid when IsOversizeRef(Type)
}

// Kind distinguishes the five record variants.
type Kind int

const (
	KindNonActivity Kind = iota
	KindActivity
	KindTrace
	KindSignpost
	KindLoss
)

// Record is one decoded firehose record, still unresolved against a
// catalog/string table/timesync.
type Record struct {
	Kind                Kind
	Subtag              uint16
	Flags               uint16
	ThreadID            uint64
	ContinuousTimeDelta uint32
	ContinuousTime      uint64 // page.BaseContinuousTime + ContinuousTimeDelta

	FormatRef FormatStringRef

	HasActivity      bool
	ActivityID       uint64
	ParentActivityID uint64 // activity records only

	HasSubsystem bool
	SubsystemID  uint16 // catalog identifier, resolved via ProcInfo.SubsystemRefs

	HasTTL bool
	TTL    uint8

	HasPrivateData      bool
	PrivateDataVirtualOffset uint16

	// Signpost-only fields.
	HasSignpostName bool
	SignpostNameRef FormatStringRef
	SignpostID      uint64

	// Loss-only fields.
	LossStartContinuousTime uint64
	LossEndContinuousTime   uint64
	LossCount               uint32

	Items        []DataItem
	TrailingBlob []byte
}

// Level derives the record's LogRecord level from its kind and subtag.
// Signpost scope/kind are reported separately by SignpostScope/SignpostKind.
func (r Record) Level() types.Level {
	switch r.Kind {
	case KindNonActivity:
		switch r.Subtag {
		case 0x01:
			return types.LevelInfo
		case 0x02:
			return types.LevelDebug
		case 0x10:
			return types.LevelError
		case 0x11:
			return types.LevelFault
		default:
			return types.LevelDefault
		}
	case KindActivity:
		if r.Subtag == 0x02 {
			return types.LevelActivityTransition
		}
		return types.LevelActivityCreate
	case KindSignpost:
		switch r.SignpostScope() {
		case types.SignpostScopeThread:
			return types.LevelSignpostThread
		case types.SignpostScopeSystem:
			return types.LevelSignpostSystem
		default:
			return types.LevelSignpostProcess
		}
	case KindLoss:
		return types.LevelLoss
	default:
		return types.LevelDefault
	}
}

// SignpostScope and SignpostKind decode the signpost subtag's high/low
// nibble: scope in the high nibble (1=process,
// 2=thread, 3=system), kind in the low nibble (1=begin, 2=end, 3=event).
func (r Record) SignpostScope() types.SignpostScope {
	switch r.Subtag >> 4 {
	case 2:
		return types.SignpostScopeThread
	case 3:
		return types.SignpostScopeSystem
	default:
		return types.SignpostScopeProcess
	}
}

func (r Record) SignpostKind() types.SignpostKind {
	switch r.Subtag & 0xf {
	case 2:
		return types.SignpostKindEnd
	case 3:
		return types.SignpostKindEvent
	default:
		return types.SignpostKindBegin
	}
}

// Page is one decoded firehose page: a preamble scoping
// it to a boot and a proc-id range, followed by its record stream.
type Page struct {
	SubTag             uint16
	CollapsedFlag      uint16
	TTL                uint8
	BaseContinuousTime uint64
	FirstProcID1       uint64
	FirstProcID2       uint32
	LastProcID1        uint64
	LastProcID2        uint32

	Records []Record
}

// ErrTruncated is returned when a page or record ends before a declared
// field or table is fully present — a fatal framing error for the
// containing file.
var ErrTruncated = errors.New("firehose: truncated page")

// ErrBadItemCount is returned when a record's data-item descriptor count
// implies a blob larger than the record's remaining bytes.
var ErrBadItemCount = errors.New("firehose: data-item count exceeds record bounds")

const preambleSize = 2 + 2 + 1 + 1 + 2 + 2 + 2 + 8 + 8 + 4 + 8 + 4 // 44 bytes

// ParsePage decodes a single firehose page occupying the entire buffer.
// Trailing private-data bytes past the record stream are tolerated but
// not surfaced.
func ParsePage(data []byte) (*Page, error) {
	r := breader.New(data)
	page, _, err := parseOnePage(r)
	return page, err
}

// ParsePages decodes the full concatenated run of firehose pages a
// chunkset decompresses to. Each page's records end at its public-data
// offset; its private-data region (private-data-size bytes) follows, and
// the next page begins after that.
func ParsePages(data []byte) ([]*Page, error) {
	r := breader.New(data)
	var pages []*Page
	for r.Remaining() > 0 {
		page, _, err := parseOnePage(r)
		if err != nil {
			return pages, err
		}
		pages = append(pages, page)
	}
	return pages, nil
}

func parseOnePage(r *breader.Reader) (*Page, int, error) {
	base := r.Pos()
	if r.Remaining() < preambleSize {
		return nil, 0, ErrTruncated
	}

	p := &Page{}
	var err error
	if p.SubTag, err = r.U16(); err != nil {
		return nil, 0, ErrTruncated
	}
	if p.CollapsedFlag, err = r.U16(); err != nil {
		return nil, 0, ErrTruncated
	}
	if p.TTL, err = r.U8(); err != nil {
		return nil, 0, ErrTruncated
	}
	if _, err = r.U8(); err != nil { // reserved
		return nil, 0, ErrTruncated
	}
	publicDataOffset, err := r.U16()
	if err != nil {
		return nil, 0, ErrTruncated
	}
	if _, err = r.U16(); err != nil { // private-data virtual offset (page-level, informational)
		return nil, 0, ErrTruncated
	}
	privateDataSize, err := r.U16()
	if err != nil {
		return nil, 0, ErrTruncated
	}
	if p.BaseContinuousTime, err = r.U64(); err != nil {
		return nil, 0, ErrTruncated
	}
	if p.FirstProcID1, err = r.U64(); err != nil {
		return nil, 0, ErrTruncated
	}
	if p.FirstProcID2, err = r.U32(); err != nil {
		return nil, 0, ErrTruncated
	}
	if p.LastProcID1, err = r.U64(); err != nil {
		return nil, 0, ErrTruncated
	}
	if p.LastProcID2, err = r.U32(); err != nil {
		return nil, 0, ErrTruncated
	}

	end := base + int(publicDataOffset)
	if publicDataOffset == 0 || end > r.Len() {
		end = r.Len()
	}

	for r.Pos() < end {
		rec, err := parseRecord(r, p.BaseContinuousTime)
		if err != nil {
			return nil, 0, err
		}
		p.Records = append(p.Records, rec)
	}

	// Skip the page's private-data region; TTL/private-data visibility is
	// informational only at this layer.
	if remaining := r.Len() - r.Pos(); int(privateDataSize) > 0 && int(privateDataSize) <= remaining {
		_ = r.Skip(int(privateDataSize))
	}

	return p, r.Pos() - base, nil
}

func parseRecord(r *breader.Reader, baseContinuousTime uint64) (Record, error) {
	var rec Record

	typeByte, err := r.U8()
	if err != nil {
		return rec, fmt.Errorf("firehose: reading record type: %w", err)
	}
	if rec.Subtag, err = r.U16(); err != nil {
		return rec, fmt.Errorf("firehose: reading subtag: %w", err)
	}
	if rec.Flags, err = r.U16(); err != nil {
		return rec, fmt.Errorf("firehose: reading flags: %w", err)
	}
	if rec.ThreadID, err = r.U64(); err != nil {
		return rec, fmt.Errorf("firehose: reading thread id: %w", err)
	}
	if rec.ContinuousTimeDelta, err = r.U32(); err != nil {
		return rec, fmt.Errorf("firehose: reading continuous time delta: %w", err)
	}
	rec.ContinuousTime = baseContinuousTime + uint64(rec.ContinuousTimeDelta)

	switch typeByte {
	case TypeNonActivity:
		rec.Kind = KindNonActivity
	case TypeActivity:
		rec.Kind = KindActivity
	case TypeTrace:
		rec.Kind = KindTrace
	case TypeSignpost:
		rec.Kind = KindSignpost
	case TypeLoss:
		rec.Kind = KindLoss
	default:
		return rec, fmt.Errorf("firehose: unrecognized record type %#x", typeByte)
	}

	if rec.Kind == KindLoss {
		if rec.LossStartContinuousTime, err = r.U64(); err != nil {
			return rec, fmt.Errorf("firehose: reading loss start: %w", err)
		}
		if rec.LossEndContinuousTime, err = r.U64(); err != nil {
			return rec, fmt.Errorf("firehose: reading loss end: %w", err)
		}
		if rec.LossCount, err = r.U32(); err != nil {
			return rec, fmt.Errorf("firehose: reading loss count: %w", err)
		}
		return rec, nil
	}

	if rec.Kind == KindActivity || rec.Flags&FlagHasActivity != 0 {
		rec.HasActivity = true
		if rec.ActivityID, err = r.U64(); err != nil {
			return rec, fmt.Errorf("firehose: reading activity id: %w", err)
		}
		if rec.Kind == KindActivity {
			if rec.ParentActivityID, err = r.U64(); err != nil {
				return rec, fmt.Errorf("firehose: reading parent activity id: %w", err)
			}
		}
	}

	if err := parseFormatRef(r, &rec.FormatRef, rec.Flags); err != nil {
		return rec, fmt.Errorf("firehose: reading format string ref: %w", err)
	}

	if rec.Flags&FlagHasPrivateData != 0 {
		rec.HasPrivateData = true
		if rec.PrivateDataVirtualOffset, err = r.U16(); err != nil {
			return rec, fmt.Errorf("firehose: reading private data offset: %w", err)
		}
	}

	if rec.Flags&FlagHasSubsystem != 0 {
		rec.HasSubsystem = true
		if rec.SubsystemID, err = r.U16(); err != nil {
			return rec, fmt.Errorf("firehose: reading subsystem id: %w", err)
		}
	}

	if rec.Flags&FlagHasTTL != 0 {
		rec.HasTTL = true
		if rec.TTL, err = r.U8(); err != nil {
			return rec, fmt.Errorf("firehose: reading ttl: %w", err)
		}
	}

	if rec.Kind == KindSignpost {
		if rec.SignpostID, err = r.U64(); err != nil {
			return rec, fmt.Errorf("firehose: reading signpost id: %w", err)
		}
		if rec.Flags&FlagHasSignpostName != 0 {
			rec.HasSignpostName = true
			if err := parseFormatRef(r, &rec.SignpostNameRef, rec.Flags); err != nil {
				return rec, fmt.Errorf("firehose: reading signpost name ref: %w", err)
			}
		}
	}

	itemCount, err := r.U16()
	if err != nil {
		return rec, fmt.Errorf("firehose: reading item count: %w", err)
	}
	itemsDataSize, err := r.U16()
	if err != nil {
		return rec, fmt.Errorf("firehose: reading item data size: %w", err)
	}

	rec.Items, rec.TrailingBlob, err = ParseDataItems(r, itemCount, itemsDataSize)
	if err != nil {
		return rec, fmt.Errorf("firehose: reading data items: %w", err)
	}

	return rec, nil
}

// ParseDataItems decodes count data-item descriptors followed by the
// trailing blob they may reference, carved out of r as a dataSize-byte
// region. It is shared by the oversize decoder, whose payload items use
// the same encoding.
func ParseDataItems(r *breader.Reader, count, dataSize uint16) ([]DataItem, []byte, error) {
	if dataSize > uint16(r.Remaining()) {
		return nil, nil, ErrBadItemCount
	}
	sub, err := r.SubReader(int(dataSize))
	if err != nil {
		return nil, nil, fmt.Errorf("firehose: carving item region: %w", err)
	}

	items := make([]DataItem, 0, count)
	for i := uint16(0); i < count; i++ {
		item, err := parseDataItem(sub)
		if err != nil {
			return nil, nil, fmt.Errorf("firehose: reading data item %d: %w", i, err)
		}
		items = append(items, item)
	}
	blob, _ := sub.Bytes(sub.Remaining())
	return items, blob, nil
}

func parseFormatRef(r *breader.Reader, ref *FormatStringRef, flags uint16) error {
	switch flags & flagFormatRefMask {
	case FlagMainExeUUID:
		ref.Kind = FormatRefMainExe
		offset, err := r.U32()
		if err != nil {
			return err
		}
		ref.Offset = offset
	case FlagAbsolute:
		ref.Kind = FormatRefAbsolute
		u, err := r.UUID()
		if err != nil {
			return err
		}
		ref.UUID = u
		offset, err := r.U32()
		if err != nil {
			return err
		}
		ref.Offset = offset
	case FlagUUIDRelative:
		ref.Kind = FormatRefUUIDRelative
		idx, err := r.U16()
		if err != nil {
			return err
		}
		ref.UUIDIndex = idx
		offset, err := r.U32()
		if err != nil {
			return err
		}
		ref.Offset = offset
	case FlagSharedCache:
		ref.Kind = FormatRefSharedCache
		offset, err := r.U32()
		if err != nil {
			return err
		}
		ref.Offset = offset
	default:
		ref.Kind = FormatRefNone
	}
	return nil
}

func parseDataItem(r *breader.Reader) (DataItem, error) {
	var item DataItem
	var err error

	if item.Type, err = r.U8(); err != nil {
		return item, err
	}
	if item.Size, err = r.U8(); err != nil {
		return item, err
	}
	value, err := r.Bytes(2)
	if err != nil {
		return item, err
	}

	switch {
	case IsOversizeRef(item.Type):
		item.OversizeRefIndex = uint16(value[0]) | uint16(value[1])<<8
	case item.Size <= 2:
		item.IsInline = true
		item.Inline = append([]byte(nil), value[:item.Size]...)
	default:
		item.BlobOffset = value[0]
		item.BlobLength = value[1]
	}

	return item, nil
}

// Resolve returns the DataItem's actual bytes given the record's trailing
// blob. There are three encodings: inline, blob-relative, and
// oversize-reference — oversize lookups are the caller's job via the
// cross-file accumulator.
func (item DataItem) Resolve(trailingBlob []byte) ([]byte, bool) {
	switch {
	case IsOversizeRef(item.Type):
		return nil, false
	case item.IsInline:
		return item.Inline, true
	default:
		start := int(item.BlobOffset)
		end := start + int(item.BlobLength)
		if start < 0 || end > len(trailingBlob) || start > end {
			return nil, false
		}
		return trailingBlob[start:end], true
	}
}
