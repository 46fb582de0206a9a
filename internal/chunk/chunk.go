// Package chunk implements the tracev3 chunk framer: it
// walks a tracev3 byte run by 16-byte chunk preambles and hands back the
// payload of every chunk whose tag this module understands, skipping
// anything else and maintaining 8-byte alignment.
package chunk

import (
	"errors"
	"fmt"
	"io"

	"github.com/marloson/macos-UnifiedLogs/internal/breader"
)

// Tag identifies the kind of chunk a preamble announces.
type Tag uint32

const (
	TagHeader     Tag = 0x1000
	TagCatalog    Tag = 0x600b
	TagChunkset   Tag = 0x600d
	TagFirehose   Tag = 0x6001
	TagOversize   Tag = 0x6002
	TagStatedump  Tag = 0x6003
	TagSimpledump Tag = 0x6004
)

const (
	preambleSize = 16
	alignment    = 8
)

// ErrTruncatedPreamble is returned when fewer than 16 bytes remain where a
// chunk preamble was expected — a fatal framing error.
var ErrTruncatedPreamble = errors.New("chunk: truncated preamble")

// ErrBadLength is returned when a chunk's declared payload length runs past
// the end of the buffer — also fatal.
var ErrBadLength = errors.New("chunk: declared length exceeds remaining buffer")

// recognized reports whether tag is one this module dispatches on. Unknown
// tags are skipped by the framer, never surfaced to callers.
func recognized(t Tag) bool {
	switch t {
	case TagHeader, TagCatalog, TagChunkset, TagFirehose, TagOversize, TagStatedump, TagSimpledump:
		return true
	default:
		return false
	}
}

// Chunk is one recognized chunk: its tag, subtag, and payload bytes. The
// payload aliases the framer's input buffer.
type Chunk struct {
	Tag     Tag
	Subtag  uint32
	Payload []byte
}

// Framer iterates the chunks of a single tracev3 byte run.
type Framer struct {
	r *breader.Reader
}

// New wraps buf (the full contents of one tracev3 file) for chunk-by-chunk
// iteration.
func New(buf []byte) *Framer {
	return &Framer{r: breader.New(buf)}
}

// Next returns the next recognized chunk, or io.EOF once the buffer is
// exhausted. Truncation or an over-long payload declaration aborts framing
// for the remainder of the file (ErrTruncatedPreamble / ErrBadLength); the
// caller is expected to treat this the same as any other fatal format
// error and move on to the next file.
func (f *Framer) Next() (Chunk, error) {
	for {
		if f.r.Remaining() == 0 {
			return Chunk{}, io.EOF
		}
		if f.r.Remaining() < preambleSize {
			return Chunk{}, ErrTruncatedPreamble
		}

		base := f.r.Pos()
		tagVal, err := f.r.U32()
		if err != nil {
			return Chunk{}, ErrTruncatedPreamble
		}
		subtag, err := f.r.U32()
		if err != nil {
			return Chunk{}, ErrTruncatedPreamble
		}
		length, err := f.r.U64()
		if err != nil {
			return Chunk{}, ErrTruncatedPreamble
		}

		if length > uint64(f.r.Remaining()) {
			return Chunk{}, fmt.Errorf("%w: tag=%#x length=%d remaining=%d", ErrBadLength, tagVal, length, f.r.Remaining())
		}

		payload, err := f.r.Bytes(int(length))
		if err != nil {
			return Chunk{}, ErrBadLength
		}

		// Chunks are 8-byte aligned as a whole (preamble + payload); skip
		// the pad before the next preamble.
		if err := f.r.AlignTo(base, alignment); err != nil {
			// Trailing pad past EOF is tolerated; framing totality only
			// requires no *unread* non-padding bytes remain.
			_ = f.r.SeekTo(f.r.Len())
		}

		tag := Tag(tagVal)
		if !recognized(tag) {
			continue
		}
		return Chunk{Tag: tag, Subtag: subtag, Payload: payload}, nil
	}
}
