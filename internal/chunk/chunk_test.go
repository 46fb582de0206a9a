package chunk

import (
	"encoding/binary"
	"io"
	"testing"
)

func appendChunk(buf []byte, tag, subtag uint32, payload []byte) []byte {
	hdr := make([]byte, 16)
	binary.LittleEndian.PutUint32(hdr[0:4], tag)
	binary.LittleEndian.PutUint32(hdr[4:8], subtag)
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(len(payload)))
	buf = append(buf, hdr...)
	buf = append(buf, payload...)
	// pad to 8-byte alignment of (preamble+payload)
	total := 16 + len(payload)
	if rem := total % 8; rem != 0 {
		buf = append(buf, make([]byte, 8-rem)...)
	}
	return buf
}

func TestFramerTotality(t *testing.T) {
	var buf []byte
	buf = appendChunk(buf, uint32(TagHeader), 0, []byte{0xAA, 0xBB})
	buf = appendChunk(buf, 0x9999, 0, []byte{1, 2, 3}) // unknown, skipped
	buf = appendChunk(buf, uint32(TagCatalog), 1, []byte{0xCC, 0xDD, 0xEE, 0xFF})

	f := New(buf)

	c1, err := f.Next()
	if err != nil {
		t.Fatalf("first Next: %v", err)
	}
	if c1.Tag != TagHeader || len(c1.Payload) != 2 {
		t.Fatalf("unexpected first chunk: %+v", c1)
	}

	c2, err := f.Next()
	if err != nil {
		t.Fatalf("second Next: %v", err)
	}
	if c2.Tag != TagCatalog || c2.Subtag != 1 || len(c2.Payload) != 4 {
		t.Fatalf("unexpected second chunk: %+v", c2)
	}

	if _, err := f.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestFramerTruncatedPreamble(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x03} // fewer than 16 bytes
	f := New(buf)
	if _, err := f.Next(); err != ErrTruncatedPreamble {
		t.Fatalf("expected ErrTruncatedPreamble, got %v", err)
	}
}

func TestFramerBadLength(t *testing.T) {
	hdr := make([]byte, 16)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(TagCatalog))
	binary.LittleEndian.PutUint64(hdr[8:16], 1000) // declares far more than available
	f := New(hdr)
	if _, err := f.Next(); err == nil {
		t.Fatal("expected error for over-long declared length")
	}
}
