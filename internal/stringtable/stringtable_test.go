package stringtable

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
)

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func buildUUIDText(entries [][2]uint32, strs []string, path string) []byte {
	var buf bytes.Buffer
	buf.Write(le32(uuidTextMagic))
	buf.Write(le32(0))
	buf.Write(le32(uint32(len(entries))))
	buf.Write(le32(0))

	for _, e := range entries {
		buf.Write(le32(e[0]))
		buf.Write(le32(e[1]))
	}
	for _, s := range strs {
		buf.WriteString(s)
		buf.WriteByte(0)
	}
	buf.WriteString(path)
	buf.WriteByte(0)
	return buf.Bytes()
}

func TestUUIDTextResolve(t *testing.T) {
	// Entry 0 covers [0,12), entry 1 covers [12,32).
	data := buildUUIDText([][2]uint32{{0, 12}, {12, 20}}, []string{"hello world", "second entry string"}, "/usr/lib/libfoo.dylib")

	ut, err := ParseUUIDText(data)
	if err != nil {
		t.Fatalf("ParseUUIDText: %v", err)
	}
	if ut.Path != "/usr/lib/libfoo.dylib" {
		t.Fatalf("unexpected path: %q", ut.Path)
	}

	s, err := ut.Resolve(0)
	if err != nil || s != "hello world" {
		t.Fatalf("Resolve(0) = %q, %v", s, err)
	}

	s, err = ut.Resolve(12)
	if err != nil || s != "second entry string" {
		t.Fatalf("Resolve(12) = %q, %v", s, err)
	}

	if _, err := ut.Resolve(1000); err != ErrOffsetNotFound {
		t.Fatalf("expected ErrOffsetNotFound, got %v", err)
	}
}

func TestUUIDTextStoreMemoizes(t *testing.T) {
	data := buildUUIDText([][2]uint32{{0, 5}}, []string{"abcd"}, "/bin/foo")
	calls := 0
	store := NewUUIDTextStore(func(u uuid.UUID) ([]byte, error) {
		calls++
		return data, nil
	})

	u := uuid.New()
	s1, p1, err := store.Resolve(u, 0)
	if err != nil {
		t.Fatal(err)
	}
	s2, p2, err := store.Resolve(u, 0)
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 || p1 != p2 {
		t.Fatalf("idempotence violated: %q/%q vs %q/%q", s1, p1, s2, p2)
	}
	if calls != 1 {
		t.Fatalf("expected file to be opened once, got %d", calls)
	}
}

func buildDsc(ranges []dscRange, uuids []dscUUIDEntry, paths []string, strBlob []byte) []byte {
	var buf bytes.Buffer
	buf.Write(dscMagic[:])
	buf.Write(le32(1)) // version
	buf.Write(le32(uint32(len(ranges))))
	buf.Write(le32(uint32(len(uuids))))

	for _, rg := range ranges {
		b8 := make([]byte, 8)
		binary.LittleEndian.PutUint64(b8, rg.rangeStart)
		buf.Write(b8)
		buf.Write(le32(rg.size))
		buf.Write(le32(rg.uuidIndex))
		buf.Write(le32(rg.stringOffset))
	}
	for _, u := range uuids {
		buf.Write(u.uuid[:])
		buf.Write(le32(u.pathOffset))
	}
	for _, p := range paths {
		buf.WriteString(p)
		buf.WriteByte(0)
	}
	buf.Write(strBlob)
	return buf.Bytes()
}

func TestDscResolve(t *testing.T) {
	var u [16]byte
	for i := range u {
		u[i] = byte(i + 1)
	}

	strBlob := append([]byte("format string one\x00"), []byte("second\x00")...)

	data := buildDsc(
		[]dscRange{
			{rangeStart: 0, size: 100, uuidIndex: 0, stringOffset: 0},
			{rangeStart: 100, size: 50, uuidIndex: 0, stringOffset: uint32(len("format string one\x00"))},
		},
		[]dscUUIDEntry{{uuid: u, pathOffset: 0}},
		[]string{"/usr/lib/libSystem.B.dylib"},
		strBlob,
	)

	dsc, err := ParseDsc(data)
	if err != nil {
		t.Fatalf("ParseDsc: %v", err)
	}

	fs, path, err := dsc.Resolve(0)
	if err != nil {
		t.Fatal(err)
	}
	if fs != "format string one" || path != "/usr/lib/libSystem.B.dylib" {
		t.Fatalf("unexpected resolve: %q / %q", fs, path)
	}

	fs2, _, err := dsc.Resolve(100)
	if err != nil {
		t.Fatal(err)
	}
	if fs2 != "second" {
		t.Fatalf("unexpected second resolve: %q", fs2)
	}
}
