package provider

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestDirProviderTraceV3Files(t *testing.T) {
	root := t.TempDir()
	persist := filepath.Join(root, "Persist")
	if err := os.MkdirAll(persist, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(persist, "0000000000000001.tracev3"), []byte("abc"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(persist, "ignored.txt"), []byte("nope"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	p := NewDirProvider(root)
	files, err := p.TraceV3Files()
	if err != nil {
		t.Fatalf("TraceV3Files: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 tracev3 file, got %d: %+v", len(files), files)
	}
	if string(files[0].Data) != "abc" {
		t.Fatalf("unexpected file contents: %q", files[0].Data)
	}
}

func TestDirProviderTraceV3FilesMissingDir(t *testing.T) {
	p := NewDirProvider(t.TempDir())
	files, err := p.TraceV3Files()
	if err != nil {
		t.Fatalf("TraceV3Files: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected no files, got %+v", files)
	}
}

func TestDirProviderTimesyncFiles(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "timesync")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "0000000000000002.timesync"), []byte("ts"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	p := NewDirProvider(root)
	files, err := p.TimesyncFiles()
	if err != nil {
		t.Fatalf("TimesyncFiles: %v", err)
	}
	if len(files) != 1 || string(files[0].Data) != "ts" {
		t.Fatalf("unexpected timesync files: %+v", files)
	}
}

func TestDirProviderOpenUUIDText(t *testing.T) {
	root := t.TempDir()
	u := uuid.New()
	hex := fmtHex(u)
	dir := filepath.Join(root, "uuidtext", hex[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, hex[2:]), []byte("uuidtext-body"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	p := NewDirProvider(root)
	data, err := p.OpenUUIDText(u)
	if err != nil {
		t.Fatalf("OpenUUIDText: %v", err)
	}
	if string(data) != "uuidtext-body" {
		t.Fatalf("unexpected data: %q", data)
	}
}

func TestDirProviderOpenDSC(t *testing.T) {
	root := t.TempDir()
	u := uuid.New()
	dir := filepath.Join(root, "dsc")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, fmtHex(u)), []byte("dsc-body"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	p := NewDirProvider(root)
	data, err := p.OpenDSC(u)
	if err != nil {
		t.Fatalf("OpenDSC: %v", err)
	}
	if string(data) != "dsc-body" {
		t.Fatalf("unexpected data: %q", data)
	}
}

func TestDirProviderOpenUUIDTextMissing(t *testing.T) {
	p := NewDirProvider(t.TempDir())
	if _, err := p.OpenUUIDText(uuid.New()); err == nil {
		t.Fatalf("expected an error for a missing uuidtext file")
	}
}

func fmtHex(u uuid.UUID) string {
	const hexDigits = "0123456789ABCDEF"
	var out [32]byte
	for i, b := range u {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}
	return string(out[:])
}
