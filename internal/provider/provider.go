// Package provider supplies the file-provider contract the core pipeline
// consumes: enumeration of tracev3/timesync files and on-demand lookup of
// UUID-text and DSC files, without the core ever touching a filesystem path
// itself.
package provider

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Source is a file provider's view of one file: its display name and its
// bytes, read eagerly so the core never blocks mid-parse on provider I/O.
type Source struct {
	Name string
	Data []byte
}

// Provider is the capability set the core's pipeline driver depends on:
// enumerate tracev3 files, enumerate timesync files, open a UUID-text file
// by UUID, open a DSC file by UUID. The core depends only on this
// interface — live directories and `.logarchive` bundles both satisfy it
// the same way, because both lay files out identically on disk.
type Provider interface {
	TraceV3Files() ([]Source, error)
	TimesyncFiles() ([]Source, error)
	OpenUUIDText(u uuid.UUID) ([]byte, error)
	OpenDSC(u uuid.UUID) ([]byte, error)
}

// DirProvider reads a live diagnostics directory or an extracted
// `.logarchive` bundle — the two root layouts are treated as
// interchangeable: `<root>/Persist/*.tracev3`, `<root>/timesync/*`,
// `<root>/uuidtext/<first-2-hex>/<remaining-30-hex>`, `<root>/dsc/<UUID>`.
type DirProvider struct {
	root string
}

// NewDirProvider returns a Provider rooted at dir.
func NewDirProvider(dir string) *DirProvider {
	return &DirProvider{root: dir}
}

// TraceV3Files enumerates every `.tracev3` file under the archive's
// `Persist` and `Special` subdirectories, falling back to a flat scan of
// the root when neither exists (a bare live-collection directory).
func (p *DirProvider) TraceV3Files() ([]Source, error) {
	var out []Source
	dirs := []string{filepath.Join(p.root, "Persist"), filepath.Join(p.root, "Special"), p.root}
	seen := make(map[string]bool)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("provider: reading %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tracev3") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if seen[path] {
				continue
			}
			seen[path] = true
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("provider: reading %s: %w", path, err)
			}
			out = append(out, Source{Name: path, Data: data})
		}
	}
	return out, nil
}

// TimesyncFiles enumerates every file under `<root>/timesync`.
func (p *DirProvider) TimesyncFiles() ([]Source, error) {
	dir := filepath.Join(p.root, "timesync")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("provider: reading %s: %w", dir, err)
	}
	var out []Source
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("provider: reading %s: %w", path, err)
		}
		out = append(out, Source{Name: path, Data: data})
	}
	return out, nil
}

// OpenUUIDText opens `<root>/uuidtext/<first-2-hex>/<remaining-30-hex>`, the
// two-hex-char directory convention used for per-binary format-string
// tables.
func (p *DirProvider) OpenUUIDText(u uuid.UUID) ([]byte, error) {
	hex := strings.ToUpper(strings.ReplaceAll(u.String(), "-", ""))
	if len(hex) != 32 {
		return nil, fmt.Errorf("provider: malformed uuid %s", u)
	}
	path := filepath.Join(p.root, "uuidtext", hex[:2], hex[2:])
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("provider: opening uuidtext %s: %w", u, err)
	}
	return data, nil
}

// OpenDSC opens `<root>/dsc/<UUID>`, the shared-cache string table named by
// its own UUID.
func (p *DirProvider) OpenDSC(u uuid.UUID) ([]byte, error) {
	hex := strings.ToUpper(strings.ReplaceAll(u.String(), "-", ""))
	path := filepath.Join(p.root, "dsc", hex)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("provider: opening dsc %s: %w", u, err)
	}
	return data, nil
}
