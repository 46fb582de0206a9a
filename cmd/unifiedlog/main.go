// Command unifiedlog parses a live diagnostics directory or an extracted
// `.logarchive` bundle into reconstructed LogRecords and writes them out as
// JSONL or CSV, optionally serving them afterward over a local read-only
// query/stats/histogram HTTP interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marloson/macos-UnifiedLogs/internal/browse"
	"github.com/marloson/macos-UnifiedLogs/internal/cache"
	"github.com/marloson/macos-UnifiedLogs/internal/output"
	"github.com/marloson/macos-UnifiedLogs/internal/pipeline"
	"github.com/marloson/macos-UnifiedLogs/internal/provider"
	"github.com/marloson/macos-UnifiedLogs/internal/stringtable"
	"github.com/marloson/macos-UnifiedLogs/internal/timesync"
	"github.com/marloson/macos-UnifiedLogs/internal/types"
)

func main() {
	archive := flag.String("archive", "", "path to a live diagnostics directory or extracted .logarchive bundle")
	out := flag.String("out", "-", "output file path, or - for stdout")
	format := flag.String("format", "jsonl", "output format: jsonl or csv")
	cacheDir := flag.String("cache", "", "resolved-index cache directory (disabled if empty)")
	workers := flag.Int("workers", 1, "number of tracev3 files to parse concurrently (1 = sequential)")
	browseAddr := flag.String("browse", "", "if set, serve a read-only query/stats/histogram HTTP interface on this address after parsing, instead of exiting")
	flag.Parse()

	if *archive == "" {
		log.Fatal("unifiedlog: -archive is required")
	}

	log.Printf("unifiedlog: reading archive %s", *archive)

	var p provider.Provider = provider.NewDirProvider(*archive)
	if *cacheDir != "" {
		c, err := cache.Open(*cacheDir)
		if err != nil {
			log.Fatalf("unifiedlog: opening cache: %v", err)
		}
		p = cache.NewCachingProvider(p, c)
		log.Printf("unifiedlog: caching resolved tables in %s", *cacheDir)
	}

	records, missingFormat, missingOversize, err := run(p, *workers)
	if err != nil {
		log.Fatalf("unifiedlog: %v", err)
	}
	log.Printf("unifiedlog: reconstructed %d records (%d missing format strings, %d unresolved oversize references)",
		len(records), missingFormat, missingOversize)

	if err := writeOutput(*out, *format, records); err != nil {
		log.Fatalf("unifiedlog: %v", err)
	}

	if *browseAddr == "" {
		return
	}
	serveBrowse(*browseAddr, records)
}

// run drives the pipeline to completion, sequentially or in parallel
// depending on workers, and reports aggregate diagnostics.
func run(p provider.Provider, workers int) ([]*types.LogRecord, int, int, error) {
	uuidStore := stringtable.NewUUIDTextStore(p.OpenUUIDText)
	dscStore := stringtable.NewDscStore(p.OpenDSC)

	tsStore := timesync.NewStore()
	tsFiles, err := p.TimesyncFiles()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("listing timesync files: %w", err)
	}
	for _, f := range tsFiles {
		if err := tsStore.LoadFile(f.Data); err != nil {
			log.Printf("unifiedlog: skipping malformed timesync file %s: %v", f.Name, err)
		}
	}

	traceFiles, err := p.TraceV3Files()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("listing tracev3 files: %w", err)
	}
	if len(traceFiles) == 0 {
		return nil, 0, 0, fmt.Errorf("no tracev3 files found under the given archive")
	}

	sources := make([]pipeline.Source, len(traceFiles))
	for i, f := range traceFiles {
		sources[i] = pipeline.Source{Name: f.Name, Data: f.Data}
	}

	if workers > 1 {
		// RunParallel doesn't expose per-worker diagnostic counters, only
		// the merged record set; missing-format/oversize counts are only
		// reported in the sequential path below.
		records, err := pipeline.RunParallel(sources, uuidStore, dscStore, tsStore)
		if err != nil {
			return nil, 0, 0, err
		}
		return records, 0, 0, nil
	}

	driver := pipeline.NewDriver(sources, uuidStore, dscStore, tsStore)
	var records []*types.LogRecord
	for {
		rec, err := driver.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, 0, err
		}
		records = append(records, rec)
	}
	return records, driver.MissingFormatCount, driver.ResidualOversizeCount, nil
}

func writeOutput(path, format string, records []*types.LogRecord) error {
	w := os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch format {
	case "jsonl":
		jw := output.NewJSONLWriter(w)
		for _, r := range records {
			if err := jw.Write(r); err != nil {
				return err
			}
		}
		return nil
	case "csv":
		cw := output.NewCSVWriter(w)
		for _, r := range records {
			if err := cw.Write(r); err != nil {
				return err
			}
		}
		return cw.Flush()
	default:
		return fmt.Errorf("unknown output format %q (want jsonl or csv)", format)
	}
}

func serveBrowse(addr string, records []*types.LogRecord) {
	srv := browse.NewServer(records)

	go func() {
		log.Printf("unifiedlog: browse server listening on %s", addr)
		if err := srv.Start(addr); err != nil {
			log.Printf("unifiedlog: browse server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("unifiedlog: received signal %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("unifiedlog: browse server shutdown error: %v", err)
	}
}
