package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/nexuslake/compaction"
	"github.com/INLOpen/nexuslake/compressors"
	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/engine"
	"github.com/INLOpen/nexuslake/hooks"
	"github.com/INLOpen/nexuslake/rowset"
	"github.com/INLOpen/nexuslake/tablet"
)

// mergeCollector records the sizes reported by every finished compaction so
// the benchmark can print merge volume and write amplification.
type mergeCollector struct {
	mu           sync.Mutex
	bytesRead    int64
	bytesWritten int64
	rowsMerged   int64
}

func (c *mergeCollector) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.PostCompactionPayload)
	if !ok || payload.OutputRowset == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, in := range payload.InputRowsets {
		c.bytesRead += in.Size
		c.rowsMerged += in.Rows
	}
	c.bytesWritten += payload.OutputRowset.Size
	return nil
}

func (c *mergeCollector) Priority() int { return 0 }
func (c *mergeCollector) IsAsync() bool { return false }

func main() {
	// --- Configuration Flags ---
	dataDir := flag.String("data-dir", "", "Directory for benchmark data (empty: a temporary directory, removed afterwards)")
	numTablets := flag.Int("tablets", 8, "Number of tablets to seed")
	rowsetsPerTablet := flag.Int("rowsets", 64, "Number of delta rowsets to seed per tablet per round")
	rowsPerRowset := flag.Int("rows", 1000, "Number of rows per seeded rowset")
	rowSize := flag.Int("row-size", 128, "Size of each row in bytes")
	compression := flag.String("compression", "lz4", "Segment compression: none, lz4, snappy or zstd")
	kindName := flag.String("type", "cumulative", "Compaction type to benchmark: base, cumulative or full")
	concurrency := flag.Int("concurrency", 4, "Number of compactions allowed to run at once")
	rounds := flag.Int("rounds", 1, "Number of seed-then-compact rounds")

	flag.Parse()

	kind, err := core.ParseCompactionKind(*kindName)
	if err != nil {
		log.Fatalf("Invalid -type: %v", err)
	}

	var compressor core.Compressor
	switch strings.ToLower(*compression) {
	case "none":
		compressor = &compressors.NoCompressionCompressor{}
	case "lz4":
		compressor = &compressors.LZ4Compressor{}
	case "snappy":
		compressor = compressors.NewSnappyCompressor()
	case "zstd":
		compressor = compressors.NewZstdCompressor()
	default:
		log.Fatalf("Invalid -compression: %q", *compression)
	}

	// --- Engine Setup ---
	dir := *dataDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "compaction-bench-")
		if err != nil {
			log.Fatalf("Failed to create temporary data directory: %v", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	eng, err := engine.NewEngine(engine.Options{
		DataDir:    dir,
		Compressor: compressor,
		// The scheduler stays out of the way; every task here is submitted
		// manually so the measurement covers exactly the requested work.
		CheckInterval:           time.Hour,
		MaxConcurrentBase:       *concurrency,
		MaxConcurrentCumulative: *concurrency,
		Logger:                  logger,
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	if err := eng.Start(); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	defer eng.Close()

	collector := &mergeCollector{}
	eng.GetHookManager().Register(hooks.EventPostCompaction, collector)

	tablets := make([]*tablet.Tablet, 0, *numTablets)
	nextFirst := make(map[core.TabletID]int64, *numTablets)
	for i := 1; i <= *numTablets; i++ {
		id := core.TabletID(i)
		tab, err := eng.CreateTablet(id, 1, compaction.PolicySizeBased, nil)
		if err != nil {
			log.Fatalf("Failed to create tablet %d: %v", id, err)
		}
		tablets = append(tablets, tab)
		nextFirst[id] = 0
	}

	// --- Benchmark Execution ---
	type taskResult struct {
		latency time.Duration
		err     error
	}

	var (
		latencies          []time.Duration
		succeeded, benign  int
		failed, totalTasks int
	)

	log.Printf("Starting benchmark: %d round(s) of %s compaction over %d tablets, %d rowsets each (%d rows x %d bytes), %d concurrent...",
		*rounds, kind.String(), *numTablets, *rowsetsPerTablet, *rowsPerRowset, *rowSize, *concurrency)

	var elapsed time.Duration
	for round := 0; round < *rounds; round++ {
		log.Printf("Round %d/%d: seeding...", round+1, *rounds)
		for _, tab := range tablets {
			nextFirst[tab.ID()] = seedTablet(eng, tab, kind, compressor, nextFirst[tab.ID()], *rowsetsPerTablet, *rowsPerRowset, *rowSize)
		}

		log.Printf("Round %d/%d: compacting...", round+1, *rounds)
		results := make(chan taskResult, len(tablets))
		roundStart := time.Now()
		for _, tab := range tablets {
			handle, err := eng.SubmitCompactionTask(tab.ID(), kind, false)
			if err != nil {
				log.Fatalf("Failed to submit %s compaction for tablet %d: %v", kind, tab.ID(), err)
			}
			go func(h *engine.TaskHandle, submitted time.Time) {
				<-h.Done()
				results <- taskResult{latency: time.Since(submitted), err: h.Err()}
			}(handle, time.Now())
		}
		for range tablets {
			res := <-results
			totalTasks++
			latencies = append(latencies, res.latency)
			switch {
			case res.err == nil:
				succeeded++
			case core.IsBenign(res.err):
				benign++
			default:
				failed++
				log.Printf("Compaction failed: %v", res.err)
			}
		}
		elapsed += time.Since(roundStart)
	}

	// --- Results ---
	collector.mu.Lock()
	bytesRead := collector.bytesRead
	bytesWritten := collector.bytesWritten
	rowsMerged := collector.rowsMerged
	collector.mu.Unlock()

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})
	var p50, p90, p99 time.Duration
	if len(latencies) > 0 {
		p50 = latencies[int(float64(len(latencies))*0.50)]
		p90 = latencies[int(float64(len(latencies))*0.90)]
		p99 = latencies[int(float64(len(latencies))*0.99)]
	}

	waf := 0.0
	if bytesRead > 0 {
		waf = float64(bytesWritten) / float64(bytesRead)
	}

	fmt.Println("\n--- Benchmark Results ---")
	fmt.Printf("Compaction Type:     %s\n", kind)
	fmt.Printf("Tasks Completed:     %d (succeeded: %d, nothing to do: %d, failed: %d)\n",
		totalTasks, succeeded, benign, failed)
	fmt.Printf("Rows Merged:         %d\n", rowsMerged)
	fmt.Printf("Bytes Read:          %.2f MiB\n", float64(bytesRead)/(1024*1024))
	fmt.Printf("Bytes Written:       %.2f MiB\n", float64(bytesWritten)/(1024*1024))
	fmt.Printf("Write Amplification: %.3f\n", waf)
	fmt.Printf("Total Time Taken:    %.2f seconds\n", elapsed.Seconds())
	if elapsed > 0 {
		fmt.Printf("Merge Throughput:    %.2f MiB/sec\n", float64(bytesRead)/(1024*1024)/elapsed.Seconds())
	}
	fmt.Println("\n--- Latency Distribution (per task, submit to finish) ---")
	fmt.Printf("P50 (Median): %v\n", p50)
	fmt.Printf("P90:          %v\n", p90)
	fmt.Printf("P99:          %v\n", p99)
	fmt.Println("------------------------------------")
}

// seedTablet appends freshly written delta rowsets to the tablet's version
// chain, shaped so the chosen compaction kind has work to pick up. It
// returns the next unused version number.
//
// Cumulative and full runs see singleton level-0 deltas above the cumulative
// point. Base runs need their deltas below the point, so those are stamped
// level 1 and the point is advanced past them.
func seedTablet(eng *engine.Engine, tab *tablet.Tablet, kind core.CompactionKind, compressor core.Compressor, first int64, rowsets, rows, rowSize int) int64 {
	if first == 0 {
		// Every chain starts from an initial base rowset.
		writeRowset(eng, tab, compressor, 0, 1, rows, rowSize, 2)
		first = 2
	}
	deltaLevel := 0
	if kind == core.CompactionBase {
		deltaLevel = 1
	}
	for i := 0; i < rowsets; i++ {
		writeRowset(eng, tab, compressor, first, first, rows, rowSize, deltaLevel)
		first++
	}
	if kind == core.CompactionBase {
		if err := tab.AdvanceCumulativePoint(first); err != nil {
			log.Fatalf("Failed to advance cumulative point for tablet %d: %v", tab.ID(), err)
		}
	}
	return first
}

func writeRowset(eng *engine.Engine, tab *tablet.Tablet, compressor core.Compressor, first, last int64, rows, rowSize, level int) {
	id := eng.Manager().NextRowsetID()
	w, err := eng.Store().NewWriter(tab.ID(), id, 0, compressor, 0)
	if err != nil {
		log.Fatalf("Failed to open segment writer for tablet %d: %v", tab.ID(), err)
	}
	row := make([]byte, rowSize)
	for i := 0; i < rows; i++ {
		// Header identifies the row, the rest pads to the requested size.
		header := fmt.Sprintf("tablet-%d|version-%d|row-%d|", tab.ID(), first, i)
		copy(row, header)
		for j := len(header); j < len(row); j++ {
			row[j] = byte('a' + (i+j)%26)
		}
		if err := w.Append(row); err != nil {
			log.Fatalf("Failed to append row: %v", err)
		}
	}
	size, err := w.Finish()
	if err != nil {
		log.Fatalf("Failed to finish segment: %v", err)
	}
	meta := rowset.RowsetMeta{
		ID:              id,
		TabletID:        tab.ID(),
		Version:         core.NewVersion(first, last),
		NumRows:         int64(rows),
		NumSegments:     1,
		DataSize:        size,
		CompactionLevel: level,
	}
	if err := tab.AddRowset(rowset.NewRowset(meta, []string{w.Path()}, eng.Store(), nil)); err != nil {
		log.Fatalf("Failed to add rowset to tablet %d: %v", tab.ID(), err)
	}
}
