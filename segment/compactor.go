package segment

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/rowset"
)

// DefaultMaxSegmentSize caps the size of a single output segment file. A
// merge rolls over to the next segment once the current one crosses it.
const DefaultMaxSegmentSize int64 = 256 * 1024 * 1024

// checkCancelEvery bounds how many rows are copied between context checks.
const checkCancelEvery = 4096

// CompactorOptions configures a Compactor.
type CompactorOptions struct {
	Store      *Store
	Compressor core.Compressor
	// BlockSize is the target block payload size for output segments. Zero
	// means DefaultBlockSize.
	BlockSize int
	// MaxSegmentSize is the rollover threshold for output segment files.
	// Zero means DefaultMaxSegmentSize.
	MaxSegmentSize int64
	// NextRowsetID allocates the identity of the merge output.
	NextRowsetID func() core.RowsetID
	// Remover is handed to output rowsets for their eventual file deletion.
	// Nil means the store itself.
	Remover core.FileRemover
	Clock   core.Clock
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

// Compactor merges the live rows of input rowsets into a fresh output rowset.
// Rows masked by an input's delete bitmap are dropped for good; everything
// else is copied in version order, so the output preserves ingestion order
// across the merged range.
type Compactor struct {
	store          *Store
	compressor     core.Compressor
	blockSize      int
	maxSegmentSize int64
	nextRowsetID   func() core.RowsetID
	remover        core.FileRemover
	clock          core.Clock
	logger         *slog.Logger
	tracer         trace.Tracer
}

// NewCompactor validates the options and returns a ready Compactor.
func NewCompactor(opts CompactorOptions) (*Compactor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("segment: compactor requires a store")
	}
	if opts.Compressor == nil {
		return nil, fmt.Errorf("segment: compactor requires a compressor")
	}
	if opts.NextRowsetID == nil {
		return nil, fmt.Errorf("segment: compactor requires a rowset id allocator")
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if opts.Remover == nil {
		opts.Remover = opts.Store
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Compactor{
		store:          opts.Store,
		compressor:     opts.Compressor,
		blockSize:      opts.BlockSize,
		maxSegmentSize: opts.MaxSegmentSize,
		nextRowsetID:   opts.NextRowsetID,
		remover:        opts.Remover,
		clock:          opts.Clock,
		logger:         opts.Logger.With("component", "compactor"),
		tracer:         opts.Tracer,
	}, nil
}

// mergeState tracks the output side of one merge.
type mergeState struct {
	writer   *Writer
	paths    []string
	dataSize int64
	numRows  int64
}

// Merge copies the live rows of inputs into a new rowset covering outVersion.
// Inputs must be ordered by version and together cover exactly outVersion.
// On error no output files are left behind; the inputs are never touched.
func (c *Compactor) Merge(ctx context.Context, tabletID core.TabletID, inputs []*rowset.Rowset, outVersion core.Version) (*rowset.Rowset, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("segment: merge requires at least one input rowset")
	}
	first := inputs[0].Version()
	last := inputs[len(inputs)-1].Version()
	if first.First != outVersion.First || last.Last != outVersion.Last {
		return nil, fmt.Errorf("segment: inputs cover %s..%s, want output version %s",
			first, last, outVersion)
	}

	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, "Compactor.Merge")
		defer span.End()
		span.SetAttributes(
			attribute.Int64("tablet.id", int64(tabletID)),
			attribute.Int("compaction.input_rowsets", len(inputs)),
			attribute.String("compaction.output_version", outVersion.String()),
		)
	}

	start := c.clock.Now()
	outID := c.nextRowsetID()
	outLevel := 0
	for _, in := range inputs {
		if lvl := in.CompactionLevel(); lvl > outLevel {
			outLevel = lvl
		}
	}
	outLevel++

	st := &mergeState{}
	fail := func(err error) (*rowset.Rowset, error) {
		if st.writer != nil {
			st.writer.Abort()
		}
		for _, path := range st.paths {
			if rmErr := c.store.Remove(path); rmErr != nil {
				c.logger.Warn("failed to remove partial merge output", "path", path, "error", rmErr)
			}
		}
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}

	for _, in := range inputs {
		if err := c.copyLiveRows(ctx, tabletID, outID, in, st); err != nil {
			return fail(err)
		}
	}
	if st.writer != nil {
		size, err := st.writer.Finish()
		if err != nil {
			st.writer = nil
			return fail(fmt.Errorf("segment: failed to finish merge output: %w", err))
		}
		st.paths = append(st.paths, st.writer.Path())
		st.dataSize += size
		st.writer = nil
	}

	meta := rowset.RowsetMeta{
		ID:              outID,
		TabletID:        tabletID,
		Version:         outVersion,
		NumRows:         st.numRows,
		NumSegments:     len(st.paths),
		DataSize:        st.dataSize,
		CreationTime:    c.clock.Now().Unix(),
		CompactionLevel: outLevel,
	}
	out := rowset.NewRowset(meta, st.paths, c.remover, c.logger)

	if span != nil {
		span.SetAttributes(
			attribute.Int64("compaction.output_rows", st.numRows),
			attribute.Int64("compaction.output_bytes", st.dataSize),
			attribute.Int("compaction.output_segments", len(st.paths)),
		)
	}
	c.logger.Debug("merged rowsets",
		"tablet_id", tabletID,
		"output_version", outVersion.String(),
		"inputs", len(inputs),
		"rows", st.numRows,
		"segments", len(st.paths),
		"duration", c.clock.Now().Sub(start).String())
	return out, nil
}

// copyLiveRows appends every unmasked row of one input rowset to the merge
// output, rolling the output segment when it grows past the size cap.
func (c *Compactor) copyLiveRows(ctx context.Context, tabletID core.TabletID, outID core.RowsetID, in *rowset.Rowset, st *mergeState) error {
	if in.Empty() {
		return nil
	}
	deletes := in.DeleteBitmap()
	var segBase uint64

	for _, path := range in.SegmentPaths() {
		reader, err := OpenReader(path)
		if err != nil {
			return fmt.Errorf("segment: failed to open merge input %s: %w", path, err)
		}

		it := reader.NewIterator()
		var sinceCheck int
		for it.Next() {
			sinceCheck++
			if sinceCheck >= checkCancelEvery {
				sinceCheck = 0
				if err := ctx.Err(); err != nil {
					reader.Close()
					return err
				}
			}
			if deletes.Contains(segBase + it.Ordinal()) {
				continue
			}
			if st.writer == nil {
				w, err := c.store.NewWriter(tabletID, outID, len(st.paths), c.compressor, c.blockSize)
				if err != nil {
					reader.Close()
					return err
				}
				st.writer = w
			}
			if err := st.writer.Append(it.Row()); err != nil {
				reader.Close()
				return err
			}
			st.numRows++
			if st.writer.CurrentSize() >= c.maxSegmentSize {
				size, err := st.writer.Finish()
				if err != nil {
					st.writer = nil
					reader.Close()
					return err
				}
				st.paths = append(st.paths, st.writer.Path())
				st.dataSize += size
				st.writer = nil
			}
		}
		err = it.Error()
		segBase += reader.NumRows()
		if closeErr := reader.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Errorf("segment: failed to read merge input %s: %w", path, err)
		}
	}
	return nil
}
