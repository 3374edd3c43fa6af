package compaction

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/cenkalti/backoff/v4"

	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/rowset"
	"github.com/INLOpen/nexuslake/segment"
)

// PeerRowsetPath is the HTTP endpoint serving compacted rowsets to replica
// peers. Query parameters: tablet_id, first, last.
const PeerRowsetPath = "/api/compaction/peer_rowset"

// DefaultPeerFetchRetries is how often a transient peer fetch error is
// retried before giving up.
const DefaultPeerFetchRetries = 3

// PeerClient fetches an already compacted rowset from a replica peer. The
// returned rowset covers a prefix of span, starting exactly at span.First,
// and its segment files are already stored locally. A peer holding no
// compacted rowset starting at span.First reports core.ErrNoSuitableVersion.
type PeerClient interface {
	FetchCompactedRowset(ctx context.Context, peer string, tabletID core.TabletID, span core.Version) (*rowset.Rowset, error)
}

// EncodePeerRowset writes a rowset to w in the peer transfer framing:
// a little-endian uint32 meta length, the rowset meta as JSON, then for
// each segment a little-endian uint64 file length followed by the raw
// segment file bytes.
func EncodePeerRowset(w io.Writer, rs *rowset.Rowset) error {
	metaBytes, err := json.Marshal(rs.Meta())
	if err != nil {
		return fmt.Errorf("failed to marshal rowset meta: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(metaBytes))); err != nil {
		return fmt.Errorf("failed to write meta length: %w", err)
	}
	if _, err := w.Write(metaBytes); err != nil {
		return fmt.Errorf("failed to write meta: %w", err)
	}
	for _, path := range rs.SegmentPaths() {
		if err := encodeSegmentFile(w, path); err != nil {
			return err
		}
	}
	return nil
}

func encodeSegmentFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat segment %s: %w", path, err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(info.Size())); err != nil {
		return fmt.Errorf("failed to write segment length: %w", err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to copy segment %s: %w", path, err)
	}
	return nil
}

// HTTPPeerClientOptions configures NewHTTPPeerClient. Store and
// NextRowsetID are required; fetched segments are written through the store
// under a freshly allocated local rowset ID.
type HTTPPeerClientOptions struct {
	Client       *http.Client
	Store        *segment.Store
	NextRowsetID func() core.RowsetID
	// Remover is handed to fetched rowsets for their eventual file deletion.
	// Nil means the store itself.
	Remover    core.FileRemover
	MaxRetries uint64
	Logger     *slog.Logger
}

// HTTPPeerClient fetches compacted rowsets over the peer HTTP endpoint,
// retrying transient failures with exponential backoff.
type HTTPPeerClient struct {
	client       *http.Client
	store        *segment.Store
	nextRowsetID func() core.RowsetID
	remover      core.FileRemover
	maxRetries   uint64
	logger       *slog.Logger
}

var _ PeerClient = (*HTTPPeerClient)(nil)

func NewHTTPPeerClient(opts HTTPPeerClientOptions) (*HTTPPeerClient, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("compaction: peer client requires a segment store")
	}
	if opts.NextRowsetID == nil {
		return nil, fmt.Errorf("compaction: peer client requires a rowset id allocator")
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Remover == nil {
		opts.Remover = opts.Store
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultPeerFetchRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HTTPPeerClient{
		client:       opts.Client,
		store:        opts.Store,
		nextRowsetID: opts.NextRowsetID,
		remover:      opts.Remover,
		maxRetries:   opts.MaxRetries,
		logger:       opts.Logger.With("component", "peer-client"),
	}, nil
}

// FetchCompactedRowset implements PeerClient. Missing coverage on the peer
// and malformed responses are permanent; network errors and peer 5xx
// responses are retried.
func (c *HTTPPeerClient) FetchCompactedRowset(ctx context.Context, peer string, tabletID core.TabletID, span core.Version) (*rowset.Rowset, error) {
	reqURL := fmt.Sprintf("%s%s?%s", peer, PeerRowsetPath, url.Values{
		"tablet_id": {fmt.Sprintf("%d", tabletID)},
		"first":     {fmt.Sprintf("%d", span.First)},
		"last":      {fmt.Sprintf("%d", span.Last)},
	}.Encode())

	var fetched *rowset.Rowset
	operation := func() error {
		rs, err := c.fetchOnce(ctx, reqURL, tabletID, span)
		if err != nil {
			return err
		}
		fetched = rs
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return fetched, nil
}

func (c *HTTPPeerClient) fetchOnce(ctx context.Context, reqURL string, tabletID core.TabletID, span core.Version) (*rowset.Rowset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build peer request: %w", err))
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("peer request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to the body
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(fmt.Errorf("peer has no compacted rowset starting at %d: %w",
			span.First, core.ErrNoSuitableVersion))
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("peer returned status %d", resp.StatusCode)
	default:
		return nil, backoff.Permanent(fmt.Errorf("peer rejected request with status %d", resp.StatusCode))
	}

	rs, err := c.decodeAndStore(resp.Body, tabletID, span)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return rs, nil
}

// decodeAndStore reads the transfer framing, writes the segments locally
// under a new rowset ID and verifies them. Partially written files are
// removed on any error.
func (c *HTTPPeerClient) decodeAndStore(r io.Reader, tabletID core.TabletID, span core.Version) (*rowset.Rowset, error) {
	var metaLen uint32
	if err := binary.Read(r, binary.LittleEndian, &metaLen); err != nil {
		return nil, fmt.Errorf("failed to read peer meta length: %w", err)
	}
	metaBytes := make([]byte, metaLen)
	if _, err := io.ReadFull(r, metaBytes); err != nil {
		return nil, fmt.Errorf("failed to read peer meta: %w", err)
	}
	var meta rowset.RowsetMeta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode peer meta: %w", err)
	}
	if meta.TabletID != tabletID {
		return nil, fmt.Errorf("peer sent rowset for tablet %d, want %d", meta.TabletID, tabletID)
	}
	if meta.Version.First != span.First || meta.Version.Last > span.Last {
		return nil, fmt.Errorf("peer rowset %s does not cover a prefix of %s", meta.Version, span)
	}

	localID := c.nextRowsetID()
	paths := make([]string, 0, meta.NumSegments)
	cleanup := func() {
		for _, p := range paths {
			if err := c.store.Remove(p); err != nil && !os.IsNotExist(err) {
				c.logger.Warn("failed to remove partial peer segment", "path", p, "error", err)
			}
		}
	}

	var totalRows int64
	for i := 0; i < meta.NumSegments; i++ {
		var segLen uint64
		if err := binary.Read(r, binary.LittleEndian, &segLen); err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to read length of peer segment %d: %w", i, err)
		}
		path, err := c.store.CreateRawSegment(tabletID, localID, i, r, int64(segLen))
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to store peer segment %d: %w", i, err)
		}
		paths = append(paths, path)
		rows, err := verifySegmentFile(path)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("peer segment %d is invalid: %w", i, err)
		}
		totalRows += int64(rows)
	}
	if totalRows != meta.NumRows {
		cleanup()
		return nil, fmt.Errorf("peer rowset has %d rows in segments, meta says %d", totalRows, meta.NumRows)
	}

	meta.ID = localID
	rs := rowset.NewRowset(meta, paths, c.remover, c.logger)
	c.logger.Info("fetched compacted rowset from peer",
		"tablet_id", uint64(tabletID),
		"rowset_id", uint64(localID),
		"version", meta.Version.String(),
		"segments", meta.NumSegments)
	return rs, nil
}

// verifySegmentFile opens the freshly written segment to check its framing
// and returns its row count.
func verifySegmentFile(path string) (uint64, error) {
	reader, err := segment.OpenReader(path)
	if err != nil {
		return 0, err
	}
	defer reader.Close()
	return reader.NumRows(), nil
}
