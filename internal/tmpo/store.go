package tmpo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sys/unix"
)

// ErrBlockExists is returned by WriteBlock when the target path already
// exists. The Block Store never overwrites; callers are
// expected to unlink the source group instead.
var ErrBlockExists = errors.New("tmpo: block already exists")

// Publisher hands a fully-formed block's gzip bytes off to the MQTT
// transport. The Block Store never imports an MQTT client directly; see
// internal/transport/mqtt.Client for the concrete implementation.
type Publisher interface {
	Publish(topic string, qos byte, retain bool, payload []byte) error
}

var (
	metricBlocksWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tmpo",
		Name:      "blocks_written_total",
		Help:      "Total number of blocks written to the block store, by level.",
	}, []string{"level"})
	metricScrubUnlinked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tmpo",
		Name:      "startup_scrub_unlinked_total",
		Help:      "Total number of files removed by the startup scrub.",
	})
	metricPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tmpo",
		Name:      "publish_errors_total",
		Help:      "Total number of MQTT publish errors encountered while publishing a block.",
	})
)

// BlockStore owns the on-disk pyramid of gzip-compressed block files
// rooted at Root, laid out <root>/sensor/<sid>/<rid>/<lvl>/<bid> per
// on disk.
type BlockStore struct {
	Root string

	pub    Publisher
	logger log.Logger
}

// NewBlockStore constructs a Block Store rooted at root, publishing
// through pub and logging through logger.
func NewBlockStore(root string, pub Publisher, logger log.Logger) *BlockStore {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &BlockStore{Root: root, pub: pub, logger: logger}
}

// Path returns the on-disk path for the given block coordinates.
func (s *BlockStore) Path(sid string, rid, lvl int, bid uint32) string {
	return filepath.Join(s.Root, "sensor", sid, strconv.Itoa(rid), strconv.Itoa(lvl), strconv.FormatUint(uint64(bid), 10))
}

func (s *BlockStore) dirPath(sid string, rid, lvl int) string {
	return filepath.Join(s.Root, "sensor", sid, strconv.Itoa(rid), strconv.Itoa(lvl))
}

// WriteBlock gzip-compresses (deflate level 9) and writes block's JSON
// encoding to its canonical path, creating parent directories as needed.
// It refuses to overwrite an existing file (ErrBlockExists); any I/O
// error leaves a partial file on disk for the next startup scrub to
// catch.
func (s *BlockStore) WriteBlock(sid string, rid, lvl int, bid uint32, block *Block) error {
	path := s.Path(sid, rid, lvl, bid)
	if fileExists(path) {
		return ErrBlockExists
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("tmpo: mkdir for %s: %w", path, err)
	}

	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("tmpo: marshal block %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return ErrBlockExists
		}
		return fmt.Errorf("tmpo: create %s: %w", path, err)
	}

	gz, err := gzip.NewWriterLevel(f, gzip.BestCompression)
	if err != nil {
		f.Close()
		return fmt.Errorf("tmpo: gzip writer for %s: %w", path, err)
	}

	if _, err := gz.Write(data); err != nil {
		gz.Close()
		f.Close()
		return fmt.Errorf("tmpo: gzip write %s: %w", path, err)
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return fmt.Errorf("tmpo: gzip close %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("tmpo: fsync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("tmpo: close %s: %w", path, err)
	}

	metricBlocksWritten.WithLabelValues(strconv.Itoa(lvl)).Inc()
	return nil
}

// OpenGzipReader opens a gzip reader over the raw block bytes at the
// given coordinates, for the Compactor's streaming parser.
func (s *BlockStore) OpenGzipReader(sid string, rid, lvl int, bid uint32) (io.ReadCloser, error) {
	path := s.Path(sid, rid, lvl, bid)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &gzipReadCloser{gz: gz, f: f}, nil
}

type gzipReadCloser struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }
func (g *gzipReadCloser) Close() error {
	err := g.gz.Close()
	if cerr := g.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// OpenBlockSink creates a fresh gzip sink (deflate level 9) at the given
// coordinates for the Compactor's streaming merge output. It refuses to
// overwrite an existing file, mirroring WriteBlock.
func (s *BlockStore) OpenBlockSink(sid string, rid, lvl int, bid uint32) (io.WriteCloser, error) {
	path := s.Path(sid, rid, lvl, bid)
	if fileExists(path) {
		return nil, ErrBlockExists
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("tmpo: mkdir for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrBlockExists
		}
		return nil, fmt.Errorf("tmpo: create %s: %w", path, err)
	}

	gz, err := gzip.NewWriterLevel(f, gzip.BestCompression)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tmpo: gzip writer for %s: %w", path, err)
	}

	return &gzipWriteCloser{gz: gz, f: f, level: lvl}, nil
}

type gzipWriteCloser struct {
	gz    *gzip.Writer
	f     *os.File
	level int
}

func (g *gzipWriteCloser) Write(p []byte) (int, error) { return g.gz.Write(p) }
func (g *gzipWriteCloser) Close() error {
	if err := g.gz.Close(); err != nil {
		g.f.Close()
		return err
	}
	if err := g.f.Sync(); err != nil {
		g.f.Close()
		return err
	}
	if err := g.f.Close(); err != nil {
		return err
	}
	metricBlocksWritten.WithLabelValues(strconv.Itoa(g.level)).Inc()
	return nil
}

// Exists reports whether a block file is present at the given
// coordinates.
func (s *BlockStore) Exists(sid string, rid, lvl int, bid uint32) bool {
	return fileExists(s.Path(sid, rid, lvl, bid))
}

// Unlink removes the block file at the given coordinates. Failures are
// logged and swallowed rather than propagated.
func (s *BlockStore) Unlink(sid string, rid, lvl int, bid uint32) {
	path := s.Path(sid, rid, lvl, bid)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		level.Warn(s.logger).Log("msg", "failed to unlink block", "path", path, "err", err)
	}
}

// Publish reads the whole gzip file at the given coordinates and hands it
// to the MQTT transport on the canonical sensor topic.
func (s *BlockStore) Publish(sid string, rid, lvl int, bid uint32) error {
	if s.pub == nil {
		return nil
	}

	path := s.Path(sid, rid, lvl, bid)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("tmpo: read %s for publish: %w", path, err)
	}

	topic := fmt.Sprintf("/sensor/%s/tmpo/%d/%d/%d/gz", sid, rid, lvl, bid)
	if err := s.pub.Publish(topic, 0, false, data); err != nil {
		metricPublishErrors.Inc()
		return fmt.Errorf("tmpo: publish %s: %w", topic, err)
	}
	return nil
}

// List returns the sorted bids present at (sid, rid, lvl). Directory
// entries that don't parse as unsigned integers are skipped.
func (s *BlockStore) List(sid string, rid, lvl int) ([]uint32, error) {
	entries, err := os.ReadDir(s.dirPath(sid, rid, lvl))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	bids := make([]uint32, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		bids = append(bids, uint32(n))
	}

	sort.Slice(bids, func(i, j int) bool { return bids[i] < bids[j] })
	return bids, nil
}

// Sensors lists every sensor id with at least one block on disk.
func (s *BlockStore) Sensors() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.Root, "sensor"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	sids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			sids = append(sids, e.Name())
		}
	}
	sort.Strings(sids)
	return sids, nil
}

// Rids lists every reset id directory under a sensor, sorted ascending.
func (s *BlockStore) Rids(sid string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(s.Root, "sensor", sid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	rids := make([]int, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		rids = append(rids, n)
	}
	sort.Ints(rids)
	return rids, nil
}

// FreeBlocks returns the free space of the filesystem backing Root, in
// 4 KiB units.
func (s *BlockStore) FreeBlocks() (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(s.Root, &st); err != nil {
		return 0, err
	}
	return bytesToBlocks(st.Bavail * uint64(st.Bsize)), nil
}

// TotalBlocks returns the total size of the filesystem backing Root, in
// 4 KiB units.
func (s *BlockStore) TotalBlocks() (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(s.Root, &st); err != nil {
		return 0, err
	}
	return bytesToBlocks(st.Blocks * uint64(st.Bsize)), nil
}

func bytesToBlocks(b uint64) uint64 {
	const blockSize = 4096
	return b / blockSize
}

// StartupScrub runs a two-pass recovery scan:
// first a corruption check of the newest block at each level, then a
// compact-check that removes fine blocks whose coarse compaction output
// already exists (survivors of a crash mid-compaction).
func (s *BlockStore) StartupScrub() error {
	if err := s.scrubCorruption(); err != nil {
		return err
	}
	return s.scrubCompacted()
}

// scrubCorruption finds, for each level, the single file with the
// maximum bid across all sensors/rids, and unlinks it if gzip
// decompression fails (a torn write from the last power loss).
func (s *BlockStore) scrubCorruption() error {
	for _, lvl := range []int{Level20, Level16, Level12, Level8} {
		sid, rid, bid, found, err := s.maxBidAt(lvl)
		if err != nil {
			return err
		}
		if !found {
			continue
		}

		if err := s.verifyGzip(sid, rid, lvl, bid); err != nil {
			level.Warn(s.logger).Log("msg", "startup scrub: corrupt block", "sid", sid, "rid", rid, "lvl", lvl, "bid", bid, "err", err)
			s.Unlink(sid, rid, lvl, bid)
			metricScrubUnlinked.Inc()
		}
	}
	return nil
}

func (s *BlockStore) verifyGzip(sid string, rid, lvl int, bid uint32) error {
	r, err := s.OpenGzipReader(sid, rid, lvl, bid)
	if err != nil {
		return err
	}
	defer r.Close()

	_, err = io.Copy(io.Discard, r)
	return err
}

// maxBidAt finds the (sid, rid, bid) triple with the maximum bid at the
// given level across every sensor and rid.
func (s *BlockStore) maxBidAt(lvl int) (sid string, rid int, bid uint32, found bool, err error) {
	sids, err := s.Sensors()
	if err != nil {
		return "", 0, 0, false, err
	}

	for _, sidCandidate := range sids {
		rids, err := s.Rids(sidCandidate)
		if err != nil {
			return "", 0, 0, false, err
		}
		for _, ridCandidate := range rids {
			bids, err := s.List(sidCandidate, ridCandidate, lvl)
			if err != nil {
				return "", 0, 0, false, err
			}
			if len(bids) == 0 {
				continue
			}
			candidate := bids[len(bids)-1]
			if !found || candidate > bid {
				sid, rid, bid, found = sidCandidate, ridCandidate, candidate, true
			}
		}
	}

	return sid, rid, bid, found, nil
}

// scrubCompacted removes any fine block whose coarse compaction output
// already exists on disk, cleaning up survivors of a crash that occurred
// after the coarse block was written but before the inputs were removed.
func (s *BlockStore) scrubCompacted() error {
	sids, err := s.Sensors()
	if err != nil {
		return err
	}

	for _, sid := range sids {
		rids, err := s.Rids(sid)
		if err != nil {
			return err
		}
		for _, rid := range rids {
			for _, lvl := range compactionLevels {
				bids, err := s.List(sid, rid, lvl)
				if err != nil {
					return err
				}
				for _, bid := range bids {
					cid := compactionID(bid, lvl)
					if fileExists(s.Path(sid, rid, lvl+4, cid)) {
						s.Unlink(sid, rid, lvl, bid)
						metricScrubUnlinked.Inc()
					}
				}
			}
		}
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
