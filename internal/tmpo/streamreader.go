package tmpo

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Sentinels anchor the three segments of a block's on-disk encoding:
// header, t-deltas, v-deltas. None of them is
// ever split by this reader across a logical read: BlockStream pulls
// bytes from the underlying gzip stream one at a time through a buffered
// reader, so a sentinel landing across an underlying 4 KiB read never
// causes a miss.
var (
	headerPrefix    = []byte(`{"h":`)
	headerSentinel  = []byte(`,"t":[0`)
	tToVSentinel    = []byte(`],"v":[0`)
	blockEndSentinel = []byte(`]}`)
)

// BlockStream is a pull-based reader over one gzip-compressed block file,
// exposing the header as a parsed struct and the t/v delta arrays as
// verbatim byte streams, never materializing the full T/V arrays in
// memory. This is the parser the Compactor drives over each input of a
// compaction group.
type BlockStream struct {
	r      *bufio.Reader
	closer io.Closer

	Header Header
}

// OpenBlockStream opens and parses the header of the block at (sid, rid,
// lvl, bid), leaving the reader positioned at the start of the t-delta
// content.
func (s *BlockStore) OpenBlockStream(sid string, rid, lvl int, bid uint32) (*BlockStream, error) {
	rc, err := s.OpenGzipReader(sid, rid, lvl, bid)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReaderSize(rc, 4096)

	prefix := make([]byte, len(headerPrefix))
	if _, err := io.ReadFull(br, prefix); err != nil {
		rc.Close()
		return nil, fmt.Errorf("tmpo: read header prefix: %w", err)
	}
	if !bytes.Equal(prefix, headerPrefix) {
		rc.Close()
		return nil, fmt.Errorf("tmpo: block %s/%d/%d/%d: missing header prefix", sid, rid, lvl, bid)
	}

	var headerBuf bytes.Buffer
	if err := copyUntilSentinel(&headerBuf, br, headerSentinel); err != nil {
		rc.Close()
		return nil, fmt.Errorf("tmpo: read header: %w", err)
	}

	var h Header
	if err := json.Unmarshal(headerBuf.Bytes(), &h); err != nil {
		rc.Close()
		return nil, fmt.Errorf("tmpo: unmarshal header: %w", err)
	}

	return &BlockStream{r: br, closer: rc, Header: h}, nil
}

// CopyTDeltas streams the raw bytes of the t-array content (everything
// after the leading "[0", before the closing "]") to w, verbatim.
func (bs *BlockStream) CopyTDeltas(w io.Writer) error {
	return copyUntilSentinel(w, bs.r, tToVSentinel)
}

// CopyVDeltas streams the raw bytes of the v-array content to w,
// verbatim.
func (bs *BlockStream) CopyVDeltas(w io.Writer) error {
	return copyUntilSentinel(w, bs.r, blockEndSentinel)
}

// Close releases the underlying gzip/file resources.
func (bs *BlockStream) Close() error {
	return bs.closer.Close()
}

// copyUntilSentinel copies bytes from r to w up to (but not including) the
// first occurrence of sentinel, consuming the sentinel itself from r
// without writing it. It is a small streaming state machine: at most
// len(sentinel) bytes of lookback are ever held in memory, tolerating a
// sentinel occurrence split across any number of underlying reads.
func copyUntilSentinel(w io.Writer, r io.ByteReader, sentinel []byte) error {
	matched := 0
	pending := make([]byte, 0, len(sentinel))

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		_, err := w.Write(pending)
		pending = pending[:0]
		return err
	}

	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}

		if b == sentinel[matched] {
			pending = append(pending, b)
			matched++
			if matched == len(sentinel) {
				return nil
			}
			continue
		}

		// Mismatch: the tentative match was not the sentinel. Flush it as
		// ordinary content, then re-evaluate b against the sentinel's
		// start (it may itself begin a new match).
		if err := flush(); err != nil {
			return err
		}
		matched = 0
		if b == sentinel[0] {
			pending = append(pending, b)
			matched = 1
			if matched == len(sentinel) {
				return nil
			}
			continue
		}
		if _, err := w.Write([]byte{b}); err != nil {
			return err
		}
	}
}
