package tmpo

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// flushGraceSeconds is the fixed grace window added to
// close8 before a block becomes eligible for flush, absorbing
// late-arriving samples.
const flushGraceSeconds = 64

var metricBlocksFlushed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tmpo",
	Name:      "blocks_flushed_total",
	Help:      "Total number of level-8 blocks flushed from the ingest buffer to the block store.",
})

// Flusher closes level-8 blocks on a clock-driven schedule, writing them
// through the Block Store and publishing them.
type Flusher struct {
	store  *BlockStore
	buffer *IngestBuffer
	logger log.Logger

	close8    uint32
	haveClose bool
}

// NewFlusher constructs a Flusher writing through store and draining
// buffer.
func NewFlusher(store *BlockStore, buffer *IngestBuffer, logger log.Logger) *Flusher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Flusher{store: store, buffer: buffer, logger: logger}
}

// Flush8 runs one flush pass. now is the wall-clock reading driving the
// operation; if force is true, the comparison clock is advanced by one
// span plus the grace window so the grace deadline is treated as passed.
// Force does not move the close boundary itself: only buffered blocks
// whose bid is below close8 are written, and a block whose bid is at or
// past close8 stays buffered. Returns false while the grace deadline has
// not passed, and true once a flush pass has run, whether or not any
// block was written.
func (f *Flusher) Flush8(now uint32, force bool) bool {
	if now < TimestampMin {
		return false
	}

	cmp := now
	if force {
		cmp = now + 256 + flushGraceSeconds
	}

	if !f.haveClose {
		f.close8 = alignUpLevel8(now)
		f.haveClose = true
	}

	if cmp < f.close8+flushGraceSeconds {
		return false
	}

	for key, block := range f.buffer.BlocksBelow(f.close8) {
		if err := f.store.WriteBlock(key.sid, key.rid, Level8, key.bid, block); err != nil {
			level.Error(f.logger).Log("msg", "failed to write level-8 block", "sid", key.sid, "rid", key.rid, "bid", key.bid, "err", err)
			continue
		}
		metricBlocksFlushed.Inc()

		if err := f.store.Publish(key.sid, key.rid, Level8, key.bid); err != nil {
			level.Error(f.logger).Log("msg", "failed to publish level-8 block", "sid", key.sid, "rid", key.rid, "bid", key.bid, "err", err)
		}
	}

	f.close8 = alignUpLevel8(now)
	return true
}

// Close8 returns the current close boundary, exposed so the Compactor's
// pacing phase can keep it advanced while paced.
func (f *Flusher) Close8() uint32 {
	return f.close8
}

// SetClose8 lets the Compactor's pacing phase push the close boundary
// forward so the Flusher never races compaction for the current
// level-8 window.
func (f *Flusher) SetClose8(v uint32) {
	if v > f.close8 {
		f.close8 = v
	}
}
