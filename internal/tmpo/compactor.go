package tmpo

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

var (
	metricGroupsMerged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tmpo",
		Name:      "compaction_groups_merged_total",
		Help:      "Total number of sibling groups merged by the compactor.",
	})
	metricCompactionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tmpo",
		Name:      "compaction_group_duration_seconds",
		Help:      "Time taken to stream-merge one compaction group.",
		Buckets:   prometheus.ExponentialBuckets(.01, 2, 10),
	})
)

// combo is one (sid, rid, lvl) traversal point for the Compactor.
type combo struct {
	sid string
	rid int
	lvl int
}

// Compactor is the cooperative generator that merges sibling blocks into
// the next coarser level without blocking the tick loop. Each call to
// Resume performs at most one full sibling-group merge,
// then enters a paced state until the pacing deadline elapses. The Tick
// Loop drives one Resume per tick and discards the Compactor once
// Resume reports the traversal exhausted.
type Compactor struct {
	store   *BlockStore
	flusher *Flusher
	logger  log.Logger

	combos []combo
	idx    int

	pacing  bool
	costart uint32
	costop  uint32

	groupsMerged atomic.Int64
}

// NewCompactor builds a fresh generator, snapshotting the current
// (sid, rid, lvl) traversal space from the store. Bids within each combo
// are re-listed live on every visit, so merges performed earlier in this
// same traversal are reflected immediately.
func NewCompactor(store *BlockStore, flusher *Flusher, logger log.Logger) (*Compactor, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	combos, err := buildCombos(store)
	if err != nil {
		return nil, err
	}

	return &Compactor{store: store, flusher: flusher, logger: logger, combos: combos}, nil
}

func buildCombos(store *BlockStore) ([]combo, error) {
	sids, err := store.Sensors()
	if err != nil {
		return nil, err
	}

	var combos []combo
	for _, sid := range sids {
		rids, err := store.Rids(sid)
		if err != nil {
			return nil, err
		}
		for _, rid := range rids {
			for _, lvl := range compactionLevels {
				combos = append(combos, combo{sid: sid, rid: rid, lvl: lvl})
			}
		}
	}
	return combos, nil
}

// GroupsMerged returns the running count of groups merged by this
// generator.
func (c *Compactor) GroupsMerged() int64 {
	return c.groupsMerged.Load()
}

// Resume advances the generator by at most one merge. It returns
// exhausted=true once every (sid, rid, lvl) combination in the snapshot
// has no more eligible groups; the caller should then discard this
// Compactor.
func (c *Compactor) Resume(now uint32) (exhausted bool, err error) {
	if now < TimestampMin {
		return false, nil
	}

	if c.pacing {
		c.flusher.SetClose8(closeAdvanceDuringPacing(now))

		deadline := c.costop + 1 + (c.costop-c.costart)/2
		if now < deadline {
			return false, nil
		}
		c.costart = now
		c.pacing = false
	}

	for c.idx < len(c.combos) {
		cur := c.combos[c.idx]

		group, ok, gerr := c.nextEligibleGroup(cur.sid, cur.rid, cur.lvl, now)
		if gerr != nil {
			return false, gerr
		}
		if !ok {
			c.idx++
			continue
		}

		start := time.Now()
		merr := c.mergeGroup(cur.sid, cur.rid, cur.lvl, group)
		metricCompactionDuration.Observe(time.Since(start).Seconds())
		if merr != nil {
			level.Error(c.logger).Log("msg", "compaction group failed", "sid", cur.sid, "rid", cur.rid, "lvl", cur.lvl, "err", merr)
			return false, merr
		}

		c.groupsMerged.Inc()
		metricGroupsMerged.Inc()
		if c.costart == 0 {
			// First group this generator has ever merged: there is no
			// prior pacing cycle to measure, so seed costart at costop
			// rather than leaving it at its zero value, which would
			// otherwise blow the pacing deadline decades into the future.
			c.costart = now
		}
		c.costop = now
		c.pacing = true
		return false, nil
	}

	return true, nil
}

// closeAdvanceDuringPacing computes the flush close boundary to keep
// advancing while the compactor is paced:
// close8 = ceil(now/256 + 0.5) * 256.
func closeAdvanceDuringPacing(now uint32) uint32 {
	return uint32(math.Ceil(float64(now)/256.0+0.5)) * 256
}

// nextEligibleGroup selects the next compaction group at (sid, rid, lvl):
// the earliest local bid whose enclosing (lvl+4) window has already
// closed, plus every subsequent bid sharing that window.
func (c *Compactor) nextEligibleGroup(sid string, rid, lvl int, now uint32) ([]uint32, bool, error) {
	bids, err := c.store.List(sid, rid, lvl)
	if err != nil {
		return nil, false, err
	}
	if len(bids) == 0 {
		return nil, false, nil
	}

	first := bids[0]
	if compactionID(first, lvl) >= compactionID(now, lvl) {
		return nil, false, nil
	}

	group := []uint32{first}
	for _, bid := range bids[1:] {
		if sameCompactionGroup(first, bid, lvl) {
			group = append(group, bid)
		} else {
			break
		}
	}

	return group, true, nil
}

// mergeGroup merges one sibling group into its coarser block: the
// refuse-to-overwrite idempotence check, the streaming merge itself, and
// finalization (unlink inputs, publish the coarse block).
func (c *Compactor) mergeGroup(sid string, rid, lvl int, bids []uint32) error {
	cid := compactionID(bids[0], lvl)
	coarseLvl := lvl + 4

	if c.store.Exists(sid, rid, coarseLvl, cid) {
		for _, bid := range bids {
			c.store.Unlink(sid, rid, lvl, bid)
		}
		return nil
	}

	streams := make([]*BlockStream, 0, len(bids))
	defer func() {
		for _, s := range streams {
			s.Close()
		}
	}()

	for _, bid := range bids {
		s, err := c.store.OpenBlockStream(sid, rid, lvl, bid)
		if err != nil {
			return fmt.Errorf("tmpo: open input %d for compaction: %w", bid, err)
		}
		streams = append(streams, s)
	}

	sink, err := c.store.OpenBlockSink(sid, rid, coarseLvl, cid)
	if err != nil {
		return fmt.Errorf("tmpo: open sink for coarse block %d: %w", cid, err)
	}

	if err := writeMergedBlock(sink, streams); err != nil {
		sink.Close()
		return fmt.Errorf("tmpo: write coarse block %d: %w", cid, err)
	}

	if err := sink.Close(); err != nil {
		return fmt.Errorf("tmpo: close coarse block %d: %w", cid, err)
	}

	for _, bid := range bids {
		c.store.Unlink(sid, rid, lvl, bid)
	}

	if err := c.store.Publish(sid, rid, coarseLvl, cid); err != nil {
		level.Error(c.logger).Log("msg", "failed to publish coarse block", "sid", sid, "rid", rid, "lvl", coarseLvl, "bid", cid, "err", err)
	}

	return nil
}

// writeMergedBlock writes the merged
// header (last input's header with the first input's head), then
// stitches each input's verbatim t/v delta stream together with a
// seam delta bridging consecutive inputs' tail/head.
func writeMergedBlock(sink io.Writer, streams []*BlockStream) error {
	last := streams[len(streams)-1].Header
	merged := last
	merged.Head = streams[0].Header.Head

	hb, err := json.Marshal(merged)
	if err != nil {
		return err
	}

	if _, err := sink.Write(headerPrefix); err != nil {
		return err
	}
	if _, err := sink.Write(hb); err != nil {
		return err
	}
	if _, err := sink.Write(headerSentinel); err != nil {
		return err
	}

	for i, st := range streams {
		if i > 0 {
			dt := streams[i].Header.Head[0] - streams[i-1].Header.Tail[0]
			if err := writeStitchDelta(sink, dt, false); err != nil {
				return err
			}
		}
		if err := st.CopyTDeltas(sink); err != nil {
			return err
		}
	}

	if _, err := sink.Write(tToVSentinel); err != nil {
		return err
	}

	for i, st := range streams {
		if i > 0 {
			dv := deltaValue(streams[i-1].Header.Tail[1], streams[i].Header.Head[1])
			if err := writeStitchDelta(sink, dv, true); err != nil {
				return err
			}
		}
		if err := st.CopyVDeltas(sink); err != nil {
			return err
		}
	}

	_, err = sink.Write(blockEndSentinel)
	return err
}

func writeStitchDelta(w io.Writer, v float64, fractional bool) error {
	if _, err := w.Write([]byte{','}); err != nil {
		return err
	}
	_, err := w.Write(formatNumber(v, fractional))
	return err
}

// formatNumber renders a delta as the shortest JSON number
// representation: an exact integer for time deltas, or a value already
// rounded to three decimals for value deltas.
func formatNumber(x float64, fractional bool) []byte {
	if !fractional || x == math.Trunc(x) {
		return []byte(strconv.FormatFloat(x, 'f', 0, 64))
	}
	s := strconv.FormatFloat(x, 'f', 3, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	return []byte(s)
}
