package tmpo

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// gcFillThreshold is the fraction of filesystem capacity in use above
// which the GC evicts the oldest level-20 block.
const gcFillThreshold = 0.75

var metricBlocksEvicted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tmpo",
	Name:      "gc_blocks_evicted_total",
	Help:      "Total number of level-20 blocks evicted by the garbage collector.",
})

// GC evicts the oldest level-20 block across the entire device when the
// used fraction of the filesystem reaches gcFillThreshold. Retention is a
// strict oldest-first policy across every sensor and rid, not a
// per-sensor quota.
type GC struct {
	store  *BlockStore
	logger log.Logger
}

// NewGC constructs a GC operating on store.
func NewGC(store *BlockStore, logger log.Logger) *GC {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &GC{store: store, logger: logger}
}

// Tick runs one GC pass.
func (g *GC) Tick() error {
	free, err := g.store.FreeBlocks()
	if err != nil {
		return err
	}
	total, err := g.store.TotalBlocks()
	if err != nil {
		return err
	}
	if total == 0 {
		return nil
	}

	fill := 1 - float64(free)/float64(total)
	if fill < gcFillThreshold {
		return nil
	}

	oldest, found, err := g.oldestLevel20(g.store)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	sids, err := g.store.Sensors()
	if err != nil {
		return err
	}
	for _, sid := range sids {
		rids, err := g.store.Rids(sid)
		if err != nil {
			return err
		}
		for _, rid := range rids {
			if g.store.Exists(sid, rid, Level20, oldest) {
				g.store.Unlink(sid, rid, Level20, oldest)
				metricBlocksEvicted.Inc()
				level.Info(g.logger).Log("msg", "gc evicted level-20 block", "sid", sid, "rid", rid, "bid", oldest)
			}
		}
	}

	return nil
}

// oldestLevel20 finds the minimum bid among every level-20 block across
// every sensor and rid.
func (g *GC) oldestLevel20(store *BlockStore) (uint32, bool, error) {
	sids, err := store.Sensors()
	if err != nil {
		return 0, false, err
	}

	var oldest uint32
	found := false

	for _, sid := range sids {
		rids, err := store.Rids(sid)
		if err != nil {
			return 0, false, err
		}
		for _, rid := range rids {
			bids, err := store.List(sid, rid, Level20)
			if err != nil {
				return 0, false, err
			}
			if len(bids) == 0 {
				continue
			}
			if !found || bids[0] < oldest {
				oldest = bids[0]
				found = true
			}
		}
	}

	return oldest, found, nil
}
