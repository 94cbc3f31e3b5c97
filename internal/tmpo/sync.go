package tmpo

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricSyncPublishes = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tmpo",
	Name:      "sync_publishes_total",
	Help:      "Total number of blocks republished in response to a sync request.",
})

// syncLevels is the republish order used for a back-fill: coarsest
// first, so a remote subscriber gets a quick overview before fine detail
// arrives.
var syncLevels = []int{Level20, Level16, Level12, Level8}

// Watermark is one entry of a remote subscriber's last-known-block list:
// "I already have everything at (sid, rid, lvl) up to and including
// bid".
type Watermark struct {
	Sid string
	Rid int
	Lvl int
	Bid uint32
}

// tailOf returns the inclusive upper bound of the time window a block at
// (lvl, bid) covers.
func tailOf(lvl int, bid uint32) uint32 {
	return bid + span(lvl) - 1
}

// SyncEngine answers on-demand back-fill requests.
type SyncEngine struct {
	store  *BlockStore
	logger log.Logger

	mu      sync.Mutex
	pending []Watermark
}

// NewSyncEngine constructs a SyncEngine republishing through store.
func NewSyncEngine(store *BlockStore, logger log.Logger) *SyncEngine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &SyncEngine{store: store, logger: logger}
}

// Sync1 stashes an incoming watermark list, overwriting any previous
// unhandled list. This is a single-slot mailbox by design: if two sync
// requests arrive before a tick drains the slot, only the second is
// ever processed.
func (se *SyncEngine) Sync1(list []Watermark) {
	se.mu.Lock()
	defer se.mu.Unlock()
	se.pending = list
}

// Sync2 processes and clears the pending watermark list, if any,
// republishing every local block newer than each watermark in
// coarsest-first level order.
func (se *SyncEngine) Sync2() error {
	se.mu.Lock()
	list := se.pending
	se.pending = nil
	se.mu.Unlock()

	if list == nil {
		return nil
	}

	for _, wm := range list {
		if err := se.republish(wm); err != nil {
			return err
		}
	}

	return nil
}

func (se *SyncEngine) republish(wm Watermark) error {
	watermarkTail := tailOf(wm.Lvl, wm.Bid)

	rids, err := se.store.Rids(wm.Sid)
	if err != nil {
		return err
	}

	for _, rid := range rids {
		if rid < wm.Rid {
			continue
		}

		for _, lvl := range syncLevels {
			bids, err := se.store.List(wm.Sid, rid, lvl)
			if err != nil {
				return err
			}

			for _, bid := range bids {
				if tailOf(lvl, bid) <= watermarkTail {
					continue
				}
				if err := se.store.Publish(wm.Sid, rid, lvl, bid); err != nil {
					level.Error(se.logger).Log("msg", "sync publish failed", "sid", wm.Sid, "rid", rid, "lvl", lvl, "bid", bid, "err", err)
					continue
				}
				metricSyncPublishes.Inc()
			}
		}
	}

	return nil
}
