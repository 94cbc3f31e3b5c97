package tmpo

import "sync"

// blockKey identifies one in-RAM level-8 block.
type blockKey struct {
	sid string
	rid int
	bid uint32
}

// IngestBuffer is the in-memory accumulator of open level-8 blocks,
// keyed by (sid, rid, bid). It is the sole owner of this state; the
// Block Store, Compactor, and Sync Engine never touch it.
type IngestBuffer struct {
	mu       sync.Mutex
	registry Registry
	blocks   map[blockKey]*Block
}

// NewIngestBuffer constructs an empty buffer resolving sensor config
// through registry.
func NewIngestBuffer(registry Registry) *IngestBuffer {
	return &IngestBuffer{
		registry: registry,
		blocks:   make(map[blockKey]*Block),
	}
}

// Push8 accepts one (sid, t, v) sample for the level-8 buffer. Samples
// with t below TimestampMin are silently dropped (unsynced clock); a
// sample that does not advance a block's tail is silently dropped
// (monotonicity). unit overwrites the registry's snapshot of the
// sensor's unit for the first sample of a new block, since the source
// device can change a sensor's reported unit at any time.
func (ib *IngestBuffer) Push8(sid string, t uint32, v float64, unit string) {
	if t < TimestampMin {
		return
	}

	ib.mu.Lock()
	defer ib.mu.Unlock()

	bid := bid8(t)
	key := blockKey{sid: sid, rid: ib.ridFor(sid), bid: bid}

	block, ok := ib.blocks[key]
	if !ok {
		cfg, _ := ib.registry.Lookup(sid)
		cfg.Unit = unit
		block = NewBlock(t, v, cfg)
		ib.blocks[key] = block
		return
	}

	block.Push(t, v)
}

// ridFor resolves a sensor's reset id from the registry, defaulting to 0
// for sensors unknown to it.
func (ib *IngestBuffer) ridFor(sid string) int {
	if cfg, ok := ib.registry.Lookup(sid); ok {
		return cfg.RID
	}
	return 0
}

// BlocksBelow returns every buffered block whose bid is strictly less
// than closeAt, removing them from the buffer. The Flusher uses this to
// pull exactly the blocks eligible for the closing boundary it just
// passed.
func (ib *IngestBuffer) BlocksBelow(closeAt uint32) map[blockKey]*Block {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	out := make(map[blockKey]*Block)
	for k, b := range ib.blocks {
		if k.bid < closeAt {
			out[k] = b
			delete(ib.blocks, k)
		}
	}
	return out
}

// Len reports how many blocks (across all sensors/rids/bids) are
// currently buffered. Used by tests and diagnostics.
func (ib *IngestBuffer) Len() int {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return len(ib.blocks)
}
