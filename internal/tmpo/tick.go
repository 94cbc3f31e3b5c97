package tmpo

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// TickLoop is the single-threaded dispatcher bound to the 1 Hz MQTT
// broker heartbeat. It is not itself concurrent: Tick
// is meant to be called from one goroutine (the MQTT heartbeat
// subscription handler), in order, once per message. Push8 and Sync1 may
// be called concurrently from other subscription handlers; the
// components they delegate to (IngestBuffer, SyncEngine) guard their own
// state for that reason.
type TickLoop struct {
	store      *BlockStore
	ingest     *IngestBuffer
	flusher    *Flusher
	gc         *GC
	sync       *SyncEngine
	logger     log.Logger
	compactor  *Compactor
	tickCount  atomic.Int64
}

// NewTickLoop wires the core components together.
func NewTickLoop(store *BlockStore, ingest *IngestBuffer, flusher *Flusher, gc *GC, sync *SyncEngine, logger log.Logger) *TickLoop {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &TickLoop{store: store, ingest: ingest, flusher: flusher, gc: gc, sync: sync, logger: logger}
}

// TickCount returns the number of ticks processed so far.
func (t *TickLoop) TickCount() int64 {
	return t.tickCount.Load()
}

// Tick runs exactly one iteration of the fixed sync -> gc -> flush ->
// compact-step sequence, driven by now (the
// current wall clock, as observed at tick time).
func (t *TickLoop) Tick(now uint32) error {
	t.tickCount.Inc()

	if err := t.sync.Sync2(); err != nil {
		level.Error(t.logger).Log("msg", "sync2 failed", "err", err)
	}

	if err := t.gc.Tick(); err != nil {
		level.Error(t.logger).Log("msg", "gc tick failed", "err", err)
	}

	advanced := t.flusher.Flush8(now, false)

	if advanced && t.compactor == nil {
		c, err := NewCompactor(t.store, t.flusher, t.logger)
		if err != nil {
			level.Error(t.logger).Log("msg", "failed to start compactor generator", "err", err)
		} else {
			t.compactor = c
		}
	}

	if t.compactor != nil {
		exhausted, err := t.compactor.Resume(now)
		if err != nil {
			level.Error(t.logger).Log("msg", "compaction step failed", "err", err)
		}
		if exhausted {
			t.compactor = nil
		}
	}

	return nil
}

// HandleUplink feeds one decoded sensor reading into the Ingest Buffer.
// Called from the MQTT "tmpo/devices/+/up" subscription handler.
func (t *TickLoop) HandleUplink(sid string, ts uint32, v float64, unit string) {
	t.ingest.Push8(sid, ts, v, unit)
}

// HandleSyncRequest hands an inbound watermark list to the Sync Engine.
// Called from the MQTT "/d/device/<id>/tmpo/sync" subscription handler.
func (t *TickLoop) HandleSyncRequest(list []Watermark) {
	t.sync.Sync1(list)
}
