package tmpo

import "fmt"

// SensorConfig is the slice of sensor registry state a block snapshots at
// creation time: reset id, unit, and data type. It is immutable once
// captured in a block's header at creation time.
type SensorConfig struct {
	RID      int    `json:"rid"`
	Unit     string `json:"unit"`
	DataType string `json:"data_type"`
}

// Header is the "h" object of a block: format version, the absolute
// (time, value) pair at both window boundaries, and the sensor config
// snapshot in effect when the block was created.
type Header struct {
	VSN  int          `json:"vsn"`
	Head [2]float64   `json:"head"`
	Tail [2]float64   `json:"tail"`
	Cfg  SensorConfig `json:"cfg"`
}

// Block is the full on-disk (gzip-compressed) JSON document: a header plus
// delta-encoded time and value arrays. T[0] and V[0] are always the
// literal 0; every subsequent element is a delta from the previous sample.
type Block struct {
	H Header    `json:"h"`
	T []float64 `json:"t"`
	V []float64 `json:"v"`
}

// NewBlock creates a fresh single-sample block: head == tail == (t, v),
// with the leading-zero delta arrays the block format requires.
func NewBlock(t uint32, v float64, cfg SensorConfig) *Block {
	return &Block{
		H: Header{
			VSN:  1,
			Head: [2]float64{float64(t), v},
			Tail: [2]float64{float64(t), v},
			Cfg:  cfg,
		},
		T: []float64{0},
		V: []float64{0},
	}
}

// TailTime returns the block's current tail timestamp.
func (b *Block) TailTime() uint32 {
	return uint32(b.H.Tail[0])
}

// TailValue returns the block's current tail value.
func (b *Block) TailValue() float64 {
	return b.H.Tail[1]
}

// HeadTime returns the block's head timestamp.
func (b *Block) HeadTime() uint32 {
	return uint32(b.H.Head[0])
}

// Push appends a sample to the block if t is strictly greater than the
// current tail timestamp. Returns false (sample dropped) if t <= tail[0],
// since timestamps within a block are strictly increasing.
func (b *Block) Push(t uint32, v float64) bool {
	if t <= b.TailTime() {
		return false
	}

	dt := float64(t) - b.H.Tail[0]
	dv := deltaValue(b.H.Tail[1], v)

	b.T = append(b.T, dt)
	b.V = append(b.V, dv)

	b.H.Tail[0] = float64(t)
	b.H.Tail[1] = v

	return true
}

// Len returns the number of samples (including the head sample) in the
// block.
func (b *Block) Len() int {
	return len(b.T)
}

// Validate checks the universal invariants expected of a
// persisted block: matching delta-array lengths and that summed deltas
// reconstruct head->tail within the rounding tolerance.
func (b *Block) Validate() error {
	if len(b.T) != len(b.V) {
		return fmt.Errorf("tmpo: block %d: len(t)=%d != len(v)=%d", b.HeadTime(), len(b.T), len(b.V))
	}

	var sumT, sumV float64
	for _, dt := range b.T {
		sumT += dt
	}
	for _, dv := range b.V {
		sumV += dv
	}

	wantT := b.H.Tail[0] - b.H.Head[0]
	if sumT != wantT {
		return fmt.Errorf("tmpo: block %d: sum(t)=%v != tail-head=%v", b.HeadTime(), sumT, wantT)
	}

	wantV := b.H.Tail[1] - b.H.Head[1]
	if diff := sumV - wantV; diff > roundStep || diff < -roundStep {
		return fmt.Errorf("tmpo: block %d: sum(v)=%v != tail-head=%v (tolerance %v)", b.HeadTime(), sumV, wantV, roundStep)
	}

	return nil
}
