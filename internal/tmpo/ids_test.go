package tmpo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpanAndAlignment(t *testing.T) {
	assert.Equal(t, uint32(256), span(Level8))
	assert.Equal(t, uint32(1<<20), span(Level20))

	assert.Equal(t, uint32(1700000000)&^uint32(255), alignDown(1700000001, Level8))
	assert.Equal(t, alignDown(1700000000, Level8)+256, alignUpLevel8(1700000001))
	assert.Equal(t, alignDown(1700000000, Level8), alignUpLevel8(1700000000))
}

func TestSameCompactionGroup(t *testing.T) {
	first := alignDown(1700000000, Level12)
	assert.True(t, sameCompactionGroup(first, first, Level8))
	assert.True(t, sameCompactionGroup(first, first+15*span(Level8), Level8))
	assert.False(t, sameCompactionGroup(first, first+16*span(Level8), Level8))
}

func TestRoundDelta(t *testing.T) {
	assert.InDelta(t, 0.001, roundDelta(0.0005), 1e-9)
	assert.InDelta(t, 0.001, roundDelta(0.0014999), 1e-9)
	assert.InDelta(t, 1.234, roundDelta(1.2339999), 1e-9)
}

func TestDeltaValueIntegral(t *testing.T) {
	assert.Equal(t, 3.0, deltaValue(2, 5))
	assert.InDelta(t, 0.5, deltaValue(1.2, 1.7), 1e-9)
}
