package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeviceSyncTopic(t *testing.T) {
	assert.Equal(t, "/d/device/abc123/tmpo/sync", DeviceSyncTopic("abc123"))
}

func TestBlockTopic(t *testing.T) {
	assert.Equal(t, "/sensor/ef01/tmpo/0/8/1700000000/gz", BlockTopic("ef01", 0, 8, 1700000000))
}

func TestParseUplinkDeviceSerial(t *testing.T) {
	serial, ok := ParseUplinkDeviceSerial("tmpo/devices/abc123/up")
	assert.True(t, ok)
	assert.Equal(t, "abc123", serial)

	_, ok = ParseUplinkDeviceSerial("tmpo/devices/abc123/down")
	assert.False(t, ok)
}

func TestParseBlockTopicRoundTrip(t *testing.T) {
	topic := BlockTopic("ef01", 3, 12, 1700004096)
	sid, rid, lvl, bid, ok := ParseBlockTopic(topic)
	assert.True(t, ok)
	assert.Equal(t, "ef01", sid)
	assert.Equal(t, 3, rid)
	assert.Equal(t, 12, lvl)
	assert.Equal(t, uint32(1700004096), bid)
}
