package mqtt

import (
	"fmt"
	"strconv"
	"strings"
)

// Topic templates for the tmpo MQTT wire protocol.
const (
	TopicHeartbeat  = "$SYS/broker/uptime"
	TopicUplinkSub  = "tmpo/devices/+/up"
	deviceSyncMid   = "/d/device/"
	deviceSyncSuf   = "/tmpo/sync"
	sensorBlockTmpl = "/sensor/%s/tmpo/%d/%d/%d/gz"
)

// DeviceSyncTopic builds the per-device sync subscription topic for
// deviceID (a 32-hex-character identifier).
func DeviceSyncTopic(deviceID string) string {
	return deviceSyncMid + deviceID + deviceSyncSuf
}

// BlockTopic builds the publish topic for a block at the given
// coordinates.
func BlockTopic(sid string, rid, lvl int, bid uint32) string {
	return fmt.Sprintf(sensorBlockTmpl, sid, rid, lvl, bid)
}

// ParseUplinkDeviceSerial extracts the device serial from a topic
// matching "tmpo/devices/<serial>/up".
func ParseUplinkDeviceSerial(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "tmpo" || parts[1] != "devices" || parts[3] != "up" {
		return "", false
	}
	return parts[2], true
}

// ParseBlockTopic parses a published block topic back into its
// coordinates, used by tests and by tooling that mirrors published
// blocks.
func ParseBlockTopic(topic string) (sid string, rid, lvl int, bid uint32, ok bool) {
	parts := strings.Split(strings.TrimPrefix(topic, "/"), "/")
	if len(parts) != 7 || parts[0] != "sensor" || parts[2] != "tmpo" || parts[6] != "gz" {
		return "", 0, 0, 0, false
	}

	sid = parts[1]

	ridN, err := strconv.Atoi(parts[3])
	if err != nil {
		return "", 0, 0, 0, false
	}
	lvlN, err := strconv.Atoi(parts[4])
	if err != nil {
		return "", 0, 0, 0, false
	}
	bidN, err := strconv.ParseUint(parts[5], 10, 32)
	if err != nil {
		return "", 0, 0, 0, false
	}

	return sid, ridN, lvlN, uint32(bidN), true
}
