package uplink

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flukso/tmpo/internal/tmpo"
)

type staticDevices map[string][9]string

func (d staticDevices) Sensors(serial string) ([9]string, bool) {
	sids, ok := d[serial]
	return sids, ok
}

func packCounters(values [9]uint32) string {
	raw := make([]byte, 9*4)
	for i, v := range values {
		binary.BigEndian.PutUint32(raw[i*4:i*4+4], v)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func buildEnvelope(t *testing.T, devID, isoTime string, counters [9]uint32) []byte {
	t.Helper()
	env := map[string]interface{}{
		"dev_id": devID,
		"metadata": map[string]string{
			"time": isoTime,
		},
		"payload_raw": packCounters(counters),
	}
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return b
}

func TestDecodeSkipsZeroCounters(t *testing.T) {
	devices := staticDevices{
		"dev1": [9]string{"s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8"},
	}
	registry := tmpo.NewStaticRegistry(map[string]tmpo.SensorConfig{
		"s0": {Unit: "W"},
		"s1": {Unit: "A"},
	})

	payload := buildEnvelope(t, "dev1", "2024-01-01T00:00:00Z", [9]uint32{100, 0, 0, 0, 0, 0, 0, 0, 0})

	readings, err := Decode(payload, devices, registry)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "s0", readings[0].Sid)
	assert.Equal(t, float64(100), readings[0].V)
	assert.Equal(t, "W", readings[0].Unit)
}

func TestDecodeUnknownDeviceDropsWholeUplink(t *testing.T) {
	devices := staticDevices{}
	registry := tmpo.NewStaticRegistry(nil)

	payload := buildEnvelope(t, "unknown-dev", "2024-01-01T00:00:00Z", [9]uint32{1, 1, 1, 1, 1, 1, 1, 1, 1})

	readings, err := Decode(payload, devices, registry)
	require.NoError(t, err)
	assert.Nil(t, readings)
}

func TestDecodeSensorMissingFromRegistryIsSkippedIndividually(t *testing.T) {
	devices := staticDevices{
		"dev1": [9]string{"s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8"},
	}
	registry := tmpo.NewStaticRegistry(map[string]tmpo.SensorConfig{
		"s0": {Unit: "W"},
	})

	payload := buildEnvelope(t, "dev1", "2024-01-01T00:00:00Z", [9]uint32{1, 2, 0, 0, 0, 0, 0, 0, 0})

	readings, err := Decode(payload, devices, registry)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "s0", readings[0].Sid)
}
