package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flukso/tmpo/internal/tmpo"
)

// buildSampleYAML lays out one device's full sensor list (indexed the way
// the gateway firmware numbers counters) with real sensors only at the
// tmpo.CounterIndices positions, everything else an unconfigured filler
// slot, the way a real flukso device file lists far more sensor indices
// than the nine an uplink payload carries.
func buildSampleYAML() string {
	var b strings.Builder
	b.WriteString("device:\n  dev1:\n    sensor:\n")

	entries := make([]string, tmpo.MinSensorSlots)
	for i := range entries {
		entries[i] = `{id: "", rid: 0, unit: "", data_type: "", enable: false}`
	}
	entries[tmpo.CounterIndices[0]] = `{id: s0, rid: 0, unit: W, data_type: gauge, enable: true}`
	entries[tmpo.CounterIndices[1]] = `{id: s1, rid: 0, unit: A, data_type: gauge, enable: true, tmpo: 0}`
	entries[tmpo.CounterIndices[2]] = `{id: s2, rid: 1, unit: Wh, data_type: counter, enable: false}`
	entries[tmpo.CounterIndices[3]] = `{id: "", rid: 0, unit: "", data_type: "", enable: false}`
	entries[tmpo.CounterIndices[4]] = `{id: s4, rid: 0, unit: V, data_type: gauge, enable: true}`
	entries[tmpo.CounterIndices[5]] = `{id: s5, rid: 0, unit: V, data_type: gauge, enable: true}`
	entries[tmpo.CounterIndices[6]] = `{id: s6, rid: 0, unit: V, data_type: gauge, enable: true}`
	entries[tmpo.CounterIndices[7]] = `{id: s7, rid: 0, unit: V, data_type: gauge, enable: true}`
	entries[tmpo.CounterIndices[8]] = `{id: s8, rid: 0, unit: V, data_type: gauge, enable: true}`

	for _, e := range entries {
		fmt.Fprintf(&b, "      - %s\n", e)
	}
	return b.String()
}

func writeSampleConfig(t *testing.T) string {
	t.Helper()
	dir, err := ioutil.TempDir("", "tmpo-config-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "sensor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(buildSampleYAML()), 0644))
	return path
}

func TestSensorRegistryFiltersDisabledAndTmpoOff(t *testing.T) {
	path := writeSampleConfig(t)
	f, err := Load(path)
	require.NoError(t, err)

	sensors := NewSensorRegistry(f)

	cfg, ok := sensors.Lookup("s0")
	require.True(t, ok)
	assert.Equal(t, "W", cfg.Unit)

	_, ok = sensors.Lookup("s1")
	assert.False(t, ok, "tmpo: 0 must exclude the sensor from the logging view")

	_, ok = sensors.Lookup("s2")
	assert.False(t, ok, "enable: false must exclude the sensor")
}

func TestDeviceRegistryResolvesCounterIndicesAgainstFullSensorList(t *testing.T) {
	path := writeSampleConfig(t)
	f, err := Load(path)
	require.NoError(t, err)

	devices := NewDeviceRegistry(f)

	sids, ok := devices.Sensors("dev1")
	require.True(t, ok)
	assert.Equal(t, "s0", sids[0])
	assert.Equal(t, "s1", sids[1])
	assert.Equal(t, "", sids[3], "an unconfigured slot resolves to an empty sensor id")
	assert.Equal(t, "s8", sids[8])

	_, ok = devices.Sensors("nonexistent")
	assert.False(t, ok)
}
