// Package config loads the on-disk YAML device/sensor map and exposes
// the two read-only views the core and the uplink decoder need. Parsing
// on-disk configuration is named as an external collaborator; this
// package is the thin loader that boundary still requires.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flukso/tmpo/internal/tmpo"
)

// SensorFile is one sensor entry under a device in the on-disk file.
type SensorFile struct {
	ID       string `yaml:"id"`
	Rid      int    `yaml:"rid"`
	Unit     string `yaml:"unit"`
	DataType string `yaml:"data_type"`
	Enable   bool   `yaml:"enable"`

	// Tmpo is a tri-state flag: nil means "absent", treated the same as
	// enabled. Present and 0 disables tmpo logging for that sensor
	// without disabling the sensor entirely.
	Tmpo *int `yaml:"tmpo"`
}

// DeviceFile is one device entry in the on-disk file: its full sensor
// list, indexed the same way the gateway firmware numbers counters, not
// just the nine slots an uplink payload carries.
type DeviceFile struct {
	Sensor []SensorFile `yaml:"sensor"`
}

// File is the root of the on-disk YAML document:
// device[serial] -> sensor[idx] -> {id, rid, unit, data_type, enable, tmpo}.
type File struct {
	Device map[string]DeviceFile `yaml:"device"`
}

// Load reads and parses the config file at path.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return &f, nil
}

func (s SensorFile) tmpoEnabled() bool {
	return s.Tmpo == nil || *s.Tmpo == 1
}

// SensorRegistry is the sid -> {rid, unit, data_type} view, filtered to
// sensors that are enabled and logged. It implements tmpo.Registry.
type SensorRegistry struct {
	sensors map[string]tmpo.SensorConfig
}

// NewSensorRegistry builds the filtered sensor view from a loaded file.
func NewSensorRegistry(f *File) *SensorRegistry {
	sensors := make(map[string]tmpo.SensorConfig)
	for _, dev := range f.Device {
		for _, s := range dev.Sensor {
			if s.ID == "" || !s.Enable || !s.tmpoEnabled() {
				continue
			}
			sensors[s.ID] = tmpo.SensorConfig{
				RID:      s.Rid,
				Unit:     s.Unit,
				DataType: s.DataType,
			}
		}
	}
	return &SensorRegistry{sensors: sensors}
}

// Lookup implements tmpo.Registry.
func (r *SensorRegistry) Lookup(sid string) (tmpo.SensorConfig, bool) {
	cfg, ok := r.sensors[sid]
	return cfg, ok
}

// DeviceRegistry is the serial -> [9]sid view, used only to resolve an
// uplink's dev_id to the sensor IDs occupying its nine counter slots.
// Unlike SensorRegistry it is unfiltered: a disabled sensor still
// occupies its slot so the slot numbering stays aligned, it's simply
// absent from SensorRegistry and so dropped individually by the
// uplink decoder.
type DeviceRegistry struct {
	devices map[string][9]string
}

// NewDeviceRegistry builds the device view from a loaded file, resolving
// each of the nine uplink counter slots to its sensor ID via
// tmpo.CounterIndices rather than assuming the on-disk list is already
// trimmed to just those nine positions.
func NewDeviceRegistry(f *File) *DeviceRegistry {
	devices := make(map[string][9]string, len(f.Device))
	for serial, dev := range f.Device {
		var sids [9]string
		for i, idx := range tmpo.CounterIndices {
			if idx < len(dev.Sensor) {
				sids[i] = dev.Sensor[idx].ID
			}
		}
		devices[serial] = sids
	}
	return &DeviceRegistry{devices: devices}
}

// Sensors implements uplink.DeviceRegistry.
func (r *DeviceRegistry) Sensors(serial string) ([9]string, bool) {
	sids, ok := r.devices[serial]
	return sids, ok
}
