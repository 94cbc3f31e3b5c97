// Package uplink decodes the MQTT-borne JSON envelope a gateway publishes
// on "tmpo/devices/+/up" into sensor readings ready for the ingest
// buffer. The LoRa decoding that produced these counters in the first
// place happened upstream of MQTT and is out of this daemon's scope;
// this package only unwraps the envelope that reaches it.
package uplink

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flukso/tmpo/internal/tmpo"
)

// DeviceRegistry resolves a device serial to the sensor IDs occupying
// its nine fixed counter slots (tmpo.CounterIndices, resolved against
// the device's full on-disk sensor list). Populated by internal/config,
// consumed only here.
type DeviceRegistry interface {
	Sensors(serial string) (sids [9]string, ok bool)
}

// Reading is one decoded counter sample, ready for IngestBuffer.Push8.
type Reading struct {
	Sid  string
	T    uint32
	V    float64
	Unit string
}

type envelope struct {
	DevID    string `json:"dev_id"`
	Metadata struct {
		Time string `json:"time"`
	} `json:"metadata"`
	PayloadRaw string `json:"payload_raw"`
}

// Decode parses one uplink message body into the readings it carries.
// A device serial absent from devices drops the whole uplink, same as a
// gateway nobody has provisioned. A sensor slot with no registry config
// is skipped individually rather than failing the batch. A counter
// value of 0 means "no reading this interval" and is skipped.
func Decode(payload []byte, devices DeviceRegistry, registry tmpo.Registry) ([]Reading, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("uplink: decode envelope: %w", err)
	}

	sids, ok := devices.Sensors(env.DevID)
	if !ok {
		return nil, nil
	}

	ts, err := time.Parse(time.RFC3339, env.Metadata.Time)
	if err != nil {
		return nil, fmt.Errorf("uplink: parse metadata.time %q: %w", env.Metadata.Time, err)
	}
	t := uint32(ts.Unix())

	raw, err := base64.StdEncoding.DecodeString(env.PayloadRaw)
	if err != nil {
		return nil, fmt.Errorf("uplink: decode payload_raw: %w", err)
	}
	if len(raw) != tmpo.CountersPerUplink*4 {
		return nil, fmt.Errorf("uplink: payload_raw has %d bytes, want %d", len(raw), tmpo.CountersPerUplink*4)
	}

	readings := make([]Reading, 0, tmpo.CountersPerUplink)
	for i := 0; i < tmpo.CountersPerUplink; i++ {
		counter := binary.BigEndian.Uint32(raw[i*4 : i*4+4])
		if counter == 0 {
			continue
		}

		sid := sids[i]
		if sid == "" {
			continue
		}
		cfg, ok := registry.Lookup(sid)
		if !ok {
			continue
		}

		readings = append(readings, Reading{
			Sid:  sid,
			T:    t,
			V:    float64(counter),
			Unit: cfg.Unit,
		})
	}

	return readings, nil
}
