package main

import "flag"

// Config is the root config for the tmpod daemon, the handful of
// daemon-level knobs that sit above the device/sensor YAML config: where
// the block store root is, which broker to dial, and where to serve
// metrics. Spec.md calls out only the sensor/device YAML as external
// configuration; these additional knobs are owned by the daemon itself.
type Config struct {
	ConfigPath   string
	DataDir      string
	Broker       string
	MQTTUsername string
	MQTTPassword string
	MetricsAddr  string
	SyncDeviceID string
}

// RegisterFlags registers the daemon's flags on f.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.ConfigPath, "config", "/etc/tmpo/sensor.yaml", "path to the device/sensor YAML config")
	f.StringVar(&c.DataDir, "data-dir", "/var/lib/tmpo", "root directory of the block store")
	f.StringVar(&c.Broker, "mqtt-broker", "tcp://localhost:1883", "MQTT broker address")
	f.StringVar(&c.MQTTUsername, "mqtt-username", "", "MQTT username")
	f.StringVar(&c.MQTTPassword, "mqtt-password", "", "MQTT password")
	f.StringVar(&c.MetricsAddr, "metrics-addr", ":9100", "address to serve /metrics on")
	f.StringVar(&c.SyncDeviceID, "sync-device-id", "", "device ID this instance answers sync requests as, if any")
}
