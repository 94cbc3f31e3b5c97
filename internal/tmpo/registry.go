package tmpo

// Registry resolves a sensor id to its current configuration. The Ingest
// Buffer consults it once per first-sample-in-a-block; the core never
// mutates it. internal/config.SensorRegistry is the concrete,
// read-only-after-load implementation backed by on-disk YAML.
type Registry interface {
	// Lookup returns the sensor's current config and true, or a zero
	// value and false if sid is unknown to the registry.
	Lookup(sid string) (SensorConfig, bool)
}

// staticRegistry is a trivial in-memory Registry, used by tests and by
// any caller that already has a fully resolved map in hand.
type staticRegistry map[string]SensorConfig

// NewStaticRegistry builds a Registry from a plain map, useful for tests.
func NewStaticRegistry(m map[string]SensorConfig) Registry {
	return staticRegistry(m)
}

func (r staticRegistry) Lookup(sid string) (SensorConfig, bool) {
	cfg, ok := r[sid]
	return cfg, ok
}
