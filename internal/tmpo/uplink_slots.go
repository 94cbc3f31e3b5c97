package tmpo

// CounterIndices are the fixed positions, within a device's full sensor
// list, that the nine packed LoRa counters in an uplink payload map to,
// in payload order. A device's on-disk sensor list is indexed the same
// way the gateway firmware numbers its counters, so slot i of an uplink
// payload always resolves to CounterIndices[i] in that list, not to
// position i.
var CounterIndices = [9]int{1, 2, 13, 14, 25, 26, 37, 38, 39}

// CountersPerUplink is the number of packed counters in one uplink
// payload.
const CountersPerUplink = len(CounterIndices)

// MinSensorSlots is the minimum length a device's sensor list must have
// to cover every index CounterIndices references.
const MinSensorSlots = 40
