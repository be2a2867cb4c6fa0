package obs

// Label is a key/value pair attached to a measurement.
type Label struct {
	Key   string
	Value string
}

// Meter receives counter measurements from the client. Implementations
// may no-op or bridge to a metrics system.
type Meter interface {
	Counter(name string, value float64, labels ...Label)
}

// NopMeter discards all measurements.
type NopMeter struct{}

// Counter implements Meter.
func (NopMeter) Counter(string, float64, ...Label) {}
