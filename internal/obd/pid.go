package obd

import (
	"fmt"
	"math"
)

// Spec describes one monitored quantity: how to request it from the adapter
// and how to turn the reply into a calibrated value.
//
// A Spec is either a mode/PID request (Mode != 0) or a plain adapter command
// (Command != ""), which is how battery voltage is read.
type Spec struct {
	ID        string  // Snapshot metric key, e.g. "rpm"
	Mode      byte    // OBD service, 0x01 for current data
	PID       byte    // Parameter ID within the mode
	Bytes     int     // Data bytes required after the header
	Command   string  // Adapter command for non-PID quantities (e.g. "ATRV")
	Unit      string  // Physical unit
	Min       float64 // Plausible range, used for simulated data
	Max       float64
	Precision int // Decimal places kept when publishing

	decode func(data []byte) float64
}

// Request returns the text sent to the adapter, without the trailing CR.
func (s Spec) Request() string {
	if s.Command != "" {
		return s.Command
	}
	return fmt.Sprintf("%02X %02X", s.Mode, s.PID)
}

// IsPID reports whether the spec is a mode/PID request.
func (s Spec) IsPID() bool { return s.Command == "" }

// Decode maps the payload bytes to the physical value. The caller must pass at
// least s.Bytes bytes; the protocol client rejects shorter payloads. Command
// specs have no byte decoder and must not be passed here.
func (s Spec) Decode(data []byte) float64 {
	return s.decode(data)
}

// Clamp limits v to the plausible range.
func (s Spec) Clamp(v float64) float64 {
	return math.Max(s.Min, math.Min(s.Max, v))
}

// Round rounds v to the spec's display precision.
func (s Spec) Round(v float64) float64 {
	p := math.Pow(10, float64(s.Precision))
	return math.Round(v*p) / p
}

// Decoders for the standard mode 01 formulas. A and B are the first two data bytes.

func decodeA(d []byte) float64       { return float64(d[0]) }
func decodeRPM(d []byte) float64     { return (float64(d[0])*256 + float64(d[1])) / 4 }
func decodeTemp(d []byte) float64    { return float64(d[0]) - 40 }
func decodePercent(d []byte) float64 { return float64(d[0]) * 100 / 255 }

// Metric keys, as exposed in the state JSON.
const (
	SpeedKmh      = "speed_kmh"
	RPM           = "rpm"
	CoolantC      = "coolant_c"
	IntakeC       = "intake_c"
	ThrottlePct   = "throttle_pct"
	EngineLoadPct = "engine_load_pct"
	FuelLevelPct  = "fuel_level_pct"
	BatteryV      = "battery_v"
)

// VoltageCommand reads the adapter's supply voltage.
const VoltageCommand = "ATRV"

var specs = []Spec{
	{ID: SpeedKmh, Mode: 0x01, PID: 0x0D, Bytes: 1, Unit: "km/h", Min: 0, Max: 220, Precision: 1, decode: decodeA},
	{ID: RPM, Mode: 0x01, PID: 0x0C, Bytes: 2, Unit: "rpm", Min: 0, Max: 7000, Precision: 1, decode: decodeRPM},
	{ID: CoolantC, Mode: 0x01, PID: 0x05, Bytes: 1, Unit: "°C", Min: -40, Max: 130, Precision: 1, decode: decodeTemp},
	{ID: IntakeC, Mode: 0x01, PID: 0x0F, Bytes: 1, Unit: "°C", Min: -40, Max: 80, Precision: 1, decode: decodeTemp},
	{ID: ThrottlePct, Mode: 0x01, PID: 0x11, Bytes: 1, Unit: "%", Min: 0, Max: 100, Precision: 1, decode: decodePercent},
	{ID: EngineLoadPct, Mode: 0x01, PID: 0x04, Bytes: 1, Unit: "%", Min: 0, Max: 100, Precision: 1, decode: decodePercent},
	{ID: FuelLevelPct, Mode: 0x01, PID: 0x2F, Bytes: 1, Unit: "%", Min: 0, Max: 100, Precision: 1, decode: decodePercent},
	{ID: BatteryV, Command: VoltageCommand, Unit: "V", Min: 10, Max: 15, Precision: 2},
}

// Specs returns the fixed set of monitored quantities in polling order.
// The returned slice is a copy.
func Specs() []Spec {
	out := make([]Spec, len(specs))
	copy(out, specs)
	return out
}

// Lookup returns the spec with the given metric key.
func Lookup(id string) (Spec, bool) {
	for _, s := range specs {
		if s.ID == id {
			return s, true
		}
	}
	return Spec{}, false
}

// IDs returns the metric keys in polling order.
func IDs() []string {
	ids := make([]string, len(specs))
	for i, s := range specs {
		ids[i] = s.ID
	}
	return ids
}
