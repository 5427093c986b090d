package acquire

import (
	"math"
	"math/rand/v2"

	"github.com/shaunagostinho/elm327-dash/internal/obd"
	"github.com/shaunagostinho/elm327-dash/internal/snapshot"
)

// Simulator generates plausible readings for bench testing without a car.
// Engine speed sweeps between idle and mid revs; the other quantities follow
// it with a little noise.
type Simulator struct {
	specs []obd.Spec
	rng   *rand.Rand
	t     float64 // virtual time accumulator
	fuel  float64
}

// NewSimulator returns a simulator for specs. The same seed yields the same
// sequence.
func NewSimulator(specs []obd.Spec, seed uint64) *Simulator {
	return &Simulator{
		specs: specs,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		fuel:  72,
	}
}

// Next advances virtual time by one tick and returns a reading for every
// spec, clamped to its plausible range and rounded for display.
func (s *Simulator) Next() map[string]snapshot.Reading {
	s.t += 0.05

	sweep := math.Sin(s.t*0.3) * math.Sin(s.t*0.3)
	rpm := 850 + 3500*sweep + s.rng.Float64()*50
	throttle := (rpm - 850) / (7000 - 850) * 100
	load := 20 + throttle*0.7 + s.rng.Float64()*4

	s.fuel -= 0.001
	if s.fuel < 5 {
		s.fuel = 80
	}

	values := map[string]float64{
		obd.RPM:           rpm,
		obd.ThrottlePct:   throttle,
		obd.SpeedKmh:      throttle / 100 * 220,
		obd.EngineLoadPct: load,
		obd.CoolantC:      85 + s.rng.Float64()*5,
		obd.IntakeC:       30 + s.rng.Float64()*8,
		obd.FuelLevelPct:  s.fuel,
		obd.BatteryV:      13.8 + s.rng.Float64()*0.4,
	}

	out := make(map[string]snapshot.Reading, len(s.specs))
	for _, spec := range s.specs {
		v, ok := values[spec.ID]
		if !ok {
			v = spec.Min + s.rng.Float64()*(spec.Max-spec.Min)
		}
		out[spec.ID] = snapshot.Present(spec.Round(spec.Clamp(v)))
	}
	return out
}
