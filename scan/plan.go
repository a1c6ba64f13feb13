package scan

import (
	"fmt"
	"math"
	"time"

	"github.com/kybfarm/hsi/config"
	"github.com/kybfarm/hsi/fault"
	"github.com/kybfarm/hsi/util"
)

// Epsilon is added to the end of each axis so that an end value reached by
// repeated floating point steps is still included
const Epsilon = 1e-3

// nameTolerance keeps 2.9999999 mm from being named as 2.9 mm
const nameTolerance = 1e-6

// Point is one stage position in mm
type Point struct {
	X float64 `json:"x"`
	Z float64 `json:"z"`
}

// scaled returns int(v*10), truncating toward zero
func scaled(v float64) int {
	return int(math.Trunc(v*10 + math.Copysign(nameTolerance, v)))
}

// Name is the frame file name for the point: X and Z in tenths of a mm,
// zero padded to three digits
func (p Point) Name() string {
	return fmt.Sprintf("X%03d_Z%03d.png", scaled(p.X), scaled(p.Z))
}

// Plan is the raster to sweep.  It is copied into the orchestrator when a
// scan starts and not consulted again.
type Plan struct {
	StartX float64 `json:"start_x"`
	EndX   float64 `json:"end_x"`
	StepX  float64 `json:"step_x"`
	StartZ float64 `json:"start_z"`
	EndZ   float64 `json:"end_z"`
	StepZ  float64 `json:"step_z"`

	// Pause is waited after every move, before the capture
	Pause time.Duration `json:"pause_ns"`

	// Feedrate for every move, mm/min; 0 uses the stage default
	Feedrate float64 `json:"feedrate,omitempty"`
}

// PlanFrom converts the scan section of the configuration
func PlanFrom(s config.Scan) Plan {
	return Plan{
		StartX: s.StartX, EndX: s.EndX, StepX: s.StepX,
		StartZ: s.StartZ, EndZ: s.EndZ, StepZ: s.StepZ,
		Pause:    s.Pause(),
		Feedrate: s.Feedrate}
}

// Grid returns the points of the plan in visiting order.  Z advances from
// StartZ to EndZ; along each Z row X is swept ascending on even rows and
// descending on odd rows, so consecutive rows join without a return move.
// Both directions visit the same X values.
func (p Plan) Grid() []Point {
	xs := util.ArangeInclusive(p.StartX, p.EndX, p.StepX, Epsilon)
	zs := util.ArangeInclusive(p.StartZ, p.EndZ, p.StepZ, Epsilon)
	back := util.Reversed(xs)
	out := make([]Point, 0, len(xs)*len(zs))
	for row, z := range zs {
		sweep := xs
		if row%2 == 1 {
			sweep = back
		}
		for _, x := range sweep {
			out = append(out, Point{X: x, Z: z})
		}
	}
	return out
}

// Validate rejects plans that would not visit any point
func (p Plan) Validate() error {
	const op = "scan.Plan"
	switch {
	case p.StepX <= 0 || p.StepZ <= 0:
		return fault.New(fault.ConfigurationError, op, fmt.Sprintf("steps must be positive, got x=%g z=%g", p.StepX, p.StepZ))
	case p.EndX < p.StartX || p.EndZ < p.StartZ:
		return fault.New(fault.ConfigurationError, op, fmt.Sprintf("end before start: x %g..%g, z %g..%g", p.StartX, p.EndX, p.StartZ, p.EndZ))
	case p.Pause < 0:
		return fault.New(fault.ConfigurationError, op, "pause must not be negative")
	}
	return nil
}
