/*Package scan sweeps the stage over a raster and captures one frame per
position, assembling the frames into a hyperspectral cube.

A scan runs through the states

	Idle -> Connecting -> Homing -> Sweeping -> Finishing -> Completed | Failed

Any error aborts the rest of the grid.  Finishing always disconnects both
the stage and the camera, whether or not they were connected, so a failed
scan never leaves a link open.

Cancellation is only observed between grid points: a move, settle pause or
capture in progress is always completed, since stopping the stage mid-move
without a stop command can lose steps.

The orchestrator does not write files; callers persist Result.Frames and
Result.Cube (see package imgrec).
*/
package scan

import (
	"context"
	"fmt"
	"image"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kybfarm/hsi/camera"
	"github.com/kybfarm/hsi/config"
	"github.com/kybfarm/hsi/cube"
	"github.com/kybfarm/hsi/motion"
)

// State is the phase of a scan
type State int

const (
	// Idle means no scan has run; no links are held
	Idle State = iota

	// Connecting opens the stage then the camera
	Connecting

	// Homing references both axes
	Homing

	// Sweeping visits the grid
	Sweeping

	// Finishing disconnects both links
	Finishing

	// Completed means every point was captured and the cube built
	Completed

	// Failed means the scan stopped on an error
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Homing:
		return "homing"
	case Sweeping:
		return "sweeping"
	case Finishing:
		return "finishing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Capture is one captured position.  Frame is the full normalized frame,
// before cropping.
type Capture struct {
	Point
	Name  string
	Frame *image.Gray
}

// Progress is reported on every state change and after every capture.
// Point is the 1-based index of the last captured point, 0 before the
// sweep.
type Progress struct {
	ID     uuid.UUID
	State  State
	Point  int
	Points int
	At     Point
}

// Result is the outcome of a scan.  On failure it holds the frames captured
// before the error and no cube.
type Result struct {
	ID       uuid.UUID
	Plan     Plan
	State    State
	Cube     *cube.Cube
	Frames   []Capture
	Started  time.Time
	Finished time.Time
}

// Orchestrator runs scans with one stage and one camera.  It owns both
// devices for the duration of Run; Run must not be called concurrently.
type Orchestrator struct {
	Stage  motion.Stage
	Camera camera.ImageSource

	// Window is the crop applied to each frame before binning
	Window image.Rectangle

	// BinSize is the number of columns averaged into one band
	BinSize int

	// OnProgress, if not nil, is called synchronously from Run
	OnProgress func(Progress)

	Logger *log.Logger

	mu    sync.Mutex
	state State
}

// New returns an Orchestrator using the crop and binning of the cube
// section.  If logger is nil, one writing to stderr is used.
func New(stage motion.Stage, cam camera.ImageSource, cfg config.Cube, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(os.Stderr, "[scan] ", log.LstdFlags)
	}
	return &Orchestrator{
		Stage:   stage,
		Camera:  cam,
		Window:  cfg.Window(),
		BinSize: cfg.BinSize,
		Logger:  logger}
}

// State returns the current state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) enter(s State, p Progress) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	p.State = s
	if o.OnProgress != nil {
		o.OnProgress(p)
	}
}

// Run executes plan.  The returned Result is never nil.  The error, if any,
// is the first failure; errors from the final disconnects are only logged.
func (o *Orchestrator) Run(ctx context.Context, plan Plan) (*Result, error) {
	res := &Result{ID: uuid.New(), Plan: plan, Started: time.Now()}
	grid := plan.Grid()
	prog := Progress{ID: res.ID, Points: len(grid)}

	err := plan.Validate()
	if err == nil {
		err = o.run(ctx, plan, grid, res, &prog)
	}

	o.enter(Finishing, prog)
	if derr := o.Stage.Disconnect(); derr != nil {
		o.Logger.Printf("scan %s: disconnecting stage: %v", res.ID, derr)
	}
	if derr := o.Camera.Disconnect(); derr != nil {
		o.Logger.Printf("scan %s: disconnecting camera: %v", res.ID, derr)
	}
	res.Finished = time.Now()
	if err != nil {
		res.State = Failed
		o.Logger.Printf("scan %s failed after %d of %d points: %v", res.ID, len(res.Frames), len(grid), err)
	} else {
		res.State = Completed
		o.Logger.Printf("scan %s completed: %v in %v", res.ID, res.Cube, res.Finished.Sub(res.Started).Round(time.Millisecond))
	}
	o.enter(res.State, prog)
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, plan Plan, grid []Point, res *Result, prog *Progress) error {
	// device calls run to completion once started; ctx is checked between points
	dev := context.WithoutCancel(ctx)

	o.enter(Connecting, *prog)
	if err := o.Stage.Connect(dev); err != nil {
		return fmt.Errorf("connecting stage: %w", err)
	}
	if err := o.Camera.Connect(); err != nil {
		return fmt.Errorf("connecting camera: %w", err)
	}

	o.enter(Homing, *prog)
	if err := o.Stage.Home(dev); err != nil {
		return fmt.Errorf("homing: %w", err)
	}

	prog.State = Sweeping
	o.enter(Sweeping, *prog)
	asm := cube.NewAssembler(o.BinSize)
	for i, pt := range grid {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled before point %d of %d: %w", i+1, len(grid), err)
		}
		target := motion.To(pt.X, pt.Z)
		target.Feedrate = plan.Feedrate
		if err := o.Stage.MoveTo(dev, target); err != nil {
			return fmt.Errorf("moving to X=%g Z=%g: %w", pt.X, pt.Z, err)
		}
		if plan.Pause > 0 {
			time.Sleep(plan.Pause)
		}
		frame, err := o.Camera.CaptureFrame()
		if err != nil {
			return fmt.Errorf("capturing at X=%g Z=%g: %w", pt.X, pt.Z, err)
		}
		cropped, err := cube.Crop(frame, o.Window)
		if err != nil {
			return fmt.Errorf("cropping frame at X=%g Z=%g: %w", pt.X, pt.Z, err)
		}
		if err := asm.AddFrame(cropped); err != nil {
			return fmt.Errorf("adding frame at X=%g Z=%g: %w", pt.X, pt.Z, err)
		}
		res.Frames = append(res.Frames, Capture{Point: pt, Name: pt.Name(), Frame: frame})
		prog.Point, prog.At = i+1, pt
		if o.OnProgress != nil {
			o.OnProgress(*prog)
		}
	}
	c, err := asm.Build()
	if err != nil {
		return err
	}
	res.Cube = c
	return nil
}
