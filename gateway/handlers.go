package gateway

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/kybfarm/hsi/config"
	"github.com/kybfarm/hsi/cube"
	"github.com/kybfarm/hsi/fault"
	"github.com/kybfarm/hsi/imgrec"
	"github.com/kybfarm/hsi/scan"
	"github.com/kybfarm/hsi/util"
	"golang.org/x/time/rate"
)

const (
	// DebugPicture is the local name of the last snapshot
	DebugPicture = "debug_picture.png"

	// RemotePicture is the remote name of the last snapshot
	RemotePicture = "latest_debug_picture.png"
)

// handleScan runs a sweep, or replays a recorded one when scan.mock is set,
// then packs the scan folder, pushes it and prunes old scans
func (g *Gateway) handleScan(ctx context.Context, cfg config.Config, _ map[string]interface{}) Result {
	rec := imgrec.NewRecorder(cfg.Storage.Root, cfg.Cube, g.Logger)
	fields := map[string]interface{}{}
	var fldr string
	if cfg.Scan.Mock {
		if cfg.Scan.ReplayFolder == "" {
			return failed(fault.New(fault.ConfigurationError, "gateway.scan", "scan.mock is set but scan.replay_folder is empty"))
		}
		g.emit(General, cfg, Result{Status: "scanning", Fields: map[string]interface{}{"replay": cfg.Scan.ReplayFolder}})
		c, err := rec.Replay(cfg.Scan.ReplayFolder)
		if err != nil {
			return failed(err)
		}
		fldr = cfg.Scan.ReplayFolder
		fields["cube_shape"] = c.Shape()
	} else {
		if err := cfg.Validate(); err != nil {
			return failed(err)
		}
		o := scan.New(g.NewStage(cfg.Printer), g.NewCamera(cfg.Camera), cfg.Cube, g.Logger)
		o.OnProgress = g.progress(cfg)
		res, err := o.Run(ctx, scan.PlanFrom(cfg.Scan))
		fields["scan_id"] = res.ID.String()
		// partial scans are recorded too, the frames are still useful
		var rerr error
		if err == nil || len(res.Frames) > 0 {
			fldr, rerr = rec.Record(res)
		}
		if err != nil {
			return Result{Err: err, Fields: fields}
		}
		if rerr != nil {
			return Result{Err: rerr, Fields: fields}
		}
		fields["cube_shape"] = res.Cube.Shape()
	}

	tarball, err := imgrec.Tarball(fldr)
	if err != nil {
		return Result{Err: err, Fields: fields}
	}
	fields["scan_tarball"] = filepath.Base(tarball)
	if cfg.SSH.Enabled {
		if _, err := g.NewUploader(cfg.SSH).Put(tarball, cfg.SSH.DestFolderScan, ""); err != nil {
			return Result{Err: err, Fields: fields}
		}
	}
	if !cfg.Scan.Mock {
		removed, err := imgrec.Cleanup(cfg.Storage.Root, rec.Prefix, cfg.Storage.KeepScans, tarball)
		if err != nil {
			g.Logger.Printf("cleaning up old scans: %v", err)
		}
		for _, p := range removed {
			g.Logger.Printf("removed %s", p)
		}
	}
	return Result{Fields: fields}
}

// maxProgressHz caps mqtt.progress_hz
const maxProgressHz = 20

// progress publishes scan state changes, and captured points no faster than
// mqtt.progress_hz.  A rate of zero publishes only the first point.
func (g *Gateway) progress(cfg config.Config) func(scan.Progress) {
	lim := rate.NewLimiter(rate.Limit(util.Clamp(cfg.MQTT.ProgressHz, 0, maxProgressHz)), 1)
	return func(p scan.Progress) {
		switch p.State {
		case scan.Finishing, scan.Completed, scan.Failed:
			return
		}
		if p.Point > 0 && !lim.Allow() {
			return
		}
		g.emit(General, cfg, Result{Status: "scanning", Fields: map[string]interface{}{
			"scan_id": p.ID.String(),
			"phase":   p.State.String(),
			"point":   p.Point,
			"points":  p.Points,
			"x":       p.At.X,
			"z":       p.At.Z}})
	}
}

// handleSnapshot takes one frame with the camera alone, crops it, saves it
// as the debug picture and pushes it
func (g *Gateway) handleSnapshot(ctx context.Context, cfg config.Config, _ map[string]interface{}) Result {
	cam := g.NewCamera(cfg.Camera)
	defer func() {
		if err := cam.Disconnect(); err != nil {
			g.Logger.Printf("disconnecting camera: %v", err)
		}
	}()
	if err := cam.Connect(); err != nil {
		return failed(err)
	}
	frame, err := cam.CaptureFrame()
	if err != nil {
		return failed(err)
	}
	cropped, err := cube.Crop(frame, cfg.Cube.Window())
	if err != nil {
		return failed(err)
	}
	_, bands := cube.Bin(cropped, cfg.Cube.BinSize)
	if err := os.MkdirAll(cfg.Camera.DataDir, 0777); err != nil {
		return failed(err)
	}
	path := filepath.Join(cfg.Camera.DataDir, DebugPicture)
	if err := imgrec.WritePNG(path, cropped); err != nil {
		return failed(err)
	}
	b := cropped.Bounds()
	fields := map[string]interface{}{
		"picture":        path,
		"picture_width":  b.Dx(),
		"picture_height": b.Dy(),
		"bands":          bands}
	if cfg.SSH.Enabled {
		if _, err := g.NewUploader(cfg.SSH).Put(path, cfg.SSH.DestFolder, RemotePicture); err != nil {
			return Result{Err: err, Fields: fields}
		}
		fields["picture_sent"] = "true"
	}
	return Result{Fields: fields}
}

// handleGcode sends one raw command to the stage alone and waits for the
// motion to finish.  An empty command is ignored.
func (g *Gateway) handleGcode(ctx context.Context, cfg config.Config, cmd map[string]interface{}) Result {
	line, _ := cmd["gcode"].(string)
	line = strings.TrimSpace(line)
	if line == "" {
		g.Logger.Println("ignoring printer command without gcode")
		return Result{Skip: true}
	}
	if err := cfg.Validate(); err != nil {
		return failed(err)
	}
	stage := g.NewStage(cfg.Printer)
	defer func() {
		if err := stage.Disconnect(); err != nil {
			g.Logger.Printf("disconnecting stage: %v", err)
		}
	}()
	if err := stage.Connect(ctx); err != nil {
		return failed(err)
	}
	lines, err := stage.SendCommand(ctx, line, true)
	fields := map[string]interface{}{"last_gcode": line}
	if err != nil {
		return Result{Err: err, Fields: fields}
	}
	fields["response"] = lines
	return Result{Fields: fields}
}

// handleConfig merges the config object of the command into the store and
// republishes every snapshot
func (g *Gateway) handleConfig(ctx context.Context, cfg config.Config, cmd map[string]interface{}) Result {
	partial, ok := cmd["config"].(map[string]interface{})
	if !ok {
		return failed(fault.New(fault.ConfigurationError, "gateway.config", "command has no config object"))
	}
	if _, err := g.Store.Merge(partial); err != nil {
		return failed(err)
	}
	sections := make([]string, 0, len(partial))
	for k := range partial {
		sections = append(sections, k)
	}
	g.Logger.Printf("config updated: %s", strings.Join(sections, ", "))
	return Result{Fields: map[string]interface{}{"config": "updated"}, Snapshots: true}
}
