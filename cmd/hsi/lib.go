package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/kybfarm/hsi/camera"
	"github.com/kybfarm/hsi/camera/ueye"
	"github.com/kybfarm/hsi/camera/usbprobe"
	"github.com/kybfarm/hsi/config"
	"github.com/kybfarm/hsi/cube"
	"github.com/kybfarm/hsi/gateway"
	"github.com/kybfarm/hsi/imgrec"
	"github.com/kybfarm/hsi/marlin"
	"github.com/kybfarm/hsi/motion"
	"github.com/kybfarm/hsi/scan"
	"github.com/kybfarm/hsi/upload"
	"github.com/theckman/yacspin"
)

var (
	stageLog  = log.New(os.Stderr, "[marlin] ", log.LstdFlags)
	cameraLog = log.New(os.Stderr, "[ueye] ", log.LstdFlags)
	uploadLog = log.New(os.Stderr, "[upload] ", log.LstdFlags)
)

func newStage(c config.Printer) motion.Stage {
	return marlin.NewPrinter(c, stageLog)
}

func newCamera(c config.Camera) camera.ImageSource {
	return ueye.New(c, cameraLog)
}

func wireDevices(g *gateway.Gateway) {
	g.NewStage = newStage
	g.NewCamera = newCamera
	g.NewUploader = func(c config.SSH) gateway.Uploader { return upload.New(c, uploadLog) }
}

// spinner returns a started spinner, or nil if the terminal cannot show one
func spinner(suffix string) *yacspin.Spinner {
	s, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " " + suffix,
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return nil
	}
	if err := s.Start(); err != nil {
		return nil
	}
	return s
}

func stop(s *yacspin.Spinner, err error, msg string) {
	if s == nil {
		return
	}
	if err != nil {
		s.StopFailMessage(err.Error())
		s.StopFail()
		return
	}
	s.StopMessage(msg)
	s.Stop()
}

func scanOnce(s *config.Store) {
	c := loadconf(s)
	if err := c.Validate(); err != nil {
		log.Fatal(err)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	sp := spinner("scanning")
	o := scan.New(newStage(c.Printer), newCamera(c.Camera), c.Cube, nil)
	o.OnProgress = func(p scan.Progress) {
		if sp == nil {
			return
		}
		if p.Point > 0 {
			sp.Message(fmt.Sprintf("%d/%d X=%g Z=%g", p.Point, p.Points, p.At.X, p.At.Z))
		} else {
			sp.Message(p.State.String())
		}
	}
	res, err := o.Run(ctx, scan.PlanFrom(c.Scan))
	fldr, rerr := imgrec.NewRecorder(c.Storage.Root, c.Cube, nil).Record(res)
	if err == nil {
		err = rerr
	}
	stop(sp, err, fmt.Sprintf("%v", res.Cube))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(fldr)
}

func snapshot(s *config.Store) {
	c := loadconf(s)
	cam := newCamera(c.Camera)
	defer cam.Disconnect()
	if err := cam.Connect(); err != nil {
		log.Fatal(err)
	}
	frame, err := cam.CaptureFrame()
	if err != nil {
		log.Fatal(err)
	}
	cropped, err := cube.Crop(frame, c.Cube.Window())
	if err != nil {
		log.Fatal(err)
	}
	if err := os.MkdirAll(c.Camera.DataDir, 0777); err != nil {
		log.Fatal(err)
	}
	path := filepath.Join(c.Camera.DataDir, gateway.DebugPicture)
	if err := imgrec.WritePNG(path, cropped); err != nil {
		log.Fatal(err)
	}
	fmt.Println(path)
}

func gcode(s *config.Store, line string) {
	c := loadconf(s)
	ctx := context.Background()
	st := newStage(c.Printer)
	defer st.Disconnect()
	if err := st.Connect(ctx); err != nil {
		log.Fatal(err)
	}
	lines, err := st.SendCommand(ctx, line, true)
	for _, l := range lines {
		fmt.Println(l)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func replay(s *config.Store, fldr string) {
	c := loadconf(s)
	sp := spinner("replaying " + fldr)
	cb, err := imgrec.NewRecorder(c.Storage.Root, c.Cube, nil).Replay(fldr)
	stop(sp, err, fmt.Sprintf("%v", cb))
	if err != nil {
		log.Fatal(err)
	}
}

func bands(s *config.Store, fldr string) {
	c := loadconf(s)
	cb, err := imgrec.ReadCube(filepath.Join(fldr, imgrec.CubeFile))
	if err != nil {
		log.Fatal(err)
	}
	cal, err := cube.SelectBands(cb, c.Cube.StartWavelength, c.Cube.EndWavelength)
	if err != nil {
		log.Fatal(err)
	}
	if err := cal.Save(c.Cube.CalibrationFile); err != nil {
		log.Fatal(err)
	}
	wl := cube.Wavelengths(cb.Bands, c.Cube.StartWavelength, c.Cube.EndWavelength)
	fmt.Printf("red   band %d (%.0f nm)\n", cal.Red, wl[cal.Red])
	fmt.Printf("green band %d (%.0f nm)\n", cal.Green, wl[cal.Green])
	fmt.Printf("blue  band %d (%.0f nm)\n", cal.Blue, wl[cal.Blue])
	// the last band is the nearest to the near infrared
	if v, err := cube.NDVI(cb, cal.Red, cb.Bands-1); err == nil {
		lo, hi := cube.NDVIRange(v)
		fmt.Printf("NDVI (red, band %d) spans %.3f to %.3f\n", cb.Bands-1, lo, hi)
	}
	fmt.Printf("calibration written to %s\n", c.Cube.CalibrationFile)
}

func probe() {
	devs, err := usbprobe.Find(usbprobe.IDSVendor)
	if err != nil {
		log.Fatal(err)
	}
	if len(devs) == 0 {
		fmt.Println("no IDS camera found")
		return
	}
	for _, d := range devs {
		fmt.Println(d)
	}
}
