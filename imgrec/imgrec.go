// Package imgrec records scans to disk: one timestamped folder per scan
// holding the frames, the cube, a manifest and the RGB composite.
package imgrec

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/kybfarm/hsi/config"
	"github.com/kybfarm/hsi/cube"
	"github.com/kybfarm/hsi/scan"
)

const (
	// CubeFile is the name of the cube artifact inside a scan folder
	CubeFile = "hyperspectral_cube.fits"

	// ManifestFile describes the scan
	ManifestFile = "scan.json"

	// RGBFile is the composite image
	RGBFile = "rgb_composite.png"

	// folderLayout is the timestamp in folder names, e.g. 27Apr_20-27-05
	folderLayout = "02Jan_15-04-05"
)

// FrameEntry locates one frame of a scan
type FrameEntry struct {
	Name string  `json:"name"`
	X    float64 `json:"x"`
	Z    float64 `json:"z"`
}

// Manifest is written next to the frames as scan.json
type Manifest struct {
	ID          string            `json:"id"`
	State       string            `json:"state"`
	Started     time.Time         `json:"started"`
	Finished    time.Time         `json:"finished"`
	Plan        scan.Plan         `json:"plan"`
	Shape       [3]int            `json:"cube_shape"`
	CubeFile    string            `json:"cube_file,omitempty"`
	RGBFile     string            `json:"rgb_file,omitempty"`
	Calibration *cube.Calibration `json:"calibration,omitempty"`
	Frames      []FrameEntry      `json:"frames"`
}

// Recorder writes scans into timestamped subfolders of Root.  It is not
// thread safe.
type Recorder struct {
	// Root is the root path
	Root string

	// Prefix is the prefix for the folder names
	Prefix string

	// Cube supplies crop, binning, wavelength range and calibration file
	Cube config.Cube

	// Now is the clock used to name folders
	Now func() time.Time

	Logger *log.Logger
}

// NewRecorder returns a Recorder writing under root
func NewRecorder(root string, cfg config.Cube, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.New(os.Stderr, "[imgrec] ", log.LstdFlags)
	}
	return &Recorder{Root: root, Prefix: "scan_", Cube: cfg, Now: time.Now, Logger: logger}
}

// mkDir makes a new scan folder and returns it.  If a folder for the same
// second already exists a numeric suffix is added.
func (r *Recorder) mkDir() (string, error) {
	if err := os.MkdirAll(r.Root, 0777); err != nil {
		return "", err
	}
	base := filepath.Join(r.Root, r.Prefix+r.Now().Format(folderLayout))
	fldr := base
	for i := 2; ; i++ {
		err := os.Mkdir(fldr, 0777)
		if err == nil {
			return fldr, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
		fldr = fmt.Sprintf("%s_%d", base, i)
	}
}

// Record writes a scan result into a new folder and returns the folder.
// Frames are written even if the scan failed; the cube and composite only
// exist for a completed scan.
func (r *Recorder) Record(res *scan.Result) (string, error) {
	fldr, err := r.mkDir()
	if err != nil {
		return "", err
	}
	m := Manifest{
		ID:       res.ID.String(),
		State:    res.State.String(),
		Started:  res.Started,
		Finished: res.Finished,
		Plan:     res.Plan,
	}
	for _, f := range res.Frames {
		if err := WritePNG(filepath.Join(fldr, f.Name), f.Frame); err != nil {
			return fldr, err
		}
		m.Frames = append(m.Frames, FrameEntry{Name: f.Name, X: f.X, Z: f.Z})
	}
	if res.Cube != nil {
		if err := r.finish(fldr, res.Cube, res.ID.String(), &m); err != nil {
			return fldr, err
		}
	}
	return fldr, writeManifest(fldr, m)
}

// finish writes the cube and, when bands can be chosen, the RGB composite
func (r *Recorder) finish(fldr string, c *cube.Cube, id string, m *Manifest) error {
	cards := []fitsio.Card{
		{Name: "SCANID", Value: id, Comment: "scan identifier"},
		{Name: "BINSIZE", Value: r.Cube.BinSize, Comment: "columns per band"},
		{Name: "CROPX0", Value: r.Cube.CropXStart, Comment: "first sensor column"},
		{Name: "CROPY0", Value: r.Cube.CropYStart, Comment: "first sensor row"},
		{Name: "WLSTART", Value: r.Cube.StartWavelength, Comment: "nm, band 0"},
		{Name: "WLEND", Value: r.Cube.EndWavelength, Comment: "nm, last band"},
	}
	if err := WriteCube(filepath.Join(fldr, CubeFile), c, cards...); err != nil {
		return err
	}
	m.Shape = c.Shape()
	m.CubeFile = CubeFile

	cal, ok, err := cube.LoadCalibration(r.Cube.CalibrationFile)
	if err != nil {
		r.Logger.Printf("ignoring calibration file: %v", err)
	}
	if !ok {
		cal, err = cube.SelectBands(c, r.Cube.StartWavelength, r.Cube.EndWavelength)
		if err != nil {
			r.Logger.Printf("no RGB composite: %v", err)
			return nil
		}
		r.Logger.Printf("auto-selected bands R:%d G:%d B:%d", cal.Red, cal.Green, cal.Blue)
	}
	rgb, err := cube.RGB(c, cal, r.Cube.PerspectiveScaleY)
	if err != nil {
		r.Logger.Printf("no RGB composite: %v", err)
		return nil
	}
	if err := WritePNG(filepath.Join(fldr, RGBFile), rgb); err != nil {
		return err
	}
	m.RGBFile = RGBFile
	m.Calibration = &cal
	return nil
}

// WritePNG encodes img to path
func WritePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteCube writes a cube as FITS to path
func WriteCube(path string, c *cube.Cube, metadata ...fitsio.Card) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := cube.WriteFITS(f, c, metadata...); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadCube reads a FITS cube from path
func ReadCube(path string) (*cube.Cube, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return cube.ReadFITS(f)
}

func writeManifest(fldr string, m Manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(fldr, ManifestFile), b, 0666)
}

// ReadManifest reads scan.json from a scan folder
func ReadManifest(fldr string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(filepath.Join(fldr, ManifestFile))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}
