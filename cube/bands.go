package cube

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"

	"github.com/disintegration/gift"
	"github.com/kybfarm/hsi/fault"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Window is a closed wavelength interval in nm
type Window struct {
	Lo, Hi float64
}

// search windows for the composite channels, nm
var (
	RedWindow   = Window{600, 700}
	GreenWindow = Window{510, 580}
	BlueWindow  = Window{420, 500}
)

// ndviGuard replaces a zero denominator
const ndviGuard = 1e-5

// Calibration names the bands used for the red, green and blue channels of
// the composite
type Calibration struct {
	Red   int `json:"red_band"`
	Green int `json:"green_band"`
	Blue  int `json:"blue_band"`
}

// LoadCalibration reads a calibration file.  A missing file is not an error;
// ok is false and the caller should select bands itself.
func LoadCalibration(path string) (cal Calibration, ok bool, err error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cal, false, nil
	}
	if err != nil {
		return cal, false, err
	}
	if err = json.Unmarshal(b, &cal); err != nil {
		return cal, false, fault.Wrap(fault.ConfigurationError, "cube.LoadCalibration", path, err)
	}
	return cal, true, nil
}

// Save writes the calibration as indented JSON
func (cal Calibration) Save(path string) error {
	b, err := json.MarshalIndent(cal, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

// Check returns a GeometryMismatch if a band is outside [0, bands)
func (cal Calibration) Check(bands int) error {
	for _, b := range []int{cal.Red, cal.Green, cal.Blue} {
		if b < 0 || b >= bands {
			return fault.New(fault.GeometryMismatch, "cube.Calibration", fmt.Sprintf("band %d is outside a %d band cube", b, bands))
		}
	}
	return nil
}

// Wavelengths returns the nominal centre wavelength of each band, spread
// evenly from start to end inclusive
func Wavelengths(bands int, start, end float64) []float64 {
	if bands == 1 {
		return []float64{start}
	}
	return floats.Span(make([]float64, bands), start, end)
}

// MeanSpectrum returns the mean of each band over every row and position
func MeanSpectrum(c *Cube) []float64 {
	out := make([]float64, c.Bands)
	vals := make([]float64, c.Rows*c.Positions)
	for b := 0; b < c.Bands; b++ {
		i := 0
		for r := 0; r < c.Rows; r++ {
			for p := 0; p < c.Positions; p++ {
				vals[i] = float64(c.At(r, p, b))
				i++
			}
		}
		out[b] = stat.Mean(vals, nil)
	}
	return out
}

// peak returns the index of the largest value of spectrum whose wavelength
// lies in w
func peak(spectrum, wl []float64, w Window) (int, bool) {
	var idx []int
	var sub []float64
	for i, l := range wl {
		if l >= w.Lo && l <= w.Hi {
			idx = append(idx, i)
			sub = append(sub, spectrum[i])
		}
	}
	if len(sub) == 0 {
		return 0, false
	}
	return idx[floats.MaxIdx(sub)], true
}

// SelectBands picks, for each channel, the band with the highest mean
// intensity inside the channel's window.  It fails if a window contains no
// band.
func SelectBands(c *Cube, start, end float64) (Calibration, error) {
	return selectFrom(MeanSpectrum(c), start, end)
}

func selectFrom(spectrum []float64, start, end float64) (Calibration, error) {
	wl := Wavelengths(len(spectrum), start, end)
	var cal Calibration
	for _, ch := range []struct {
		dst  *int
		win  Window
		name string
	}{{&cal.Red, RedWindow, "red"}, {&cal.Green, GreenWindow, "green"}, {&cal.Blue, BlueWindow, "blue"}} {
		i, ok := peak(spectrum, wl, ch.win)
		if !ok {
			return cal, fault.New(fault.GeometryMismatch, "cube.SelectBands", fmt.Sprintf("no band falls in the %s window %g-%g nm", ch.name, ch.win.Lo, ch.win.Hi))
		}
		*ch.dst = i
	}
	return cal, nil
}

// stretch maps a band linearly onto 0-255
func stretch(img *image.Gray) {
	lo, hi := uint8(255), uint8(0)
	for _, v := range img.Pix {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi <= lo {
		for i := range img.Pix {
			img.Pix[i] = 0
		}
		return
	}
	scale := 255. / float64(hi-lo)
	for i, v := range img.Pix {
		img.Pix[i] = uint8(float64(v-lo)*scale + 0.5)
	}
}

// RGB composes three stretched bands into a colour image of rows x
// positions.  If scaleY is positive the image is resized vertically by it to
// correct the anamorphic aspect of the scan.
func RGB(c *Cube, cal Calibration, scaleY float64) (*image.RGBA, error) {
	if err := cal.Check(c.Bands); err != nil {
		return nil, err
	}
	r, g, b := c.Band(cal.Red), c.Band(cal.Green), c.Band(cal.Blue)
	for _, ch := range []*image.Gray{r, g, b} {
		stretch(ch)
	}
	out := image.NewRGBA(image.Rect(0, 0, c.Positions, c.Rows))
	for y := 0; y < c.Rows; y++ {
		for x := 0; x < c.Positions; x++ {
			i := y*r.Stride + x
			out.SetRGBA(x, y, color.RGBA{R: r.Pix[i], G: g.Pix[i], B: b.Pix[i], A: 255})
		}
	}
	if scaleY <= 0 || scaleY == 1 {
		return out, nil
	}
	h := int(float64(c.Rows) * scaleY)
	if h < 1 {
		h = 1
	}
	f := gift.New(gift.Resize(c.Positions, h, gift.LinearResampling))
	resized := image.NewRGBA(f.Bounds(out.Bounds()))
	f.Draw(resized, out)
	return resized, nil
}

// NDVI returns (nir-red)/(nir+red) for every pixel, rows major, positions
// minor.  A zero sum is replaced by a tiny constant so dark pixels give 0.
func NDVI(c *Cube, red, nir int) ([]float64, error) {
	if red < 0 || red >= c.Bands || nir < 0 || nir >= c.Bands {
		return nil, fault.New(fault.GeometryMismatch, "cube.NDVI", fmt.Sprintf("bands %d, %d outside a %d band cube", red, nir, c.Bands))
	}
	out := make([]float64, c.Rows*c.Positions)
	for r := 0; r < c.Rows; r++ {
		for p := 0; p < c.Positions; p++ {
			rv, nv := float64(c.At(r, p, red)), float64(c.At(r, p, nir))
			den := nv + rv
			if den == 0 {
				den = ndviGuard
			}
			out[r*c.Positions+p] = (nv - rv) / den
		}
	}
	return out, nil
}

// NDVIRange returns the min and max of an NDVI map, NaN for an empty one
func NDVIRange(v []float64) (lo, hi float64) {
	if len(v) == 0 {
		return math.NaN(), math.NaN()
	}
	return floats.Min(v), floats.Max(v)
}
