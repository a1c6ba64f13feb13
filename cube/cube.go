/*Package cube assembles line-scan frames into a hyperspectral cube.

Each frame is one position of the scan: its rows are spatial, its columns
spectral.  Columns are binned into bands by averaging groups of BinSize
pixels; a trailing group narrower than BinSize is dropped.  The cube axes
are (rows, positions, bands), positions in the order the frames were added.
*/
package cube

import (
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/gift"
	"github.com/kybfarm/hsi/fault"
)

// ErrEmptyCube is generated when Build is called before any frame was added
var ErrEmptyCube = errors.New("no frames were added to the cube")

// Cube is a (rows, positions, bands) block of 8-bit samples
type Cube struct {
	Rows      int
	Positions int
	Bands     int

	// Data is laid out band fastest, then position, then row
	Data []uint8
}

// New returns a zeroed cube of the given shape
func New(rows, positions, bands int) *Cube {
	return &Cube{Rows: rows, Positions: positions, Bands: bands, Data: make([]uint8, rows*positions*bands)}
}

func (c *Cube) index(row, pos, band int) int {
	return (row*c.Positions+pos)*c.Bands + band
}

// At returns one sample
func (c *Cube) At(row, pos, band int) uint8 {
	return c.Data[c.index(row, pos, band)]
}

// Set stores one sample
func (c *Cube) Set(row, pos, band int, v uint8) {
	c.Data[c.index(row, pos, band)] = v
}

// Spectrum returns the bands of one pixel, sharing storage with the cube
func (c *Cube) Spectrum(row, pos int) []uint8 {
	i := c.index(row, pos, 0)
	return c.Data[i : i+c.Bands]
}

// Band returns one band as a rows x positions image
func (c *Cube) Band(band int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, c.Positions, c.Rows))
	for r := 0; r < c.Rows; r++ {
		for p := 0; p < c.Positions; p++ {
			img.Pix[r*img.Stride+p] = c.At(r, p, band)
		}
	}
	return img
}

// Shape returns (rows, positions, bands)
func (c *Cube) Shape() [3]int {
	return [3]int{c.Rows, c.Positions, c.Bands}
}

func (c *Cube) String() string {
	return fmt.Sprintf("cube(%d rows, %d positions, %d bands)", c.Rows, c.Positions, c.Bands)
}

// Crop cuts window out of img.  The window is clipped to the frame the way
// array slicing would; a window that misses the frame entirely is a
// GeometryMismatch.  The result starts at the origin.
func Crop(img *image.Gray, window image.Rectangle) (*image.Gray, error) {
	b := img.Bounds()
	r := window.Add(b.Min).Intersect(b)
	if r.Empty() {
		return nil, fault.New(fault.GeometryMismatch, "cube.Crop", fmt.Sprintf("crop window %v is outside the %dx%d frame", window, b.Dx(), b.Dy()))
	}
	g := gift.New(gift.Crop(r))
	out := image.NewGray(g.Bounds(b))
	g.Draw(out, img)
	return out, nil
}

// Bin averages each row of img over consecutive groups of binSize columns.
// The mean is truncated to an integer.  It returns the binned samples, row
// major, and the number of bands per row.
func Bin(img *image.Gray, binSize int) ([]uint8, int) {
	b := img.Bounds()
	rows := b.Dy()
	bands := b.Dx() / binSize
	out := make([]uint8, rows*bands)
	for y := 0; y < rows; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
		for band := 0; band < bands; band++ {
			sum := 0
			for _, v := range row[band*binSize : (band+1)*binSize] {
				sum += int(v)
			}
			out[y*bands+band] = uint8(sum / binSize)
		}
	}
	return out, bands
}

// Assembler accumulates binned frames.  The first frame fixes the number of
// rows and bands; it is not safe for concurrent use.
type Assembler struct {
	BinSize int

	rows, bands int
	slices      [][]uint8
}

// NewAssembler returns an Assembler binning by binSize columns
func NewAssembler(binSize int) *Assembler {
	return &Assembler{BinSize: binSize}
}

// AddFrame bins frame and appends it as the next position.  A frame whose
// binned shape differs from the first one is rejected with a
// GeometryMismatch and the assembler is left unchanged.
func (a *Assembler) AddFrame(frame *image.Gray) error {
	const op = "cube.AddFrame"
	if a.BinSize < 1 {
		return fault.New(fault.ConfigurationError, op, fmt.Sprintf("bin size must be >= 1, got %d", a.BinSize))
	}
	b := frame.Bounds()
	if b.Dx() < a.BinSize || b.Dy() == 0 {
		return fault.New(fault.GeometryMismatch, op, fmt.Sprintf("%dx%d frame holds no complete bin of %d columns", b.Dx(), b.Dy(), a.BinSize))
	}
	rows, bands := b.Dy(), b.Dx()/a.BinSize
	if len(a.slices) > 0 && (rows != a.rows || bands != a.bands) {
		return fault.New(fault.GeometryMismatch, op, fmt.Sprintf("frame %d is %d rows x %d bands, expected %d x %d", len(a.slices), rows, bands, a.rows, a.bands))
	}
	binned, _ := Bin(frame, a.BinSize)
	a.rows, a.bands = rows, bands
	a.slices = append(a.slices, binned)
	return nil
}

// Len returns the number of frames added
func (a *Assembler) Len() int {
	return len(a.slices)
}

// Reset discards every frame
func (a *Assembler) Reset() {
	a.slices = nil
	a.rows, a.bands = 0, 0
}

// Build returns the cube of every frame added so far
func (a *Assembler) Build() (*Cube, error) {
	if len(a.slices) == 0 {
		return nil, ErrEmptyCube
	}
	c := New(a.rows, len(a.slices), a.bands)
	for p, s := range a.slices {
		for r := 0; r < a.rows; r++ {
			copy(c.Spectrum(r, p), s[r*a.bands:(r+1)*a.bands])
		}
	}
	return c, nil
}
