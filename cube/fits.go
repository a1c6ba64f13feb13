package cube

import (
	"fmt"
	"io"

	"github.com/astrogo/fitsio"
	"github.com/kybfarm/hsi/fault"
	"github.com/snksoft/crc"
)

// checksumCard holds the CRC-32 of the data array
const checksumCard = "DATACRC"

// Checksum returns the CRC-32 of the cube samples
func (c *Cube) Checksum() uint64 {
	return crc.CalculateCRC(crc.CRC32, c.Data)
}

// WriteFITS streams the cube to w as an 8-bit FITS primary image.  The FITS
// axes are NAXIS1=bands, NAXIS2=positions, NAXIS3=rows, so the file holds
// Data unchanged.  metadata is appended to the header.
func WriteFITS(w io.Writer, c *Cube, metadata ...fitsio.Card) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(8, []int{c.Bands, c.Positions, c.Rows})
	defer im.Close()
	cards := append([]fitsio.Card{
		{Name: "CTYPE1", Value: "BAND", Comment: "spectral bin"},
		{Name: "CTYPE2", Value: "POSITION", Comment: "scan position, capture order"},
		{Name: "CTYPE3", Value: "ROW", Comment: "cropped sensor row"},
		{Name: checksumCard, Value: int(c.Checksum()), Comment: "CRC-32 of the data array"},
	}, metadata...)
	if err = im.Header().Append(cards...); err != nil {
		return err
	}
	if err = im.Write(c.Data); err != nil {
		return err
	}
	return fits.Write(im)
}

// ReadFITS reads a cube written by WriteFITS and verifies its checksum
func ReadFITS(r io.Reader) (*Cube, error) {
	const op = "cube.ReadFITS"
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	im, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return nil, fault.New(fault.GeometryMismatch, op, "primary HDU is not an image")
	}
	hdr := im.Header()
	axes := hdr.Axes()
	if hdr.Bitpix() != 8 || len(axes) != 3 {
		return nil, fault.New(fault.GeometryMismatch, op, fmt.Sprintf("expected a 3 axis 8-bit image, got %d axes of bitpix %d", len(axes), hdr.Bitpix()))
	}
	c := &Cube{Bands: axes[0], Positions: axes[1], Rows: axes[2]}
	raw := im.Raw()
	if len(raw) < c.Rows*c.Positions*c.Bands {
		return nil, fault.New(fault.GeometryMismatch, op, "data array is shorter than its axes")
	}
	c.Data = append([]uint8(nil), raw[:c.Rows*c.Positions*c.Bands]...)
	if card := hdr.Get(checksumCard); card != nil {
		want, ok := cardInt(card.Value)
		if ok && uint64(want) != c.Checksum() {
			return nil, fault.New(fault.ProtocolFault, op, fmt.Sprintf("checksum mismatch: header %d, data %d", want, c.Checksum()))
		}
	}
	return c, nil
}

func cardInt(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return int64(t), true
	}
	return 0, false
}
