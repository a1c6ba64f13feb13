/*Package camera describes the interface the scanner uses to acquire frames
and holds the post-processing every frame goes through before it is handed
out.

The ImageSource type contains the basics.  Drivers live in subpackages
(camera/ueye); Mock is an in-memory source for tests and offline runs.

*/
package camera

import (
	"errors"
	"image"

	"github.com/disintegration/gift"
)

// ErrNotConnected is generated when a frame is requested before Connect
var ErrNotConnected = errors.New("camera is not connected")

// ImageSource describes a continuously acquiring 8-bit monochrome camera.
// Implementations are not safe for use by two logical operations at once.
type ImageSource interface {
	// Connect initializes the camera.  This fixes exposure, gain, black
	// level and pixel depth, disables automatic exposure and gain, allocates
	// the frame buffers and starts continuous acquisition.
	Connect() error

	// CaptureFrame waits for the next filled buffer and returns a copy of it
	// owned by the caller, contrast stretched and mirrored by Normalize
	CaptureFrame() (*image.Gray, error)

	// Disconnect stops acquisition and releases the camera; it is idempotent
	Disconnect() error
}

// Normalize stretches img linearly so its darkest pixel is 0 and its
// brightest 255, then mirrors it left to right if flip is true.  A flat
// image becomes all zeros.  img is not modified.
//
// The stretch is per frame, so two frames of the same scene at different
// brightness come out the same; absolute intensity is not preserved.
func Normalize(img *image.Gray, flip bool) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	lo, hi := uint8(255), uint8(0)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for _, v := range row {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}
	if hi > lo {
		scale := 255. / float64(hi-lo)
		for y := 0; y < b.Dy(); y++ {
			src := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):img.PixOffset(b.Max.X, b.Min.Y+y)]
			dst := out.Pix[out.PixOffset(0, y):out.PixOffset(b.Dx(), y)]
			for x, v := range src {
				dst[x] = uint8(float64(v-lo)*scale + 0.5)
			}
		}
	}
	if !flip {
		return out
	}
	g := gift.New(gift.FlipHorizontal())
	flipped := image.NewGray(g.Bounds(out.Bounds()))
	g.Draw(flipped, out)
	return flipped
}

// FromBytes wraps a packed row-major Mono8 buffer as an image, copying it.
// pitch is the distance in bytes between row starts.
func FromBytes(buf []byte, width, height, pitch int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		copy(img.Pix[y*img.Stride:y*img.Stride+width], buf[y*pitch:y*pitch+width])
	}
	return img
}
