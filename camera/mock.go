package camera

import (
	"image"
	"sync"

	"github.com/kybfarm/hsi/fault"
)

// Mock is an ImageSource that synthesizes frames.  Each frame has a
// horizontal intensity ramp, like a dispersed spectrum, raised by an offset
// that depends on the number of frames taken.  Two anchor pixels at the start
// of row 0 hold 0 and 255 so Normalize leaves the levels alone and frame n
// stays distinguishable after the stretch: every other pixel of frame n is
// brighter by FrameOffset(n).
type Mock struct {
	sync.Mutex

	Width, Height int

	// Flip is passed to Normalize
	Flip bool

	// ConnectErr is returned by Connect when set
	ConnectErr error

	// FailCaptureAt makes the n-th CaptureFrame (1-based) return CaptureErr
	FailCaptureAt int
	CaptureErr    error

	// Generate, if not nil, replaces the built in pattern.  n is the
	// 0-based frame counter.
	Generate func(n int) *image.Gray

	connected   bool
	frames      int
	disconnects int
}

// NewMock returns a Mock producing frames of the given size
func NewMock(width, height int) *Mock {
	return &Mock{Width: width, Height: height, Flip: true}
}

// Connect marks the camera connected unless ConnectErr is set
func (m *Mock) Connect() error {
	m.Lock()
	defer m.Unlock()
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.connected = true
	return nil
}

// CaptureFrame returns the next synthetic frame
func (m *Mock) CaptureFrame() (*image.Gray, error) {
	m.Lock()
	defer m.Unlock()
	if !m.connected {
		return nil, fault.Wrap(fault.ConnectionFailure, "camera.Mock.CaptureFrame", "", ErrNotConnected)
	}
	n := m.frames
	m.frames++
	if m.FailCaptureAt > 0 && m.frames == m.FailCaptureAt {
		return nil, m.CaptureErr
	}
	var raw *image.Gray
	if m.Generate != nil {
		raw = m.Generate(n)
	} else {
		raw = image.NewGray(image.Rect(0, 0, m.Width, m.Height))
		off := FrameOffset(n)
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				raw.Pix[y*raw.Stride+x] = uint8(30 + x*100/m.Width + off + y%7)
			}
		}
		if m.Width > 1 && m.Height > 0 {
			raw.Pix[0], raw.Pix[1] = 0, 255
		}
	}
	return Normalize(raw, m.Flip), nil
}

// FrameOffset is the brightness the built in pattern adds to frame n.
// It is distinct for the first 90 frames.
func FrameOffset(n int) int {
	return (13 * n) % 90
}

// Disconnect marks the camera disconnected
func (m *Mock) Disconnect() error {
	m.Lock()
	defer m.Unlock()
	m.connected = false
	m.disconnects++
	return nil
}

// Connected reports whether Connect succeeded and Disconnect was not called since
func (m *Mock) Connected() bool {
	m.Lock()
	defer m.Unlock()
	return m.connected
}

// Frames returns how many frames were requested
func (m *Mock) Frames() int {
	m.Lock()
	defer m.Unlock()
	return m.frames
}

// Disconnects returns how many times Disconnect was called
func (m *Mock) Disconnects() int {
	m.Lock()
	defer m.Unlock()
	return m.disconnects
}
