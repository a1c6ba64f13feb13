/*Package ueye exposes IDS uEye USB cameras as a camera.ImageSource via the
IDS C SDK (libueye_api).

The SDK binding is only compiled with the ueye build tag:

	go build -tags ueye ./...

Without it, Connect fails with a ConnectionFailure, so the rest of the
program builds and runs (in mock mode) on machines without the SDK.

Frames are acquired continuously into a ring of SDK-owned buffers; each
CaptureFrame waits for the next filled buffer, copies it out and hands the
buffer back to the ring.
*/
package ueye

import (
	"fmt"
	"image"
	"log"
	"os"
	"sync"

	"github.com/kybfarm/hsi/camera"
	"github.com/kybfarm/hsi/camera/usbprobe"
	"github.com/kybfarm/hsi/config"
	"github.com/kybfarm/hsi/fault"
)

// SDKError is a non-zero return code from the SDK
type SDKError int

// ErrCodes maps the SDK codes seen in practice to their names
var ErrCodes = map[SDKError]string{
	-1:  "IS_NO_SUCCESS",
	1:   "IS_INVALID_CAMERA_HANDLE",
	2:   "IS_IO_REQUEST_FAILED",
	3:   "IS_CANT_OPEN_DEVICE",
	122: "IS_TIMED_OUT",
	125: "IS_INVALID_PARAMETER",
}

const codeTimedOut SDKError = 122

func (e SDKError) Error() string {
	if s, ok := ErrCodes[e]; ok {
		return fmt.Sprintf("%d - %s", int(e), s)
	}
	return fmt.Sprintf("%d - UNKNOWN_ERROR_CODE", int(e))
}

// enrich converts an SDK return code into a fault tagged with the call
// that produced it, or nil on success
func enrich(code int, call string, kind fault.Kind) error {
	if code == 0 {
		return nil
	}
	e := SDKError(code)
	if e == codeTimedOut {
		kind = fault.ProtocolTimeout
	}
	return fault.Wrap(kind, "ueye."+call, "", e)
}

// Camera is a uEye camera.  The zero value is not usable; use New.
type Camera struct {
	// Settings are applied on Connect
	Settings config.Camera

	// ProbeUSB makes Connect check the USB bus for an IDS device before
	// initializing the SDK, which otherwise can take seconds to give up
	ProbeUSB bool

	// Logger receives lifecycle messages
	Logger *log.Logger

	mu        sync.Mutex
	connected bool
	h         handle
}

var _ camera.ImageSource = (*Camera)(nil)

// New returns a Camera configured from the camera section.  If logger is
// nil, one writing to stderr is used.
func New(cfg config.Camera, logger *log.Logger) *Camera {
	if logger == nil {
		logger = log.New(os.Stderr, "[ueye] ", log.LstdFlags)
	}
	return &Camera{Settings: cfg, ProbeUSB: true, Logger: logger}
}

// Connect initializes the first available camera and starts acquisition.
// Calling Connect on a connected camera does nothing.
func (c *Camera) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	if c.ProbeUSB {
		if err := usbprobe.RequireCamera(); err != nil {
			return err
		}
	}
	if err := c.h.open(c.Settings); err != nil {
		c.h.close()
		return err
	}
	c.connected = true
	s := c.Settings
	c.Logger.Printf("camera connected with exposure=%gms, gain=%d, black_level=%d", s.ExposureTimeMS, s.MasterGain, s.BlackLevel)
	return nil
}

// CaptureFrame waits up to the configured capture timeout for a frame
func (c *Camera) CaptureFrame() (*image.Gray, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, fault.Wrap(fault.ConnectionFailure, "ueye.CaptureFrame", "", camera.ErrNotConnected)
	}
	raw, err := c.h.grab(c.Settings.CaptureTimeout())
	if err != nil {
		return nil, err
	}
	return camera.Normalize(raw, c.Settings.FlipHorizontal), nil
}

// Disconnect stops acquisition and releases the SDK buffers and handle.  It
// is idempotent.
func (c *Camera) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	err := c.h.close()
	c.Logger.Println("camera disconnected and resources released")
	return err
}
