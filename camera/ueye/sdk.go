//go:build ueye

package ueye

/*
#cgo CFLAGS: -I/usr/include
#cgo LDFLAGS: -lueye_api
#include <stdlib.h>
#include <ueye.h>
*/
import "C"
import (
	"image"
	"time"
	"unsafe"

	"github.com/kybfarm/hsi/camera"
	"github.com/kybfarm/hsi/config"
	"github.com/kybfarm/hsi/fault"
)

// handle owns the SDK camera handle and its image memory ring
type handle struct {
	cam    C.HIDS
	inited bool
	mems   []*C.char
	ids    []C.INT
	queued bool
	live   bool

	width, height, pitch int
}

func (h *handle) open(s config.Camera) error {
	h.cam = 0
	if err := enrich(int(C.is_InitCamera(&h.cam, nil)), "is_InitCamera", fault.ConnectionFailure); err != nil {
		return err
	}
	h.inited = true
	if err := enrich(int(C.is_SetColorMode(h.cam, C.IS_CM_MONO8)), "is_SetColorMode", fault.ProtocolFault); err != nil {
		return err
	}
	exp := C.double(s.ExposureTimeMS)
	err := enrich(int(C.is_Exposure(h.cam, C.IS_EXPOSURE_CMD_SET_EXPOSURE, unsafe.Pointer(&exp), C.UINT(unsafe.Sizeof(exp)))), "is_Exposure", fault.ProtocolFault)
	if err != nil {
		return err
	}
	err = enrich(int(C.is_SetHardwareGain(h.cam, C.INT(s.MasterGain), C.IS_IGNORE_PARAMETER, C.IS_IGNORE_PARAMETER, C.IS_IGNORE_PARAMETER)), "is_SetHardwareGain", fault.ProtocolFault)
	if err != nil {
		return err
	}
	black := C.INT(s.BlackLevel)
	err = enrich(int(C.is_Blacklevel(h.cam, C.IS_BLACKLEVEL_CMD_SET_OFFSET, unsafe.Pointer(&black), C.UINT(unsafe.Sizeof(black)))), "is_Blacklevel", fault.ProtocolFault)
	if err != nil {
		return err
	}
	var off C.double
	for _, p := range []C.INT{C.IS_SET_ENABLE_AUTO_GAIN, C.IS_SET_ENABLE_AUTO_SHUTTER} {
		if err := enrich(int(C.is_SetAutoParameter(h.cam, p, &off, &off)), "is_SetAutoParameter", fault.ProtocolFault); err != nil {
			return err
		}
	}

	n := s.Buffers
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		var (
			mem *C.char
			id  C.INT
		)
		err = enrich(int(C.is_AllocImageMem(h.cam, C.INT(s.Width), C.INT(s.Height), C.INT(s.BitsPerPixel), &mem, &id)), "is_AllocImageMem", fault.ProtocolFault)
		if err != nil {
			return err
		}
		h.mems = append(h.mems, mem)
		h.ids = append(h.ids, id)
		if err := enrich(int(C.is_AddToSequence(h.cam, mem, id)), "is_AddToSequence", fault.ProtocolFault); err != nil {
			return err
		}
	}
	var pitch C.INT
	if err := enrich(int(C.is_GetImageMemPitch(h.cam, &pitch)), "is_GetImageMemPitch", fault.ProtocolFault); err != nil {
		return err
	}
	h.width, h.height, h.pitch = s.Width, s.Height, int(pitch)
	if err := enrich(int(C.is_InitImageQueue(h.cam, 0)), "is_InitImageQueue", fault.ProtocolFault); err != nil {
		return err
	}
	h.queued = true
	if err := enrich(int(C.is_CaptureVideo(h.cam, C.IS_DONT_WAIT)), "is_CaptureVideo", fault.ProtocolFault); err != nil {
		return err
	}
	h.live = true
	return nil
}

// grab copies the next filled buffer out and returns it to the ring
func (h *handle) grab(timeout time.Duration) (*image.Gray, error) {
	var (
		mem *C.char
		id  C.INT
	)
	ms := C.UINT(timeout / time.Millisecond)
	if err := enrich(int(C.is_WaitForNextImage(h.cam, ms, &mem, &id)), "is_WaitForNextImage", fault.ProtocolFault); err != nil {
		return nil, err
	}
	buf := C.GoBytes(unsafe.Pointer(mem), C.int(h.pitch*h.height))
	err := enrich(int(C.is_UnlockSeqBuf(h.cam, id, mem)), "is_UnlockSeqBuf", fault.ProtocolFault)
	return camera.FromBytes(buf, h.width, h.height, h.pitch), err
}

// close releases whatever open managed to acquire; the first error is returned
func (h *handle) close() error {
	var first error
	keep := func(err error) {
		if first == nil {
			first = err
		}
	}
	if h.live {
		keep(enrich(int(C.is_StopLiveVideo(h.cam, C.IS_FORCE_VIDEO_STOP)), "is_StopLiveVideo", fault.ProtocolFault))
		h.live = false
	}
	if h.queued {
		keep(enrich(int(C.is_ExitImageQueue(h.cam)), "is_ExitImageQueue", fault.ProtocolFault))
		h.queued = false
	}
	if len(h.mems) > 0 {
		keep(enrich(int(C.is_ClearSequence(h.cam)), "is_ClearSequence", fault.ProtocolFault))
		for i := range h.mems {
			keep(enrich(int(C.is_FreeImageMem(h.cam, h.mems[i], h.ids[i])), "is_FreeImageMem", fault.ProtocolFault))
		}
		h.mems, h.ids = nil, nil
	}
	if h.inited {
		keep(enrich(int(C.is_ExitCamera(h.cam)), "is_ExitCamera", fault.ConnectionFailure))
		h.inited = false
	}
	return first
}
