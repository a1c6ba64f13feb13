//go:build !ueye

package ueye

import (
	"image"
	"time"

	"github.com/kybfarm/hsi/config"
	"github.com/kybfarm/hsi/fault"
)

type handle struct{}

func (h *handle) open(config.Camera) error {
	return fault.New(fault.ConnectionFailure, "ueye.Connect", "built without uEye SDK support, rebuild with -tags ueye")
}

func (h *handle) grab(time.Duration) (*image.Gray, error) {
	return nil, fault.New(fault.ConnectionFailure, "ueye.CaptureFrame", "built without uEye SDK support")
}

func (h *handle) close() error { return nil }
