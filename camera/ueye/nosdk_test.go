//go:build !ueye

package ueye

import (
	"errors"
	"io"
	"log"
	"testing"

	"github.com/kybfarm/hsi/config"
	"github.com/kybfarm/hsi/fault"
)

func TestConnectWithoutSDK(t *testing.T) {
	c := New(config.Default().Camera, log.New(io.Discard, "", 0))
	c.ProbeUSB = false
	if err := c.Connect(); !errors.Is(err, fault.ConnectionFailure) {
		t.Errorf("expected ConnectionFailure, got %v", err)
	}
	if _, err := c.CaptureFrame(); !errors.Is(err, fault.ConnectionFailure) {
		t.Errorf("expected ConnectionFailure after a failed Connect, got %v", err)
	}
}
