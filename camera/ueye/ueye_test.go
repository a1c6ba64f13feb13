package ueye

import (
	"errors"
	"io"
	"log"
	"testing"

	"github.com/kybfarm/hsi/config"
	"github.com/kybfarm/hsi/fault"
)

func TestEnrich(t *testing.T) {
	if err := enrich(0, "is_InitCamera", fault.ConnectionFailure); err != nil {
		t.Errorf("expected nil for IS_SUCCESS, got %v", err)
	}
	err := enrich(3, "is_InitCamera", fault.ConnectionFailure)
	if !errors.Is(err, fault.ConnectionFailure) {
		t.Errorf("expected ConnectionFailure, got %v", err)
	}
	var sdk SDKError
	if !errors.As(err, &sdk) || sdk != 3 {
		t.Errorf("expected the SDK code to be wrapped, got %v", err)
	}
	if err := enrich(122, "is_WaitForNextImage", fault.ProtocolFault); !errors.Is(err, fault.ProtocolTimeout) {
		t.Errorf("expected a timed out wait to be a ProtocolTimeout, got %v", err)
	}
}

func TestSDKErrorString(t *testing.T) {
	if s := SDKError(122).Error(); s != "122 - IS_TIMED_OUT" {
		t.Errorf("got %q", s)
	}
	if s := SDKError(9999).Error(); s != "9999 - UNKNOWN_ERROR_CODE" {
		t.Errorf("got %q", s)
	}
}

func TestCaptureBeforeConnect(t *testing.T) {
	c := New(config.Default().Camera, log.New(io.Discard, "", 0))
	if _, err := c.CaptureFrame(); !errors.Is(err, fault.ConnectionFailure) {
		t.Errorf("expected ConnectionFailure, got %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Errorf("disconnecting an unconnected camera should not error, got %v", err)
	}
}
