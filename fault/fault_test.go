package fault_test

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/kybfarm/hsi/fault"
)

func ExampleError() {
	err := fault.New(fault.ProtocolFault, "marlin.Connect", "printer reported error state")
	fmt.Println(err)
	fmt.Println(errors.Is(err, fault.ProtocolFault))
	// Output:
	// marlin.Connect: printer reported error state
	// true
}

func TestIsThroughWrapping(t *testing.T) {
	inner := fault.Wrap(fault.ConnectionFailure, "comm.Open", "", io.EOF)
	outer := fmt.Errorf("scan: %w", inner)
	if !errors.Is(outer, fault.ConnectionFailure) {
		t.Errorf("expected %v to match ConnectionFailure", outer)
	}
	if errors.Is(outer, fault.ProtocolTimeout) {
		t.Errorf("did not expect %v to match ProtocolTimeout", outer)
	}
	if !errors.Is(outer, io.EOF) {
		t.Errorf("expected the cause to be reachable through Unwrap")
	}
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", fault.New(fault.GeometryMismatch, "cube.AddFrame", "bands 3 != 4"))
	if k := fault.KindOf(err); k != fault.GeometryMismatch {
		t.Errorf("expected %q got %q", fault.GeometryMismatch, k)
	}
	if k := fault.KindOf(io.EOF); k != "" {
		t.Errorf("expected empty kind for unclassified error, got %q", k)
	}
}

func TestErrorTextWithoutMessage(t *testing.T) {
	err := fault.Wrap(fault.ConnectionFailure, "comm.Open", "", io.EOF)
	expected := "comm.Open: connection failure: EOF"
	if err.Error() != expected {
		t.Errorf("expected %q got %q", expected, err.Error())
	}
}
