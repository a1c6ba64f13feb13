package motion

import (
	"context"
	"testing"
)

func TestTargetGCode(t *testing.T) {
	cases := []struct {
		target   Target
		expected string
	}{
		{To(10, 20.5), "G1 X10 Z20.5 F1500"},
		{ToX(0.25), "G1 X0.25 F1500"},
		{ToZ(-3), "G1 Z-3 F1500"},
		{Target{X: ToX(1).X, Feedrate: 600}, "G1 X1 F600"},
	}
	for _, c := range cases {
		out := c.target.GCode(1500)
		if out != c.expected {
			t.Errorf("expected %q got %q", c.expected, out)
		}
	}
}

func TestMockRequiresConnect(t *testing.T) {
	m := NewMockStage()
	if err := m.MoveTo(context.Background(), To(1, 1)); err != ErrMockNotConnected {
		t.Errorf("expected ErrMockNotConnected, got %v", err)
	}
	m.Connect(context.Background())
	if err := m.MoveTo(context.Background(), To(1, 2)); err != nil {
		t.Fatal(err)
	}
	x, z := m.Position()
	if x != 1 || z != 2 {
		t.Errorf("expected position (1, 2), got (%g, %g)", x, z)
	}
}
