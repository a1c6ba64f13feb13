// Package motion contains an abstract interface for the 2-axis scan stage
// and a mock implementation of it.
package motion

import (
	"context"
	"strconv"
	"strings"
)

// Target is an absolute move.  A nil axis is left where it is; a zero
// Feedrate uses the controller default (mm/min).
type Target struct {
	X        *float64
	Z        *float64
	Feedrate float64
}

// To returns a Target for both axes
func To(x, z float64) Target {
	return Target{X: &x, Z: &z}
}

// ToX returns a Target that only moves X
func ToX(x float64) Target {
	return Target{X: &x}
}

// ToZ returns a Target that only moves Z
func ToZ(z float64) Target {
	return Target{Z: &z}
}

// GCode renders the target as a single G1 move; defaultFeed is used when the
// target has no feedrate of its own
func (t Target) GCode(defaultFeed float64) string {
	parts := []string{"G1"}
	if t.X != nil {
		parts = append(parts, "X"+formatFloat(*t.X))
	}
	if t.Z != nil {
		parts = append(parts, "Z"+formatFloat(*t.Z))
	}
	feed := t.Feedrate
	if feed == 0 {
		feed = defaultFeed
	}
	if feed > 0 {
		parts = append(parts, "F"+formatFloat(feed))
	}
	return strings.Join(parts, " ")
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Stage describes the motion controller the scanner drives.  Implementations
// are not safe for use by two logical operations at once.
type Stage interface {
	// Connect opens the link and confirms the controller is ready to move
	Connect(context.Context) error

	// Disconnect closes the link; it is idempotent
	Disconnect() error

	// Home brings both axes to their reference positions
	Home(context.Context) error

	// MoveTo makes an absolute move and returns once motion has finished
	MoveTo(context.Context, Target) error

	// SendCommand sends one raw command and returns the lines received until
	// it was acknowledged.  If wait is true it also blocks until all queued
	// motion has finished.
	SendCommand(ctx context.Context, cmd string, wait bool) ([]string, error)
}
