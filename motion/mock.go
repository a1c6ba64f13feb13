package motion

import (
	"context"
	"errors"
	"sync"
)

// ErrMockNotConnected is returned by the mock when a command is issued
// before Connect
var ErrMockNotConnected = errors.New("mock stage is not connected")

// MockStage is an in-memory Stage.  It records every command it is given and
// tracks position, and lets tests inject failures.
type MockStage struct {
	sync.Mutex

	// ConnectErr, HomeErr are returned by Connect and Home when set
	ConnectErr error
	HomeErr    error

	// FailMoveAt makes the n-th MoveTo (1-based) return MoveErr
	FailMoveAt int
	MoveErr    error

	// DefaultFeed is used to render moves into Log
	DefaultFeed float64

	// Log holds every command in the order received, rendered as G-code
	Log []string

	connected   bool
	moves       int
	disconnects int
	x, z        float64
}

// NewMockStage returns a ready to use mock
func NewMockStage() *MockStage {
	return &MockStage{DefaultFeed: 1500}
}

// Connect marks the stage connected unless ConnectErr is set
func (m *MockStage) Connect(ctx context.Context) error {
	m.Lock()
	defer m.Unlock()
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.connected = true
	return nil
}

// Disconnect marks the stage disconnected
func (m *MockStage) Disconnect() error {
	m.Lock()
	defer m.Unlock()
	m.connected = false
	m.disconnects++
	return nil
}

// Home returns HomeErr or moves both axes to zero
func (m *MockStage) Home(ctx context.Context) error {
	m.Lock()
	defer m.Unlock()
	if !m.connected {
		return ErrMockNotConnected
	}
	if m.HomeErr != nil {
		return m.HomeErr
	}
	m.Log = append(m.Log, "G28 X0", "G28 Z0")
	m.x, m.z = 0, 0
	return nil
}

// MoveTo records the move and updates the position
func (m *MockStage) MoveTo(ctx context.Context, t Target) error {
	m.Lock()
	defer m.Unlock()
	if !m.connected {
		return ErrMockNotConnected
	}
	m.moves++
	if m.FailMoveAt > 0 && m.moves == m.FailMoveAt {
		return m.MoveErr
	}
	m.Log = append(m.Log, t.GCode(m.DefaultFeed))
	if t.X != nil {
		m.x = *t.X
	}
	if t.Z != nil {
		m.z = *t.Z
	}
	return nil
}

// SendCommand records the command and acknowledges it
func (m *MockStage) SendCommand(ctx context.Context, cmd string, wait bool) ([]string, error) {
	m.Lock()
	defer m.Unlock()
	if !m.connected {
		return nil, ErrMockNotConnected
	}
	m.Log = append(m.Log, cmd)
	return []string{"ok"}, nil
}

// Position returns the last commanded position
func (m *MockStage) Position() (x, z float64) {
	m.Lock()
	defer m.Unlock()
	return m.x, m.z
}

// Connected reports whether Connect succeeded and Disconnect was not called since
func (m *MockStage) Connected() bool {
	m.Lock()
	defer m.Unlock()
	return m.connected
}

// Disconnects returns how many times Disconnect was called
func (m *MockStage) Disconnects() int {
	m.Lock()
	defer m.Unlock()
	return m.disconnects
}
