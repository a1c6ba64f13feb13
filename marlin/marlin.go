/*Package marlin drives a Marlin (Prusa family) 3D printer mainboard as a
2-axis scan stage over its G-code serial console.

The firmware acknowledges a command with an "ok" line as soon as it is
queued, long before the axes stop.  MoveTo and Home therefore follow every
move with M400, which is only acknowledged once the planner is empty.

While busy, the firmware emits "echo:busy: processing" heartbeats; these are
never treated as acknowledgements and are not logged.
*/
package marlin

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/kybfarm/hsi/comm"
	"github.com/kybfarm/hsi/config"
	"github.com/kybfarm/hsi/fault"
	"github.com/kybfarm/hsi/motion"
	"github.com/kybfarm/hsi/util"
)

var (
	// positive markers in the M115 reply
	firmwareMarkers = []string{"firmware", "machine", "prusa"}

	// lines containing any of these mean the printer is in an error state
	faultMarkers = []string{"error", "crash detected", "cold"}
)

const busyPrefix = "echo:busy"

// Printer is a Marlin controller used as a motion.Stage
type Printer struct {
	*comm.RemoteDevice

	// DefaultFeedrate is used for moves without a feedrate, mm/min
	DefaultFeedrate float64

	// StepsPerMM is the configured axis resolution, reported in status only
	StepsPerMM float64

	// SafeZ is the clearance height Home raises to before homing
	SafeZ float64

	// SettleDelay is waited after opening the port; the board resets on open
	SettleDelay time.Duration

	// HandshakeWindow bounds the wait for the M115 reply
	HandshakeWindow time.Duration

	// ReadyWindow bounds the wait for the test move acknowledgement
	ReadyWindow time.Duration

	// AckWindow bounds the wait for an ordinary command acknowledgement
	AckWindow time.Duration

	// Logger receives console traffic and warnings
	Logger *log.Logger
}

var _ motion.Stage = (*Printer)(nil)

// NewPrinter returns a Printer configured from the printer section.  If
// logger is nil, one writing to stderr is used.
func NewPrinter(cfg config.Printer, logger *log.Logger) *Printer {
	if logger == nil {
		logger = log.New(os.Stderr, "[marlin] ", log.LstdFlags)
	}
	var rd comm.RemoteDevice
	if cfg.Serial {
		rd = comm.NewRemoteDevice(cfg.Device, true, nil, comm.MakeSerConf(cfg.Device, cfg.Baudrate))
	} else {
		rd = comm.NewRemoteDevice(cfg.Device, false, nil, nil)
	}
	if cfg.Timeout > 0 {
		rd.DialTimeout = util.SecsToDuration(cfg.Timeout)
	}
	return &Printer{
		RemoteDevice:    &rd,
		DefaultFeedrate: cfg.DefaultFeedrate,
		StepsPerMM:      cfg.StepsPerMM,
		SafeZ:           cfg.SafeZ,
		SettleDelay:     cfg.Settle(),
		HandshakeWindow: 5 * time.Second,
		ReadyWindow:     10 * time.Second,
		AckWindow:       10 * time.Second,
		Logger:          logger}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func isBusy(line string) bool {
	return strings.HasPrefix(strings.ToLower(line), busyPrefix)
}

// classifyHandshake looks for the firmware identification
func classifyHandshake(line string) comm.Verdict {
	l := strings.ToLower(line)
	switch {
	case strings.HasPrefix(l, busyPrefix):
		return comm.Ignored
	case containsAny(l, firmwareMarkers):
		return comm.Acknowledged
	case containsAny(l, faultMarkers):
		return comm.Faulted
	}
	return comm.Pending
}

// classifyAck looks for "ok", faults take precedence
func classifyAck(line string) comm.Verdict {
	l := strings.ToLower(line)
	switch {
	case strings.HasPrefix(l, busyPrefix):
		return comm.Ignored
	case containsAny(l, faultMarkers):
		return comm.Faulted
	case strings.Contains(l, "ok"):
		return comm.Acknowledged
	}
	return comm.Pending
}

func (p *Printer) logLines(lines []string) {
	for _, l := range lines {
		p.Logger.Printf("response: %s", l)
	}
}

// sleep waits d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect opens the port, identifies the firmware and makes a 1 mm test
// move on X.  On any failure the port is closed again; the Printer may be
// connected anew, it never retries on its own.
//
// A handshake that yields neither an identification nor an error line is
// not fatal: some firmware builds do not answer M115 in a recognizable way.
// A warning is logged and the test move decides.
func (p *Printer) Connect(ctx context.Context) error {
	if err := p.Open(); err != nil {
		return err
	}
	err := p.handshake(ctx)
	if err != nil {
		p.Close()
		return err
	}
	p.Logger.Println("printer ready for scanning operations")
	return nil
}

func (p *Printer) handshake(ctx context.Context) error {
	const op = "marlin.Connect"
	p.Logger.Printf("printer connected on %s", p.Addr)
	if err := sleep(ctx, p.SettleDelay); err != nil {
		return err
	}

	p.Logger.Println("requesting firmware info")
	if err := p.Send([]byte("M115")); err != nil {
		return fault.Wrap(fault.ConnectionFailure, op, "writing M115", err)
	}
	res, err := comm.Poll(ctx, p.Lines(), p.HandshakeWindow, classifyHandshake)
	p.logLines(res.Seen)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case comm.OutcomeFaulted:
		return fault.New(fault.ProtocolFault, op, fmt.Sprintf("printer reported error state (%q), check if the PSU is on", res.Line))
	case comm.OutcomeTimedOut:
		p.Logger.Println("warning: firmware info was not confirmed, proceeding cautiously")
	}

	p.Logger.Println("enabling motors and testing a small X move")
	p.Drain()
	for _, cmd := range []string{"M17", "G91", motion.ToX(1).GCode(p.DefaultFeedrate), "G90"} {
		if err := p.Send([]byte(cmd)); err != nil {
			return fault.Wrap(fault.ConnectionFailure, op, "writing "+cmd, err)
		}
	}
	res, err = comm.Poll(ctx, p.Lines(), p.ReadyWindow, classifyAck)
	p.logLines(res.Seen)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case comm.OutcomeFaulted:
		return fault.New(fault.ProtocolFault, op, fmt.Sprintf("movement failed or printer crashed during connection check (%q)", res.Line))
	case comm.OutcomeTimedOut:
		return fault.New(fault.ProtocolTimeout, op, "printer did not confirm movement readiness")
	}
	return nil
}

// Disconnect closes the port.  It is idempotent.
func (p *Printer) Disconnect() error {
	if !p.Connected() {
		return nil
	}
	err := p.Close()
	p.Logger.Println("printer disconnected")
	return err
}

// SendCommand writes one line and waits up to AckWindow for it to be
// acknowledged.  A missing acknowledgement is logged, not returned; the
// firmware sometimes swallows the ok of a command that arrives mid-move.
//
// If wait is true, M400 is sent afterwards and its acknowledgement is awaited
// without a time limit, so SendCommand returns only once motion has stopped.
func (p *Printer) SendCommand(ctx context.Context, cmd string, wait bool) ([]string, error) {
	const op = "marlin.SendCommand"
	if !p.Connected() {
		return nil, fault.Wrap(fault.ConnectionFailure, op, "", comm.ErrNotConnected)
	}
	for _, l := range p.Drain() {
		if !isBusy(l) {
			p.Logger.Printf("stale: %s", l)
		}
	}
	p.Logger.Printf("sending: %s", cmd)
	if err := p.Send([]byte(cmd)); err != nil {
		return nil, fault.Wrap(fault.ConnectionFailure, op, "writing "+cmd, err)
	}
	res, err := comm.Poll(ctx, p.Lines(), p.AckWindow, classifyAck)
	p.logLines(res.Seen)
	if err != nil {
		return res.Seen, err
	}
	switch res.Outcome {
	case comm.OutcomeFaulted:
		return res.Seen, fault.New(fault.ProtocolFault, op, fmt.Sprintf("%s: printer reported %q", cmd, res.Line))
	case comm.OutcomeTimedOut:
		p.Logger.Printf("warning: no acknowledgement for %q within %v", cmd, p.AckWindow)
	}
	seen := res.Seen
	if !wait {
		return seen, nil
	}

	if err := p.Send([]byte("M400")); err != nil {
		return seen, fault.Wrap(fault.ConnectionFailure, op, "writing M400", err)
	}
	res, err = comm.Poll(ctx, p.Lines(), 0, classifyAck)
	p.logLines(res.Seen)
	seen = append(seen, res.Seen...)
	if err != nil {
		return seen, err
	}
	if res.Outcome == comm.OutcomeFaulted {
		return seen, fault.New(fault.ProtocolFault, op, fmt.Sprintf("%s: printer reported %q while finishing moves", cmd, res.Line))
	}
	return seen, nil
}

// Raw sends a command, waits for motion to finish and returns the reply
// lines joined by newlines
func (p *Printer) Raw(ctx context.Context, cmd string) (string, error) {
	lines, err := p.SendCommand(ctx, cmd, true)
	return strings.Join(lines, "\n"), err
}

// MoveTo makes one absolute G1 move with only the given axes and waits for
// it to complete
func (p *Printer) MoveTo(ctx context.Context, t motion.Target) error {
	_, err := p.SendCommand(ctx, t.GCode(p.DefaultFeedrate), true)
	return err
}

// Home raises Z to SafeZ, homes X, then Z, then restores absolute
// positioning.  The order is fixed: homing Z before clearing it can drive the
// camera into the bed.
func (p *Printer) Home(ctx context.Context) error {
	steps := []string{
		motion.ToZ(p.SafeZ).GCode(0),
		"G28 X0",
		"G28 Z0",
		"G90",
	}
	for _, cmd := range steps {
		if _, err := p.SendCommand(ctx, cmd, true); err != nil {
			return err
		}
	}
	p.Logger.Println("printer homed")
	return nil
}
