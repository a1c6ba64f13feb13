/*Package comm provides line-oriented communication with lab hardware over a
serial port or a TCP serial server.

Most usages of this package will boil down to:
	1.  embed a *RemoteDevice in a type that represents your hardware.
	2.  pick terminators; the default is newline in both directions.
	3.  Send lines, then Poll the Lines channel with a Classifier that
		knows what an acknowledgement and a fault look like for the device.

A minimal example for a device that answers "ok" to every command:

	func ack(line string) comm.Verdict {
		if strings.Contains(line, "ok") {
			return comm.Acknowledged
		}
		return comm.Pending
	}

	rd := comm.NewRemoteDevice("/dev/ttyACM0", true, nil, comm.MakeSerConf("/dev/ttyACM0", 115200))
	if err := rd.Open(); err != nil {
		return err
	}
	defer rd.Close()
	rd.Send([]byte("M400"))
	res, err := comm.Poll(ctx, rd.Lines(), 10*time.Second, ack)
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/kybfarm/hsi/fault"
	"github.com/tarm/serial"
)

var (
	// ErrNoSerialConf is generated when IsSerial is true and no serial config was given
	ErrNoSerialConf = errors.New("IsSerial=true but no serial.Config was provided")

	// ErrNotConnected is generated when .Conn is nil and Send is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")
)

// Terminators hold the Rx and Tx line terminators
type Terminators struct {
	Rx byte
	Tx byte
}

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// MakeSerConf makes a new serial.Config with 8N1 framing.  The read timeout
// is short; the reader goroutine treats an empty read as "nothing yet".
func MakeSerConf(addr string, baud int) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 100 * time.Millisecond}
}

/*RemoteDevice has an address and owns one connection to it.

Received data is split on the Rx terminator by a reader goroutine and
delivered, trimmed and with blank lines dropped, on the channel returned by
Lines.  Lines that nobody reads are buffered, the same way bytes would sit in
the OS serial buffer.

A RemoteDevice is not safe for use by two logical operations at once; the
owner is expected to serialize access.
*/
type RemoteDevice struct {
	Addr     string
	IsSerial bool
	Terms    Terminators

	// SerialConf is used when IsSerial is true
	SerialConf *serial.Config

	// Maker, if not nil, replaces the serial/TCP opener.  Used for tests and
	// for devices reached through something other than a tty or socket.
	Maker CreationFunc

	// DialTimeout bounds each TCP connection attempt
	DialTimeout time.Duration

	// OpenTimeout bounds the total time spent retrying Open
	OpenTimeout time.Duration

	Conn io.ReadWriteCloser

	mu    sync.Mutex
	lines chan string
	done  chan struct{}
}

// NewRemoteDevice creates a new RemoteDevice instance.  If terms is nil,
// newline terminators are used.
func NewRemoteDevice(addr string, serial bool, terms *Terminators, serConf *serial.Config) RemoteDevice {
	if terms == nil {
		terms = &Terminators{Rx: '\n', Tx: '\n'}
	}
	return RemoteDevice{
		Addr:        addr,
		IsSerial:    serial,
		Terms:       *terms,
		SerialConf:  serConf,
		DialTimeout: 3 * time.Second,
		OpenTimeout: 3 * time.Second}
}

// Open the connection, setting the Conn variable and starting the reader
func (rd *RemoteDevice) Open() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.Conn != nil {
		return nil
	}
	// exponential backoff; USB CDC ttys take a moment to reappear after the
	// firmware resets on open
	var lastErr error
	op := func() error {
		conn, err := rd.open()
		if err != nil {
			lastErr = err
			if strings.Contains(strings.ToLower(err.Error()), "no such file") {
				return backoff.Permanent(err)
			}
			return err
		}
		rd.Conn = conn
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      rd.OpenTimeout,
		Clock:               backoff.SystemClock})
	if err != nil {
		if lastErr != nil {
			err = lastErr
		}
		return fault.Wrap(fault.ConnectionFailure, "comm.Open", fmt.Sprintf("unable to open %s", rd.Addr), err)
	}
	rd.lines = make(chan string, 64)
	rd.done = make(chan struct{})
	go rd.readLoop(rd.Conn, rd.lines, rd.done)
	return nil
}

func (rd *RemoteDevice) open() (io.ReadWriteCloser, error) {
	switch {
	case rd.Maker != nil:
		return rd.Maker()
	case rd.IsSerial:
		if rd.SerialConf == nil {
			return nil, ErrNoSerialConf
		}
		return serial.OpenPort(rd.SerialConf)
	default:
		return TCPSetup(rd.Addr, rd.DialTimeout)
	}
}

// readLoop splits the stream into lines until the connection is closed
func (rd *RemoteDevice) readLoop(conn io.Reader, lines chan<- string, done <-chan struct{}) {
	defer close(lines)
	r := bufio.NewReader(conn)
	var partial []byte
	for {
		chunk, err := r.ReadBytes(rd.Terms.Rx)
		partial = append(partial, chunk...)
		if err == nil {
			line := string(bytes.TrimSpace(partial))
			partial = partial[:0]
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-done:
				return
			}
			continue
		}
		// tarm/serial reports a read timeout with no data as io.EOF
		if errors.Is(err, io.EOF) && rd.IsSerial {
			select {
			case <-done:
				return
			default:
				continue
			}
		}
		return
	}
}

// Lines returns the channel of received lines.  It is closed when the
// connection drops or is closed.  Lines returns nil if the device is not open.
func (rd *RemoteDevice) Lines() <-chan string {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.lines
}

// Drain discards and returns the lines received but not yet read, so that a
// late reply to an earlier command is not mistaken for the next one's
func (rd *RemoteDevice) Drain() []string {
	lines := rd.Lines()
	var out []string
	for {
		select {
		case l, ok := <-lines:
			if !ok {
				return out
			}
			out = append(out, l)
		default:
			return out
		}
	}
}

// Connected reports whether the device currently holds a connection
func (rd *RemoteDevice) Connected() bool {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.Conn != nil
}

// Close the connection, nil-ing the Conn variable.  Closing a closed device
// is not an error.
func (rd *RemoteDevice) Close() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.Conn == nil {
		return nil
	}
	close(rd.done)
	err := rd.Conn.Close()
	rd.Conn = nil
	return err
}

// Send writes data to the remote followed by the Tx terminator
func (rd *RemoteDevice) Send(b []byte) error {
	rd.mu.Lock()
	conn := rd.Conn
	rd.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, rd.Terms.Tx)
	_, err := conn.Write(buf)
	return err
}

// TCPSetup opens a new TCP connection with a timeout on connect.  Reads are
// left without a deadline; Poll bounds every wait instead.
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}
