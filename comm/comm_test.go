package comm_test

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/kybfarm/hsi/comm"
	"github.com/kybfarm/hsi/fault"
)

func tcpEchoServer(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen, test aborted:", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(conn, conn) }() // use goroutines to handle multiple connections
		}
	}()
	return ln.Addr().String()
}

func okOrError(line string) comm.Verdict {
	l := strings.ToLower(line)
	switch {
	case strings.HasPrefix(l, "echo:busy"):
		return comm.Ignored
	case strings.Contains(l, "error"):
		return comm.Faulted
	case strings.Contains(l, "ok"):
		return comm.Acknowledged
	}
	return comm.Pending
}

// pipeDevice returns a RemoteDevice whose remote end is the returned net.Conn
func pipeDevice(t *testing.T) (*comm.RemoteDevice, net.Conn) {
	local, remote := net.Pipe()
	rd := comm.NewRemoteDevice("pipe", false, nil, nil)
	rd.Maker = func() (io.ReadWriteCloser, error) { return local, nil }
	if err := rd.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rd.Close(); remote.Close() })
	return &rd, remote
}

func TestEchoOverTCP(t *testing.T) {
	addr := tcpEchoServer(t)
	rd := comm.NewRemoteDevice(addr, false, nil, nil)
	if err := rd.Open(); err != nil {
		t.Fatal("could not open:", err)
	}
	defer rd.Close()
	if err := rd.Send([]byte("ok 1")); err != nil {
		t.Fatal(err)
	}
	res, err := comm.Poll(context.Background(), rd.Lines(), time.Second, okOrError)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != comm.OutcomeAcknowledged || res.Line != "ok 1" {
		t.Errorf("expected acknowledged 'ok 1', got %v %q", res.Outcome, res.Line)
	}
}

func TestPollSkipsHeartbeatsAndRecordsLines(t *testing.T) {
	rd, remote := pipeDevice(t)
	go remote.Write([]byte("echo:busy: processing\nX:1.00 Z:0.00\r\nok\n"))
	res, err := comm.Poll(context.Background(), rd.Lines(), time.Second, okOrError)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != comm.OutcomeAcknowledged {
		t.Errorf("expected acknowledged, got %v", res.Outcome)
	}
	if len(res.Seen) != 2 || res.Seen[0] != "X:1.00 Z:0.00" {
		t.Errorf("expected heartbeat to be dropped and CR trimmed, got %q", res.Seen)
	}
}

func TestPollFault(t *testing.T) {
	rd, remote := pipeDevice(t)
	go remote.Write([]byte("Error:Printer halted. kill() called!\n"))
	res, err := comm.Poll(context.Background(), rd.Lines(), time.Second, okOrError)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != comm.OutcomeFaulted {
		t.Errorf("expected faulted, got %v", res.Outcome)
	}
}

func TestPollTimesOut(t *testing.T) {
	rd, _ := pipeDevice(t)
	start := time.Now()
	res, err := comm.Poll(context.Background(), rd.Lines(), 50*time.Millisecond, okOrError)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != comm.OutcomeTimedOut {
		t.Errorf("expected timed out, got %v", res.Outcome)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Errorf("poll returned before its window elapsed")
	}
}

func TestPollLinkDropped(t *testing.T) {
	rd, remote := pipeDevice(t)
	remote.Close()
	_, err := comm.Poll(context.Background(), rd.Lines(), time.Second, okOrError)
	if !errors.Is(err, fault.ConnectionFailure) {
		t.Errorf("expected ConnectionFailure when the link drops, got %v", err)
	}
}

func TestSendWhenClosed(t *testing.T) {
	rd := comm.NewRemoteDevice("nowhere", false, nil, nil)
	if err := rd.Send([]byte("M115")); err != comm.ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := rd.Close(); err != nil {
		t.Errorf("closing a closed device should not error, got %v", err)
	}
}

func TestOpenFailureIsClassified(t *testing.T) {
	rd := comm.NewRemoteDevice("nowhere", false, nil, nil)
	rd.OpenTimeout = 50 * time.Millisecond
	rd.Maker = func() (io.ReadWriteCloser, error) { return nil, errors.New("device busy") }
	err := rd.Open()
	if !errors.Is(err, fault.ConnectionFailure) {
		t.Errorf("expected ConnectionFailure, got %v", err)
	}
	if rd.Connected() {
		t.Errorf("device should not report connected after a failed open")
	}
}
