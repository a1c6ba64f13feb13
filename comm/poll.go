package comm

import (
	"context"
	"time"

	"github.com/kybfarm/hsi/fault"
)

// Verdict is what a Classifier thinks of one received line
type Verdict int

const (
	// Pending means the line neither acknowledges nor faults; keep polling
	Pending Verdict = iota

	// Acknowledged means the awaited acknowledgement arrived
	Acknowledged

	// Faulted means the device reported an error
	Faulted

	// Ignored means the line is noise (e.g. a busy heartbeat) and should not
	// be logged or recorded
	Ignored
)

// Outcome is the tri-state result of a Poll
type Outcome int

const (
	// OutcomeAcknowledged means an acknowledging line was seen
	OutcomeAcknowledged Outcome = iota

	// OutcomeFaulted means a fault line was seen
	OutcomeFaulted

	// OutcomeTimedOut means the window elapsed with neither
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcknowledged:
		return "acknowledged"
	case OutcomeFaulted:
		return "faulted"
	default:
		return "timed out"
	}
}

// Classifier inspects one line
type Classifier func(line string) Verdict

// Result holds the outcome of a Poll, the line which decided it (empty on
// timeout) and every non-ignored line seen on the way
type Result struct {
	Outcome Outcome
	Line    string
	Seen    []string
}

// Poll reads lines until classify returns Acknowledged or Faulted, or until
// timeout elapses.  A timeout <= 0 waits without a deadline.
//
// Poll only returns an error if the line channel closes (the link dropped),
// which is a ConnectionFailure, or if ctx is done.  Faults and timeouts are
// reported in the Result so the caller can decide how severe they are.
func Poll(ctx context.Context, lines <-chan string, timeout time.Duration, classify Classifier) (Result, error) {
	res := Result{Outcome: OutcomeTimedOut}
	if lines == nil {
		return res, fault.Wrap(fault.ConnectionFailure, "comm.Poll", "", ErrNotConnected)
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return res, fault.New(fault.ConnectionFailure, "comm.Poll", "link closed while waiting for a response")
			}
			v := classify(line)
			if v == Ignored {
				continue
			}
			res.Seen = append(res.Seen, line)
			switch v {
			case Acknowledged:
				res.Outcome = OutcomeAcknowledged
				res.Line = line
				return res, nil
			case Faulted:
				res.Outcome = OutcomeFaulted
				res.Line = line
				return res, nil
			}
		case <-deadline:
			return res, nil
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
}
