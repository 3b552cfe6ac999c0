package executor

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Kind identifies the platform call an Operation performs.
type Kind int

const (
	Connect Kind = iota
	Disconnect
	DiscoverServices
	ReadCharacteristic
	WriteCharacteristic
	WriteDescriptor
)

func (k Kind) String() string {
	switch k {
	case Connect:
		return "connect"
	case Disconnect:
		return "disconnect"
	case DiscoverServices:
		return "discover_services"
	case ReadCharacteristic:
		return "read_characteristic"
	case WriteCharacteristic:
		return "write_characteristic"
	case WriteDescriptor:
		return "write_descriptor"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Operation is a single queued platform call against one device.
type Operation struct {
	Address        string
	Kind           Kind
	Characteristic string
	Payload        []byte
	// MaxAttempts caps busy resubmissions. Zero uses the executor default.
	MaxAttempts int
	// Label is a free-form description used in logs and failure events.
	Label string
}

func (op Operation) String() string {
	s := op.Kind.String() + " " + op.Address
	if op.Characteristic != "" {
		s += " " + op.Characteristic
	}
	if op.Label != "" {
		s += " (" + op.Label + ")"
	}
	return s
}

func (op Operation) fields() logrus.Fields {
	f := logrus.Fields{"address": op.Address, "op": op.Kind.String()}
	if op.Characteristic != "" {
		f["characteristic"] = op.Characteristic
	}
	if op.Label != "" {
		f["label"] = op.Label
	}
	return f
}

var (
	// ErrSubmissionRejected means the platform kept reporting busy until the
	// attempt cap was reached.
	ErrSubmissionRejected = errors.New("submission rejected")
	// ErrCompletionTimeout means the platform never reported completion.
	ErrCompletionTimeout = errors.New("completion timeout")
	ErrStopped           = errors.New("executor stopped")
)

// Failure reports an operation that was dropped without completing.
type Failure struct {
	Op       Operation
	Attempts int
	Err      error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", f.Op, f.Attempts, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}
