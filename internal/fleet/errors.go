package fleet

import (
	"errors"
	"fmt"

	"github.com/lowaak/applicator-hub/internal/gatt"
)

// ErrorKind classifies failures handled by the fleet.
type ErrorKind string

const (
	// SubmissionRejected: the platform stayed busy until the attempt cap.
	SubmissionRejected ErrorKind = "submission_rejected"
	// LinkLost: the device went out of range. Not retried.
	LinkLost ErrorKind = "link_lost"
	// LinkRecoverable: the link dropped for a reason worth a reconnect.
	LinkRecoverable ErrorKind = "link_recoverable"
	// ProtocolUnrecognized: a read completed for a characteristic the profile does not know.
	ProtocolUnrecognized ErrorKind = "protocol_unrecognized"
	DiscoveryFailed      ErrorKind = "discovery_failed"
	// ReconnectExhausted: the device kept failing past the reconnect cap.
	ReconnectExhausted ErrorKind = "reconnect_exhausted"
)

// LinkError describes a failure for one device. Err is the underlying cause,
// if any.
type LinkError struct {
	Kind    ErrorKind
	Address string
	Status  gatt.Status
	Msg     string
	Err     error
}

func (e *LinkError) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := string(e.Kind)
	if e.Address != "" {
		s = fmt.Sprintf("%s: %s", e.Address, s)
	}
	if e.Status != gatt.StatusSuccess {
		s = fmt.Sprintf("%s (status %d)", s, int(e.Status))
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *LinkError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare LinkError values by Kind
func (e *LinkError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*LinkError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is
var (
	ErrSubmissionRejected = &LinkError{Kind: SubmissionRejected}
	ErrLinkLost           = &LinkError{Kind: LinkLost}
	ErrLinkRecoverable    = &LinkError{Kind: LinkRecoverable}
	ErrDiscoveryFailed    = &LinkError{Kind: DiscoveryFailed}
	ErrReconnectExhausted = &LinkError{Kind: ReconnectExhausted}
)

var (
	ErrNotConnected   = errors.New("device not connected")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrScanInProgress = errors.New("scan already in progress")
)

// KindOf returns the kind of the outermost LinkError in err's chain, or ""
// when there is none.
func KindOf(err error) ErrorKind {
	var lerr *LinkError
	if errors.As(err, &lerr) {
		return lerr.Kind
	}
	return ""
}
