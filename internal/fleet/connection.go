package fleet

import (
	"fmt"

	"github.com/lowaak/applicator-hub/internal/events"
	"github.com/lowaak/applicator-hub/internal/executor"
	"github.com/lowaak/applicator-hub/internal/gatt"
)

// State is the lifecycle state of a tracked connection.
type State int

const (
	Connecting State = iota
	Connected
	ServicesDiscovering
	Ready
	Reconnecting
	Disconnecting
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ServicesDiscovering:
		return "services_discovering"
	case Ready:
		return "ready"
	case Reconnecting:
		return "reconnecting"
	case Disconnecting:
		return "disconnecting"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Connection is a snapshot of one tracked device.
type Connection struct {
	Address           string      `json:"address"`
	State             State       `json:"state"`
	LastStatus        gatt.Status `json:"last_status"`
	Reconnectable     bool        `json:"reconnectable"`
	ReconnectAttempts int         `json:"reconnect_attempts"`

	// a connect for this device is queued or in flight
	connectQueued bool
}

// DeviceConnected reports a device that finished service discovery. The final
// event of a batch has BatchComplete set and no address.
type DeviceConnected struct {
	Address       string `json:"address,omitempty"`
	Batch         uint64 `json:"batch"`
	BatchComplete bool   `json:"batch_complete"`
}

// OutOfRange reports a device whose link was lost. It is not reconnected.
type OutOfRange struct {
	Address string      `json:"address"`
	Status  gatt.Status `json:"status"`
	Err     error       `json:"-"`
}

// ConnectionFailed reports a device given up on.
type ConnectionFailed struct {
	Address string `json:"address"`
	Err     error  `json:"-"`
	Reason  string `json:"reason"`
}

type ScanComplete struct {
	Found int   `json:"found"`
	Err   error `json:"-"`
}

// Streams are the outbound events of the controller. Each is independently
// subscribable.
type Streams struct {
	DeviceDiscovered      *events.ChannelEvent[gatt.Advertisement]
	DeviceConnected       *events.ChannelEvent[DeviceConnected]
	StatusMeasurement     *events.ChannelEvent[StatusReading]
	DiagnosticMeasurement *events.ChannelEvent[ResistanceTest]
	HistoryPacket         *events.ChannelEvent[HistoryPacket]
	CurationSettings      *events.ChannelEvent[CurationSettings]
	OutOfRange            *events.ChannelEvent[OutOfRange]
	ConnectionFailed      *events.ChannelEvent[ConnectionFailed]
	OperationFailed       *events.ChannelEvent[executor.Failure]
	ScanComplete          *events.ChannelEvent[ScanComplete]
}

func NewStreams() *Streams {
	return &Streams{
		DeviceDiscovered:      events.NewChannelEvent[gatt.Advertisement](false),
		DeviceConnected:       events.NewChannelEvent[DeviceConnected](false),
		StatusMeasurement:     events.NewChannelEvent[StatusReading](false),
		DiagnosticMeasurement: events.NewChannelEvent[ResistanceTest](false),
		HistoryPacket:         events.NewChannelEvent[HistoryPacket](false),
		CurationSettings:      events.NewChannelEvent[CurationSettings](true),
		OutOfRange:            events.NewChannelEvent[OutOfRange](false),
		ConnectionFailed:      events.NewChannelEvent[ConnectionFailed](false),
		OperationFailed:       events.NewChannelEvent[executor.Failure](false),
		ScanComplete:          events.NewChannelEvent[ScanComplete](true),
	}
}

// Submitter queues operations for serialized execution.
type Submitter interface {
	Submit(op executor.Operation) error
}
