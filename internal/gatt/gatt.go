// Package gatt describes the boundary between the fleet core and the platform
// Bluetooth stack. Every Platform call only submits a request; the outcome is
// reported later through Callbacks on a goroutine the core does not own.
package gatt

import (
	"errors"
	"fmt"
)

// Status is the platform-reported completion code of a GATT operation.
type Status int

const (
	StatusSuccess             Status = 0
	StatusConnectionTimeout   Status = 8
	StatusPeerTerminated      Status = 19
	StatusLocalHostTerminated Status = 22
	StatusError               Status = 133
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusConnectionTimeout:
		return "connection timeout"
	case StatusPeerTerminated:
		return "terminated by peer"
	case StatusLocalHostTerminated:
		return "terminated by local host"
	case StatusError:
		return "gatt error"
	default:
		return fmt.Sprintf("status %d", int(s))
	}
}

// ConnectionState is the link state carried by a connection state change.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnected
)

func (s ConnectionState) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// Client characteristic configuration descriptor and the value that enables
// notification delivery.
const ClientConfigDescriptorUUID = "00002902-0000-1000-8000-00805f9b34fb"

var EnableNotificationValue = []byte{0x01, 0x00}

// Submission errors
var (
	// ErrBusy means the transport still has an operation outstanding and the
	// submission was rejected. The same call may be retried later.
	ErrBusy          = errors.New("transport busy")
	ErrUnknownDevice = errors.New("unknown device")
	ErrNotConnected  = errors.New("device not connected")
)

// Platform is the asynchronous GATT-like API exposed by the host stack.
// SetCallbacks must be called once before the first submission.
type Platform interface {
	SetCallbacks(cb Callbacks)
	Connect(address string) error
	Disconnect(address string) error
	DiscoverServices(address string) error
	ReadCharacteristic(address, characteristic string) error
	WriteCharacteristic(address, characteristic string, data []byte) error
	WriteDescriptor(address, characteristic string, value []byte) error
}

// Callbacks receives completions from a Platform.
type Callbacks interface {
	OnConnectionStateChange(address string, status Status, state ConnectionState)
	OnServicesDiscovered(address string, status Status)
	OnCharacteristicRead(address, characteristic string, value []byte, status Status)
	OnCharacteristicWrite(address, characteristic string, status Status)
	OnDescriptorWrite(address, characteristic string, status Status)
	OnCharacteristicChanged(address, characteristic string, value []byte)
}

// Advertisement is a discovered peripheral.
type Advertisement struct {
	Address   string
	LocalName string
	RSSI      int16
}

// Scanner delivers advertisements until stopped. Scan blocks.
type Scanner interface {
	Scan(handler func(Advertisement)) error
	StopScan() error
}

// ScanError is a terminal scan failure reported by the platform.
type ScanError struct {
	Code int
	Err  error
}

func (e *ScanError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scan failed (code %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("scan failed (code %d)", e.Code)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}
