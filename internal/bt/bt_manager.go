// Package bt adapts the tinygo bluetooth adapter to the asynchronous gatt
// Platform and Scanner used by the fleet controller.
package bt

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/lowaak/applicator-hub/internal/gatt"
	"github.com/lowaak/applicator-hub/internal/go_func_utils"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

var (
	_ gatt.Platform = (*BTManager)(nil)
	_ gatt.Scanner  = (*BTManager)(nil)
)

// BTManager runs each submitted request on its own goroutine and reports the
// outcome through the registered callbacks. Only one request may be
// outstanding at a time; a second submission gets gatt.ErrBusy.
type BTManager struct {
	adapter *bluetooth.Adapter
	logger  *logrus.Logger

	mu        sync.Mutex
	callbacks gatt.Callbacks
	busy      bool
	wg        sync.WaitGroup

	// addresses seen while scanning; a device must be scanned before it can be
	// connected.
	scanned *hashmap.Map[string, bluetooth.Address]
	links   *hashmap.Map[string, *btDevice]
}

func NewBTManager(adapter *bluetooth.Adapter, logger *logrus.Logger) *BTManager {
	if logger == nil {
		panic("BTManager: logger cannot be nil")
	}
	return &BTManager{
		adapter: adapter,
		logger:  logger,
		scanned: hashmap.New[string, bluetooth.Address](),
		links:   hashmap.New[string, *btDevice](),
	}
}

// Enable powers the adapter and starts watching for link loss.
func (m *BTManager) Enable() error {
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		address := normalize(device.Address.String())
		if connected {
			m.logger.WithField("address", address).Debug("link up")
			return
		}
		// Links removed by Disconnect are reported by Disconnect itself.
		if _, ok := m.links.Get(address); !ok {
			return
		}
		m.links.Del(address)
		m.logger.WithField("address", address).Warn("link lost")
		if cb := m.cb(); cb != nil {
			cb.OnConnectionStateChange(address, gatt.StatusConnectionTimeout, gatt.StateDisconnected)
		}
	})
	return m.adapter.Enable()
}

func (m *BTManager) SetCallbacks(cb gatt.Callbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = cb
}

func (m *BTManager) cb() gatt.Callbacks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callbacks
}

func (m *BTManager) Connect(address string) error {
	address = normalize(address)
	addr, ok := m.scanned.Get(address)
	if !ok {
		return gatt.ErrUnknownDevice
	}
	return m.run("connect", address, func(cb gatt.Callbacks) func() {
		device, err := m.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			m.logger.WithError(err).WithField("address", address).Warn("connect failed")
			status := statusFor(err)
			return func() { cb.OnConnectionStateChange(address, status, gatt.StateDisconnected) }
		}
		m.links.Set(address, newBTDevice(address, device, m.logger))
		return func() { cb.OnConnectionStateChange(address, gatt.StatusSuccess, gatt.StateConnected) }
	})
}

// Disconnect tears down the link. A device that is not linked is reported
// disconnected straight away.
func (m *BTManager) Disconnect(address string) error {
	address = normalize(address)
	return m.run("disconnect", address, func(cb gatt.Callbacks) func() {
		d, ok := m.links.Get(address)
		if ok {
			m.links.Del(address)
			if err := d.disconnect(); err != nil {
				m.logger.WithError(err).WithField("address", address).Warn("disconnect failed")
			}
		}
		return func() { cb.OnConnectionStateChange(address, gatt.StatusSuccess, gatt.StateDisconnected) }
	})
}

func (m *BTManager) DiscoverServices(address string) error {
	d, err := m.link(address)
	if err != nil {
		return err
	}
	return m.run("discover", d.address, func(cb gatt.Callbacks) func() {
		status := statusFor(d.discover())
		return func() { cb.OnServicesDiscovered(d.address, status) }
	})
}

func (m *BTManager) ReadCharacteristic(address, characteristic string) error {
	d, err := m.link(address)
	if err != nil {
		return err
	}
	return m.run("read", d.address, func(cb gatt.Callbacks) func() {
		value, err := d.read(characteristic)
		status := statusFor(err)
		return func() { cb.OnCharacteristicRead(d.address, characteristic, value, status) }
	})
}

func (m *BTManager) WriteCharacteristic(address, characteristic string, data []byte) error {
	d, err := m.link(address)
	if err != nil {
		return err
	}
	payload := append([]byte(nil), data...)
	return m.run("write", d.address, func(cb gatt.Callbacks) func() {
		status := statusFor(d.write(characteristic, payload))
		return func() { cb.OnCharacteristicWrite(d.address, characteristic, status) }
	})
}

// WriteDescriptor writes the client configuration descriptor of
// characteristic. The host stack owns the descriptor, so the write is
// expressed as enabling or disabling notification delivery.
func (m *BTManager) WriteDescriptor(address, characteristic string, value []byte) error {
	d, err := m.link(address)
	if err != nil {
		return err
	}
	enable := len(value) > 0 && value[0] != 0
	return m.run("descriptor", d.address, func(cb gatt.Callbacks) func() {
		err := d.setNotify(characteristic, enable, func(buf []byte) {
			if cb := m.cb(); cb != nil {
				cb.OnCharacteristicChanged(d.address, characteristic, buf)
			}
		})
		status := statusFor(err)
		return func() { cb.OnDescriptorWrite(d.address, characteristic, status) }
	})
}

func (m *BTManager) link(address string) (*btDevice, error) {
	d, ok := m.links.Get(normalize(address))
	if !ok {
		return nil, gatt.ErrNotConnected
	}
	return d, nil
}

// run claims the transport and performs fn on a new goroutine. fn returns the
// completion to deliver; the transport is released before it is delivered so
// the callback may submit the next request.
func (m *BTManager) run(name, address string, fn func(cb gatt.Callbacks) func()) error {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return gatt.ErrBusy
	}
	cb := m.callbacks
	if cb == nil {
		m.mu.Unlock()
		return errors.New("BTManager: callbacks not set")
	}
	m.busy = true
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{"op": name, "address": address}).Debug("submitted")
	go_func_utils.SafeGo(m.logger, "bt_"+name, func() {
		defer m.wg.Done()
		complete := fn(cb)
		m.mu.Lock()
		m.busy = false
		m.mu.Unlock()
		complete()
	})
	return nil
}

// Scan reports advertisements until StopScan is called.
func (m *BTManager) Scan(handler func(gatt.Advertisement)) error {
	err := m.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		address := normalize(result.Address.String())
		if _, seen := m.scanned.Get(address); !seen {
			m.logger.WithFields(logrus.Fields{
				"address": address,
				"name":    result.LocalName(),
				"rssi":    result.RSSI,
			}).Debug("found device")
		}
		m.scanned.Set(address, result.Address)
		handler(gatt.Advertisement{Address: address, LocalName: result.LocalName(), RSSI: result.RSSI})
	})
	if err != nil {
		return &gatt.ScanError{Code: 1, Err: err}
	}
	return nil
}

func (m *BTManager) StopScan() error {
	return m.adapter.StopScan()
}

// Shutdown drops every link and waits for outstanding requests.
func (m *BTManager) Shutdown(ctx context.Context) error {
	m.links.Range(func(address string, d *btDevice) bool {
		m.links.Del(address)
		if err := d.disconnect(); err != nil {
			m.logger.WithError(err).WithField("address", address).Warn("disconnect failed")
		}
		return true
	})
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("BTManager: shutdown complete")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func normalize(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

// statusFor maps a host stack error onto the completion codes the supervisor
// classifies. The stack reports errors as text only.
func statusFor(err error) gatt.Status {
	if err == nil {
		return gatt.StatusSuccess
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return gatt.StatusConnectionTimeout
	}
	if errors.Is(err, gatt.ErrNotConnected) {
		return gatt.StatusPeerTerminated
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return gatt.StatusConnectionTimeout
	case strings.Contains(msg, "not connected"), strings.Contains(msg, "disconnected"):
		return gatt.StatusPeerTerminated
	default:
		return gatt.StatusError
	}
}
