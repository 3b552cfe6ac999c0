package bt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

// btDevice is one linked peripheral and its discovered characteristics.
type btDevice struct {
	address string
	logger  *logrus.Logger

	// Serializes host stack calls on this link
	bleMu  sync.Mutex
	device bluetooth.Device

	characteristicByUUID *hashmap.Map[string, *bluetooth.DeviceCharacteristic]
	subscribed           *hashmap.Map[string, bool]
}

func newBTDevice(address string, device bluetooth.Device, logger *logrus.Logger) *btDevice {
	if logger == nil {
		panic("btDevice: logger cannot be nil")
	}
	return &btDevice{
		address:              address,
		logger:               logger,
		device:               device,
		characteristicByUUID: hashmap.New[string, *bluetooth.DeviceCharacteristic](),
		subscribed:           hashmap.New[string, bool](),
	}
}

func (b *btDevice) log() *logrus.Entry {
	return b.logger.WithField("address", b.address)
}

// discover walks all services and caches every characteristic. Discovering
// single services repeatedly interrupts services already in use, so the whole
// table is fetched at once.
func (b *btDevice) discover() error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	services, err := b.device.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("discovering services: %w", err)
	}
	for i := range services {
		svc := &services[i]
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return fmt.Errorf("discovering characteristics of %s: %w", svc.UUID().String(), err)
		}
		for j := range chars {
			c := &chars[j]
			b.characteristicByUUID.Set(strings.ToLower(c.UUID().String()), c)
		}
		b.log().WithFields(logrus.Fields{
			"service":         svc.UUID().String(),
			"characteristics": len(chars),
		}).Debug("cached service")
	}
	return nil
}

func (b *btDevice) characteristic(uuid string) (*bluetooth.DeviceCharacteristic, error) {
	c, ok := b.characteristicByUUID.Get(strings.ToLower(uuid))
	if !ok {
		return nil, fmt.Errorf("characteristic %s not discovered", uuid)
	}
	return c, nil
}

func (b *btDevice) read(uuid string) ([]byte, error) {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	c, err := b.characteristic(uuid)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 512)
	n, err := c.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", uuid, err)
	}
	return buf[:n], nil
}

func (b *btDevice) write(uuid string, data []byte) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	c, err := b.characteristic(uuid)
	if err != nil {
		return err
	}
	if _, err := c.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", uuid, err)
	}
	return nil
}

// setNotify turns notification delivery on or off. Enabling an already
// enabled characteristic is a no-op because the stack keeps one handler per
// characteristic.
func (b *btDevice) setNotify(uuid string, enable bool, handler func([]byte)) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	c, err := b.characteristic(uuid)
	if err != nil {
		return err
	}
	key := strings.ToLower(uuid)
	on, _ := b.subscribed.Get(key)
	if on == enable {
		return nil
	}
	var cb func([]byte)
	if enable {
		cb = func(buf []byte) { handler(append([]byte(nil), buf...)) }
	}
	if err := c.EnableNotifications(cb); err != nil {
		return fmt.Errorf("notifications on %s: %w", uuid, err)
	}
	b.subscribed.Set(key, enable)
	b.log().WithFields(logrus.Fields{"characteristic": uuid, "enabled": enable}).Debug("notifications")
	return nil
}

func (b *btDevice) disconnect() error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()
	if err := b.device.Disconnect(); err != nil {
		return fmt.Errorf("disconnecting: %w", err)
	}
	return nil
}
