package fleet

import (
	"errors"
	"fmt"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/lowaak/applicator-hub/internal/events"
	"github.com/lowaak/applicator-hub/internal/executor"
	"github.com/lowaak/applicator-hub/internal/gatt"
	"github.com/sirupsen/logrus"
)

var ErrHistoryInProgress = errors.New("history transfer already in progress")

// historyTransfer is the cursor of one history download.
type historyTransfer struct {
	stream   *events.ChannelEvent[HistoryPacket]
	received int
	// packets the requester's channel had no room for
	missed int
}

// Protocol drives the characteristic exchange with each device: subscribe by
// writing the notification descriptor, then read; writes are followed by a
// subscription to the matching read characteristic.
type Protocol struct {
	logger  *logrus.Logger
	profile Profile
	exec    Submitter
	streams *Streams

	// refreshActive selects between periodic status readings and diagnostic
	// readings for completed status reads.
	refreshActive func() bool
	// fanoutAttempts caps submissions of operations queued for many devices at once.
	fanoutAttempts int
	now            func() time.Time

	history *hashmap.Map[string, *historyTransfer]
}

func NewProtocol(exec Submitter, streams *Streams, profile Profile, refreshActive func() bool, logger *logrus.Logger) *Protocol {
	if logger == nil {
		panic("Protocol: logger cannot be nil")
	}
	if refreshActive == nil {
		refreshActive = func() bool { return false }
	}
	return &Protocol{
		logger:         logger,
		profile:        profile,
		exec:           exec,
		streams:        streams,
		refreshActive:  refreshActive,
		fanoutAttempts: executor.DefaultConfig().MaxAttempts,
		now:            time.Now,
		history:        hashmap.New[string, *historyTransfer](),
	}
}

func (p *Protocol) log(address, characteristic string) *logrus.Entry {
	return p.logger.WithFields(logrus.Fields{"address": address, "characteristic": characteristic})
}

// HandleRead processes a completed characteristic read.
func (p *Protocol) HandleRead(address, characteristic string, value []byte, status gatt.Status) {
	id := p.profile.Resolve(characteristic)
	log := p.log(address, id.String())
	if status != gatt.StatusSuccess {
		log.WithField("status", int(status)).Warn("Protocol: read failed")
		return
	}

	switch id {
	case CharCurationRead:
		settings, err := DecodeCurationSettings(address, value)
		if err != nil {
			log.WithError(err).Warn("Protocol: bad curation payload")
			return
		}
		p.streams.CurationSettings.Notify(settings)

	case CharStatusRead:
		if !p.refreshActive() {
			test, err := DecodeResistanceTest(address, value)
			if err != nil {
				log.WithError(err).Warn("Protocol: bad diagnostic payload")
				return
			}
			p.streams.DiagnosticMeasurement.Notify(test)
			return
		}
		reading, err := DecodeStatusReading(address, value)
		if err != nil {
			log.WithError(err).Warn("Protocol: bad status payload")
			return
		}
		p.streams.StatusMeasurement.Notify(reading)

	case CharHistory:
		p.handleHistory(address, value)

	default:
		err := &LinkError{Kind: ProtocolUnrecognized, Address: address, Msg: "read of " + characteristic}
		p.logger.WithError(err).Warn("Protocol: dropping read of unknown characteristic")
	}
}

func (p *Protocol) handleHistory(address string, value []byte) {
	log := p.log(address, CharHistory.String())
	packet, err := DecodeHistoryPacket(address, value)
	if err != nil {
		log.WithError(err).Warn("Protocol: bad history packet, requesting next")
		p.follow(address, CharHistory, "history")
		return
	}

	p.streams.HistoryPacket.Notify(packet)
	transfer, ok := p.history.Get(address)
	if ok {
		transfer.received++
		before := transfer.stream.Dropped()
		transfer.stream.Notify(packet)
		if transfer.stream.Dropped() > before {
			transfer.missed++
			log.WithField("sequence", packet.Sequence).Warn("Protocol: history channel full, packet not delivered")
		}
	} else {
		log.WithField("sequence", packet.Sequence).Debug("Protocol: history packet without a request")
	}

	if !packet.Terminal {
		p.follow(address, CharHistory, "history")
		return
	}
	if transfer != nil && transfer.missed > 0 {
		log.WithFields(logrus.Fields{"packets": transfer.received, "missed": transfer.missed}).Warn("Protocol: history transfer complete with undelivered packets")
	} else {
		log.WithField("packets", transferCount(transfer)).Info("Protocol: history transfer complete")
	}
	p.endHistory(address)
}

func transferCount(t *historyTransfer) int {
	if t == nil {
		return 0
	}
	return t.received
}

// HandleWrite processes a completed characteristic write.
func (p *Protocol) HandleWrite(address, characteristic string, status gatt.Status) {
	id := p.profile.Resolve(characteristic)
	if status != gatt.StatusSuccess {
		p.log(address, id.String()).WithField("status", int(status)).Warn("Protocol: write failed")
		return
	}
	switch id {
	case CharCurationWrite:
		p.follow(address, CharCurationRead, "curation readback")
	case CharStatusWrite:
		p.follow(address, CharStatusRead, "status readback")
	default:
		p.log(address, characteristic).Debug("Protocol: write completed")
	}
}

// HandleDescriptorWrite reads the characteristic whose notifications were
// just enabled.
func (p *Protocol) HandleDescriptorWrite(address, characteristic string, status gatt.Status) {
	if status != gatt.StatusSuccess {
		p.log(address, characteristic).WithField("status", int(status)).Warn("Protocol: descriptor write failed")
		return
	}
	err := p.submit(executor.Operation{
		Address:        address,
		Kind:           executor.ReadCharacteristic,
		Characteristic: characteristic,
		Label:          p.profile.Resolve(characteristic).String(),
	})
	if err != nil {
		p.log(address, characteristic).WithError(err).Warn("Protocol: read not queued")
	}
}

// HandleChanged logs an unsolicited notification. Values are taken from the
// read that follows each descriptor write.
func (p *Protocol) HandleChanged(address, characteristic string, value []byte) {
	p.log(address, p.profile.Resolve(characteristic).String()).WithField("bytes", len(value)).Debug("Protocol: notification")
}

// Subscribe enables notifications on id, which triggers a read of it.
func (p *Protocol) Subscribe(address string, id CharacteristicID) error {
	return p.subscribe(address, id, 0, id.String())
}

// follow queues a subscription triggered by a completion; failures are only logged.
func (p *Protocol) follow(address string, id CharacteristicID, label string) {
	if err := p.subscribe(address, id, 0, label); err != nil {
		p.log(address, id.String()).WithError(err).Warn("Protocol: subscription not queued")
	}
}

func (p *Protocol) subscribe(address string, id CharacteristicID, maxAttempts int, label string) error {
	return p.submit(executor.Operation{
		Address:        address,
		Kind:           executor.WriteDescriptor,
		Characteristic: p.profile.UUID(id),
		Payload:        gatt.EnableNotificationValue,
		MaxAttempts:    maxAttempts,
		Label:          label,
	})
}

func (p *Protocol) WriteCommand(address string, cmd Command) error {
	data, err := cmd.Encode(p.now())
	if err != nil {
		return err
	}
	return p.write(address, CharStatusWrite, data, 0, "command "+string(cmd))
}

func (p *Protocol) WriteCuration(address string, settings CurationSettings) error {
	data, err := settings.Encode()
	if err != nil {
		return err
	}
	return p.write(address, CharCurationWrite, data, 0, "curation")
}

func (p *Protocol) write(address string, id CharacteristicID, data []byte, maxAttempts int, label string) error {
	return p.submit(executor.Operation{
		Address:        address,
		Kind:           executor.WriteCharacteristic,
		Characteristic: p.profile.UUID(id),
		Payload:        data,
		MaxAttempts:    maxAttempts,
		Label:          label,
	})
}

// FanOut queues one operation per address with a capped attempt budget, so a
// device that keeps rejecting submissions cannot hold up the others.
func (p *Protocol) FanOut(addresses []string, label string, queue func(p *Protocol, address string, maxAttempts int) error) error {
	var errs []error
	for _, a := range addresses {
		if err := queue(p, a, p.fanoutAttempts); err != nil {
			p.logger.WithField("address", a).WithError(err).Warnf("Protocol: %s not queued", label)
			errs = append(errs, fmt.Errorf("%s: %w", a, err))
		}
	}
	return errors.Join(errs...)
}

// SubscribeStatusAll queues a status refresh for every address.
func (p *Protocol) SubscribeStatusAll(addresses []string) error {
	return p.FanOut(addresses, "status refresh", func(p *Protocol, a string, attempts int) error {
		return p.subscribe(a, CharStatusRead, attempts, "status refresh")
	})
}

func (p *Protocol) WriteCommandAll(addresses []string, cmd Command) error {
	data, err := cmd.Encode(p.now())
	if err != nil {
		return err
	}
	return p.FanOut(addresses, "command", func(p *Protocol, a string, attempts int) error {
		return p.write(a, CharStatusWrite, data, attempts, "command "+string(cmd))
	})
}

func (p *Protocol) WriteCurationAll(addresses []string, settings CurationSettings) error {
	data, err := settings.Encode()
	if err != nil {
		return err
	}
	return p.FanOut(addresses, "curation", func(p *Protocol, a string, attempts int) error {
		return p.write(a, CharCurationWrite, data, attempts, "curation")
	})
}

// RequestHistory starts a history download. Packets are delivered to ch in
// receive order; the returned channel closes after the terminal packet or when
// the device is dropped. Delivery never blocks the protocol: ch needs room for
// HistoryTerminalSequence packets unless it is drained concurrently, and a
// packet that does not fit is logged and skipped.
func (p *Protocol) RequestHistory(address string, ch chan<- HistoryPacket) (<-chan struct{}, error) {
	transfer := &historyTransfer{stream: events.NewChannelEvent[HistoryPacket](false)}
	if _, loaded := p.history.GetOrInsert(address, transfer); loaded {
		return nil, fmt.Errorf("%s: %w", address, ErrHistoryInProgress)
	}
	if ch != nil {
		transfer.stream.Listen(ch)
	}
	if err := p.subscribe(address, CharHistory, 0, "history"); err != nil {
		p.endHistory(address)
		return nil, err
	}
	return transfer.stream.Done(), nil
}

// endHistory closes and forgets the transfer for address, if any.
func (p *Protocol) endHistory(address string) {
	transfer, ok := p.history.Get(address)
	if !ok {
		return
	}
	p.history.Del(address)
	transfer.stream.Close()
}

// Forget aborts per-device protocol state when a device is dropped.
func (p *Protocol) Forget(address string) {
	if _, ok := p.history.Get(address); ok {
		p.logger.WithField("address", address).Warn("Protocol: device dropped during history transfer")
		p.endHistory(address)
	}
}

// CloseAll aborts every pending history transfer.
func (p *Protocol) CloseAll() {
	var addrs []string
	p.history.Range(func(key string, _ *historyTransfer) bool {
		addrs = append(addrs, key)
		return true
	})
	for _, a := range addrs {
		p.endHistory(a)
	}
}

func (p *Protocol) submit(op executor.Operation) error {
	if err := p.exec.Submit(op); err != nil {
		return fmt.Errorf("queue %s: %w", op, err)
	}
	return nil
}
