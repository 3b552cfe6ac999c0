package fleet

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lowaak/applicator-hub/internal/barrier"
	"github.com/lowaak/applicator-hub/internal/executor"
	"github.com/lowaak/applicator-hub/internal/gatt"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DiscoveryFailurePolicy decides what happens when service discovery fails.
type DiscoveryFailurePolicy string

const (
	// DiscoveryWait logs the failure and leaves the device pending; the batch
	// does not complete until it is discovered or dropped.
	DiscoveryWait      DiscoveryFailurePolicy = "wait"
	DiscoveryReconnect DiscoveryFailurePolicy = "reconnect"
	DiscoveryDrop      DiscoveryFailurePolicy = "drop"
)

func ParseDiscoveryFailurePolicy(s string) (DiscoveryFailurePolicy, error) {
	switch p := DiscoveryFailurePolicy(strings.ToLower(s)); p {
	case DiscoveryWait, DiscoveryReconnect, DiscoveryDrop:
		return p, nil
	case "":
		return DiscoveryWait, nil
	default:
		return "", fmt.Errorf("unknown discovery failure policy %q", s)
	}
}

type SupervisorConfig struct {
	DiscoveryFailurePolicy DiscoveryFailurePolicy
	MaxReconnectAttempts   int
}

func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		DiscoveryFailurePolicy: DiscoveryWait,
		MaxReconnectAttempts:   5,
	}
}

// Classify maps a non-success connection status to the handling it gets.
// An empty kind means the status is ignored: a generic error while every
// device is ready is treated as a one-off glitch.
func Classify(status gatt.Status, allReady bool) ErrorKind {
	switch status {
	case gatt.StatusSuccess:
		return ""
	case gatt.StatusConnectionTimeout:
		return LinkLost
	case gatt.StatusPeerTerminated, gatt.StatusLocalHostTerminated:
		return LinkRecoverable
	case gatt.StatusError:
		if allReady {
			return ""
		}
		return LinkRecoverable
	default:
		return LinkRecoverable
	}
}

// Supervisor owns the connection state machine: which devices are tracked,
// which are live, and when a discovery batch is complete.
type Supervisor struct {
	logger  *logrus.Logger
	cfg     SupervisorConfig
	exec    Submitter
	streams *Streams

	discovery  *barrier.Barrier
	disconnect *barrier.Barrier

	// onBatchComplete runs after every device of a batch reached Ready or left.
	onBatchComplete func(batch uint64)
	// onDrop runs when a device stops being tracked.
	onDrop func(address string)

	mu sync.Mutex
	// tracked holds every connection the supervisor manages, in insertion order.
	tracked *orderedmap.OrderedMap[string, *Connection]
	// live holds connected devices in the order their links came up.
	live *orderedmap.OrderedMap[string, *Connection]
	// members of the current discovery and disconnect batches
	batchMembers      map[string]struct{}
	disconnectMembers map[string]struct{}
}

func NewSupervisor(exec Submitter, streams *Streams, cfg SupervisorConfig, logger *logrus.Logger) *Supervisor {
	if logger == nil {
		panic("Supervisor: logger cannot be nil")
	}
	def := DefaultSupervisorConfig()
	if cfg.DiscoveryFailurePolicy == "" {
		cfg.DiscoveryFailurePolicy = def.DiscoveryFailurePolicy
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	return &Supervisor{
		logger:     logger,
		cfg:        cfg,
		exec:       exec,
		streams:    streams,
		discovery:  barrier.New(),
		disconnect: barrier.New(),
		tracked:    orderedmap.New[string, *Connection](),
		live:       orderedmap.New[string, *Connection](),

		batchMembers:      make(map[string]struct{}),
		disconnectMembers: make(map[string]struct{}),
	}
}

// deferred collects work that must run after the supervisor lock is released:
// barrier arrivals may fire completion callbacks that call back in.
type deferred []func()

func (d *deferred) then(fn func()) { *d = append(*d, fn) }

func (d deferred) run() {
	for _, fn := range d {
		fn()
	}
}

func (s *Supervisor) withLock(fn func(after *deferred)) {
	var after deferred
	s.mu.Lock()
	fn(&after)
	s.mu.Unlock()
	after.run()
}

func (s *Supervisor) log(address string) *logrus.Entry {
	return s.logger.WithField("address", address)
}

// ConnectAll starts a new discovery batch over the deduplicated addresses and
// queues one connect per device. Devices already ready count as arrived.
func (s *Supervisor) ConnectAll(addresses []string) uint64 {
	var unique []string
	seen := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		if _, ok := seen[a]; ok || a == "" {
			continue
		}
		seen[a] = struct{}{}
		unique = append(unique, a)
	}

	var ready, toConnect []string
	s.withLock(func(after *deferred) {
		s.batchMembers = seen
		for _, a := range unique {
			if c, ok := s.tracked.Get(a); ok && c.State != Disconnected {
				if c.State == Ready {
					ready = append(ready, a)
				}
				// already being handled; it arrives when it settles
				continue
			}
			s.tracked.Set(a, &Connection{Address: a, State: Connecting, Reconnectable: true, connectQueued: true})
			toConnect = append(toConnect, a)
		}
	})

	batch := s.discovery.NewBatch(len(unique), s.completeBatch)
	s.logger.WithFields(logrus.Fields{"batch": batch, "devices": len(unique)}).Info("Supervisor: connecting batch")

	for _, a := range ready {
		s.discovery.ArriveOnce(a)
	}
	for _, a := range toConnect {
		if err := s.exec.Submit(executor.Operation{Address: a, Kind: executor.Connect, Label: "connect"}); err != nil {
			s.log(a).WithError(err).Error("Supervisor: cannot queue connect")
			s.drop(a, true)
		}
	}
	return batch
}

func (s *Supervisor) completeBatch(batch uint64) {
	s.logger.WithField("batch", batch).Info("Supervisor: all devices settled")
	s.streams.DeviceConnected.Notify(DeviceConnected{Batch: batch, BatchComplete: true})
	if s.onBatchComplete != nil {
		s.onBatchComplete(batch)
	}
}

// DisconnectAll queues a disconnect for every tracked device, including those
// still connecting, and ends the pending discovery batch without completing
// it. The returned channel closes once each device reported disconnected or
// failed to submit.
func (s *Supervisor) DisconnectAll() <-chan struct{} {
	var addrs []string
	s.withLock(func(*deferred) {
		s.disconnectMembers = make(map[string]struct{}, s.tracked.Len())
		s.batchMembers = make(map[string]struct{})
		for pair := s.tracked.Oldest(); pair != nil; pair = pair.Next() {
			pair.Value.State = Disconnecting
			pair.Value.Reconnectable = false
			addrs = append(addrs, pair.Key)
			s.disconnectMembers[pair.Key] = struct{}{}
		}
	})

	if s.discovery.Abandon() {
		s.logger.Info("Supervisor: pending batch abandoned")
	}
	s.disconnect.NewBatch(len(addrs), func(uint64) {
		s.logger.Info("Supervisor: all devices disconnected")
	})
	done := s.disconnect.Done()

	for _, a := range addrs {
		if err := s.exec.Submit(executor.Operation{Address: a, Kind: executor.Disconnect, Label: "disconnect all"}); err != nil {
			s.log(a).WithError(err).Error("Supervisor: cannot queue disconnect")
			s.drop(a, false)
		}
	}
	return done
}

// HandleConnectionState applies a connection state change reported by the platform.
func (s *Supervisor) HandleConnectionState(address string, status gatt.Status, state gatt.ConnectionState) {
	s.withLock(func(after *deferred) {
		c, ok := s.tracked.Get(address)
		if !ok {
			s.log(address).WithField("status", status).Debug("Supervisor: state change for untracked device")
			return
		}
		c.LastStatus = status

		if c.State == Disconnecting {
			s.handleDisconnectingLocked(c, status, state, after)
			return
		}

		if status != gatt.StatusSuccess {
			s.handleFailureLocked(c, status, after)
			return
		}

		if state == gatt.StateConnected {
			c.connectQueued = false
			if _, present := s.live.Set(address, c); !present {
				s.log(address).Info("Supervisor: connected")
			}
			c.State = ServicesDiscovering
			s.submitLocked(c, executor.Operation{Address: address, Kind: executor.DiscoverServices, Label: "discover"}, after)
			return
		}

		s.live.Delete(address)
		if c.State == Reconnecting {
			// the disconnect half of a reconnect; the connect is already queued
			c.State = Connecting
			s.log(address).Debug("Supervisor: disconnected for reconnect")
			return
		}
		s.log(address).Info("Supervisor: disconnected")
		c.State = Disconnected
		s.untrackLocked(address, after)
	})
}

// handleDisconnectingLocked settles a device that is being disconnected. A
// link that comes up is left for the queued disconnect; the device leaves once
// it is down and no connect for it is still queued.
func (s *Supervisor) handleDisconnectingLocked(c *Connection, status gatt.Status, state gatt.ConnectionState, after *deferred) {
	log := s.log(c.Address).WithField("status", int(status))
	if status == gatt.StatusSuccess && state == gatt.StateConnected {
		c.connectQueued = false
		s.live.Set(c.Address, c)
		log.Info("Supervisor: connected while disconnecting, waiting for disconnect")
		return
	}
	s.live.Delete(c.Address)
	if status != gatt.StatusSuccess {
		// a failed connect or a dropped link; either way the device is down
		c.connectQueued = false
	}
	if c.connectQueued {
		log.Debug("Supervisor: disconnected, a queued connect is still pending")
		return
	}
	log.Info("Supervisor: disconnected")
	c.State = Disconnected
	s.untrackLocked(c.Address, after)
}

func (s *Supervisor) handleFailureLocked(c *Connection, status gatt.Status, after *deferred) {
	log := s.log(c.Address).WithField("status", int(status))
	switch Classify(status, s.allReadyLocked()) {
	case LinkLost:
		log.Warn("Supervisor: link lost, device out of range")
		c.State = Disconnecting
		c.Reconnectable = false
		s.live.Delete(c.Address)
		addr := c.Address
		after.then(func() {
			s.streams.OutOfRange.Notify(OutOfRange{
				Address: addr,
				Status:  status,
				Err:     &LinkError{Kind: LinkLost, Address: addr, Status: status},
			})
			if err := s.exec.Submit(executor.Operation{Address: addr, Kind: executor.Disconnect, Label: "force disconnect"}); err != nil {
				s.log(addr).WithError(err).Warn("Supervisor: cannot queue force disconnect")
			}
		})
		s.untrackLocked(addr, after)
	case LinkRecoverable:
		log.Warn("Supervisor: link dropped, reconnecting")
		s.reconnectLocked(c, &LinkError{Kind: LinkRecoverable, Address: c.Address, Status: status}, after)
	default:
		log.Warn("Supervisor: ignoring transient error while all devices are ready")
	}
}

// reconnectLocked queues a disconnect followed by a connect, or gives up once
// the device exceeded its reconnect budget. cause is what triggered it.
func (s *Supervisor) reconnectLocked(c *Connection, cause *LinkError, after *deferred) {
	c.ReconnectAttempts++
	s.live.Delete(c.Address)
	addr := c.Address

	if !c.Reconnectable || c.ReconnectAttempts > s.cfg.MaxReconnectAttempts {
		err := &LinkError{Kind: ReconnectExhausted, Address: addr, Status: cause.Status, Err: cause,
			Msg: fmt.Sprintf("gave up after %d reconnect attempts", c.ReconnectAttempts-1)}
		if !c.Reconnectable {
			err.Msg = "device is not reconnectable"
		}
		s.log(addr).WithError(err).Error("Supervisor: connection failed")
		c.State = Disconnecting
		after.then(func() {
			s.streams.ConnectionFailed.Notify(ConnectionFailed{Address: addr, Err: err, Reason: err.Error()})
			if serr := s.exec.Submit(executor.Operation{Address: addr, Kind: executor.Disconnect, Label: "give up"}); serr != nil {
				s.log(addr).WithError(serr).Warn("Supervisor: cannot queue disconnect")
			}
		})
		s.untrackLocked(addr, after)
		return
	}

	c.State = Reconnecting
	s.log(addr).WithField("attempt", c.ReconnectAttempts).Info("Supervisor: reconnect queued")
	s.submitLocked(c, executor.Operation{Address: addr, Kind: executor.Disconnect, Label: "reconnect"}, after)
	c.connectQueued = true
	s.submitLocked(c, executor.Operation{Address: addr, Kind: executor.Connect, Label: "reconnect"}, after)
}

// HandleDiscovery applies a service discovery result.
func (s *Supervisor) HandleDiscovery(address string, status gatt.Status) {
	s.withLock(func(after *deferred) {
		c, ok := s.tracked.Get(address)
		if !ok {
			s.log(address).Debug("Supervisor: discovery for untracked device")
			return
		}
		if c.State == Disconnecting {
			s.log(address).Debug("Supervisor: discovery result for a device being disconnected")
			return
		}
		if status == gatt.StatusSuccess {
			c.State = Ready
			c.ReconnectAttempts = 0
			batch := s.discovery.Batch()
			s.log(address).Info("Supervisor: services discovered, ready")
			after.then(func() {
				s.streams.DeviceConnected.Notify(DeviceConnected{Address: address, Batch: batch})
			})
			s.arriveLocked(address, after)
			return
		}

		err := &LinkError{Kind: DiscoveryFailed, Address: address, Status: status}
		log := s.log(address).WithError(err).WithField("policy", s.cfg.DiscoveryFailurePolicy)
		switch s.cfg.DiscoveryFailurePolicy {
		case DiscoveryReconnect:
			log.Warn("Supervisor: discovery failed, reconnecting")
			s.reconnectLocked(c, err, after)
		case DiscoveryDrop:
			log.Warn("Supervisor: discovery failed, dropping device")
			c.State = Disconnecting
			c.Reconnectable = false
			s.live.Delete(address)
			after.then(func() {
				s.streams.ConnectionFailed.Notify(ConnectionFailed{Address: address, Err: err, Reason: err.Error()})
				if serr := s.exec.Submit(executor.Operation{Address: address, Kind: executor.Disconnect, Label: "discovery failed"}); serr != nil {
					s.log(address).WithError(serr).Warn("Supervisor: cannot queue disconnect")
				}
			})
			s.untrackLocked(address, after)
		default:
			log.Error("Supervisor: discovery failed, device left pending")
		}
	})
}

// HandleFailure feeds back an operation the executor dropped.
func (s *Supervisor) HandleFailure(f executor.Failure) {
	addr := f.Op.Address
	switch f.Op.Kind {
	case executor.Connect:
		s.log(addr).WithError(f).Warn("Supervisor: connect could not be submitted")
		s.withLock(func(after *deferred) {
			c, ok := s.tracked.Get(addr)
			if !ok {
				return
			}
			if c.State == Disconnecting {
				c.connectQueued = false
				s.handleDisconnectingLocked(c, gatt.StatusError, gatt.StateDisconnected, after)
				return
			}
			err := fmt.Errorf("connect: %w", f)
			after.then(func() {
				s.streams.ConnectionFailed.Notify(ConnectionFailed{Address: addr, Err: err, Reason: err.Error()})
			})
			s.live.Delete(addr)
			s.untrackLocked(addr, after)
		})
	case executor.Disconnect:
		s.log(addr).WithError(f).Warn("Supervisor: disconnect could not be submitted, treating as disconnected")
		s.HandleConnectionState(addr, gatt.StatusSuccess, gatt.StateDisconnected)
	case executor.DiscoverServices:
		status := gatt.StatusError
		if errors.Is(f, executor.ErrCompletionTimeout) {
			status = gatt.StatusConnectionTimeout
		}
		s.HandleDiscovery(addr, status)
	}
}

func (s *Supervisor) submitLocked(c *Connection, op executor.Operation, after *deferred) {
	if err := s.exec.Submit(op); err != nil {
		s.log(c.Address).WithError(err).Error("Supervisor: cannot queue operation")
		s.live.Delete(c.Address)
		s.untrackLocked(c.Address, after)
	}
}

// untrackLocked forgets address and accounts for it on both barriers.
func (s *Supervisor) untrackLocked(address string, after *deferred) {
	s.tracked.Delete(address)
	_, disconnecting := s.disconnectMembers[address]
	delete(s.disconnectMembers, address)
	s.arriveLocked(address, after)
	after.then(func() {
		if disconnecting {
			s.disconnect.ArriveOnce(address)
		}
		if s.onDrop != nil {
			s.onDrop(address)
		}
	})
}

// arriveLocked counts address on the discovery barrier if it belongs to the
// current batch. Repeated arrivals of a device are ignored by the barrier.
func (s *Supervisor) arriveLocked(address string, after *deferred) {
	if _, ok := s.batchMembers[address]; !ok {
		return
	}
	after.then(func() { s.discovery.ArriveOnce(address) })
}

// drop untracks address outside any lock.
func (s *Supervisor) drop(address string, notify bool) {
	s.withLock(func(after *deferred) {
		if notify {
			after.then(func() {
				s.streams.ConnectionFailed.Notify(ConnectionFailed{Address: address, Reason: "could not queue connect"})
			})
		}
		s.live.Delete(address)
		s.untrackLocked(address, after)
	})
}

func (s *Supervisor) allReadyLocked() bool {
	if s.tracked.Len() == 0 || s.discovery.Armed() {
		return false
	}
	for pair := s.tracked.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.State != Ready {
			return false
		}
	}
	return true
}

// LiveAddresses returns connected devices in connection order.
func (s *Supervisor) LiveAddresses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, s.live.Len())
	for pair := s.live.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// IsLive reports whether address has an established link.
func (s *Supervisor) IsLive(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live.Get(address)
	return ok
}

// Connections returns a snapshot of every tracked connection.
func (s *Supervisor) Connections() []Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Connection, 0, s.tracked.Len())
	for pair := s.tracked.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, *pair.Value)
	}
	return out
}

func (s *Supervisor) Connection(address string) (Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.tracked.Get(address)
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// BatchPending reports whether the current discovery batch is still waiting.
func (s *Supervisor) BatchPending() bool {
	return s.discovery.Armed()
}
