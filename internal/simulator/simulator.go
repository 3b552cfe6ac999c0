// Package simulator provides an in-memory GATT platform with scripted devices.
// It is used by tests and by the --simulate mode of the CLI, so the fleet can be
// exercised without Bluetooth hardware.
package simulator

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lowaak/applicator-hub/internal/gatt"
	"github.com/sirupsen/logrus"
)

// CallKind names a submitted platform call.
type CallKind string

const (
	CallConnect    CallKind = "connect"
	CallDisconnect CallKind = "disconnect"
	CallDiscover   CallKind = "discover"
	CallRead       CallKind = "read"
	CallWrite      CallKind = "write"
	CallDescriptor CallKind = "descriptor"
)

// Call records one accepted or rejected submission.
type Call struct {
	Kind           CallKind
	Address        string
	Characteristic string
	Payload        []byte
	Busy           bool
	At             time.Time
}

// DeviceConfig scripts one simulated peripheral.
type DeviceConfig struct {
	Address   string
	LocalName string
	RSSI      int16
	// ConnectStatuses are reported by successive connects; once exhausted every
	// connect succeeds. A non-success status reports the link as disconnected.
	ConnectStatuses []gatt.Status
	// DiscoveryStatuses are reported by successive service discoveries.
	DiscoveryStatuses []gatt.Status
	// Values returned by reads, keyed by characteristic UUID. Several values are
	// returned in turn, wrapping around.
	Values map[string][][]byte
	// Echo maps a written characteristic to the characteristic whose read value
	// the write replaces.
	Echo map[string]string
}

type device struct {
	cfg        DeviceConfig
	connected  bool
	connects   int
	discovers  int
	cursors    map[string]int
	subscribed map[string]bool
}

// Platform is a simulated gatt.Platform and gatt.Scanner.
type Platform struct {
	logger  *logrus.Logger
	latency time.Duration

	mu          sync.Mutex
	callbacks   gatt.Callbacks
	devices     map[string]*device
	order       []string
	calls       []Call
	busy        map[CallKind]int
	inFlight    int
	maxInFlight int
	scanStop    chan struct{}
	scanErr     *gatt.ScanError
	pending     sync.WaitGroup
}

var (
	_ gatt.Platform = (*Platform)(nil)
	_ gatt.Scanner  = (*Platform)(nil)
)

// New creates a platform that reports completions latency after submission.
func New(logger *logrus.Logger, latency time.Duration) *Platform {
	if logger == nil {
		panic("simulator.Platform: logger cannot be nil")
	}
	return &Platform{
		logger:  logger,
		latency: latency,
		devices: make(map[string]*device),
		busy:    make(map[CallKind]int),
	}
}

// SetCallbacks installs the receiver of completions. It must be called before
// the first submission.
func (p *Platform) SetCallbacks(cb gatt.Callbacks) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = cb
}

func (p *Platform) AddDevice(cfg DeviceConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.devices[cfg.Address]; !ok {
		p.order = append(p.order, cfg.Address)
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "Applicator " + cfg.Address
	}
	p.devices[cfg.Address] = &device{
		cfg:        cfg,
		cursors:    make(map[string]int),
		subscribed: make(map[string]bool),
	}
}

// InjectBusy makes the next n submissions of kind fail with gatt.ErrBusy.
func (p *Platform) InjectBusy(kind CallKind, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy[kind] += n
}

// FailNextScan makes the next Scan return a ScanError with code.
func (p *Platform) FailNextScan(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scanErr = &gatt.ScanError{Code: code}
}

// Calls returns every submission in order.
func (p *Platform) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

// CallsOf returns accepted submissions of kind.
func (p *Platform) CallsOf(kind CallKind) []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Call
	for _, c := range p.calls {
		if c.Kind == kind && !c.Busy {
			out = append(out, c)
		}
	}
	return out
}

func (p *Platform) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// MaxInFlight is the highest number of submissions ever outstanding at once.
func (p *Platform) MaxInFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInFlight
}

func (p *Platform) Connected(address string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.devices[address]
	return ok && d.connected
}

// Wait blocks until every scheduled completion has been delivered.
func (p *Platform) Wait() {
	p.pending.Wait()
}

// accept records the call and reserves an in-flight slot. It returns the
// device, or an error when the submission is rejected.
func (p *Platform) accept(kind CallKind, address, characteristic string, payload []byte) (*device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := Call{Kind: kind, Address: address, Characteristic: characteristic, Payload: slices.Clone(payload), At: time.Now()}
	if p.busy[kind] > 0 {
		p.busy[kind]--
		call.Busy = true
		p.calls = append(p.calls, call)
		return nil, gatt.ErrBusy
	}
	p.calls = append(p.calls, call)
	d, ok := p.devices[address]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", kind, address, gatt.ErrUnknownDevice)
	}
	if p.callbacks == nil {
		return nil, fmt.Errorf("%s %s: no callbacks installed", kind, address)
	}
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	p.pending.Add(1)
	return d, nil
}

// deliver runs fn after the configured latency and frees the in-flight slot
// before the callback so a completion handler may submit again.
func (p *Platform) deliver(fn func(cb gatt.Callbacks)) {
	time.AfterFunc(p.latency, func() {
		defer p.pending.Done()
		p.mu.Lock()
		p.inFlight--
		cb := p.callbacks
		p.mu.Unlock()
		fn(cb)
	})
}

func (p *Platform) Connect(address string) error {
	d, err := p.accept(CallConnect, address, "", nil)
	if err != nil {
		return err
	}
	p.mu.Lock()
	status := next(d.cfg.ConnectStatuses, &d.connects)
	d.connected = status == gatt.StatusSuccess
	p.mu.Unlock()

	p.deliver(func(cb gatt.Callbacks) {
		state := gatt.StateDisconnected
		if status == gatt.StatusSuccess {
			state = gatt.StateConnected
		}
		cb.OnConnectionStateChange(address, status, state)
	})
	return nil
}

func (p *Platform) Disconnect(address string) error {
	d, err := p.accept(CallDisconnect, address, "", nil)
	if err != nil {
		return err
	}
	p.mu.Lock()
	d.connected = false
	clear(d.subscribed)
	p.mu.Unlock()

	p.deliver(func(cb gatt.Callbacks) {
		cb.OnConnectionStateChange(address, gatt.StatusSuccess, gatt.StateDisconnected)
	})
	return nil
}

func (p *Platform) DiscoverServices(address string) error {
	d, err := p.acceptConnected(CallDiscover, address, "", nil)
	if err != nil {
		return err
	}
	p.mu.Lock()
	status := next(d.cfg.DiscoveryStatuses, &d.discovers)
	p.mu.Unlock()

	p.deliver(func(cb gatt.Callbacks) {
		cb.OnServicesDiscovered(address, status)
	})
	return nil
}

func (p *Platform) ReadCharacteristic(address, characteristic string) error {
	d, err := p.acceptConnected(CallRead, address, characteristic, nil)
	if err != nil {
		return err
	}
	p.mu.Lock()
	values, ok := d.cfg.Values[characteristic]
	var value []byte
	status := gatt.StatusSuccess
	if !ok || len(values) == 0 {
		status = gatt.StatusError
	} else {
		i := d.cursors[characteristic]
		value = slices.Clone(values[i%len(values)])
		d.cursors[characteristic] = (i + 1) % len(values)
	}
	p.mu.Unlock()

	p.deliver(func(cb gatt.Callbacks) {
		cb.OnCharacteristicRead(address, characteristic, value, status)
	})
	return nil
}

func (p *Platform) WriteCharacteristic(address, characteristic string, data []byte) error {
	d, err := p.acceptConnected(CallWrite, address, characteristic, data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if target, ok := d.cfg.Echo[characteristic]; ok {
		if d.cfg.Values == nil {
			d.cfg.Values = make(map[string][][]byte)
		}
		d.cfg.Values[target] = [][]byte{slices.Clone(data)}
		d.cursors[target] = 0
	}
	p.mu.Unlock()

	p.deliver(func(cb gatt.Callbacks) {
		cb.OnCharacteristicWrite(address, characteristic, gatt.StatusSuccess)
	})
	return nil
}

func (p *Platform) WriteDescriptor(address, characteristic string, value []byte) error {
	d, err := p.acceptConnected(CallDescriptor, address, characteristic, value)
	if err != nil {
		return err
	}
	p.mu.Lock()
	d.subscribed[characteristic] = true
	p.mu.Unlock()

	p.deliver(func(cb gatt.Callbacks) {
		cb.OnDescriptorWrite(address, characteristic, gatt.StatusSuccess)
	})
	return nil
}

func (p *Platform) acceptConnected(kind CallKind, address, characteristic string, payload []byte) (*device, error) {
	p.mu.Lock()
	d, ok := p.devices[address]
	connected := ok && d.connected
	p.mu.Unlock()
	if ok && !connected {
		p.mu.Lock()
		p.calls = append(p.calls, Call{Kind: kind, Address: address, Characteristic: characteristic, At: time.Now()})
		p.mu.Unlock()
		return nil, fmt.Errorf("%s %s: %w", kind, address, gatt.ErrNotConnected)
	}
	return p.accept(kind, address, characteristic, payload)
}

// DropLink simulates an unsolicited disconnect reported with status.
func (p *Platform) DropLink(address string, status gatt.Status) {
	p.mu.Lock()
	d, ok := p.devices[address]
	if ok {
		d.connected = false
		clear(d.subscribed)
	}
	cb := p.callbacks
	p.mu.Unlock()
	if !ok || cb == nil {
		return
	}
	p.logger.WithField("address", address).Infof("Simulator: dropping link with status %d", int(status))
	cb.OnConnectionStateChange(address, status, gatt.StateDisconnected)
}

// Notify pushes an unsolicited value change for a subscribed characteristic.
func (p *Platform) Notify(address, characteristic string, value []byte) bool {
	p.mu.Lock()
	d, ok := p.devices[address]
	subscribed := ok && d.subscribed[characteristic]
	cb := p.callbacks
	p.mu.Unlock()
	if !subscribed || cb == nil {
		return false
	}
	cb.OnCharacteristicChanged(address, characteristic, value)
	return true
}

// Scan reports every registered device once, then blocks until StopScan.
func (p *Platform) Scan(handler func(gatt.Advertisement)) error {
	p.mu.Lock()
	if p.scanErr != nil {
		err := p.scanErr
		p.scanErr = nil
		p.mu.Unlock()
		return err
	}
	if p.scanStop != nil {
		p.mu.Unlock()
		return &gatt.ScanError{Code: 1, Err: fmt.Errorf("scan already in progress")}
	}
	stop := make(chan struct{})
	p.scanStop = stop
	var ads []gatt.Advertisement
	for _, addr := range p.order {
		d := p.devices[addr]
		ads = append(ads, gatt.Advertisement{Address: addr, LocalName: d.cfg.LocalName, RSSI: d.cfg.RSSI})
	}
	p.mu.Unlock()

	for _, ad := range ads {
		select {
		case <-stop:
			return nil
		case <-time.After(p.latency):
		}
		handler(ad)
	}
	<-stop
	return nil
}

func (p *Platform) StopScan() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scanStop == nil {
		return nil
	}
	close(p.scanStop)
	p.scanStop = nil
	return nil
}

func next(statuses []gatt.Status, cursor *int) gatt.Status {
	if *cursor >= len(statuses) {
		return gatt.StatusSuccess
	}
	s := statuses[*cursor]
	*cursor++
	return s
}
