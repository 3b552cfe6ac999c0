// Package fleet manages a set of BLE applicators over a single adapter: it
// connects them as a batch, recovers dropped links, drives the characteristic
// protocol against each one and refreshes their status periodically.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/lowaak/applicator-hub/internal/executor"
	"github.com/lowaak/applicator-hub/internal/gatt"
	"github.com/lowaak/applicator-hub/internal/go_func_utils"
	"github.com/lowaak/applicator-hub/internal/refresh"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Executor   executor.Config
	Supervisor SupervisorConfig
	Refresh    refresh.Config
	Profile    Profile
	// ScanDuration bounds a scan started with StartScan.
	ScanDuration time.Duration
	// AutoStartReading resumes periodic refresh when a discovery batch completes.
	AutoStartReading bool
}

func DefaultConfig() Config {
	return Config{
		Executor:         executor.DefaultConfig(),
		Supervisor:       DefaultSupervisorConfig(),
		Refresh:          refresh.DefaultConfig(),
		Profile:          DefaultProfile(),
		ScanDuration:     60 * time.Second,
		AutoStartReading: true,
	}
}

// Controller is the entry point collaborators talk to. It implements
// gatt.Callbacks and routes platform completions to the supervisor and the
// protocol handler.
type Controller struct {
	logger   *logrus.Logger
	cfg      Config
	scanner  gatt.Scanner
	streams  *Streams
	exec     *executor.Executor
	super    *Supervisor
	protocol *Protocol
	refresh  *refresh.Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
	scanDone   chan struct{}
	discovered *hashmap.Map[string, gatt.Advertisement]
}

var _ gatt.Callbacks = (*Controller)(nil)

// NewController wires a controller to platform and installs itself as the
// platform callbacks. scanner may be nil when discovery is not needed.
func NewController(platform gatt.Platform, scanner gatt.Scanner, cfg Config, logger *logrus.Logger) *Controller {
	if logger == nil {
		panic("Controller: logger cannot be nil")
	}
	if cfg.ScanDuration <= 0 {
		cfg.ScanDuration = DefaultConfig().ScanDuration
	}
	if cfg.Profile == (Profile{}) {
		cfg.Profile = DefaultProfile()
	}

	c := &Controller{
		logger:     logger,
		cfg:        cfg,
		scanner:    scanner,
		streams:    NewStreams(),
		discovered: hashmap.New[string, gatt.Advertisement](),
	}
	c.exec = executor.New(platform, cfg.Executor, logger)
	c.super = NewSupervisor(c.exec, c.streams, cfg.Supervisor, logger)
	c.refresh = refresh.New(cfg.Refresh, c.refreshTick, logger)
	c.protocol = NewProtocol(c.exec, c.streams, cfg.Profile, c.refresh.Active, logger)
	if cfg.Executor.MaxAttempts > 0 {
		c.protocol.fanoutAttempts = cfg.Executor.MaxAttempts
	}

	c.super.onBatchComplete = c.batchComplete
	c.super.onDrop = c.protocol.Forget
	c.exec.Failures().Listen(c.operationFailed)

	platform.SetCallbacks(c)
	return c
}

// Start launches the executor. Stop with Shutdown.
func (c *Controller) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.exec.Start(c.ctx)
	c.logger.Info("Controller: started")
}

func (c *Controller) Streams() *Streams {
	return c.streams
}

func (c *Controller) batchComplete(batch uint64) {
	if c.cfg.AutoStartReading && len(c.super.LiveAddresses()) > 0 {
		c.refresh.Resume()
	}
}

func (c *Controller) refreshTick() {
	addrs := c.super.LiveAddresses()
	if len(addrs) == 0 {
		return
	}
	if err := c.protocol.SubscribeStatusAll(addrs); err != nil {
		c.logger.WithError(err).Warn("Controller: status refresh incomplete")
	}
}

func (c *Controller) operationFailed(f executor.Failure) {
	if errors.Is(f.Err, executor.ErrSubmissionRejected) {
		f.Err = &LinkError{Kind: SubmissionRejected, Address: f.Op.Address, Msg: f.Op.Kind.String(), Err: f.Err}
	}
	c.logger.WithFields(logrus.Fields{"address": f.Op.Address, "op": f.Op.Kind.String()}).WithError(f.Err).Warn("Controller: operation failed")
	c.streams.OperationFailed.Notify(f)
	c.super.HandleFailure(f)
}

// --- scanning

// StartScan discovers devices until StopScan or the configured scan duration
// elapses, then publishes ScanComplete.
func (c *Controller) StartScan() error {
	if c.scanner == nil {
		return fmt.Errorf("scan: no scanner available")
	}
	c.scanMu.Lock()
	defer c.scanMu.Unlock()
	if c.scanCancel != nil {
		return ErrScanInProgress
	}

	parent := c.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, c.cfg.ScanDuration)
	done := make(chan struct{})
	c.scanCancel = cancel
	c.scanDone = done

	c.logger.WithField("duration", c.cfg.ScanDuration).Info("Controller: scan started")

	go_func_utils.SafeGo(c.logger, "scan-timer", func() {
		select {
		case <-ctx.Done():
			if err := c.scanner.StopScan(); err != nil {
				c.logger.WithError(err).Warn("Controller: stop scan failed")
			}
		case <-done:
		}
	})
	go_func_utils.SafeGo(c.logger, "scan", func() {
		var found int
		// each scan reports every device it sees once, even if an earlier scan saw it
		seen := hashmap.New[string, struct{}]()
		err := c.scanner.Scan(func(ad gatt.Advertisement) {
			c.discovered.Set(ad.Address, ad)
			if _, loaded := seen.GetOrInsert(ad.Address, struct{}{}); loaded {
				return
			}
			found++
			c.logger.WithFields(logrus.Fields{"address": ad.Address, "name": ad.LocalName, "rssi": ad.RSSI}).Info("Controller: device discovered")
			c.streams.DeviceDiscovered.Notify(ad)
		})
		if err != nil {
			c.logger.WithError(err).Error("Controller: scan failed")
		}

		c.scanMu.Lock()
		c.scanCancel = nil
		c.scanDone = nil
		c.scanMu.Unlock()
		close(done)
		cancel()

		c.logger.WithField("found", found).Info("Controller: scan complete")
		c.streams.ScanComplete.Notify(ScanComplete{Found: found, Err: err})
	})
	return nil
}

// StopScan ends a running scan early. It returns once the scan has finished.
func (c *Controller) StopScan() {
	c.scanMu.Lock()
	cancel, done := c.scanCancel, c.scanDone
	c.scanMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Controller) Scanning() bool {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()
	return c.scanCancel != nil
}

// Discovered returns every advertisement seen so far, most recent per device.
func (c *Controller) Discovered() []gatt.Advertisement {
	var out []gatt.Advertisement
	c.discovered.Range(func(_ string, ad gatt.Advertisement) bool {
		out = append(out, ad)
		return true
	})
	return out
}

// --- connections

// ConnectAll connects the given devices as one batch and returns the batch number.
func (c *Controller) ConnectAll(addresses []string) uint64 {
	return c.super.ConnectAll(addresses)
}

// DisconnectAll disconnects every tracked device, including those still
// connecting. The returned channel closes when all of them are gone.
func (c *Controller) DisconnectAll() <-chan struct{} {
	c.refresh.Pause()
	return c.super.DisconnectAll()
}

func (c *Controller) Connections() []Connection {
	return c.super.Connections()
}

func (c *Controller) LiveAddresses() []string {
	return c.super.LiveAddresses()
}

// --- reading

func (c *Controller) PauseReading() bool {
	return c.refresh.Pause()
}

func (c *Controller) ResumeReading() bool {
	return c.refresh.Resume()
}

func (c *Controller) Reading() bool {
	return c.refresh.Active()
}

// DiagnosticRead requests a status reading from one device. While periodic
// refresh is paused the result is published as a diagnostic measurement.
func (c *Controller) DiagnosticRead(address string) error {
	if err := c.requireLive(address); err != nil {
		return err
	}
	return c.protocol.Subscribe(address, CharStatusRead)
}

// EnterTestMode pauses periodic refresh and switches the device to its
// resistance test.
func (c *Controller) EnterTestMode(address string) error {
	if err := c.requireLive(address); err != nil {
		return err
	}
	c.refresh.Pause()
	return c.protocol.WriteCommand(address, CommandTestMode)
}

func (c *Controller) ExitTestMode(address string) error {
	if err := c.requireLive(address); err != nil {
		return err
	}
	return c.protocol.WriteCommand(address, CommandExitTestMode)
}

// RequestHistory downloads the stored history of a device into ch. The
// returned channel closes after the last packet.
func (c *Controller) RequestHistory(address string, ch chan<- HistoryPacket) (<-chan struct{}, error) {
	if err := c.requireLive(address); err != nil {
		return nil, err
	}
	return c.protocol.RequestHistory(address, ch)
}

// --- writing

func (c *Controller) WriteCommand(address string, cmd Command) error {
	if err := c.requireLive(address); err != nil {
		return err
	}
	return c.protocol.WriteCommand(address, cmd)
}

func (c *Controller) WriteCommandAll(cmd Command) error {
	return c.protocol.WriteCommandAll(c.super.LiveAddresses(), cmd)
}

func (c *Controller) WriteCuration(address string, settings CurationSettings) error {
	if err := c.requireLive(address); err != nil {
		return err
	}
	return c.protocol.WriteCuration(address, settings)
}

func (c *Controller) WriteCurationAll(settings CurationSettings) error {
	return c.protocol.WriteCurationAll(c.super.LiveAddresses(), settings)
}

func (c *Controller) SubscribeStatusAll() error {
	return c.protocol.SubscribeStatusAll(c.super.LiveAddresses())
}

func (c *Controller) requireLive(address string) error {
	if !c.super.IsLive(address) {
		return fmt.Errorf("%s: %w", address, ErrNotConnected)
	}
	return nil
}

// Shutdown stops refresh and scanning, disconnects every device (bounded by
// ctx) and stops the executor.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.logger.Info("Controller: shutting down")
	c.refresh.Stop()
	c.StopScan()

	var err error
	select {
	case <-c.super.DisconnectAll():
	case <-ctx.Done():
		err = fmt.Errorf("shutdown: %w", ctx.Err())
		c.logger.WithError(err).Warn("Controller: devices still connected")
	}

	c.exec.Stop()
	c.protocol.CloseAll()
	if c.cancel != nil {
		c.cancel()
	}
	return err
}

// --- gatt.Callbacks

func (c *Controller) OnConnectionStateChange(address string, status gatt.Status, state gatt.ConnectionState) {
	c.logger.WithFields(logrus.Fields{"address": address, "status": int(status), "state": state.String()}).Debug("Controller: connection state change")
	if state == gatt.StateConnected {
		c.exec.Complete(address, executor.Connect)
	} else {
		// no other operation on this device can complete once the link is down
		c.exec.Complete(address)
		c.protocol.Forget(address)
	}
	c.super.HandleConnectionState(address, status, state)
}

func (c *Controller) OnServicesDiscovered(address string, status gatt.Status) {
	c.exec.Complete(address, executor.DiscoverServices)
	c.super.HandleDiscovery(address, status)
}

func (c *Controller) OnCharacteristicRead(address, characteristic string, value []byte, status gatt.Status) {
	c.exec.Complete(address, executor.ReadCharacteristic)
	c.protocol.HandleRead(address, characteristic, value, status)
}

func (c *Controller) OnCharacteristicWrite(address, characteristic string, status gatt.Status) {
	c.exec.Complete(address, executor.WriteCharacteristic)
	c.protocol.HandleWrite(address, characteristic, status)
}

func (c *Controller) OnDescriptorWrite(address, characteristic string, status gatt.Status) {
	c.exec.Complete(address, executor.WriteDescriptor)
	c.protocol.HandleDescriptorWrite(address, characteristic, status)
}

func (c *Controller) OnCharacteristicChanged(address, characteristic string, value []byte) {
	c.protocol.HandleChanged(address, characteristic, value)
}
