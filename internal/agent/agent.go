// Package agent assembles the hub: platform, controller and the websocket and
// MQTT surfaces, and runs them until the context ends.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/applicator-hub/internal/bt"
	"github.com/lowaak/applicator-hub/internal/config"
	"github.com/lowaak/applicator-hub/internal/fleet"
	"github.com/lowaak/applicator-hub/internal/gatt"
	"github.com/lowaak/applicator-hub/internal/go_func_utils"
	"github.com/lowaak/applicator-hub/internal/mqtt"
	"github.com/lowaak/applicator-hub/internal/server"
	"github.com/lowaak/applicator-hub/internal/simulator"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

const (
	simulatorLatency = 20 * time.Millisecond
	shutdownTimeout  = 10 * time.Second
)

type Agent struct {
	cfg    *config.Config
	logger *logrus.Logger
	wg     sync.WaitGroup

	bt         *bt.BTManager
	sim        *simulator.Platform
	controller *fleet.Controller
	handler    *CommandHandler
	server     *server.Server
	mqttClient *mqtt.Client
	devices    []string

	sinksMu sync.RWMutex
	sinks   []Sink
}

// New builds every component. With cfg.Simulate set no Bluetooth hardware is
// touched.
func New(cfg *config.Config, logger *logrus.Logger) (*Agent, error) {
	if logger == nil {
		panic("Agent: logger cannot be nil")
	}
	a := &Agent{cfg: cfg, logger: logger, devices: cfg.Devices}

	var platform gatt.Platform
	var scanner gatt.Scanner
	if cfg.Simulate {
		a.sim = simulator.New(logger, simulatorLatency)
		for _, d := range simulatedDevices(cfg.Profile, cfg.Devices) {
			a.sim.AddDevice(d)
			if len(cfg.Devices) == 0 {
				a.devices = append(a.devices, d.Address)
			}
		}
		platform, scanner = a.sim, a.sim
		logger.WithField("devices", len(a.devices)).Info("Agent: using simulated applicators")
	} else {
		a.bt = bt.NewBTManager(bluetooth.DefaultAdapter, logger)
		if err := a.bt.Enable(); err != nil {
			return nil, fmt.Errorf("enable bluetooth: %w", err)
		}
		platform, scanner = a.bt, a.bt
	}

	a.controller = fleet.NewController(platform, scanner, cfg.Fleet(), logger)
	a.handler = NewCommandHandler(a.controller, logger)

	if cfg.Server.Enabled {
		a.server = server.NewServer(cfg.Server.Addr, cfg.Server.AllowedOrigins, a.snapshot, logger)
		a.server.SetHandler(a.handler)
		a.AddSink(hubSink{a.server.Hub})
	}
	if c := mqtt.NewClient(cfg.MQTT, a.handler.HandleMQTT, logger); c != nil {
		a.mqttClient = c
		a.AddSink(mqttSink{c})
	}
	return a, nil
}

func (a *Agent) Controller() *fleet.Controller {
	return a.controller
}

// Simulator is the simulated platform, nil unless running simulated.
func (a *Agent) Simulator() *simulator.Platform {
	return a.sim
}

// AddSink registers another receiver of controller events.
func (a *Agent) AddSink(s Sink) {
	a.sinksMu.Lock()
	defer a.sinksMu.Unlock()
	a.sinks = append(a.sinks, s)
}

func (a *Agent) publish(address, kind string, payload any) {
	a.sinksMu.RLock()
	defer a.sinksMu.RUnlock()
	for _, s := range a.sinks {
		s.Publish(address, kind, payload)
	}
}

func (a *Agent) snapshot() []server.Message {
	return []server.Message{
		server.NewMessage("connections", a.controller.Connections()),
		server.NewMessage("reading", map[string]bool{"active": a.controller.Reading()}),
	}
}

// Run starts everything and blocks until ctx is done, then shuts down.
func (a *Agent) Run(ctx context.Context) error {
	// the controller must outlive ctx to disconnect devices on shutdown
	a.controller.Start(context.WithoutCancel(ctx))
	a.bridge(ctx, a.controller.Streams())

	if a.server != nil {
		go_func_utils.SafeGo(a.logger, "server", func() {
			if err := a.server.ListenAndServe(ctx); err != nil {
				a.logger.WithError(err).Error("Agent: server stopped")
			}
		})
	}
	if a.mqttClient != nil {
		go_func_utils.SafeGo(a.logger, "mqtt_connect", func() {
			if err := a.mqttClient.Connect(); err != nil {
				a.logger.WithError(err).Error("Agent: mqtt setup failed")
			}
		})
	}
	if len(a.devices) > 0 {
		go_func_utils.SafeGo(a.logger, "connect_configured", func() {
			a.connectConfigured(ctx)
		})
	}

	a.logger.Info("Agent: running")
	<-ctx.Done()
	return a.shutdown()
}

// connectConfigured scans until every configured device has advertised or the
// scan ends, then connects them as one batch.
func (a *Agent) connectConfigured(ctx context.Context) {
	streams := a.controller.Streams()
	found := make(chan gatt.Advertisement, 64)
	stopFound := streams.DeviceDiscovered.Listen(found)
	defer stopFound()
	complete := make(chan fleet.ScanComplete, 1)
	stopComplete := streams.ScanComplete.Listen(complete)
	defer stopComplete()
	// drop a replayed result of an earlier scan
	select {
	case <-complete:
	default:
	}

	seen := make(map[string]string)
	missing := func() int {
		n := 0
		for _, d := range a.devices {
			if _, ok := seen[strings.ToUpper(d)]; !ok {
				n++
			}
		}
		return n
	}

	if err := a.controller.StartScan(); err != nil {
		a.logger.WithError(err).Warn("Agent: scan before connect failed")
	} else {
	wait:
		for missing() > 0 {
			select {
			case <-ctx.Done():
				return
			case ad := <-found:
				seen[strings.ToUpper(ad.Address)] = ad.Address
			case <-complete:
				break wait
			}
		}
		a.controller.StopScan()
	}

	// use the address spelling the platform reports
	addresses := make([]string, 0, len(a.devices))
	for _, d := range a.devices {
		if reported, ok := seen[strings.ToUpper(d)]; ok {
			addresses = append(addresses, reported)
		} else {
			a.logger.WithField("address", d).Warn("Agent: configured device not seen in scan")
			addresses = append(addresses, d)
		}
	}
	batch := a.controller.ConnectAll(addresses)
	a.logger.WithFields(logrus.Fields{"batch": batch, "devices": len(addresses)}).Info("Agent: connecting configured devices")
}

func (a *Agent) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.controller.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("controller: %w", err))
	}
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server: %w", err))
		}
	}
	a.mqttClient.Disconnect()
	if a.bt != nil {
		if err := a.bt.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("bluetooth: %w", err))
		}
	}
	a.wg.Wait()
	a.logger.Info("Agent: stopped")
	return errors.Join(errs...)
}
