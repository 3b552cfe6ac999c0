package agent

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lowaak/applicator-hub/internal/fleet"
	"github.com/lowaak/applicator-hub/internal/server"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrMissingField   = errors.New("missing field")
)

// Fleet is the part of the controller commands are executed against.
type Fleet interface {
	StartScan() error
	StopScan()
	ConnectAll(addresses []string) uint64
	DisconnectAll() <-chan struct{}
	Connections() []fleet.Connection
	PauseReading() bool
	ResumeReading() bool
	DiagnosticRead(address string) error
	EnterTestMode(address string) error
	ExitTestMode(address string) error
	RequestHistory(address string, ch chan<- fleet.HistoryPacket) (<-chan struct{}, error)
	WriteCommand(address string, cmd fleet.Command) error
	WriteCommandAll(cmd fleet.Command) error
	WriteCuration(address string, settings fleet.CurationSettings) error
	WriteCurationAll(settings fleet.CurationSettings) error
	SubscribeStatusAll() error
}

var _ Fleet = (*fleet.Controller)(nil)

type commandPayload struct {
	Address   string                  `json:"address"`
	Addresses []string                `json:"addresses"`
	Command   string                  `json:"command"`
	Settings  *fleet.CurationSettings `json:"settings"`
}

// CommandHandler maps {type, payload} commands from the websocket and MQTT
// surfaces onto controller calls.
type CommandHandler struct {
	fleet  Fleet
	logger *logrus.Logger
}

func NewCommandHandler(f Fleet, logger *logrus.Logger) *CommandHandler {
	if logger == nil {
		panic("CommandHandler: logger cannot be nil")
	}
	return &CommandHandler{fleet: f, logger: logger}
}

var _ server.CommandHandler = (*CommandHandler)(nil)

func (h *CommandHandler) Handle(cmd server.Command) (any, error) {
	var p commandPayload
	if len(cmd.Payload) > 0 && string(cmd.Payload) != "null" {
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, fmt.Errorf("%s: decoding payload: %w", cmd.Type, err)
		}
	}
	h.logger.WithFields(logrus.Fields{"command": cmd.Type, "address": p.Address}).Debug("CommandHandler: handling")

	switch cmd.Type {
	case "scan_start":
		return nil, h.fleet.StartScan()

	case "scan_stop":
		h.fleet.StopScan()
		return nil, nil

	case "connect_all":
		if len(p.Addresses) == 0 {
			return nil, fmt.Errorf("%s: %w: addresses", cmd.Type, ErrMissingField)
		}
		return map[string]uint64{"batch": h.fleet.ConnectAll(p.Addresses)}, nil

	case "disconnect_all":
		h.fleet.DisconnectAll()
		return nil, nil

	case "connections":
		return h.fleet.Connections(), nil

	case "pause_reading":
		return map[string]bool{"changed": h.fleet.PauseReading()}, nil

	case "resume_reading":
		return map[string]bool{"changed": h.fleet.ResumeReading()}, nil

	case "subscribe_status_all":
		return nil, h.fleet.SubscribeStatusAll()

	case "diagnostic_read", "test_mode_enter", "test_mode_exit", "history":
		if p.Address == "" {
			return nil, fmt.Errorf("%s: %w: address", cmd.Type, ErrMissingField)
		}
		return nil, h.perDevice(cmd.Type, p.Address)

	case "write_command":
		c, err := fleet.ParseCommand(p.Command)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cmd.Type, err)
		}
		if p.Address == "" {
			return nil, h.fleet.WriteCommandAll(c)
		}
		return nil, h.fleet.WriteCommand(p.Address, c)

	case "write_curation":
		if p.Settings == nil {
			return nil, fmt.Errorf("%s: %w: settings", cmd.Type, ErrMissingField)
		}
		if p.Address == "" {
			return nil, h.fleet.WriteCurationAll(*p.Settings)
		}
		return nil, h.fleet.WriteCuration(p.Address, *p.Settings)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
}

func (h *CommandHandler) perDevice(name, address string) error {
	switch name {
	case "diagnostic_read":
		return h.fleet.DiagnosticRead(address)
	case "test_mode_enter":
		return h.fleet.EnterTestMode(address)
	case "test_mode_exit":
		return h.fleet.ExitTestMode(address)
	default:
		// packets are published on the history stream
		_, err := h.fleet.RequestHistory(address, nil)
		return err
	}
}

// HandleMQTT runs a command received on <prefix>/cmd/<name>.
func (h *CommandHandler) HandleMQTT(name string, payload []byte) error {
	_, err := h.Handle(server.Command{Type: name, Payload: payload})
	return err
}
