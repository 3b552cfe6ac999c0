package agent

import (
	"context"

	"github.com/lowaak/applicator-hub/internal/events"
	"github.com/lowaak/applicator-hub/internal/executor"
	"github.com/lowaak/applicator-hub/internal/fleet"
	"github.com/lowaak/applicator-hub/internal/gatt"
	"github.com/lowaak/applicator-hub/internal/go_func_utils"
	"github.com/lowaak/applicator-hub/internal/mqtt"
	"github.com/lowaak/applicator-hub/internal/server"
)

// Sink receives every controller event. address is empty for fleet-wide
// events.
type Sink interface {
	Publish(address, kind string, payload any)
}

type hubSink struct{ hub *server.Hub }

func (s hubSink) Publish(_, kind string, payload any) {
	s.hub.Broadcast(server.NewMessage(kind, payload))
}

type mqttSink struct{ client *mqtt.Client }

func (s mqttSink) Publish(address, kind string, payload any) {
	s.client.PublishEvent(address, kind, payload)
}

type failureView struct {
	Address  string `json:"address"`
	Op       string `json:"op"`
	Label    string `json:"label,omitempty"`
	Attempts int    `json:"attempts"`
	Kind     string `json:"kind,omitempty"`
	Error    string `json:"error"`
}

type connectionFailedView struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
	Kind    string `json:"kind,omitempty"`
	Error   string `json:"error,omitempty"`
}

type scanCompleteView struct {
	Found int    `json:"found"`
	Error string `json:"error,omitempty"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// bridge forwards every controller stream to the agent's sinks until ctx is
// done.
func (a *Agent) bridge(ctx context.Context, s *fleet.Streams) {
	forward(ctx, a, s.DeviceDiscovered, "device_discovered", func(v gatt.Advertisement) (string, any) { return v.Address, v })
	forward(ctx, a, s.DeviceConnected, "device_connected", func(v fleet.DeviceConnected) (string, any) { return v.Address, v })
	forward(ctx, a, s.StatusMeasurement, "status_measurement", func(v fleet.StatusReading) (string, any) { return v.Address, v })
	forward(ctx, a, s.DiagnosticMeasurement, "diagnostic_measurement", func(v fleet.ResistanceTest) (string, any) { return v.Address, v })
	forward(ctx, a, s.HistoryPacket, "history_packet", func(v fleet.HistoryPacket) (string, any) { return v.Address, v })
	forward(ctx, a, s.CurationSettings, "curation_settings", func(v fleet.CurationSettings) (string, any) { return v.Address, v })
	forward(ctx, a, s.OutOfRange, "out_of_range", func(v fleet.OutOfRange) (string, any) { return v.Address, v })
	forward(ctx, a, s.ConnectionFailed, "connection_failed", func(v fleet.ConnectionFailed) (string, any) {
		return v.Address, connectionFailedView{Address: v.Address, Reason: v.Reason, Kind: string(fleet.KindOf(v.Err)), Error: errString(v.Err)}
	})
	forward(ctx, a, s.OperationFailed, "operation_failed", func(v executor.Failure) (string, any) {
		return v.Op.Address, failureView{
			Address:  v.Op.Address,
			Op:       v.Op.Kind.String(),
			Label:    v.Op.Label,
			Attempts: v.Attempts,
			Kind:     string(fleet.KindOf(v.Err)),
			Error:    errString(v.Err),
		}
	})
	forward(ctx, a, s.ScanComplete, "scan_complete", func(v fleet.ScanComplete) (string, any) {
		return "", scanCompleteView{Found: v.Found, Error: errString(v.Err)}
	})
}

func forward[T any](ctx context.Context, a *Agent, ev *events.ChannelEvent[T], kind string, view func(T) (string, any)) {
	ch := make(chan T, 64)
	deregister := ev.Listen(ch)
	a.wg.Add(1)
	go_func_utils.SafeGo(a.logger, "bridge_"+kind, func() {
		defer a.wg.Done()
		defer deregister()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ev.Done():
				return
			case v := <-ch:
				address, payload := view(v)
				a.publish(address, kind, payload)
			}
		}
	})
}
