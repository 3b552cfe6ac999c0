package agent

import (
	"fmt"

	"github.com/lowaak/applicator-hub/internal/fleet"
	"github.com/lowaak/applicator-hub/internal/simulator"
)

const simulatedFleetSize = 3

// simulatedDevices scripts one well-behaved applicator per address. Without
// addresses a small default fleet is created.
func simulatedDevices(profile fleet.Profile, addresses []string) []simulator.DeviceConfig {
	if len(addresses) == 0 {
		for i := 1; i <= simulatedFleetSize; i++ {
			addresses = append(addresses, fmt.Sprintf("SIM-%02d", i))
		}
	}

	history := make([][]byte, fleet.HistoryTerminalSequence)
	for i := range history {
		history[i] = []byte{byte(i + 1), byte(i * 3), byte(i * 5)}
	}

	out := make([]simulator.DeviceConfig, 0, len(addresses))
	for i, address := range addresses {
		base := uint16(250 + 25*i)
		var status [][]byte
		for step := uint16(0); step < 4; step++ {
			v := base + step
			status = append(status, []byte{1, byte(v), byte(v >> 8)})
		}
		out = append(out, simulator.DeviceConfig{
			Address:   address,
			LocalName: fmt.Sprintf("Applicator %d", i+1),
			RSSI:      int16(-50 - 5*i),
			Values: map[string][][]byte{
				profile.StatusRead:   status,
				profile.CurationRead: {{30, 60, 10, 20, 5, 3}},
				profile.History:      history,
			},
			Echo: map[string]string{profile.CurationWrite: profile.CurationRead},
		})
	}
	return out
}
