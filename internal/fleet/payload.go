package fleet

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

const (
	// MaxCurationPayload is the largest write the curation characteristic accepts.
	MaxCurationPayload = 25
	// MaxCommandPayload is the largest write the status characteristic accepts.
	MaxCommandPayload = 6
	// HistoryTerminalSequence marks the last packet of a history transfer.
	HistoryTerminalSequence = 7
)

// CurationSettings is the treatment program of one applicator. On the wire it
// is one byte per value: rest, work, frequencies..., day current, night current.
type CurationSettings struct {
	Address      string  `json:"address,omitempty"`
	RestTime     uint8   `json:"rest_time"`
	WorkTime     uint8   `json:"work_time"`
	Frequencies  []uint8 `json:"frequencies"`
	DayCurrent   uint8   `json:"day_current"`
	NightCurrent uint8   `json:"night_current"`
}

func (c CurationSettings) Encode() ([]byte, error) {
	n := 4 + len(c.Frequencies)
	if n > MaxCurationPayload {
		return nil, fmt.Errorf("%w: curation settings need %d bytes, max %d", ErrInvalidPayload, n, MaxCurationPayload)
	}
	b := make([]byte, 0, n)
	b = append(b, c.RestTime, c.WorkTime)
	b = append(b, c.Frequencies...)
	b = append(b, c.DayCurrent, c.NightCurrent)
	return b, nil
}

func DecodeCurationSettings(address string, b []byte) (CurationSettings, error) {
	if len(b) < 4 || len(b) > MaxCurationPayload {
		return CurationSettings{}, fmt.Errorf("%w: curation settings of %d bytes", ErrInvalidPayload, len(b))
	}
	freq := make([]uint8, len(b)-4)
	copy(freq, b[2:len(b)-2])
	return CurationSettings{
		Address:      address,
		RestTime:     b[0],
		WorkTime:     b[1],
		Frequencies:  freq,
		DayCurrent:   b[len(b)-2],
		NightCurrent: b[len(b)-1],
	}, nil
}

// StatusReading is a periodic status sample: a state byte followed by an
// optional little-endian 16-bit value.
type StatusReading struct {
	Address string `json:"address"`
	State   uint8  `json:"state"`
	Value   uint16 `json:"value"`
	Raw     []byte `json:"raw"`
}

func DecodeStatusReading(address string, b []byte) (StatusReading, error) {
	if len(b) == 0 {
		return StatusReading{}, fmt.Errorf("%w: empty status reading", ErrInvalidPayload)
	}
	r := StatusReading{Address: address, State: b[0], Raw: append([]byte(nil), b...)}
	if len(b) >= 3 {
		r.Value = binary.LittleEndian.Uint16(b[1:3])
	}
	return r, nil
}

// ResistanceTest is the diagnostic reading taken while periodic refresh is
// paused. The resistance is the 16-bit little-endian value after the state byte.
type ResistanceTest struct {
	Address    string `json:"address"`
	Resistance uint16 `json:"resistance"`
	Raw        []byte `json:"raw"`
}

func DecodeResistanceTest(address string, b []byte) (ResistanceTest, error) {
	if len(b) < 3 {
		return ResistanceTest{}, fmt.Errorf("%w: resistance test of %d bytes", ErrInvalidPayload, len(b))
	}
	return ResistanceTest{
		Address:    address,
		Resistance: binary.LittleEndian.Uint16(b[1:3]),
		Raw:        append([]byte(nil), b...),
	}, nil
}

// HistoryPacket is one chunk of a history transfer. The first byte is the
// packet sequence number.
type HistoryPacket struct {
	Address  string `json:"address"`
	Sequence uint8  `json:"sequence"`
	Data     []byte `json:"data"`
	Terminal bool   `json:"terminal"`
}

func DecodeHistoryPacket(address string, b []byte) (HistoryPacket, error) {
	if len(b) == 0 {
		return HistoryPacket{}, fmt.Errorf("%w: empty history packet", ErrInvalidPayload)
	}
	return HistoryPacket{
		Address:  address,
		Sequence: b[0],
		Data:     append([]byte(nil), b[1:]...),
		Terminal: b[0] == HistoryTerminalSequence,
	}, nil
}

// Command is an ASCII control command written to the status characteristic.
type Command string

const (
	CommandOn           Command = "1"
	CommandOff          Command = "0"
	CommandStart        Command = "S"
	CommandStop         Command = "P"
	CommandTestMode     Command = "T"
	CommandExitTestMode Command = "N"
	CommandClearHistory Command = "C"
)

var commandNames = map[string]Command{
	"on":            CommandOn,
	"off":           CommandOff,
	"start":         CommandStart,
	"stop":          CommandStop,
	"test":          CommandTestMode,
	"exit_test":     CommandExitTestMode,
	"clear_history": CommandClearHistory,
}

// ParseCommand resolves a command by name ("on", "start", "clear_history", ...).
func ParseCommand(name string) (Command, error) {
	cmd, ok := commandNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("%w: unknown command %q", ErrInvalidPayload, name)
	}
	return cmd, nil
}

// Encode renders the command. Start carries the minutes elapsed since local
// midnight of now as a little-endian int16.
func (c Command) Encode(now time.Time) ([]byte, error) {
	if c == "" {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidPayload)
	}
	var b []byte
	if c == CommandStart {
		minutes := int16(now.Hour()*60 + now.Minute())
		b = binary.LittleEndian.AppendUint16([]byte(c), uint16(minutes))
	} else {
		b = []byte(c)
	}
	if len(b) > MaxCommandPayload {
		return nil, fmt.Errorf("%w: command of %d bytes, max %d", ErrInvalidPayload, len(b), MaxCommandPayload)
	}
	return b, nil
}
