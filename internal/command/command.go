// Package command defines the checksum application's command packets, their
// line framing on the uplink, and the payload length check applied before
// any command is acted on.
package command

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// MsgID is the message identifier of a command packet.
type MsgID uint16

// CmdMID is the message id all checksum ground commands arrive on.
const CmdMID MsgID = 0x189F

// Code is a command function code.
type Code uint8

const (
	Noop Code = iota
	ResetCounters
	BackgroundTick
	EnableAll
	DisableAll
	EnableCfeCore
	DisableCfeCore
	EnableOsCore
	DisableOsCore
	ReportCfeCore
	ReportOsCore
	RecomputeCfeCore
	RecomputeOsCore
	OneShot
	CancelOneShot
	EnableEeprom
	DisableEeprom
	EnableMemory
	DisableMemory
	EnableTables
	DisableTables
	EnableApp
	DisableApp
	ReportEeprom
	ReportMemory
	ReportTables
	ReportApp
	RecomputeEeprom
	RecomputeMemory
	RecomputeTables
	RecomputeApp
	EnableEntry
	DisableEntry
	ForceReset
)

var codeNames = map[Code]string{
	Noop:             "noop",
	ResetCounters:    "reset-counters",
	BackgroundTick:   "background-tick",
	EnableAll:        "enable-all",
	DisableAll:       "disable-all",
	EnableCfeCore:    "enable-cfecore",
	DisableCfeCore:   "disable-cfecore",
	EnableOsCore:     "enable-oscore",
	DisableOsCore:    "disable-oscore",
	ReportCfeCore:    "report-cfecore",
	ReportOsCore:     "report-oscore",
	RecomputeCfeCore: "recompute-cfecore",
	RecomputeOsCore:  "recompute-oscore",
	OneShot:          "oneshot",
	CancelOneShot:    "cancel-oneshot",
	EnableEeprom:     "enable-eeprom",
	DisableEeprom:    "disable-eeprom",
	EnableMemory:     "enable-memory",
	DisableMemory:    "disable-memory",
	EnableTables:     "enable-tables",
	DisableTables:    "disable-tables",
	EnableApp:        "enable-app",
	DisableApp:       "disable-app",
	ReportEeprom:     "report-eeprom",
	ReportMemory:     "report-memory",
	ReportTables:     "report-tables",
	ReportApp:        "report-app",
	RecomputeEeprom:  "recompute-eeprom",
	RecomputeMemory:  "recompute-memory",
	RecomputeTables:  "recompute-tables",
	RecomputeApp:     "recompute-app",
	EnableEntry:      "enable-entry",
	DisableEntry:     "disable-entry",
	ForceReset:       "force-reset",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("cc-%d", uint8(c))
}

// ParseCode resolves a command name as printed by Code.String.
func ParseCode(name string) (Code, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for c, n := range codeNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown command %q", name)
}

// Payload sizes, in bytes, of the argument structures.
const (
	NoArgsSize     = 0
	EntryArgsSize  = 4
	TargetArgsSize = 8
	OneShotSize    = 12
)

// ExpectedSize returns the payload size mandated for code, and false for
// codes the application does not know.
func ExpectedSize(c Code) (int, bool) {
	switch {
	case c == OneShot:
		return OneShotSize, true
	case c >= ReportEeprom && c <= RecomputeApp:
		return EntryArgsSize, true
	case c == EnableEntry || c == DisableEntry:
		return TargetArgsSize, true
	case c <= ForceReset:
		return NoArgsSize, true
	}
	return 0, false
}

// Packet is one decoded command.
type Packet struct {
	MsgID   MsgID
	Code    Code
	Payload []byte
}

func (p Packet) String() string {
	return fmt.Sprintf("MID=0x%04X CC=%d(%s) len=%d", uint16(p.MsgID), uint8(p.Code), p.Code, len(p.Payload))
}

// New builds a packet on CmdMID.
func New(code Code, payload []byte) Packet {
	return Packet{MsgID: CmdMID, Code: code, Payload: payload}
}

// LengthError reports a payload whose size differs from the size mandated
// for its command.
type LengthError struct {
	MsgID    MsgID
	Code     Code
	Actual   int
	Expected int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("Invalid msg length: ID = 0x%04X, CC = %d, Len = %d, Expected = %d",
		uint16(e.MsgID), uint8(e.Code), e.Actual, e.Expected)
}

// Validate checks the packet payload size against expected.
func Validate(p Packet, expected int) error {
	if len(p.Payload) != expected {
		return &LengthError{MsgID: p.MsgID, Code: p.Code, Actual: len(p.Payload), Expected: expected}
	}
	return nil
}

var ErrMalformedLine = errors.New("malformed command line")

// headerSize is the MsgID (2 bytes) plus the function code (1 byte).
const headerSize = 3

// Encode frames a packet as a single hex line (no trailing newline).
func Encode(p Packet) string {
	buf := make([]byte, headerSize+len(p.Payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(p.MsgID))
	buf[2] = byte(p.Code)
	copy(buf[headerSize:], p.Payload)
	return strings.ToUpper(hex.EncodeToString(buf))
}

// Decode parses a hex line produced by Encode. Surrounding whitespace is
// ignored.
func Decode(line string) (Packet, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(line))
	if err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	if len(raw) < headerSize {
		return Packet{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedLine, len(raw))
	}
	p := Packet{
		MsgID: MsgID(binary.BigEndian.Uint16(raw[0:2])),
		Code:  Code(raw[2]),
	}
	if len(raw) > headerSize {
		p.Payload = raw[headerSize:]
	}
	return p, nil
}
