package command

import (
	"encoding/binary"
	"fmt"
)

// OneShotArgs is the payload of the OneShot command.
type OneShotArgs struct {
	Address          uint32
	Size             uint32
	MaxBytesPerCycle uint32 // zero selects the configured default
}

func (a OneShotArgs) Marshal() []byte {
	b := make([]byte, OneShotSize)
	binary.BigEndian.PutUint32(b[0:4], a.Address)
	binary.BigEndian.PutUint32(b[4:8], a.Size)
	binary.BigEndian.PutUint32(b[8:12], a.MaxBytesPerCycle)
	return b
}

// DecodeOneShot reads a validated OneShot payload.
func DecodeOneShot(payload []byte) (OneShotArgs, error) {
	if len(payload) != OneShotSize {
		return OneShotArgs{}, fmt.Errorf("oneshot payload is %d bytes, want %d", len(payload), OneShotSize)
	}
	return OneShotArgs{
		Address:          binary.BigEndian.Uint32(payload[0:4]),
		Size:             binary.BigEndian.Uint32(payload[4:8]),
		MaxBytesPerCycle: binary.BigEndian.Uint32(payload[8:12]),
	}, nil
}

// EntryArgs selects one entry of a table target whose target is implied by
// the function code.
type EntryArgs struct {
	EntryID uint32
}

func (a EntryArgs) Marshal() []byte {
	b := make([]byte, EntryArgsSize)
	binary.BigEndian.PutUint32(b, a.EntryID)
	return b
}

// DecodeEntry reads a validated entry payload.
func DecodeEntry(payload []byte) (EntryArgs, error) {
	if len(payload) != EntryArgsSize {
		return EntryArgs{}, fmt.Errorf("entry payload is %d bytes, want %d", len(payload), EntryArgsSize)
	}
	return EntryArgs{EntryID: binary.BigEndian.Uint32(payload)}, nil
}

// TargetArgs selects one entry of any target.
type TargetArgs struct {
	Target  uint32
	EntryID uint32
}

func (a TargetArgs) Marshal() []byte {
	b := make([]byte, TargetArgsSize)
	binary.BigEndian.PutUint32(b[0:4], a.Target)
	binary.BigEndian.PutUint32(b[4:8], a.EntryID)
	return b
}

// DecodeTarget reads a validated target/entry payload.
func DecodeTarget(payload []byte) (TargetArgs, error) {
	if len(payload) != TargetArgsSize {
		return TargetArgs{}, fmt.Errorf("target payload is %d bytes, want %d", len(payload), TargetArgsSize)
	}
	return TargetArgs{
		Target:  binary.BigEndian.Uint32(payload[0:4]),
		EntryID: binary.BigEndian.Uint32(payload[4:8]),
	}, nil
}
