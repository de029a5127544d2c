// Package desk implements the LINAK DPG desk protocol on top of the ble
// session controller: target positions become reference-input frames,
// position notifications become decoded state, and the move/stop/open/close
// commands drive the motors. Retry and supervision policy lives here, never
// in the ble core.
package desk

import (
	"encoding/binary"
	"fmt"
)

// LINAK DPG GATT surface.
const (
	ControlServiceUUID = "99fa0001-338a-1024-8a49-009c0215f78a"
	CommandCharUUID    = "99fa0002-338a-1024-8a49-009c0215f78a"

	PositionServiceUUID = "99fa0020-338a-1024-8a49-009c0215f78a"
	PositionCharUUID    = "99fa0021-338a-1024-8a49-009c0215f78a"

	ReferenceInputServiceUUID = "99fa0030-338a-1024-8a49-009c0215f78a"
	ReferenceInputCharUUID    = "99fa0031-338a-1024-8a49-009c0215f78a"
)

// Command frames for the command characteristic, little-endian uint16.
var (
	frameUp   = []byte{0x47, 0x00}
	frameDown = []byte{0x46, 0x00}
	frameStop = []byte{0xff, 0x00}

	// Reference-input stop frame (0x8001).
	frameRefStop = []byte{0x01, 0x80}
)

// The controller reports position as a uint16 in 0.1 mm increments above
// the lowest physical height.
const (
	BaseHeightMM = 620.0
	rawTravelMax = 6500
	MaxHeightMM  = BaseHeightMM + float64(rawTravelMax)/10
)

// State is one decoded position notification.
type State struct {
	HeightMM float64
	// SpeedMMS is signed: positive while raising, negative while lowering.
	SpeedMMS float64
}

// Moving reports whether the desk was in motion at the time of the
// notification.
func (s State) Moving() bool { return s.SpeedMMS != 0 }

// DecodeState parses a 4-byte position notification: uint16 raw position
// followed by int16 raw speed, both little-endian.
func DecodeState(b []byte) (State, error) {
	if len(b) < 4 {
		return State{}, fmt.Errorf("desk: position frame too short: %d bytes", len(b))
	}
	raw := binary.LittleEndian.Uint16(b[0:2])
	speed := int16(binary.LittleEndian.Uint16(b[2:4]))
	return State{
		HeightMM: BaseHeightMM + float64(raw)/10,
		SpeedMMS: float64(speed) / 100,
	}, nil
}

// EncodeTarget builds the reference-input frame for a target height,
// clamped to the physical range.
func EncodeTarget(heightMM float64) []byte {
	raw := int((heightMM - BaseHeightMM) * 10)
	if raw < 0 {
		raw = 0
	}
	if raw > rawTravelMax {
		raw = rawTravelMax
	}
	frame := make([]byte, 2)
	binary.LittleEndian.PutUint16(frame, uint16(raw))
	return frame
}
