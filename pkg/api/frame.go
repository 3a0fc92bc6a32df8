package api

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Multiplex WebSocket protocol v3. Every frame, both directions:
//
//	u16  magic   = 0x5654 ("VT", little-endian)
//	u8   version = 3
//	u8   type
//	u32  sessionIdLen
//	...  sessionId (UTF-8, may be empty = global channel)
//	u32  payloadLen
//	...  payload
const (
	FrameMagic   uint16 = 0x5654
	FrameVersion byte   = 3

	frameHeaderSize = 8
)

// Frame types.
const (
	TypeWelcome byte = 2

	TypeSubscribe   byte = 10
	TypeUnsubscribe byte = 11

	TypeStdout     byte = 20
	TypeSnapshotVT byte = 21
	TypeEvent      byte = 22
	TypeError      byte = 23

	TypeInputText byte = 30
	TypeInputKey  byte = 31
	TypeResize    byte = 32
	TypeKill      byte = 33
	TypeResetSize byte = 34

	TypePing byte = 40
	TypePong byte = 41
)

// Subscription flags.
const (
	FlagStdout    uint32 = 1
	FlagSnapshots uint32 = 2
	FlagEvents    uint32 = 4
)

// Snapshot coalescing bounds; SUBSCRIBE windows are clamped into this
// range.
const (
	SnapMinFloor   = 16 * time.Millisecond
	SnapMaxCeiling = 5000 * time.Millisecond
)

// maxFramePayload bounds inbound payloads.
const maxFramePayload = 1 << 20

// Frame is one decoded protocol message.
type Frame struct {
	Type      byte
	SessionID string
	Payload   []byte
}

// EncodeFrame serializes a frame.
func EncodeFrame(f *Frame) []byte {
	sid := []byte(f.SessionID)
	buf := make([]byte, 0, frameHeaderSize+len(sid)+4+len(f.Payload))

	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint16(header[0:], FrameMagic)
	header[2] = FrameVersion
	header[3] = f.Type
	binary.LittleEndian.PutUint32(header[4:], uint32(len(sid)))

	buf = append(buf, header[:]...)
	buf = append(buf, sid...)

	var plen [4]byte
	binary.LittleEndian.PutUint32(plen[:], uint32(len(f.Payload)))
	buf = append(buf, plen[:]...)
	buf = append(buf, f.Payload...)
	return buf
}

// DecodeFrame parses a frame, validating magic and version before
// touching the payload.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < frameHeaderSize {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	if magic := binary.LittleEndian.Uint16(data[0:]); magic != FrameMagic {
		return nil, fmt.Errorf("bad frame magic 0x%04x", magic)
	}
	if data[2] != FrameVersion {
		return nil, fmt.Errorf("unsupported protocol version %d", data[2])
	}

	frameType := data[3]
	sidLen := binary.LittleEndian.Uint32(data[4:])
	if sidLen > maxFramePayload {
		return nil, fmt.Errorf("session id length %d out of range", sidLen)
	}

	pos := frameHeaderSize + int(sidLen)
	if len(data) < pos+4 {
		return nil, fmt.Errorf("truncated frame")
	}
	sessionID := string(data[frameHeaderSize:pos])

	payloadLen := binary.LittleEndian.Uint32(data[pos:])
	pos += 4
	if payloadLen > maxFramePayload {
		return nil, fmt.Errorf("payload length %d out of range", payloadLen)
	}
	if len(data) != pos+int(payloadLen) {
		return nil, fmt.Errorf("frame length mismatch")
	}

	payload := make([]byte, payloadLen)
	copy(payload, data[pos:])

	return &Frame{Type: frameType, SessionID: sessionID, Payload: payload}, nil
}

// SubscribePayload is the body of a SUBSCRIBE frame.
type SubscribePayload struct {
	Flags   uint32
	SnapMin time.Duration
	SnapMax time.Duration
}

// EncodeSubscribePayload serializes flags and coalescing bounds.
func EncodeSubscribePayload(flags uint32, snapMin, snapMax time.Duration) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:], flags)
	binary.LittleEndian.PutUint32(buf[4:], uint32(snapMin/time.Millisecond))
	binary.LittleEndian.PutUint32(buf[8:], uint32(snapMax/time.Millisecond))
	return buf
}

// DecodeSubscribePayload parses and clamps a SUBSCRIBE body.
func DecodeSubscribePayload(data []byte) (*SubscribePayload, error) {
	if len(data) != 12 {
		return nil, fmt.Errorf("subscribe payload must be 12 bytes, got %d", len(data))
	}

	p := &SubscribePayload{
		Flags:   binary.LittleEndian.Uint32(data[0:]),
		SnapMin: time.Duration(binary.LittleEndian.Uint32(data[4:])) * time.Millisecond,
		SnapMax: time.Duration(binary.LittleEndian.Uint32(data[8:])) * time.Millisecond,
	}

	if p.SnapMin < SnapMinFloor {
		p.SnapMin = SnapMinFloor
	}
	if p.SnapMin > SnapMaxCeiling {
		p.SnapMin = SnapMaxCeiling
	}
	if p.SnapMax < p.SnapMin {
		p.SnapMax = p.SnapMin
	}
	if p.SnapMax > SnapMaxCeiling {
		p.SnapMax = SnapMaxCeiling
	}
	return p, nil
}

// EncodeResizePayload serializes a RESIZE body.
func EncodeResizePayload(cols, rows uint32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:], cols)
	binary.LittleEndian.PutUint32(buf[4:], rows)
	return buf
}

// DecodeResizePayload parses a RESIZE body.
func DecodeResizePayload(data []byte) (cols, rows uint32, err error) {
	if len(data) != 8 {
		return 0, 0, fmt.Errorf("resize payload must be 8 bytes, got %d", len(data))
	}
	return binary.LittleEndian.Uint32(data[0:]), binary.LittleEndian.Uint32(data[4:]), nil
}
