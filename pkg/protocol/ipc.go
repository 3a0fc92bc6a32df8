package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// IPC frame types carried over a session's domain socket.
// Framing: type:u8, lenBE:u32, payload[len].
const (
	IPCStdinData    byte = 0x01 // payload = raw bytes for PTY write
	IPCControlCmd   byte = 0x02 // payload = UTF-8 JSON control command
	IPCStatusUpdate byte = 0x03 // reserved; parsed and discarded
)

const ipcHeaderSize = 5

// IPCMaxPayload bounds a single frame. Anything larger is malformed and
// closes the client.
const IPCMaxPayload = 1 << 20

// MaxSessionNameLen bounds update-title names, in bytes.
const MaxSessionNameLen = 255

// ControlCommand is the JSON payload of a CONTROL_CMD frame.
type ControlCommand struct {
	Cmd    string `json:"cmd"`
	Cols   int    `json:"cols,omitempty"`
	Rows   int    `json:"rows,omitempty"`
	Signal string `json:"signal,omitempty"`
	Name   string `json:"name,omitempty"`
	Error  string `json:"error,omitempty"`
}

// IPCFrame is one decoded frame.
type IPCFrame struct {
	Type    byte
	Payload []byte
}

// EncodeIPCFrame serializes one frame.
func EncodeIPCFrame(frameType byte, payload []byte) []byte {
	buf := make([]byte, ipcHeaderSize+len(payload))
	buf[0] = frameType
	binary.BigEndian.PutUint32(buf[1:], uint32(len(payload)))
	copy(buf[ipcHeaderSize:], payload)
	return buf
}

// EncodeControlCommand serializes a control command as a CONTROL_CMD frame.
func EncodeControlCommand(cmd *ControlCommand) ([]byte, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return EncodeIPCFrame(IPCControlCmd, payload), nil
}

// IPCDecoder accumulates bytes from a socket and yields complete frames.
// Partial frames are buffered across reads.
type IPCDecoder struct {
	buf []byte
}

// Feed appends data and returns all frames completed by it. An error means
// the stream is malformed and the connection should be closed; frames
// decoded before the error are still returned.
func (d *IPCDecoder) Feed(data []byte) ([]IPCFrame, error) {
	d.buf = append(d.buf, data...)

	var frames []IPCFrame
	for {
		if len(d.buf) < ipcHeaderSize {
			return frames, nil
		}

		frameType := d.buf[0]
		length := binary.BigEndian.Uint32(d.buf[1:ipcHeaderSize])

		if frameType == 0 || frameType > IPCStatusUpdate {
			return frames, fmt.Errorf("unknown IPC frame type 0x%02x", frameType)
		}
		if length > IPCMaxPayload {
			return frames, fmt.Errorf("IPC frame payload %d exceeds limit", length)
		}

		total := ipcHeaderSize + int(length)
		if len(d.buf) < total {
			return frames, nil
		}

		payload := make([]byte, length)
		copy(payload, d.buf[ipcHeaderSize:total])
		frames = append(frames, IPCFrame{Type: frameType, Payload: payload})
		d.buf = d.buf[total:]
	}
}

// Buffered reports how many bytes are waiting for frame completion.
func (d *IPCDecoder) Buffered() int {
	return len(d.buf)
}
