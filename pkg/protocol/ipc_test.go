package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestEncodeIPCFrame(t *testing.T) {
	frame := EncodeIPCFrame(IPCStdinData, []byte("ls\n"))

	if frame[0] != IPCStdinData {
		t.Errorf("type byte = 0x%02x, want 0x01", frame[0])
	}
	if !bytes.Equal(frame[1:5], []byte{0, 0, 0, 3}) {
		t.Errorf("length bytes = %v, want big-endian 3", frame[1:5])
	}
	if string(frame[5:]) != "ls\n" {
		t.Errorf("payload = %q, want ls\\n", frame[5:])
	}
}

func TestIPCDecoder_SingleFrame(t *testing.T) {
	var dec IPCDecoder
	frames, err := dec.Feed(EncodeIPCFrame(IPCStdinData, []byte("hello")))
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Type != IPCStdinData || string(frames[0].Payload) != "hello" {
		t.Errorf("frame = %+v", frames[0])
	}
	if dec.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", dec.Buffered())
	}
}

func TestIPCDecoder_PartialFrames(t *testing.T) {
	var dec IPCDecoder
	encoded := EncodeIPCFrame(IPCControlCmd, []byte(`{"cmd":"resize","cols":100,"rows":30}`))

	// Feed one byte at a time; only the final byte completes the frame.
	for i := 0; i < len(encoded)-1; i++ {
		frames, err := dec.Feed(encoded[i : i+1])
		if err != nil {
			t.Fatalf("Feed() error = %v at byte %d", err, i)
		}
		if len(frames) != 0 {
			t.Fatalf("frame completed early at byte %d", i)
		}
	}

	frames, err := dec.Feed(encoded[len(encoded)-1:])
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}

	var cmd ControlCommand
	if err := json.Unmarshal(frames[0].Payload, &cmd); err != nil {
		t.Fatalf("payload unmarshal error = %v", err)
	}
	if cmd.Cmd != "resize" || cmd.Cols != 100 || cmd.Rows != 30 {
		t.Errorf("cmd = %+v", cmd)
	}
}

func TestIPCDecoder_MultipleFramesOneRead(t *testing.T) {
	var dec IPCDecoder
	data := append(EncodeIPCFrame(IPCStdinData, []byte("a")),
		EncodeIPCFrame(IPCStatusUpdate, nil)...)
	data = append(data, EncodeIPCFrame(IPCStdinData, []byte("b"))...)

	frames, err := dec.Feed(data)
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if frames[1].Type != IPCStatusUpdate || len(frames[1].Payload) != 0 {
		t.Errorf("middle frame = %+v", frames[1])
	}
	if string(frames[2].Payload) != "b" {
		t.Errorf("last payload = %q, want b", frames[2].Payload)
	}
}

func TestIPCDecoder_Malformed(t *testing.T) {
	var dec IPCDecoder
	if _, err := dec.Feed([]byte{0x7f, 0, 0, 0, 0}); err == nil {
		t.Error("unknown frame type should error")
	}

	var dec2 IPCDecoder
	huge := []byte{IPCStdinData, 0xff, 0xff, 0xff, 0xff}
	if _, err := dec2.Feed(huge); err == nil {
		t.Error("oversized frame should error")
	}
}

func TestEncodeControlCommand_RoundTrip(t *testing.T) {
	frame, err := EncodeControlCommand(&ControlCommand{Cmd: "kill", Signal: "SIGTERM"})
	if err != nil {
		t.Fatalf("EncodeControlCommand() error = %v", err)
	}

	var dec IPCDecoder
	frames, err := dec.Feed(frame)
	if err != nil || len(frames) != 1 {
		t.Fatalf("decode failed: frames=%d err=%v", len(frames), err)
	}

	var cmd ControlCommand
	if err := json.Unmarshal(frames[0].Payload, &cmd); err != nil {
		t.Fatalf("unmarshal error = %v", err)
	}
	if cmd.Cmd != "kill" || cmd.Signal != "SIGTERM" {
		t.Errorf("cmd = %+v", cmd)
	}
}
