package api

import (
	"bytes"
	"testing"
	"time"
)

func TestFrame_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{"stdout", Frame{Type: TypeStdout, SessionID: "abc-123", Payload: []byte("output bytes")}},
		{"global event", Frame{Type: TypeEvent, SessionID: "", Payload: []byte(`{"kind":"connected"}`)}},
		{"empty payload", Frame{Type: TypePing, SessionID: "s", Payload: []byte{}}},
		{"binary payload", Frame{Type: TypeSnapshotVT, SessionID: "s", Payload: []byte{0x00, 0xff, 0x56, 0x54}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := EncodeFrame(&tt.frame)
			decoded, err := DecodeFrame(encoded)
			if err != nil {
				t.Fatalf("DecodeFrame() error = %v", err)
			}
			if decoded.Type != tt.frame.Type || decoded.SessionID != tt.frame.SessionID {
				t.Errorf("decoded = %+v, want %+v", decoded, tt.frame)
			}
			if !bytes.Equal(decoded.Payload, tt.frame.Payload) {
				t.Errorf("payload = %v, want %v", decoded.Payload, tt.frame.Payload)
			}
			// encode(decode(x)) == x
			if !bytes.Equal(EncodeFrame(decoded), encoded) {
				t.Error("re-encoding does not reproduce the original bytes")
			}
		})
	}
}

func TestFrame_RejectsBadMagicWithoutReadingPayload(t *testing.T) {
	frame := EncodeFrame(&Frame{Type: TypeStdout, SessionID: "s", Payload: []byte("x")})
	frame[0] = 0x00
	if _, err := DecodeFrame(frame); err == nil {
		t.Error("bad magic should be rejected")
	}

	frame = EncodeFrame(&Frame{Type: TypeStdout, SessionID: "s", Payload: []byte("x")})
	frame[2] = 2 // legacy version
	if _, err := DecodeFrame(frame); err == nil {
		t.Error("wrong version should be rejected")
	}
}

func TestFrame_RejectsTruncated(t *testing.T) {
	frame := EncodeFrame(&Frame{Type: TypeStdout, SessionID: "session", Payload: []byte("payload")})
	for _, cut := range []int{3, 7, 10, len(frame) - 1} {
		if _, err := DecodeFrame(frame[:cut]); err == nil {
			t.Errorf("truncation at %d should be rejected", cut)
		}
	}

	// Trailing garbage is a length mismatch.
	if _, err := DecodeFrame(append(frame, 0x00)); err == nil {
		t.Error("trailing bytes should be rejected")
	}
}

func TestSubscribePayload_Clamping(t *testing.T) {
	tests := []struct {
		name            string
		min, max        time.Duration
		wantMin, wantMax time.Duration
	}{
		{"in range", 100 * time.Millisecond, time.Second, 100 * time.Millisecond, time.Second},
		{"below floor", 0, 0, SnapMinFloor, SnapMinFloor},
		{"above ceiling", 10 * time.Second, 20 * time.Second, SnapMaxCeiling, SnapMaxCeiling},
		{"max below min", 500 * time.Millisecond, 100 * time.Millisecond, 500 * time.Millisecond, 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := EncodeSubscribePayload(FlagStdout|FlagEvents, tt.min, tt.max)
			p, err := DecodeSubscribePayload(data)
			if err != nil {
				t.Fatalf("DecodeSubscribePayload() error = %v", err)
			}
			if p.Flags != FlagStdout|FlagEvents {
				t.Errorf("flags = %d", p.Flags)
			}
			if p.SnapMin != tt.wantMin || p.SnapMax != tt.wantMax {
				t.Errorf("window = [%v,%v], want [%v,%v]", p.SnapMin, p.SnapMax, tt.wantMin, tt.wantMax)
			}
		})
	}

	if _, err := DecodeSubscribePayload([]byte{1, 2, 3}); err == nil {
		t.Error("short subscribe payload should be rejected")
	}
}

func TestResizePayload_RoundTrip(t *testing.T) {
	cols, rows, err := DecodeResizePayload(EncodeResizePayload(100, 30))
	if err != nil {
		t.Fatalf("DecodeResizePayload() error = %v", err)
	}
	if cols != 100 || rows != 30 {
		t.Errorf("decoded = %dx%d, want 100x30", cols, rows)
	}

	if _, _, err := DecodeResizePayload([]byte{1, 2}); err == nil {
		t.Error("short resize payload should be rejected")
	}
}
