package api

import (
	"bytes"
	"testing"
)

func TestKeyToBytes(t *testing.T) {
	tests := []struct {
		key  string
		want []byte
	}{
		{"enter", []byte("\r")},
		{"tab", []byte("\t")},
		{"shift_tab", []byte("\x1b[Z")},
		{"escape", []byte("\x1b")},
		{"backspace", []byte{0x7f}},
		{"arrow_up", []byte("\x1b[A")},
		{"arrow_down", []byte("\x1b[B")},
		{"arrow_right", []byte("\x1b[C")},
		{"arrow_left", []byte("\x1b[D")},
		{"page_up", []byte("\x1b[5~")},
		{"f1", []byte("\x1bOP")},
		{"f12", []byte("\x1b[24~")},
		{"ctrl+c", []byte{0x03}},
		{"ctrl+a", []byte{0x01}},
		{"ctrl+z", []byte{0x1a}},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := KeyToBytes(tt.key)
			if err != nil {
				t.Fatalf("KeyToBytes(%q) error = %v", tt.key, err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("KeyToBytes(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestKeyToBytes_Unknown(t *testing.T) {
	for _, key := range []string{"", "bogus", "ctrl+", "ctrl+1", "ctrl+abc"} {
		if _, err := KeyToBytes(key); err == nil {
			t.Errorf("KeyToBytes(%q) should fail", key)
		}
	}
}
