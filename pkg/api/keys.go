package api

import (
	"fmt"
	"strings"
)

// namedKeys maps INPUT_KEY tokens to the byte sequences an xterm-family
// terminal would produce.
var namedKeys = map[string]string{
	"enter":     "\r",
	"tab":       "\t",
	"shift_tab": "\x1b[Z",
	"escape":    "\x1b",
	"backspace": "\x7f",
	"space":     " ",
	"delete":    "\x1b[3~",
	"insert":    "\x1b[2~",

	"arrow_up":    "\x1b[A",
	"arrow_down":  "\x1b[B",
	"arrow_right": "\x1b[C",
	"arrow_left":  "\x1b[D",

	"home":      "\x1b[H",
	"end":       "\x1b[F",
	"page_up":   "\x1b[5~",
	"page_down": "\x1b[6~",

	"f1":  "\x1bOP",
	"f2":  "\x1bOQ",
	"f3":  "\x1bOR",
	"f4":  "\x1bOS",
	"f5":  "\x1b[15~",
	"f6":  "\x1b[17~",
	"f7":  "\x1b[18~",
	"f8":  "\x1b[19~",
	"f9":  "\x1b[20~",
	"f10": "\x1b[21~",
	"f11": "\x1b[23~",
	"f12": "\x1b[24~",
}

// KeyToBytes resolves a key token like "enter", "arrow_up" or "ctrl+c"
// into the bytes to write to the PTY.
func KeyToBytes(key string) ([]byte, error) {
	if seq, ok := namedKeys[key]; ok {
		return []byte(seq), nil
	}

	if rest, ok := strings.CutPrefix(key, "ctrl+"); ok {
		if len(rest) == 1 && rest[0] >= 'a' && rest[0] <= 'z' {
			return []byte{rest[0] - 'a' + 1}, nil
		}
		return nil, fmt.Errorf("unknown control key %q", key)
	}

	return nil, fmt.Errorf("unknown key %q", key)
}
