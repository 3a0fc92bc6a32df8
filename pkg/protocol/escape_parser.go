package protocol

import "bytes"

// TitleFilter removes OSC window-title sequences (OSC 0, 1 and 2) from a
// terminal byte stream. It is stateful so a title sequence split across PTY
// reads is still stripped, and it surfaces the most recent title seen.
type TitleFilter struct {
	pending   []byte // partial OSC sequence carried between writes
	lastTitle string
	hasTitle  bool
}

func NewTitleFilter() *TitleFilter {
	return &TitleFilter{}
}

// Filter returns data with title sequences removed. Non-title OSC
// sequences and all other escape sequences pass through untouched.
func (f *TitleFilter) Filter(data []byte) []byte {
	input := data
	if len(f.pending) > 0 {
		input = append(f.pending, data...)
		f.pending = nil
	}

	result := make([]byte, 0, len(input))
	pos := 0
	for pos < len(input) {
		if input[pos] != 0x1b || pos+1 >= len(input) || input[pos+1] != ']' {
			result = append(result, input[pos])
			pos++
			continue
		}

		end, terminated := findOscEnd(input[pos:])
		if !terminated {
			if end < 0 {
				// Incomplete OSC; hold it until the next write.
				f.pending = append(f.pending, input[pos:]...)
				break
			}
			// Aborted by another escape sequence; not a title.
			result = append(result, input[pos:pos+end]...)
			pos += end
			continue
		}

		seq := input[pos : pos+end]
		if title, ok := parseTitleSequence(seq); ok {
			f.lastTitle = title
			f.hasTitle = true
		} else {
			result = append(result, seq...)
		}
		pos += end
	}

	return result
}

// LastTitle returns the most recent title observed and whether any title
// has been seen.
func (f *TitleFilter) LastTitle() (string, bool) {
	return f.lastTitle, f.hasTitle
}

// Flush releases any buffered partial sequence unmodified.
func (f *TitleFilter) Flush() []byte {
	out := f.pending
	f.pending = nil
	return out
}

// findOscEnd locates the end of an OSC sequence starting at data[0] (which
// must be ESC ]). Returns the index just past the terminator and whether a
// proper terminator (BEL or ST) was found. end < 0 means incomplete.
func findOscEnd(data []byte) (end int, terminated bool) {
	for i := 2; i < len(data); i++ {
		switch data[i] {
		case 0x07: // BEL
			return i + 1, true
		case 0x1b:
			if i+1 < len(data) {
				if data[i+1] == '\\' { // ST
					return i + 2, true
				}
				// A new escape sequence aborts the OSC.
				return i, false
			}
			return -1, false
		}
	}
	return -1, false
}

// parseTitleSequence extracts the title text from an OSC 0/1/2 sequence.
func parseTitleSequence(seq []byte) (string, bool) {
	// seq = ESC ] body terminator
	body := seq[2:]
	if n := len(body); n > 0 && body[n-1] == 0x07 {
		body = body[:n-1]
	} else if n >= 2 && body[n-2] == 0x1b && body[n-1] == '\\' {
		body = body[:n-2]
	}

	sep := bytes.IndexByte(body, ';')
	if sep < 0 {
		return "", false
	}
	code := string(body[:sep])
	if code != "0" && code != "1" && code != "2" {
		return "", false
	}
	return string(body[sep+1:]), true
}

// FindEscapeSequenceEnd returns the length of the escape sequence starting
// at data[0] (which must be ESC), or -1 if it is incomplete.
func FindEscapeSequenceEnd(data []byte) int {
	if len(data) == 0 || data[0] != 0x1b {
		return -1
	}
	if len(data) < 2 {
		return -1
	}

	switch data[1] {
	case '[': // CSI: ESC [ params/intermediates final
		for pos := 2; pos < len(data); pos++ {
			b := data[pos]
			if b >= 0x40 && b <= 0x7e {
				return pos + 1
			}
			if b < 0x20 || b > 0x3f {
				return pos
			}
		}
		return -1

	case ']': // OSC
		end, _ := findOscEnd(data)
		return end

	case '(', ')', '*', '+': // charset selection
		if len(data) < 3 {
			return -1
		}
		return 3

	case 'P', 'X', '^', '_': // DCS, SOS, PM, APC: terminated by ST
		for pos := 2; pos+1 < len(data); pos++ {
			if data[pos] == 0x1b && data[pos+1] == '\\' {
				return pos + 2
			}
		}
		return -1

	default:
		return 2
	}
}

// StripEscapeSequences removes all ANSI escape sequences from data.
func StripEscapeSequences(data []byte) []byte {
	result := make([]byte, 0, len(data))
	pos := 0
	for pos < len(data) {
		if data[pos] == 0x1b {
			if end := FindEscapeSequenceEnd(data[pos:]); end > 0 {
				pos += end
				continue
			}
		}
		result = append(result, data[pos])
		pos++
	}
	return result
}
