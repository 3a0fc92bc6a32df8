package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type AsciinemaHeader struct {
	Version   uint32            `json:"version"`
	Width     uint32            `json:"width"`
	Height    uint32            `json:"height"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Command   string            `json:"command,omitempty"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

type EventType string

const (
	EventOutput EventType = "o"
	EventInput  EventType = "i"
	EventResize EventType = "r"
)

type AsciinemaEvent struct {
	Time float64   `json:"time"`
	Type EventType `json:"type"`
	Data string    `json:"data"`
}

// StreamEvent is the parsed form of one stream line: a header, a regular
// event, the synthetic exit terminator, or end-of-stream.
type StreamEvent struct {
	Type      string           `json:"type"`
	Header    *AsciinemaHeader `json:"header,omitempty"`
	Event     *AsciinemaEvent  `json:"event,omitempty"`
	ExitCode  *int             `json:"exitCode,omitempty"`
	SessionID string           `json:"sessionId,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// Full-screen clear sequences. Only these move the prune offset; ESC c
// resets the terminal but does not establish a replay boundary.
var clearSequences = [][]byte{
	[]byte("\x1b[H\x1b[2J"),
	[]byte("\x1b[2J"),
	[]byte("\x1b[3J"),
}

// FindClearSequence returns the byte index of the earliest full-screen
// clear sequence in data, or -1.
func FindClearSequence(data []byte) int {
	earliest := -1
	for _, seq := range clearSequences {
		if i := bytes.Index(data, seq); i >= 0 && (earliest < 0 || i < earliest) {
			earliest = i
		}
	}
	return earliest
}

// StreamWriter appends asciinema v2 events to a session's stdout file.
// It is the single writer of that file; StreamWatcher instances read it
// independently. The writer tracks the byte offset of the line containing
// the most recent full-screen clear so replays can be pruned.
type StreamWriter struct {
	file      *os.File
	header    *AsciinemaHeader
	sessionID string
	startTime time.Time

	mu        sync.Mutex
	closed    bool
	pending   []byte // incomplete UTF-8 tail carried to the next write
	offset    int64
	lastClear int64
}

// NewStreamWriter opens path for append and prepares a writer. The header
// is not written until WriteHeader.
func NewStreamWriter(path, sessionID string, header *AsciinemaHeader) (*StreamWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat stream file: %w", err)
	}

	return &StreamWriter{
		file:      file,
		header:    header,
		sessionID: sessionID,
		startTime: time.Now(),
		offset:    info.Size(),
	}, nil
}

func (w *StreamWriter) WriteHeader() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("stream writer closed")
	}

	if w.header.Timestamp == 0 {
		w.header.Timestamp = w.startTime.Unix()
	}

	data, err := json.Marshal(w.header)
	if err != nil {
		return err
	}

	return w.appendLine(data)
}

func (w *StreamWriter) WriteOutput(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("stream writer closed")
	}

	w.pending = append(w.pending, data...)
	complete, rest := extractCompleteUTF8(w.pending)
	w.pending = rest
	if len(complete) == 0 {
		return nil
	}

	clearAt := FindClearSequence(complete)
	lineStart := w.offset

	if err := w.writeEventLocked(EventOutput, complete); err != nil {
		return err
	}

	if clearAt >= 0 {
		w.lastClear = lineStart
	}
	return nil
}

func (w *StreamWriter) WriteInput(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("stream writer closed")
	}
	return w.writeEventLocked(EventInput, data)
}

func (w *StreamWriter) WriteResize(cols, rows uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("stream writer closed")
	}
	return w.writeEventLocked(EventResize, []byte(fmt.Sprintf("%dx%d", cols, rows)))
}

// WriteExit appends the synthetic ["exit", code, sessionId] terminator.
func (w *StreamWriter) WriteExit(code int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("stream writer closed")
	}

	w.flushPendingLocked()

	line, err := json.Marshal([]interface{}{"exit", code, w.sessionID})
	if err != nil {
		return err
	}
	return w.appendLine(line)
}

// CurrentOffset returns the size of the stream file as written so far.
func (w *StreamWriter) CurrentOffset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// LastClearOffset returns the offset of the line containing the most
// recent full-screen clear, or 0 if none has been seen.
func (w *StreamWriter) LastClearOffset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastClear
}

func (w *StreamWriter) writeEventLocked(eventType EventType, data []byte) error {
	elapsed := time.Since(w.startTime).Seconds()
	line, err := json.Marshal([]interface{}{elapsed, string(eventType), string(data)})
	if err != nil {
		return err
	}
	return w.appendLine(line)
}

// appendLine writes one JSON line and syncs. Syncing after every event
// keeps watchers and external tailers current at the cost of throughput.
func (w *StreamWriter) appendLine(line []byte) error {
	n, err := fmt.Fprintf(w.file, "%s\n", line)
	w.offset += int64(n)
	if err != nil {
		return fmt.Errorf("stream write failed: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("stream sync failed: %w", err)
	}
	return nil
}

func (w *StreamWriter) flushPendingLocked() {
	if len(w.pending) == 0 {
		return
	}
	if err := w.writeEventLocked(EventOutput, w.pending); err == nil {
		w.pending = w.pending[:0]
	}
}

func (w *StreamWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.flushPendingLocked()
	w.closed = true
	return w.file.Close()
}

// extractCompleteUTF8 splits data at the last complete UTF-8 boundary so a
// multi-byte rune straddling two PTY reads is not emitted as two broken
// events.
func extractCompleteUTF8(data []byte) (complete, remaining []byte) {
	if len(data) == 0 {
		return nil, nil
	}

	lastValid := len(data)
	for i := len(data) - 1; i >= 0 && i >= len(data)-4; i-- {
		if data[i]&0x80 == 0 {
			break
		}
		if data[i]&0xC0 == 0xC0 {
			expectedLen := 1
			if data[i]&0xE0 == 0xC0 {
				expectedLen = 2
			} else if data[i]&0xF0 == 0xE0 {
				expectedLen = 3
			} else if data[i]&0xF8 == 0xF0 {
				expectedLen = 4
			}

			if i+expectedLen > len(data) {
				lastValid = i
			}
			break
		}
	}

	return data[:lastValid], data[lastValid:]
}

// ParseEventLine parses one stream line (header, event tuple, or exit
// terminator) into a StreamEvent.
func ParseEventLine(line []byte) (*StreamEvent, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty line")
	}

	if trimmed[0] == '{' {
		var header AsciinemaHeader
		if err := json.Unmarshal(trimmed, &header); err != nil {
			return nil, err
		}
		if header.Version == 0 {
			return nil, fmt.Errorf("invalid header")
		}
		return &StreamEvent{Type: "header", Header: &header}, nil
	}

	var array []interface{}
	if err := json.Unmarshal(trimmed, &array); err != nil {
		return nil, err
	}
	if len(array) != 3 {
		return nil, fmt.Errorf("invalid event format")
	}

	// Synthetic terminator: ["exit", code, sessionId]
	if tag, ok := array[0].(string); ok && tag == "exit" {
		codeF, ok := array[1].(float64)
		if !ok {
			return nil, fmt.Errorf("invalid exit code")
		}
		sessionID, _ := array[2].(string)
		code := int(codeF)
		return &StreamEvent{Type: "exit", ExitCode: &code, SessionID: sessionID}, nil
	}

	timestamp, ok := array[0].(float64)
	if !ok {
		return nil, fmt.Errorf("invalid timestamp")
	}
	eventType, ok := array[1].(string)
	if !ok {
		return nil, fmt.Errorf("invalid event type")
	}
	data, ok := array[2].(string)
	if !ok {
		return nil, fmt.Errorf("invalid event data")
	}

	return &StreamEvent{
		Type: "event",
		Event: &AsciinemaEvent{
			Time: timestamp,
			Type: EventType(eventType),
			Data: data,
		},
	}, nil
}

// StreamReader reads an asciinema v2 stream sequentially.
type StreamReader struct {
	decoder    *json.Decoder
	header     *AsciinemaHeader
	headerRead bool
}

func NewStreamReader(reader io.Reader) *StreamReader {
	return &StreamReader{decoder: json.NewDecoder(reader)}
}

func (r *StreamReader) Header() *AsciinemaHeader {
	return r.header
}

func (r *StreamReader) Next() (*StreamEvent, error) {
	if !r.headerRead {
		var header AsciinemaHeader
		if err := r.decoder.Decode(&header); err != nil {
			return nil, err
		}
		r.header = &header
		r.headerRead = true
		return &StreamEvent{Type: "header", Header: &header}, nil
	}

	var raw json.RawMessage
	if err := r.decoder.Decode(&raw); err != nil {
		if err == io.EOF {
			return &StreamEvent{Type: "end"}, nil
		}
		return nil, err
	}

	return ParseEventLine(raw)
}
