// Package stream turns a session's growing stdout file into synchronized
// replay streams for SSE, WebSocket and in-process subscribers, with flow
// control guarding the terminal emulator feed.
package stream

import (
	"bytes"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// pollInterval is the fallback growth check when fsnotify misses events
// (network filesystems, editors that truncate-and-write).
const pollInterval = 100 * time.Millisecond

// LineHandler receives one complete asciinema line. offset is the file
// position just past the line. A non-nil error drops the subscriber.
type LineHandler func(line []byte, offset int64) error

type subscriber struct {
	id      int64
	handler LineHandler
}

// Watcher tails one stream file and fans complete lines out to its
// subscribers. The first subscriber opens the file; the last release
// closes it. Flow control may pause the watcher, which closes the file
// handle; reading resumes from the saved offset.
type Watcher struct {
	path string

	mu      sync.Mutex
	file    *os.File
	offset  int64
	partial []byte
	subs    map[int64]*subscriber
	nextID  int64
	paused  bool
	closed  bool

	fsw  *fsnotify.Watcher
	kick chan struct{}
	done chan struct{}
}

func newWatcher(path string) (*Watcher, error) {
	w := &Watcher{
		path: path,
		subs: make(map[int64]*subscriber),
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	if err := w.openLocked(); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		if err := fsw.Add(path); err != nil {
			fsw.Close()
			fsw = nil
		}
	} else {
		fsw = nil
	}
	w.fsw = fsw

	go w.run()
	return w, nil
}

func (w *Watcher) openLocked() error {
	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	if _, err := file.Seek(w.offset, io.SeekStart); err != nil {
		file.Close()
		return err
	}
	w.file = file
	return nil
}

func (w *Watcher) run() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var fsEvents chan fsnotify.Event
	var fsErrors chan error
	if w.fsw != nil {
		fsEvents = w.fsw.Events
		fsErrors = w.fsw.Errors
	}

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if event.Op&fsnotify.Write != 0 {
				w.readNew()
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			log.Printf("[WARN] stream watcher %s: %v", w.path, err)
		case <-w.kick:
			w.readNew()
		case <-ticker.C:
			w.readNew()
		}
	}
}

// readNew consumes bytes appended since the last read and delivers any
// completed lines.
func (w *Watcher) readNew() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.readNewLocked()
}

func (w *Watcher) readNewLocked() {
	if w.paused || w.closed || w.file == nil {
		return
	}

	for {
		buf := make([]byte, 64*1024)
		n, err := w.file.Read(buf)
		if n > 0 {
			w.offset += int64(n)
			w.partial = append(w.partial, buf[:n]...)
			w.deliverCompleteLocked()
		}
		if err != nil || n == 0 {
			return
		}
	}
}

func (w *Watcher) deliverCompleteLocked() {
	for {
		idx := bytes.IndexByte(w.partial, '\n')
		if idx < 0 {
			return
		}
		line := make([]byte, idx)
		copy(line, w.partial[:idx])
		w.partial = w.partial[idx+1:]

		lineEnd := w.offset - int64(len(w.partial))
		for id, sub := range w.subs {
			if len(line) == 0 {
				continue
			}
			if err := sub.handler(line, lineEnd); err != nil {
				log.Printf("[DEBUG] stream subscriber %d dropped: %v", id, err)
				delete(w.subs, id)
			}
		}
	}
}

// attach replays existing content from `from` to the watcher's committed
// position, then registers the handler for live delivery.
func (w *Watcher) attach(from int64, handler LineHandler) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if from < 0 {
		from = 0
	}

	// Replay under the lock so no line is missed or duplicated between
	// catch-up and live delivery.
	committed := w.offset - int64(len(w.partial))
	// With no other subscribers, a start past the watcher's position moves
	// the watcher forward so lines before `from` are not delivered live.
	if len(w.subs) == 0 && from > committed {
		w.offset = from
		w.partial = nil
		if w.file != nil {
			if _, err := w.file.Seek(from, io.SeekStart); err != nil {
				return 0, err
			}
		}
	}
	if from < committed {
		file, err := os.Open(w.path)
		if err != nil {
			return 0, err
		}
		defer file.Close()

		if _, err := file.Seek(from, io.SeekStart); err != nil {
			return 0, err
		}

		data := make([]byte, committed-from)
		if _, err := io.ReadFull(file, data); err != nil {
			return 0, err
		}

		pos := from
		for len(data) > 0 {
			idx := bytes.IndexByte(data, '\n')
			if idx < 0 {
				break
			}
			line := data[:idx]
			pos += int64(idx + 1)
			data = data[idx+1:]
			if len(line) == 0 {
				continue
			}
			if err := handler(line, pos); err != nil {
				return 0, err
			}
		}
	}

	id := w.nextID
	w.nextID++
	w.subs[id] = &subscriber{id: id, handler: handler}
	return id, nil
}

func (w *Watcher) detach(id int64) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.subs, id)
	return len(w.subs)
}

// pause closes the file handle. Appended bytes stay in the file and are
// read on resume.
func (w *Watcher) pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.paused || w.closed {
		return
	}
	w.paused = true
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	if w.fsw != nil {
		if err := w.fsw.Remove(w.path); err != nil {
			log.Printf("[DEBUG] fsnotify remove %s: %v", w.path, err)
		}
	}
}

// resume reopens the file at the saved offset and catches up.
func (w *Watcher) resume() {
	w.mu.Lock()
	if !w.paused || w.closed {
		w.mu.Unlock()
		return
	}
	w.paused = false
	if err := w.openLocked(); err != nil {
		log.Printf("[ERROR] stream watcher resume %s: %v", w.path, err)
		w.mu.Unlock()
		return
	}
	if w.fsw != nil {
		if err := w.fsw.Add(w.path); err != nil {
			log.Printf("[DEBUG] fsnotify re-add %s: %v", w.path, err)
		}
	}
	w.mu.Unlock()

	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// skipToEnd abandons unread backlog by seeking the read offset to the
// current end of file. Used by the flow-control pause timeout.
func (w *Watcher) skipToEnd() {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		return
	}
	w.offset = info.Size()
	w.partial = nil
	if w.file != nil {
		if _, err := w.file.Seek(w.offset, io.SeekStart); err != nil {
			log.Printf("[WARN] stream watcher seek %s: %v", w.path, err)
		}
	}
}

func (w *Watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.done)
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	if w.fsw != nil {
		w.fsw.Close()
	}
}

// Service owns one Watcher per stream file.
type Service struct {
	mu       sync.Mutex
	watchers map[string]*Watcher
}

func NewService() *Service {
	return &Service{watchers: make(map[string]*Watcher)}
}

// Subscribe attaches a handler to the file's watcher, creating it on
// first use. Replay starts at `from` (clamped to ≥ 0), which callers set
// to the session's last clear offset. The returned cancel releases the
// subscription; the watcher itself is released with the last subscriber.
func (s *Service) Subscribe(path string, from int64, handler LineHandler) (func(), error) {
	s.mu.Lock()
	w, ok := s.watchers[path]
	if !ok {
		var err error
		w, err = newWatcher(path)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.watchers[path] = w
	}
	s.mu.Unlock()

	id, err := w.attach(from, handler)
	if err != nil {
		s.releaseIfEmpty(path, w)
		return nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if w.detach(id) == 0 {
				s.releaseIfEmpty(path, w)
			}
		})
	}
	return cancel, nil
}

func (s *Service) releaseIfEmpty(path string, w *Watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.mu.Lock()
	empty := len(w.subs) == 0
	w.mu.Unlock()

	if empty && s.watchers[path] == w {
		delete(s.watchers, path)
		w.stop()
	}
}

// Pause suspends reading of the given file, if watched.
func (s *Service) Pause(path string) {
	if w := s.lookup(path); w != nil {
		w.pause()
	}
}

// Resume restarts reading of the given file, if watched.
func (s *Service) Resume(path string) {
	if w := s.lookup(path); w != nil {
		w.resume()
	}
}

// DropBacklog discards unread content of the given file, if watched.
func (s *Service) DropBacklog(path string) {
	if w := s.lookup(path); w != nil {
		w.skipToEnd()
	}
}

func (s *Service) lookup(path string) *Watcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchers[path]
}

// Close stops every watcher.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, w := range s.watchers {
		w.stop()
		delete(s.watchers, path)
	}
}
