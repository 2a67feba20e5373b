package filebus

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cryptoquant-io/coretrader/infrastructure/logging"
)

// EventKind classifies a coalesced watcher event.
type EventKind string

const (
	EventModified EventKind = "Modified"
	EventMoved    EventKind = "Moved"
	EventCreated  EventKind = "Created"
)

// Event is a debounced, filtered file-change notification.
type Event struct {
	Path string
	Kind EventKind
}

var defaultDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.tmp$`),
	regexp.MustCompile(`\.bak$`),
	regexp.MustCompile(`\.log\.\d+$`),
	regexp.MustCompile(`^history_`),
	regexp.MustCompile(`^archive_`),
}

const debounceWindow = 300 * time.Millisecond

// Watcher subscribes to a directory tree and dispatches coalesced,
// filtered change events. Events is closed when Close is called.
type Watcher struct {
	Events chan Event

	fsw          *fsnotify.Watcher
	allowlist    []*regexp.Regexp
	denylist     []*regexp.Regexp
	logger       *logging.Logger
	queueCap     int
	mu           sync.Mutex
	pending      map[string]*pendingEvent
	closeOnce    sync.Once
	done         chan struct{}
	renameByBase map[string]string // target name (with or without ext) -> last-seen tmp path, for .tmp->.json rename coalescing
}

type pendingEvent struct {
	kind  EventKind
	timer *time.Timer
}

// Option configures a Watcher at construction time.
type Option func(*Watcher)

// WithAllowlist restricts dispatched events to paths matching at least one
// pattern (matched against the base filename).
func WithAllowlist(patterns ...string) Option {
	return func(w *Watcher) {
		for _, p := range patterns {
			w.allowlist = append(w.allowlist, regexp.MustCompile(p))
		}
	}
}

// WithLogger attaches a logger for dropped-event and overflow diagnostics.
func WithLogger(l *logging.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher creates a Watcher over the given root directory (recursively)
// with a bounded dispatch queue (capacity 1000 per §5).
func NewWatcher(root string, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		Events:       make(chan Event, 1000),
		fsw:          fsw,
		denylist:     defaultDenyPatterns,
		queueCap:     1000,
		pending:      make(map[string]*pendingEvent),
		done:         make(chan struct{}),
		renameByBase: make(map[string]string),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := addRecursive(fsw, root); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleRaw(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.WithError(err).Warn("filebus: watcher error")
			}
		}
	}
}

func (w *Watcher) allowed(path string) bool {
	base := filepath.Base(path)
	for _, d := range w.denylist {
		if d.MatchString(base) {
			return false
		}
	}
	if len(w.allowlist) == 0 {
		return true
	}
	for _, a := range w.allowlist {
		if a.MatchString(base) {
			return true
		}
	}
	return false
}

func (w *Watcher) handleRaw(ev fsnotify.Event) {
	base := filepath.Base(ev.Name)

	var kind EventKind
	switch {
	case ev.Op&fsnotify.Create != 0:
		kind = EventCreated
	case ev.Op&fsnotify.Rename != 0:
		kind = EventMoved
	case ev.Op&fsnotify.Write != 0:
		kind = EventModified
	default:
		return
	}

	// Recognize the .tmp -> target rename pattern: a Create of the final
	// name shortly after a Rename/Write of its .tmp sibling is the atomic
	// write path completing, and should surface as a single Moved event
	// rather than two spurious ones.
	if strings.HasSuffix(base, ".tmp") {
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		w.mu.Lock()
		w.renameByBase[stem] = ev.Name
		// Bus temp files are named "<target>.<pid>-<rand>.tmp"; also key
		// them by "<target>" so the rename onto the target is matched.
		if idx := strings.LastIndex(stem, "."); idx >= 0 {
			w.renameByBase[stem[:idx]] = ev.Name
		}
		w.mu.Unlock()
		return
	}
	w.mu.Lock()
	stem := base
	if idx := strings.LastIndex(stem, "."); idx >= 0 {
		stem = stem[:idx]
	}
	if _, sawTmp := w.renameByBase[base]; sawTmp {
		delete(w.renameByBase, base)
		kind = EventMoved
	} else if _, sawTmp := w.renameByBase[stem]; sawTmp {
		delete(w.renameByBase, stem)
		kind = EventMoved
	}
	w.mu.Unlock()

	if !w.allowed(ev.Name) {
		return
	}

	w.debounce(ev.Name, kind)
}

func (w *Watcher) debounce(path string, kind EventKind) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if pe, ok := w.pending[path]; ok {
		pe.kind = kind
		pe.timer.Reset(debounceWindow)
		return
	}

	pe := &pendingEvent{kind: kind}
	pe.timer = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.dispatch(Event{Path: path, Kind: pe.kind})
	})
	w.pending[path] = pe
}

func (w *Watcher) dispatch(ev Event) {
	select {
	case w.Events <- ev:
	default:
		if w.logger != nil {
			w.logger.WithFields(map[string]interface{}{"path": ev.Path}).Warn("filebus: watcher queue full, dropping oldest")
		}
		select {
		case <-w.Events:
		default:
		}
		select {
		case w.Events <- ev:
		default:
		}
	}
}

// Close stops the watcher and releases its underlying OS resources.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		close(w.Events)
	})
	return err
}
