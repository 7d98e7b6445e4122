package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spaghettifunk/rendergraph/engine/core"
)

type EventKind int

const (
	// EventShaderChanged is a program manifest or SPIR-V module written under
	// a watched directory.
	EventShaderChanged EventKind = iota
	// EventConfigChanged is the configuration file itself.
	EventConfigChanged
)

type Event struct {
	Kind EventKind
	Path string
}

var ErrWatcherClosed = errors.New("watcher already closed")

// Watcher forwards file changes from a goroutine to Events. The frame loop
// drains Events between frames.
type Watcher struct {
	fsnotify   *fsnotify.Watcher
	configPath string

	mu       sync.Mutex
	isClosed bool

	done   chan struct{}
	Events chan Event
	Errors chan error
}

// NewWatcher watches configPath when it is not empty. Directories are added
// with AddRecursive.
func NewWatcher(configPath string) (*Watcher, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsnotify: fsWatch,
		done:     make(chan struct{}),
		Events:   make(chan Event, 64),
		Errors:   make(chan error, 8),
	}
	if configPath != "" {
		w.configPath = filepath.Clean(configPath)
		// editors replace files, so watch the directory
		if err := fsWatch.Add(filepath.Dir(w.configPath)); err != nil {
			fsWatch.Close()
			return nil, err
		}
	}
	go w.start()
	return w, nil
}

// AddRecursive starts watching the named directory and all sub-directories.
func (w *Watcher) AddRecursive(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isClosed {
		return ErrWatcherClosed
	}
	return filepath.Walk(name, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return w.fsnotify.Add(walkPath)
		}
		return nil
	})
}

func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isClosed {
		return
	}
	w.isClosed = true
	close(w.done)
}

func (w *Watcher) start() {
	for {
		select {
		case e, ok := <-w.fsnotify.Events:
			if !ok {
				return
			}
			w.handle(e)

		case err, ok := <-w.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError(err.Error())
			select {
			case w.Errors <- err:
			default:
			}

		case <-w.done:
			w.fsnotify.Close()
			close(w.Events)
			close(w.Errors)
			return
		}
	}
}

func (w *Watcher) handle(e fsnotify.Event) {
	if e.Op&fsnotify.Create != 0 {
		if s, err := os.Stat(e.Name); err == nil && s.IsDir() {
			if err := w.AddRecursive(e.Name); err != nil {
				core.LogWarn("unable to watch %s: %s", e.Name, err)
			}
			return
		}
	}
	if e.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	event, ok := w.classify(e.Name)
	if !ok {
		return
	}
	core.LogDebug("file changed: %s", event.Path)
	select {
	case w.Events <- event:
	default:
		core.LogWarn("watcher queue full, dropping change of %s", event.Path)
	}
}

func (w *Watcher) classify(path string) (Event, bool) {
	clean := filepath.Clean(path)
	if w.configPath != "" && clean == w.configPath {
		return Event{Kind: EventConfigChanged, Path: clean}, true
	}
	switch filepath.Ext(clean) {
	case ".spv", ".toml":
		return Event{Kind: EventShaderChanged, Path: clean}, true
	}
	return Event{}, false
}
