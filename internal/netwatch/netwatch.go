// Package netwatch turns a marker file into connectivity signals.
//
// Creating <dir>/offline reports the network as down; removing it reports it
// as up again. Operators (and tests) flip connectivity for a running
// `tether watch` with touch and rm, and a supervisor can do the same from a
// health probe:
//
//	touch .tether/offline   # queue writes locally
//	rm .tether/offline      # drain the queue
package netwatch

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// MarkerName is the file whose presence means "offline".
const MarkerName = "offline"

// Watcher watches a directory for the offline marker.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	marker   string
	onChange func(online bool)
	logger   *log.Logger

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	online  bool
}

// New creates a watcher for dir. onChange is called with the new state each
// time connectivity flips, from the watcher's goroutine.
func New(dir string, onChange func(online bool), logger *log.Logger) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("onChange cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[netwatch] ", log.LstdFlags)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		watcher:  w,
		dir:      dir,
		marker:   filepath.Join(dir, MarkerName),
		onChange: onChange,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Start creates dir if needed, reports the initial state and begins watching.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", w.dir, err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	_, err := os.Stat(w.marker)
	w.online = errors.Is(err, os.ErrNotExist)
	w.onChange(w.online)

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and waits for the event goroutine to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()
	return nil
}

// Online returns the last observed state.
func (w *Watcher) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.marker {
				continue
			}
			switch {
			case event.Has(fsnotify.Create):
				w.set(false)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				w.set(true)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watch error: %v", err)
		}
	}
}

func (w *Watcher) set(online bool) {
	w.mu.Lock()
	changed := w.online != online
	w.online = online
	w.mu.Unlock()

	if changed {
		if online {
			w.logger.Println("Offline marker removed, network up")
		} else {
			w.logger.Println("Offline marker present, network down")
		}
		w.onChange(online)
	}
}
