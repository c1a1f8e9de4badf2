package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ICEServer mirrors the RTCIceServer shape: one or more URLs plus optional
// TURN credentials.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEFile is the on-disk shape of the ICE servers file.
type ICEFile struct {
	Servers []ICEServer `json:"servers"`
}

// DefaultICEFile returns the servers used when the file does not exist yet.
func DefaultICEFile() ICEFile {
	return ICEFile{Servers: []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}}
}

// LoadICEServers reads the ICE servers file, creating it with defaults when
// missing so operators have a template to edit.
func LoadICEServers(path string) (ICEFile, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		f := DefaultICEFile()
		if werr := writeICEFile(path, f); werr != nil {
			return ICEFile{}, fmt.Errorf("create default ice file: %w", werr)
		}
		return f, nil
	}
	if err != nil {
		return ICEFile{}, err
	}

	var f ICEFile
	if err := json.Unmarshal(stripBOM(b), &f); err != nil {
		return ICEFile{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Servers) == 0 {
		f = DefaultICEFile()
	}
	return f, nil
}

func writeICEFile(path string, f ICEFile) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// ICEWatcher keeps the current ICE server set in sync with the file on disk.
// Changes apply to sessions created after the edit; live sessions keep the
// servers they were built with.
type ICEWatcher struct {
	mu      sync.RWMutex
	current ICEFile
	watcher *fsnotify.Watcher
	path    string
	closed  chan struct{}
}

// WatchICEServers loads the file and starts watching its directory for edits.
// Watching the directory rather than the file survives editors that replace
// the file on save.
func WatchICEServers(path string) (*ICEWatcher, error) {
	initial, err := LoadICEServers(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch ice dir: %w", err)
	}

	w := &ICEWatcher{
		current: initial,
		watcher: watcher,
		path:    path,
		closed:  make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

// Current returns the ICE servers as last successfully loaded.
func (w *ICEWatcher) Current() ICEFile {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *ICEWatcher) Close() error {
	close(w.closed)
	return w.watcher.Close()
}

func (w *ICEWatcher) watchLoop() {
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			f, err := LoadICEServers(w.path)
			if err != nil {
				log.Printf("ICE: reload failed for %s: %v", w.path, err)
				continue
			}
			w.mu.Lock()
			w.current = f
			w.mu.Unlock()
			log.Printf("ICE: reloaded %s (%d server entries)", w.path, len(f.Servers))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("ICE: watcher error: %v", err)
		}
	}
}
