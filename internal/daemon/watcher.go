package daemon

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileType classifies a watched file.
type FileType int

const (
	// TypeDatabase is the SQLite database or its WAL.
	TypeDatabase FileType = iota
	// TypeToken is the session token file.
	TypeToken
)

// String returns a human-readable representation of the file type.
func (ft FileType) String() string {
	switch ft {
	case TypeDatabase:
		return "database"
	case TypeToken:
		return "token"
	default:
		return "unknown"
	}
}

// FileEvent is a write to a watched file.
type FileEvent struct {
	Path string
	Type FileType
}

// FileWatcher watches the data directory for writes made by other processes,
// such as a CLI command queueing an action or storing a new token.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stopped bool

	// absolute path -> type
	files map[string]FileType
}

// NewFileWatcher creates a FileWatcher. Call Start before reading events.
func NewFileWatcher() (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		files:   make(map[string]FileType),
	}, nil
}

// Start watches the directories holding dbPath and tokenPath. Either path
// may be empty. Writes to the database's -wal file count as database writes.
func (fw *FileWatcher) Start(dbPath, tokenPath string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}
	if fw.stopped {
		return fmt.Errorf("watcher stopped")
	}

	dirs := make(map[string]bool)
	add := func(path string, ft FileType) error {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		fw.files[abs] = ft
		dirs[filepath.Dir(abs)] = true
		return nil
	}
	if dbPath != "" {
		if err := add(dbPath, TypeDatabase); err != nil {
			return err
		}
		if err := add(dbPath+"-wal", TypeDatabase); err != nil {
			return err
		}
	}
	if tokenPath != "" {
		if err := add(tokenPath, TypeToken); err != nil {
			return err
		}
	}
	if len(dirs) == 0 {
		return fmt.Errorf("nothing to watch")
	}

	var added []string
	for dir := range dirs {
		if err := fw.watcher.Add(dir); err != nil {
			for _, d := range added {
				fw.watcher.Remove(d)
			}
			return fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
		added = append(added, dir)
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// Stop stops watching and closes the channels. It is safe to call more
// than once, and before Start.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if fw.stopped {
		fw.mu.Unlock()
		return nil
	}
	fw.stopped = true
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)
	err := fw.watcher.Close()
	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Events returns the channel of file events. It is closed by Stop.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel of watcher errors. It is closed by Stop.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning reports whether the watcher is started.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if fileEvent, ok := fw.convertEvent(event); ok {
				select {
				case fw.events <- fileEvent:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent keeps creates and writes of watched files. The token file is
// replaced by rename, which shows up as Create.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return FileEvent{}, false
	}

	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return FileEvent{}, false
	}
	ft, ok := fw.files[abs]
	if !ok {
		return FileEvent{}, false
	}
	return FileEvent{Path: abs, Type: ft}, true
}
