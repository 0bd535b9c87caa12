package main

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
)

type WatchEventKind int

const (
	FileCreated WatchEventKind = iota + 1
	FileModified
)

func (k WatchEventKind) String() string {
	switch k {
	case FileCreated:
		return "created"
	case FileModified:
		return "modified"
	default:
		return "unknown"
	}
}

type WatchEvent struct {
	Kind WatchEventKind
	Path string
}

// WatchSource delivers filesystem events for the data directory.
type WatchSource interface {
	Events() <-chan WatchEvent
	Errors() <-chan error
	Close() error
}

// FSWatchSource is a WatchSource backed by fsnotify. Removes, renames away
// and permission changes are dropped; deletions are not mirrored.
type FSWatchSource struct {
	watcher *fsnotify.Watcher
	events  chan WatchEvent
	errors  chan error
	done    chan struct{}
	once    sync.Once
}

func NewFSWatchSource(dir string) (*FSWatchSource, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s := &FSWatchSource{
		watcher: w,
		events:  make(chan WatchEvent, 64),
		errors:  make(chan error, 8),
		done:    make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *FSWatchSource) run() {
	defer close(s.events)
	defer close(s.errors)

	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			var kind WatchEventKind
			switch {
			case ev.Has(fsnotify.Create):
				kind = FileCreated
			case ev.Has(fsnotify.Write):
				kind = FileModified
			default:
				continue
			}
			select {
			case s.events <- WatchEvent{Kind: kind, Path: ev.Name}:
			case <-s.done:
				return
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			select {
			case s.errors <- err:
			case <-s.done:
				return
			}

		case <-s.done:
			return
		}
	}
}

func (s *FSWatchSource) Events() <-chan WatchEvent { return s.events }

func (s *FSWatchSource) Errors() <-chan error { return s.errors }

func (s *FSWatchSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.watcher.Close()
	})
	return err
}
