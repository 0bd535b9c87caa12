package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Broadcaster sends a message to every connected peer except exclude.
type Broadcaster interface {
	Broadcast(m Message, exclude string) BroadcastReport
}

var ErrFileTooLarge = errors.New("file too large to send")

type echoMark struct {
	sum     [32]byte
	expires time.Time
}

// Mirror owns the data directory. Local changes reported by the watcher are
// broadcast as DATA; DATA received from peers is written back without being
// broadcast again.
type Mirror struct {
	dir         string
	echoWindow  time.Duration
	maxLine     int
	broadcaster Broadcaster
	now         func() time.Time

	mu        sync.Mutex
	marks     map[string]echoMark
	nameLocks map[string]*sync.Mutex
}

// NewMirror creates dir if needed and returns a mirror over it. Files whose
// DATA line would exceed maxLine bytes are never sent; zero means no limit.
func NewMirror(dir string, echoWindow time.Duration, maxLine int, b Broadcaster) (*Mirror, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Mirror{
		dir:         dir,
		echoWindow:  echoWindow,
		maxLine:     maxLine,
		broadcaster: b,
		now:         time.Now,
		marks:       make(map[string]echoMark),
		nameLocks:   make(map[string]*sync.Mutex),
	}, nil
}

func (m *Mirror) Dir() string { return m.dir }

// List returns the names of the regular files in the data directory that can
// be mirrored, sorted.
func (m *Mirror) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list data directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || ValidateFileName(e.Name()) != nil {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// Has reports whether a regular file called name exists.
func (m *Mirror) Has(name string) bool {
	if ValidateFileName(name) != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(m.dir, name))
	return err == nil && info.Mode().IsRegular()
}

// Read returns the whole content of name for sending. A missing file yields
// an error matching fs.ErrNotExist, a file that does not fit on one line
// ErrFileTooLarge.
func (m *Mirror) Read(name string) ([]byte, error) {
	if err := ValidateFileName(name); err != nil {
		return nil, err
	}
	unlock := m.lockName(name)
	defer unlock()

	path := filepath.Join(m.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if err := m.checkSize(name, info.Size()); err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// The file may have grown since the stat.
	if err := m.checkSize(name, int64(len(content))); err != nil {
		return nil, err
	}
	return content, nil
}

func (m *Mirror) checkSize(name string, size int64) error {
	if m.maxLine <= 0 || DataLineLen(name, size) <= int64(m.maxLine) {
		return nil
	}
	log.Warn().Str("file", name).Int64("bytes", size).Int("max_line_bytes", m.maxLine).
		Msg("file too large to mirror, skipping")
	return fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, name, size)
}

// WriteFromNetwork replaces name with payload. The write goes through a
// temporary file and a rename so readers never see a partial file, and it is
// marked so the watcher does not broadcast it back out.
func (m *Mirror) WriteFromNetwork(name string, payload []byte) error {
	if err := ValidateFileName(name); err != nil {
		return err
	}
	unlock := m.lockName(name)
	defer unlock()

	tmp, err := os.CreateTemp(m.dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}

	m.markEcho(name, payload)
	if err := os.Rename(tmpPath, filepath.Join(m.dir, name)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

// OnFileAdded broadcasts a file the watcher saw appear.
func (m *Mirror) OnFileAdded(path string) {
	m.publish(path, FileCreated)
}

// OnFileChanged broadcasts a file the watcher saw modified.
func (m *Mirror) OnFileChanged(path string) {
	m.publish(path, FileModified)
}

// OnWatchError only logs; the watcher keeps running.
func (m *Mirror) OnWatchError(err error) {
	log.Error().Err(err).Msg("watcher error")
}

func (m *Mirror) publish(path string, kind WatchEventKind) {
	name := filepath.Base(path)
	if err := ValidateFileName(name); err != nil {
		log.Debug().Str("file", path).Err(err).Msg("ignoring watch event")
		return
	}

	if info, err := os.Stat(filepath.Join(m.dir, name)); err == nil && !info.Mode().IsRegular() {
		return
	}

	content, err := m.Read(name)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			log.Debug().Str("file", name).Msg("file vanished before it could be read")
		case errors.Is(err, ErrFileTooLarge):
		default:
			log.Error().Str("file", name).Err(err).Msg("failed to read changed file")
		}
		return
	}

	if m.isEcho(name, content) {
		log.Debug().Str("file", name).Msg("suppressing echo of network write")
		return
	}

	report := m.broadcaster.Broadcast(DataMessage(name, content), "")
	log.Info().
		Str("file", name).
		Stringer("event", kind).
		Int("bytes", len(content)).
		Int("peers", len(report.Delivered)).
		Msg("broadcasting file")
}

// Watch feeds events from src into the mirror until ctx is done or src is
// exhausted.
func (m *Mirror) Watch(ctx context.Context, src WatchSource) error {
	events, errs := src.Events(), src.Errors()
	for events != nil || errs != nil {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Kind {
			case FileCreated:
				m.OnFileAdded(ev.Path)
			case FileModified:
				m.OnFileChanged(ev.Path)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.OnWatchError(err)
		}
	}
	return nil
}

func (m *Mirror) lockName(name string) func() {
	m.mu.Lock()
	l, ok := m.nameLocks[name]
	if !ok {
		l = &sync.Mutex{}
		m.nameLocks[name] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (m *Mirror) markEcho(name string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for n, mark := range m.marks {
		if now.After(mark.expires) {
			delete(m.marks, n)
		}
	}
	m.marks[name] = echoMark{sum: sha256.Sum256(content), expires: now.Add(m.echoWindow)}
}

// isEcho reports whether content is what the network wrote to name within
// the echo window. A user edit inside the window has a different hash and
// is still broadcast.
func (m *Mirror) isEcho(name string, content []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	mark, ok := m.marks[name]
	if !ok {
		return false
	}
	if m.now().After(mark.expires) {
		delete(m.marks, name)
		return false
	}
	return mark.sum == sha256.Sum256(content)
}
