// ABOUTME: Durable ledger of processed event identifiers, segmented by day.
// ABOUTME: Loaded fully into memory at startup; appends are buffered and flushed to disk.

package ingest

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// segmentPrefix and segmentExt name the ledger files: events-2026-08-29.log
const (
	segmentPrefix = "events-"
	segmentExt    = ".log"
)

// Ledger is the restart-surviving set of event identifiers already handled.
// Entries are added, never removed except by an explicit administrative
// Clear. Disk layout is one append-only line file per day so old segments
// stay manageable.
type Ledger struct {
	dir    string
	mu     sync.Mutex
	seen   map[string]struct{}
	buffer []string // ids accepted but not yet flushed
}

// OpenLedger loads every segment in dir into memory, creating the directory
// if needed.
func OpenLedger(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	l := &Ledger{dir: dir, seen: make(map[string]struct{})}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading ledger directory: %w", err)
	}
	var segments []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, segmentPrefix) && strings.HasSuffix(name, segmentExt) {
			segments = append(segments, name)
		}
	}
	sort.Strings(segments)

	for _, seg := range segments {
		if err := l.loadSegment(filepath.Join(dir, seg)); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Ledger) loadSegment(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening ledger segment: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		id := strings.TrimSpace(scanner.Text())
		if id != "" {
			l.seen[id] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading ledger segment %s: %w", path, err)
	}
	return nil
}

// CheckAndMark atomically checks whether an event id has been processed and
// marks it if not. Returns true if the id was already seen (duplicate),
// false if it is new and now recorded. New ids are buffered until Flush.
func (l *Ledger) CheckAndMark(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[id]; ok {
		return true
	}
	l.seen[id] = struct{}{}
	l.buffer = append(l.buffer, id)
	return false
}

// Seen reports whether an event id has been processed.
func (l *Ledger) Seen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[id]
	return ok
}

// Len returns the number of ids in the ledger.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// Flush appends buffered ids to today's segment and syncs it to disk.
// On failure the buffer is retained so the next flush retries; losing
// accepted ids would reintroduce duplicate-processing risk after a restart.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Ledger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	path := filepath.Join(l.dir, segmentPrefix+time.Now().UTC().Format("2006-01-02")+segmentExt)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening ledger segment: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	for _, id := range l.buffer {
		sb.WriteString(id)
		sb.WriteByte('\n')
	}
	if _, err := f.WriteString(sb.String()); err != nil {
		return fmt.Errorf("appending to ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing ledger: %w", err)
	}

	l.buffer = l.buffer[:0]
	return nil
}

// Clear wipes the ledger from memory and disk. Administrative use only.
func (l *Ledger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("reading ledger directory: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, segmentPrefix) && strings.HasSuffix(name, segmentExt) {
			if err := os.Remove(filepath.Join(l.dir, name)); err != nil {
				return fmt.Errorf("removing ledger segment: %w", err)
			}
		}
	}
	l.seen = make(map[string]struct{})
	l.buffer = nil
	return nil
}

// Close flushes any buffered ids. No accepted event may be forgotten on restart.
func (l *Ledger) Close() error {
	return l.Flush()
}
