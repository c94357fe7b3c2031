// Package journal implements the append-only newline-delimited JSON event
// logs that back every item and agent. File append order is the authoritative
// total order of an item's events; the state deriver depends on it.
package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/droverhq/drover/pkg/model"
)

// Journal serializes appends per path so that concurrent writers cannot
// interleave partial lines. Reads tolerate a torn final line: a crash during
// append must never poison replay.
type Journal struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an empty Journal.
func New() *Journal {
	return &Journal{locks: make(map[string]*sync.Mutex)}
}

func (j *Journal) pathLock(path string) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()
	lock, ok := j.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		j.locks[path] = lock
	}
	return lock
}

// Append writes one event as a single JSON line. The parent directory is
// created if missing. The line (JSON + newline) is written with one write
// call so a crash leaves at most one torn trailing line.
func (j *Journal) Append(path string, ev *model.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	line := append(data, '\n')

	lock := j.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// AppendDual appends an agent-scoped event to the agent journal first and the
// item journal second. A failure of the second append surfaces as an error;
// the first append is not rolled back.
func (j *Journal) AppendDual(agentPath, itemPath string, ev *model.Event) error {
	if err := j.Append(agentPath, ev); err != nil {
		return fmt.Errorf("agent journal append failed: %w", err)
	}
	if err := j.Append(itemPath, ev); err != nil {
		return fmt.Errorf("item journal append failed: %w", err)
	}
	return nil
}

// Read returns all events in file-append order. A missing file yields an
// empty slice. A final line without a terminating newline is a torn write
// from a crash and is discarded silently; a malformed final line is treated
// the same way. Malformed lines elsewhere are an error, because they mean the
// journal was edited out-of-band.
func (j *Journal) Read(path string) ([]*model.Event, error) {
	lock := j.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	// A journal that does not end in '\n' has a torn trailing line.
	torn := data[len(data)-1] != '\n'

	lines := bytes.Split(data, []byte{'\n'})
	// Split leaves a trailing empty element when the file ends with '\n'.
	if !torn && len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}

	events := make([]*model.Event, 0, len(lines))
	for i, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		last := i == len(lines)-1

		var ev model.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			if last {
				// Torn or truncated final append; discard silently.
				continue
			}
			return nil, fmt.Errorf("corrupt journal line %d: %w", i+1, err)
		}
		if last && torn {
			// The bytes parse but the write never completed; the line is
			// not committed.
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}
