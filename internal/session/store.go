// Package session persists chat sessions as JSONL logs, one record per line,
// and reconstructs API-visible history from them. A compression checkpoint in
// the log bounds reconstruction cost: replay starts from the latest
// checkpoint's snapshot instead of the beginning of the session.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gondel-ai/gondel/internal/chat"
	"github.com/gondel-ai/gondel/internal/logger"
)

const (
	recordTypeTurn       = "turn"
	recordTypeCheckpoint = "checkpoint"

	sessionFileExt = ".jsonl"
)

// Record is one line of a session log.
type Record struct {
	Type       string           `json:"type"`
	Time       time.Time        `json:"time"`
	Turn       *chat.Turn       `json:"turn,omitempty"`
	Checkpoint *chat.Checkpoint `json:"checkpoint,omitempty"`
}

// Info summarizes a stored session for listings.
type Info struct {
	ID       string
	Path     string
	Modified time.Time
	Size     int64
}

// DefaultDir returns the session storage directory under the XDG state dir.
func DefaultDir() (string, error) {
	if state := os.Getenv("XDG_STATE_HOME"); state != "" {
		return filepath.Join(state, "gondel", "sessions"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".local", "state", "gondel", "sessions"), nil
}

// Store manages the session directory.
type Store struct {
	dir string
}

// NewStore creates the directory if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		var err error
		dir, err = DefaultDir()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create session directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.dir, id+sessionFileExt)
}

// Open appends to (or creates) the log for a session. The returned Log
// satisfies the orchestrator's Recorder contract.
func (s *Store) Open(id string) (*Log, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is empty")
	}
	path := s.pathFor(id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open session log %s: %w", path, err)
	}
	return &Log{f: f, path: path}, nil
}

// List returns stored sessions, most recently modified first.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("cannot list sessions: %w", err)
	}

	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, sessionFileExt) {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			ID:       strings.TrimSuffix(name, sessionFileExt),
			Path:     filepath.Join(s.dir, name),
			Modified: fi.ModTime(),
			Size:     fi.Size(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Modified.After(infos[j].Modified) })
	return infos, nil
}

// Load reads every record of a session. Malformed lines are skipped with a
// warning rather than failing the whole load.
func (s *Store) Load(id string) ([]Record, error) {
	f, err := os.Open(s.pathFor(id))
	if err != nil {
		return nil, fmt.Errorf("cannot open session %s: %w", id, err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			logger.Warn("session: skipping malformed record %s:%d: %v", id, line, err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cannot read session %s: %w", id, err)
	}
	return records, nil
}

// Delete removes a stored session.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.pathFor(id)); err != nil {
		return fmt.Errorf("cannot delete session %s: %w", id, err)
	}
	return nil
}

// Reconstruct rebuilds the API-visible history from a record sequence: the
// latest checkpoint's snapshot followed by the turns recorded after it,
// independent of how many turns preceded the checkpoint.
func Reconstruct(records []Record) []chat.Turn {
	start := 0
	var base []chat.Turn
	for i, rec := range records {
		if rec.Type == recordTypeCheckpoint && rec.Checkpoint != nil {
			base = rec.Checkpoint.Snapshot
			start = i + 1
		}
	}

	turns := chat.CloneTurns(base)
	for _, rec := range records[start:] {
		if rec.Type == recordTypeTurn && rec.Turn != nil {
			turns = append(turns, rec.Turn.Clone())
		}
	}
	return turns
}

// Log is an open, append-only session file.
type Log struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Path returns the log's file path.
func (l *Log) Path() string { return l.path }

// RecordTurn appends a turn record.
func (l *Log) RecordTurn(turn chat.Turn) error {
	return l.write(Record{Type: recordTypeTurn, Time: time.Now().UTC(), Turn: &turn})
}

// RecordCheckpoint appends a checkpoint record.
func (l *Log) RecordCheckpoint(cp chat.Checkpoint) error {
	return l.write(Record{Type: recordTypeCheckpoint, Time: time.Now().UTC(), Checkpoint: &cp})
}

func (l *Log) write(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cannot marshal session record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("cannot append to session log: %w", err)
	}
	return nil
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
