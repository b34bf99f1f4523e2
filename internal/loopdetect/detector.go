// Package loopdetect watches the event stream of an exchange for pathological
// repetition: the same tool call issued over and over, identical content
// chunks cycling, or the model producing nothing across consecutive turns.
// Detection is incremental; a turn can stream thousands of chunks and the
// detector never holds the transcript.
package loopdetect

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/gondel-ai/gondel/internal/logger"
)

const (
	// DefaultToolCallThreshold is how many identical consecutive tool calls
	// confirm a loop.
	DefaultToolCallThreshold = 5
	// DefaultContentChunkSize is the sliding window width in runes.
	DefaultContentChunkSize = 50
	// DefaultContentChunkThreshold is how many identical chunks confirm a loop.
	DefaultContentChunkThreshold = 10
	// DefaultMaxIdleTurns is how many consecutive turns without any content or
	// tool output confirm a loop before new output arrives.
	DefaultMaxIdleTurns = 3
	// DefaultSentinelThreshold is how many sentinel phrase hits confirm a loop.
	DefaultSentinelThreshold = 3
)

// Config tunes detection thresholds. Zero values take defaults.
type Config struct {
	ToolCallThreshold     int
	ContentChunkSize      int
	ContentChunkThreshold int
	MaxIdleTurns          int
	SentinelPhrases       []string
	SentinelThreshold     int
}

func (c Config) withDefaults() Config {
	if c.ToolCallThreshold <= 0 {
		c.ToolCallThreshold = DefaultToolCallThreshold
	}
	if c.ContentChunkSize <= 0 {
		c.ContentChunkSize = DefaultContentChunkSize
	}
	if c.ContentChunkThreshold <= 0 {
		c.ContentChunkThreshold = DefaultContentChunkThreshold
	}
	if c.MaxIdleTurns <= 0 {
		c.MaxIdleTurns = DefaultMaxIdleTurns
	}
	if c.SentinelThreshold <= 0 {
		c.SentinelThreshold = DefaultSentinelThreshold
	}
	return c
}

// EventKind tags detector inputs.
type EventKind int

const (
	// EventContent is a chunk of streamed model text.
	EventContent EventKind = iota
	// EventToolCall is a complete tool invocation request.
	EventToolCall
)

// Event is one observation fed to the detector.
type Event struct {
	Kind     EventKind
	Content  string
	ToolName string
	ToolArgs map[string]interface{}
}

// Detector holds rolling per-prompt state. It is owned by one session;
// methods are safe for use from the session's streaming goroutine.
type Detector struct {
	cfg Config

	mu       sync.Mutex
	promptID string
	detected bool
	started  bool

	lastToolHash  uint64
	toolRepeats   int
	chunkCounts   map[uint64]int
	window        []rune
	sentinelHits  int
	turnHadOutput bool
	idleTurns     int
}

// New creates a detector with the given thresholds.
func New(cfg Config) *Detector {
	return &Detector{
		cfg:         cfg.withDefaults(),
		chunkCounts: make(map[uint64]int),
	}
}

// Reset clears all rolling state when a genuinely new user prompt starts.
// Continuation turns reuse the prompt ID and keep the state.
func (d *Detector) Reset(promptID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if promptID == d.promptID && promptID != "" {
		return
	}
	d.promptID = promptID
	d.detected = false
	d.started = false
	d.lastToolHash = 0
	d.toolRepeats = 0
	d.chunkCounts = make(map[uint64]int)
	d.window = d.window[:0]
	d.sentinelHits = 0
	d.turnHadOutput = false
	d.idleTurns = 0
}

// TurnStarted runs the pre-turn check and reports whether a loop is already
// evident before any new output arrives.
func (d *Detector) TurnStarted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.detected {
		return true
	}

	// The first turn of a prompt has no predecessor to judge.
	if !d.started {
		d.started = true
		d.turnHadOutput = false
		return false
	}

	if d.turnHadOutput {
		d.idleTurns = 0
	} else {
		d.idleTurns++
		if d.idleTurns >= d.cfg.MaxIdleTurns {
			logger.Warn("loopdetect: %d consecutive turns without output", d.idleTurns)
			d.detected = true
			return true
		}
	}
	d.turnHadOutput = false
	return false
}

// AddAndCheck records one streamed event and returns true the moment a loop
// signature is confirmed.
func (d *Detector) AddAndCheck(ev Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.detected {
		return true
	}

	switch ev.Kind {
	case EventToolCall:
		d.turnHadOutput = true
		d.checkToolCall(ev)
	case EventContent:
		if strings.TrimSpace(ev.Content) != "" {
			d.turnHadOutput = true
		}
		d.checkContent(ev.Content)
	}
	return d.detected
}

func (d *Detector) checkToolCall(ev Event) {
	hash := toolCallHash(ev.ToolName, ev.ToolArgs)
	if hash == d.lastToolHash {
		d.toolRepeats++
	} else {
		d.lastToolHash = hash
		d.toolRepeats = 1
	}

	// A tool call is forward progress relative to streamed prose; stale
	// content chunks must not count against the new output that follows.
	d.resetContentTracking()

	if d.toolRepeats >= d.cfg.ToolCallThreshold {
		logger.Warn("loopdetect: tool %q repeated %d times with identical arguments", ev.ToolName, d.toolRepeats)
		d.detected = true
	}
}

func (d *Detector) checkContent(content string) {
	if content == "" {
		return
	}

	for _, phrase := range d.cfg.SentinelPhrases {
		if phrase != "" && strings.Contains(content, phrase) {
			d.sentinelHits++
			if d.sentinelHits >= d.cfg.SentinelThreshold {
				logger.Warn("loopdetect: sentinel phrase %q seen %d times", phrase, d.sentinelHits)
				d.detected = true
				return
			}
		}
	}

	size := d.cfg.ContentChunkSize
	for _, r := range content {
		d.window = append(d.window, r)
		if len(d.window) < size {
			continue
		}
		if len(d.window) > size {
			d.window = d.window[1:]
		}

		hash := xxhash.Sum64String(string(d.window))
		d.chunkCounts[hash]++
		if d.chunkCounts[hash] >= d.cfg.ContentChunkThreshold {
			logger.Warn("loopdetect: content chunk repeated %d times", d.chunkCounts[hash])
			d.detected = true
			return
		}
	}
}

func (d *Detector) resetContentTracking() {
	d.window = d.window[:0]
	if len(d.chunkCounts) > 0 {
		d.chunkCounts = make(map[uint64]int)
	}
}

// toolCallHash fingerprints a tool call by name plus canonicalized arguments.
// encoding/json sorts map keys, so equal argument maps hash equally.
func toolCallHash(name string, args map[string]interface{}) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(name)
	_, _ = h.WriteString("\x00")
	if len(args) > 0 {
		if data, err := json.Marshal(args); err == nil {
			_, _ = h.Write(data)
		}
	}
	return h.Sum64()
}
