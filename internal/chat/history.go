package chat

import "sync"

// History is the ordered, append-only sequence of turns for one chat session.
// It is owned by the session orchestrator; other components only ever receive
// snapshots. Mutation happens via Append or wholesale Replace, never in place.
type History struct {
	mu    sync.RWMutex
	turns []Turn
}

// NewHistory creates a history pre-populated with the given turns.
func NewHistory(turns ...Turn) *History {
	return &History{turns: CloneTurns(turns)}
}

// Append adds one turn. Ordering invariants are the caller's responsibility.
func (h *History) Append(turn Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, turn.Clone())
}

// Len returns the number of turns.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// Turns returns a snapshot of the history. With curated set, thought parts are
// stripped and model turns left with no text and no function calls are dropped,
// so the model never re-reads its own internal reasoning.
func (h *History) Turns(curated bool) []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !curated {
		return CloneTurns(h.turns)
	}
	return Curate(h.turns)
}

// Replace swaps the entire history atomically. Used exactly once per
// successful compression.
func (h *History) Replace(turns []Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = CloneTurns(turns)
}

// StripThoughts removes thought parts from all turns in place. Used before
// persisting or exporting so internal reasoning never leaks.
func (h *History) StripThoughts() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, turn := range h.turns {
		kept := turn.Parts[:0]
		for _, part := range turn.Parts {
			if part.Thought != nil {
				continue
			}
			kept = append(kept, part)
		}
		h.turns[i].Parts = kept
	}
}

// Curate returns the model-visible view of turns: thoughts removed, model
// turns that end up empty dropped.
func Curate(turns []Turn) []Turn {
	out := make([]Turn, 0, len(turns))
	for _, turn := range turns {
		clone := turn.Clone()
		parts := clone.Parts[:0]
		for _, part := range clone.Parts {
			if part.Thought != nil {
				continue
			}
			parts = append(parts, part)
		}
		clone.Parts = parts

		if clone.Role == RoleModel && len(clone.Parts) == 0 {
			continue
		}
		out = append(out, clone)
	}
	return out
}
