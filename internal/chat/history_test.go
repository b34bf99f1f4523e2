package chat

import "testing"

func TestHistoryAppendAndSnapshot(t *testing.T) {
	h := NewHistory()
	h.Append(UserTurn("hello"))
	h.Append(ModelTurn("hi"))

	turns := h.Turns(false)
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}

	// Snapshot must be independent of the store.
	turns[0].Parts[0].Text = "mutated"
	if h.Turns(false)[0].Parts[0].Text != "hello" {
		t.Error("snapshot aliases internal state")
	}
}

func TestHistoryCuratedView(t *testing.T) {
	h := NewHistory()
	h.Append(UserTurn("question"))
	h.Append(Turn{Role: RoleModel, Parts: []Part{
		{Thought: &ThoughtPart{Subject: "Planning", Text: "let me think"}},
		TextPart("answer"),
	}})
	h.Append(Turn{Role: RoleModel, Parts: []Part{
		{Thought: &ThoughtPart{Text: "only thinking"}},
	}})

	curated := h.Turns(true)
	if len(curated) != 2 {
		t.Fatalf("expected thought-only model turn dropped, got %d turns", len(curated))
	}
	for _, turn := range curated {
		for _, part := range turn.Parts {
			if part.Thought != nil {
				t.Error("curated view contains a thought part")
			}
		}
	}

	// Raw view keeps everything.
	if len(h.Turns(false)) != 3 {
		t.Error("raw view should keep thought-only turns")
	}
}

func TestHistoryReplace(t *testing.T) {
	h := NewHistory(UserTurn("a"), ModelTurn("b"), UserTurn("c"))
	h.Replace([]Turn{UserTurn("summary"), ModelTurn("ack")})

	turns := h.Turns(false)
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns after replace, got %d", len(turns))
	}
	if turns[0].Text() != "summary" {
		t.Errorf("unexpected first turn: %q", turns[0].Text())
	}
}

func TestHistoryStripThoughts(t *testing.T) {
	h := NewHistory(Turn{Role: RoleModel, Parts: []Part{
		{Thought: &ThoughtPart{Text: "secret"}},
		TextPart("visible"),
	}})

	h.StripThoughts()

	turns := h.Turns(false)
	if len(turns[0].Parts) != 1 || turns[0].Parts[0].Text != "visible" {
		t.Errorf("thoughts not stripped: %+v", turns[0].Parts)
	}
}
