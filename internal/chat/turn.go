// Package chat defines the conversation data model shared by the turn
// executor, the compression service and the session orchestrator: role-tagged
// turns made of part unions, and the append-only history store.
package chat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies who produced a turn.
type Role string

const (
	// RoleUser is a turn authored by the user (or synthesized on their behalf).
	RoleUser Role = "user"
	// RoleModel is a turn produced by the model.
	RoleModel Role = "model"
	// RoleTool is a turn carrying tool execution results.
	RoleTool Role = "tool"
)

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// FunctionResponse is the result of executing a FunctionCall. When Error is
// non-empty it takes precedence over Output.
type FunctionResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Content returns the text the model should see for this response.
func (r *FunctionResponse) Content() string {
	if r.Error != "" {
		return r.Error
	}
	return r.Output
}

// ThoughtPart is internal model reasoning. Thoughts are kept in raw history
// for display but stripped from the curated view sent back to the model.
type ThoughtPart struct {
	Subject string `json:"subject,omitempty"`
	Text    string `json:"text"`
}

// Part is a tagged union: exactly one field is set.
type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          *ThoughtPart      `json:"thought,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part { return Part{Text: text} }

// IsEmpty reports whether no field of the union is set.
func (p Part) IsEmpty() bool {
	return p.Text == "" && p.Thought == nil && p.FunctionCall == nil && p.FunctionResponse == nil
}

// Turn is one role-attributed message unit in a conversation.
type Turn struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// UserTurn builds a user turn from plain text.
func UserTurn(text string) Turn {
	return Turn{Role: RoleUser, Parts: []Part{TextPart(text)}}
}

// ModelTurn builds a model turn from plain text.
func ModelTurn(text string) Turn {
	return Turn{Role: RoleModel, Parts: []Part{TextPart(text)}}
}

// ToolTurn builds a tool turn from function responses.
func ToolTurn(responses ...FunctionResponse) Turn {
	parts := make([]Part, 0, len(responses))
	for i := range responses {
		resp := responses[i]
		parts = append(parts, Part{FunctionResponse: &resp})
	}
	return Turn{Role: RoleTool, Parts: parts}
}

// Text concatenates the text parts of the turn.
func (t Turn) Text() string {
	var sb strings.Builder
	for _, part := range t.Parts {
		if part.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}

// FunctionCalls returns the function call parts of the turn.
func (t Turn) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	for _, part := range t.Parts {
		if part.FunctionCall != nil {
			calls = append(calls, *part.FunctionCall)
		}
	}
	return calls
}

// Clone returns a deep copy of the part.
func (p Part) Clone() Part {
	clone := Part{Text: p.Text}
	if p.Thought != nil {
		th := *p.Thought
		clone.Thought = &th
	}
	if p.FunctionCall != nil {
		fc := *p.FunctionCall
		if fc.Args != nil {
			fc.Args = cloneArgs(fc.Args)
		}
		clone.FunctionCall = &fc
	}
	if p.FunctionResponse != nil {
		fr := *p.FunctionResponse
		clone.FunctionResponse = &fr
	}
	return clone
}

// Clone returns a deep copy of the call.
func (c FunctionCall) Clone() *FunctionCall {
	fc := c
	if fc.Args != nil {
		fc.Args = cloneArgs(fc.Args)
	}
	return &fc
}

// Clone returns a deep copy of the turn.
func (t Turn) Clone() Turn {
	parts := make([]Part, len(t.Parts))
	for i, part := range t.Parts {
		parts[i] = part.Clone()
	}
	return Turn{Role: t.Role, Parts: parts}
}

// CloneTurns deep-copies a slice of turns.
func CloneTurns(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	for i, turn := range turns {
		out[i] = turn.Clone()
	}
	return out
}

func cloneArgs(args map[string]interface{}) map[string]interface{} {
	// JSON round-trip keeps nested maps and slices independent.
	data, err := json.Marshal(args)
	if err != nil {
		out := make(map[string]interface{}, len(args))
		for k, v := range args {
			out[k] = v
		}
		return out
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return args
	}
	return out
}

// ValidateOrdering checks the tool-result ordering invariant: a tool turn must
// immediately follow the model turn carrying the matching function calls.
func ValidateOrdering(turns []Turn) error {
	for i, turn := range turns {
		if turn.Role != RoleTool {
			continue
		}
		if i == 0 || turns[i-1].Role != RoleModel {
			return fmt.Errorf("tool turn at index %d does not follow a model turn", i)
		}

		calls := make(map[string]bool)
		for _, call := range turns[i-1].FunctionCalls() {
			calls[call.ID] = true
		}
		for _, part := range turn.Parts {
			if part.FunctionResponse == nil {
				return fmt.Errorf("tool turn at index %d contains a non-response part", i)
			}
			if !calls[part.FunctionResponse.ID] {
				return fmt.Errorf("tool turn at index %d answers unknown call id %q", i, part.FunctionResponse.ID)
			}
		}
	}
	return nil
}
