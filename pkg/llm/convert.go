package llm

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/jllopis/watt/pkg/core"
)

// RawArgumentsKey holds tool arguments that were not a JSON object.
const RawArgumentsKey = "_raw"

// FromCoreMessages converts run messages into gateway messages.
func FromCoreMessages(msgs []core.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		msg := Message{
			Role:       Role(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, FromCoreToolCall(tc))
		}
		out = append(out, msg)
	}
	return out
}

// FromCoreToolCall encodes a run tool call for the gateway.
func FromCoreToolCall(tc core.ToolCall) ToolCall {
	args := "{}"
	if raw, ok := tc.Input[RawArgumentsKey].(string); ok && len(tc.Input) == 1 {
		args = raw
	} else if len(tc.Input) > 0 {
		if b, err := json.Marshal(tc.Input); err == nil {
			args = string(b)
		}
	}
	return ToolCall{
		ID:       tc.ID,
		Type:     ToolTypeFunction,
		Function: FunctionCall{Name: tc.ToolName, Arguments: args},
	}
}

// ToCoreToolCalls decodes gateway tool calls. Calls without an id get one so
// results can always be correlated; arguments that are not a JSON object are
// preserved under RawArgumentsKey.
func ToCoreToolCalls(calls []ToolCall) []core.ToolCall {
	out := make([]core.ToolCall, 0, len(calls))
	for _, c := range calls {
		id := c.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		input := map[string]any{}
		if c.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(c.Function.Arguments), &input); err != nil {
				input = map[string]any{RawArgumentsKey: c.Function.Arguments}
			}
		}
		if input == nil {
			input = map[string]any{}
		}
		out = append(out, core.ToolCall{ID: id, ToolName: c.Function.Name, Input: input})
	}
	return out
}
