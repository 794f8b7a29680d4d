package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/llm"
)

// Summarizer folds messages into a running summary. previous is the summary
// produced by earlier compressions, possibly empty.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, msgs []core.Message) (string, error)
}

// HeuristicSummarizer counts what was folded without calling a model.
type HeuristicSummarizer struct{}

// Summarize implements Summarizer.
func (HeuristicSummarizer) Summarize(_ context.Context, previous string, msgs []core.Message) (string, error) {
	var users, assistants, tools int
	for _, m := range msgs {
		switch m.Role {
		case core.RoleUser:
			users++
		case core.RoleAssistant:
			assistants++
		case core.RoleTool:
			tools++
		}
	}
	line := fmt.Sprintf("Earlier conversation: %d user messages, %d assistant replies", users, assistants)
	if tools > 0 {
		line += fmt.Sprintf(", %d tool results", tools)
	}
	line += "."
	if previous != "" {
		return previous + "\n" + line, nil
	}
	return line, nil
}

const summaryPrompt = "Summarize the conversation below for an assistant that will continue it. " +
	"Keep names, identifiers, amounts and open requests. Answer with at most five short sentences."

// LLMSummarizer asks a model for the summary.
type LLMSummarizer struct {
	Provider  llm.Provider
	Model     string
	MaxTokens int
}

// Summarize implements Summarizer.
func (s LLMSummarizer) Summarize(ctx context.Context, previous string, msgs []core.Message) (string, error) {
	if s.Provider == nil {
		return "", fmt.Errorf("llm summarizer: no provider")
	}
	var b strings.Builder
	if previous != "" {
		b.WriteString("Summary so far: ")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	resp, err := s.Provider.Chat(ctx, llm.ChatRequest{
		Model: s.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: summaryPrompt},
			{Role: llm.RoleUser, Content: b.String()},
		},
		MaxTokens: s.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("llm summarizer: %w", err)
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", fmt.Errorf("llm summarizer: empty summary")
	}
	return out, nil
}
