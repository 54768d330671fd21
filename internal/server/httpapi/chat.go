package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"mimo/internal/gateway"
)

// searchMemoryTool is the function name the chat adapter points clients at.
const searchMemoryTool = "mimo_search_memory"

// Chat adapter wire shapes (OpenAI-compatible subset).
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// handleChat is a two-phase adapter. Phase one returns a tool_calls entry
// pointing at mimo_search_memory; phase two synthesizes final content from
// the tool results the client sends back. No free-form generation happens
// beyond synthesis.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err, start)
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, r, gateway.Errorf(gateway.KindInvalidArguments, "messages are required"), start)
		return
	}

	var toolResults []string
	lastUser := ""
	for _, msg := range req.Messages {
		switch msg.Role {
		case "user":
			lastUser = msg.Content
		case "tool":
			if msg.Content != "" {
				toolResults = append(toolResults, msg.Content)
			}
		}
	}

	if len(toolResults) == 0 {
		if lastUser == "" {
			writeError(w, r, gateway.Errorf(gateway.KindInvalidArguments, "no user message to search for"), start)
			return
		}
		args, _ := json.Marshal(map[string]any{"query": lastUser, "limit": 5})
		writeJSON(w, http.StatusOK, chatCompletion(req.Model, chatMessage{
			Role: "assistant",
			ToolCalls: []chatToolCall{{
				ID:       "call_" + uuid.NewString(),
				Type:     "function",
				Function: chatFunction{Name: searchMemoryTool, Arguments: string(args)},
			}},
		}, "tool_calls"))
		return
	}

	content, err := s.chatSynthesis(r.Context(), lastUser, toolResults)
	if err != nil {
		writeError(w, r, err, start)
		return
	}
	writeJSON(w, http.StatusOK, chatCompletion(req.Model, chatMessage{Role: "assistant", Content: content}, "stop"))
}

// chatSynthesis prefers the completer; without one it degrades to an
// extractive answer built from the strongest result.
func (s *Server) chatSynthesis(ctx context.Context, query string, results []string) (string, error) {
	if s.completer != nil {
		answer, err := s.completer.Complete(ctx, synthesisPrompt(query, results))
		if err == nil {
			return answer, nil
		}
	}
	return results[0], nil
}

func chatCompletion(model string, message chatMessage, finishReason string) map[string]any {
	if model == "" {
		model = "mimo-gateway"
	}
	return map[string]any{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": finishReason,
		}},
		"usage": map[string]int{"prompt_tokens": 0, "completion_tokens": 0, "total_tokens": 0},
	}
}

func synthesisPrompt(query string, snippets []string) string {
	var b strings.Builder
	b.WriteString("Synthesize a direct answer from the numbered sources. Do not invent facts.\n")
	fmt.Fprintf(&b, "Question: %s\n", query)
	for i, s := range snippets {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	return b.String()
}
