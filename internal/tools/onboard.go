package tools

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"mimo/internal/gateway"
	"mimo/internal/memory"
)

// sessionBook tracks live sessions. Sessions are in-process bookkeeping;
// their summaries survive as memories on session_end.
type sessionBook struct {
	mu       sync.Mutex
	sessions map[string]sessionRecord
}

type sessionRecord struct {
	Tag       string    `json:"tag"`
	AgentType string    `json:"agent_type"`
	StartedAt time.Time `json:"started_at"`
}

func onboardTool(deps Deps) *tool {
	book := &sessionBook{sessions: make(map[string]sessionRecord)}
	t := &tool{
		desc: gateway.ToolDescriptor{
			Name:        "onboard",
			Description: "Session bookkeeping: open a tagged session and close it with a summary.",
			Schema: opSchema(
				[]string{"session_start", "session_end"},
				map[string]any{
					"agent_type": strProp("Type of the connecting agent."),
					"session_id": strProp("Session id returned by session_start."),
					"summary":    strProp("Optional closing summary, persisted as a memory."),
				},
			),
		},
	}
	t.ops = map[string]opHandler{
		"session_start": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			cc, _ := gateway.CallContextFrom(ctx)
			record := sessionRecord{
				Tag:       cc.SessionTag,
				AgentType: argString(call, "agent_type"),
				StartedAt: time.Now(),
			}
			if record.AgentType == "" {
				record.AgentType = cc.AgentType
			}
			id := uuid.NewString()
			book.mu.Lock()
			book.sessions[id] = record
			book.mu.Unlock()
			return map[string]any{"session_id": id, "started_at": record.StartedAt}, nil
		},
		"session_end": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			id, err := requireString(call, "session_id")
			if err != nil {
				return nil, err
			}
			book.mu.Lock()
			record, ok := book.sessions[id]
			delete(book.sessions, id)
			book.mu.Unlock()
			if !ok {
				return nil, gateway.Errorf(gateway.KindNotFound, "session %s not found", id)
			}

			result := map[string]any{
				"session_id": id,
				"duration_s": time.Since(record.StartedAt).Seconds(),
			}
			if summary := argString(call, "summary"); summary != "" {
				if cc, _ := gateway.CallContextFrom(ctx); !cc.Sandbox {
					stored, err := deps.Memory.StoreMemory(ctx, memory.StoreRequest{
						Content:    summary,
						Category:   memory.CategoryObservation,
						Importance: 0.6,
						SessionTag: record.Tag,
						AgentType:  record.AgentType,
					})
					if err != nil {
						return nil, err
					}
					result["summary_id"] = stored.ID
				}
			}
			return result, nil
		},
	}
	return t
}
