package tools

import (
	"context"
	"encoding/json"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/segmentio/ksuid"

	"mimo/internal/gateway"
)

// pattern is one observed behavioral regularity in the emergence store. The
// pattern store is a collaborator surface only; nothing in the gateway acts
// on patterns autonomously.
type pattern struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Confidence  float64   `json:"confidence"`
	Occurrences int       `json:"occurrences"`
	CreatedAt   time.Time `json:"created_at"`
}

var patternPrefix = []byte("pattern/")

func autonomousTool(deps Deps) *tool {
	t := &tool{
		desc: gateway.ToolDescriptor{
			Name:        "autonomous",
			Description: "Emergence surface: record observed patterns and report their impact.",
			Schema: opSchema(
				[]string{"reflect", "impact"},
				map[string]any{
					"description": strProp("Observed pattern description (reflect)."),
					"confidence":  numProp("Pattern confidence in [0,1]; default 0.5."),
				},
			),
		},
	}
	t.ops = map[string]opHandler{
		"reflect": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			if !deps.FeatureFlags["emergence"] {
				return nil, gateway.Errorf(gateway.KindDependencyUnavailable, "emergence is disabled")
			}
			description, err := requireString(call, "description")
			if err != nil {
				return nil, err
			}
			confidence, ok := argFloat(call, "confidence")
			if !ok {
				confidence = 0.5
			}
			if confidence < 0 || confidence > 1 {
				return nil, gateway.Errorf(gateway.KindInvalidArguments, "confidence %v outside [0,1]", confidence)
			}
			p := pattern{
				ID:          ksuid.New().String(),
				Description: description,
				Confidence:  confidence,
				Occurrences: 1,
				CreatedAt:   time.Now(),
			}
			row, err := json.Marshal(&p)
			if err != nil {
				return nil, err
			}
			err = deps.DB.Update(func(txn *badger.Txn) error {
				return txn.Set(append(append([]byte{}, patternPrefix...), p.ID...), row)
			})
			if err != nil {
				return nil, gateway.Wrap(gateway.KindInternal, err)
			}
			return map[string]any{"id": p.ID}, nil
		},
		"impact": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			if !deps.FeatureFlags["emergence"] {
				return nil, gateway.Errorf(gateway.KindDependencyUnavailable, "emergence is disabled")
			}
			var patterns []pattern
			err := deps.DB.View(func(txn *badger.Txn) error {
				opts := badger.DefaultIteratorOptions
				opts.Prefix = patternPrefix
				it := txn.NewIterator(opts)
				defer it.Close()
				for it.Rewind(); it.Valid(); it.Next() {
					var p pattern
					if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &p) }); err != nil {
						return err
					}
					patterns = append(patterns, p)
				}
				return nil
			})
			if err != nil {
				return nil, gateway.Wrap(gateway.KindInternal, err)
			}
			totalConfidence := 0.0
			for _, p := range patterns {
				totalConfidence += p.Confidence
			}
			mean := 0.0
			if len(patterns) > 0 {
				mean = totalConfidence / float64(len(patterns))
			}
			return map[string]any{
				"patterns":        patterns,
				"count":           len(patterns),
				"mean_confidence": mean,
			}, nil
		},
	}
	return t
}
