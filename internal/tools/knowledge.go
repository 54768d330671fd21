package tools

import (
	"context"

	"mimo/internal/gateway"
	"mimo/internal/knowledge"
)

func knowledgeTool(deps Deps) *tool {
	g := deps.Graph
	t := &tool{
		desc: gateway.ToolDescriptor{
			Name:        "knowledge",
			Description: "Knowledge graph of (subject, predicate, object) facts with bounded traversal.",
			Schema: opSchema(
				[]string{"teach", "query", "traverse", "forget"},
				map[string]any{
					"subject":    strProp("Subject term."),
					"predicate":  strProp("Predicate term."),
					"object":     strProp("Object term."),
					"confidence": numProp("Confidence in [0,1]; default 1."),
					"source":     strProp("Provenance of the fact."),
					"start":      strProp("Start term for traversal."),
					"max_depth":  numProp("Traversal depth bound; default 2."),
				},
			),
		},
	}
	t.ops = map[string]opHandler{
		"teach": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			if err := denySandboxed(ctx, "knowledge.teach"); err != nil {
				return nil, err
			}
			subject, err := requireString(call, "subject")
			if err != nil {
				return nil, err
			}
			predicate, err := requireString(call, "predicate")
			if err != nil {
				return nil, err
			}
			object, err := requireString(call, "object")
			if err != nil {
				return nil, err
			}
			confidence, _ := argFloat(call, "confidence")
			triple := knowledge.Triple{
				Subject:    subject,
				Predicate:  predicate,
				Object:     object,
				Confidence: confidence,
				Source:     argString(call, "source"),
			}
			if err := g.Teach(ctx, triple); err != nil {
				return nil, err
			}
			return map[string]any{"taught": true}, nil
		},
		"query": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			triples, err := g.Query(ctx, knowledge.Pattern{
				Subject:   argString(call, "subject"),
				Predicate: argString(call, "predicate"),
				Object:    argString(call, "object"),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"triples": triples, "count": len(triples)}, nil
		},
		"traverse": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			start, err := requireString(call, "start")
			if err != nil {
				return nil, err
			}
			depth, _ := argInt(call, "max_depth")
			edges, err := g.Traverse(ctx, start, depth)
			if err != nil {
				return nil, err
			}
			return map[string]any{"edges": edges, "count": len(edges)}, nil
		},
		"forget": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			if err := denySandboxed(ctx, "knowledge.teach"); err != nil {
				return nil, err
			}
			subject, err := requireString(call, "subject")
			if err != nil {
				return nil, err
			}
			predicate, err := requireString(call, "predicate")
			if err != nil {
				return nil, err
			}
			object, err := requireString(call, "object")
			if err != nil {
				return nil, err
			}
			if err := g.Forget(ctx, subject, predicate, object); err != nil {
				return nil, err
			}
			return map[string]any{"forgotten": true}, nil
		},
	}
	return t
}
