package tools

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"

	"mimo/internal/gateway"
)

// maxFetchBytes caps a fetched body.
const maxFetchBytes = 2 * 1024 * 1024

func webTool(deps Deps) *tool {
	client := &http.Client{}
	t := &tool{
		desc: gateway.ToolDescriptor{
			Name:        "web",
			Description: "Web access: plain HTTP fetch; browser automation requires an external backend.",
			Schema: opSchema(
				[]string{"fetch", "browser"},
				map[string]any{
					"url": strProp("Target URL (http or https)."),
				},
			),
			DeprecatedAlias: "fetch",
		},
	}
	t.ops = map[string]opHandler{
		"fetch": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			raw, err := requireString(call, "url")
			if err != nil {
				return nil, err
			}
			target, err := url.Parse(raw)
			if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
				return nil, gateway.Errorf(gateway.KindInvalidArguments, "url %q is not a valid http(s) URL", raw)
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
			if err != nil {
				return nil, gateway.Wrap(gateway.KindInternal, err)
			}
			req.Header.Set("User-Agent", "mimo-gateway/1.0")

			resp, err := client.Do(req)
			if err != nil {
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, gateway.Errorf(gateway.KindTimeout, "fetch of %s timed out", target)
				}
				return nil, gateway.Wrap(gateway.KindDependencyUnavailable, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
			if err != nil {
				return nil, gateway.Wrap(gateway.KindDependencyUnavailable, err)
			}
			return map[string]any{
				"status":       resp.StatusCode,
				"content_type": resp.Header.Get("Content-Type"),
				"body":         string(body),
				"truncated":    len(body) == maxFetchBytes,
			}, nil
		},
		"browser": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			// Browser automation is served by an external skill when one is
			// configured; the internal surface only reports its absence.
			return nil, gateway.Errorf(gateway.KindDependencyUnavailable, "no browser backend configured; install a browser skill")
		},
	}
	return t
}
