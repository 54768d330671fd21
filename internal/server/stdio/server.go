// Package stdio serves the MCP-shaped JSON-RPC frontend: one JSON object per
// line on stdin, one per line on stdout. All logging goes to stderr so the
// protocol stream stays clean.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mimo/internal/async"
	"mimo/internal/gateway"
	"mimo/internal/jsonrpc"
	"mimo/internal/logging"
	"mimo/internal/registry"
)

const protocolVersion = "2024-11-05"

// maxLineBytes bounds one request line.
const maxLineBytes = 8 * 1024 * 1024

// Dispatcher is the call seam; satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, call gateway.ToolCall) (*gateway.ToolResult, error)
}

// Options configures the stdio frontend.
type Options struct {
	Sandbox          bool
	ExposeDeprecated bool
	ServerName       string
	ServerVersion    string
}

// Server reads requests from in and writes responses to out.
type Server struct {
	dispatcher Dispatcher
	registry   *registry.Registry
	opts       Options
	logger     logging.Logger

	writeMu sync.Mutex
	encoder *json.Encoder

	wg sync.WaitGroup
}

// New builds a stdio server.
func New(dispatcher Dispatcher, reg *registry.Registry, out io.Writer, opts Options) *Server {
	if opts.ServerName == "" {
		opts.ServerName = "mimo"
	}
	if opts.ServerVersion == "" {
		opts.ServerVersion = "1.0.0"
	}
	return &Server{
		dispatcher: dispatcher,
		registry:   reg,
		opts:       opts,
		logger:     logging.NewComponentLogger("Stdio"),
		encoder:    json.NewEncoder(out),
	}
}

// Run consumes stdin until EOF, then drains in-flight calls and returns nil.
func (s *Server) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		req, err := jsonrpc.DecodeRequest([]byte(line))
		if err != nil {
			s.write(jsonrpc.NewErrorResponse(nil, jsonrpc.CodeParseError, "parse error", nil))
			continue
		}
		if req.IsNotification() {
			s.logger.Debug("notification %s ignored", req.Method)
			continue
		}
		s.wg.Add(1)
		request := req
		async.Go(s.logger, "stdio.handle", func() {
			defer s.wg.Done()
			s.write(s.handle(ctx, request))
		})
	}

	s.wg.Wait()
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) write(resp *jsonrpc.Response) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.encoder.Encode(resp); err != nil {
		s.logger.Error("write response: %v", err)
	}
}

func (s *Server) handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case "initialize":
		return s.initialize(req)
	case "tools/list":
		return s.toolsList(req)
	case "tools/call":
		return s.toolsCall(ctx, req)
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound, "method not found: "+req.Method, nil)
	}
}

func (s *Server) initialize(req *jsonrpc.Request) *jsonrpc.Response {
	resp, err := jsonrpc.NewResponse(req.ID, map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo": map[string]any{
			"name":    s.opts.ServerName,
			"version": s.opts.ServerVersion,
		},
	})
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInternalError, err.Error(), nil)
	}
	return resp
}

func (s *Server) toolsList(req *jsonrpc.Request) *jsonrpc.Response {
	listings := s.registry.List(s.opts.ExposeDeprecated)
	tools := make([]map[string]any, 0, len(listings))
	for _, l := range listings {
		tools = append(tools, map[string]any{
			"name":        l.Descriptor.Name,
			"description": l.Descriptor.Description,
			"inputSchema": json.RawMessage(l.Descriptor.Schema),
		})
	}
	resp, err := jsonrpc.NewResponse(req.ID, map[string]any{"tools": tools})
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInternalError, err.Error(), nil)
	}
	return resp
}

// callParams is the tools/call parameter shape.
type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	TimeoutMS int            `json:"timeout_ms"`
}

func (s *Server) toolsCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params callParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "invalid params: "+err.Error(), nil)
	}
	if params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "params.name is required", nil)
	}

	cc := gateway.CallContext{Sandbox: s.opts.Sandbox}
	if params.TimeoutMS > 0 {
		cc.Deadline = time.Now().Add(time.Duration(params.TimeoutMS) * time.Millisecond)
	}
	call := gateway.ToolCall{
		ID:        uuid.NewString(),
		Name:      params.Name,
		Arguments: params.Arguments,
		Context:   cc,
	}

	result, err := s.dispatcher.Dispatch(ctx, call)
	if err != nil {
		kind := gateway.KindOf(err)
		return jsonrpc.NewErrorResponse(req.ID, gateway.JSONRPCCode(kind), err.Error(), map[string]any{"kind": string(kind)})
	}

	body, err := json.Marshal(result)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInternalError, err.Error(), nil)
	}
	resp, err := jsonrpc.NewResponse(req.ID, map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(body)}},
		"isError": false,
	})
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInternalError, err.Error(), nil)
	}
	return resp
}
