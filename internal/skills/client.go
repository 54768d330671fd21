package skills

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonrepair"

	"mimo/internal/async"
	"mimo/internal/gateway"
	"mimo/internal/jsonrpc"
	"mimo/internal/logging"
)

// maxLineBytes bounds a single response line from a skill.
const maxLineBytes = 8 * 1024 * 1024

// client speaks line-delimited JSON-RPC 2.0 over a skill's stdio pipes.
// Responses correlate to requests through the pending-call map; out-of-order
// replies are fine, replies to unknown ids are logged and dropped.
type client struct {
	skillID string
	proc    *process
	idGen   *jsonrpc.IDGenerator
	logger  logging.Logger

	mu      sync.Mutex
	pending map[int64]chan *jsonrpc.Response
	closed  bool

	// inflight bounds concurrent calls on this pipe; FIFO by channel order.
	inflight chan struct{}
}

func newClient(skillID string, proc *process, maxInFlight int) *client {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &client{
		skillID:  skillID,
		proc:     proc,
		idGen:    jsonrpc.NewIDGenerator(),
		logger:   logging.NewComponentLogger(fmt.Sprintf("SkillClient[%s]", skillID)),
		pending:  make(map[int64]chan *jsonrpc.Response),
		inflight: make(chan struct{}, maxInFlight),
	}
}

// run consumes the subprocess stdout until EOF, dispatching responses.
func (c *client) run() {
	async.Go(c.logger, "skill.readloop", c.readLoop)
}

func (c *client) readLoop() {
	scanner := bufio.NewScanner(c.proc.stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		resp, err := jsonrpc.DecodeResponse([]byte(line))
		if err != nil {
			// Skills are external programs; tolerate slightly malformed
			// output by attempting a repair pass before giving up.
			repaired, rerr := jsonrepair.JSONRepair(line)
			if rerr != nil {
				c.logger.Warn("discarding unparseable line: %v", err)
				continue
			}
			resp, err = jsonrpc.DecodeResponse([]byte(repaired))
			if err != nil {
				c.logger.Warn("discarding unparseable line after repair: %v", err)
				continue
			}
			c.logger.Debug("repaired malformed response line")
		}
		id, ok := jsonrpc.NormalizeID(resp.ID).(int64)
		if !ok {
			c.logger.Debug("ignoring response without numeric id")
			continue
		}
		c.dispatch(id, resp)
	}
	c.failAll(fmt.Errorf("skill pipe closed"))
}

func (c *client) dispatch(id int64, resp *jsonrpc.Response) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("response for unknown call id %d dropped", id)
		return
	}
	ch <- resp
}

// failAll unblocks every waiter after the pipe dies.
func (c *client) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan *jsonrpc.Response)
	c.closed = true
	c.mu.Unlock()
	for id, ch := range pending {
		select {
		case ch <- jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, err.Error(), nil):
		default:
		}
	}
}

// call issues one request and waits for the matching response or deadline.
// An abandoned call's id stays registered briefly so a late reply is consumed
// rather than misdelivered; the pipe itself is never torn down on timeout.
func (c *client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case c.inflight <- struct{}{}:
		defer func() { <-c.inflight }()
	case <-ctx.Done():
		return nil, gateway.Errorf(gateway.KindTimeout, "skill %s saturated: %v", c.skillID, ctx.Err())
	}

	id := c.idGen.Next()
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	payload = append(payload, '\n')

	ch := make(chan *jsonrpc.Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, gateway.Errorf(gateway.KindSkillUnavailable, "skill %s pipe closed", c.skillID)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.proc.write(payload); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, gateway.Wrap(gateway.KindSkillUnavailable, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, gateway.Errorf(gateway.KindInternal, "skill %s: %s (code %d)", c.skillID, resp.Error.Message, resp.Error.Code)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, gateway.Errorf(gateway.KindTimeout, "skill %s call %s timed out", c.skillID, method)
	}
}

// notify sends a request without an id and does not wait for a reply.
func (c *client) notify(method string, params any) error {
	req, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.proc.write(append(payload, '\n'))
}

// toolCallParams is the wire shape of a skill tool invocation.
type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// toolResult is the wire shape a skill returns for tools/call.
type toolResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// callTool invokes a named tool on the skill and flattens the content blocks.
func (c *client) callTool(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error) {
	raw, err := c.call(ctx, "tools/call", toolCallParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result toolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		// Not the MCP envelope; pass the raw result through.
		return raw, nil
	}
	if result.IsError {
		return nil, gateway.Errorf(gateway.KindInternal, "skill %s tool %s failed: %s", c.skillID, tool, flattenContent(result.Content))
	}
	if len(result.Content) == 0 {
		return raw, nil
	}
	text := flattenContent(result.Content)
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	encoded, err := json.Marshal(text)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

func flattenContent(blocks []contentBlock) string {
	var b strings.Builder
	for i, block := range blocks {
		if block.Type != "text" {
			continue
		}
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(block.Text)
	}
	return b.String()
}

// initialize performs the handshake and returns the raw initialize result.
func (c *client) initialize(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]string{"name": "mimo", "version": "1.0"},
	})
}

// shutdown asks the skill to exit; best effort.
func (c *client) shutdown() {
	_ = c.notify("shutdown", nil)
}
