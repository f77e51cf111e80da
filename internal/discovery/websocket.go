package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentopia/toolbox-agent/internal/api"
	"github.com/agentopia/toolbox-agent/pkg/logging"
)

const methodNotFoundCode = -32601

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// wsSession is a minimal JSON-RPC 2.0 client over one WebSocket
// connection. Calls are sequential; server notifications are skipped.
type wsSession struct {
	conn   *websocket.Conn
	nextID int64
}

func (s *wsSession) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	s.nextID++
	id := s.nextID
	if err := s.write(ctx, rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return err
	}

	for {
		if deadline, ok := ctx.Deadline(); ok {
			_ = s.conn.SetReadDeadline(deadline)
		}
		var resp rpcResponse
		if err := s.conn.ReadJSON(&resp); err != nil {
			return fmt.Errorf("read %s response: %w", method, err)
		}
		if resp.ID == nil || *resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return resp.Error
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	}
}

func (s *wsSession) notify(ctx context.Context, method string) error {
	return s.write(ctx, rpcRequest{JSONRPC: "2.0", Method: method})
}

func (s *wsSession) write(ctx context.Context, req rpcRequest) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write %s: %w", req.Method, err)
	}
	return nil
}

func (p *TransportProber) probeWebSocket(ctx context.Context, target Target) (*api.CapabilitySnapshot, error) {
	if target.Port == 0 {
		return nil, api.NewError(api.KindValidation, "instance %s has no published port", target.InstanceName)
	}
	url := target.URL()
	logging.Debug(discoverySubsystem, "Probing %s over WebSocket: %s", target.InstanceName, url)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, probeError(target, "dial", err)
	}
	defer func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	// A server that exits mid-probe should not leave the reader blocked.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s := &wsSession{conn: conn}

	initParams := map[string]interface{}{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      mcp.Implementation{Name: clientName, Version: clientVersion},
	}
	var result mcp.InitializeResult
	if err := s.call(ctx, "initialize", initParams, &result); err != nil {
		return nil, probeError(target, "initialize", err)
	}
	if err := s.notify(ctx, "notifications/initialized"); err != nil {
		return nil, probeError(target, "initialized notification", err)
	}

	snap := &api.CapabilitySnapshot{
		Tools:         []api.ToolInfo{},
		Resources:     []api.ResourceInfo{},
		Prompts:       []api.PromptInfo{},
		ServerName:    result.ServerInfo.Name,
		ServerVersion: result.ServerInfo.Version,
	}

	if result.Capabilities.Tools != nil {
		var tools mcp.ListToolsResult
		if err := s.call(ctx, "tools/list", nil, &tools); err != nil && !wsMethodNotFound(err) {
			return nil, probeError(target, "tools/list", err)
		}
		snap.Tools = convertTools(tools.Tools)
	}
	if result.Capabilities.Resources != nil {
		var resources mcp.ListResourcesResult
		if err := s.call(ctx, "resources/list", nil, &resources); err != nil && !wsMethodNotFound(err) {
			return nil, probeError(target, "resources/list", err)
		}
		snap.Resources = convertResources(resources.Resources)
	}
	if result.Capabilities.Prompts != nil {
		var prompts mcp.ListPromptsResult
		if err := s.call(ctx, "prompts/list", nil, &prompts); err != nil && !wsMethodNotFound(err) {
			return nil, probeError(target, "prompts/list", err)
		}
		snap.Prompts = convertPrompts(prompts.Prompts)
	}

	return snap, nil
}

func wsMethodNotFound(err error) bool {
	if rpcErr, ok := err.(*rpcError); ok {
		return rpcErr.Code == methodNotFoundCode
	}
	return false
}
