package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentopia/toolbox-agent/internal/api"
	"github.com/agentopia/toolbox-agent/internal/containerizer"
	"github.com/agentopia/toolbox-agent/pkg/logging"
)

const (
	clientName    = "toolbox-agent"
	clientVersion = "1.0.0"
)

// Target describes how to reach one MCP server.
type Target struct {
	InstanceName string
	Container    string
	Transport    api.TransportType
	EndpointPath string
	Command      []string
	Host         string
	Port         int
}

// URL returns the network endpoint of SSE and WebSocket targets.
func (t Target) URL() string {
	scheme := "http"
	if t.Transport == api.TransportWebSocket {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(t.Host, strconv.Itoa(t.Port)), t.EndpointPath)
}

// TargetFor builds the probe target of inst. host is the address the
// agent uses to reach published ports.
func TargetFor(inst *api.ManagedInstance, host string) Target {
	t := Target{
		InstanceName: inst.InstanceName,
		Container:    inst.ContainerID,
		Transport:    inst.TransportType,
		EndpointPath: inst.EndpointPath,
		Host:         host,
	}
	if t.Container == "" {
		t.Container = inst.InstanceName
	}
	for _, pb := range inst.PortBindings {
		t.Port = pb.HostPort
		if pb.HostIP != "" && pb.HostIP != "0.0.0.0" && pb.HostIP != "::" {
			t.Host = pb.HostIP
		}
		break
	}
	if inst.Config != nil && len(inst.Config.StdioCommand) > 0 {
		t.Command = append([]string(nil), inst.Config.StdioCommand...)
	} else if inst.TransportType == api.TransportStdio {
		t.Command = strings.Fields(inst.EndpointPath)
	}
	return t
}

// Prober fetches a capability snapshot from one MCP server.
type Prober interface {
	Probe(ctx context.Context, target Target) (*api.CapabilitySnapshot, error)
}

// TransportProber dispatches probes by transport type.
type TransportProber struct {
	runtime containerizer.ContainerRuntime
	// closeWait bounds how long a probe waits for the client to shut down
	closeWait time.Duration
}

// NewTransportProber creates a prober. runtime provides the exec command
// for stdio servers.
func NewTransportProber(runtime containerizer.ContainerRuntime) *TransportProber {
	return &TransportProber{runtime: runtime, closeWait: 2 * time.Second}
}

// Probe implements Prober.
func (p *TransportProber) Probe(ctx context.Context, target Target) (*api.CapabilitySnapshot, error) {
	var (
		snap *api.CapabilitySnapshot
		err  error
	)
	switch target.Transport {
	case api.TransportStdio:
		snap, err = p.probeStdio(ctx, target)
	case api.TransportSSE:
		snap, err = p.probeSSE(ctx, target)
	case api.TransportWebSocket:
		snap, err = p.probeWebSocket(ctx, target)
	default:
		return nil, api.NewError(api.KindValidation, "instance %s has no MCP transport", target.InstanceName)
	}
	if err != nil {
		return nil, err
	}
	snap.TransportType = target.Transport
	return snap, nil
}

func (p *TransportProber) probeStdio(ctx context.Context, target Target) (*api.CapabilitySnapshot, error) {
	if p.runtime == nil {
		return nil, api.NewError(api.KindInternal, "stdio probe needs a container runtime")
	}
	if len(target.Command) == 0 {
		return nil, api.NewError(api.KindValidation, "instance %s has no stdio command", target.InstanceName)
	}

	binary, args := p.runtime.ExecCommand(target.Container, target.Command)
	logging.Debug(discoverySubsystem, "Probing %s over stdio: %s %s", target.InstanceName, binary, strings.Join(args, " "))

	c, err := client.NewStdioMCPClient(binary, nil, args...)
	if err != nil {
		return nil, probeError(target, "start stdio session", err)
	}
	defer p.close(target, c)

	return collect(ctx, target, c)
}

func (p *TransportProber) probeSSE(ctx context.Context, target Target) (*api.CapabilitySnapshot, error) {
	if target.Port == 0 {
		return nil, api.NewError(api.KindValidation, "instance %s has no published port", target.InstanceName)
	}
	url := target.URL()
	logging.Debug(discoverySubsystem, "Probing %s over SSE: %s", target.InstanceName, url)

	c, err := client.NewSSEMCPClient(url)
	if err != nil {
		return nil, probeError(target, "create SSE client", err)
	}
	defer p.close(target, c)

	if err := c.Start(ctx); err != nil {
		return nil, probeError(target, "start SSE transport", err)
	}
	return collect(ctx, target, c)
}

// close shuts the client down without letting a stuck child process block
// the probe loop.
func (p *TransportProber) close(target Target, c client.MCPClient) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Close(); err != nil {
			logging.Debug(discoverySubsystem, "Closing probe session for %s: %v", target.InstanceName, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(p.closeWait):
		logging.Warn(discoverySubsystem, "Probe session for %s did not close within %s", target.InstanceName, p.closeWait)
	}
}

// collect runs the MCP handshake and the three list calls. Lists the server
// does not advertise are left empty.
func collect(ctx context.Context, target Target, c client.MCPClient) (*api.CapabilitySnapshot, error) {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	req.Params.Capabilities = mcp.ClientCapabilities{}

	result, err := c.Initialize(ctx, req)
	if err != nil {
		return nil, probeError(target, "initialize", err)
	}

	snap := &api.CapabilitySnapshot{
		Tools:         []api.ToolInfo{},
		Resources:     []api.ResourceInfo{},
		Prompts:       []api.PromptInfo{},
		ServerName:    result.ServerInfo.Name,
		ServerVersion: result.ServerInfo.Version,
	}

	if result.Capabilities.Tools != nil {
		res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil && !isMethodNotFound(err) {
			return nil, probeError(target, "tools/list", err)
		}
		if res != nil {
			snap.Tools = convertTools(res.Tools)
		}
	}
	if result.Capabilities.Resources != nil {
		res, err := c.ListResources(ctx, mcp.ListResourcesRequest{})
		if err != nil && !isMethodNotFound(err) {
			return nil, probeError(target, "resources/list", err)
		}
		if res != nil {
			snap.Resources = convertResources(res.Resources)
		}
	}
	if result.Capabilities.Prompts != nil {
		res, err := c.ListPrompts(ctx, mcp.ListPromptsRequest{})
		if err != nil && !isMethodNotFound(err) {
			return nil, probeError(target, "prompts/list", err)
		}
		if res != nil {
			snap.Prompts = convertPrompts(res.Prompts)
		}
	}

	return snap, nil
}

func convertTools(tools []mcp.Tool) []api.ToolInfo {
	out := make([]api.ToolInfo, 0, len(tools))
	for _, t := range tools {
		out = append(out, api.ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: inputSchema(t),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// inputSchema goes through the tool's own JSON encoding so raw and typed
// schemas come out the same way.
func inputSchema(t mcp.Tool) map[string]interface{} {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil
	}
	var decoded struct {
		InputSchema map[string]interface{} `json:"inputSchema"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil
	}
	return decoded.InputSchema
}

func convertResources(resources []mcp.Resource) []api.ResourceInfo {
	out := make([]api.ResourceInfo, 0, len(resources))
	for _, r := range resources {
		out = append(out, api.ResourceInfo{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MIMEType:    r.MIMEType,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

func convertPrompts(prompts []mcp.Prompt) []api.PromptInfo {
	out := make([]api.PromptInfo, 0, len(prompts))
	for _, p := range prompts {
		info := api.PromptInfo{Name: p.Name, Description: p.Description}
		for _, a := range p.Arguments {
			info.Arguments = append(info.Arguments, a.Name)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func isMethodNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "method not found") || strings.Contains(msg, "-32601") || strings.Contains(msg, "not supported")
}

func probeError(target Target, step string, err error) error {
	return api.WrapError(api.KindDiscoveryTimeout, err, "probe of %s failed at %s", target.InstanceName, step)
}
