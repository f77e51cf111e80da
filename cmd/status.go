package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/agentopia/toolbox-agent/internal/api"
	pkgstrings "github.com/agentopia/toolbox-agent/pkg/strings"
)

// DefaultStatusTimeout bounds the status request.
const DefaultStatusTimeout = 10 * time.Second

type statusOptions struct {
	addr    string
	token   string
	output  string
	timeout time.Duration
}

// newStatusCmd creates the command that shows the status of a running agent.
func newStatusCmd() *cobra.Command {
	opts := &statusOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running agent",
		Long: `Queries the orchestration API of a running agent and prints the host
health and every managed instance.

The API token is read from --token or TOOLBOX_AGENT_API_TOKEN.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "http://127.0.0.1:8700", "Base URL of the agent API")
	cmd.Flags().StringVar(&opts.token, "token", "", "API bearer token (default $TOOLBOX_AGENT_API_TOKEN)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "table", "Output format: table or json")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", DefaultStatusTimeout, "Request timeout")
	return cmd
}

func runStatus(cmd *cobra.Command, opts *statusOptions) error {
	if opts.output != "table" && opts.output != "json" {
		return fmt.Errorf("unsupported output format %q", opts.output)
	}
	token := opts.token
	if token == "" {
		token = os.Getenv("TOOLBOX_AGENT_API_TOKEN")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	status, raw, err := fetchStatus(ctx, opts.addr, token)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.output == "json" {
		_, err := out.Write(raw)
		return err
	}
	renderStatus(out, status)
	return nil
}

// fetchStatus calls GET /status. It returns the decoded response and the
// raw body.
func fetchStatus(ctx context.Context, addr, token string) (*api.StatusResponse, []byte, error) {
	client := http.DefaultClient
	if token != "" {
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+"/status", nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("agent at %s is unreachable: %w", addr, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var body api.ErrorBody
		if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
			return nil, nil, fmt.Errorf("agent returned %d: %s", resp.StatusCode, body.Error.Message)
		}
		return nil, nil, fmt.Errorf("agent returned %d", resp.StatusCode)
	}

	var status api.StatusResponse
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &status, raw, nil
}

func renderStatus(w io.Writer, s *api.StatusResponse) {
	fmt.Fprintf(w, "%s %s  agent %s  version %s\n",
		text.FgHiCyan.Sprint("Host:"), colorHealth(s.Status), s.AgentID, s.Version)

	sum := s.MCPDiscovery
	oauth := "n/a"
	if sum.OAuthConnectionsValid != nil {
		oauth = text.FgGreen.Sprint("valid")
		if !*sum.OAuthConnectionsValid {
			oauth = text.FgRed.Sprint("invalid")
		}
	}
	fmt.Fprintf(w, "%s %d/%d healthy  transports %s  oauth %s\n\n",
		text.FgHiCyan.Sprint("MCP servers:"), sum.HealthyServers, sum.TotalServers, formatDistribution(sum.TransportDistribution), oauth)

	entries := append(append([]api.DiscoveryEntry{}, s.ToolInstances.MCPServers...), s.ToolInstances.StandardTools...)
	if len(entries) == 0 {
		fmt.Fprintf(w, "%s\n", text.FgYellow.Sprint("No instances on this host"))
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("NAME"),
		text.FgHiCyan.Sprint("TYPE"),
		text.FgHiCyan.Sprint("TRANSPORT"),
		text.FgHiCyan.Sprint("HEALTH"),
		text.FgHiCyan.Sprint("ENDPOINT"),
		text.FgHiCyan.Sprint("TOOLS"),
		text.FgHiCyan.Sprint("CONTAINER"),
	})
	for _, e := range entries {
		tools := "-"
		if e.Capabilities != nil {
			tools = fmt.Sprint(len(e.Capabilities.Tools))
		}
		endpoint := "-"
		if e.EndpointURL != "" {
			endpoint = pkgstrings.Truncate(e.EndpointURL, pkgstrings.DefaultEndpointMaxLen)
		}
		t.AppendRow(table.Row{e.InstanceName, e.ContainerType, e.TransportType, colorHealth(e.HealthStatus), endpoint, tools, pkgstrings.ShortID(e.ContainerID)})
	}
	t.Render()
}

func colorHealth(h api.HealthStatus) string {
	switch h {
	case api.HealthHealthy:
		return text.FgGreen.Sprint(h)
	case api.HealthDegraded, api.HealthStarting:
		return text.FgYellow.Sprint(h)
	case api.HealthUnhealthy:
		return text.FgRed.Sprint(h)
	default:
		return text.FgHiBlack.Sprint(h)
	}
}

func formatDistribution(d map[api.TransportType]int) string {
	if len(d) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(d))
	for _, t := range []api.TransportType{api.TransportStdio, api.TransportSSE, api.TransportWebSocket} {
		if n := d[t]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", t, n))
		}
	}
	return strings.Join(parts, " ")
}
