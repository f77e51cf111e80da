package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/agentopia/toolbox-agent/internal/api"
	"github.com/agentopia/toolbox-agent/pkg/logging"
)

const controlPlaneSubsystem = "ControlPlane"

// DefaultTimeout bounds one heartbeat request.
const DefaultTimeout = 5 * time.Second

// HTTPSinkOptions configures an HTTPSink.
type HTTPSinkOptions struct {
	URL        string
	Token      string
	Timeout    time.Duration
	UserAgent  string
	HTTPClient *http.Client
}

// HTTPSink posts heartbeats to the control plane.
type HTTPSink struct {
	url       string
	userAgent string
	client    *http.Client
}

// NewHTTPSink creates a sink for opts.URL. A non-empty Token is sent as a
// bearer token.
func NewHTTPSink(opts HTTPSinkOptions) (*HTTPSink, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("control plane URL is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: opts.Timeout}
	}

	client := base
	if opts.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token, TokenType: "Bearer"}))
		client.Timeout = opts.Timeout
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = "toolbox-agent"
	}
	return &HTTPSink{url: opts.URL, userAgent: ua, client: client}, nil
}

// Send posts payload. Any non-2xx answer is an error.
func (s *HTTPSink) Send(ctx context.Context, payload api.HeartbeatPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode heartbeat: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Idempotency-Key", payload.HeartbeatID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("heartbeat request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("control plane answered %s", resp.Status)
	}
	return nil
}

// LogSink writes a one-line heartbeat summary to the log.
type LogSink struct{}

// Send implements the heartbeat sink.
func (LogSink) Send(_ context.Context, payload api.HeartbeatPayload) error {
	logging.Debug(controlPlaneSubsystem, "Heartbeat %s: host %s, %d instances",
		payload.HeartbeatID, payload.Status, len(payload.Instances))
	return nil
}
