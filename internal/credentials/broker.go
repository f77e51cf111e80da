package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/agentopia/toolbox-agent/internal/api"
	"github.com/agentopia/toolbox-agent/internal/metrics"
	"github.com/agentopia/toolbox-agent/pkg/logging"
)

// FetchRequest asks the broker for the credentials of one instance.
type FetchRequest struct {
	AgentID               string   `json:"agentId"`
	AccountToolInstanceID string   `json:"accountToolInstanceId"`
	ConnectionIDs         []string `json:"connectionIds"`
	Scopes                []string `json:"scopes,omitempty"`
}

// Broker resolves OAuth connection ids into short-lived credentials.
type Broker interface {
	Fetch(ctx context.Context, req FetchRequest) (*Bundle, error)
}

// DenialError is returned when the broker refuses a connection.
type DenialError struct {
	StatusCode   int
	ConnectionID string
	Reason       string
}

func (e *DenialError) Error() string {
	if e.ConnectionID != "" {
		return fmt.Sprintf("connection %s: %s", e.ConnectionID, e.Reason)
	}
	return e.Reason
}

// brokerErrorBody is the error shape returned by the broker.
type brokerErrorBody struct {
	Error        string `json:"error"`
	ConnectionID string `json:"connectionId"`
	// older brokers use snake case
	ConnectionIDSnake string `json:"connection_id"`
	Reason            string `json:"reason"`
}

// BrokerAuth configures how the agent authenticates to the broker. Client
// credentials win over a static token; with neither, requests are sent
// unauthenticated.
type BrokerAuth struct {
	Token        string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// HTTPBrokerOptions configures an HTTPBroker.
type HTTPBrokerOptions struct {
	URL        string
	Auth       BrokerAuth
	Timeout    time.Duration
	Attempts   uint
	RetryDelay time.Duration

	// Consecutive failures before the breaker opens, and how long it
	// stays open.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	Metrics *metrics.Metrics

	// HTTPClient is the base transport client, used in tests.
	HTTPClient *http.Client
}

// HTTPBroker talks to the credential broker over HTTP.
type HTTPBroker struct {
	url        string
	client     *http.Client
	attempts   uint
	retryDelay time.Duration
	breaker    *gobreaker.CircuitBreaker
	metrics    *metrics.Metrics
}

// NewHTTPBroker creates a broker client.
func NewHTTPBroker(ctx context.Context, opts HTTPBrokerOptions) (*HTTPBroker, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("credential broker URL is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}

	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: opts.Timeout}
	}

	b := &HTTPBroker{
		url:        opts.URL,
		client:     authenticatedClient(ctx, base, opts.Auth),
		attempts:   opts.Attempts,
		retryDelay: opts.RetryDelay,
		metrics:    opts.Metrics,
	}

	failures := opts.BreakerFailures
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "credential-broker",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// a denial means the broker is up
		IsSuccessful: func(err error) bool {
			var denial *DenialError
			return err == nil || errors.As(err, &denial)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn(credentialsSubsystem, "Circuit breaker %s: %s -> %s", name, from, to)
			b.metrics.BreakerState(name, int(to))
		},
	})

	return b, nil
}

func authenticatedClient(ctx context.Context, base *http.Client, auth BrokerAuth) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	switch {
	case auth.ClientID != "" && auth.TokenURL != "":
		cc := &clientcredentials.Config{
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			TokenURL:     auth.TokenURL,
			Scopes:       auth.Scopes,
		}
		return cc.Client(ctx)
	case auth.Token != "":
		return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: auth.Token, TokenType: "Bearer"}))
	default:
		return base
	}
}

// Fetch requests a fresh bundle. Transport errors and 5xx responses are
// retried; denials are not.
func (b *HTTPBroker) Fetch(ctx context.Context, req FetchRequest) (*Bundle, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		var bundle *Bundle
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(b.attempts),
			retry.Delay(b.retryDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.RetryIf(func(err error) bool {
				var denial *DenialError
				return !errors.As(err, &denial)
			}),
		)
		var lastErr error
		err := r.Do(func() error {
			bundle, lastErr = b.fetchOnce(ctx, req)
			return lastErr
		})
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		return bundle, nil
	})

	b.metrics.CredentialFetch(err == nil)
	if err != nil {
		return nil, toCredentialError(err)
	}
	return result.(*Bundle), nil
}

func (b *HTTPBroker) fetchOnce(ctx context.Context, req FetchRequest) (*Bundle, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("credential broker request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read broker response: %w", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		var eb brokerErrorBody
		_ = json.Unmarshal(body, &eb)
		denial := &DenialError{StatusCode: resp.StatusCode, ConnectionID: eb.ConnectionID, Reason: eb.Reason}
		if denial.ConnectionID == "" {
			denial.ConnectionID = eb.ConnectionIDSnake
		}
		if denial.Reason == "" {
			denial.Reason = eb.Error
		}
		if denial.Reason == "" {
			denial.Reason = http.StatusText(resp.StatusCode)
		}
		return nil, denial
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("credential broker returned status %d", resp.StatusCode)
	}

	var bundle Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("failed to decode broker response: %w", err)
	}
	// drop the raw response, it holds token values
	for i := range body {
		body[i] = 0
	}
	if bundle.Credentials == nil {
		bundle.Credentials = map[string]*ProviderCredential{}
	}
	return &bundle, nil
}

func toCredentialError(err error) error {
	var denial *DenialError
	if errors.As(err, &denial) {
		return api.WrapError(api.KindCredentialUnavailable, denial, "credential unavailable: %s", denial.Error())
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return api.WrapError(api.KindCredentialUnavailable, err, "credential broker unavailable: circuit open")
	}
	return api.WrapError(api.KindCredentialUnavailable, err, "credential broker unavailable")
}
