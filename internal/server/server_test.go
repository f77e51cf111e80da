package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentopia/toolbox-agent/internal/api"
)

const testToken = "s3cret-api-token"

type fakeService struct {
	mu sync.Mutex

	err          error
	lastDeploy   api.DeployRequest
	lastName     string
	lastOwner    string
	lastConnIDs  []string
	refreshCalls int
}

func (f *fakeService) Deploy(ctx context.Context, req api.DeployRequest) (*api.DeployResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastDeploy = req
	if f.err != nil {
		return nil, f.err
	}
	return &api.DeployResponse{Success: true, InstanceName: req.InstanceNameOnToolbox, ContainerID: "c1"}, nil
}

func (f *fakeService) Teardown(ctx context.Context, name, owner string) (*api.AckResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastName, f.lastOwner = name, owner
	if f.err != nil {
		return nil, f.err
	}
	return &api.AckResponse{Success: true, InstanceName: name}, nil
}

func (f *fakeService) RefreshCredentials(ctx context.Context, name, owner string, ids []string) (*api.AckResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastName, f.lastOwner, f.lastConnIDs = name, owner, ids
	f.refreshCalls++
	if f.err != nil {
		return nil, f.err
	}
	return &api.AckResponse{Success: true, InstanceName: name}, nil
}

func (f *fakeService) ForceProbe(ctx context.Context, name string) (*api.DiscoveryEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &api.DiscoveryEntry{InstanceName: name, HealthStatus: api.HealthHealthy}, nil
}

func (f *fakeService) Discovery() *api.DiscoveryResponse {
	return &api.DiscoveryResponse{Success: true, Instances: []api.DiscoveryEntry{{InstanceName: "weather"}}}
}

func (f *fakeService) GetStatus() *api.StatusResponse {
	return &api.StatusResponse{Status: api.HealthHealthy, Service: "toolbox-agent"}
}

func newTestServer(t *testing.T, svc Service, opts Options) *Server {
	t.Helper()
	if opts.Auth == nil {
		auth, err := NewAuthenticator(testToken, "", "", "")
		require.NoError(t, err)
		opts.Auth = auth
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = 1000
		opts.RateBurst = 1000
	}
	s, err := New(svc, opts)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) api.ErrorBody {
	t.Helper()
	var body api.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind api.ErrorKind
		want int
	}{
		{api.KindValidation, http.StatusBadRequest},
		{api.KindUnauthorized, http.StatusUnauthorized},
		{api.KindForbidden, http.StatusForbidden},
		{api.KindNotFound, http.StatusNotFound},
		{api.KindConflict, http.StatusConflict},
		{api.KindAlreadyExists, http.StatusConflict},
		{api.KindCredentialUnavailable, http.StatusFailedDependency},
		{api.KindRuntimeFatal, http.StatusUnprocessableEntity},
		{api.KindRuntimeTransient, http.StatusServiceUnavailable},
		{api.KindDiscoveryTimeout, http.StatusGatewayTimeout},
		{api.KindInternal, http.StatusInternalServerError},
		{api.ErrorKind("Unknown"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.kind))
		})
	}
}

func TestDeploy(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(t, svc, Options{})

	rec := do(t, s, http.MethodPost, "/v1/instances", api.DeployRequest{
		DockerImageURL:        "ghcr.io/acme/weather-mcp:1",
		InstanceNameOnToolbox: "weather",
		AccountToolInstanceID: "ati-1",
		MCPTransportType:      "sse",
	}, nil)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp api.DeployResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "weather", resp.InstanceName)
	assert.Equal(t, "sse", svc.lastDeploy.MCPTransportType)
}

func TestDeploy_ErrorsUseEnvelope(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"conflict", api.NewError(api.KindConflict, "instance \"weather\" already exists"), http.StatusConflict, "instance \"weather\" already exists"},
		{"credentials", api.NewError(api.KindCredentialUnavailable, "connection c1: revoked"), http.StatusFailedDependency, "connection c1: revoked"},
		{"untyped cause is hidden", assert.AnError, http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeService{err: tt.err}, Options{})
			rec := do(t, s, http.MethodPost, "/v1/instances", api.DeployRequest{InstanceNameOnToolbox: "weather"}, nil)

			assert.Equal(t, tt.wantStatus, rec.Code)
			body := decodeError(t, rec)
			assert.False(t, body.Success)
			assert.Equal(t, tt.wantMsg, body.Error.Message)
		})
	}
}

func TestDeploy_BadBody(t *testing.T) {
	s := newTestServer(t, &fakeService{}, Options{})

	rec := do(t, s, http.MethodPost, "/v1/instances", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, api.KindValidation, decodeError(t, rec).Error.Kind)

	rec = do(t, s, http.MethodPost, "/v1/instances", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	big := `{"dockerImageUrl":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	rec = do(t, s, http.MethodPost, "/v1/instances", big, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTeardown_OwnerSources(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		headers map[string]string
		want    string
	}{
		{"header", "/v1/instances/weather", map[string]string{ownerHeader: "ati-1"}, "ati-1"},
		{"query", "/v1/instances/weather?accountToolInstanceId=ati-2", nil, "ati-2"},
		{"header wins", "/v1/instances/weather?accountToolInstanceId=ati-2", map[string]string{ownerHeader: "ati-1"}, "ati-1"},
		{"missing", "/v1/instances/weather", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			s := newTestServer(t, svc, Options{})
			rec := do(t, s, http.MethodDelete, tt.path, nil, tt.headers)

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "weather", svc.lastName)
			assert.Equal(t, tt.want, svc.lastOwner)
		})
	}
}

func TestTeardown_Forbidden(t *testing.T) {
	s := newTestServer(t, &fakeService{err: api.NewError(api.KindForbidden, "caller does not own instance weather")}, Options{})
	rec := do(t, s, http.MethodDelete, "/v1/instances/weather", nil, map[string]string{ownerHeader: "intruder"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, api.KindForbidden, decodeError(t, rec).Error.Kind)
}

func TestRefresh_ConnectionIDs(t *testing.T) {
	tests := []struct {
		name    string
		body    interface{}
		wantIDs []string
		wantNil bool
		owner   string
	}{
		{name: "no body keeps set", body: nil, wantNil: true},
		{name: "absent field keeps set", body: `{"accountToolInstanceId":"ati-1"}`, wantNil: true, owner: "ati-1"},
		{name: "empty list clears", body: `{"connectionIds":[]}`, wantIDs: []string{}},
		{name: "replacement set", body: `{"connectionIds":["c2","c1"]}`, wantIDs: []string{"c2", "c1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			s := newTestServer(t, svc, Options{})
			rec := do(t, s, http.MethodPost, "/v1/instances/gh/credentials/refresh", tt.body, nil)

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, 1, svc.refreshCalls)
			assert.Equal(t, tt.owner, svc.lastOwner)
			if tt.wantNil {
				assert.Nil(t, svc.lastConnIDs)
				return
			}
			require.NotNil(t, svc.lastConnIDs)
			assert.Equal(t, tt.wantIDs, svc.lastConnIDs)
		})
	}
}

func TestProbeAndQueries(t *testing.T) {
	s := newTestServer(t, &fakeService{}, Options{})

	rec := do(t, s, http.MethodPost, "/v1/instances/weather/probe", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entry api.DiscoveryEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, "weather", entry.InstanceName)

	rec = do(t, s, http.MethodGet, "/v1/discovery", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var disc api.DiscoveryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &disc))
	assert.Len(t, disc.Instances, 1)

	rec = do(t, s, http.MethodGet, "/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"service":"toolbox-agent"`)

	probeErr := newTestServer(t, &fakeService{err: api.NewError(api.KindDiscoveryTimeout, "probe timed out")}, Options{})
	rec = do(t, probeErr, http.MethodPost, "/v1/instances/weather/probe", nil, nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, &fakeService{}, Options{Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("toolbox_agent_instances 0\n"))
	})})

	tests := []struct {
		name   string
		method string
		path   string
		auth   string
		want   int
	}{
		{"healthz is open", http.MethodGet, "/healthz", "", http.StatusOK},
		{"metrics is open", http.MethodGet, "/metrics", "", http.StatusOK},
		{"status needs token", http.MethodGet, "/status", "", http.StatusUnauthorized},
		{"wrong token", http.MethodGet, "/v1/discovery", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", http.MethodGet, "/v1/discovery", "Basic " + testToken, http.StatusUnauthorized},
		{"deploy needs token", http.MethodPost, "/v1/instances", "", http.StatusUnauthorized},
		{"valid token", http.MethodGet, "/v1/discovery", "Bearer " + testToken, http.StatusOK},
		{"unknown route", http.MethodGet, "/v2/nothing", "Bearer " + testToken, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, api.KindUnauthorized, decodeError(t, rec).Error.Kind)
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, &fakeService{}, Options{RateLimit: 0.001, RateBurst: 2})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/discovery", nil, nil).Code)
	}
	rec := do(t, s, http.MethodGet, "/v1/discovery", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// liveness is never limited
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", nil, nil).Code)
}

func TestNew_RequiresAuth(t *testing.T) {
	_, err := New(&fakeService{}, Options{})
	assert.Error(t, err)

	_, err = NewAuthenticator("", "", "", "")
	assert.Error(t, err)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	s := newTestServer(t, &fakeService{}, Options{ShutdownTimeout: time.Second})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, l) }()

	url := "http://" + l.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
