package containerizer

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/agentopia/toolbox-agent/internal/api"
)

// Label keys written on every managed container.
const (
	LabelToolType              = "agentopia.tool.type"
	LabelMCPTransport          = "agentopia.mcp.transport"
	LabelMCPEndpoint           = "agentopia.mcp.endpoint"
	LabelAccountToolInstanceID = "agentopia.account_tool_instance_id"
	LabelManagedBy             = "agentopia.managed_by"
	LabelInstanceID            = "agentopia.instance_id"
	LabelInstanceName          = "agentopia.instance_name"
	LabelOAuthConnectionIDs    = "agentopia.oauth_connection_ids"
	LabelCreatedAt             = "agentopia.created_at"
	LabelConfig                = "agentopia.config"
)

// BuildContainerSpec turns a normalized config into a container spec
// carrying the management labels. The result holds no credentials.
func BuildContainerSpec(cfg *api.NormalizedConfig, agentID, instanceID string, createdAt time.Time) (ContainerSpec, error) {
	labels := make(map[string]string, len(cfg.Labels)+10)
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	encoded, err := encodeConfig(cfg)
	if err != nil {
		return ContainerSpec{}, err
	}

	labels[LabelToolType] = string(cfg.ContainerType)
	labels[LabelMCPTransport] = string(cfg.TransportType)
	labels[LabelMCPEndpoint] = cfg.EndpointPath
	labels[LabelAccountToolInstanceID] = cfg.AccountToolInstanceID
	labels[LabelManagedBy] = agentID
	labels[LabelInstanceID] = instanceID
	labels[LabelInstanceName] = cfg.InstanceName
	labels[LabelOAuthConnectionIDs] = strings.Join(cfg.OAuthConnectionIDs, ",")
	labels[LabelCreatedAt] = createdAt.UTC().Format(time.RFC3339)
	labels[LabelConfig] = encoded

	env := make(map[string]string, len(cfg.Env))
	for k, v := range cfg.Env {
		env[k] = v
	}

	return ContainerSpec{
		Env:          env,
		SecretEnv:    SecretEnv{},
		Labels:       labels,
		PortBindings: append([]api.PortBinding(nil), cfg.PortBindings...),
		Command:      append([]string(nil), cfg.Command...),
		User:         cfg.User,
		Interactive:  cfg.TransportType == api.TransportStdio,
	}, nil
}

// ManagedInstanceFromContainer rebuilds a registry record from the labels
// of a container created by agentID. It returns false for containers that
// carry no (or foreign) management labels.
func ManagedInstanceFromContainer(info ContainerInfo, agentID string) (*api.ManagedInstance, bool) {
	labels := info.Labels
	if labels[LabelManagedBy] == "" || labels[LabelManagedBy] != agentID {
		return nil, false
	}
	name := labels[LabelInstanceName]
	if name == "" {
		name = info.Name
	}
	if name == "" || labels[LabelInstanceID] == "" {
		return nil, false
	}

	containerType := api.ContainerType(labels[LabelToolType])
	if containerType != api.ContainerTypeMCPServer {
		containerType = api.ContainerTypeStandardTool
	}
	transport, ok := api.ParseTransportType(labels[LabelMCPTransport])
	if !ok {
		transport = api.TransportNone
	}

	inst := &api.ManagedInstance{
		InstanceID:            labels[LabelInstanceID],
		InstanceName:          name,
		AccountToolInstanceID: labels[LabelAccountToolInstanceID],
		ContainerID:           info.ID,
		Image:                 info.Image,
		ContainerType:         containerType,
		TransportType:         transport,
		EndpointPath:          labels[LabelMCPEndpoint],
		PortBindings:          append([]api.PortBinding(nil), info.PortBindings...),
		HealthStatus:          api.HealthStarting,
		CreatedAt:             info.CreatedAt,
	}
	if ids := labels[LabelOAuthConnectionIDs]; ids != "" {
		inst.OAuthConnectionIDs = strings.Split(ids, ",")
	}
	if t, err := time.Parse(time.RFC3339, labels[LabelCreatedAt]); err == nil {
		inst.CreatedAt = t
	}
	if cfg, err := decodeConfig(labels[LabelConfig]); err == nil {
		inst.Config = cfg
	}

	return inst, true
}

func encodeConfig(cfg *api.NormalizedConfig) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", api.WrapError(api.KindInternal, err, "failed to encode instance config")
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decodeConfig(s string) (*api.NormalizedConfig, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	var cfg api.NormalizedConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
