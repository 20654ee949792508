package gateway

import (
	"errors"

	"github.com/google/uuid"

	"github.com/clawsuite/clawsuite/internal/config"
)

// ErrNoCredentials is returned when neither a gateway token nor a password
// is configured. The check runs before any socket is opened.
var ErrNoCredentials = errors.New("gateway credentials missing: set CLAWDBOT_GATEWAY_TOKEN or CLAWDBOT_GATEWAY_PASSWORD")

type connectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      connectClient `json:"client"`
	Auth        connectAuth   `json:"auth"`
	Role        string        `json:"role,omitempty"`
	Scopes      []string      `json:"scopes,omitempty"`
}

type connectClient struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
	InstanceID  string `json:"instanceId"`
}

type connectAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// buildConnectParams assembles the connect request sent as the first frame
// on every gateway socket. Fails fast when no credential is present.
func buildConnectParams(cfg config.GatewayConfig) (connectParams, error) {
	if cfg.Token == "" && cfg.Password == "" {
		return connectParams{}, ErrNoCredentials
	}

	return connectParams{
		MinProtocol: cfg.MinProtocol,
		MaxProtocol: cfg.MaxProtocol,
		Client: connectClient{
			ID:          cfg.ClientID,
			DisplayName: cfg.ClientDisplayName,
			Version:     cfg.ClientVersion,
			Platform:    cfg.ClientPlatform,
			Mode:        cfg.ClientMode,
			InstanceID:  uuid.NewString(),
		},
		Auth: connectAuth{
			Token:    cfg.Token,
			Password: cfg.Password,
		},
		Role:   cfg.Role,
		Scopes: cfg.Scopes,
	}, nil
}
