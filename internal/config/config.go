package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func init() {
	// Auto-load .env file if present (don't override existing env vars)
	loadDotEnv(".env")
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		// Remove surrounding quotes
		if len(val) >= 2 && ((val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'')) {
			val = val[1 : len(val)-1]
		}
		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

const (
	defaultPort        = "4300"
	defaultEnvironment = "development"

	defaultGatewayURL        = "ws://127.0.0.1:18789"
	defaultGatewayMinProto   = 1
	defaultGatewayMaxProto   = 3
	defaultChatTimeout       = 120 * time.Second
	defaultStreamWallTimeout = 125 * time.Second

	clientID          = "clawsuite"
	clientDisplayName = "ClawSuite"
	clientPlatform    = "web"
	clientMode        = "webui"
	clientRole        = "operator"
)

// GatewayConfig describes one connection to the OpenClaw gateway.
// URL, token, and password come straight from the environment so that
// rotating credentials takes effect on the next connection, not the next
// process restart.
type GatewayConfig struct {
	URL      string
	Token    string
	Password string

	MinProtocol int
	MaxProtocol int

	ClientID          string
	ClientDisplayName string
	ClientVersion     string
	ClientPlatform    string
	ClientMode        string
	Role              string
	Scopes            []string

	ChatTimeout       time.Duration
	StreamWallTimeout time.Duration
}

type Config struct {
	Port        string
	DatabaseURL string
	Environment string
	Gateway     GatewayConfig
}

func Load() (Config, error) {
	cfg := Config{
		Port:        firstNonEmpty(strings.TrimSpace(os.Getenv("PORT")), defaultPort),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Environment: resolveEnvironment(),
		Gateway:     GatewayConfigFromEnv(),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// GatewayConfigFromEnv reads the gateway connection settings. Callers that
// open per-request gateway sockets call this per request; credential presence
// is checked when the connect handshake is built, not here.
func GatewayConfigFromEnv() GatewayConfig {
	return GatewayConfig{
		URL: firstNonEmpty(
			strings.TrimSpace(os.Getenv("CLAWDBOT_GATEWAY_URL")),
			defaultGatewayURL,
		),
		Token:    strings.TrimSpace(os.Getenv("CLAWDBOT_GATEWAY_TOKEN")),
		Password: strings.TrimSpace(os.Getenv("CLAWDBOT_GATEWAY_PASSWORD")),

		MinProtocol: defaultGatewayMinProto,
		MaxProtocol: defaultGatewayMaxProto,

		ClientID:          clientID,
		ClientDisplayName: clientDisplayName,
		ClientVersion:     getVersion(),
		ClientPlatform:    clientPlatform,
		ClientMode:        clientMode,
		Role:              clientRole,
		Scopes:            gatewayScopes(),

		ChatTimeout:       defaultChatTimeout,
		StreamWallTimeout: defaultStreamWallTimeout,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Port) == "" {
		return fmt.Errorf("PORT must not be empty")
	}
	if c.Gateway.URL == "" {
		return fmt.Errorf("CLAWDBOT_GATEWAY_URL must not be empty")
	}
	if !strings.HasPrefix(c.Gateway.URL, "ws://") && !strings.HasPrefix(c.Gateway.URL, "wss://") {
		return fmt.Errorf("CLAWDBOT_GATEWAY_URL must use the ws or wss scheme")
	}
	return nil
}

func gatewayScopes() []string {
	raw := strings.TrimSpace(os.Getenv("CLAWDBOT_GATEWAY_SCOPES"))
	if raw == "" {
		return nil
	}
	var scopes []string
	for _, part := range strings.Split(raw, ",") {
		if scope := strings.TrimSpace(part); scope != "" {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}

func getVersion() string {
	if v := strings.TrimSpace(os.Getenv("VERSION")); v != "" {
		return v
	}
	return "dev"
}

func resolveEnvironment() string {
	return strings.ToLower(firstNonEmpty(
		strings.TrimSpace(os.Getenv("APP_ENV")),
		strings.TrimSpace(os.Getenv("ENVIRONMENT")),
		strings.TrimSpace(os.Getenv("GO_ENV")),
		strings.TrimSpace(os.Getenv("RAILWAY_ENVIRONMENT")),
		defaultEnvironment,
	))
}

func parseBool(name string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s must be a boolean value", name)
	}
}

func parseDuration(name string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", name, err)
	}

	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero", name)
	}

	return parsed, nil
}

func parseInt(name string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", name, err)
	}
	return parsed, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
