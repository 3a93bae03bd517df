// Package config provides relay configuration loaded from environment variables.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/substrate-ai/relay/pkg/semver"
)

const logPrefix = "config:LoadConfig"

// DefaultAllowedCIDRs covers the overlay address ranges plus loopback.
var DefaultAllowedCIDRs = []string{"100.64.0.0/10", "fd7a:115c:a1e0::/48", "127.0.0.0/8", "::1/128"}

// Config holds configuration shared by every relay process.
type Config struct {
	// COMMS: connect to NATS at COMMSURL, or run an embedded server when COMMSEmbedded is set.
	COMMSURL      string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSEmbedded bool   `envconfig:"COMMS_EMBEDDED" default:"false"`
	COMMSName     string `envconfig:"SERVICE_NAME" default:"substrate-relay"`

	// Local command endpoint. EndpointAddr (loopback host:port) wins over EndpointSocket.
	EndpointSocket string        `envconfig:"ENDPOINT_SOCKET" default:"run/agent.sock"`
	EndpointAddr   string        `envconfig:"ENDPOINT_ADDR"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`

	// Config persistence: Postgres when DatabaseURL is set, otherwise ConfigFile.
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`
	ConfigFile    string `envconfig:"CONFIG_FILE" default:"run/agent-config.yaml"`

	// Agent host health endpoint. An empty HTTPHost binds loopback.
	HTTPHost           string        `envconfig:"HTTP_HOST" default:"127.0.0.1"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8081"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// More than TransportFailureLimit broken endpoint connections within
	// TransportFailureWindow stop the agent host so its supervisor restarts
	// it. Zero disables the limit.
	TransportFailureLimit  int           `envconfig:"TRANSPORT_FAILURE_LIMIT" default:"5"`
	TransportFailureWindow time.Duration `envconfig:"TRANSPORT_FAILURE_WINDOW" default:"1m"`

	// Relay gateway
	GatewayAddr         string   `envconfig:"GATEWAY_ADDR" default:"0.0.0.0:8780"`
	GatewayAllowedCIDRs []string `envconfig:"GATEWAY_ALLOWED_CIDRS"`
	GatewayAuthToken    string   `envconfig:"GATEWAY_AUTH_TOKEN"`
	GatewayRateLimit    float64  `envconfig:"GATEWAY_RATE_LIMIT" default:"20"`
	GatewayRateBurst    int      `envconfig:"GATEWAY_RATE_BURST" default:"40"`
	ProtocolConstraint  string   `envconfig:"PROTOCOL_CONSTRAINT" default:"^1.0.0"`

	// UI bridge
	BridgeAddr       string `envconfig:"BRIDGE_ADDR" default:"127.0.0.1:8790"`
	FieldAliasesFile string `envconfig:"UI_FIELD_ALIASES_FILE"`
	UIConstraint     string `envconfig:"UI_VERSION_CONSTRAINT"`

	// Supervisor
	SupervisorManifest string `envconfig:"SUPERVISOR_MANIFEST" default:"substrate.yaml"`
	SupervisorStateDir string `envconfig:"SUPERVISOR_STATE_DIR" default:"run"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	if len(c.GatewayAllowedCIDRs) == 0 {
		c.GatewayAllowedCIDRs = append([]string(nil), DefaultAllowedCIDRs...)
	}
	return &c, nil
}

// EndpointNetwork returns the network and address of the local command endpoint.
func (c *Config) EndpointNetwork() (network, address string) {
	if c.EndpointAddr != "" {
		return "tcp", c.EndpointAddr
	}
	return "unix", c.EndpointSocket
}

// HTTPListenAddr returns the agent host's health listen address.
func (c *Config) HTTPListenAddr() string {
	host := c.HTTPHost
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.HTTPPort))
}

// AllowedPrefixes parses GatewayAllowedCIDRs.
func (c *Config) AllowedPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.GatewayAllowedCIDRs))
	for _, s := range c.GatewayAllowedCIDRs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("%s - invalid GATEWAY_ALLOWED_CIDRS entry %q: %w", logPrefix, s, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

func (c *Config) validateEndpoint() error {
	network, addr := c.EndpointNetwork()
	if addr == "" {
		return fmt.Errorf("%s - ENDPOINT_SOCKET or ENDPOINT_ADDR is required", logPrefix)
	}
	if network == "tcp" {
		ap, err := netip.ParseAddrPort(addr)
		if err != nil {
			return fmt.Errorf("%s - ENDPOINT_ADDR must be ip:port: %w", logPrefix, err)
		}
		if !ap.Addr().IsLoopback() {
			return fmt.Errorf("%s - ENDPOINT_ADDR must be a loopback address, got %s", logPrefix, ap.Addr())
		}
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - REQUEST_TIMEOUT must be positive", logPrefix)
	}
	return nil
}

// ValidateForAgent checks required config when running the agent host.
func (c *Config) ValidateForAgent() error {
	if err := c.validateEndpoint(); err != nil {
		return err
	}
	if c.DatabaseURL == "" && c.ConfigFile == "" {
		return fmt.Errorf("%s - DATABASE_URL or CONFIG_FILE is required for agent", logPrefix)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("%s - HTTP_PORT out of range: %d", logPrefix, c.HTTPPort)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if c.TransportFailureLimit < 0 {
		return fmt.Errorf("%s - TRANSPORT_FAILURE_LIMIT must not be negative", logPrefix)
	}
	if c.TransportFailureLimit > 0 && c.TransportFailureWindow <= 0 {
		return fmt.Errorf("%s - TRANSPORT_FAILURE_WINDOW must be positive", logPrefix)
	}
	return nil
}

// ValidateForGateway checks required config when running the relay gateway.
func (c *Config) ValidateForGateway() error {
	if err := c.validateEndpoint(); err != nil {
		return err
	}
	if c.GatewayAddr == "" {
		return fmt.Errorf("%s - GATEWAY_ADDR is required for gateway", logPrefix)
	}
	prefixes, err := c.AllowedPrefixes()
	if err != nil {
		return err
	}
	if len(prefixes) == 0 {
		return fmt.Errorf("%s - GATEWAY_ALLOWED_CIDRS must not be empty", logPrefix)
	}
	if c.GatewayRateLimit <= 0 || c.GatewayRateBurst <= 0 {
		return fmt.Errorf("%s - GATEWAY_RATE_LIMIT and GATEWAY_RATE_BURST must be positive", logPrefix)
	}
	if c.ProtocolConstraint != "" {
		if _, err := semver.NewGate(c.ProtocolConstraint); err != nil {
			return fmt.Errorf("%s - invalid PROTOCOL_CONSTRAINT %q: %w", logPrefix, c.ProtocolConstraint, err)
		}
	}
	return nil
}

// ValidateForBridge checks required config when running the UI bridge.
func (c *Config) ValidateForBridge() error {
	if err := c.validateEndpoint(); err != nil {
		return err
	}
	ap, err := netip.ParseAddrPort(c.BridgeAddr)
	if err != nil {
		return fmt.Errorf("%s - BRIDGE_ADDR must be ip:port: %w", logPrefix, err)
	}
	if !ap.Addr().IsLoopback() {
		return fmt.Errorf("%s - BRIDGE_ADDR must be a loopback address, got %s", logPrefix, ap.Addr())
	}
	if c.UIConstraint != "" {
		if _, err := semver.NewGate(c.UIConstraint); err != nil {
			return fmt.Errorf("%s - invalid UI_VERSION_CONSTRAINT %q: %w", logPrefix, c.UIConstraint, err)
		}
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}
