// Package config loads and validates the control plane configuration from the environment
// and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// GRPCAddr is the health/admin gRPC listen address (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN. Empty selects the in-memory session store.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	Env         string `mapstructure:"APP_ENV"`

	// BeamlineID scopes sessions, policies, audit rows and topics.
	BeamlineID string `mapstructure:"BEAMLINE_ID"`
	// LoginType is "user" (one record per person) or "proposal".
	LoginType   string `mapstructure:"LOGIN_TYPE"`
	AllowRemote bool   `mapstructure:"ALLOW_REMOTE"`
	// SessionLifetime is the inactivity timeout after which a session is swept.
	SessionLifetime  string `mapstructure:"SESSION_LIFETIME"`
	SweepInterval    string `mapstructure:"SWEEP_INTERVAL"`
	SessionRetention string `mapstructure:"SESSION_RETENTION"`
	// InhouseUsers lists in-house identities as comma-separated code+number (e.g. "mx2,id231").
	InhouseUsers   string `mapstructure:"INHOUSE_USERS"`
	InhouseIsStaff bool   `mapstructure:"INHOUSE_IS_STAFF"`
	// UserRoles maps login ids to extra roles, "login=role" pairs separated by commas.
	UserRoles     string `mapstructure:"USER_ROLES"`
	LocalNetworks string `mapstructure:"LOCAL_NETWORKS"`
	// LimsAccountsFile is the YAML account file for the static LIMS.
	LimsAccountsFile string `mapstructure:"LIMS_ACCOUNTS_FILE"`

	// JWTPrivateKey and JWTPublicKey are PEM or file paths. Both empty selects an ephemeral key.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	JWTPublicKey  string `mapstructure:"JWT_PUBLIC_KEY"`
	JWTIssuer     string `mapstructure:"JWT_ISSUER"`
	JWTAudience   string `mapstructure:"JWT_AUDIENCE"`
	JWTAccessTTL  string `mapstructure:"JWT_ACCESS_TTL"`
	// BcryptCost is the bcrypt cost factor (4-31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// KafkaBrokers is a comma-separated broker list. Empty disables the Kafka event log.
	KafkaBrokers     string `mapstructure:"KAFKA_BROKERS"`
	NotifyKafkaTopic string `mapstructure:"NOTIFY_KAFKA_TOPIC"`
	// Worker-only.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	LokiURL      string `mapstructure:"LOKI_URL"`

	// MQTTBrokerURL (e.g. tcp://localhost:1883). Empty disables push notifications and the reset command.
	MQTTBrokerURL string `mapstructure:"MQTT_BROKER_URL"`
	MQTTClientID  string `mapstructure:"MQTT_CLIENT_ID"`
	MQTTUsername  string `mapstructure:"MQTT_USERNAME"`
	MQTTPassword  string `mapstructure:"MQTT_PASSWORD"`
	MQTTQoS       int    `mapstructure:"MQTT_QOS"`
}

// Load reads .env (if present), then builds and validates Config from the environment.
// A missing .env is ignored. Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()

	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("BEAMLINE_ID", "")
	v.SetDefault("LOGIN_TYPE", "proposal")
	v.SetDefault("ALLOW_REMOTE", false)
	v.SetDefault("SESSION_LIFETIME", "6h")
	v.SetDefault("SWEEP_INTERVAL", "30s")
	v.SetDefault("SESSION_RETENTION", "720h")
	v.SetDefault("INHOUSE_USERS", "")
	v.SetDefault("INHOUSE_IS_STAFF", true)
	v.SetDefault("USER_ROLES", "")
	v.SetDefault("LOCAL_NETWORKS", "")
	v.SetDefault("LIMS_ACCOUNTS_FILE", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "beamline-control")
	v.SetDefault("JWT_AUDIENCE", "beamline-clients")
	v.SetDefault("JWT_ACCESS_TTL", "12h")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("NOTIFY_KAFKA_TOPIC", "beamline-events")
	v.SetDefault("KAFKA_GROUP_ID", "beamline-event-archiver")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("MQTT_BROKER_URL", "")
	v.SetDefault("MQTT_CLIENT_ID", "")
	v.SetDefault("MQTT_USERNAME", "")
	v.SetDefault("MQTT_PASSWORD", "")
	v.SetDefault("MQTT_QOS", 1)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.MQTTClientID == "" {
		cfg.MQTTClientID = "beamline-control-" + cfg.BeamlineID
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.GRPCAddr == "" {
		return errors.New("config: GRPC_ADDR must be set")
	}
	if c.BeamlineID == "" {
		return errors.New("config: BEAMLINE_ID must be set")
	}
	switch strings.ToLower(strings.TrimSpace(c.LoginType)) {
	case "user", "proposal":
	default:
		return fmt.Errorf("config: LOGIN_TYPE must be user or proposal, got %q", c.LoginType)
	}
	for key, val := range map[string]string{
		"SESSION_LIFETIME":  c.SessionLifetime,
		"SWEEP_INTERVAL":    c.SweepInterval,
		"SESSION_RETENTION": c.SessionRetention,
	} {
		if d, err := time.ParseDuration(val); err != nil || d <= 0 {
			return fmt.Errorf("config: %s must be a positive duration, got %q", key, val)
		}
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = 12
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if (c.JWTPrivateKey == "") != (c.JWTPublicKey == "") {
		return errors.New("config: JWT_PRIVATE_KEY and JWT_PUBLIC_KEY must be set together")
	}
	if c.JWTPrivateKey == "" && c.Env == "production" {
		return errors.New("config: JWT keys are required when APP_ENV=production")
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return errors.New("config: MQTT_QOS must be 0, 1 or 2")
	}
	if _, err := parsePairs(c.UserRoles); err != nil {
		return err
	}
	return nil
}

// Lifetime is the session inactivity timeout.
func (c *Config) Lifetime() time.Duration { return mustDuration(c.SessionLifetime, 6*time.Hour) }

// SweepEvery is the interval between timeout sweeps.
func (c *Config) SweepEvery() time.Duration { return mustDuration(c.SweepInterval, 30*time.Second) }

// Retention is how long inactive one-off sessions are kept before purge.
func (c *Config) Retention() time.Duration { return mustDuration(c.SessionRetention, 720*time.Hour) }

// AccessTTL parses JWTAccessTTL. Returns 12h if unset or invalid.
func (c *Config) AccessTTL() time.Duration { return mustDuration(c.JWTAccessTTL, 12*time.Hour) }

func mustDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
func (c *Config) KafkaBrokersList() []string { return splitList(c.KafkaBrokers) }

// InhouseList returns the configured in-house identities.
func (c *Config) InhouseList() []string { return splitList(c.InhouseUsers) }

// LocalNetworksList returns the configured local CIDRs; empty means the defaults.
func (c *Config) LocalNetworksList() []string { return splitList(c.LocalNetworks) }

// UserRoleMap returns the login id to role mapping.
func (c *Config) UserRoleMap() map[string]string {
	m, _ := parsePairs(c.UserRoles)
	return m
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parsePairs(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range splitList(s) {
		k, v, ok := strings.Cut(item, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("config: USER_ROLES entry %q must be login=role", item)
		}
		out[k] = v
	}
	return out, nil
}
