package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the websocket gateway's HTTP bind address.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls the pooled connection used for graph reads
// (accounts, policies, resources) and the PolicyAuthorization write path.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// ReplicationConfig controls the dedicated logical replication connection
// (C2): publication, slot, tables, lag thresholds and flush policy.
// ReconnectMin and ReconnectMax are not read; the Replication Manager (C3)
// retries on its own fixed schedule.
type ReplicationConfig struct {
	DSN             string        `json:"dsn" env:"REPLICATION_DSN"`
	PublicationName string        `json:"publication_name" env:"REPLICATION_PUBLICATION_NAME"`
	SlotName        string        `json:"slot_name" env:"REPLICATION_SLOT_NAME"`
	Tables          []string      `json:"tables" yaml:"tables"`
	Region          string        `json:"region" env:"REPLICATION_REGION"`
	LagWarnSeconds  float64       `json:"lag_warn_seconds" env:"REPLICATION_LAG_WARN_SECONDS"`
	LagCritSeconds  float64       `json:"lag_crit_seconds" env:"REPLICATION_LAG_CRIT_SECONDS"`
	FlushBufferSize int           `json:"flush_buffer_size" env:"REPLICATION_FLUSH_BUFFER_SIZE"`
	FlushInterval   time.Duration `json:"flush_interval" env:"REPLICATION_FLUSH_INTERVAL"`
	ReconnectMin    time.Duration `json:"reconnect_min" env:"REPLICATION_RECONNECT_MIN"`
	ReconnectMax    time.Duration `json:"reconnect_max" env:"REPLICATION_RECONNECT_MAX"`
}

// PresenceConfig controls the NOTIFY/LISTEN-based gossip channel (C7).
type PresenceConfig struct {
	Channel          string        `json:"channel" env:"PRESENCE_CHANNEL"`
	DebounceInterval time.Duration `json:"debounce_interval" env:"PRESENCE_DEBOUNCE_INTERVAL"`
	HeartbeatTTL     time.Duration `json:"heartbeat_ttl" env:"PRESENCE_HEARTBEAT_TTL"`
}

// FlowConfig controls the Flow Handshake actor (C8).
type FlowConfig struct {
	HandshakeTimeout time.Duration `json:"handshake_timeout" env:"FLOW_HANDSHAKE_TIMEOUT"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// MetricsConfig controls the Prometheus metrics surface.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" env:"METRICS_ENABLED"`
	Path    string `json:"path" env:"METRICS_PATH"`
}

// AuthConfig controls HTTP/websocket authentication and the serving-node
// service-to-service JWT used to authenticate flow-handshake replies.
type AuthConfig struct {
	JWTSecret         string        `json:"jwt_secret" env:"AUTH_JWT_SECRET"`
	ServiceTokenTTL   time.Duration `json:"service_token_ttl" env:"AUTH_SERVICE_TOKEN_TTL"`
	CreateFlowRateRPS float64       `json:"create_flow_rate_rps" env:"AUTH_CREATE_FLOW_RATE_RPS"`
	CreateFlowBurst   int           `json:"create_flow_burst" env:"AUTH_CREATE_FLOW_BURST"`
	// NodePublicKeyPEM verifies the RS256 service tokens serving nodes present
	// on /ws/node, per infrastructure/serviceauth's ServiceClaims shape.
	NodePublicKeyPEM string `json:"node_public_key_pem" env:"AUTH_NODE_PUBLIC_KEY_PEM"`
}

// TracingConfig configures OTLP/Tracing exporters.
type TracingConfig struct {
	Endpoint           string            `json:"endpoint" env:"TRACING_OTLP_ENDPOINT"`
	Insecure           bool              `json:"insecure" env:"TRACING_OTLP_INSECURE"`
	ServiceName        string            `json:"service_name" env:"TRACING_SERVICE_NAME"`
	ResourceAttributes map[string]string `json:"resource_attributes" mapstructure:"resource_attributes"`
	AttributesEnv      string            `json:"-" yaml:"-" env:"TRACING_OTLP_ATTRIBUTES"`
}

// Config is the top-level configuration structure for cmd/gateway.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Database    DatabaseConfig    `json:"database"`
	Replication ReplicationConfig `json:"replication"`
	Presence    PresenceConfig    `json:"presence"`
	Flow        FlowConfig        `json:"flow"`
	Logging     LoggingConfig     `json:"logging"`
	Metrics     MetricsConfig     `json:"metrics"`
	Auth        AuthConfig        `json:"auth"`
	Tracing     TracingConfig     `json:"tracing"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Replication: ReplicationConfig{
			PublicationName: "accessplane_changes",
			SlotName:        "accessplane_gateway",
			LagWarnSeconds:  5,
			LagCritSeconds:  30,
			FlushBufferSize: 256,
			FlushInterval:   time.Second,
			ReconnectMin:    time.Second,
			ReconnectMax:    30 * time.Second,
		},
		Presence: PresenceConfig{
			Channel:          "accessplane_presence",
			DebounceInterval: 200 * time.Millisecond,
			HeartbeatTTL:     30 * time.Second,
		},
		Flow: FlowConfig{
			HandshakeTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "accessplane",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Auth: AuthConfig{
			ServiceTokenTTL:   5 * time.Minute,
			CreateFlowRateRPS: 5,
			CreateFlowBurst:   10,
		},
		Tracing: TracingConfig{},
	}
}

// ConnectionString builds a PostgreSQL connection string using host parameters.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	cfg.normalize()

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig reads a JSON config file over the defaults, then applies the
// DATABASE_URL overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

// applyDatabaseURLOverride aligns config loading with cmd/gateway: DATABASE_URL
// overrides any file-based DSN to reduce setup friction.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if dsn := strings.TrimSpace(os.Getenv("REPLICATION_DATABASE_URL")); dsn != "" {
		cfg.Replication.DSN = dsn
	}
}

func (t *TracingConfig) normalize() {
	if t == nil {
		return
	}
	t.MergeAttributes(t.AttributesEnv)
}

// MergeAttributes merges comma-separated key=value pairs into ResourceAttributes.
func (t *TracingConfig) MergeAttributes(raw string) {
	if t == nil {
		return
	}
	pairs := parseAttributePairs(raw)
	if len(pairs) == 0 {
		return
	}
	if t.ResourceAttributes == nil {
		t.ResourceAttributes = make(map[string]string, len(pairs))
	}
	for k, v := range pairs {
		if k == "" {
			continue
		}
		t.ResourceAttributes[k] = v
	}
}

func parseAttributePairs(raw string) map[string]string {
	result := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.TrimSpace(kv[0])
		if key == "" {
			continue
		}
		val := ""
		if len(kv) > 1 {
			val = strings.TrimSpace(kv[1])
		}
		result[key] = val
	}
	return result
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Tracing.normalize()
}
