package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Cell        CellConfig        `yaml:"cell"`
	Federation  FederationConfig  `yaml:"federation"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Containment ContainmentConfig `yaml:"containment"`
	Audit       AuditConfig       `yaml:"audit"`
	Redis       RedisConfig       `yaml:"redis"`
	Flags       FlagsConfig       `yaml:"flags"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type CellConfig struct {
	CellID   string `yaml:"cell_id"` // cell-<region>-<cluster>-<node>
	TenantID string `yaml:"tenant_id"`
}

type FederationConfig struct {
	HandshakeTimeoutMinutes int `yaml:"handshake_timeout_minutes"`
	CorrelationTTLHours     int `yaml:"correlation_ttl_hours"`
	MaxSkewSeconds          int `yaml:"max_skew_seconds"`
	NonceTTLSeconds         int `yaml:"nonce_ttl_seconds"`
}

type IngestConfig struct {
	RequireSigned      bool `yaml:"require_signed"`
	MaxObservationAgeH int  `yaml:"max_observation_age_hours"`
}

type ContainmentConfig struct {
	MaxTTLHours         int `yaml:"max_ttl_hours"`
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`
	IntentTTLMinutes    int `yaml:"intent_ttl_minutes"`
}

type AuditConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type FlagsConfig struct {
	FederationIdentity bool `yaml:"federation_identity"`
	ObservationIngest  bool `yaml:"observation_ingest"`
	BeliefAggregation  bool `yaml:"belief_aggregation"`
	ConflictDetection  bool `yaml:"conflict_detection"`
	Arbitration        bool `yaml:"arbitration"`
	IdentityContainment bool `yaml:"identity_containment"`
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// Default builds a config without a yaml file, from env and defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// applyEnv lets the environment override the file. Flags are the main
// runtime toggle surface.
func (c *Config) applyEnv() {
	if v := os.Getenv("MESHKERNEL_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("MESHKERNEL_CELL_ID"); v != "" {
		c.Cell.CellID = v
	}
	if v := os.Getenv("MESHKERNEL_TENANT_ID"); v != "" {
		c.Cell.TenantID = v
	}
	if v := os.Getenv("MESHKERNEL_AUDIT_PG_DSN"); v != "" {
		c.Audit.PostgresDSN = v
	}
	if v := os.Getenv("MESHKERNEL_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}

	envBool("MESHKERNEL_FLAG_FEDERATION_IDENTITY", &c.Flags.FederationIdentity)
	envBool("MESHKERNEL_FLAG_OBSERVATION_INGEST", &c.Flags.ObservationIngest)
	envBool("MESHKERNEL_FLAG_BELIEF_AGGREGATION", &c.Flags.BeliefAggregation)
	envBool("MESHKERNEL_FLAG_CONFLICT_DETECTION", &c.Flags.ConflictDetection)
	envBool("MESHKERNEL_FLAG_ARBITRATION", &c.Flags.Arbitration)
	envBool("MESHKERNEL_FLAG_IDENTITY_CONTAINMENT", &c.Flags.IdentityContainment)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Cell.CellID == "" {
		c.Cell.CellID = "cell-local-dev-0"
	}
	if c.Cell.TenantID == "" {
		c.Cell.TenantID = "default"
	}
	if c.Federation.HandshakeTimeoutMinutes == 0 {
		c.Federation.HandshakeTimeoutMinutes = 10
	}
	if c.Federation.CorrelationTTLHours == 0 {
		c.Federation.CorrelationTTLHours = 24
	}
	if c.Federation.MaxSkewSeconds == 0 {
		c.Federation.MaxSkewSeconds = 300
	}
	if c.Federation.NonceTTLSeconds == 0 {
		c.Federation.NonceTTLSeconds = 300
	}
	if c.Ingest.MaxObservationAgeH == 0 {
		c.Ingest.MaxObservationAgeH = 24
	}
	if c.Containment.MaxTTLHours == 0 {
		c.Containment.MaxTTLHours = 24
	}
	if c.Containment.TickIntervalSeconds == 0 {
		c.Containment.TickIntervalSeconds = 60
	}
	if c.Containment.IntentTTLMinutes == 0 {
		c.Containment.IntentTTLMinutes = 60
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
