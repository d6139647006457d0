package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantsConfig holds map of tenant overrides
type TenantsConfig struct {
	Tenants map[string]Config `yaml:"tenants"`
}

// Manager handles dynamic configuration resolution
type Manager struct {
	globalConfig  *Config
	tenantConfigs map[string]Config
	mu            sync.RWMutex
}

// NewManager loads both master and tenant configs
func NewManager(masterPath, tenantsPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(tenantsPath)
	if err != nil {
		// If tenants file missing, just use empty map
		if os.IsNotExist(err) {
			return &Manager{globalConfig: master, tenantConfigs: make(map[string]Config)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return nil, err
	}

	return &Manager{
		globalConfig:  master,
		tenantConfigs: tc.Tenants,
	}, nil
}

// Get returns the effective config for a tenant, merging tenant
// overrides on top of the global config.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig

	if override, ok := m.tenantConfigs[tenantID]; ok {
		if override.Federation.HandshakeTimeoutMinutes != 0 {
			effective.Federation = override.Federation
		}
		if override.Ingest.MaxObservationAgeH != 0 {
			effective.Ingest = override.Ingest
		}
		if override.Containment.MaxTTLHours != 0 {
			effective.Containment = override.Containment
		}
		if override.Audit.PostgresDSN != "" {
			effective.Audit = override.Audit
		}
		if override.Redis.Addr != "" {
			effective.Redis = override.Redis
		}
	}

	return &effective
}
