package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Manager watches the config file and re-applies reloadable sections. Only
// prompt template overrides are hot-reloaded; everything else requires a
// restart because it re-wires constructed components.
type Manager struct {
	logger *zap.Logger
	v      *viper.Viper

	mu        sync.Mutex
	current   *Config
	listeners []func(*Config)
}

// NewManager loads the configuration and starts watching path when given.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	v := newViper(path)
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m := &Manager{logger: logger, v: v, current: &cfg}

	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			m.reload(e)
		})
		v.WatchConfig()
	}
	return m, nil
}

// Current returns the active configuration.
func (m *Manager) Current() *Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// OnReload registers a callback invoked with the new configuration after a
// successful reload. Used to swap prompt templates into the shared builder.
func (m *Manager) OnReload(fn func(*Config)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Manager) reload(e fsnotify.Event) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		m.logger.Error("Config reload failed, keeping previous configuration",
			zap.String("file", e.Name),
			zap.Error(err),
		)
		return
	}
	if err := cfg.validate(); err != nil {
		m.logger.Error("Config reload rejected",
			zap.String("file", e.Name),
			zap.Error(err),
		)
		return
	}

	m.mu.Lock()
	m.current = &cfg
	listeners := append([]func(*Config){}, m.listeners...)
	m.mu.Unlock()

	m.logger.Info("Configuration reloaded", zap.String("file", e.Name))
	for _, fn := range listeners {
		fn(&cfg)
	}
}
