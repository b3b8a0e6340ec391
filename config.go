package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	optional "github.com/TBXark/optional-go"
	"github.com/go-sphere/confstore"
	"github.com/go-sphere/confstore/codec"
	"github.com/go-sphere/confstore/provider"
	"github.com/go-sphere/confstore/provider/file"
	"github.com/go-sphere/confstore/provider/http"
)

// configHome is where the default config.json lives.
func configHome() string {
	if v := strings.TrimSpace(os.Getenv("MCPHERD_CONFIG_HOME")); v != "" {
		return filepath.Clean(v)
	}
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "mcpherd")
	}
	return filepath.Join(os.Getenv("HOME"), ".config", "mcpherd")
}

func defaultConfigPath() string {
	return filepath.Join(configHome(), "config.json")
}

const (
	defaultSocketPath     = "/tmp/mcpherd.sock"
	defaultRequestTimeout = 30 * time.Second
	defaultIdleTimeout    = time.Hour
	defaultHTTPHost       = "127.0.0.1"
	defaultHTTPPort       = 8787
)

// BackendConfig describes one child process. The map key in Config.Backends
// is the backend name.
type BackendConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// HTTPConfig controls the Streamable HTTP listener. All fields are optional
// so a config file can set only what it cares about.
type HTTPConfig struct {
	Enabled            optional.Field[bool]   `json:"enabled,omitempty"`
	Host               optional.Field[string] `json:"host,omitempty"`
	Port               optional.Field[int]    `json:"port,omitempty"`
	IdleTimeoutSeconds optional.Field[int]    `json:"idleTimeoutSeconds,omitempty"`
}

func (h *HTTPConfig) enabled() bool {
	if h == nil {
		return false
	}
	return h.Enabled.OrElse(false)
}

func (h *HTTPConfig) addr() string {
	host := defaultHTTPHost
	port := defaultHTTPPort
	if h != nil {
		host = h.Host.OrElse(defaultHTTPHost)
		port = h.Port.OrElse(defaultHTTPPort)
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func (h *HTTPConfig) idleTimeout() time.Duration {
	if h == nil {
		return defaultIdleTimeout
	}
	secs := h.IdleTimeoutSeconds.OrElse(int(defaultIdleTimeout / time.Second))
	if secs <= 0 {
		return defaultIdleTimeout
	}
	return time.Duration(secs) * time.Second
}

type Config struct {
	SocketPath            string                   `json:"socketPath,omitempty"`
	RequestTimeoutSeconds int                      `json:"requestTimeoutSeconds,omitempty"`
	Backends              map[string]BackendConfig `json:"mcpServers"`
	HTTP                  *HTTPConfig              `json:"http,omitempty"`
}

func (c *Config) socketPath() string {
	if c.SocketPath != "" {
		return c.SocketPath
	}
	return defaultSocketPath
}

func (c *Config) requestTimeout() time.Duration {
	if c.RequestTimeoutSeconds > 0 {
		return time.Duration(c.RequestTimeoutSeconds) * time.Second
	}
	return defaultRequestTimeout
}

// validBackendName rejects names that could alias paths or methods.
func validBackendName(name string) bool {
	if name == "" {
		return false
	}
	if strings.Contains(name, "/") || strings.Contains(name, "..") {
		return false
	}
	return true
}

func (c *Config) validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("no backends configured")
	}
	for name, backend := range c.Backends {
		if !validBackendName(name) {
			return fmt.Errorf("invalid backend name %q", name)
		}
		if strings.TrimSpace(backend.Command) == "" {
			return fmt.Errorf("backend %q has no command", name)
		}
	}
	return nil
}

func newConfigProvider(path string) provider.Provider {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return http.New(path)
	}
	return file.New(path)
}

func loadConfig(path string) (*Config, error) {
	conf, err := confstore.Load[Config](newConfigProvider(path), codec.JsonCodec())
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}
