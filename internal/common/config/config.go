// Package config provides configuration management for Behemoth.
// It supports loading configuration from environment variables, config
// files, and defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/kandev/kandev/internal/common/logger"
)

// Config holds all configuration sections for Behemoth.
type Config struct {
	Server  ServerConfig        `mapstructure:"server"`
	Command CommandConfig       `mapstructure:"command"`
	NATS    NATSConfig          `mapstructure:"nats"`
	SSH     SSHConfig           `mapstructure:"ssh"`
	Agent   AgentBinaryConfig   `mapstructure:"agent"`
	Stream  StreamConfig        `mapstructure:"stream"`
	Sync    SyncConfig          `mapstructure:"sync"`
	Workers []WorkerSeedConfig `mapstructure:"workers"`
	Logging logger.LoggingConfig `mapstructure:"logging"`
}

// WorkerSeedConfig statically seeds the Worker Registry at process
// start; there is no worker persistence layer in scope, so operators
// register workers by listing them in config rather than through an
// admin API.
type WorkerSeedConfig struct {
	ID              string            `mapstructure:"id"`
	Name            string            `mapstructure:"name"`
	TenantID        string            `mapstructure:"tenantId"`
	Host            string            `mapstructure:"host"`
	Port            int               `mapstructure:"port"`
	AccountUsername string            `mapstructure:"accountUsername"`
	Labels          []string          `mapstructure:"labels"`
	Platform        string            `mapstructure:"platform"`
	Env             map[string]string `mapstructure:"env"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// CommandConfig holds Command Store configuration.
type CommandConfig struct {
	// Driver selects the relational backend driver ("sqlite" only for now).
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`

	// SearchIndexEnabled switches the Command Store to the FTS5-backed
	// search-index backend instead of the plain relational one.
	SearchIndexEnabled bool `mapstructure:"searchIndexEnabled"`

	// MaxOutputLength truncates stored command output for the relational
	// backend; the search-index backend never truncates.
	MaxOutputLength int `mapstructure:"maxOutputLength"`

	// EncryptBundles toggles AES-CBC encryption of uploaded command bundles.
	EncryptBundles bool `mapstructure:"encryptBundles"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory task bus instead.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SSHConfig holds defaults for dialing remote workers.
type SSHConfig struct {
	ConnectTimeoutSeconds int    `mapstructure:"connectTimeoutSeconds"`
	DefaultPort           int    `mapstructure:"defaultPort"`
	KnownHostsPath        string `mapstructure:"knownHostsPath"`
	InsecureIgnoreHostKey bool   `mapstructure:"insecureIgnoreHostKey"`
}

// AgentBinaryConfig holds the local directory the agent binaries uploaded
// to workers are read from (one file per platform) and the remote temp
// directory.
type AgentBinaryConfig struct {
	LocalBinDir  string `mapstructure:"localBinDir"`
	RemoteTmpDir string `mapstructure:"remoteTmpDir"`
}

// StreamConfig holds Status Stream configuration.
type StreamConfig struct {
	// LogDir is where per-execution append-only status log files are
	// written, one file per execution ID.
	LogDir string `mapstructure:"logDir"`
}

// SyncConfig holds coordination-wait defaults for sync-plan starts
// (coordination-wait defaults for the start-sync-task endpoint).
type SyncConfig struct {
	// RequiredApprovers is the number of distinct identities that must
	// call start-sync-task before the batch actually starts.
	RequiredApprovers int `mapstructure:"requiredApprovers"`
	// WaitTimeoutSeconds is the pending-approvers set TTL; it resets on
	// each new approval and the set is cleared once it lapses.
	WaitTimeoutSeconds int `mapstructure:"waitTimeoutSeconds"`
}

// Load reads configuration from environment variables, config file, and
// defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BEHEMOTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/behemoth/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("command.driver", "sqlite")
	v.SetDefault("command.path", "./behemoth.db")
	v.SetDefault("command.searchIndexEnabled", false)
	v.SetDefault("command.maxOutputLength", 1024)
	v.SetDefault("command.encryptBundles", true)

	// empty URL means use the in-memory task bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "behemoth-dispatcher")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("ssh.connectTimeoutSeconds", 15)
	v.SetDefault("ssh.defaultPort", 22)
	v.SetDefault("ssh.knownHostsPath", "")
	v.SetDefault("ssh.insecureIgnoreHostKey", false)

	v.SetDefault("agent.localBinDir", "./bin/agent")
	v.SetDefault("agent.remoteTmpDir", "/tmp/behemoth")

	v.SetDefault("stream.logDir", "./behemoth-logs")

	v.SetDefault("sync.requiredApprovers", 2)
	v.SetDefault("sync.waitTimeoutSeconds", 3600)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}
