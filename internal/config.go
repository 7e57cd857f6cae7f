package internal

import (
	"fmt"
	"log/slog"
	"path/filepath"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App   ApplicationConfig `yaml:"app"`
	Data  DataConfig        `yaml:"data"`
	Sync  SyncConfig        `yaml:"sync"`
	Relay RelayConfig       `yaml:"relay"`
	Auth  AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Data.Validate(); err != nil {
		return err
	}
	if err := c.Sync.Validate(); err != nil {
		return err
	}
	if err := c.Relay.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// DataConfig holds the local data directory: the mnemonic file and the
// durable replica database live here.
type DataConfig struct {
	Dir string `yaml:"dir"`
}

// MnemonicPath returns the path of the mnemonic phrase file.
func (c *DataConfig) MnemonicPath() string {
	return filepath.Join(c.Dir, "mnemonic")
}

// ReplicaPath returns the path of the replica database.
func (c *DataConfig) ReplicaPath() string {
	return filepath.Join(c.Dir, "laguz.db")
}

// Validate validates the data configuration.
func (c *DataConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
	)
}

// SyncConfig holds relay client configuration. An empty server URL leaves
// the application fully offline (local-first still works).
type SyncConfig struct {
	ServerURL string `yaml:"server_url"`
	Namespace string `yaml:"namespace"`
}

// Validate validates the sync configuration.
func (c *SyncConfig) Validate() error {
	if c.Namespace == "" {
		c.Namespace = "taskmanager"
	}
	return nil
}

// RelayConfig holds the rendezvous relay server configuration, used by the
// relay subcommand.
type RelayConfig struct {
	Port int `yaml:"port"`
}

// Address returns the relay listen address.
func (c *RelayConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the relay configuration.
func (c *RelayConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Data: DataConfig{
			Dir: "./data",
		},
		Sync: SyncConfig{
			Namespace: "taskmanager",
		},
		Relay: RelayConfig{
			Port: 8090,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
