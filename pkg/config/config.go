// Package config loads server configuration from the yaml config file,
// command-line flags and the environment. Precedence: flags > env >
// file > defaults.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Environment variables consumed by the core.
const (
	EnvControlDir = "VIBETUNNEL_CONTROL_DIR"
	EnvNoAuth     = "VIBETUNNEL_NO_AUTH"
	EnvJWTSecret  = "JWT_SECRET"
)

// Config is the process-wide configuration.
type Config struct {
	ControlDir string   `yaml:"control_dir"`
	Server     Server   `yaml:"server"`
	Security   Security `yaml:"security"`
	HQ         HQ       `yaml:"hq"`
	TLS        TLS      `yaml:"tls"`
	Ngrok      Ngrok    `yaml:"ngrok"`
	Advanced   Advanced `yaml:"advanced"`
}

type Server struct {
	Port       string `yaml:"port"`
	AccessMode string `yaml:"access_mode"` // "localhost" or "network"
	Bind       string `yaml:"bind"`
}

type Security struct {
	NoAuth    bool   `yaml:"no_auth"`
	JWTSecret string `yaml:"jwt_secret"`
}

// HQ configures federation. In HQ mode the server aggregates peers; in
// remote mode it registers itself with an HQ on startup.
type HQ struct {
	Enabled     bool   `yaml:"enabled"`      // run as HQ
	URL         string `yaml:"url"`          // HQ to register with (remote mode)
	Name        string `yaml:"name"`         // this server's name at the HQ
	BearerToken string `yaml:"bearer_token"` // token the HQ uses to call us
}

type TLS struct {
	Enabled    bool   `yaml:"enabled"`
	Port       string `yaml:"port"`
	Domain     string `yaml:"domain"`
	SelfSigned bool   `yaml:"self_signed"`
	CertPath   string `yaml:"cert_path"`
	KeyPath    string `yaml:"key_path"`
}

type Ngrok struct {
	Enabled   bool   `yaml:"enabled"`
	AuthToken string `yaml:"auth_token"`
}

type Advanced struct {
	DebugMode      bool `yaml:"debug_mode"`
	CleanupStartup bool `yaml:"cleanup_startup"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		ControlDir: filepath.Join(homeDir, ".vibetunnel", "control"),
		Server: Server{
			Port:       "4020",
			AccessMode: "localhost",
		},
		TLS: TLS{
			Port:       "4443",
			SelfSigned: true,
		},
	}
}

// LoadConfig reads the config file (creating it with defaults when
// missing) and applies environment overrides.
func LoadConfig(filename string) *Config {
	cfg := DefaultConfig()

	if filename != "" {
		if err := os.MkdirAll(filepath.Dir(filename), 0755); err == nil {
			data, err := os.ReadFile(filename)
			switch {
			case err == nil:
				if err := yaml.Unmarshal(data, cfg); err != nil {
					fmt.Printf("Warning: failed to parse config file: %v\n", err)
					cfg = DefaultConfig()
				}
			case os.IsNotExist(err):
				if err := cfg.Save(filename); err != nil {
					fmt.Printf("Warning: failed to save default config: %v\n", err)
				}
			default:
				fmt.Printf("Warning: failed to read config file: %v\n", err)
			}
		}
	}

	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	if dir := os.Getenv(EnvControlDir); dir != "" {
		c.ControlDir = dir
	}
	if v := os.Getenv(EnvNoAuth); v != "" {
		if noAuth, err := strconv.ParseBool(v); err == nil {
			c.Security.NoAuth = noAuth
		}
	}
	if secret := os.Getenv(EnvJWTSecret); secret != "" {
		c.Security.JWTSecret = secret
	}
}

// Save writes the configuration to file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0600)
}

// EnsureJWTSecret generates and stores a random secret when none is
// configured, so restarts keep issued tokens valid.
func (c *Config) EnsureJWTSecret(filename string) error {
	if c.Security.JWTSecret != "" {
		return nil
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("failed to generate JWT secret: %w", err)
	}
	c.Security.JWTSecret = hex.EncodeToString(raw)

	if filename != "" {
		if err := c.Save(filename); err != nil {
			return fmt.Errorf("failed to persist generated JWT secret: %w", err)
		}
	}
	return nil
}

// MergeFlags applies command line flags that the user actually set.
func (c *Config) MergeFlags(flags *pflag.FlagSet) {
	if flags.Changed("port") {
		if val, err := flags.GetString("port"); err == nil {
			c.Server.Port = val
		}
	}

	if flags.Changed("bind") {
		if val, err := flags.GetString("bind"); err == nil {
			c.Server.Bind = val
		}
	}

	if flags.Changed("localhost") {
		if val, err := flags.GetBool("localhost"); err == nil && val {
			c.Server.AccessMode = "localhost"
		}
	}

	if flags.Changed("network") {
		if val, err := flags.GetBool("network"); err == nil && val {
			c.Server.AccessMode = "network"
		}
	}

	if flags.Changed("control-dir") {
		if val, err := flags.GetString("control-dir"); err == nil {
			c.ControlDir = val
		}
	}

	if flags.Changed("no-auth") {
		if val, err := flags.GetBool("no-auth"); err == nil {
			c.Security.NoAuth = val
		}
	}

	if flags.Changed("hq") {
		if val, err := flags.GetBool("hq"); err == nil {
			c.HQ.Enabled = val
		}
	}

	if flags.Changed("hq-url") {
		if val, err := flags.GetString("hq-url"); err == nil {
			c.HQ.URL = val
		}
	}

	if flags.Changed("hq-name") {
		if val, err := flags.GetString("hq-name"); err == nil {
			c.HQ.Name = val
		}
	}

	if flags.Changed("hq-token") {
		if val, err := flags.GetString("hq-token"); err == nil {
			c.HQ.BearerToken = val
		}
	}

	if flags.Changed("tls") {
		if val, err := flags.GetBool("tls"); err == nil {
			c.TLS.Enabled = val
		}
	}

	if flags.Changed("tls-port") {
		if val, err := flags.GetString("tls-port"); err == nil {
			c.TLS.Port = val
		}
	}

	if flags.Changed("tls-domain") {
		if val, err := flags.GetString("tls-domain"); err == nil {
			c.TLS.Domain = val
			c.TLS.SelfSigned = false
		}
	}

	if flags.Changed("tls-cert") {
		if val, err := flags.GetString("tls-cert"); err == nil {
			c.TLS.CertPath = val
		}
	}

	if flags.Changed("tls-key") {
		if val, err := flags.GetString("tls-key"); err == nil {
			c.TLS.KeyPath = val
		}
	}

	if flags.Changed("ngrok") {
		if val, err := flags.GetBool("ngrok"); err == nil {
			c.Ngrok.Enabled = val
		}
	}

	if flags.Changed("ngrok-token") {
		if val, err := flags.GetString("ngrok-token"); err == nil && val != "" {
			c.Ngrok.AuthToken = val
		}
	}

	if flags.Changed("debug") {
		if val, err := flags.GetBool("debug"); err == nil {
			c.Advanced.DebugMode = val
		}
	}

	if flags.Changed("cleanup-startup") {
		if val, err := flags.GetBool("cleanup-startup"); err == nil {
			c.Advanced.CleanupStartup = val
		}
	}
}

// BindAddr resolves the listen address from bind/access-mode settings.
func (c *Config) BindAddr() string {
	if c.Server.Bind != "" {
		return c.Server.Bind + ":" + c.Server.Port
	}
	if c.Server.AccessMode == "network" {
		return "0.0.0.0:" + c.Server.Port
	}
	return "127.0.0.1:" + c.Server.Port
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.ControlDir == "" {
		return fmt.Errorf("control directory must not be empty")
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("invalid port %q", c.Server.Port)
	}
	if c.HQ.Enabled && c.HQ.URL != "" {
		return fmt.Errorf("--hq and --hq-url are mutually exclusive")
	}
	if c.HQ.URL != "" && c.HQ.Name == "" {
		return fmt.Errorf("--hq-name is required when registering with an HQ")
	}
	return nil
}
