// Package config handles agent configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/contoso/adu-agent/internal/retry"
)

// DefaultSearchPaths returns the config file search order.
// An explicit folder (from --config-folder) is checked first.
// Then: ./config.yaml, /config/config.yaml, /etc/adu-agent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/adu-agent/config.yaml")
	return paths
}

// searchPathsFunc is indirected so tests can stub it without touching the
// real filesystem.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If folder is non-empty, config.yaml
// must exist under it. Otherwise, searches searchPathsFunc() and returns
// the first that exists.
func FindConfig(folder string) (string, error) {
	if folder != "" {
		p := filepath.Join(folder, "config.yaml")
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("config file not found in %s: %w", folder, err)
		}
		return p, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// ConnectionType selects how the agent obtains its MQTT broker settings
// (spec section 6).
type ConnectionType string

const (
	ConnectionAIS    ConnectionType = "AIS"
	ConnectionString ConnectionType = "string"
	ConnectionBroker ConnectionType = "mqttBroker"
)

// Config holds the full agent configuration record (spec section 6).
type Config struct {
	ConnectionType ConnectionType `yaml:"connectionType"`
	ConnectionData string         `yaml:"connectionData"`
	RunAs          string         `yaml:"runas"`

	Manufacturer               string            `yaml:"manufacturer"`
	Model                      string            `yaml:"model"`
	AdditionalDeviceProperties map[string]string `yaml:"additionalDeviceProperties"`

	MQTTBroker MQTTBrokerConfig `yaml:"mqttBroker"`

	EnrollRequest OperationConfig `yaml:"enr_req"`
	AgentInfoReq  OperationConfig `yaml:"ainfo_req"`
	UpdateRequest OperationConfig `yaml:"upd_req"`

	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
}

// MQTTBrokerConfig is the "mqttBroker.*" block from spec section 6,
// feeding internal/channel.ConnectionSettings.
type MQTTBrokerConfig struct {
	Hostname           string `yaml:"hostname"`
	TCPPort            int    `yaml:"tcpPort"`
	UseTLS             bool   `yaml:"useTLS"`
	CleanSession       bool   `yaml:"cleanSession"`
	MQTTVersion        int    `yaml:"mqttVersion"`
	KeepAliveInSeconds int    `yaml:"keepAliveInSeconds"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	CAFile          string `yaml:"caFile"`
	CertFile        string `yaml:"certFile"`
	KeyFile         string `yaml:"keyFile"`
	KeyFilePassword string `yaml:"keyFilePassword"`

	UseOSCerts bool `yaml:"useOSCerts"`
}

// OperationConfig is one topic module's interval/timeout/retry tuning
// block (spec section 6: retry tuning under enr_req.{...}).
type OperationConfig struct {
	IntervalSeconds int               `yaml:"intervalSeconds"`
	TimeoutSeconds  int               `yaml:"timeoutSeconds"`
	RetryParams     []RetryParamsYAML `yaml:"retryParams"`
}

// RetryParamsYAML is one entry of OperationConfig.RetryParams, keyed by
// category name so the file can override any subset of categories.
type RetryParamsYAML struct {
	Category         string `yaml:"category"`
	InitialDelayMs   int    `yaml:"initialDelayMs"`
	MaxDelaySecs     int    `yaml:"maxDelaySecs"`
	MaxJitterPercent int    `yaml:"maxJitterPercent"`
	MaxRetries       int    `yaml:"maxRetries"`
}

// RetryParamsMap resolves OperationConfig.RetryParams into the
// category-keyed map internal/retry.Context expects, falling back to
// retry.DefaultParamsFor for any category not present in configuration.
func (o OperationConfig) RetryParamsMap() map[retry.Category]retry.Params {
	out := map[retry.Category]retry.Params{
		retry.CategoryDefault:          retry.DefaultParamsFor(retry.CategoryDefault),
		retry.CategoryClientTransient:  retry.DefaultParamsFor(retry.CategoryClientTransient),
		retry.CategoryServiceTransient: retry.DefaultParamsFor(retry.CategoryServiceTransient),
		retry.CategoryNonRecoverable:   retry.DefaultParamsFor(retry.CategoryNonRecoverable),
	}
	for _, rp := range o.RetryParams {
		cat, ok := parseCategory(rp.Category)
		if !ok {
			continue
		}
		out[cat] = retry.Params{
			InitialDelayMs:   rp.InitialDelayMs,
			MaxDelaySecs:     rp.MaxDelaySecs,
			MaxJitterPercent: rp.MaxJitterPercent,
			MaxRetries:       rp.MaxRetries,
		}
	}
	return out
}

func parseCategory(s string) (retry.Category, bool) {
	switch s {
	case "Default":
		return retry.CategoryDefault, true
	case "ClientTransient":
		return retry.CategoryClientTransient, true
	case "ServiceTransient":
		return retry.CategoryServiceTransient, true
	case "NonRecoverable":
		return retry.CategoryNonRecoverable, true
	default:
		return 0, false
	}
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${ADU_CONNECTION_STRING}). This
	// is a convenience for container deployments; the recommended approach
	// is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults. Called
// automatically by Load. After this, callers can read any field without
// checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.MQTTBroker.TCPPort == 0 {
		if c.MQTTBroker.UseTLS {
			c.MQTTBroker.TCPPort = 8883
		} else {
			c.MQTTBroker.TCPPort = 1883
		}
	}
	if c.MQTTBroker.MQTTVersion == 0 {
		c.MQTTBroker.MQTTVersion = 5
	}
	if c.MQTTBroker.KeepAliveInSeconds == 0 {
		c.MQTTBroker.KeepAliveInSeconds = 60
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	applyOperationDefaults(&c.EnrollRequest, 30, 180)
	applyOperationDefaults(&c.AgentInfoReq, 30, 180)
	applyOperationDefaults(&c.UpdateRequest, 30, 180)
}

func applyOperationDefaults(o *OperationConfig, intervalSecs, timeoutSecs int) {
	if o.IntervalSeconds == 0 {
		o.IntervalSeconds = intervalSecs
	}
	if o.TimeoutSeconds == 0 {
		o.TimeoutSeconds = timeoutSecs
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	switch c.ConnectionType {
	case ConnectionAIS, ConnectionString, ConnectionBroker:
	case "":
		return fmt.Errorf("connectionType is required")
	default:
		return fmt.Errorf("unknown connectionType %q", c.ConnectionType)
	}

	if c.ConnectionType == ConnectionBroker {
		if c.MQTTBroker.Hostname == "" {
			return fmt.Errorf("mqttBroker.hostname is required for connectionType mqttBroker")
		}
		if c.MQTTBroker.TCPPort < 1 || c.MQTTBroker.TCPPort > 65535 {
			return fmt.Errorf("mqttBroker.tcpPort %d out of range (1-65535)", c.MQTTBroker.TCPPort)
		}
	}

	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}
