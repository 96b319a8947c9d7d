// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xkilldash9x/wweb/pkg/auth"
	"github.com/xkilldash9x/wweb/pkg/browser"
	"github.com/xkilldash9x/wweb/pkg/whatsapp"
)

// Interface defines the contract for accessing application configuration.
// Commands depend on it so tests can hand them a tailored config.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Session() SessionConfig
	Client() ClientConfig
	Metrics() MetricsConfig

	SetBrowserHeadless(bool)
	SetSessionName(string)
	SetSessionStrategy(string)
	SetMetricsAddress(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	BrowserCfg BrowserConfig `mapstructure:"browser" yaml:"browser"`
	SessionCfg SessionConfig `mapstructure:"session" yaml:"session"`
	ClientCfg  ClientConfig  `mapstructure:"client" yaml:"client"`
	MetricsCfg MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

var _ Interface = (*Config)(nil)

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Session() SessionConfig { return c.SessionCfg }
func (c *Config) Client() ClientConfig   { return c.ClientCfg }
func (c *Config) Metrics() MetricsConfig { return c.MetricsCfg }

func (c *Config) SetBrowserHeadless(b bool)     { c.BrowserCfg.Headless = b }
func (c *Config) SetSessionName(name string)    { c.SessionCfg.Name = name }
func (c *Config) SetSessionStrategy(s string)   { c.SessionCfg.Strategy = s }
func (c *Config) SetMetricsAddress(addr string) { c.MetricsCfg.Address = addr }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig controls the Chrome process behind a session.
type BrowserConfig struct {
	Headless   bool     `mapstructure:"headless" yaml:"headless"`
	DisableGPU bool     `mapstructure:"disable_gpu" yaml:"disable_gpu"`
	NoSandbox  bool     `mapstructure:"no_sandbox" yaml:"no_sandbox"`
	ExecPath   string   `mapstructure:"exec_path" yaml:"exec_path"`
	UserAgent  string   `mapstructure:"user_agent" yaml:"user_agent"`
	Proxy      string   `mapstructure:"proxy" yaml:"proxy"`
	BypassCSP  bool     `mapstructure:"bypass_csp" yaml:"bypass_csp"`
	Args       []string `mapstructure:"args" yaml:"args"`
}

// SessionConfig selects where and how authenticated sessions are kept.
type SessionConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	// Strategy is "ephemeral" (credential snapshot) or "profile" (persistent browser profile).
	Strategy string `mapstructure:"strategy" yaml:"strategy"`
	DataPath string `mapstructure:"data_path" yaml:"data_path"`
}

// ClientConfig tunes the WhatsApp client lifecycle and outbound pacing.
type ClientConfig struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	ReadyTimeout    time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
	SelectorTimeout time.Duration `mapstructure:"selector_timeout" yaml:"selector_timeout"`
	QRMaxRetries    int           `mapstructure:"qr_max_retries" yaml:"qr_max_retries"`
	PreReadyBuffer  int           `mapstructure:"pre_ready_buffer" yaml:"pre_ready_buffer"`
	SendRate        float64       `mapstructure:"send_rate" yaml:"send_rate"`
	SendBurst       int           `mapstructure:"send_burst" yaml:"send_burst"`
}

// MetricsConfig controls the prometheus endpoint served by the run command.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration key. Keys without a
// default are invisible to AutomaticEnv, so every key is listed here.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "wweb")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	def := browser.DefaultConfig()
	v.SetDefault("browser.headless", def.Headless)
	v.SetDefault("browser.disable_gpu", false)
	v.SetDefault("browser.no_sandbox", def.NoSandbox)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_agent", def.UserAgent)
	v.SetDefault("browser.proxy", "")
	v.SetDefault("browser.bypass_csp", def.BypassCSP)
	v.SetDefault("browser.args", []string{})

	// -- Session --
	v.SetDefault("session.name", "default")
	v.SetDefault("session.strategy", "ephemeral")
	v.SetDefault("session.data_path", auth.DefaultDataPath)

	// -- Client --
	opts := whatsapp.DefaultOptions()
	v.SetDefault("client.url", opts.URL)
	v.SetDefault("client.ready_timeout", opts.ReadyTimeout)
	v.SetDefault("client.selector_timeout", opts.SelectorTimeout)
	v.SetDefault("client.qr_max_retries", opts.QRMaxRetries)
	v.SetDefault("client.pre_ready_buffer", opts.PreReadyBuffer)
	v.SetDefault("client.send_rate", 1.0)
	v.SetDefault("client.send_burst", 3)

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", "127.0.0.1:9464")
	v.SetDefault("metrics.path", "/metrics")
}

// NewConfigFromViper creates a validated configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := auth.ValidateName(c.SessionCfg.Name); err != nil {
		return fmt.Errorf("session.name: %w", err)
	}
	if _, err := auth.ParseKind(c.SessionCfg.Strategy); err != nil {
		return fmt.Errorf("session.strategy: %w", err)
	}
	if err := c.ClientCfg.Validate(); err != nil {
		return fmt.Errorf("client configuration invalid: %w", err)
	}
	if c.MetricsCfg.Enabled && strings.TrimSpace(c.MetricsCfg.Address) == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}
	return nil
}

// Validate checks the client settings.
func (cc *ClientConfig) Validate() error {
	if cc.ReadyTimeout < 0 || cc.SelectorTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if cc.QRMaxRetries < 0 {
		return fmt.Errorf("qr_max_retries must not be negative")
	}
	if cc.PreReadyBuffer < 0 {
		return fmt.Errorf("pre_ready_buffer must not be negative")
	}
	if cc.SendRate < 0 {
		return fmt.Errorf("send_rate must not be negative")
	}
	return nil
}

// StoreKind returns the parsed session strategy.
func (s SessionConfig) StoreKind() (auth.Kind, error) {
	return auth.ParseKind(s.Strategy)
}

// BrowserOptions converts the browser section into launch settings.
func (c *Config) BrowserOptions() browser.Config {
	b := c.BrowserCfg
	return browser.Config{
		Headless:   b.Headless,
		DisableGPU: b.DisableGPU,
		NoSandbox:  b.NoSandbox,
		ExecPath:   b.ExecPath,
		UserAgent:  b.UserAgent,
		Proxy:      b.Proxy,
		BypassCSP:  b.BypassCSP,
		Args:       append([]string(nil), b.Args...),
	}
}

// ClientOptions converts the session, client and browser sections into client options.
func (c *Config) ClientOptions() whatsapp.Options {
	cc := c.ClientCfg
	return whatsapp.Options{
		SessionName:     c.SessionCfg.Name,
		URL:             cc.URL,
		ReadyTimeout:    cc.ReadyTimeout,
		SelectorTimeout: cc.SelectorTimeout,
		QRMaxRetries:    cc.QRMaxRetries,
		PreReadyBuffer:  cc.PreReadyBuffer,
		SendRate:        cc.SendRate,
		SendBurst:       cc.SendBurst,
		Browser:         c.BrowserOptions(),
	}
}
