// File: internal/config/config_test.go
package config

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/wweb/pkg/auth"
	"github.com/xkilldash9x/wweb/pkg/whatsapp"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "wweb", cfg.Logger().ServiceName)
	assert.True(t, cfg.Browser().Headless)
	assert.Equal(t, "default", cfg.Session().Name)
	assert.Equal(t, "ephemeral", cfg.Session().Strategy)
	assert.Equal(t, auth.DefaultDataPath, cfg.Session().DataPath)
	assert.Equal(t, whatsapp.WhatsWebURL, cfg.Client().URL)
	assert.Equal(t, 60*time.Second, cfg.Client().ReadyTimeout)
	assert.Equal(t, 256, cfg.Client().PreReadyBuffer)
	assert.False(t, cfg.Metrics().Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics().Path)
	assert.NoError(t, cfg.Validate())
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Session Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.SessionCfg.Name = "../other"
		err := cfg.Validate()
		assert.ErrorIs(t, err, auth.ErrInvalidSessionName)
		assert.Contains(t, err.Error(), "session.name")

		cfg = NewDefaultConfig()
		cfg.SetSessionStrategy("pickle")
		err = cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "session.strategy")

		cfg.SetSessionStrategy("profile")
		assert.NoError(t, cfg.Validate())
	})

	t.Run("Client Validation", func(t *testing.T) {
		valid := NewDefaultConfig().ClientCfg
		assert.NoError(t, valid.Validate())

		negativeRate := valid
		negativeRate.SendRate = -1
		err := negativeRate.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "send_rate must not be negative")

		negativeQR := valid
		negativeQR.QRMaxRetries = -2
		assert.Error(t, negativeQR.Validate())

		negativeBuffer := valid
		negativeBuffer.PreReadyBuffer = -1
		assert.Error(t, negativeBuffer.Validate())

		negativeTimeout := valid
		negativeTimeout.ReadyTimeout = -time.Second
		assert.Error(t, negativeTimeout.Validate())
	})

	t.Run("Metrics Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.MetricsCfg.Enabled = true
		cfg.SetMetricsAddress(" ")
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "metrics.address is required")
	})
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
session:
  name: work
  strategy: profile
client:
  ready_timeout: 2m
  qr_max_retries: 3
browser:
  headless: false
  args: ["--lang=pt-BR"]
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, "work", cfg.Session().Name)
		kind, err := cfg.Session().StoreKind()
		require.NoError(t, err)
		assert.Equal(t, auth.KindProfile, kind)
		assert.Equal(t, 2*time.Minute, cfg.Client().ReadyTimeout)
		assert.Equal(t, 3, cfg.Client().QRMaxRetries)
		assert.False(t, cfg.Browser().Headless)
		assert.Equal(t, []string{"--lang=pt-BR"}, cfg.Browser().Args)
		// Defaults survive a partial file.
		assert.Equal(t, "info", cfg.Logger().Level)
		assert.Equal(t, 256, cfg.Client().PreReadyBuffer)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("client.send_rate", -5)

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "send_rate must not be negative")
	})

	t.Run("Environment Variable Override", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBufferString("session:\n  name: from-file\n")))

		v.SetEnvPrefix("WWEB")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
		t.Setenv("WWEB_SESSION_NAME", "from-env")
		t.Setenv("WWEB_CLIENT_SEND_RATE", "0.5")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.Session().Name)
		assert.Equal(t, 0.5, cfg.Client().SendRate)
	})
}

// -- Conversion Tests --

func TestClientOptions(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SetSessionName("sales")
	cfg.SetBrowserHeadless(false)
	cfg.BrowserCfg.Args = []string{"--lang=en"}
	cfg.ClientCfg.SendRate = 2

	opts := cfg.ClientOptions()
	assert.Equal(t, "sales", opts.SessionName)
	assert.Equal(t, whatsapp.WhatsWebURL, opts.URL)
	assert.Equal(t, 2.0, opts.SendRate)
	assert.False(t, opts.Browser.Headless)
	assert.Equal(t, []string{"--lang=en"}, opts.Browser.Args)

	// The browser args are copied, not shared.
	opts.Browser.Args[0] = "--changed"
	assert.Equal(t, "--lang=en", cfg.Browser().Args[0])
}
