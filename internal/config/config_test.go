// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "pagepilot", cfg.Logger().ServiceName)
	assert.Equal(t, 10, cfg.Agent().MaxIterations)
	assert.Equal(t, time.Second, cfg.Agent().SettleDelay)
	assert.Equal(t, 300*time.Millisecond, cfg.Agent().ActionDelay)
	assert.InDelta(t, 1.3, cfg.Agent().MagnifyScale, 1e-9)
	assert.Equal(t, "backend", cfg.Agent().Mode)
	assert.InDelta(t, 0.08, cfg.Recording().SilenceThreshold, 1e-9)
	assert.Equal(t, 1400*time.Millisecond, cfg.Recording().SilenceDuration)
	assert.Equal(t, 7000*time.Millisecond, cfg.Recording().SegmentDuration)
	assert.Equal(t, 1280, cfg.Browser().Viewport.Width)
	assert.NoError(t, cfg.Validate())
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Core Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		assert.NoError(t, cfg.Validate(), "A valid config should not produce a validation error")

		invalidIterations := *cfg
		invalidIterations.AgentCfg.MaxIterations = 0
		err := invalidIterations.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "agent.max_iterations must be a positive integer")

		invalidMode := *cfg
		invalidMode.AgentCfg.Mode = "carrier-pigeon"
		err = invalidMode.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "agent.mode must be one of backend, gemini")

		missingBackend := *cfg
		missingBackend.BackendCfg.BaseURL = ""
		err = missingBackend.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "backend.base_url is required")

		geminiNoBackend := missingBackend
		geminiNoBackend.AgentCfg.Mode = ModeGemini
		err = geminiNoBackend.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "llm.api_key is required")

		geminiNoBackend.LLMCfg.APIKey = "key"
		assert.NoError(t, geminiNoBackend.Validate(), "gemini mode does not need a backend URL")
	})

	t.Run("Recording Validation", func(t *testing.T) {
		valid := NewDefaultConfig().Recording()
		assert.NoError(t, valid.Validate())

		badThreshold := valid
		badThreshold.SilenceThreshold = 1.5
		err := badThreshold.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "silence_threshold must be between 0 and 1")

		badDuration := valid
		badDuration.SilenceDuration = -time.Second
		err = badDuration.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "silence_duration must be a positive duration")

		badWindow := valid
		badWindow.AnalysisWindow = 0
		assert.Error(t, badWindow.Validate())
	})
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
agent:
  max_iterations: 4
  settle_delay: 250ms
recording:
  silence_threshold: 0.05
  silence_duration: 900ms
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, 4, cfg.Agent().MaxIterations)
		assert.Equal(t, 250*time.Millisecond, cfg.Agent().SettleDelay)
		assert.InDelta(t, 0.05, cfg.Recording().SilenceThreshold, 1e-9)
		assert.Equal(t, 900*time.Millisecond, cfg.Recording().SilenceDuration)
		// Defaults still apply to keys the file leaves out.
		assert.Equal(t, "info", cfg.Logger().Level)
		assert.Equal(t, 7*time.Second, cfg.Recording().SegmentDuration)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("agent.max_iterations", 0)

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "agent.max_iterations must be a positive integer")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		t.Setenv("PAGEPILOT_GEMINI_API_KEY", "env-key-123")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "env-key-123", cfg.LLM().APIKey)
	})
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SetBrowserHeadless(true)
	cfg.SetBrowserRemoteURL("ws://127.0.0.1:9222/devtools/browser/abc")
	cfg.SetAgentMode("gemini")
	cfg.SetAgentMaxIterations(3)

	assert.True(t, cfg.Browser().Headless)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", cfg.Browser().RemoteURL)
	assert.Equal(t, "gemini", cfg.Agent().Mode)
	assert.Equal(t, 3, cfg.Agent().MaxIterations)
}

func TestStoreResolvedPath(t *testing.T) {
	mem := StoreConfig{Path: ":memory:"}
	p, err := mem.ResolvedPath()
	require.NoError(t, err)
	assert.Equal(t, ":memory:", p)

	abs := StoreConfig{Path: "/tmp/pagepilot/state.db"}
	p, err = abs.ResolvedPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/pagepilot/state.db", p)

	home := StoreConfig{Path: "~/state.db"}
	p, err = home.ResolvedPath()
	require.NoError(t, err)
	assert.NotContains(t, p, "~")
}
