// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// Components depend on this rather than on *Config so tests can hand in fixtures.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Backend() BackendConfig
	Agent() AgentConfig
	LLM() LLMConfig
	Recording() RecordingConfig
	Server() ServerConfig
	Store() StoreConfig

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserRemoteURL(string)

	// Agent Setters
	SetAgentMode(string)
	SetAgentMaxIterations(int)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	BrowserCfg   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	BackendCfg   BackendConfig   `mapstructure:"backend" yaml:"backend"`
	AgentCfg     AgentConfig     `mapstructure:"agent" yaml:"agent"`
	LLMCfg       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	RecordingCfg RecordingConfig `mapstructure:"recording" yaml:"recording"`
	ServerCfg    ServerConfig    `mapstructure:"server" yaml:"server"`
	StoreCfg     StoreConfig     `mapstructure:"store" yaml:"store"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig     { return c.BrowserCfg }
func (c *Config) Backend() BackendConfig     { return c.BackendCfg }
func (c *Config) Agent() AgentConfig         { return c.AgentCfg }
func (c *Config) LLM() LLMConfig             { return c.LLMCfg }
func (c *Config) Recording() RecordingConfig { return c.RecordingCfg }
func (c *Config) Server() ServerConfig       { return c.ServerCfg }
func (c *Config) Store() StoreConfig         { return c.StoreCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)    { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserRemoteURL(u string) { c.BrowserCfg.RemoteURL = u }
func (c *Config) SetAgentMode(m string)        { c.AgentCfg.Mode = m }
func (c *Config) SetAgentMaxIterations(n int)  { c.AgentCfg.MaxIterations = n }

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

// ViewportConfig is the tab's CSS viewport.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// BrowserConfig holds settings for the Chromium tab the agent drives.
type BrowserConfig struct {
	Headless bool `mapstructure:"headless" yaml:"headless"`
	// RemoteURL attaches to an already running browser (ws://host:9222/...) instead of launching one.
	RemoteURL         string         `mapstructure:"remote_url" yaml:"remote_url"`
	DisableGPU        bool           `mapstructure:"disable_gpu" yaml:"disable_gpu"`
	UserDataDir       string         `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	StartURL          string         `mapstructure:"start_url" yaml:"start_url"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration  `mapstructure:"action_timeout" yaml:"action_timeout"`
	ConnectRetries    int            `mapstructure:"connect_retries" yaml:"connect_retries"`
}

// BackendConfig points at the remote reasoning/transcription service.
type BackendConfig struct {
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst     int           `mapstructure:"burst" yaml:"burst"`
	UserAgent string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// AgentConfig tunes the observe/act loop and the action executor.
type AgentConfig struct {
	// Mode selects the conversation backend: "backend" (POST /api/chat) or "gemini" (direct planner).
	Mode              string        `mapstructure:"mode" yaml:"mode"`
	MaxIterations     int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	SettleDelay       time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	ActionDelay       time.Duration `mapstructure:"action_delay" yaml:"action_delay"`
	HighlightDuration time.Duration `mapstructure:"highlight_duration" yaml:"highlight_duration"`
	DefaultWait       time.Duration `mapstructure:"default_wait" yaml:"default_wait"`
	MagnifyScale      float64       `mapstructure:"magnify_scale" yaml:"magnify_scale"`
	IncludeScreenshot bool          `mapstructure:"include_screenshot" yaml:"include_screenshot"`
}

// Conversation modes for AgentConfig.Mode.
const (
	ModeBackend = "backend"
	ModeGemini  = "gemini"
)

// LLMConfig configures the direct Gemini planner.
type LLMConfig struct {
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Model       string        `mapstructure:"model" yaml:"model"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
}

// RecordingConfig holds the microphone capture and silence detector settings.
type RecordingConfig struct {
	Command          []string      `mapstructure:"command" yaml:"command"`
	SampleRate       int           `mapstructure:"sample_rate" yaml:"sample_rate"`
	SilenceThreshold float64       `mapstructure:"silence_threshold" yaml:"silence_threshold"`
	SilenceDuration  time.Duration `mapstructure:"silence_duration" yaml:"silence_duration"`
	SegmentDuration  time.Duration `mapstructure:"segment_duration" yaml:"segment_duration"`
	AnalysisInterval time.Duration `mapstructure:"analysis_interval" yaml:"analysis_interval"`
	AnalysisWindow   int           `mapstructure:"analysis_window" yaml:"analysis_window"`
}

// ServerConfig configures the side panel bridge.
type ServerConfig struct {
	Addr           string   `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// StoreConfig locates the local state database.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ResolvedPath expands a leading ~ in the configured store path.
func (s StoreConfig) ResolvedPath() (string, error) {
	if s.Path == "" || s.Path == ":memory:" {
		return s.Path, nil
	}
	return homedir.Expand(s.Path)
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

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pagepilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "red")

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.disable_gpu", true)
	v.SetDefault("browser.viewport.width", 1280)
	v.SetDefault("browser.viewport.height", 800)
	v.SetDefault("browser.start_url", "about:blank")
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.action_timeout", "10s")
	v.SetDefault("browser.connect_retries", 5)

	// -- Backend --
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.timeout", "60s")
	v.SetDefault("backend.rate_limit", 5.0)
	v.SetDefault("backend.burst", 5)
	v.SetDefault("backend.user_agent", "pagepilot-host")

	// -- Agent --
	v.SetDefault("agent.mode", "backend")
	v.SetDefault("agent.max_iterations", 10)
	v.SetDefault("agent.settle_delay", "1s")
	v.SetDefault("agent.action_delay", "300ms")
	v.SetDefault("agent.highlight_duration", "2s")
	v.SetDefault("agent.default_wait", "1s")
	v.SetDefault("agent.magnify_scale", 1.3)
	v.SetDefault("agent.include_screenshot", true)

	// -- LLM --
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.timeout", "90s")

	// -- Recording --
	v.SetDefault("recording.command", []string{"arecord", "-q", "-t", "raw", "-f", "S16_LE", "-c", "1", "-r", "16000"})
	v.SetDefault("recording.sample_rate", 16000)
	v.SetDefault("recording.silence_threshold", 0.08)
	v.SetDefault("recording.silence_duration", "1400ms")
	v.SetDefault("recording.segment_duration", "7000ms")
	v.SetDefault("recording.analysis_interval", "16ms")
	v.SetDefault("recording.analysis_window", 2048)

	// -- Server --
	v.SetDefault("server.addr", "127.0.0.1:7878")
	v.SetDefault("server.allowed_origins", []string{})

	// -- Store --
	v.SetDefault("store.path", "~/.pagepilot/state.db")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets come from the environment, never the config file.
	_ = v.BindEnv("llm.api_key", "PAGEPILOT_GEMINI_API_KEY", "GEMINI_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.LLMCfg.APIKey == "" {
		cfg.LLMCfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.AgentCfg.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be a positive integer")
	}
	switch c.AgentCfg.Mode {
	case ModeBackend:
		if c.BackendCfg.BaseURL == "" {
			return fmt.Errorf("backend.base_url is required when agent.mode is backend")
		}
	case ModeGemini:
		if c.LLMCfg.APIKey == "" {
			return fmt.Errorf("llm.api_key is required when agent.mode is gemini")
		}
	default:
		return fmt.Errorf("agent.mode must be one of backend, gemini (got %q)", c.AgentCfg.Mode)
	}
	if c.AgentCfg.MagnifyScale <= 0 {
		return fmt.Errorf("agent.magnify_scale must be positive")
	}
	if c.BackendCfg.RateLimit <= 0 || c.BackendCfg.Burst <= 0 {
		return fmt.Errorf("backend.rate_limit and backend.burst must be positive")
	}
	if err := c.RecordingCfg.Validate(); err != nil {
		return fmt.Errorf("recording configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the silence detector and capture settings.
func (r *RecordingConfig) Validate() error {
	if r.SilenceThreshold <= 0 || r.SilenceThreshold >= 1 {
		return fmt.Errorf("silence_threshold must be between 0 and 1")
	}
	if r.SilenceDuration <= 0 {
		return fmt.Errorf("silence_duration must be a positive duration")
	}
	if r.AnalysisInterval <= 0 {
		return fmt.Errorf("analysis_interval must be a positive duration")
	}
	if r.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be a positive integer")
	}
	if r.AnalysisWindow <= 0 {
		return fmt.Errorf("analysis_window must be a positive integer")
	}
	return nil
}
