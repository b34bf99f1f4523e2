// Package config loads and saves the application configuration. API keys are
// never stored in the file; they come from the environment at startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// CompressionConfig tunes automatic history compression.
type CompressionConfig struct {
	// TokenThreshold is the fraction of the model's context window that
	// triggers compression. Zero means the built-in default of 0.7.
	TokenThreshold float64 `json:"token_threshold,omitempty"`
	// PreserveRecentTurns is how many trailing turns survive verbatim.
	PreserveRecentTurns int `json:"preserve_recent_turns,omitempty"`
}

// LoopConfig tunes loop detection. Zero values mean built-in defaults.
type LoopConfig struct {
	ToolCallThreshold     int  `json:"tool_call_threshold,omitempty"`
	ContentChunkSize      int  `json:"content_chunk_size,omitempty"`
	ContentChunkThreshold int  `json:"content_chunk_threshold,omitempty"`
	MaxIdleTurns          int  `json:"max_idle_turns,omitempty"`
	Disabled              bool `json:"disabled,omitempty"`
}

// Config represents application configuration
type Config struct {
	WorkingDir string `json:"working_dir"`

	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	// BaseURL points OpenAI-compatible providers at a custom endpoint.
	BaseURL string `json:"base_url,omitempty"`

	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`

	// SystemPrompt replaces the built-in system prompt when set.
	SystemPrompt string `json:"system_prompt,omitempty"`

	MaxTurns             int  `json:"max_turns,omitempty"`
	MaxSessionTokens     int  `json:"max_session_tokens,omitempty"`
	SkipNextSpeakerCheck bool `json:"skip_next_speaker_check,omitempty"`

	Compression CompressionConfig `json:"compression,omitempty"`
	Loop        LoopConfig        `json:"loop,omitempty"`

	RetryAttempts int `json:"retry_attempts,omitempty"`

	LogLevel string `json:"log_level"` // debug, info, warn, error, none
	LogPath  string `json:"-"`

	// SessionDir overrides the default session storage location.
	SessionDir string `json:"session_dir,omitempty"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "gondel")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "gondel")
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "gondel")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "gondel")
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "gondel")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "gondel")
	default:
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "gondel")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "gondel")
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		WorkingDir:  ".",
		Provider:    "anthropic",
		Temperature: 0.7,
		LogLevel:    "info",
		LogPath:     filepath.Join(defaultStateDir(), "gondel.log"),
	}
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, err
	}

	if config.WorkingDir == "" {
		config.WorkingDir = "."
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogPath == "" {
		config.LogPath = filepath.Join(defaultStateDir(), "gondel.log")
	}

	return config, nil
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, append(data, '\n'), 0644)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// APIKey resolves the active provider's API key from the environment.
func (c *Config) APIKey() string {
	switch strings.ToLower(c.Provider) {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai-compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google", "gemini":
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

// Validate reports configuration mistakes before any session starts.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Provider) {
	case "anthropic", "openai", "openai-compatible", "google", "gemini":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if c.Compression.TokenThreshold < 0 || c.Compression.TokenThreshold > 1 {
		return fmt.Errorf("compression.token_threshold must be within (0, 1], got %v", c.Compression.TokenThreshold)
	}
	if c.MaxTurns < 0 {
		return fmt.Errorf("max_turns cannot be negative")
	}
	if c.MaxSessionTokens < 0 {
		return fmt.Errorf("max_session_tokens cannot be negative")
	}
	return nil
}
