// Package config handles Parley configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./parley.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"parley.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	paths = append(paths, "/etc/parley/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Parley configuration.
type Config struct {
	Gateway  GatewayConfig `yaml:"gateway"`
	OpenAI   OpenAIConfig  `yaml:"openai"`
	Chat     ChatConfig    `yaml:"chat"`
	DataDir  string        `yaml:"data_dir"`
	LogLevel string        `yaml:"log_level"`
}

// GatewayConfig defines the puppet-gateway connection.
type GatewayConfig struct {
	// URL is the WebSocket endpoint of the puppet gateway
	// (e.g. ws://127.0.0.1:8788/events).
	URL string `yaml:"url"`
	// Token authenticates against the gateway, if it requires one.
	Token string `yaml:"token"`
}

// OpenAIConfig defines the completion and image API settings.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the API endpoint, e.g. a regional proxy.
	// Empty means https://api.openai.com/v1.
	BaseURL string `yaml:"base_url"`
	// Model is the chat completion model (default gpt-3.5-turbo).
	Model string `yaml:"model"`
	// ImageSize is the generated image resolution (default 1024x1024).
	ImageSize string `yaml:"image_size"`
}

// ChatConfig defines relay behavior: budgeting, chunking, command
// prefixes, and the gate allow-lists.
type ChatConfig struct {
	// MaxTokens is the context budget ceiling for one completion call
	// (history plus new prompt). Default 4000.
	MaxTokens int `yaml:"max_tokens"`
	// ChunkSize is the maximum characters per outbound message chunk.
	// Default 2000.
	ChunkSize int `yaml:"chunk_size"`
	// ChunkDelayMS is the pause between consecutive chunks. Default 300.
	ChunkDelayMS int `yaml:"chunk_delay_ms"`
	// SystemCommand starts a fresh session with a system instruction.
	// Default "/system".
	SystemCommand string `yaml:"system_command"`
	// ImageCommand triggers image generation. Default "/image".
	ImageCommand string `yaml:"image_command"`
	// FriendshipKeys are greetings that auto-accept a friend request.
	// Empty accepts all requests.
	FriendshipKeys []string `yaml:"friendship_keys"`
	// PreventRecallRooms are room names where recalled messages are
	// re-posted. Empty monitors all rooms.
	PreventRecallRooms []string `yaml:"prevent_recall_rooms"`
	// PlainTextReplies flattens markdown in completion replies before
	// sending, for transports that render text verbatim.
	PlainTextReplies bool `yaml:"plain_text_replies"`
}

// Load reads and parses the config file at path, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables so secrets can live outside the file.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with working defaults.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-3.5-turbo"
	}
	if c.OpenAI.ImageSize == "" {
		c.OpenAI.ImageSize = "1024x1024"
	}
	if c.Chat.MaxTokens <= 0 {
		c.Chat.MaxTokens = 4000
	}
	if c.Chat.ChunkSize <= 0 {
		c.Chat.ChunkSize = 2000
	}
	if c.Chat.ChunkDelayMS <= 0 {
		c.Chat.ChunkDelayMS = 300
	}
	if c.Chat.SystemCommand == "" {
		c.Chat.SystemCommand = "/system"
	}
	if c.Chat.ImageCommand == "" {
		c.Chat.ImageCommand = "/image"
	}
}

// ChunkDelay returns the inter-chunk pause as a duration.
func (c *ChatConfig) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelayMS) * time.Millisecond
}

// DatabasePath returns the SQLite file path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "parley.db")
}

// ImagesDir returns the directory where generated images are saved.
func (c *Config) ImagesDir() string {
	return filepath.Join(c.DataDir, "images")
}

// Validate checks for settings that cannot work at runtime.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("openai.api_key is required")
	}
	if c.Chat.SystemCommand == c.Chat.ImageCommand {
		return fmt.Errorf("chat.system_command and chat.image_command must differ")
	}
	return nil
}
