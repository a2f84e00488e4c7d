package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/MimeLyc/agent-orchestrator/internal/llm"
	"github.com/MimeLyc/agent-orchestrator/pkg/log"
)

// Config holds all application configuration
// Supports environment variables with sensible defaults
//
// Environment Variables:
// LLM Configuration:
// - LLM_API_KEY: API key for the LLM provider (required)
// - LLM_API_URL: API endpoint URL (default: https://openrouter.ai/api/v1)
// - LLM_MODEL: Model name to use (default: openai/gpt-4o-mini)
// - LLM_MAX_TOKENS: Maximum tokens for responses (default: 4096)
// - LLM_TEMPERATURE: Temperature for responses (default: 0.7)
// - LLM_TIMEOUT: Request timeout in seconds (default: 60)
// - LLM_SITE_URL: Site URL for HTTP referer header (optional)
// - LLM_APP_NAME: Application name for X-Title header (optional)
// - LLM_REQUESTS_PER_SECOND: Client side request pacing, 0 disables it (default: 0)
// - LLM_TOOL_BINDING: Preferred tool binding, strict or auto (default: strict)
// - LLM_STRICT_TOOLS: Whether the provider accepts strict function schemas (default: true)
//
// Agent Configuration:
// - AGENT_MAX_ITERATIONS: Iteration ceiling of one run (default: 50)
// - AGENT_TOOL_COOLDOWN_MS: Pause between batched tool calls (default: 1000)
// - AGENT_RETRY_ATTEMPTS: Attempts per throttled model call (default: 5)
// - AGENT_WORKERS: Run queue workers (default: 2)
//
// System Configuration:
// - DATA_DIR: Directory for the database (default: /app/data)
// - DB_PATH: Database file, overrides DATA_DIR (optional)
// - CATALOG_FILE: Agent and MCP server catalog (default: /app/config/agents.yaml)
// - ENV_FILE: Dotenv file loaded before reading the environment (default: .env)
// - LOG_LEVEL: debug, info, warn or error (default: info)
// - TZ: Timezone (default: UTC)

type Config struct {
	// LLM Configuration
	LLM LLMConfig `json:"llm"`

	// Agent Configuration
	Agent AgentConfig `json:"agent"`

	// Search Configuration (for web search tool)
	Search SearchConfig `json:"search"`

	// HTTP Configuration
	HTTP HTTPConfig `json:"http"`

	// Schedule Configuration
	Schedule ScheduleConfig `json:"schedule"`

	// System Configuration
	System SystemConfig `json:"system"`
}

// LLMConfig holds the configuration for LLM client
// Supports any OpenAI-compatible provider (OpenRouter, OpenAI, vLLM, etc.)
type LLMConfig struct {
	APIKey            string  `json:"-"`
	APIURL            string  `json:"api_url"`
	Model             string  `json:"model"`
	MaxTokens         int     `json:"max_tokens"`
	Temperature       float64 `json:"temperature"`
	Timeout           int     `json:"timeout"`
	SiteURL           string  `json:"site_url"`
	AppName           string  `json:"app_name"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	ToolBinding       string  `json:"tool_binding"`
	StrictTools       bool    `json:"strict_tools"`
}

// ClientConfig converts the settings into an llm client configuration.
func (c LLMConfig) ClientConfig() *llm.Config {
	return &llm.Config{
		APIKey:            c.APIKey,
		APIURL:            c.APIURL,
		Model:             c.Model,
		MaxTokens:         c.MaxTokens,
		Temperature:       c.Temperature,
		Timeout:           c.Timeout,
		SiteURL:           c.SiteURL,
		AppName:           c.AppName,
		RequestsPerSecond: c.RequestsPerSecond,
		StrictTools:       c.StrictTools,
	}
}

// BindingMode returns the preferred tool binding mode.
func (c LLMConfig) BindingMode() llm.BindingMode {
	if strings.EqualFold(c.ToolBinding, string(llm.BindingAuto)) {
		return llm.BindingAuto
	}
	return llm.BindingStrict
}

// AgentConfig holds the defaults shared by every agent
type AgentConfig struct {
	MaxIterations  int `json:"max_iterations"`   // Iteration ceiling per run
	ToolCooldownMS int `json:"tool_cooldown_ms"` // Pause between batched tool calls
	RetryAttempts  int `json:"retry_attempts"`   // Attempts per throttled model call
	Workers        int `json:"workers"`          // Run queue workers
}

// SearchConfig holds the configuration for web search tool
type SearchConfig struct {
	APIKey string `json:"-"`       // Tavily API key
	APIURL string `json:"api_url"` // Tavily API URL
}

// HTTPConfig holds the API server configuration
type HTTPConfig struct {
	Addr string `json:"addr"`
}

// ScheduleConfig holds cron and language defaults
type ScheduleConfig struct {
	// CronExpr triggers scheduled agent runs
	CronExpr string `json:"cron_expr"`
	// MCPRefreshCron re-lists remote tools. Empty disables it
	MCPRefreshCron string `json:"mcp_refresh_cron"`
	// DefaultLanguage is the response language for agents that set none:
	// a BCP 47 tag, "auto" to answer in the prompt's language, or empty
	DefaultLanguage string `json:"default_language"`
}

// SystemConfig holds the system configuration
type SystemConfig struct {
	DataDir     string `json:"data_dir"`
	DBFile      string `json:"db_file"`
	CatalogFile string `json:"catalog_file"`
	LogLevel    string `json:"log_level"`
	TZ          string `json:"tz"`
}

// DBPath returns the database file path
func (c *Config) DBPath() string {
	if c.System.DBFile != "" {
		return c.System.DBFile
	}
	return filepath.Join(c.System.DataDir, "agents.db")
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	if err := loadDotEnv(getEnvString("ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	config := &Config{
		LLM: LLMConfig{
			APIKey:            getEnvString("LLM_API_KEY", ""),
			APIURL:            getEnvString("LLM_API_URL", "https://openrouter.ai/api/v1"),
			Model:             getEnvString("LLM_MODEL", "openai/gpt-4o-mini"),
			MaxTokens:         getEnvInt("LLM_MAX_TOKENS", 4096),
			Temperature:       getEnvFloat("LLM_TEMPERATURE", 0.7),
			Timeout:           getEnvInt("LLM_TIMEOUT", 60),
			SiteURL:           getEnvString("LLM_SITE_URL", ""),
			AppName:           getEnvString("LLM_APP_NAME", ""),
			RequestsPerSecond: getEnvFloat("LLM_REQUESTS_PER_SECOND", 0),
			ToolBinding:       getEnvString("LLM_TOOL_BINDING", string(llm.BindingStrict)),
			StrictTools:       getEnvBool("LLM_STRICT_TOOLS", true),
		},
		Agent: AgentConfig{
			MaxIterations:  getEnvInt("AGENT_MAX_ITERATIONS", 50),
			ToolCooldownMS: getEnvInt("AGENT_TOOL_COOLDOWN_MS", 1000),
			RetryAttempts:  getEnvInt("AGENT_RETRY_ATTEMPTS", 5),
			Workers:        getEnvInt("AGENT_WORKERS", 2),
		},
		Search: SearchConfig{
			APIKey: getEnvString("SEARCH_API_KEY", ""),
			APIURL: getEnvString("SEARCH_API_URL", "https://api.tavily.com/search"),
		},
		HTTP: HTTPConfig{
			Addr: getEnvString("HTTP_ADDR", ":8080"),
		},
		Schedule: ScheduleConfig{
			CronExpr:        getEnvString("CRON_EXPR", "0 * * * *"),
			MCPRefreshCron:  getEnvString("MCP_REFRESH_CRON", "*/15 * * * *"),
			DefaultLanguage: getEnvString("DEFAULT_LANGUAGE", ""),
		},
		System: SystemConfig{
			DataDir:     getEnvString("DATA_DIR", "/app/data"),
			DBFile:      getEnvString("DB_PATH", ""),
			CatalogFile: getEnvString("CATALOG_FILE", "/app/config/agents.yaml"),
			LogLevel:    getEnvString("LOG_LEVEL", "info"),
			TZ:          getEnvString("TZ", "UTC"),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	log.Debug("Config: %+v", config)

	// Validate required configuration
	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required")
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("AGENT_MAX_ITERATIONS must be greater than 0")
	}
	if c.Agent.Workers < 1 {
		return fmt.Errorf("AGENT_WORKERS must be greater than 0")
	}
	if c.Agent.RetryAttempts < 1 {
		return fmt.Errorf("AGENT_RETRY_ATTEMPTS must be greater than 0")
	}
	switch strings.ToLower(c.LLM.ToolBinding) {
	case string(llm.BindingStrict), string(llm.BindingAuto):
	default:
		return fmt.Errorf("LLM_TOOL_BINDING must be %q or %q, got %q", llm.BindingStrict, llm.BindingAuto, c.LLM.ToolBinding)
	}
	if err := validateLanguage(c.Schedule.DefaultLanguage, true); err != nil {
		return fmt.Errorf("DEFAULT_LANGUAGE: %w", err)
	}
	return nil
}

// loadDotEnv loads a dotenv file without overriding variables that are
// already set. A missing file is not an error.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	log.Debug("Loaded environment from %s", path)
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean value from environment variables with default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
