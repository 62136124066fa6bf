package common

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Telegram TelegramConfig
	LLM      LLMConfig
	Pipeline PipelineConfig
	Output   OutputConfig
	Logging  LoggingConfig
}

// TelegramConfig holds channel-client configuration
type TelegramConfig struct {
	Channel     string // channel username, without the leading @
	APIID       int
	APIHash     string
	SessionFile string
}

// LLMConfig holds model-service configuration
type LLMConfig struct {
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// PipelineConfig holds retrieval and rate-governing configuration
type PipelineConfig struct {
	SearchPhrase     string
	UseSearch        bool
	Incremental      bool
	MessageLimit     int // 0 = unlimited
	RequestDelay     time.Duration
	MaxConcurrent    int
	RetryMaxAttempts int
	RetryMaxElapsed  time.Duration
	ShutdownGrace    time.Duration
}

// OutputConfig holds sink and checkpoint configuration
type OutputConfig struct {
	File           string
	Encoding       string // "utf-8" or "utf-8-bom"
	CheckpointPath string
	SessionID      string
}

// LoggingConfig holds log output configuration
type LoggingConfig struct {
	Level string
	File  string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			Channel:     getEnv("TELEGRAM_CHANNEL", "kpszsu"),
			APIID:       getEnvAsInt("TELEGRAM_API_ID", 0),
			APIHash:     getEnv("TELEGRAM_API_HASH", ""),
			SessionFile: getEnv("TELEGRAM_SESSION_FILE", "session.json"),
		},
		LLM: LLMConfig{
			Model:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			APIKey:      getEnv("OPENAI_API_KEY", ""),
			BaseURL:     getEnv("OPENAI_BASE_URL", ""),
			MaxTokens:   getEnvAsInt("OPENAI_MAX_TOKENS", 2000),
			Temperature: getEnvAsFloat32("OPENAI_TEMPERATURE", 0.0),
			Timeout:     getEnvAsDuration("OPENAI_TIMEOUT", 60*time.Second),
		},
		Pipeline: PipelineConfig{
			SearchPhrase:     getEnv("SEARCH_PHRASE", "У ніч на"),
			UseSearch:        getEnvAsBool("USE_SERVER_SEARCH", true),
			Incremental:      getEnvAsBool("USE_INCREMENTAL", true),
			MessageLimit:     getEnvAsInt("MESSAGE_LIMIT", 1000),
			RequestDelay:     getEnvAsDuration("REQUEST_DELAY", time.Second),
			MaxConcurrent:    getEnvAsInt("MAX_CONCURRENT_REQUESTS", 5),
			RetryMaxAttempts: getEnvAsInt("RETRY_MAX_TRIES", 3),
			RetryMaxElapsed:  getEnvAsDuration("RETRY_MAX_TIME", 60*time.Second),
			ShutdownGrace:    getEnvAsDuration("SHUTDOWN_GRACE", 30*time.Second),
		},
		Output: OutputConfig{
			File:           getEnv("OUTPUT_FILE", "ukraine_airforce_updates.csv"),
			Encoding:       getEnv("CSV_ENCODING", "utf-8"),
			CheckpointPath: getEnv("CHECKPOINT_PATH", "checkpoint.db"),
			SessionID:      getEnv("SESSION_ID", "default"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "INFO"),
			File:  getEnv("LOG_FILE", "airraid_tracker.log"),
		},
	}
}

// fileConfig mirrors the keys accepted in the optional JSON config file.
// Pointers distinguish "absent" from zero values.
type fileConfig struct {
	Channel          *string  `json:"channel"`
	SearchPhrase     *string  `json:"search_phrase"`
	UseSearch        *bool    `json:"use_server_search"`
	Model            *string  `json:"model"`
	MaxTokens        *int     `json:"max_tokens"`
	Temperature      *float32 `json:"temperature"`
	Incremental      *bool    `json:"incremental"`
	MessageLimit     *int     `json:"message_limit"`
	RequestDelayMS   *int     `json:"request_delay_ms"`
	MaxConcurrent    *int     `json:"max_concurrent_requests"`
	RetryMaxAttempts *int     `json:"retry_max_attempts"`
	RetryMaxTimeSec  *int     `json:"retry_max_time_sec"`
	OutputFile       *string  `json:"output_file"`
	Encoding         *string  `json:"csv_encoding"`
	SessionID        *string  `json:"session_id"`
	LogLevel         *string  `json:"log_level"`
	LogFile          *string  `json:"log_file"`
}

// LoadFromFile overlays configuration from a JSON file onto c. A missing file
// is not an error; a malformed one is.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return WrapError(err, "read config file")
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return WrapError(err, "parse config file")
	}

	setString(&c.Telegram.Channel, fc.Channel)
	setString(&c.Pipeline.SearchPhrase, fc.SearchPhrase)
	if fc.UseSearch != nil {
		c.Pipeline.UseSearch = *fc.UseSearch
	}
	setString(&c.LLM.Model, fc.Model)
	setInt(&c.LLM.MaxTokens, fc.MaxTokens)
	if fc.Temperature != nil {
		c.LLM.Temperature = *fc.Temperature
	}
	if fc.Incremental != nil {
		c.Pipeline.Incremental = *fc.Incremental
	}
	setInt(&c.Pipeline.MessageLimit, fc.MessageLimit)
	if fc.RequestDelayMS != nil {
		c.Pipeline.RequestDelay = time.Duration(*fc.RequestDelayMS) * time.Millisecond
	}
	setInt(&c.Pipeline.MaxConcurrent, fc.MaxConcurrent)
	setInt(&c.Pipeline.RetryMaxAttempts, fc.RetryMaxAttempts)
	if fc.RetryMaxTimeSec != nil {
		c.Pipeline.RetryMaxElapsed = time.Duration(*fc.RetryMaxTimeSec) * time.Second
	}
	setString(&c.Output.File, fc.OutputFile)
	setString(&c.Output.Encoding, fc.Encoding)
	setString(&c.Output.SessionID, fc.SessionID)
	setString(&c.Logging.Level, fc.LogLevel)
	setString(&c.Logging.File, fc.LogFile)
	return nil
}

// SaveExampleConfig writes a commented example config file.
func SaveExampleConfig(path string) error {
	example := map[string]any{
		"channel":                 "kpszsu",
		"search_phrase":           "У ніч на",
		"use_server_search":       true,
		"model":                   "gpt-4o-mini",
		"max_tokens":              2000,
		"temperature":             0,
		"incremental":             true,
		"message_limit":           1000,
		"request_delay_ms":        1000,
		"max_concurrent_requests": 5,
		"retry_max_attempts":      3,
		"retry_max_time_sec":      60,
		"output_file":             "ukraine_airforce_updates.csv",
		"csv_encoding":            "utf-8",
		"session_id":              "default",
		"log_level":               "INFO",
		"log_file":                "airraid_tracker.log",
		"_comment":                "Copy to config.json and adjust. Set message_limit to 0 for unlimited.",
	}
	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Log emits the effective configuration at startup, credentials excluded.
func (c *Config) Log(logger *slog.Logger) {
	logger.Info("configuration loaded",
		"channel", c.Telegram.Channel,
		"search_phrase", c.Pipeline.SearchPhrase,
		"model", c.LLM.Model,
		"message_limit", c.Pipeline.MessageLimit,
		"incremental", c.Pipeline.Incremental,
		"request_delay", c.Pipeline.RequestDelay,
		"max_concurrent", c.Pipeline.MaxConcurrent,
		"output_file", c.Output.File,
		"session_id", c.Output.SessionID,
		"log_level", c.Logging.Level,
	)
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Telegram.Channel == "" {
		return NewAppError("CONFIG_ERROR", "TELEGRAM_CHANNEL is required", ErrInvalidInput)
	}
	if c.Telegram.APIID == 0 || c.Telegram.APIHash == "" {
		return NewAppError("CONFIG_ERROR", "TELEGRAM_API_ID and TELEGRAM_API_HASH are required", ErrInvalidInput)
	}
	if c.LLM.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "OPENAI_API_KEY is required", ErrInvalidInput)
	}
	if c.Pipeline.SearchPhrase == "" {
		return NewAppError("CONFIG_ERROR", "SEARCH_PHRASE is required", ErrInvalidInput)
	}
	if c.Pipeline.MaxConcurrent < 1 {
		return NewAppError("CONFIG_ERROR", "MAX_CONCURRENT_REQUESTS must be at least 1", ErrInvalidInput)
	}
	if c.Pipeline.RetryMaxAttempts < 1 {
		return NewAppError("CONFIG_ERROR", "RETRY_MAX_TRIES must be at least 1", ErrInvalidInput)
	}
	switch c.Output.Encoding {
	case "utf-8", "utf-8-bom":
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unsupported CSV_ENCODING %q", c.Output.Encoding), ErrInvalidInput)
	}
	return nil
}

// LogLevel converts the configured level string to a slog.Level.
func (c *Config) LogLevel() slog.Level {
	switch c.Logging.Level {
	case "DEBUG", "debug":
		return slog.LevelDebug
	case "WARNING", "WARN", "warn":
		return slog.LevelWarn
	case "ERROR", "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
