// Package config provides configuration management for Quill.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound indicates no usable config file was found.
var ErrConfigNotFound = errors.New("config not found")

// Config matches the structure of quill.json.
type Config struct {
	LLM     LLMConfig     `json:"llm" yaml:"llm" mapstructure:"llm"`
	MCP     MCPConfig     `json:"mcp" yaml:"mcp" mapstructure:"mcp"`
	Agent   AgentConfig   `json:"agent" yaml:"agent" mapstructure:"agent"`
	Logging LoggingConfig `json:"logging" yaml:"logging" mapstructure:"logging"`
}

// LLMConfig selects and tunes the chat-completions backend.
type LLMConfig struct {
	ServerURL         string                 `json:"serverUrl" yaml:"serverUrl" mapstructure:"serverUrl" validate:"required,url"`
	Model             string                 `json:"model" yaml:"model" mapstructure:"model" validate:"required"`
	Provider          string                 `json:"provider" yaml:"provider" mapstructure:"provider" validate:"required,oneof=local cloud"`
	APIKey            string                 `json:"apiKey" yaml:"apiKey" mapstructure:"apiKey" validate:"required_if=Provider cloud"`
	TimeoutSeconds    int                    `json:"timeoutSeconds" yaml:"timeoutSeconds" mapstructure:"timeoutSeconds" validate:"gte=0,lte=3600"`
	Streaming         bool                   `json:"streaming" yaml:"streaming" mapstructure:"streaming"`
	ContextLength     int                    `json:"contextLength" yaml:"contextLength" mapstructure:"contextLength" validate:"gte=0"`
	RequestsPerSecond float64                `json:"requestsPerSecond" yaml:"requestsPerSecond" mapstructure:"requestsPerSecond" validate:"gte=0"`
	Inference         map[string]interface{} `json:"inference" yaml:"inference" mapstructure:"inference"`
}

// Timeout returns the request timeout as a duration.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MCPConfig locates the tool server to spawn.
type MCPConfig struct {
	Interpreter  string `json:"interpreter" yaml:"interpreter" mapstructure:"interpreter" validate:"required"`
	ServerScript string `json:"serverScript" yaml:"serverScript" mapstructure:"serverScript"`
}

// AgentConfig tunes the reason/act loop.
type AgentConfig struct {
	MaxIterations   int    `json:"maxIterations" yaml:"maxIterations" mapstructure:"maxIterations" validate:"gte=1,lte=50"`
	HistoryCapacity int    `json:"historyCapacity" yaml:"historyCapacity" mapstructure:"historyCapacity" validate:"gte=2,lte=10000"`
	SystemPrompt    string `json:"systemPrompt" yaml:"systemPrompt" mapstructure:"systemPrompt"`
}

// LoggingConfig controls log level and the debug event sink.
type LoggingConfig struct {
	Level       string `json:"level" yaml:"level" mapstructure:"level" validate:"oneof=trace debug info warn error"`
	EventLogDir string `json:"eventLogDir" yaml:"eventLogDir" mapstructure:"eventLogDir"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			ServerURL:      "http://localhost:8000",
			Model:          "qwen2.5-3b-instruct",
			Provider:       "local",
			TimeoutSeconds: 120,
			Streaming:      true,
			ContextLength:  4096,
		},
		MCP: MCPConfig{
			Interpreter: "python3",
		},
		Agent: AgentConfig{
			MaxIterations:   5,
			HistoryCapacity: 100,
		},
		Logging: LoggingConfig{
			Level:       "info",
			EventLogDir: "event_logs",
		},
	}
}

// Load reads the config file (explicit path, or quill.json in the working
// directory and ~/.quill), applies QUILL_* env overrides, validates, and
// returns the result. When no path is given and no file is found, the
// defaults are used; an explicit path that cannot be read, or an invalid
// file, is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("QUILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("quill")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.quill")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			// No file anywhere: run on defaults.
		} else {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			first := fieldErrs[0]
			return fmt.Errorf("invalid configuration: field %s fails %q", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// YAML renders the effective configuration for display.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("llm.serverUrl", d.LLM.ServerURL)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.timeoutSeconds", d.LLM.TimeoutSeconds)
	v.SetDefault("llm.streaming", d.LLM.Streaming)
	v.SetDefault("llm.contextLength", d.LLM.ContextLength)
	v.SetDefault("mcp.interpreter", d.MCP.Interpreter)
	v.SetDefault("agent.maxIterations", d.Agent.MaxIterations)
	v.SetDefault("agent.historyCapacity", d.Agent.HistoryCapacity)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.eventLogDir", d.Logging.EventLogDir)
}
