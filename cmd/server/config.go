package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/chatwidget/internal/handlers"
	"github.com/MegaGrindStone/chatwidget/internal/models"
	"github.com/MegaGrindStone/chatwidget/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(logger *slog.Logger) (handlers.LLM, error)
}

type store interface {
	handlers.Store
	Close() error
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port              string           `yaml:"port"`
	LogLevel          string           `yaml:"logLevel"`
	CompletionBaseURL string           `yaml:"completionBaseURL"`
	RequestTimeout    time.Duration    `yaml:"requestTimeout"`
	WidgetIdleTimeout time.Duration    `yaml:"widgetIdleTimeout"`
	MaxWidgets        int              `yaml:"maxWidgets"`
	Store             storeConfig      `yaml:"store"`
	LLM               llmConfig        `yaml:"llm"`
	Chatbots          []models.Chatbot `yaml:"chatbots"`
}

type storeConfig struct {
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"`
	Redis   redisConfig `yaml:"redis"`
}

type redisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                 `yaml:"apiKey"`
	BaseURL       string                 `yaml:"baseURL"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
	MaxTokens     int    `yaml:"maxTokens"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

const (
	defaultPort           = "8080"
	defaultRequestTimeout = 60 * time.Second
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port              string           `yaml:"port"`
		LogLevel          string           `yaml:"logLevel"`
		CompletionBaseURL string           `yaml:"completionBaseURL"`
		RequestTimeout    time.Duration    `yaml:"requestTimeout"`
		WidgetIdleTimeout time.Duration    `yaml:"widgetIdleTimeout"`
		MaxWidgets        int              `yaml:"maxWidgets"`
		Store             storeConfig      `yaml:"store"`
		LLM               map[string]any   `yaml:"llm"`
		Chatbots          []models.Chatbot `yaml:"chatbots"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	if c.Port == "" {
		c.Port = defaultPort
	}
	c.LogLevel = rawConfig.LogLevel
	c.CompletionBaseURL = rawConfig.CompletionBaseURL
	if c.CompletionBaseURL == "" {
		c.CompletionBaseURL = "http://localhost:" + c.Port
	}
	c.RequestTimeout = rawConfig.RequestTimeout
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	c.WidgetIdleTimeout = rawConfig.WidgetIdleTimeout
	c.MaxWidgets = rawConfig.MaxWidgets
	c.Store = rawConfig.Store
	c.LLM = llm
	c.Chatbots = rawConfig.Chatbots

	return nil
}

func (c config) logLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// open connects the configured store. A relative bolt path is resolved against dir.
func (s storeConfig) open(ctx context.Context, dir string) (store, error) {
	switch s.Backend {
	case "", "bolt":
		path := s.Path
		if path == "" {
			path = "store.db"
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		return services.NewBoltDB(path)
	case "redis":
		addr := s.Redis.Addr
		if addr == "" {
			addr = os.Getenv("REDIS_ADDR")
		}
		password := s.Redis.Password
		if password == "" {
			password = os.Getenv("REDIS_PASSWORD")
		}
		return services.NewRedis(ctx, addr, password, s.Redis.DB)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", s.Backend)
	}
}

func (o ollamaConfig) llm(logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model, logger)
}

func (o openAIConfig) llm(logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, o.Parameters, logger), nil
}

func (a anthropicConfig) llm(logger *slog.Logger) (handlers.LLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.BaseURL, a.Model, a.MaxTokens, logger), nil
}

func (o openRouterConfig) llm(logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	return services.NewOpenRouter(apiKey, o.BaseURL, o.Model, logger), nil
}
