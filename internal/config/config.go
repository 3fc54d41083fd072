package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/xxxsen/common/logger"
)

type Config struct {
	Port                  int                 `json:"port"`
	Database              DatabaseConfig      `json:"database"`
	LogConfig             logger.LogConfig    `json:"log_config"`
	AI                    AIConfig            `json:"ai"`
	Retrieval             RetrievalConfig     `json:"retrieval"`
	Agent                 AgentConfig         `json:"agent"`
	Session               SessionConfig       `json:"session"`
	Transcription         TranscriptionConfig `json:"transcription"`
	Chatbots              []ChatbotConfig     `json:"chatbots"`
	Collections           []CollectionConfig  `json:"collections"`
	Chatwoot              ChatwootConfig      `json:"chatwoot"`
	Redis                 RedisConfig         `json:"redis"`
	RateLimitMS           int                 `json:"rate_limit_ms"`
	CORSOrigins           []string            `json:"cors_origins"`
	EmbeddingCacheCleanup CleanupConfig       `json:"embedding_cache_cleanup"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

type AIConfig struct {
	Chat      ChatModelConfig `json:"chat"`
	Embedding EmbeddingConfig `json:"embedding"`
	Rerank    RerankConfig    `json:"rerank"`
}

type ChatModelConfig struct {
	Provider    string      `json:"provider"`
	Model       string      `json:"model"`
	Temperature float64     `json:"temperature"`
	Data        interface{} `json:"data"`
}

type EmbeddingConfig struct {
	Provider        string              `json:"provider"`
	Model           string              `json:"model"`
	Dimensions      int                 `json:"dimensions"`
	TaskType        string              `json:"task_type"`
	Data            interface{}         `json:"data"`
	CacheSize       int                 `json:"cache_size"`
	CacheTTLSeconds int                 `json:"cache_ttl_seconds"`
	DBCache         bool                `json:"db_cache"`
	Fallbacks       []EmbeddingFallback `json:"fallbacks"`
}

type EmbeddingFallback struct {
	Provider   string      `json:"provider"`
	Model      string      `json:"model"`
	Dimensions int         `json:"dimensions"`
	Data       interface{} `json:"data"`
}

type RerankConfig struct {
	Enabled bool   `json:"enabled"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

type RetrievalConfig struct {
	Candidates          int     `json:"candidates"`
	MaxLimit            int     `json:"max_limit"`
	DefaultLimit        int     `json:"default_limit"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	Language            string  `json:"language"`
	PreviewChars        int     `json:"preview_chars"`
}

type RetryConfig struct {
	MaxAttempts int `json:"max_attempts"`
	BaseDelayMS int `json:"base_delay_ms"`
	MaxDelayMS  int `json:"max_delay_ms"`
}

type AgentConfig struct {
	MaxToolRounds         int         `json:"max_tool_rounds"`
	HistoryWindow         int         `json:"history_window"`
	MaxToolResultChars    int         `json:"max_tool_result_chars"`
	RequestTimeoutSeconds int         `json:"request_timeout_seconds"`
	Retry                 RetryConfig `json:"retry"`
}

type SessionConfig struct {
	Backend    string `json:"backend"`
	MaxHistory int    `json:"max_history"`
}

type TranscriptionProviderConfig struct {
	Name string      `json:"name"`
	Data interface{} `json:"data"`
}

type TranscriptionConfig struct {
	Providers             []TranscriptionProviderConfig `json:"providers"`
	MaxBytes              int64                         `json:"max_bytes"`
	ConnectTimeoutSeconds int                           `json:"connect_timeout_seconds"`
	TimeoutSeconds        int                           `json:"timeout_seconds"`
	Language              string                        `json:"language"`
}

type ChatbotChatwootConfig struct {
	InboxID       int    `json:"inbox_id"`
	BotToken      string `json:"bot_token"`
	WebhookSecret string `json:"webhook_secret"`
}

type ChatbotConfig struct {
	Name             string                `json:"name"`
	Collection       string                `json:"collection"`
	SystemPrompt     string                `json:"system_prompt"`
	SystemPromptFile string                `json:"system_prompt_file"`
	Chatwoot         ChatbotChatwootConfig `json:"chatwoot"`
}

type CollectionConfig struct {
	Name                string  `json:"name"`
	ChunkTable          string  `json:"chunk_table"`
	DocumentTable       string  `json:"document_table"`
	Language            string  `json:"language"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

type ChatwootConfig struct {
	BaseURL        string `json:"base_url"`
	AccountID      int    `json:"account_id"`
	APIAccessToken string `json:"api_access_token"`
	ReplyDelayMS   int    `json:"reply_delay_ms"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type CleanupConfig struct {
	Spec       string `json:"spec"`
	MaxAgeDays int    `json:"max_age_days"`
}

var nameRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.resolvePrompts(filepath.Dir(path)); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolvePrompts(baseDir string) error {
	for i := range c.Chatbots {
		bot := &c.Chatbots[i]
		if bot.SystemPrompt != "" || bot.SystemPromptFile == "" {
			continue
		}
		p := bot.SystemPromptFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read system prompt for chatbot %s: %w", bot.Name, err)
		}
		bot.SystemPrompt = string(raw)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if c.Retrieval.Candidates <= 0 {
		c.Retrieval.Candidates = 20
	}
	if c.Retrieval.MaxLimit <= 0 {
		c.Retrieval.MaxLimit = 50
	}
	if c.Retrieval.DefaultLimit <= 0 {
		c.Retrieval.DefaultLimit = 5
	}
	if c.Retrieval.SimilarityThreshold <= 0 {
		c.Retrieval.SimilarityThreshold = 0.3
	}
	if c.Retrieval.Language == "" {
		c.Retrieval.Language = "italian"
	}
	if c.Retrieval.PreviewChars <= 0 {
		c.Retrieval.PreviewChars = 300
	}
	if c.Agent.MaxToolRounds <= 0 {
		c.Agent.MaxToolRounds = 5
	}
	if c.Agent.HistoryWindow <= 0 {
		c.Agent.HistoryWindow = 20
	}
	if c.Agent.MaxToolResultChars <= 0 {
		c.Agent.MaxToolResultChars = 12000
	}
	if c.Agent.RequestTimeoutSeconds <= 0 {
		c.Agent.RequestTimeoutSeconds = 120
	}
	if c.Agent.Retry.MaxAttempts <= 0 {
		c.Agent.Retry.MaxAttempts = 3
	}
	if c.Agent.Retry.BaseDelayMS <= 0 {
		c.Agent.Retry.BaseDelayMS = 500
	}
	if c.Agent.Retry.MaxDelayMS <= 0 {
		c.Agent.Retry.MaxDelayMS = 8000
	}
	if c.Session.Backend == "" {
		c.Session.Backend = "postgres"
	}
	if c.Session.MaxHistory <= 0 {
		c.Session.MaxHistory = 200
	}
	if c.Transcription.MaxBytes <= 0 {
		c.Transcription.MaxBytes = 25 * 1024 * 1024
	}
	if c.Transcription.ConnectTimeoutSeconds <= 0 {
		c.Transcription.ConnectTimeoutSeconds = 10
	}
	if c.Transcription.TimeoutSeconds <= 0 {
		c.Transcription.TimeoutSeconds = 30
	}
	if c.Transcription.Language == "" {
		c.Transcription.Language = "it"
	}
	for i := range c.Collections {
		coll := &c.Collections[i]
		if coll.ChunkTable == "" {
			coll.ChunkTable = coll.Name + "_documents"
		}
		if coll.DocumentTable == "" {
			coll.DocumentTable = coll.Name + "_documents_metadata"
		}
		if coll.Language == "" {
			coll.Language = c.Retrieval.Language
		}
		if coll.SimilarityThreshold <= 0 {
			coll.SimilarityThreshold = c.Retrieval.SimilarityThreshold
		}
	}
	if c.EmbeddingCacheCleanup.MaxAgeDays <= 0 {
		c.EmbeddingCacheCleanup.MaxAgeDays = 30
	}
}

func (c *Config) Validate() error {
	if c.Port == 0 {
		return fmt.Errorf("port is required")
	}
	if c.Database.DSN == "" && c.Database.Host == "" {
		return fmt.Errorf("database.dsn or database.host is required")
	}
	if strings.TrimSpace(c.AI.Chat.Provider) == "" || strings.TrimSpace(c.AI.Chat.Model) == "" {
		return fmt.Errorf("ai.chat provider/model are required")
	}
	if c.Retrieval.DefaultLimit > c.Retrieval.MaxLimit {
		return fmt.Errorf("retrieval.default_limit must not exceed retrieval.max_limit")
	}
	if len(c.Collections) == 0 {
		return fmt.Errorf("at least one collection is required")
	}
	collections := make(map[string]struct{}, len(c.Collections))
	for _, coll := range c.Collections {
		if !nameRegex.MatchString(coll.Name) {
			return fmt.Errorf("invalid collection name %q", coll.Name)
		}
		if !nameRegex.MatchString(coll.ChunkTable) || !nameRegex.MatchString(coll.DocumentTable) {
			return fmt.Errorf("invalid table names for collection %s", coll.Name)
		}
		if _, ok := collections[coll.Name]; ok {
			return fmt.Errorf("duplicate collection %s", coll.Name)
		}
		collections[coll.Name] = struct{}{}
	}
	bots := make(map[string]struct{}, len(c.Chatbots))
	for _, bot := range c.Chatbots {
		if !nameRegex.MatchString(bot.Name) {
			return fmt.Errorf("invalid chatbot name %q", bot.Name)
		}
		if _, ok := bots[bot.Name]; ok {
			return fmt.Errorf("duplicate chatbot %s", bot.Name)
		}
		bots[bot.Name] = struct{}{}
		if _, ok := collections[bot.Collection]; !ok {
			return fmt.Errorf("chatbot %s references unknown collection %q", bot.Name, bot.Collection)
		}
		if strings.TrimSpace(bot.SystemPrompt) == "" {
			return fmt.Errorf("chatbot %s has no system prompt", bot.Name)
		}
	}
	switch c.Session.Backend {
	case "postgres":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for redis session backend")
		}
	default:
		return fmt.Errorf("session.backend must be postgres or redis")
	}
	for _, p := range c.Transcription.Providers {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("transcription provider name is required")
		}
	}
	return nil
}

// Collection returns the configuration of the named collection.
func (c *Config) Collection(name string) (CollectionConfig, bool) {
	for _, coll := range c.Collections {
		if coll.Name == name {
			return coll, true
		}
	}
	return CollectionConfig{}, false
}
