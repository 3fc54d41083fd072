package main

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragchat/internal/agent"
	"github.com/xxxsen/ragchat/internal/ai"
	"github.com/xxxsen/ragchat/internal/chatwoot"
	"github.com/xxxsen/ragchat/internal/config"
	"github.com/xxxsen/ragchat/internal/db"
	"github.com/xxxsen/ragchat/internal/dedup"
	"github.com/xxxsen/ragchat/internal/embedcache"
	"github.com/xxxsen/ragchat/internal/repo"
	"github.com/xxxsen/ragchat/internal/retrieval"
	"github.com/xxxsen/ragchat/internal/service"
	"github.com/xxxsen/ragchat/internal/session"
	"github.com/xxxsen/ragchat/internal/transcribe"
)

const dedupTTL = 10 * time.Minute

type app struct {
	db        *sql.DB
	redis     *redis.Client
	cacheRepo *repo.EmbeddingCacheRepo
	sessions  *session.Store
	chat      *service.ChatService
	botNames  []string
	chatwoot  []chatwoot.Bot
	processor *chatwoot.Processor
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := logutil.GetLogger(ctx)
	sqlDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a := &app{db: sqlDB}
	if err := db.ApplyMigrations(sqlDB); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for _, coll := range cfg.Collections {
		if err := db.EnsureCollection(ctx, sqlDB, coll, cfg.AI.Embedding.Dimensions); err != nil {
			a.Close()
			return nil, fmt.Errorf("ensure collection %s: %w", coll.Name, err)
		}
	}
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}
	a.cacheRepo = repo.NewEmbeddingCacheRepo(sqlDB)

	embedder, err := buildEmbedder(cfg.AI.Embedding, a.cacheRepo)
	if err != nil {
		a.Close()
		return nil, err
	}
	var engineOpts []retrieval.Option
	if cfg.AI.Rerank.Enabled {
		reranker, err := ai.NewOpenRouterReranker(cfg.AI.Rerank.APIKey, cfg.AI.Rerank.BaseURL, cfg.AI.Rerank.Model)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init reranker: %w", err)
		}
		engineOpts = append(engineOpts, retrieval.WithReranker(reranker))
	}
	collections := make([]retrieval.Collection, 0, len(cfg.Collections))
	for _, coll := range cfg.Collections {
		chunks, err := repo.NewChunkRepo(sqlDB, coll.ChunkTable)
		if err != nil {
			a.Close()
			return nil, err
		}
		docs, err := repo.NewDocumentRepo(sqlDB, coll.DocumentTable)
		if err != nil {
			a.Close()
			return nil, err
		}
		collections = append(collections, retrieval.Collection{
			Name:                coll.Name,
			Chunks:              chunks,
			Documents:           docs,
			Language:            coll.Language,
			SimilarityThreshold: coll.SimilarityThreshold,
		})
	}
	engine := retrieval.NewEngine(embedder, retrieval.Options{
		Candidates: cfg.Retrieval.Candidates,
		MaxLimit:   cfg.Retrieval.MaxLimit,
		TaskType:   cfg.AI.Embedding.TaskType,
	}, collections, engineOpts...)

	var messages session.Repo = repo.NewMessageRepo(sqlDB)
	if cfg.Session.Backend == "redis" {
		messages = repo.NewRedisMessageRepo(a.redis)
	}
	a.sessions = session.NewStore(messages, cfg.Session.MaxHistory)

	chatArgs := cfg.AI.Chat.Data
	if chatArgs == nil {
		chatArgs = cfg.AI.Chat
	}
	chatProvider, err := ai.NewChatProvider(cfg.AI.Chat.Provider, chatArgs)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init chat provider: %w", err)
	}
	var temperature *float64
	if cfg.AI.Chat.Temperature > 0 {
		t := cfg.AI.Chat.Temperature
		temperature = &t
	}
	chatModel := ai.NewChatModel(chatProvider, cfg.AI.Chat.Model, temperature)

	bots := make([]service.Bot, 0, len(cfg.Chatbots))
	for _, bc := range cfg.Chatbots {
		tools := agent.NewToolset(engine, bc.Collection, agent.ToolsetConfig{
			SearchLimit:    cfg.Retrieval.DefaultLimit,
			PreviewChars:   cfg.Retrieval.PreviewChars,
			MaxResultChars: cfg.Agent.MaxToolResultChars,
		})
		bots = append(bots, agent.New(bc.Name, chatModel, tools, a.sessions, agent.Config{
			SystemPrompt:  bc.SystemPrompt,
			MaxToolRounds: cfg.Agent.MaxToolRounds,
			HistoryWindow: cfg.Agent.HistoryWindow,
			Retry: agent.RetryPolicy{
				MaxAttempts: cfg.Agent.Retry.MaxAttempts,
				BaseDelay:   time.Duration(cfg.Agent.Retry.BaseDelayMS) * time.Millisecond,
				MaxDelay:    time.Duration(cfg.Agent.Retry.MaxDelayMS) * time.Millisecond,
			},
		}))
		a.botNames = append(a.botNames, bc.Name)
	}

	dispatcher, err := buildDispatcher(ctx, cfg.Transcription)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.chat = service.NewChatService(bots, a.sessions, dispatcher,
		time.Duration(cfg.Agent.RequestTimeoutSeconds)*time.Second)

	if cfg.Chatwoot.BaseURL != "" {
		client, err := chatwoot.NewClient(chatwoot.ClientConfig{
			BaseURL:        cfg.Chatwoot.BaseURL,
			AccountID:      strconv.Itoa(cfg.Chatwoot.AccountID),
			APIAccessToken: cfg.Chatwoot.APIAccessToken,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init chatwoot client: %w", err)
		}
		var seen dedup.Deduper
		if a.redis != nil {
			seen = dedup.NewRedis(a.redis, dedupTTL)
		} else {
			seen = dedup.NewLRU(0, dedupTTL)
		}
		a.processor = chatwoot.NewProcessor(a.chat, client, seen,
			time.Duration(cfg.Chatwoot.ReplyDelayMS)*time.Millisecond)
		for _, bc := range cfg.Chatbots {
			inbox := ""
			if bc.Chatwoot.InboxID > 0 {
				inbox = strconv.Itoa(bc.Chatwoot.InboxID)
			}
			a.chatwoot = append(a.chatwoot, chatwoot.Bot{
				Name:          bc.Name,
				InboxID:       inbox,
				BotToken:      bc.Chatwoot.BotToken,
				WebhookSecret: bc.Chatwoot.WebhookSecret,
			})
		}
	}
	logger.Info("components ready",
		zap.Strings("chatbots", a.botNames),
		zap.Int("collections", len(collections)),
		zap.String("session_backend", cfg.Session.Backend),
		zap.Bool("chatwoot", a.processor != nil),
	)
	return a, nil
}

// buildEmbedder chains the primary embedder with its fallbacks, then the
// in-memory and persistent caches.
func buildEmbedder(cfg config.EmbeddingConfig, store embedcache.Store) (ai.IEmbedder, error) {
	entries := make([]ai.EmbedderEntry, 0, 1+len(cfg.Fallbacks))
	primary, err := newEmbedder(cfg.Provider, cfg.Model, cfg.Dimensions, cfg.Data)
	if err != nil {
		return nil, err
	}
	entries = append(entries, ai.EmbedderEntry{Name: cfg.Provider, Embedder: primary, Dimensions: cfg.Dimensions})
	for _, fb := range cfg.Fallbacks {
		dims := fb.Dimensions
		if dims == 0 {
			dims = cfg.Dimensions
		}
		e, err := newEmbedder(fb.Provider, fb.Model, dims, fb.Data)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ai.EmbedderEntry{Name: fb.Provider, Embedder: e, Dimensions: cfg.Dimensions})
	}
	embedder := ai.NewGroupEmbedder(entries)
	if cfg.DBCache {
		embedder = embedcache.WrapDBCacheToEmbedder(embedder, store)
	}
	if cfg.CacheSize > 0 {
		embedder = embedcache.WrapLruCacheToEmbedder(embedder, cfg.CacheSize, time.Duration(cfg.CacheTTLSeconds)*time.Second)
	}
	return embedder, nil
}

func newEmbedder(provider, model string, dims int, data interface{}) (ai.IEmbedder, error) {
	p, err := ai.NewEmbedProvider(provider, data)
	if err != nil {
		return nil, fmt.Errorf("init embed provider %s: %w", provider, err)
	}
	return ai.NewEmbedder(p, model, dims), nil
}

func buildDispatcher(ctx context.Context, cfg config.TranscriptionConfig) (*transcribe.Dispatcher, error) {
	providers := make([]transcribe.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		args := pc.Data
		if m, ok := args.(map[string]interface{}); ok {
			if _, set := m["language"]; !set {
				m["language"] = cfg.Language
			}
		}
		p, err := transcribe.NewProvider(ctx, pc.Name, args)
		if err != nil {
			return nil, fmt.Errorf("init transcription provider %s: %w", pc.Name, err)
		}
		providers = append(providers, p)
	}
	return transcribe.NewDispatcher(transcribe.Config{
		MaxBytes:       cfg.MaxBytes,
		ConnectTimeout: time.Duration(cfg.ConnectTimeoutSeconds) * time.Second,
		Timeout:        time.Duration(cfg.TimeoutSeconds) * time.Second,
	}, providers...), nil
}
