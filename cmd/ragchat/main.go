package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/ragchat/internal/config"
	"github.com/xxxsen/ragchat/internal/handler"
	"github.com/xxxsen/ragchat/internal/job"
	"github.com/xxxsen/ragchat/internal/middleware"
	"github.com/xxxsen/ragchat/internal/schedule"
	"github.com/xxxsen/ragchat/internal/service"
)

const defaultCleanupSpec = "0 3 * * *"

func main() {
	var configPath string
	var botName string
	var sessionID string

	rootCmd := &cobra.Command{
		Use:   "ragchat",
		Short: "retrieval augmented chatbot server",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run ragchat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
	runCmd.Flags().StringVar(&configPath, "config", "", "path to config.json")

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "chat with a bot from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return runREPL(ctx, a.chat, botName, sessionID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	chatCmd.Flags().StringVar(&configPath, "config", "", "path to config.json")
	chatCmd.Flags().StringVar(&botName, "bot", "", "chatbot name or collection")
	chatCmd.Flags().StringVar(&sessionID, "session", "cli", "session id")

	rootCmd.AddCommand(runCmd, chatCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", path))
	return cfg, nil
}

func runServer(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler := schedule.NewCronScheduler()
	cleanup := job.NewEmbeddingCacheCleanupJob(a.cacheRepo, cfg.EmbeddingCacheCleanup.MaxAgeDays)
	spec := cfg.EmbeddingCacheCleanup.Spec
	if spec == "" {
		spec = defaultCleanupSpec
	}
	if err := scheduler.AddJob(cleanup, spec); err != nil {
		return fmt.Errorf("schedule cleanup: %w", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	deps := handler.RouterDeps{
		Chat:      handler.NewChatHandler(a.chat, cfg.Transcription.MaxBytes),
		Health:    handler.NewHealthHandler(a.db, a.botNames),
		RateLimit: time.Duration(cfg.RateLimitMS) * time.Millisecond,
	}
	if a.processor != nil {
		deps.Webhook = handler.NewWebhookHandler(a.processor, a.chatwoot)
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	engine, err := webapi.NewEngine(
		"/api/v1",
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(cfg.CORSOrigins),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}
	logutil.GetLogger(ctx).Info("http server listening", zap.String("addr", addr))

	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logutil.GetLogger(context.Background()).Info("server stopping...")
	if deps.Webhook != nil {
		deps.Webhook.Wait()
	}
	return nil
}

func runREPL(ctx context.Context, chat *service.ChatService, bot, sessionID string, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "session %s, commands: /history /clear /quit\n", sessionID)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/clear":
			if err := chat.Reset(ctx, sessionID); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintln(out, "session cleared")
			continue
		case "/history":
			hist, err := chat.History(ctx, sessionID, 0)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			for _, m := range hist.Messages {
				fmt.Fprintf(out, "[%s] %s\n", m.Role, m.Content)
			}
			fmt.Fprintf(out, "(%d messages in session)\n", hist.Total)
			continue
		}
		res, err := chat.Chat(ctx, service.ChatInput{SessionID: sessionID, Message: line, Bot: bot})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "%s: %s\n", res.Bot, res.Response)
	}
}
