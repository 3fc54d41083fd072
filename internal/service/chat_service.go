package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragchat/internal/agent"
	"github.com/xxxsen/ragchat/internal/model"
	appErr "github.com/xxxsen/ragchat/internal/pkg/errors"
	"github.com/xxxsen/ragchat/internal/session"
	"github.com/xxxsen/ragchat/internal/transcribe"
)

const (
	defaultHistoryLimit   = 50
	defaultRequestTimeout = 120 * time.Second
	maxMessageChars       = 8000
)

// Bot is one configured chatbot. *agent.Agent satisfies it.
type Bot interface {
	Name() string
	Collection() string
	Run(ctx context.Context, sessionID, userMessage string) (*agent.Result, error)
}

type SessionStore interface {
	AppendTurn(ctx context.Context, sessionID, userContent, assistantContent string) error
	GetHistory(ctx context.Context, sessionID string, limit int) ([]model.Message, error)
	Count(ctx context.Context, sessionID string) (int, error)
	Reset(ctx context.Context, sessionID string) error
}

type Transcriber interface {
	ProcessAttachments(ctx context.Context, attachments []model.Attachment, content string) (*transcribe.Processed, error)
}

type ChatInput struct {
	SessionID string
	Message   string
	// Bot selects the chatbot by name or by collection.
	Bot         string
	Attachments []model.Attachment
}

type ChatOutput struct {
	Bot              string
	Response         string
	MessagesReturned int
	Transcription    string
}

type HistoryOutput struct {
	SessionID string
	Messages  []model.Message
	Total     int
}

type ChatService struct {
	bots        map[string]Bot
	names       []string
	sessions    SessionStore
	transcriber Transcriber
	timeout     time.Duration
}

func NewChatService(bots []Bot, sessions SessionStore, transcriber Transcriber, timeout time.Duration) *ChatService {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	s := &ChatService{
		bots:        make(map[string]Bot, len(bots)*2),
		sessions:    sessions,
		transcriber: transcriber,
		timeout:     timeout,
	}
	for _, b := range bots {
		s.bots[b.Name()] = b
		s.names = append(s.names, b.Name())
	}
	for _, b := range bots {
		if _, ok := s.bots[b.Collection()]; !ok {
			s.bots[b.Collection()] = b
		}
	}
	sort.Strings(s.names)
	return s
}

func (s *ChatService) BotNames() []string {
	return s.names
}

func (s *ChatService) resolveBot(name string) (Bot, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		if len(s.names) == 1 {
			return s.bots[s.names[0]], nil
		}
		return nil, fmt.Errorf("collection is required: %w", appErr.ErrInvalid)
	}
	bot, ok := s.bots[name]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q: %w", name, appErr.ErrInvalid)
	}
	return bot, nil
}

// Chat runs one user turn. The session is only written when the agent
// produced an answer.
func (s *ChatService) Chat(ctx context.Context, in ChatInput) (*ChatOutput, error) {
	if err := session.ValidateSessionID(in.SessionID); err != nil {
		return nil, err
	}
	bot, err := s.resolveBot(in.Bot)
	if err != nil {
		return nil, err
	}
	logger := logutil.GetLogger(ctx).With(zap.String("bot", bot.Name()), zap.String("session_id", in.SessionID))
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	message := in.Message
	var transcript string
	if len(in.Attachments) > 0 && s.transcriber != nil {
		processed, err := s.transcriber.ProcessAttachments(ctx, in.Attachments, message)
		if err != nil {
			if processed == nil || errors.Is(err, appErr.ErrPayloadTooLarge) || errors.Is(err, appErr.ErrUnsupportedFormat) ||
				strings.TrimSpace(processed.Content) == "" {
				logger.Error("process attachments failed", zap.Error(err))
				return nil, err
			}
			logger.Warn("voice attachment skipped, answering the text", zap.Error(err))
		}
		message = processed.Content
		transcript = processed.Transcription
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("empty message: %w", appErr.ErrInvalid)
	}
	if len([]rune(message)) > maxMessageChars {
		return nil, fmt.Errorf("message longer than %d characters: %w", maxMessageChars, appErr.ErrInvalid)
	}

	start := time.Now()
	res, err := bot.Run(ctx, in.SessionID, message)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: request timed out after %s", appErr.ErrProviderUnavailable, s.timeout)
		}
		logger.Error("chat failed", zap.Error(err), zap.Duration("cost", time.Since(start)))
		return nil, err
	}
	if err := s.sessions.AppendTurn(ctx, in.SessionID, message, res.Answer); err != nil {
		logger.Error("persist turn failed", zap.Error(err))
		return nil, err
	}
	logger.Info("chat answered",
		zap.Int("rounds", res.Rounds),
		zap.Int("tool_calls", res.ToolCalls),
		zap.Bool("forced", res.Forced),
		zap.Duration("cost", time.Since(start)),
	)
	return &ChatOutput{
		Bot:              bot.Name(),
		Response:         res.Answer,
		MessagesReturned: res.MessagesReturned,
		Transcription:    transcript,
	}, nil
}

func (s *ChatService) History(ctx context.Context, sessionID string, limit int) (*HistoryOutput, error) {
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	msgs, err := s.sessions.GetHistory(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	total, err := s.sessions.Count(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return &HistoryOutput{SessionID: sessionID, Messages: msgs, Total: total}, nil
}

func (s *ChatService) Reset(ctx context.Context, sessionID string) error {
	return s.sessions.Reset(ctx, sessionID)
}
