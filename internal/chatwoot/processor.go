package chatwoot

import (
	"context"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragchat/internal/dedup"
	"github.com/xxxsen/ragchat/internal/service"
)

type ChatRunner interface {
	Chat(ctx context.Context, in service.ChatInput) (*service.ChatOutput, error)
}

type Sender interface {
	SendText(ctx context.Context, conversationID int64, content, botToken string) error
	SendMedia(ctx context.Context, conversationID int64, mediaURL, caption, botToken string) error
}

// Bot is the chatwoot side of a chatbot.
type Bot struct {
	Name          string
	InboxID       string
	BotToken      string
	WebhookSecret string
}

// Processor answers incoming chatwoot messages through the chat service and
// posts the reply back to the conversation.
type Processor struct {
	chat       ChatRunner
	sender     Sender
	dedup      dedup.Deduper
	formatter  *Formatter
	replyDelay time.Duration
}

func NewProcessor(chat ChatRunner, sender Sender, d dedup.Deduper, replyDelay time.Duration) *Processor {
	return &Processor{
		chat:       chat,
		sender:     sender,
		dedup:      d,
		formatter:  NewFormatter(),
		replyDelay: replyDelay,
	}
}

func SessionID(bot, contact string) string {
	return bot + ":" + contact
}

func (p *Processor) Process(ctx context.Context, bot Bot, in *Incoming) error {
	logger := logutil.GetLogger(ctx).With(
		zap.String("bot", bot.Name),
		zap.String("contact", in.Contact),
		zap.Int64("conversation_id", in.ConversationID),
	)
	if bot.InboxID != "" && in.InboxID != "" && bot.InboxID != in.InboxID {
		logger.Info("message from another inbox, skip", zap.String("inbox_id", in.InboxID))
		return nil
	}
	if in.MessageID != "" && p.dedup != nil {
		first, err := p.dedup.FirstSeen(ctx, bot.Name+":"+in.MessageID)
		if err != nil {
			logger.Warn("dedup check failed, processing anyway", zap.Error(err))
		} else if !first {
			logger.Info("duplicate delivery, skip", zap.String("message_id", in.MessageID))
			return nil
		}
	}
	start := time.Now()
	out, err := p.chat.Chat(ctx, service.ChatInput{
		SessionID:   SessionID(bot.Name, in.Contact),
		Message:     in.Content,
		Bot:         bot.Name,
		Attachments: in.Attachments,
	})
	if err != nil {
		return fmt.Errorf("answer message: %w", err)
	}
	if p.replyDelay > 0 {
		timer := time.NewTimer(p.replyDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	reply := p.formatter.Format(out.Response)
	if reply.Text != "" {
		if err := p.sender.SendText(ctx, in.ConversationID, reply.Text, bot.BotToken); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
	}
	for _, img := range reply.Images {
		if err := p.sender.SendMedia(ctx, in.ConversationID, img, "", bot.BotToken); err != nil {
			logger.Warn("send media failed", zap.String("url", img), zap.Error(err))
		}
	}
	logger.Info("chatwoot reply sent",
		zap.Int("reply_len", len(reply.Text)),
		zap.Int("images", len(reply.Images)),
		zap.Duration("cost", time.Since(start)),
	)
	return nil
}
