package session

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragchat/internal/model"
	appErr "github.com/xxxsen/ragchat/internal/pkg/errors"
)

const (
	defaultMaxHistory = 200
	maxSessionIDLen   = 256
)

// Repo is the append-only message log. repo.MessageRepo (postgres) and
// repo.RedisMessageRepo satisfy it.
type Repo interface {
	AppendBatch(ctx context.Context, msgs []*model.Message) error
	ListRecent(ctx context.Context, sessionID string, limit int) ([]model.Message, error)
	CountBySession(ctx context.Context, sessionID string) (int, error)
	DeleteBySession(ctx context.Context, sessionID string) (int64, error)
}

// Store is the conversation log of every session. Sessions are implicit:
// they exist as long as at least one message carries their id.
type Store struct {
	repo       Repo
	maxHistory int
}

func NewStore(repo Repo, maxHistory int) *Store {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &Store{repo: repo, maxHistory: maxHistory}
}

func ValidateSessionID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("empty session id: %w", appErr.ErrInvalid)
	}
	if utf8.RuneCountInString(sessionID) > maxSessionIDLen {
		return fmt.Errorf("session id too long: %w", appErr.ErrInvalid)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, sessionID string, role model.Role, content string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if !role.Valid() {
		return fmt.Errorf("role %q: %w", role, appErr.ErrInvalid)
	}
	return s.repo.AppendBatch(ctx, []*model.Message{{SessionID: sessionID, Role: role, Content: content}})
}

// AppendTurn records a completed exchange. Both messages are written
// atomically so history never holds a user message without its answer.
func (s *Store) AppendTurn(ctx context.Context, sessionID, userContent, assistantContent string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	err := s.repo.AppendBatch(ctx, []*model.Message{
		{SessionID: sessionID, Role: model.RoleUser, Content: userContent},
		{SessionID: sessionID, Role: model.RoleAssistant, Content: assistantContent},
	})
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// GetHistory returns the newest limit messages in chronological order. limit
// is clamped to the configured maximum.
func (s *Store) GetHistory(ctx context.Context, sessionID string, limit int) ([]model.Message, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive: %w", appErr.ErrInvalid)
	}
	if limit > s.maxHistory {
		limit = s.maxHistory
	}
	return s.repo.ListRecent(ctx, sessionID, limit)
}

func (s *Store) Count(ctx context.Context, sessionID string) (int, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return 0, err
	}
	return s.repo.CountBySession(ctx, sessionID)
}

// Reset removes every message of the session. Resetting an empty session is
// not an error.
func (s *Store) Reset(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	n, err := s.repo.DeleteBySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	logutil.GetLogger(ctx).Info("session reset", zap.String("session_id", sessionID), zap.Int64("deleted", n))
	return nil
}
