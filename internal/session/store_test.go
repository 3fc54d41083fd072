package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/ragchat/internal/model"
	appErr "github.com/xxxsen/ragchat/internal/pkg/errors"
)

type memRepo struct {
	mu      sync.Mutex
	nextID  int64
	data    map[string][]model.Message
	failErr error
}

func newMemRepo() *memRepo {
	return &memRepo{data: map[string][]model.Message{}}
}

func (m *memRepo) AppendBatch(ctx context.Context, msgs []*model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	for _, msg := range msgs {
		m.nextID++
		msg.ID = m.nextID
		m.data[msg.SessionID] = append(m.data[msg.SessionID], *msg)
	}
	return nil
}

func (m *memRepo) ListRecent(ctx context.Context, sessionID string, limit int) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.data[sessionID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]model.Message(nil), msgs...), nil
}

func (m *memRepo) CountBySession(ctx context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data[sessionID]), nil
}

func (m *memRepo) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.data[sessionID]))
	delete(m.data, sessionID)
	return n, nil
}

func TestAppendTurnAndHistoryOrder(t *testing.T) {
	store := NewStore(newMemRepo(), 10)
	ctx := context.Background()
	require.NoError(t, store.AppendTurn(ctx, "u1", "q1", "a1"))
	require.NoError(t, store.AppendTurn(ctx, "u1", "q2", "a2"))

	msgs, err := store.GetHistory(ctx, "u1", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "a1", msgs[0].Content)
	require.Equal(t, model.RoleUser, msgs[1].Role)
	require.Equal(t, "q2", msgs[1].Content)
	require.Equal(t, "a2", msgs[2].Content)
}

func TestHistoryLimitIsClamped(t *testing.T) {
	store := NewStore(newMemRepo(), 3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, "u1", model.RoleUser, strings.Repeat("x", i+1)))
	}
	msgs, err := store.GetHistory(ctx, "u1", 100)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "xxxxx", msgs[2].Content)

	_, err = store.GetHistory(ctx, "u1", 0)
	require.ErrorIs(t, err, appErr.ErrInvalid)
}

func TestResetIsIdempotent(t *testing.T) {
	store := NewStore(newMemRepo(), 0)
	ctx := context.Background()
	require.NoError(t, store.AppendTurn(ctx, "u1", "q", "a"))
	require.NoError(t, store.AppendTurn(ctx, "u2", "q", "a"))

	require.NoError(t, store.Reset(ctx, "u1"))
	msgs, err := store.GetHistory(ctx, "u1", 20)
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.NoError(t, store.Reset(ctx, "u1"))

	n, err := store.Count(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestValidation(t *testing.T) {
	store := NewStore(newMemRepo(), 0)
	ctx := context.Background()
	require.ErrorIs(t, store.Append(ctx, " ", model.RoleUser, "x"), appErr.ErrInvalid)
	require.ErrorIs(t, store.Append(ctx, "u1", model.Role("tool"), "x"), appErr.ErrInvalid)
	require.ErrorIs(t, store.Reset(ctx, strings.Repeat("s", 300)), appErr.ErrInvalid)
}

func TestAppendTurnFailureWritesNothing(t *testing.T) {
	repo := newMemRepo()
	repo.failErr = errors.New("tx aborted")
	store := NewStore(repo, 0)
	require.Error(t, store.AppendTurn(context.Background(), "u1", "q", "a"))
	repo.failErr = nil
	n, err := store.Count(context.Background(), "u1")
	require.NoError(t, err)
	require.Zero(t, n)
}
