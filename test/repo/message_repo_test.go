package repo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/ragchat/internal/model"
	"github.com/xxxsen/ragchat/internal/repo"
	"github.com/xxxsen/ragchat/internal/session"
	"github.com/xxxsen/ragchat/test/testutil"
)

func TestMessageRepoOrderingAndReset(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	ctx := context.Background()

	messages := repo.NewMessageRepo(db)
	_, err := messages.DeleteBySession(ctx, "repo-test")
	require.NoError(t, err)

	store := session.NewStore(messages, 0)
	require.NoError(t, store.AppendTurn(ctx, "repo-test", "ciao", "buongiorno"))
	require.NoError(t, store.AppendTurn(ctx, "repo-test", "orari?", "dalle 9 alle 18"))

	recent, err := messages.ListRecent(ctx, "repo-test", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	require.Equal(t, "buongiorno", recent[0].Content)
	require.Equal(t, model.RoleUser, recent[1].Role)
	require.Equal(t, "dalle 9 alle 18", recent[2].Content)

	total, err := store.Count(ctx, "repo-test")
	require.NoError(t, err)
	require.Equal(t, 4, total)

	require.NoError(t, store.Reset(ctx, "repo-test"))
	require.NoError(t, store.Reset(ctx, "repo-test"))
	total, err = store.Count(ctx, "repo-test")
	require.NoError(t, err)
	require.Zero(t, total)
}
