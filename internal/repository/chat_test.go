package repository

import (
	"context"
	"testing"

	"murmur/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatRepositoryCreateAndGet(t *testing.T) {
	db := newTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")

	chat := &models.ChatRoom{Participants: []models.User{*alice, *bob}}
	require.NoError(t, repo.Create(ctx, chat))
	require.NotZero(t, chat.ID)

	got, err := repo.GetByID(ctx, chat.ID)
	require.NoError(t, err)
	assert.Len(t, got.Participants, 2)
	assert.False(t, got.IsGroup)
}

func TestChatRepositoryGetByIDNotFound(t *testing.T) {
	db := newTestDB(t)
	repo := NewChatRepository(db)

	_, err := repo.GetByID(context.Background(), 999)
	require.Error(t, err)
	assert.Equal(t, "NOT_FOUND", models.ErrorCode(err))
}

func TestChatRepositoryMembership(t *testing.T) {
	db := newTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")
	carol := seedUser(t, db, "carol")
	chat := seedChat(t, db, "room", alice, bob)

	ok, err := repo.IsParticipant(ctx, chat.ID, alice.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.IsParticipant(ctx, chat.ID, carol.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	members, err := repo.ChatMemberIDs(ctx, chat.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{alice.ID, bob.ID}, members)

	require.NoError(t, repo.AddParticipant(ctx, chat.ID, carol.ID))
	require.NoError(t, repo.AddParticipant(ctx, chat.ID, carol.ID)) // set semantics

	members, err = repo.ChatMemberIDs(ctx, chat.ID)
	require.NoError(t, err)
	assert.Len(t, members, 3)

	require.NoError(t, repo.RemoveParticipant(ctx, chat.ID, bob.ID))
	ok, err = repo.IsParticipant(ctx, chat.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChatRepositoryChatIDsForUser(t *testing.T) {
	db := newTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")
	chatA := seedChat(t, db, "a", alice, bob)
	chatB := seedChat(t, db, "b", alice)
	seedChat(t, db, "c", bob)

	ids, err := repo.ChatIDsForUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{chatA.ID, chatB.ID}, ids)
}

func TestChatRepositoryGetUserChats(t *testing.T) {
	db := newTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")
	seedChat(t, db, "a", alice, bob)
	seedChat(t, db, "only-bob", bob)

	chats, err := repo.GetUserChats(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "a", chats[0].Name)
	assert.Len(t, chats[0].Participants, 2)
}
