package repository

import (
	"context"
	"testing"

	"murmur/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type chatFixture struct {
	db    *gorm.DB
	repo  MessageRepository
	chat  *models.ChatRoom
	alice *models.User
	bob   *models.User
	carol *models.User
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	db := newTestDB(t)
	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")
	carol := seedUser(t, db, "carol")
	chat := seedChat(t, db, "room", alice, bob)
	return &chatFixture{
		db:    db,
		repo:  NewMessageRepository(db),
		chat:  chat,
		alice: alice,
		bob:   bob,
		carol: carol,
	}
}

func (f *chatFixture) send(t *testing.T, sender *models.User, content string) *models.Message {
	t.Helper()
	msg := &models.Message{ChatID: f.chat.ID, SenderID: sender.ID, Content: content}
	recipients := []uint{}
	for _, u := range []*models.User{f.alice, f.bob} {
		if u.ID != sender.ID {
			recipients = append(recipients, u.ID)
		}
	}
	require.NoError(t, f.repo.CreateWithDeliveries(context.Background(), msg, recipients))
	return msg
}

func TestCreateWithDeliveries(t *testing.T) {
	f := newChatFixture(t)
	msg := f.send(t, f.alice, "hi")

	require.NotZero(t, msg.ID)

	var deliveries []models.MessageDelivery
	require.NoError(t, f.db.Where("message_id = ?", msg.ID).Find(&deliveries).Error)
	require.Len(t, deliveries, 1, "one stub per participant except the sender")
	assert.Equal(t, f.bob.ID, deliveries[0].UserID)
	assert.Nil(t, deliveries[0].DeliveredAt)
}

func TestMarkDeliveredGuarded(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	msg := f.send(t, f.alice, "hi")

	changed, err := f.repo.MarkDelivered(ctx, msg.ID, f.bob.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	// Second arrival of the same event is absorbed by the guard.
	changed, err = f.repo.MarkDelivered(ctx, msg.ID, f.bob.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	var delivery models.MessageDelivery
	require.NoError(t, f.db.Where("message_id = ? AND user_id = ?", msg.ID, f.bob.ID).First(&delivery).Error)
	assert.NotNil(t, delivery.DeliveredAt)
}

func TestMarkDeliveredMissingRow(t *testing.T) {
	f := newChatFixture(t)

	changed, err := f.repo.MarkDelivered(context.Background(), 999, f.bob.ID)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMarkReadBatch(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	m1 := f.send(t, f.alice, "one")
	m2 := f.send(t, f.alice, "two")

	count, err := f.repo.MarkRead(ctx, []uint{m1.ID, m2.ID}, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Idempotent: the same batch again is a no-op.
	count, err = f.repo.MarkRead(ctx, []uint{m1.ID, m2.ID}, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	var msg models.Message
	require.NoError(t, f.db.First(&msg, m1.ID).Error)
	assert.NotNil(t, msg.ReadAt)

	var receipts []models.MessageRead
	require.NoError(t, f.db.Where("user_id = ?", f.bob.ID).Find(&receipts).Error)
	assert.Len(t, receipts, 2)
}

func TestMarkReadSkipsOwnMessages(t *testing.T) {
	f := newChatFixture(t)
	msg := f.send(t, f.alice, "hi")

	count, err := f.repo.MarkRead(context.Background(), []uint{msg.ID}, f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count, "a sender cannot read its own message")
}

func TestMarkReadRequiresParticipant(t *testing.T) {
	f := newChatFixture(t)
	msg := f.send(t, f.alice, "hi")

	count, err := f.repo.MarkRead(context.Background(), []uint{msg.ID}, f.carol.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	var receipts []models.MessageRead
	require.NoError(t, f.db.Where("user_id = ?", f.carol.ID).Find(&receipts).Error)
	assert.Empty(t, receipts)
}

func TestGetChatMessagesNewestFirstWithTombstones(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	m1 := f.send(t, f.alice, "first")
	m2 := f.send(t, f.alice, "second")
	m3 := f.send(t, f.bob, "third")

	require.NoError(t, f.repo.SoftDelete(ctx, m2.ID))

	messages, err := f.repo.GetChatMessages(ctx, f.chat.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, m3.ID, messages[0].ID)
	assert.Equal(t, m2.ID, messages[1].ID)
	assert.True(t, messages[1].IsDeleted, "soft-deleted rows stay visible as tombstones")
	assert.Equal(t, m1.ID, messages[2].ID)
	require.NotNil(t, messages[0].Sender)
	assert.Equal(t, "bob", messages[0].Sender.Username)
}

func TestGetChatMessagesPagination(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.send(t, f.alice, "msg")
	}

	page, err := f.repo.GetChatMessages(ctx, f.chat.ID, 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := f.repo.GetChatMessages(ctx, f.chat.ID, 10, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 3)
}

func TestApplyEdit(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	msg := f.send(t, f.alice, "hi")

	old := msg.Content
	msg.Content = "hi!"
	edit := &models.MessageEdit{
		MessageID:  msg.ID,
		EditorID:   f.alice.ID,
		OldContent: old,
		NewContent: msg.Content,
	}
	require.NoError(t, f.repo.ApplyEdit(ctx, msg, edit))

	got, err := f.repo.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi!", got.Content)
	assert.True(t, got.IsEdited)

	var history []models.MessageEdit
	require.NoError(t, f.db.Where("message_id = ?", msg.ID).Find(&history).Error)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].OldContent)

	// History is insert-only: a second identical edit appends another row.
	require.NoError(t, f.repo.ApplyEdit(ctx, msg, &models.MessageEdit{
		MessageID: msg.ID, EditorID: f.alice.ID, OldContent: "hi!", NewContent: "hi!",
	}))
	require.NoError(t, f.db.Where("message_id = ?", msg.ID).Find(&history).Error)
	assert.Len(t, history, 2)
}

func TestUserRepositoryUniqueConstraint(t *testing.T) {
	db := newTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &models.User{Username: "alice", Email: "a@example.com", Password: "x"}))
	err := repo.Create(ctx, &models.User{Username: "alice", Email: "other@example.com", Password: "x"})
	require.Error(t, err)
	assert.Equal(t, "VALIDATION_ERROR", models.ErrorCode(err))
}
