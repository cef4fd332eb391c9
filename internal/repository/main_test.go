package repository

import (
	"testing"

	"murmur/internal/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.ChatRoom{},
		&models.Participant{},
		&models.Message{},
		&models.MessageDelivery{},
		&models.MessageRead{},
		&models.MessageEdit{},
	))
	return db
}

func seedUser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()
	user := &models.User{
		Username: username,
		Email:    username + "@example.com",
		Password: "x",
		IsActive: true,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func seedChat(t *testing.T, db *gorm.DB, name string, members ...*models.User) *models.ChatRoom {
	t.Helper()
	chat := &models.ChatRoom{Name: name, IsGroup: len(members) > 2}
	require.NoError(t, db.Create(chat).Error)
	for _, m := range members {
		require.NoError(t, db.Create(&models.Participant{ChatID: chat.ID, UserID: m.ID}).Error)
	}
	return chat
}
