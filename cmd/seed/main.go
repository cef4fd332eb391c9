// Command main seeds the database with demo users, chats, and messages.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"

	"murmur/internal/config"
	"murmur/internal/database"
	"murmur/internal/models"
	"murmur/internal/repository"
	"murmur/internal/service"
	"murmur/internal/session"

	"github.com/brianvoe/gofakeit/v6"
)

const seedPassword = "password123"

func main() {
	numUsers := flag.Int("users", 20, "Number of users to create")
	numChats := flag.Int("chats", 12, "Number of chats to create")
	numMessages := flag.Int("messages", 300, "Number of messages to create")
	shouldClean := flag.Bool("clean", true, "Clean database before seeding")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	ctx := context.Background()

	if *shouldClean {
		// Reverse FK order.
		for _, model := range []interface{}{
			&models.MessageEdit{}, &models.MessageRead{}, &models.MessageDelivery{},
			&models.Message{}, &models.Participant{}, &models.ChatRoom{}, &models.User{},
		} {
			if err := db.WithContext(ctx).Where("1 = 1").Delete(model).Error; err != nil {
				log.Fatalf("Cleanup failed: %v", err)
			}
		}
		log.Println("Cleaned existing data")
	}

	userRepo := repository.NewUserRepository(db)
	chatRepo := repository.NewChatRepository(db)
	msgRepo := repository.NewMessageRepository(db)

	userService := service.NewUserService(userRepo)
	// The Redis mirror is rebuilt on connect, so the seeder runs without one.
	chatService := service.NewChatService(chatRepo, userRepo, session.New(nil, session.Options{}))
	messageService := service.NewMessageService(msgRepo, chatRepo)

	users := make([]*models.User, 0, *numUsers)
	for i := 0; i < *numUsers; i++ {
		username := fmt.Sprintf("%s%d", gofakeit.Username(), i)
		email := fmt.Sprintf("%d.%s", i, gofakeit.Email())
		user, err := userService.Register(ctx, username, email, seedPassword)
		if err != nil {
			log.Fatalf("Failed to create user %s: %v", username, err)
		}
		users = append(users, user)
	}
	log.Printf("Created %d users (password %q)", len(users), seedPassword)

	chats := make([]*models.ChatRoom, 0, *numChats)
	for i := 0; i < *numChats; i++ {
		creator := users[rand.Intn(len(users))]

		var chat *models.ChatRoom
		var err error
		if i%3 == 0 {
			// Group chat with 3 to 6 members.
			size := 3 + rand.Intn(4)
			members := pickUsers(users, creator.ID, size)
			chat, err = chatService.CreateChat(ctx, creator.ID,
				gofakeit.NounAbstract()+" "+gofakeit.AdjectiveDescriptive(), true, members)
		} else {
			other := pickUsers(users, creator.ID, 2)
			chat, err = chatService.CreateChat(ctx, creator.ID, "", false, other)
		}
		if err != nil {
			// Duplicate private pairs are fine to skip.
			continue
		}
		chats = append(chats, chat)
	}
	log.Printf("Created %d chats", len(chats))

	created := 0
	for i := 0; i < *numMessages; i++ {
		chat := chats[rand.Intn(len(chats))]
		sender := chat.Participants[rand.Intn(len(chat.Participants))]

		if _, err := messageService.SendMessage(ctx, chat.ID, sender.ID, gofakeit.Sentence(3+rand.Intn(12))); err != nil {
			log.Printf("Failed to create message: %v", err)
			continue
		}
		created++
	}
	log.Printf("Created %d messages", created)
	log.Println("Seeding complete")
}

// pickUsers picks n distinct user ids, always including mustInclude.
func pickUsers(users []*models.User, mustInclude uint, n int) []uint {
	ids := []uint{mustInclude}
	seen := map[uint]bool{mustInclude: true}
	for len(ids) < n {
		candidate := users[rand.Intn(len(users))].ID
		if seen[candidate] {
			continue
		}
		seen[candidate] = true
		ids = append(ids, candidate)
	}
	return ids
}
