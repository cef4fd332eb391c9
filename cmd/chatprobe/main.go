// Command main is a terminal probe for the realtime endpoint. It logs in,
// opens a WebSocket, answers keepalive pings, prints every incoming frame,
// and sends each stdin line as a chat message.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type frame struct {
	Type    string          `json:"type"`
	ChatID  uint            `json:"chat_id,omitempty"`
	Content string          `json:"content,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

func main() {
	addr := flag.String("addr", "localhost:8460", "Server host:port")
	username := flag.String("username", "", "Username to log in with")
	password := flag.String("password", "", "Password to log in with")
	token := flag.String("token", "", "Access token (skips login)")
	chatID := flag.Uint("chat", 0, "Chat id to send stdin lines to")
	flag.Parse()

	accessToken := *token
	if accessToken == "" {
		if *username == "" || *password == "" {
			log.Fatal("Either -token or -username and -password are required")
		}
		var err error
		accessToken, err = login(*addr, *username, *password)
		if err != nil {
			log.Fatalf("Login failed: %v", err)
		}
	}

	url := fmt.Sprintf("ws://%s/api/ws?token=%s", *addr, accessToken)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				log.Fatalf("Connection closed: %v", err)
			}

			var f frame
			if err := json.Unmarshal(raw, &f); err != nil {
				fmt.Printf("<- %s\n", raw)
				continue
			}
			if f.Type == "ping" {
				_ = conn.WriteJSON(frame{Type: "pong"})
				continue
			}
			fmt.Printf("<- %s\n", raw)
		}
	}()

	if *chatID == 0 {
		log.Println("No -chat given; read-only mode")
		select {}
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := conn.WriteJSON(frame{Type: "message", ChatID: *chatID, Content: line}); err != nil {
			log.Fatalf("Write failed: %v", err)
		}
	}
}

func login(addr, username, password string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(fmt.Sprintf("http://%s/api/auth/login", addr),
		"application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login returned %s", resp.Status)
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.AccessToken, nil
}
