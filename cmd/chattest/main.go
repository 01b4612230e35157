// Package main provides a stress testing tool for the chat WebSocket server.
//
// Tokens are signed locally with the configured JWT secret, so the tool must
// run with the same configuration as the server it targets.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"gizchat/internal/config"
	"gizchat/internal/middleware"
	"gizchat/internal/notifications"

	"github.com/gorilla/websocket"
)

// Metrics tracks the test results
type Metrics struct {
	ConnectionsAttempted int64
	ConnectionsSuccess   int64
	ConnectionsFailed    int64
	MessagesSent         int64
	MessagesReceived     int64
	ErrorEvents          int64
	Errors               int64
}

var metrics Metrics

func main() {
	host := flag.String("host", "localhost:8375", "API server host")
	firstUser := flag.Uint("first-user", 1, "Lowest user id to connect as")
	users := flag.Int("users", 10, "Number of distinct users (ids first-user..first-user+users-1)")
	clients := flag.Int("clients", 50, "Number of concurrent clients")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	interval := flag.Duration("interval", 5*time.Second, "Delay between sends per client")
	flag.Parse()

	if *users < 2 {
		log.Fatal("need at least two users to form conversations")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	auth := middleware.NewTokenAuthenticator(cfg, nil)

	log.Printf("Starting chat stress test against %s: %d clients over %d users for %v",
		*host, *clients, *users, *duration)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	stopChan := make(chan struct{})

	for i := 0; i < *clients; i++ {
		userID := *firstUser + uint(i%*users)
		peerID := *firstUser + uint((i+1)%*users)
		token, err := auth.IssueToken(userID, *duration+time.Minute)
		if err != nil {
			log.Fatalf("Failed to sign token for user %d: %v", userID, err)
		}

		wg.Add(1)
		go runClient(*host, token, peerID, i, *interval, stopChan, &wg)
		time.Sleep(50 * time.Millisecond) // Stagger connections
	}

	select {
	case <-time.After(*duration):
		log.Println("Test duration reached")
	case <-interrupt:
		log.Println("Interrupted by user")
	}

	close(stopChan)
	log.Println("Waiting for clients to disconnect...")
	wg.Wait()

	printMetrics()
}

func runClient(host, token string, peerID uint, id int, interval time.Duration, stopChan <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	atomic.AddInt64(&metrics.ConnectionsAttempted, 1)

	u := url.URL{Scheme: "ws", Host: host, Path: "/api/ws/chat"}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	c, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = c.Close() }()

	atomic.AddInt64(&metrics.ConnectionsSuccess, 1)

	joined := make(chan uint, 1)
	go func() {
		for {
			_, frame, err := c.ReadMessage()
			if err != nil {
				return
			}
			atomic.AddInt64(&metrics.MessagesReceived, 1)

			var event struct {
				Type         string `json:"type"`
				Conversation uint   `json:"conversation"`
				Error        string `json:"error"`
			}
			if json.Unmarshal(frame, &event) != nil {
				continue
			}
			switch {
			case event.Error != "":
				atomic.AddInt64(&metrics.ErrorEvents, 1)
			case event.Type == notifications.EventJoin:
				select {
				case joined <- event.Conversation:
				default:
				}
			}
		}
	}()

	if err := c.WriteJSON(notifications.Command{Command: notifications.CommandJoin, User: peerID}); err != nil {
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}

	var conversation uint
	select {
	case conversation = <-joined:
	case <-time.After(5 * time.Second):
		atomic.AddInt64(&metrics.Errors, 1)
		return
	case <-stopChan:
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			err := c.WriteJSON(notifications.Command{
				Command:      notifications.CommandSend,
				Conversation: conversation,
				Message:      fmt.Sprintf("Stress test message from client %d", id),
			})
			if err != nil {
				atomic.AddInt64(&metrics.Errors, 1)
				return
			}
			atomic.AddInt64(&metrics.MessagesSent, 1)
		}
	}
}

func printMetrics() {
	log.Println("Test Results")
	log.Println("============")
	log.Printf("Connections Attempted: %d", atomic.LoadInt64(&metrics.ConnectionsAttempted))
	log.Printf("Connections Successful: %d", atomic.LoadInt64(&metrics.ConnectionsSuccess))
	log.Printf("Connections Failed: %d", atomic.LoadInt64(&metrics.ConnectionsFailed))
	log.Printf("Messages Sent: %d", atomic.LoadInt64(&metrics.MessagesSent))
	log.Printf("Messages Received: %d", atomic.LoadInt64(&metrics.MessagesReceived))
	log.Printf("Error Events: %d", atomic.LoadInt64(&metrics.ErrorEvents))
	log.Printf("Total Errors: %d", atomic.LoadInt64(&metrics.Errors))
}
