// chatclient is a terminal client for the relay: it logs in over HTTP, keeps
// the session token on disk, joins a room and sends every stdin line to it.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Tyrowin/designconnect/internal/logging"
	"github.com/Tyrowin/designconnect/internal/relayclient"
	"github.com/Tyrowin/designconnect/internal/server"
)

type loginResponse struct {
	Token string `json:"token"`
	User  struct {
		Name string `json:"name"`
	} `json:"user"`
	Error string `json:"error"`
}

func main() {
	home, _ := os.UserHomeDir()

	baseURL := flag.String("url", envOr("DESIGNCONNECT_URL", "http://localhost:3001"), "server base URL")
	email := flag.String("email", "", "log in with this email before connecting")
	password := flag.String("password", os.Getenv("DESIGNCONNECT_PASSWORD"), "password for -email")
	room := flag.String("room", "", "room to join; messages are broadcast when empty")
	name := flag.String("name", "", "display name stamped on messages")
	tokenFile := flag.String("token-file", filepath.Join(home, ".designconnect", "token"), "where the session token is kept")
	verbose := flag.Bool("v", false, "log relay activity")
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := logging.NewWithWriter(os.Stderr, "development", level)

	tokens := relayclient.NewFileTokenStore(*tokenFile)
	if *email != "" {
		displayName, err := login(*baseURL, *email, *password, tokens)
		exitOnError(err)
		if *name == "" {
			*name = displayName
		}
		fmt.Fprintf(os.Stderr, "logged in as %s\n", displayName)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var relay *relayclient.Relay
	relay = relayclient.New(wsURL(*baseURL), tokens, relayclient.Callbacks{
		OnConnect: func() {
			fmt.Fprintln(os.Stderr, "* connected")
			if *room != "" {
				if err := relay.Join(*room); err != nil {
					logger.Warn().Err(err).Msg("join failed")
				}
			}
		},
		OnDisconnect: func(err error) {
			fmt.Fprintf(os.Stderr, "* disconnected: %v\n", err)
		},
		OnMessage: func(msg server.ChatMessage) {
			fmt.Printf("[%s] %s: %s\n", shortTime(msg.Timestamp), msg.User, msg.Message)
		},
		OnJoin: func(clientID string) {
			fmt.Fprintf(os.Stderr, "* %s joined %s\n", clientID, *room)
		},
		OnNotification: func(payload json.RawMessage) {
			fmt.Fprintf(os.Stderr, "* notification #%d: %s\n", relay.NotificationCount(), payload)
		},
		OnError: func(e server.ErrorPayload) {
			fmt.Fprintf(os.Stderr, "* %s failed (%s): %s\n", e.Event, e.Code, e.Message)
		},
	}, relayclient.WithLogger(logger))

	exitOnError(relay.Connect(ctx))
	defer relay.Close()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := relay.Send(*name, line, *room); err != nil {
				fmt.Fprintf(os.Stderr, "* not sent: %v\n", err)
			}
		}
	}
}

func login(baseURL, email, password string, tokens relayclient.TokenStore) (string, error) {
	var out loginResponse
	resp, err := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		R().
		SetBody(map[string]string{"email": email, "password": password}).
		SetResult(&out).
		SetError(&out).
		Post("/api/auth/login")
	if err != nil {
		return "", fmt.Errorf("login request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("login failed: %s %s", resp.Status(), out.Error)
	}
	if err := tokens.Set(out.Token); err != nil {
		return "", err
	}
	return out.User.Name, nil
}

func wsURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func shortTime(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format("15:04:05")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
